// Package mcp provides a Model Context Protocol server over the x402
// paying client. It lets AI agents (Claude, GPT, etc.) fetch paywalled
// resources, probe prices, and watch their own spending through MCP tools,
// with the actual payments handled by the client's sidecar flow.
//
// Usage:
//
//	client, _ := x402.NewClient(x402.DefaultConfig())
//	server := mcp.NewServer(mcp.ServerConfig{Payer: client})
//	server.ListenStdio() // For CLI usage
//	// or
//	server.ListenHTTP(":8080") // For HTTP transport
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/siddimore/x402-payer/pkg/x402"
)

// ============================================================================
// MCP PROTOCOL TYPES
// Based on https://modelcontextprotocol.io/docs/specification
// ============================================================================

// JSONRPCRequest is a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse is a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      interface{}   `json:"id,omitempty"`
	Result  interface{}   `json:"result,omitempty"`
	Error   *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError is a JSON-RPC 2.0 error
type JSONRPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// MCP error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Tool represents an MCP tool definition
type Tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"inputSchema"`
}

// InputSchema defines the tool's input parameters
type InputSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties,omitempty"`
	Required   []string            `json:"required,omitempty"`
}

// Property defines a single input property
type Property struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
	Default     any      `json:"default,omitempty"`
}

// ToolResult is the result of a tool call
type ToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ContentBlock is a piece of content in a tool result
type ContentBlock struct {
	Type string `json:"type"` // "text", "image", "resource"
	Text string `json:"text,omitempty"`
}

// ============================================================================
// X402 PAYER MCP SERVER
// ============================================================================

// Payer is the slice of the paying client the server drives. *x402.Client
// satisfies it; tests substitute a stub.
type Payer interface {
	DoWithResult(req *http.Request, opts ...x402.CallOption) (*http.Response, *x402.PaymentResult, error)
	Probe(ctx context.Context, url string, opts ...x402.CallOption) (*x402.DryRunError, error)
	Limiter() x402.SpendLimiter
	Meter() *x402.SpendMeter
	Sidecar() *x402.SidecarClient
}

// ServerConfig configures the MCP server
type ServerConfig struct {
	// Payer executes the paid fetches. Required.
	Payer Payer

	// Name and Version identify the server in the initialize handshake.
	Name    string
	Version string

	// MaxResponseBytes caps how much fetched body text is returned to the
	// agent. Default 64 KiB.
	MaxResponseBytes int64
}

// Server is the MCP server exposing the paying client as tools
type Server struct {
	config ServerConfig
	payer  Payer
}

// NewServer creates a new MCP server
func NewServer(config ServerConfig) *Server {
	if config.Name == "" {
		config.Name = "x402-payer"
	}
	if config.Version == "" {
		config.Version = "1.0.0"
	}
	if config.MaxResponseBytes == 0 {
		config.MaxResponseBytes = 64 << 10
	}

	return &Server{
		config: config,
		payer:  config.Payer,
	}
}

// GetTools returns the list of available tools
func (s *Server) GetTools() []Tool {
	return []Tool{
		{
			Name:        "x402_fetch",
			Description: "Fetch a URL, automatically paying if it answers with an x402 payment challenge. The payment is counted against the configured spending caps.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"url": {
						Type:        "string",
						Description: "Full URL of the resource to fetch",
					},
					"method": {
						Type:        "string",
						Description: "HTTP method",
						Enum:        []string{"GET", "POST", "PUT", "DELETE", "PATCH"},
						Default:     "GET",
					},
					"body": {
						Type:        "string",
						Description: "Request body for POST/PUT/PATCH requests (optional)",
					},
					"content_type": {
						Type:        "string",
						Description: "Content-Type for the request body (default: application/json)",
					},
					"max_spend": {
						Type:        "string",
						Description: "Maximum amount to pay for this one call, as a decimal string (e.g. \"0.05\")",
					},
					"dry_run": {
						Type:        "boolean",
						Description: "Report what the call would cost instead of paying",
						Default:     false,
					},
				},
				Required: []string{"url"},
			},
		},
		{
			Name:        "x402_probe",
			Description: "Ask what fetching a URL would cost, without paying. Returns the price, currency, and recipient, or notes that the resource is free.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"url": {
						Type:        "string",
						Description: "Full URL of the resource to probe",
					},
				},
				Required: []string{"url"},
			},
		},
		{
			Name:        "x402_budget",
			Description: "Show current spending against the rolling-hour caps, plus payment counters for this session.",
			InputSchema: InputSchema{
				Type: "object",
			},
		},
		{
			Name:        "x402_balance",
			Description: "Show the shielded wallet balance as reported by the payment sidecar.",
			InputSchema: InputSchema{
				Type: "object",
			},
		},
		{
			Name:        "x402_health",
			Description: "Check that the payment sidecar is reachable and which chains it supports.",
			InputSchema: InputSchema{
				Type: "object",
			},
		},
	}
}

// CallTool handles a tool call
func (s *Server) CallTool(ctx context.Context, name string, args map[string]interface{}) (*ToolResult, error) {
	switch name {
	case "x402_fetch":
		return s.handleFetch(ctx, args)
	case "x402_probe":
		return s.handleProbe(ctx, args)
	case "x402_budget":
		return s.handleBudget(ctx, args)
	case "x402_balance":
		return s.handleBalance(ctx, args)
	case "x402_health":
		return s.handleHealth(ctx, args)
	default:
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
}

// ============================================================================
// TOOL IMPLEMENTATIONS
// ============================================================================

func (s *Server) handleFetch(ctx context.Context, args map[string]interface{}) (*ToolResult, error) {
	url, ok := args["url"].(string)
	if !ok || url == "" {
		return errorResult("url is required"), nil
	}

	method, _ := args["method"].(string)
	if method == "" {
		method = "GET"
	}

	var reqBody io.Reader
	if body, ok := args["body"].(string); ok && body != "" {
		reqBody = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return errorResult(fmt.Sprintf("Invalid request: %v", err)), nil
	}
	if reqBody != nil {
		contentType, _ := args["content_type"].(string)
		if contentType == "" {
			contentType = "application/json"
		}
		req.Header.Set("Content-Type", contentType)
	}

	var opts []x402.CallOption
	if maxSpend, err := argDecimal(args, "max_spend"); err != nil {
		return errorResult(fmt.Sprintf("Invalid max_spend: %v", err)), nil
	} else if maxSpend.IsPositive() {
		opts = append(opts, x402.WithMaxSpend(maxSpend))
	}
	if dryRun, ok := args["dry_run"].(bool); ok && dryRun {
		opts = append(opts, x402.WithDryRun(true))
	}

	resp, payment, err := s.payer.DoWithResult(req, opts...)
	if err != nil {
		// A dry-run "failure" is the answer the agent asked for.
		var dryRun *x402.DryRunError
		if errors.As(err, &dryRun) {
			return textResult(fmt.Sprintf(
				"# Dry Run\n\nNo payment was made.\n\n- **Would pay**: %s %s\n- **To**: %s\n- **For**: %s",
				dryRun.WouldSpend, dryRun.Currency, dryRun.Recipient, dryRun.Resource,
			)), nil
		}
		return paymentErrorResult(err), nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.config.MaxResponseBytes))
	if err != nil {
		return errorResult(fmt.Sprintf("Failed to read response: %v", err)), nil
	}

	result := fmt.Sprintf("# Fetched %s\n\n**Status**: %d\n", truncateURL(url, 80), resp.StatusCode)
	if payment != nil {
		result += fmt.Sprintf("\n## Payment\n\n- **Paid**: %s %s\n- **To**: %s\n",
			payment.Amount, payment.Currency, payment.Recipient)
		if payment.Authorization != nil && payment.Authorization.RemainingBalance.IsPositive() {
			result += fmt.Sprintf("- **Wallet balance after**: %s\n", payment.Authorization.RemainingBalance)
		}
	} else {
		result += "\nNo payment was required.\n"
	}
	result += fmt.Sprintf("\n## Body\n\n%s", string(body))
	if int64(len(body)) == s.config.MaxResponseBytes {
		result += "\n\n(truncated)"
	}

	return textResult(result), nil
}

func (s *Server) handleProbe(ctx context.Context, args map[string]interface{}) (*ToolResult, error) {
	url, ok := args["url"].(string)
	if !ok || url == "" {
		return errorResult("url is required"), nil
	}

	quote, err := s.payer.Probe(ctx, url)
	if err != nil {
		return paymentErrorResult(err), nil
	}
	if quote == nil {
		return textResult(fmt.Sprintf("%s does not require payment.", truncateURL(url, 80))), nil
	}

	return textResult(fmt.Sprintf(
		"# Price Quote\n\n- **Resource**: %s\n- **Cost**: %s %s\n- **Recipient**: %s\n\nUse `x402_fetch` to pay and fetch it.",
		quote.Resource, quote.WouldSpend, quote.Currency, quote.Recipient,
	)), nil
}

func (s *Server) handleBudget(ctx context.Context, args map[string]interface{}) (*ToolResult, error) {
	usage, err := s.payer.Limiter().Snapshot(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("Failed to read spend usage: %v", err)), nil
	}

	result := "# Spend Budget\n\n"
	if len(usage) == 0 {
		result += "Nothing spent in the last hour.\n"
	} else {
		result += "## Rolling hour\n\n"
		result += "| Currency | Spent | Pending | Payments |\n"
		result += "|----------|-------|---------|----------|\n"
		for currency, u := range usage {
			result += fmt.Sprintf("| %s | %s | %s | %d |\n", currency, u.Spent, u.Pending, u.Payments)
		}
	}

	if meter := s.payer.Meter(); meter != nil {
		report := meter.Report()
		if len(report.Currencies) > 0 {
			result += fmt.Sprintf("\n## Session since %s\n\n", report.Since.Format(time.RFC3339))
			result += "| Currency | Attempts | Payments | Denials | Dry runs | Total | Avg |\n"
			result += "|----------|----------|----------|---------|----------|-------|-----|\n"
			for currency, c := range report.Currencies {
				result += fmt.Sprintf("| %s | %d | %d | %d | %d | %s | %s |\n",
					currency, c.Attempts, c.Payments, c.Denials, c.DryRuns, c.TotalSpent, c.AveragePayment)
			}
		}
	}

	return textResult(result), nil
}

func (s *Server) handleBalance(ctx context.Context, args map[string]interface{}) (*ToolResult, error) {
	sidecar := s.payer.Sidecar()
	if sidecar == nil {
		return textResult("Wallet balance is not available: the client is running with a custom authorization provider, not the sidecar."), nil
	}

	balance, err := sidecar.Balance(ctx)
	if err != nil {
		return paymentErrorResult(err), nil
	}

	return textResult(fmt.Sprintf(
		"# Wallet Balance\n\n- **Total**: %s USDC\n- **Notes**: %d\n- **Largest note**: %s\n- **Smallest note**: %s\n- **Chain**: %s",
		balance.Total, balance.NoteCount, balance.LargestNote, balance.SmallestNote, balance.Chain,
	)), nil
}

func (s *Server) handleHealth(ctx context.Context, args map[string]interface{}) (*ToolResult, error) {
	sidecar := s.payer.Sidecar()
	if sidecar == nil {
		return textResult("Sidecar health is not available: the client is running with a custom authorization provider."), nil
	}

	health, err := sidecar.Health(ctx)
	if err != nil {
		return paymentErrorResult(err), nil
	}

	return textResult(fmt.Sprintf(
		"# Sidecar Health\n\n- **Status**: %s\n- **Version**: %s\n- **Mode**: %s\n- **Uptime**: %.0fs\n- **Chains**: %s",
		health.Status, health.Version, health.Mode, health.Uptime, strings.Join(health.Chains, ", "),
	)), nil
}

// ============================================================================
// TRANSPORT: STDIO (for CLI usage)
// ============================================================================

// ListenStdio starts the server on stdin/stdout (standard MCP transport)
func (s *Server) ListenStdio() error {
	return s.serve(os.Stdin, os.Stdout)
}

func (s *Server) serve(r io.Reader, w io.Writer) error {
	reader := bufio.NewReader(r)
	encoder := json.NewEncoder(w)

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		var req JSONRPCRequest
		if err := json.Unmarshal(line, &req); err != nil {
			s.sendError(encoder, nil, ParseError, "Parse error")
			continue
		}

		s.handleRequest(encoder, &req)
	}
}

// ============================================================================
// TRANSPORT: HTTP (for web usage)
// ============================================================================

// Handler returns the HTTP transport handler, mounted at /mcp
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req JSONRPCRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(JSONRPCResponse{
				JSONRPC: "2.0",
				Error:   &JSONRPCError{Code: ParseError, Message: "Parse error"},
			})
			return
		}

		w.Header().Set("Content-Type", "application/json")
		s.handleRequest(json.NewEncoder(w), &req)
	})
	return mux
}

// ListenHTTP starts the server on HTTP
func (s *Server) ListenHTTP(addr string) error {
	return http.ListenAndServe(addr, s.Handler())
}

// ============================================================================
// REQUEST HANDLING
// ============================================================================

func (s *Server) handleRequest(encoder *json.Encoder, req *JSONRPCRequest) {
	switch req.Method {
	case "initialize":
		s.handleInitialize(encoder, req)
	case "tools/list":
		s.handleToolsList(encoder, req)
	case "tools/call":
		s.handleToolsCall(encoder, req)
	default:
		s.sendError(encoder, req.ID, MethodNotFound, "Method not found")
	}
}

func (s *Server) handleInitialize(encoder *json.Encoder, req *JSONRPCRequest) {
	result := map[string]interface{}{
		"protocolVersion": "2024-11-05",
		"serverInfo": map[string]string{
			"name":    s.config.Name,
			"version": s.config.Version,
		},
		"capabilities": map[string]interface{}{
			"tools": map[string]bool{},
		},
	}
	s.sendResult(encoder, req.ID, result)
}

func (s *Server) handleToolsList(encoder *json.Encoder, req *JSONRPCRequest) {
	result := map[string]interface{}{
		"tools": s.GetTools(),
	}
	s.sendResult(encoder, req.ID, result)
}

func (s *Server) handleToolsCall(encoder *json.Encoder, req *JSONRPCRequest) {
	var params struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.sendError(encoder, req.ID, InvalidParams, "Invalid params")
		return
	}

	result, err := s.CallTool(context.Background(), params.Name, params.Arguments)
	if err != nil {
		s.sendError(encoder, req.ID, InternalError, err.Error())
		return
	}

	s.sendResult(encoder, req.ID, result)
}

func (s *Server) sendResult(encoder *json.Encoder, id interface{}, result interface{}) {
	_ = encoder.Encode(JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	})
}

func (s *Server) sendError(encoder *json.Encoder, id interface{}, code int, message string) {
	_ = encoder.Encode(JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &JSONRPCError{Code: code, Message: message},
	})
}

// ============================================================================
// HELPERS
// ============================================================================

// argDecimal reads a decimal argument that may arrive as a JSON string or
// number. Missing means zero.
func argDecimal(args map[string]interface{}, key string) (decimal.Decimal, error) {
	switch v := args[key].(type) {
	case nil:
		return decimal.Zero, nil
	case string:
		if v == "" {
			return decimal.Zero, nil
		}
		return decimal.NewFromString(v)
	case float64:
		return decimal.NewFromFloat(v), nil
	default:
		return decimal.Zero, fmt.Errorf("expected string or number, got %T", v)
	}
}

func textResult(text string) *ToolResult {
	return &ToolResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
	}
}

func errorResult(message string) *ToolResult {
	return &ToolResult{
		Content: []ContentBlock{{Type: "text", Text: "❌ Error: " + message}},
		IsError: true,
	}
}

// paymentErrorResult renders a payment-flow error with its taxonomy kind so
// the agent can react to the category, not just the prose.
func paymentErrorResult(err error) *ToolResult {
	return errorResult(fmt.Sprintf("[%s] %v", x402.ErrorKind(err), err))
}

func truncateURL(url string, max int) string {
	if len(url) <= max {
		return url
	}
	return url[:max-3] + "..."
}
