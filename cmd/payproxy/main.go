// X402 Paying Proxy - A reverse proxy that pays HTTP 402 challenges so its
// callers never see them
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"io"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/siddimore/x402-payer/pkg/x402"
)

// maxReplayBody bounds how much of a request body the proxy buffers so it
// can be resent after a payment.
const maxReplayBody = 1 << 20

func main() {
	// Configuration flags
	listenAddr := flag.String("listen", ":8402", "Proxy listen address")
	upstreamURL := flag.String("upstream", "", "Paid upstream base URL (e.g., https://api.example.com)")
	sidecarURL := flag.String("sidecar", "", "Signing sidecar URL")
	maxTx := flag.String("max-tx", "", "Per-payment cap, e.g. 0.10")
	maxHourly := flag.String("max-hourly", "", "Rolling-hour cap, e.g. 5.00")
	policyPath := flag.String("policy", "", "Per-host spend policy YAML")
	dryRun := flag.Bool("dry-run", false, "Simulate payments instead of paying")
	debug := flag.Bool("debug", false, "Verbose payment flow logging")

	flag.Parse()

	// Environment fills in whatever the flags leave alone
	config, err := x402.FromEnv()
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["sidecar"] {
		config.SidecarURL = *sidecarURL
	}
	if set["max-tx"] {
		amount, err := decimal.NewFromString(*maxTx)
		if err != nil {
			log.Fatalf("Invalid -max-tx: %v", err)
		}
		config.MaxSpendPerTx = amount
	}
	if set["max-hourly"] {
		amount, err := decimal.NewFromString(*maxHourly)
		if err != nil {
			log.Fatalf("Invalid -max-hourly: %v", err)
		}
		config.MaxSpendHourly = amount
	}
	if set["dry-run"] {
		config.DryRun = *dryRun
	}
	if set["debug"] {
		config.Debug = *debug
	}

	if *upstreamURL == "" {
		*upstreamURL = os.Getenv("X402_UPSTREAM_URL")
	}
	if *upstreamURL == "" {
		log.Fatal("Upstream URL is required. Use -upstream flag or X402_UPSTREAM_URL env var")
	}

	target, err := url.Parse(*upstreamURL)
	if err != nil {
		log.Fatalf("Invalid upstream URL: %v", err)
	}

	var opts []x402.ClientOption
	if *policyPath != "" {
		policies, err := x402.LoadPolicyFile(*policyPath)
		if err != nil {
			log.Fatalf("Policy file: %v", err)
		}
		opts = append(opts, x402.WithPolicies(policies))
	}

	client, err := x402.NewClient(config, opts...)
	if err != nil {
		log.Fatalf("Client error: %v", err)
	}

	// Reverse proxy whose transport pays: a 402 from the upstream is settled
	// and retried before the caller sees anything.
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.Transport = x402.NewPayingRoundTripper(client)

	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)
		req.Header.Set("X-Forwarded-Host", req.Host)
		req.Host = target.Host
		bufferReplayableBody(req)
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		kind := x402.ErrorKind(err)
		status := http.StatusBadGateway
		switch kind {
		case "spending_limit", "insufficient_balance", "dry_run":
			status = http.StatusPaymentRequired
		case "sidecar_unavailable":
			status = http.StatusServiceUnavailable
		}

		log.Printf("proxy: %s %s: %v", r.Method, r.URL.Path, err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{
				"code":    strings.ToUpper(kind),
				"message": err.Error(),
			},
		})
	}

	log.Printf("🚀 X402 Paying Proxy starting on %s", *listenAddr)
	log.Printf("🔗 Paying for: %s", *upstreamURL)
	log.Printf("🔐 Sidecar: %s", config.SidecarURL)
	if config.MaxSpendPerTx.IsPositive() {
		log.Printf("💰 Per-payment cap: %s", config.MaxSpendPerTx)
	}
	if config.MaxSpendHourly.IsPositive() {
		log.Printf("⏳ Rolling-hour cap: %s", config.MaxSpendHourly)
	}
	if config.DryRun {
		log.Printf("🧪 Dry run: payments are simulated")
	}

	log.Fatal(http.ListenAndServe(*listenAddr, proxy))
}

// bufferReplayableBody makes small request bodies resendable after a
// payment. Bodies of unknown or large size pass through unbuffered; a paid
// retry of those fails with a replayability error instead of silently
// resending a half-read stream.
func bufferReplayableBody(req *http.Request) {
	if req.Body == nil || req.GetBody != nil {
		return
	}
	if req.ContentLength < 0 || req.ContentLength > maxReplayBody {
		return
	}

	data, err := io.ReadAll(io.LimitReader(req.Body, maxReplayBody))
	req.Body.Close()
	if err != nil {
		// Body is gone either way; let the upstream call fail.
		req.Body = io.NopCloser(bytes.NewReader(data))
		return
	}

	req.Body = io.NopCloser(bytes.NewReader(data))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
}
