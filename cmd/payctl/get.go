package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/siddimore/x402-payer/pkg/x402"
)

var getCmd = &cobra.Command{
	Use:   "get [url]",
	Short: "Fetch a URL, paying if it is gated",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

func init() {
	getCmd.Flags().StringP("max-spend", "m", "", "Cap for this one payment, e.g. 0.05")
	getCmd.Flags().StringP("method", "X", http.MethodGet, "HTTP method")
	getCmd.Flags().StringP("data", "d", "", "Request body")
	getCmd.Flags().String("content-type", "application/json", "Content-Type for the request body")
	getCmd.Flags().StringP("output", "o", "", "Write the body to a file instead of stdout")
}

func runGet(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}

	method, _ := cmd.Flags().GetString("method")
	data, _ := cmd.Flags().GetString("data")

	var body io.Reader
	if data != "" {
		body = strings.NewReader(data)
	}
	req, err := http.NewRequestWithContext(cmd.Context(), strings.ToUpper(method), args[0], body)
	if err != nil {
		return err
	}
	if body != nil {
		contentType, _ := cmd.Flags().GetString("content-type")
		req.Header.Set("Content-Type", contentType)
	}

	var opts []x402.CallOption
	if raw, _ := cmd.Flags().GetString("max-spend"); raw != "" {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("invalid --max-spend %q", raw)
		}
		opts = append(opts, x402.WithMaxSpend(amount))
	}

	resp, payment, err := client.DoWithResult(req, opts...)
	if err != nil {
		var dryRun *x402.DryRunError
		if errors.As(err, &dryRun) {
			fmt.Printf("dry run: would pay %s %s to %s\n", dryRun.WouldSpend, dryRun.Currency, dryRun.Recipient)
			return nil
		}
		return err
	}
	defer resp.Body.Close()

	if payment != nil {
		fmt.Fprintf(os.Stderr, "paid %s %s to %s\n", payment.Amount, payment.Currency, payment.Recipient)
	}

	out := io.Writer(os.Stdout)
	if path, _ := cmd.Flags().GetString("output"); path != "" && path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s answered %s", req.URL.Host, resp.Status)
	}
	return nil
}
