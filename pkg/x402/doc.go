// Package x402 provides an HTTP 402 Payment Required client implementation.
//
// The x402 package lets Go programs and AI agents consume paid HTTP APIs
// transparently: when a seller answers 402 with a payment challenge, the
// client checks the request against its spend policy, obtains a payment
// authorization from a local signing sidecar, and retries the request once
// with the credential attached. Key material never enters the process.
//
// Basic usage:
//
//	cfg := x402.DefaultConfig()
//	cfg.MaxSpendPerTx = decimal.RequireFromString("0.25")
//	cfg.MaxSpendHourly = decimal.RequireFromString("10")
//
//	client, err := x402.NewClient(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	resp, err := client.Get(ctx, "https://api.example.com/premium")
//
// Spending is capped per transaction and per rolling hour, independently for
// each currency, and enforced correctly under concurrent use. Dry-run mode
// walks the full decision path and reports what would have been paid without
// contacting the sidecar:
//
//	would, err := client.Probe(ctx, "https://api.example.com/premium")
//
// For existing code, NewPayingRoundTripper turns any http.Client into a
// paying one.
package x402
