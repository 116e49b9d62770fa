// Package x402 - Transport adapter
// PayingRoundTripper lets any http.Client or reverse proxy pay for gated
// resources transparently: plug it in as the Transport and 402 handling
// disappears from the caller's view.
package x402

import "net/http"

// PayingRoundTripper adapts a Client into an http.RoundTripper.
type PayingRoundTripper struct {
	client *Client
	opts   []CallOption
}

// NewPayingRoundTripper wraps client as a transport. The call options apply
// to every request through it.
func NewPayingRoundTripper(client *Client, opts ...CallOption) *PayingRoundTripper {
	return &PayingRoundTripper{client: client, opts: opts}
}

// RoundTrip implements http.RoundTripper. Requests with a body must carry
// GetBody for the paid resend; requests built by http.NewRequest from
// byte readers already do.
func (t *PayingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.client.Do(req, t.opts...)
}

// HTTPClient returns a ready *http.Client whose transport pays.
func (t *PayingRoundTripper) HTTPClient() *http.Client {
	return &http.Client{Transport: t}
}
