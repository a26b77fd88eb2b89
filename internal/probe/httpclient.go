package probe

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/andybalholm/brotli"
	kgzip "github.com/klauspost/compress/gzip"

	"github.com/pi-agent/model-selector/internal/resilience"
)

// Client wraps the shared resilience.Executor so every probe's outbound
// HTTP call gets the same retry policy, circuit breaker, and pooled
// transport.
type Client struct {
	http     *http.Client
	executor *resilience.Executor[*http.Response]
	breaker  *resilience.CircuitBreaker
}

// NewClient builds a probe HTTP client for a single provider, with its own
// named circuit breaker so one provider's outage never throttles another
// (adapted from the per-provider executor wiring in
// provider_selection.go).
func NewClient(providerName string, timeout time.Duration) (*Client, error) {
	hc, err := resilience.NewHTTPClient("", timeout)
	if err != nil {
		return nil, err
	}
	breakerCfg := resilience.DefaultBreakerConfig("probe:" + providerName)
	exec := resilience.NewExecutor[*http.Response](resilience.DefaultRetryConfig, &breakerCfg)
	return &Client{http: hc, executor: exec, breaker: exec.CircuitBreaker()}, nil
}

// Do executes req through the retry+breaker executor and returns the
// response with its body fully read and decompressed, so callers never
// touch br/gzip framing directly.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, []byte, error) {
	req = req.WithContext(ctx)
	resp, err := c.executor.Execute(ctx, func() (*http.Response, error) {
		return c.http.Do(req)
	})
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	body, err := decodeBody(resp)
	if err != nil {
		return resp, nil, err
	}
	return resp, body, nil
}

// BreakerOpen reports whether this client's circuit breaker is currently
// open (provider considered unhealthy, spec's Aggregator/C2 can skip it
// rather than waiting out the full per-call timeout again).
func (c *Client) BreakerOpen() bool {
	return c.breaker != nil && c.breaker.State().String() == "open"
}

func decodeBody(resp *http.Response) ([]byte, error) {
	var r io.Reader = resp.Body
	switch resp.Header.Get("Content-Encoding") {
	case "br":
		r = brotli.NewReader(resp.Body)
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			// fall back to the hardened klauspost gzip reader, which
			// tolerates a few malformed-header variants seen in the wild.
			kgz, kerr := kgzip.NewReader(resp.Body)
			if kerr != nil {
				return nil, err
			}
			defer kgz.Close()
			return io.ReadAll(kgz)
		}
		defer gz.Close()
		r = gz
	}
	return io.ReadAll(r)
}
