package api

// This file defines functional options that configure the Client during
// construction.

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Option mutates the Client during NewClient().
type Option func(*Client)

// WithHTTPClient injects a custom *http.Client. A nil client is ignored.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout sets the per-request timeout of the underlying client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithLogger sets the logger used for transport diagnostics.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) {
		c.log = log
	}
}

// WithTokenSource installs the bearer token provider at construction.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) {
		c.tokens = ts
	}
}

// WithDebugLogging wraps the transport so every round trip is logged at
// debug level when enabled is true. Authorization headers are never
// logged.
func WithDebugLogging(enabled bool) Option {
	return func(c *Client) {
		if !enabled {
			return
		}
		base := c.httpClient.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		c.httpClient.Transport = &debugTransport{base: base, log: &c.log}
	}
}

// debugTransport logs request/response metadata around each round trip.
type debugTransport struct {
	base http.RoundTripper
	log  *zerolog.Logger
}

func (dt *debugTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := dt.base.RoundTrip(req)
	elapsed := time.Since(start)

	if err != nil {
		dt.log.Debug().
			Err(err).
			Str("method", req.Method).
			Str("url", req.URL.String()).
			Dur("elapsed", elapsed).
			Msg("HTTP request failed")
		return nil, err
	}

	dt.log.Debug().
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Str("request_id", req.Header.Get("X-Request-ID")).
		Int("status_code", resp.StatusCode).
		Dur("elapsed", elapsed).
		Msg("HTTP response")
	return resp, nil
}
