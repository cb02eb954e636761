package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nhle/familytree/internal/metrics"
)

// TokenSource supplies bearer tokens and coordinates refreshes. The
// auth manager is the production implementation.
type TokenSource interface {
	// AccessToken returns the token to attach, or "" when anonymous.
	AccessToken() string

	// CanRefresh reports whether a refresh token is available.
	CanRefresh() bool

	// Refresh obtains a new access token. Concurrent callers share a
	// single underlying call.
	Refresh(ctx context.Context) (string, error)

	// Expire ends the session after the server rejected token and no
	// refresh was possible. A token that is no longer current is ignored.
	Expire(token string, cause error)
}

// Request describes one API call. Paths are relative to the base URL.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any

	// Anonymous requests carry no Authorization header and never
	// trigger a refresh (login, signup, refresh itself).
	Anonymous bool

	// NoRefresh sends the bearer token but treats a 401 as terminal.
	NoRefresh bool
}

// attempt is the retry state of a single Send call. It is created once
// per call and replaced, never mutated, when the request is re-issued.
type attempt struct {
	token   string
	retried bool
}

func (a attempt) retry(token string) attempt {
	return attempt{token: token, retried: true}
}

// Client executes authenticated HTTP calls against the family tree API.
// It attaches the current access token and, on a 401, refreshes once
// through its TokenSource and re-issues the request exactly once.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger

	mu     sync.RWMutex
	tokens TokenSource
}

// NewClient creates a new API client. The baseURL should be the API
// root (e.g., http://localhost:5000/api).
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		log: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetTokenSource installs the token provider used for bearer auth.
func (c *Client) SetTokenSource(ts TokenSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = ts
}

func (c *Client) tokenSource() TokenSource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens
}

// BaseURL returns the API root without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Send executes req and returns the 2xx response or a typed *Error.
// A 401 is retried at most once, after a successful refresh.
func (c *Client) Send(ctx context.Context, req Request) (*Response, error) {
	ts := c.tokenSource()

	at := attempt{}
	if !req.Anonymous && ts != nil {
		at.token = ts.AccessToken()
	}

	for {
		resp, err := c.do(ctx, req, at)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusUnauthorized {
			return c.check(req, resp)
		}
		if at.retried || !refreshable(req, ts) {
			apiErr := c.statusError(req, resp)
			if !at.retried && expirable(req, at) {
				c.log.Debug().
					Str("method", req.Method).
					Str("path", req.Path).
					Msg("unauthorized without refresh token; ending session")
				ts.Expire(at.token, apiErr)
			}
			return nil, apiErr
		}

		token, err := freshToken(ctx, ts, at.token)
		if err != nil {
			c.log.Debug().
				Str("method", req.Method).
				Str("path", req.Path).
				Err(err).
				Msg("refresh failed; request is unauthorized")
			apiErr := c.statusError(req, resp)
			apiErr.Kind = ErrUnauthorized
			apiErr.Err = err
			return nil, apiErr
		}

		metrics.HTTPRetriesTotal.Inc()
		at = at.retry(token)
	}
}

// refreshable reports whether a 401 on req may be recovered by a refresh.
func refreshable(req Request, ts TokenSource) bool {
	return !req.Anonymous && !req.NoRefresh && ts != nil && ts.CanRefresh()
}

// expirable reports whether a terminal 401 on req ends the session.
// Anonymous and NoRefresh calls (logout among them) never do.
func expirable(req Request, at attempt) bool {
	return !req.Anonymous && !req.NoRefresh && at.token != ""
}

// freshToken returns a token newer than stale. If another request has
// already refreshed, the current token is reused without a new call.
func freshToken(ctx context.Context, ts TokenSource, stale string) (string, error) {
	if current := ts.AccessToken(); current != "" && current != stale {
		return current, nil
	}
	return ts.Refresh(ctx)
}

// Do sends req and decodes the response payload into result.
func (c *Client) Do(ctx context.Context, req Request, result any) error {
	resp, err := c.Send(ctx, req)
	if err != nil {
		return err
	}
	if err := resp.Decode(result); err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.Path, err)
	}
	return nil
}

// Get performs an authenticated GET and decodes the payload.
func (c *Client) Get(ctx context.Context, path string, query url.Values, result any) error {
	return c.Do(ctx, Request{Method: http.MethodGet, Path: path, Query: query}, result)
}

// Post performs an authenticated POST with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body, result any) error {
	return c.Do(ctx, Request{Method: http.MethodPost, Path: path, Body: body}, result)
}

// Put performs an authenticated PUT with an optional JSON body.
func (c *Client) Put(ctx context.Context, path string, body, result any) error {
	return c.Do(ctx, Request{Method: http.MethodPut, Path: path, Body: body}, result)
}

// Delete performs an authenticated DELETE.
func (c *Client) Delete(ctx context.Context, path string, result any) error {
	return c.Do(ctx, Request{Method: http.MethodDelete, Path: path}, result)
}

// do performs one HTTP round trip. Any response, including 4xx/5xx, is
// returned as a Response; only transport failures become errors.
func (c *Client) do(ctx context.Context, req Request, at attempt) (*Response, error) {
	target := c.baseURL + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var bodyReader io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", uuid.NewString())
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if at.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+at.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		metrics.HTTPRequestsTotal.WithLabelValues(req.Method, "error").Inc()
		return nil, &Error{
			Kind:   ErrNetwork,
			Method: req.Method,
			Path:   req.Path,
			Err:    unwrapURLError(err),
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.HTTPRequestsTotal.WithLabelValues(req.Method, "error").Inc()
		return nil, &Error{
			Kind:   ErrNetwork,
			Method: req.Method,
			Path:   req.Path,
			Err:    fmt.Errorf("reading response body: %w", err),
		}
	}

	metrics.HTTPRequestsTotal.WithLabelValues(req.Method, metrics.StatusClass(resp.StatusCode)).Inc()

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// check turns non-2xx responses into errors.
func (c *Client) check(req Request, resp *Response) (*Response, error) {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	return nil, c.statusError(req, resp)
}

func (c *Client) statusError(req Request, resp *Response) *Error {
	message, fields := parseErrorBody(resp.Body)
	return &Error{
		Kind:       kindForStatus(resp.StatusCode),
		Method:     req.Method,
		Path:       req.Path,
		StatusCode: resp.StatusCode,
		Message:    message,
		Fields:     fields,
	}
}

// unwrapURLError strips the *url.Error wrapper, whose message repeats
// the full URL, while keeping context errors reachable.
func unwrapURLError(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}
	return err
}
