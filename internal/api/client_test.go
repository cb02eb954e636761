package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubTokens is a TokenSource whose refresh hands out a fixed token.
type stubTokens struct {
	mu         sync.Mutex
	token      string
	canRefresh bool
	next       string
	refreshErr error
	refreshes  int
	expired    []string
}

func (s *stubTokens) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *stubTokens) CanRefresh() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canRefresh
}

func (s *stubTokens) Refresh(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshes++
	if s.refreshErr != nil {
		return "", s.refreshErr
	}
	s.token = s.next
	return s.token, nil
}

func (s *stubTokens) Expire(token string, _ error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expired = append(s.expired, token)
}

func (s *stubTokens) expiredTokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.expired...)
}

// tokenServer accepts only the given bearer token and records every
// Authorization header it sees.
type tokenServer struct {
	mu    sync.Mutex
	valid string
	seen  []string
}

func (ts *tokenServer) handler(w http.ResponseWriter, r *http.Request) {
	auth := r.Header.Get("Authorization")
	ts.mu.Lock()
	ts.seen = append(ts.seen, auth)
	valid := ts.valid
	ts.mu.Unlock()

	if auth != "Bearer "+valid {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"expired"}`))
		return
	}
	_, _ = w.Write([]byte(`{"data":{"name":"ok"}}`))
}

func (ts *tokenServer) headers() []string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]string(nil), ts.seen...)
}

func newTokenServer(t *testing.T, valid string) (*tokenServer, *httptest.Server) {
	t.Helper()
	ts := &tokenServer{valid: valid}
	srv := httptest.NewServer(http.HandlerFunc(ts.handler))
	t.Cleanup(srv.Close)
	return ts, srv
}

type named struct {
	Name string `json:"name"`
}

func TestSend_AttachesBearerAndUnwrapsData(t *testing.T) {
	ts, srv := newTokenServer(t, "good")
	c := NewClient(srv.URL, WithTokenSource(&stubTokens{token: "good"}))

	var out named
	require.NoError(t, c.Get(context.Background(), "/thing", nil, &out))

	assert.Equal(t, "ok", out.Name)
	assert.Equal(t, []string{"Bearer good"}, ts.headers())
}

func TestSend_RefreshesOnceAndRetries(t *testing.T) {
	ts, srv := newTokenServer(t, "fresh")
	tokens := &stubTokens{token: "stale", canRefresh: true, next: "fresh"}
	c := NewClient(srv.URL, WithTokenSource(tokens))

	var out named
	require.NoError(t, c.Get(context.Background(), "/thing", nil, &out))

	assert.Equal(t, 1, tokens.refreshes)
	assert.Equal(t, []string{"Bearer stale", "Bearer fresh"}, ts.headers())
}

func TestSend_NeverRetriesTwice(t *testing.T) {
	ts, srv := newTokenServer(t, "never-valid")
	tokens := &stubTokens{token: "stale", canRefresh: true, next: "also-bad"}
	c := NewClient(srv.URL, WithTokenSource(tokens))

	err := c.Get(context.Background(), "/thing", nil, nil)

	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
	assert.Equal(t, 401, StatusCode(err))
	assert.Equal(t, 1, tokens.refreshes)
	assert.Len(t, ts.headers(), 2)
	assert.Empty(t, tokens.expiredTokens())
}

func TestSend_RefreshFailureIsUnauthorized(t *testing.T) {
	ts, srv := newTokenServer(t, "fresh")
	tokens := &stubTokens{
		token:      "stale",
		canRefresh: true,
		refreshErr: &Error{Kind: ErrRefreshFailed},
	}
	c := NewClient(srv.URL, WithTokenSource(tokens))

	err := c.Get(context.Background(), "/thing", nil, nil)

	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
	assert.True(t, IsRefreshFailed(err))
	assert.Len(t, ts.headers(), 1, "request must not be re-issued")
}

func TestSend_NoRefreshTokenIsTerminal(t *testing.T) {
	ts, srv := newTokenServer(t, "fresh")
	tokens := &stubTokens{token: "stale"}
	c := NewClient(srv.URL, WithTokenSource(tokens))

	err := c.Get(context.Background(), "/thing", nil, nil)

	assert.True(t, IsUnauthorized(err))
	assert.Zero(t, tokens.refreshes)
	assert.Len(t, ts.headers(), 1)
	assert.Equal(t, []string{"stale"}, tokens.expiredTokens(), "a 401 that cannot be refreshed ends the session")
}

func TestSend_NoRefreshFlag(t *testing.T) {
	_, srv := newTokenServer(t, "fresh")
	tokens := &stubTokens{token: "stale", canRefresh: true, next: "fresh"}
	c := NewClient(srv.URL, WithTokenSource(tokens))

	_, err := c.Send(context.Background(), Request{Method: http.MethodPost, Path: "/x", NoRefresh: true})

	assert.True(t, IsUnauthorized(err))
	assert.Zero(t, tokens.refreshes)
	assert.Empty(t, tokens.expiredTokens())
}

func TestSend_ReusesTokenRefreshedByAnotherRequest(t *testing.T) {
	tokens := &stubTokens{token: "stale", canRefresh: true, next: "unused"}

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			// Simulate a concurrent refresh completing while this
			// request was in flight.
			tokens.mu.Lock()
			tokens.token = "rotated"
			tokens.mu.Unlock()
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "Bearer rotated", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, WithTokenSource(tokens))
	require.NoError(t, c.Delete(context.Background(), "/thing", nil))
	assert.Zero(t, tokens.refreshes)
}

func TestSend_AnonymousOmitsAuthorization(t *testing.T) {
	ts, srv := newTokenServer(t, "good")
	c := NewClient(srv.URL, WithTokenSource(&stubTokens{token: "good", canRefresh: true}))

	_, err := c.Send(context.Background(), Request{Method: http.MethodPost, Path: "/auth/login", Anonymous: true})

	assert.True(t, IsUnauthorized(err))
	assert.Equal(t, []string{""}, ts.headers())
}

func TestSend_ClassifiesStatuses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/validation":
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"error":{"message":"bad input","fields":{"email":"invalid"}}}`))
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"nope"}`))
		case "/conflict":
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`plain text`))
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL)
	ctx := context.Background()

	err := c.Get(ctx, "/validation", nil, nil)
	assert.True(t, IsValidation(err))
	assert.Equal(t, map[string]string{"email": "invalid"}, FieldErrors(err))
	assert.Contains(t, err.Error(), "bad input")

	err = c.Get(ctx, "/missing", nil, nil)
	assert.ErrorIs(t, err, ErrNotFound)

	err = c.Get(ctx, "/conflict", nil, nil)
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Nil(t, apiErr.Kind)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "plain text", apiErr.Message)

	err = c.Get(ctx, "/boom", nil, nil)
	assert.True(t, IsServer(err))
}

func TestSend_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	c := NewClient(srv.URL)
	err := c.Get(context.Background(), "/x", nil, nil)

	require.Error(t, err)
	assert.True(t, IsNetwork(err))
	assert.False(t, strings.Contains(err.Error(), srv.URL+"/x\":"), "url error wrapper is stripped")
}

func TestSend_ContextCancelIsReachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewClient(srv.URL).Get(ctx, "/slow", nil, nil)
	assert.True(t, IsNetwork(err))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestResponseDecode_BareBody(t *testing.T) {
	r := &Response{StatusCode: 200, Body: []byte(`[{"name":"a"},{"name":"b"}]`)}

	var out []named
	require.NoError(t, r.Decode(&out))
	assert.Len(t, out, 2)
}

func TestResponseDecode_ObjectWithoutData(t *testing.T) {
	r := &Response{StatusCode: 200, Body: []byte(`{"name":"direct"}`)}

	var out named
	require.NoError(t, r.Decode(&out))
	assert.Equal(t, "direct", out.Name)
}
