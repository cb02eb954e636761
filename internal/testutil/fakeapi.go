package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/nhle/familytree/internal/model"
)

// FakeAPI is an in-process stand-in for the family tree server. It
// implements the auth, profile and notification endpoints under /api
// and a websocket push endpoint at /ws.
type FakeAPI struct {
	Server *httptest.Server

	mu            sync.Mutex
	users         map[string]fakeUser
	validAccess   map[string]string // access token -> user id
	refreshTokens map[string]string // refresh token -> user id
	tokenSeq      int
	notifications []model.Notification
	sockets       map[*websocket.Conn]string

	refreshCalls  int
	logoutCalls   int
	refreshDelay  time.Duration
	failRefresh   bool
	failMutations bool
	rejectSockets bool
	requests      []string
}

type fakeUser struct {
	model.UserSummary
	password string
}

// NewFakeAPI starts a FakeAPI with one registered user
// (ada@example.com / correct-horse). The server is closed with the test.
func NewFakeAPI(t *testing.T) *FakeAPI {
	t.Helper()

	f := &FakeAPI{
		users:         make(map[string]fakeUser),
		validAccess:   make(map[string]string),
		refreshTokens: make(map[string]string),
		sockets:       make(map[*websocket.Conn]string),
	}
	f.AddUser(model.UserSummary{ID: "u1", Username: "ada", Email: "ada@example.com"}, "correct-horse")

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", f.handleLogin)
	mux.HandleFunc("POST /api/auth/signup", f.handleSignup)
	mux.HandleFunc("POST /api/auth/refresh", f.handleRefresh)
	mux.HandleFunc("POST /api/auth/logout", f.authed(f.handleLogout))
	mux.HandleFunc("GET /api/user/profile", f.authed(f.handleProfile))
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /api/notifications", f.authed(f.handleList))
	mux.HandleFunc("GET /api/notifications/unread-count", f.authed(f.handleUnreadCount))
	mux.HandleFunc("GET /api/notifications/types", f.authed(f.handleTypes))
	mux.HandleFunc("PUT /api/notifications/read-all", f.authed(f.mutation(f.handleReadAll)))
	mux.HandleFunc("PUT /api/notifications/{id}/read", f.authed(f.mutation(f.handleRead)))
	mux.HandleFunc("DELETE /api/notifications/{id}", f.authed(f.mutation(f.handleDelete)))
	mux.HandleFunc("DELETE /api/notifications", f.authed(f.mutation(f.handleDeleteAll)))
	mux.HandleFunc("GET /ws", f.handleSocket)

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

// URL returns the REST base URL.
func (f *FakeAPI) URL() string { return f.Server.URL + "/api" }

// WSURL returns the push endpoint URL.
func (f *FakeAPI) WSURL() string {
	return "ws" + strings.TrimPrefix(f.Server.URL, "http") + "/ws"
}

// Close disconnects sockets and stops the server.
func (f *FakeAPI) Close() {
	f.mu.Lock()
	for c := range f.sockets {
		c.Close(websocket.StatusGoingAway, "server shutdown")
	}
	f.mu.Unlock()
	f.Server.Close()
}

// AddUser registers an account.
func (f *FakeAPI) AddUser(u model.UserSummary, password string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.Email] = fakeUser{UserSummary: u, password: password}
}

// IssueTokens creates a valid access/refresh token pair for userID.
func (f *FakeAPI) IssueTokens(userID string) (access, refresh string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.issueLocked(userID)
}

func (f *FakeAPI) issueLocked(userID string) (access, refresh string) {
	f.tokenSeq++
	access = fmt.Sprintf("access-%d", f.tokenSeq)
	refresh = fmt.Sprintf("refresh-%d", f.tokenSeq)
	f.validAccess[access] = userID
	f.refreshTokens[refresh] = userID
	return access, refresh
}

// ExpireAccessTokens invalidates every access token; refresh tokens
// stay valid.
func (f *FakeAPI) ExpireAccessTokens() {
	f.mu.Lock()
	defer f.mu.Unlock()
	clear(f.validAccess)
}

// SetRefreshDelay makes /auth/refresh sleep before answering.
func (f *FakeAPI) SetRefreshDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshDelay = d
}

// SetFailRefresh makes /auth/refresh answer 401.
func (f *FakeAPI) SetFailRefresh(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failRefresh = fail
}

// SetFailMutations makes notification mutations answer 500.
func (f *FakeAPI) SetFailMutations(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failMutations = fail
}

// SetRejectSockets makes /ws answer 401 regardless of the token.
func (f *FakeAPI) SetRejectSockets(reject bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejectSockets = reject
}

// SetNotifications replaces the server-side notification list.
func (f *FakeAPI) SetNotifications(ns []model.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = slices.Clone(ns)
}

// Notifications returns a copy of the server-side list.
func (f *FakeAPI) Notifications() []model.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.notifications)
}

// RefreshCalls returns how many times /auth/refresh was hit.
func (f *FakeAPI) RefreshCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls
}

// LogoutCalls returns how many times /auth/logout was hit.
func (f *FakeAPI) LogoutCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logoutCalls
}

// Requests returns "METHOD path token" lines for every authed request.
func (f *FakeAPI) Requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.requests)
}

// SocketCount returns the number of open push connections.
func (f *FakeAPI) SocketCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sockets)
}

// Push sends an event frame to every open socket.
func (f *FakeAPI) Push(ctx context.Context, event string, data any) error {
	f.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(f.sockets))
	for c := range f.sockets {
		conns = append(conns, c)
	}
	f.mu.Unlock()

	frame := map[string]any{"event": event, "data": data}
	for _, c := range conns {
		if err := wsjson.Write(ctx, c, frame); err != nil {
			return err
		}
	}
	return nil
}

// DropSockets closes every socket with the given status code.
func (f *FakeAPI) DropSockets(code websocket.StatusCode, reason string) {
	f.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(f.sockets))
	for c := range f.sockets {
		conns = append(conns, c)
	}
	f.mu.Unlock()

	for _, c := range conns {
		c.Close(code, reason)
	}
}

// ---- handlers ----

func (f *FakeAPI) authed(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

		f.mu.Lock()
		f.requests = append(f.requests, r.Method+" "+strings.TrimPrefix(r.URL.Path, "/api")+" "+token)
		userID, ok := f.validAccess[token]
		f.mu.Unlock()

		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		next(w, r, userID)
	}
}

func (f *FakeAPI) mutation(next func(http.ResponseWriter, *http.Request, string)) func(http.ResponseWriter, *http.Request, string) {
	return func(w http.ResponseWriter, r *http.Request, userID string) {
		f.mu.Lock()
		fail := f.failMutations
		f.mu.Unlock()
		if fail {
			writeError(w, http.StatusInternalServerError, "mutation failed")
			return
		}
		next(w, r, userID)
	}
}

func (f *FakeAPI) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	f.mu.Lock()
	u, ok := f.users[body.Email]
	if !ok || u.password != body.Password {
		f.mu.Unlock()
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	access, refresh := f.issueLocked(u.ID)
	f.mu.Unlock()

	writeData(w, http.StatusOK, map[string]any{
		"user": u.UserSummary,
		"tokens": map[string]string{
			"accessToken":  access,
			"refreshToken": refresh,
		},
	})
}

func (f *FakeAPI) handleSignup(w http.ResponseWriter, r *http.Request) {
	var body model.SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	f.mu.Lock()
	if _, exists := f.users[body.Email]; exists {
		f.mu.Unlock()
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": map[string]any{
				"message": "account exists",
				"fields":  map[string]string{"email": "already registered"},
			},
		})
		return
	}
	u := model.UserSummary{
		ID:        fmt.Sprintf("u%d", len(f.users)+1),
		Username:  body.Username,
		Email:     body.Email,
		FirstName: body.FirstName,
		LastName:  body.LastName,
	}
	f.users[body.Email] = fakeUser{UserSummary: u, password: body.Password}
	access, refresh := f.issueLocked(u.ID)
	f.mu.Unlock()

	writeData(w, http.StatusCreated, map[string]any{
		"token":        access,
		"refreshToken": refresh,
		"user":         u,
	})
}

func (f *FakeAPI) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	f.refreshCalls++
	delay := f.refreshDelay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	userID, ok := f.refreshTokens[body.RefreshToken]
	if f.failRefresh || !ok {
		writeError(w, http.StatusUnauthorized, "refresh token expired")
		return
	}
	f.tokenSeq++
	access := fmt.Sprintf("access-%d", f.tokenSeq)
	f.validAccess[access] = userID
	writeData(w, http.StatusOK, map[string]string{"accessToken": access})
}

func (f *FakeAPI) handleLogout(w http.ResponseWriter, r *http.Request, _ string) {
	f.mu.Lock()
	f.logoutCalls++
	f.mu.Unlock()
	writeData(w, http.StatusOK, map[string]string{"message": "logged out"})
}

func (f *FakeAPI) handleProfile(w http.ResponseWriter, r *http.Request, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.ID == userID {
			writeData(w, http.StatusOK, map[string]any{"user": u.UserSummary})
			return
		}
	}
	writeError(w, http.StatusNotFound, "user not found")
}

func (f *FakeAPI) handleList(w http.ResponseWriter, r *http.Request, _ string) {
	q := r.URL.Query()

	f.mu.Lock()
	out := make([]model.Notification, 0, len(f.notifications))
	for _, n := range f.notifications {
		if v := q.Get("read"); v != "" && strconv.FormatBool(n.Read) != v {
			continue
		}
		if v := q.Get("type"); v != "" && string(n.Kind) != v {
			continue
		}
		out = append(out, n)
	}
	f.mu.Unlock()

	offset, _ := strconv.Atoi(q.Get("offset"))
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil && limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	writeData(w, http.StatusOK, out)
}

func (f *FakeAPI) handleUnreadCount(w http.ResponseWriter, r *http.Request, _ string) {
	f.mu.Lock()
	count := 0
	for _, n := range f.notifications {
		if !n.Read {
			count++
		}
	}
	f.mu.Unlock()
	writeData(w, http.StatusOK, map[string]int{"count": count})
}

func (f *FakeAPI) handleTypes(w http.ResponseWriter, r *http.Request, _ string) {
	writeData(w, http.StatusOK, []string{
		string(model.KindRelationshipRequest),
		string(model.KindRelationshipAccepted),
		string(model.KindMessage),
	})
}

func (f *FakeAPI) handleRead(w http.ResponseWriter, r *http.Request, _ string) {
	id := r.PathValue("id")

	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.notifications {
		if f.notifications[i].ID == id {
			f.notifications[i].Read = true
			writeData(w, http.StatusOK, f.notifications[i])
			return
		}
	}
	writeError(w, http.StatusNotFound, "notification not found")
}

func (f *FakeAPI) handleReadAll(w http.ResponseWriter, r *http.Request, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.notifications {
		f.notifications[i].Read = true
	}
	writeData(w, http.StatusOK, map[string]string{"message": "ok"})
}

func (f *FakeAPI) handleDelete(w http.ResponseWriter, r *http.Request, _ string) {
	id := r.PathValue("id")

	f.mu.Lock()
	defer f.mu.Unlock()
	before := len(f.notifications)
	f.notifications = slices.DeleteFunc(f.notifications, func(n model.Notification) bool {
		return n.ID == id
	})
	if len(f.notifications) == before {
		writeError(w, http.StatusNotFound, "notification not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (f *FakeAPI) handleDeleteAll(w http.ResponseWriter, r *http.Request, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = nil
	writeData(w, http.StatusOK, map[string]string{"message": "ok"})
}

func (f *FakeAPI) handleSocket(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	f.mu.Lock()
	userID, ok := f.validAccess[token]
	reject := f.rejectSockets
	f.mu.Unlock()

	if !ok || reject {
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	f.mu.Lock()
	f.sockets[conn] = userID
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		delete(f.sockets, conn)
		f.mu.Unlock()
	}()

	// Drain client frames until the connection ends.
	ctx := conn.CloseRead(r.Context())
	<-ctx.Done()
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, map[string]any{"data": data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
