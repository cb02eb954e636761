// Package auth owns the client session: login, signup, logout, startup
// restore and access-token refresh.
//
// Manager is the only writer of the session. Other components read
// snapshots through CurrentSession and observe transitions through
// Subscribe. Manager also implements api.TokenSource, so the HTTP
// client obtains tokens and refreshes from it.
//
// Refreshes are single-flight: however many requests fail with a 401
// at once, one POST /auth/refresh is issued and every caller receives
// its result. A refresh runs under its own timeout, detached from the
// callers' contexts, and its result is discarded if the session was
// logged out or replaced while it was in flight.
package auth
