package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nhle/familytree/internal/api"
	"github.com/nhle/familytree/internal/auth"
	"github.com/nhle/familytree/internal/notify"
	"github.com/nhle/familytree/internal/store"
)

// errNotLoggedIn is returned by commands that need a session.
var errNotLoggedIn = errors.New("not logged in; run `familytree login` first")

// commandTimeout bounds a single non-interactive command.
const commandTimeout = 30 * time.Second

// env is the wired client core for one command invocation.
type env struct {
	client *api.Client
	auth   *auth.Manager
	cache  *store.SQLiteStore
	feed   *notify.Sync
}

// open wires the transport, session manager, cache and feed, then
// restores any stored session. A restore that fails for reasons other
// than an ended session is logged and the command continues.
func (r *root) open(ctx context.Context) (*env, error) {
	creds, err := r.openCreds(r.cfg)
	if err != nil {
		return nil, fmt.Errorf("opening credential store: %w", err)
	}

	client := api.NewClient(r.cfg.API.BaseURL,
		api.WithTimeout(r.cfg.API.Timeout()),
		api.WithLogger(r.log),
		api.WithDebugLogging(r.cfg.API.Debug || r.debug),
	)

	mgr := auth.NewManager(client, creds,
		auth.WithLogger(r.log),
		auth.WithRefreshTimeout(time.Duration(r.cfg.Auth.RefreshTimeoutSec)*time.Second),
	)

	e := &env{client: client, auth: mgr}

	feedOpts := []notify.Option{
		notify.WithLogger(r.log),
		notify.WithPageSize(r.cfg.Notifications.PageSize),
	}
	if r.cfg.Cache.Path != "" {
		cache, err := store.NewSQLiteStore(r.cfg.Cache.Path)
		if err != nil {
			r.log.Warn().Err(err).Str("path", r.cfg.Cache.Path).Msg("notification cache unavailable")
		} else {
			e.cache = cache
			feedOpts = append(feedOpts, notify.WithCache(cache))
		}
	}
	e.feed = notify.New(client, feedOpts...)

	if _, err := mgr.Restore(ctx); err != nil {
		r.log.Warn().Err(err).Msg("restoring session")
	}

	return e, nil
}

// requireSession returns errNotLoggedIn unless a session is active.
func (e *env) requireSession() error {
	if !e.auth.CurrentSession().Active() {
		return errNotLoggedIn
	}
	return nil
}

// loadFeed binds the feed to the current user and fetches the baseline.
func (e *env) loadFeed(ctx context.Context) error {
	if err := e.requireSession(); err != nil {
		return err
	}
	e.feed.Bind(e.auth.CurrentSession().User)
	if err := e.feed.LoadBaseline(ctx); err != nil {
		return fmt.Errorf("loading notifications: %w", err)
	}
	return nil
}

// Close releases the cache.
func (e *env) Close() {
	if e.cache != nil {
		e.cache.Close()
	}
}
