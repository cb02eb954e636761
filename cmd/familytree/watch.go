package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/nhle/familytree/internal/app"
	"github.com/nhle/familytree/internal/logger"
	"github.com/nhle/familytree/internal/metrics"
	"github.com/nhle/familytree/internal/realtime"
	appsync "github.com/nhle/familytree/internal/sync"
	"github.com/nhle/familytree/internal/theme"
)

func newWatchCmd(r *root) *cobra.Command {
	var logPath string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Open the live notification view",
		RunE: func(cmd *cobra.Command, args []string) error {
			// The terminal belongs to the TUI, so logs go to a file.
			logFile, err := openLogFile(logPath, r.cfgPath)
			if err != nil {
				return err
			}
			defer logFile.Close()
			level := r.cfg.Log.Level
			if r.debug {
				level = "debug"
			}
			r.log = logger.New(serviceName, level, logFile)

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			e, err := r.open(ctx)
			cancel()
			if err != nil {
				return err
			}
			defer e.Close()

			stopMetrics, err := serveMetrics(r)
			if err != nil {
				return err
			}
			defer stopMetrics()

			channel := realtime.New(r.cfg.Realtime.URL, e.auth,
				realtime.WithLogger(r.log),
				realtime.WithBackoff(0, time.Duration(r.cfg.Realtime.MaxBackoffSec)*time.Second),
			)

			supOpts := []appsync.Option{
				appsync.WithLogger(r.log),
				appsync.WithInterval(time.Duration(r.cfg.Notifications.PollIntervalSec) * time.Second),
			}
			if e.cache != nil {
				supOpts = append(supOpts, appsync.WithStore(e.cache))
			}
			sup := appsync.New(e.auth, channel, e.feed, supOpts...)
			defer sup.Stop()

			theme.Apply(r.cfg.Display.Theme)

			p := tea.NewProgram(
				app.New(e.auth, e.feed, sup, r.log),
				tea.WithAltScreen(),
				tea.WithContext(cmd.Context()),
			)
			if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
				return fmt.Errorf("running TUI: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&logPath, "log-file", "", "Log file (default: familytree.log next to the config)")

	return cmd
}

func openLogFile(path, cfgPath string) (*os.File, error) {
	if path == "" {
		path = filepath.Join(filepath.Dir(cfgPath), "familytree.log")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, nil
}

// serveMetrics starts the Prometheus listener when metrics.addr is set
// and returns a function that shuts it down.
func serveMetrics(r *root) (func(), error) {
	addr := r.cfg.Metrics.Addr
	if addr == "" {
		return func() {}, nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening for metrics on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Error().Err(err).Msg("metrics listener stopped")
		}
	}()
	r.log.Info().Str("addr", ln.Addr().String()).Msg("serving metrics")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
