package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/nhle/familytree/internal/api"
)

// healthPayload is the body of GET /health.
type healthPayload struct {
	Status string `json:"status"`
}

func newStatusCmd(r *root) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check the server and show session and cache state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			e, err := r.open(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			fmt.Fprintf(r.out, "API:      %s\n", r.cfg.API.BaseURL)

			var health healthPayload
			start := time.Now()
			err = e.client.Do(ctx, api.Request{
				Method:    http.MethodGet,
				Path:      "/health",
				Anonymous: true,
			}, &health)
			if err != nil {
				fmt.Fprintf(r.out, "Server:   unreachable (%v)\n", err)
			} else {
				fmt.Fprintf(r.out, "Server:   %s (%s)\n", health.Status, time.Since(start).Round(time.Millisecond))
			}

			sess := e.auth.CurrentSession()
			if sess.Active() {
				fmt.Fprintf(r.out, "Session:  %s as %s\n", sess.Status, sess.User.DisplayName())
			} else {
				fmt.Fprintf(r.out, "Session:  %s\n", sess.Status)
			}

			fmt.Fprintf(r.out, "Realtime: %s\n", r.cfg.Realtime.URL)

			if e.cache != nil && sess.Active() {
				synced, err := e.cache.LastSynced(ctx, sess.User.ID)
				switch {
				case err != nil:
					fmt.Fprintf(r.out, "Cache:    error (%v)\n", err)
				case synced.IsZero():
					fmt.Fprintln(r.out, "Cache:    never synced")
				default:
					fmt.Fprintf(r.out, "Cache:    synced %s\n", synced.Local().Format(time.DateTime))
				}
			}
			return nil
		},
	}
}
