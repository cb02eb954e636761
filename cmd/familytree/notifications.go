package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/nhle/familytree/internal/model"
	"github.com/nhle/familytree/internal/theme"
)

func newNotificationsCmd(r *root) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "notifications",
		Aliases: []string{"notes", "n"},
		Short:   "List and manage notifications",
	}

	cmd.AddCommand(newListNotificationsCmd(r))
	cmd.AddCommand(newFeedMutationCmd(r, "read <id>", "Mark a notification as read", 1,
		func(ctx context.Context, e *env, args []string) (string, error) {
			return "Marked as read", e.feed.MarkRead(ctx, args[0])
		}))
	cmd.AddCommand(newFeedMutationCmd(r, "read-all", "Mark every notification as read", 0,
		func(ctx context.Context, e *env, _ []string) (string, error) {
			return "All notifications marked as read", e.feed.MarkAllRead(ctx)
		}))
	cmd.AddCommand(newFeedMutationCmd(r, "delete <id>", "Delete a notification", 1,
		func(ctx context.Context, e *env, args []string) (string, error) {
			return "Deleted", e.feed.Delete(ctx, args[0])
		}))
	cmd.AddCommand(newFeedMutationCmd(r, "clear", "Delete every notification", 0,
		func(ctx context.Context, e *env, _ []string) (string, error) {
			return "All notifications deleted", e.feed.DeleteAll(ctx)
		}))
	cmd.AddCommand(newNotificationTypesCmd(r))
	cmd.AddCommand(newUnreadCountCmd(r))

	return cmd
}

func newListNotificationsCmd(r *root) *cobra.Command {
	var (
		unreadOnly bool
		kind       string
		limit      int
		offset     int
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List notifications, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			e, err := r.open(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			var items []model.Notification
			filtered := unreadOnly || kind != "" || limit > 0 || offset > 0
			if filtered {
				if err := e.requireSession(); err != nil {
					return err
				}
				f := model.NotificationFilter{Kind: model.NotificationKind(kind), Limit: limit, Offset: offset}
				if unreadOnly {
					read := false
					f.Read = &read
				}
				if items, err = e.feed.Fetch(ctx, f); err != nil {
					return err
				}
			} else {
				if err := e.loadFeed(ctx); err != nil {
					return err
				}
				items = e.feed.Snapshot().Items
			}

			r.log.Debug().Int("count", len(items)).Bool("filtered", filtered).Msg("list notifications completed")

			if asJSON {
				b, err := json.MarshalIndent(items, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(r.out, string(b))
				return nil
			}

			if len(items) == 0 {
				fmt.Fprintln(r.out, "No notifications")
				return nil
			}
			fmt.Fprintln(r.out, renderNotifications(items, time.Now()))
			return nil
		},
	}

	cmd.Flags().BoolVar(&unreadOnly, "unread", false, "Only unread notifications")
	cmd.Flags().StringVar(&kind, "type", "", "Only notifications of this type")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of notifications")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of notifications to skip")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")

	return cmd
}

// feedMutation applies one change to a loaded feed and returns the
// confirmation line to print.
type feedMutation func(ctx context.Context, e *env, args []string) (string, error)

func newFeedMutationCmd(r *root, use, short string, nargs int, run feedMutation) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(nargs),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			e, err := r.open(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.loadFeed(ctx); err != nil {
				return err
			}

			msg, err := run(ctx, e, args)
			if err != nil {
				return err
			}

			snap := e.feed.Snapshot()
			fmt.Fprintf(r.out, "%s (%d unread)\n", msg, snap.UnreadCount)
			return nil
		},
	}
}

func newNotificationTypesCmd(r *root) *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "List notification types known to the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			e, err := r.open(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.requireSession(); err != nil {
				return err
			}
			kinds, err := e.feed.Types(ctx)
			if err != nil {
				return err
			}
			for _, k := range kinds {
				fmt.Fprintln(r.out, k)
			}
			return nil
		},
	}
}

func newUnreadCountCmd(r *root) *cobra.Command {
	return &cobra.Command{
		Use:   "unread",
		Short: "Print the server's unread count",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			e, err := r.open(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.requireSession(); err != nil {
				return err
			}
			n, err := e.feed.ServerUnreadCount(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(r.out, n)
			return nil
		},
	}
}

// renderNotifications formats items as a table.
func renderNotifications(items []model.Notification, now time.Time) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(theme.ColorBorder)).
		Headers("", "ID", "TYPE", "TITLE", "MESSAGE", "WHEN")

	for _, n := range items {
		marker := "●"
		if n.Read {
			marker = ""
		}
		t.Row(marker, n.ID, theme.KindLabel(n.Kind), n.Title, truncate(n.Message, 60), age(n.CreatedAt, now))
	}

	return t.Render()
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}

func age(t, now time.Time) string {
	if t.IsZero() {
		return ""
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Local().Format("Jan 02 15:04")
	}
}
