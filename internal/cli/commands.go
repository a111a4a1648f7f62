package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/possync/client/internal/models"
)

// NewStatusCommand creates the status command
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pending changes and sync state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var snap models.SyncSnapshot
			if err := opts.client().Do(cmd.Context(), http.MethodGet, "/api/sync/status", nil, &snap); err != nil {
				return WrapExitError(ExitCommandError, "failed to read status", err)
			}
			return render(cmd.OutOrStdout(), opts.Format, snap, func(w io.Writer) {
				fmt.Fprintf(w, "Status:    %s\n", snap.Status)
				fmt.Fprintf(w, "Pending:   %d\n", snap.PendingCount)
				fmt.Fprintf(w, "Last sync: %s\n", formatTime(snap.LastSyncTime))
				if snap.LastError != "" {
					fmt.Fprintf(w, "Error:     %s\n", snap.LastError)
				}
				if p := snap.Progress; p != nil {
					fmt.Fprintf(w, "Progress:  %d/%d done, %d failed (%s)\n", p.Completed, p.Total, p.Failed, p.Phase)
				}
			})
		},
	}
}

// NewSyncCommand creates the sync command
func NewSyncCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run a sync now and wait for the result",
		Long: `Drain the queue and refresh reference data.

Exits 1 when the run finished but some changes failed or are in conflict.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp models.TriggerSyncResponse
			if err := opts.client().Do(cmd.Context(), http.MethodPost, "/api/sync/trigger", nil, &resp); err != nil {
				return WrapExitError(ExitCommandError, "sync not started", err)
			}
			if err := render(cmd.OutOrStdout(), opts.Format, resp, func(w io.Writer) {
				printReport(w, resp.Report)
				if resp.Error != "" {
					fmt.Fprintf(w, "Error: %s\n", resp.Error)
				}
			}); err != nil {
				return err
			}
			if resp.Error != "" {
				return &ExitError{Code: ExitFailure, Message: resp.Error}
			}
			return nil
		},
	}
}

func printReport(w io.Writer, r *models.SyncReport) {
	if r == nil {
		return
	}
	fmt.Fprintf(w, "Synced %d of %d change(s) in %s\n", r.Succeeded, r.Total, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	if r.Failed > 0 || r.Conflicts > 0 || r.Retrying > 0 || r.Skipped > 0 {
		fmt.Fprintf(w, "Failed: %d  Conflicts: %d  Retrying: %d  Waiting: %d\n", r.Failed, r.Conflicts, r.Retrying, r.Skipped)
	}
	for _, f := range r.Failures {
		fmt.Fprintf(w, "  %s %s [%s] %s\n", f.QueueID, f.EntityKind, f.Status, f.Reason)
	}
	if !r.Aborted && !r.ReferenceOK {
		fmt.Fprintln(w, "Reference data could not be refreshed")
	}
}

// NewCacheCommand creates the cache command group
func NewCacheCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the conditional GET cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Drop every cached response",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp models.ClearCacheResponse
			if err := opts.client().Do(cmd.Context(), http.MethodPost, "/api/cache/clear", nil, &resp); err != nil {
				return WrapExitError(ExitCommandError, "failed to clear cache", err)
			}
			return render(cmd.OutOrStdout(), opts.Format, resp, func(w io.Writer) {
				fmt.Fprintf(w, "Cleared %d cached response(s)\n", resp.Cleared)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show cache usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var stats models.CacheStats
			if err := opts.client().Do(cmd.Context(), http.MethodGet, "/api/cache/stats", nil, &stats); err != nil {
				return WrapExitError(ExitCommandError, "failed to read cache stats", err)
			}
			return render(cmd.OutOrStdout(), opts.Format, stats, func(w io.Writer) {
				fmt.Fprintf(w, "Entries: %d (%d bytes)\nHits:    %d\nMisses:  %d\n", stats.Entries, stats.Bytes, stats.Hits, stats.Misses)
			})
		},
	})

	return cmd
}

// NewQueueCommand creates the queue command group
func NewQueueCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List and resolve queued changes",
	}

	var status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List queue entries, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			path := "/api/sync/queue"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			var resp models.QueueListResponse
			if err := opts.client().Do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
				return WrapExitError(ExitCommandError, "failed to list queue", err)
			}
			return render(cmd.OutOrStdout(), opts.Format, resp, func(w io.Writer) {
				if len(resp.Entries) == 0 {
					fmt.Fprintln(w, "Queue is empty")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSTATUS\tMETHOD\tENDPOINT\tATTEMPTS\tERROR")
				for _, e := range resp.Entries {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\n", e.ID, e.Status, e.Method, e.Endpoint, e.Attempts, e.MaxAttempts, e.LastError)
				}
				tw.Flush()
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "filter by status (pending|in_flight|success|failed|conflict)")
	list.Flags().IntVar(&limit, "limit", 0, "maximum entries")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Count entries per status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var stats models.QueueStatsResponse
			if err := opts.client().Do(cmd.Context(), http.MethodGet, "/api/sync/queue/stats", nil, &stats); err != nil {
				return WrapExitError(ExitCommandError, "failed to read queue stats", err)
			}
			return render(cmd.OutOrStdout(), opts.Format, stats, func(w io.Writer) {
				fmt.Fprintf(w, "pending %d, in flight %d, success %d, failed %d, conflict %d\n",
					stats.Pending, stats.InFlight, stats.Success, stats.Failed, stats.Conflicts)
			})
		},
	})

	cmd.AddCommand(entryCommand(opts, "retry", "Send a failed or conflicting entry again", http.MethodPost, "/retry", "queued for retry"))
	cmd.AddCommand(entryCommand(opts, "discard", "Delete an entry and accept the server's state", http.MethodDelete, "", "discarded"))

	return cmd
}

func entryCommand(opts *RootOptions, use, short, method, suffix, done string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if err := opts.client().Do(cmd.Context(), method, "/api/sync/queue/"+url.PathEscape(id)+suffix, nil, nil); err != nil {
				return WrapExitError(ExitCommandError, use+" failed", err)
			}
			result := map[string]string{"id": id, "result": done}
			return render(cmd.OutOrStdout(), opts.Format, result, func(w io.Writer) {
				fmt.Fprintf(w, "%s %s\n", id, done)
			})
		},
	}
}

// NewConnectivityCommand creates the connectivity command
func NewConnectivityCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "connectivity <online|offline>",
		Short:     "Report a connectivity transition to the daemon",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"online", "offline"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var online bool
			switch args[0] {
			case "online":
				online = true
			case "offline":
			default:
				return &ExitError{Code: ExitCommandError, Message: fmt.Sprintf("expected online or offline, got %q", args[0])}
			}

			var snap models.SyncSnapshot
			req := models.ConnectivityRequest{Online: online}
			if err := opts.client().Do(cmd.Context(), http.MethodPost, "/api/connectivity", req, &snap); err != nil {
				return WrapExitError(ExitCommandError, "failed to report connectivity", err)
			}
			return render(cmd.OutOrStdout(), opts.Format, snap, func(w io.Writer) {
				fmt.Fprintf(w, "Status: %s\n", snap.Status)
			})
		},
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format(time.RFC1123)
}

// Execute runs the root command and returns the process exit code
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return GetExitCode(err)
	}
	return ExitSuccess
}
