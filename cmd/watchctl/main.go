// Command watchctl is the operator CLI for the analyzer API.
//
// It wraps the HTTP endpoints for session summaries, missing-item reports,
// item timelines, session diffs, race listings, CSV export, and manual
// purge, printing JSON responses to stdout.
//
// Usage:
//
//	watchctl --addr http://localhost:8083 summary <session-id>
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	client := &apiClient{}

	root := &cobra.Command{
		Use:           "watchctl",
		Short:         "Inspect indexing telemetry: sessions, timelines, races",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&client.addr, "addr", "http://localhost:8083", "analyzer API base URL")
	root.PersistentFlags().DurationVar(&client.timeout, "timeout", defaultTimeout, "request timeout")

	root.AddCommand(
		newSessionsCmd(client),
		newSummaryCmd(client),
		newMissingCmd(client),
		newTimelineCmd(client),
		newCompareCmd(client),
		newRacesCmd(client),
		newExportCmd(client),
		newPurgeCmd(client),
	)
	return root
}

func newSessionsCmd(client *apiClient) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List known session ids, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return client.getJSON(cmd.Context(), fmt.Sprintf("/api/v1/sessions?limit=%d", limit), cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum sessions to list")
	return cmd
}

func newSummaryCmd(client *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "summary <session-id>",
		Short: "Aggregate view of one indexing run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client.getJSON(cmd.Context(), "/api/v1/sessions/"+args[0]+"/summary", cmd.OutOrStdout())
		},
	}
}

func newMissingCmd(client *apiClient) *cobra.Command {
	var expected []int64
	cmd := &cobra.Command{
		Use:   "missing <session-id>",
		Short: "Report expected items a session never saw or never finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(expected) == 0 {
				return fmt.Errorf("--expected is required")
			}
			body := map[string]any{"expected": expected}
			return client.postJSON(cmd.Context(), "/api/v1/sessions/"+args[0]+"/missing", body, cmd.OutOrStdout())
		},
	}
	cmd.Flags().Int64SliceVar(&expected, "expected", nil, "comma-separated expected item ids")
	return cmd
}

func newTimelineCmd(client *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "timeline <session-id> <item-id>",
		Short: "Chronological events for one item within a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/api/v1/sessions/%s/items/%s/timeline", args[0], args[1])
			return client.getJSON(cmd.Context(), path, cmd.OutOrStdout())
		},
	}
}

func newCompareCmd(client *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "compare <session-a> <session-b>",
		Short: "Diff two sessions by item set and per-stage event counts",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/api/v1/sessions/compare?a=%s&b=%s", args[0], args[1])
			return client.getJSON(cmd.Context(), path, cmd.OutOrStdout())
		},
	}
}

func newRacesCmd(client *apiClient) *cobra.Command {
	var (
		minConcurrent int
		window        string
		limit         int
	)
	cmd := &cobra.Command{
		Use:   "races",
		Short: "List recorded cross-session race correlations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/api/v1/races?min_concurrent=%d&limit=%d", minConcurrent, limit)
			if window != "" {
				path += "&window=" + window
			}
			return client.getJSON(cmd.Context(), path, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&minConcurrent, "min-concurrent", 2, "minimum concurrent sessions")
	cmd.Flags().StringVar(&window, "window", "", "lookback window, e.g. 24h (server default when empty)")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum races to list")
	return cmd
}

func newExportCmd(client *apiClient) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export <session-id>",
		Short: "Export a session's per-item outcomes as CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("creating %s: %w", output, err)
				}
				defer f.Close()
				out = f
			}
			return client.getRaw(cmd.Context(), "/api/v1/sessions/"+args[0]+"/export", out)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write CSV to file instead of stdout")
	return cmd
}

func newPurgeCmd(client *apiClient) *cobra.Command {
	var olderThan string
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete events and correlations past retention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{}
			if olderThan != "" {
				body["older_than"] = olderThan
			}
			return client.postJSON(cmd.Context(), "/api/v1/admin/purge", body, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&olderThan, "older-than", "", "age threshold, e.g. 168h (server retention TTL when empty)")
	return cmd
}
