package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/triage-loop/internal/model"
	"github.com/sells-group/triage-loop/internal/stage"
	"github.com/sells-group/triage-loop/internal/transport"
)

var tracesCmd = &cobra.Command{
	Use:   "traces",
	Short: "List a stage's workflow traces",
	Long: `Queries one stage's trace store over HTTP.

Examples:
  triage traces --stage classifier --status failed
  triage traces --stage remediation --id 6f1c... --json`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		name, _ := cmd.Flags().GetString("stage")
		if !model.StageName(name).Valid() {
			return eris.Errorf("traces: unknown stage %q", name)
		}
		ids, _ := cmd.Flags().GetStringSlice("id")
		statuses, _ := cmd.Flags().GetStringSlice("status")
		archived, _ := cmd.Flags().GetBool("archived")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		q := url.Values{}
		for _, id := range ids {
			q.Add("id", id)
		}
		for _, s := range statuses {
			q.Add("status", s)
		}
		if archived {
			q.Set("include_archived", "true")
		}
		if limit > 0 {
			q.Set("limit", strconv.Itoa(limit))
		}
		path := stage.RouteTraces
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		client := transport.NewClient("cli", transport.EndpointsFromConfig(cfg.Stages), transport.OptionsFromConfig(cfg.Transport))
		var resp stage.TracesResponse
		if err := client.Get(cmd.Context(), model.StageName(name), path, &resp); err != nil {
			return eris.Wrap(err, "traces")
		}

		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(resp)
		}
		if len(resp.Traces) == 0 {
			fmt.Fprintln(os.Stderr, "No traces found.")
			return nil
		}
		formatTraces(cmd.OutOrStdout(), resp.Traces)
		return nil
	},
}

func formatTraces(out io.Writer, traces []*model.WorkflowTrace) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RECORD\tSEVERITY\tSTATUS\tHOPS\tFAILURE\tUPDATED")
	for _, t := range traces {
		failure := t.FailureKind
		if t.FailureReason != "" {
			failure += ": " + truncate(t.FailureReason, 60)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			t.RecordID, t.Record.Severity, t.Status, len(t.Hops), failure, t.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	_ = w.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func init() {
	tracesCmd.Flags().String("stage", "classifier", "stage to query")
	tracesCmd.Flags().StringSlice("id", nil, "record id (repeatable)")
	tracesCmd.Flags().StringSlice("status", nil, "filter by status (pending, local_only, in_diagnosis, in_remediation, completed, failed)")
	tracesCmd.Flags().Bool("archived", false, "include archived traces")
	tracesCmd.Flags().Int("limit", 50, "max number of traces to display")
	tracesCmd.Flags().Bool("json", false, "print raw JSON")
	rootCmd.AddCommand(tracesCmd)
}
