package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/triage-loop/internal/aggregator"
	"github.com/sells-group/triage-loop/internal/monitoring"
	"github.com/sells-group/triage-loop/internal/transport"
)

var (
	batchInputs         []string
	batchOutput         string
	batchIncludeRecords bool
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Submit a record batch and report on the whole loop",
	Long: `Reads records from CSV or YAML files, submits them to the classifier,
waits for every record to settle across the three stages, and prints the
workflow summary as JSON. Several files are interleaved round-robin.

The command exits non-zero, and alerts the monitoring webhook, when a record
is left INCOMPLETE or the counts do not reconcile.

Examples:
  triage batch --input datasets/iot.csv --input datasets/camera.csv
  triage batch --input batch.yaml --output summary.json --records`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("batch"); err != nil {
			return err
		}

		records, err := aggregator.LoadRecords(batchInputs...)
		if err != nil {
			return err
		}
		zap.L().Info("loaded batch", zap.Int("records", len(records)), zap.Strings("inputs", batchInputs))

		client := transport.NewClient("aggregator", transport.EndpointsFromConfig(cfg.Stages), transport.OptionsFromConfig(cfg.Transport))
		agg := aggregator.New(client, aggregator.OptionsFromConfig(cfg.Aggregator))

		summary, err := agg.RunBatch(ctx, records)
		if err != nil {
			return err
		}
		if !batchIncludeRecords {
			summary.Records = nil
		}

		if err := writeSummary(cmd.OutOrStdout(), batchOutput, summary); err != nil {
			return err
		}

		if summary.OK() {
			return nil
		}

		alerter := monitoring.NewAlerter(cfg.Monitoring)
		alerts := alerter.EvaluateBatch(batchOutcome(summary))
		alerter.SendAlerts(ctx, alerts)

		if summary.Aborted != "" {
			return eris.Errorf("batch %s aborted: %s", summary.BatchID, summary.Aborted)
		}
		return eris.Errorf("batch %s: %d incomplete, reconciled=%t %s",
			summary.BatchID, summary.Buckets.Incomplete, summary.Reconciliation.Reconciled, summary.Reconciliation.Mismatch)
	},
}

// batchOutcome maps a summary onto what the alerter needs.
func batchOutcome(s *aggregator.WorkflowSummary) monitoring.BatchOutcome {
	return monitoring.BatchOutcome{
		BatchID:    s.BatchID,
		Submitted:  s.Submitted,
		Incomplete: s.Buckets.Incomplete,
		Reconciled: s.Reconciliation.Reconciled,
		Mismatch:   s.Reconciliation.Mismatch,
	}
}

// writeSummary writes indented JSON to path, or to out when path is empty.
func writeSummary(out io.Writer, path string, summary *aggregator.WorkflowSummary) error {
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return eris.Wrapf(err, "batch: create %s", path)
		}
		defer f.Close() //nolint:errcheck
		out = f
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return eris.Wrap(err, "batch: write summary")
	}
	return nil
}

func init() {
	batchCmd.Flags().StringSliceVar(&batchInputs, "input", nil, "CSV or YAML record file (repeatable)")
	batchCmd.Flags().StringVar(&batchOutput, "output", "", "write the summary to this file instead of stdout")
	batchCmd.Flags().BoolVar(&batchIncludeRecords, "records", false, "include per-record merged traces in the summary")
	_ = batchCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(batchCmd)
}
