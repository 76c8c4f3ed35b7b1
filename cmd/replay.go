package main

import (
	"encoding/json"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/triage-loop/internal/model"
	"github.com/sells-group/triage-loop/internal/scorer"
	"github.com/sells-group/triage-loop/internal/stage"
	"github.com/sells-group/triage-loop/internal/store"
	"github.com/sells-group/triage-loop/internal/transport"
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-send undelivered remediation reports once",
	Long: `Sweeps the remediation outbox of the configured store and re-sends every
due report to the classifier. Useful after a classifier outage when the
remediation stage itself is not running.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("replay"); err != nil {
			return err
		}

		st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DatabaseURL)
		if err != nil {
			return eris.Wrap(err, "replay: open store")
		}
		defer st.Close() //nolint:errcheck

		client := transport.NewClient(model.StageRemediation, transport.EndpointsFromConfig(cfg.Stages), transport.OptionsFromConfig(cfg.Transport))
		rem := stage.NewRemediation(st, scorer.RuleActuator{}, client, stage.OptionsFromConfig(cfg))
		defer rem.Shutdown(ctx) //nolint:errcheck

		res, err := rem.ReplayOutbox(ctx)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	rootCmd.AddCommand(replayCmd)
}
