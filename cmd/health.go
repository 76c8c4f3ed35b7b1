package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/triage-loop/internal/aggregator"
	"github.com/sells-group/triage-loop/internal/model"
	"github.com/sells-group/triage-loop/internal/transport"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check that every stage is up and ready",
	RunE: func(cmd *cobra.Command, _ []string) error {
		client := transport.NewClient("aggregator", transport.EndpointsFromConfig(cfg.Stages), transport.OptionsFromConfig(cfg.Transport))
		agg := aggregator.New(client, aggregator.OptionsFromConfig(cfg.Aggregator))

		health, err := agg.CheckHealth(cmd.Context())
		formatHealth(cmd.OutOrStdout(), health)
		return err
	},
}

func formatHealth(out io.Writer, health map[model.StageName]aggregator.StageHealth) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tREADY\tVERSION\tERROR")
	for _, name := range model.Stages {
		h := health[name]
		fmt.Fprintf(w, "%s\t%t\t%s\t%s\n", name, h.Ready, h.Version, h.Error)
	}
	_ = w.Flush()
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
