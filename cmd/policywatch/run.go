package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/policy-watch/internal/scheduler"
)

func newRunCmd() *cobra.Command {
	var kind string
	var failOnError bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs one batch of due sources and prints the summary",
		Long: `Processes every active source due for the given batch kind (daily,
weekly or custom), sends alerts for detected changes and prints the batch
summary as JSON.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			run, err := scheduler.ParseRun(kind)
			if err != nil {
				return err
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			res := appInstance.RunBatch(cmd.Context(), run)
			if err := printJSON(cmd, res); err != nil {
				return err
			}
			if failOnError && (res.SourcesFailed > 0 || len(res.Errors) > 0) {
				return fmt.Errorf("%s run finished with %d failed source(s)", run, res.SourcesFailed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(scheduler.RunDaily), "batch kind: daily, weekly or custom")
	cmd.Flags().BoolVar(&failOnError, "fail-on-error", false, "exit non-zero when any source fails")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}
