package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <source-id>",
		Short: "Checks one source now, whatever its frequency",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			out, err := appInstance.RunSource(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := printJSON(cmd, out); err != nil {
				return err
			}
			if !out.Pipeline.Success {
				return fmt.Errorf("check %s failed: %s", args[0], out.Pipeline.ErrorMessage)
			}
			return nil
		},
	}
}
