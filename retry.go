package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newRetryCmd returns the retry command: requeue the user's permanently
// failed changes so the next drain attempts them again.
func newRetryCmd() *cobra.Command {
	var drainAfter bool

	cmd := &cobra.Command{
		Use:   "retry <user-id>",
		Short: "Requeue the user's failed changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := args[0]

			eng, _, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer eng.Close()

			n, err := eng.RetryFailed(cmd.Context(), userID)
			if err != nil {
				return fmt.Errorf("requeueing failed changes: %w", err)
			}

			statusf("Requeued %d failed change(s).\n", n)

			if drainAfter && n > 0 {
				result, drainErr := eng.Drain(cmd.Context(), userID)
				if drainErr != nil {
					return fmt.Errorf("draining after retry: %w", drainErr)
				}

				statusf("Applied %d, failed %d, deferred %d.\n",
					result.Applied, result.Failed, result.Deferred)
			}

			if flagJSON {
				return writeJSON(map[string]int{"requeued": n})
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&drainAfter, "drain", false, "drain immediately after requeueing")

	return cmd
}
