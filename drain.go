package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wayfareapp/wayfare-go/internal/syncq"
)

// drainOutput is the JSON shape of `wayfare drain --json`.
type drainOutput struct {
	Applied  int             `json:"applied"`
	Failed   int             `json:"failed"`
	Deferred int             `json:"deferred"`
	Items    []drainItemInfo `json:"items,omitempty"`
}

type drainItemInfo struct {
	ItemID      string `json:"item_id"`
	EntityID    string `json:"entity_id"`
	Operation   string `json:"operation"`
	Disposition string `json:"disposition"`
	Error       string `json:"error,omitempty"`
}

// newDrainCmd returns the drain command: one synchronous pass over the
// user's pending queue.
func newDrainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain <user-id>",
		Short: "Push the user's pending changes to the service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := args[0]

			eng, _, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer eng.Close()

			result, err := eng.Drain(cmd.Context(), userID)

			switch {
			case errors.Is(err, syncq.ErrOffline):
				// Either refused up front or interrupted mid-drain; anything
				// already applied is reflected in the partial result.
				statusf("Offline; pending changes stay queued until connectivity returns.\n")
			case errors.Is(err, syncq.ErrDrainInProgress):
				statusf("A drain for %s is already running.\n", userID)
				return nil
			case err != nil:
				return fmt.Errorf("draining queue: %w", err)
			}

			if result == nil {
				return nil
			}

			out := drainOutput{
				Applied:  result.Applied,
				Failed:   result.Failed,
				Deferred: result.Deferred,
			}

			for _, o := range result.Outcomes {
				info := drainItemInfo{
					ItemID:      o.ItemID,
					EntityID:    o.EntityID,
					Operation:   string(o.OperationType),
					Disposition: string(o.Disposition),
				}

				if o.Err != nil {
					info.Error = o.Err.Error()
				}

				out.Items = append(out.Items, info)
			}

			if flagJSON {
				return writeJSON(out)
			}

			statusf("Applied %d, failed %d, deferred %d.\n", out.Applied, out.Failed, out.Deferred)

			return nil
		},
	}
}
