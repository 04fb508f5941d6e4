package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wayfareapp/wayfare-go/internal/syncq"
)

// statusOutput is the JSON shape of `wayfare status --json`.
type statusOutput struct {
	UserID       string           `json:"user_id"`
	Online       bool             `json:"online"`
	Degraded     bool             `json:"degraded"`
	Pending      int              `json:"pending"`
	Failed       int              `json:"failed"`
	CacheEntries int              `json:"cache_entries"`
	SavedPlaces  int              `json:"saved_places"`
	FailedItems  []failedItemInfo `json:"failed_items,omitempty"`
}

type failedItemInfo struct {
	EntityID  string `json:"entity_id"`
	Operation string `json:"operation"`
	CreatedAt int64  `json:"created_at"`
	LastError string `json:"last_error,omitempty"`
}

// newStatusCmd returns the status command: a snapshot of the engine's
// health and the user's outstanding sync work.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <user-id>",
		Short: "Show sync queue and storage status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := args[0]

			eng, _, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer eng.Close()

			ctx := cmd.Context()

			pending, failed, err := eng.PendingChanges(ctx, userID)
			if err != nil {
				return fmt.Errorf("reading queue counts: %w", err)
			}

			entries, err := eng.CacheEntries(ctx)
			if err != nil {
				return fmt.Errorf("counting cache entries: %w", err)
			}

			saved, err := eng.SavedEntities(ctx, userID)
			if err != nil {
				return fmt.Errorf("listing saved places: %w", err)
			}

			out := statusOutput{
				UserID:       userID,
				Online:       eng.Online(),
				Degraded:     eng.Degraded(),
				Pending:      pending,
				Failed:       failed,
				CacheEntries: entries,
				SavedPlaces:  len(saved),
			}

			var failedItems []*syncq.Item
			if failed > 0 {
				failedItems, err = eng.FailedChanges(ctx, userID)
				if err != nil {
					return fmt.Errorf("listing failed changes: %w", err)
				}

				for _, it := range failedItems {
					out.FailedItems = append(out.FailedItems, failedItemInfo{
						EntityID:  it.EntityID,
						Operation: string(it.OperationType),
						CreatedAt: it.CreatedAt,
						LastError: it.LastError,
					})
				}
			}

			if flagJSON {
				return writeJSON(out)
			}

			printTable(os.Stdout,
				[]string{"USER", "ONLINE", "STORE", "PENDING", "FAILED", "CACHED", "SAVED"},
				[][]string{{
					out.UserID,
					yesNo(out.Online),
					storeState(out.Degraded),
					fmt.Sprint(out.Pending),
					fmt.Sprint(out.Failed),
					fmt.Sprint(out.CacheEntries),
					fmt.Sprint(out.SavedPlaces),
				}},
			)

			if len(failedItems) > 0 {
				fmt.Fprintln(os.Stdout)

				rows := make([][]string, 0, len(failedItems))
				for _, it := range failedItems {
					rows = append(rows, []string{
						it.EntityID,
						string(it.OperationType),
						formatMillis(it.CreatedAt),
						it.LastError,
					})
				}

				printTable(os.Stdout, []string{"FAILED ENTITY", "OP", "CREATED", "ERROR"}, rows)
			}

			return nil
		},
	}
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}

	return "no"
}

func storeState(degraded bool) string {
	if degraded {
		return "degraded"
	}

	return "ok"
}
