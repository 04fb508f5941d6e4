package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// newSaveCmd returns the save command: toggle a place's saved state. The
// local flip is immediate; the remote mutation goes through the queue.
func newSaveCmd() *cobra.Command {
	var payloadJSON string

	cmd := &cobra.Command{
		Use:   "save <user-id> <place-id>",
		Short: "Toggle a place's saved state",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, placeID := args[0], args[1]

			var payload json.RawMessage
			if payloadJSON != "" {
				if !json.Valid([]byte(payloadJSON)) {
					return fmt.Errorf("--payload is not valid JSON")
				}

				payload = json.RawMessage(payloadJSON)
			}

			eng, _, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer eng.Close()

			saved, err := eng.ToggleSaved(cmd.Context(), userID, placeID, payload)
			if err != nil {
				return fmt.Errorf("the service rejected the change: %w", err)
			}

			if flagJSON {
				return writeJSON(map[string]any{"place_id": placeID, "saved": saved})
			}

			if saved {
				statusf("Saved %s.\n", placeID)
			} else {
				statusf("Removed %s from saved places.\n", placeID)
			}

			if !eng.Online() {
				statusf("Offline; the change will sync on reconnect.\n")
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&payloadJSON, "payload", "", "place document as JSON (stored with the save)")

	return cmd
}
