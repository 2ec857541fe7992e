package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var undoCmd = &cobra.Command{
	Use:   "undo <profile> [event-id]",
	Short: "Reverse a synced change on AniList",
	Long: `Reverse a history event by writing its before-state back to AniList.

With no event ID, the profile's most recent undoable event is reversed.
Undoing an event that created a list entry deletes that entry, which
requires destructive_sync on the profile.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		profile := args[0]
		var eventID int64
		if len(args) == 2 {
			var err error
			eventID, err = strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("event-id must be a number: %q", args[1])
			}
		}

		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer func() { _ = rt.Close() }()

		counter, err := rt.Undo(cmd.Context(), profile, eventID)
		if err != nil {
			return err
		}
		fmt.Printf("Undid event %d (anilist %d): recorded counter-event %d (%s)\n",
			counter.Undoes, counter.AnilistID, counter.ID, counter.Outcome)
		return nil
	},
}
