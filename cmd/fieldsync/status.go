package main

import (
	"fmt"
	"io"
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/tmcgann/fieldsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "inspect",
	Short:   "Show local sync state",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		q := newQueue(db, log.New(io.Discard, "", 0))

		total, err := db.RecordCount()
		if err != nil {
			return err
		}
		unsynced, err := db.UnsyncedCount()
		if err != nil {
			return err
		}
		counts, err := q.PendingCounts()
		if err != nil {
			return err
		}
		lastSync, err := db.LastSyncTime()
		if err != nil {
			return err
		}

		fmt.Println(ui.Header("Fieldsync Status"))
		fmt.Printf("  Records:          %d (%d awaiting sync)\n", total, unsynced)
		fmt.Printf("  Pending uploads:  %d\n", counts.PendingUploads)
		fmt.Printf("  Pending downloads:%2d\n", counts.PendingDownloads)
		if counts.Dead > 0 {
			fmt.Printf("  Dead letters:     %s\n", ui.Fail(fmt.Sprintf("%d", counts.Dead)))
		} else {
			fmt.Printf("  Dead letters:     0\n")
		}
		if lastSync.IsZero() {
			fmt.Printf("  Last sync:        %s\n", ui.Dim("never"))
		} else {
			fmt.Printf("  Last sync:        %s (%s ago)\n",
				lastSync.Local().Format(time.RFC3339), time.Since(lastSync).Round(time.Second))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
