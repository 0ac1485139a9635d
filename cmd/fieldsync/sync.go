package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tmcgann/fieldsync/internal/engine"
	"github.com/tmcgann/fieldsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync cycle now",
	Long: `Run a single sync cycle: upload pending records, pull authoritative
forms and projects, then fetch referenced media.

By default an idle client (empty queues, everything synced) makes no
network calls at all. Use --full to force the metadata pull anyway, for
example on first run to hydrate a fresh device.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		full, _ := cmd.Flags().GetBool("full")

		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		logger := log.New(os.Stderr, "[sync] ", log.LstdFlags)
		q := newQueue(db, logger)

		remote, err := newTransport()
		if err != nil {
			return err
		}

		monitor, stopMonitor, err := newMonitor()
		if err != nil {
			return err
		}
		defer stopMonitor()

		eng, err := engine.New(db, q, remote, monitor, engine.NewLogSink(logger), engine.Config{Logger: logger})
		if err != nil {
			return err
		}

		var res engine.Result
		var ran bool
		if full {
			res, ran = eng.FullSync(cmd.Context())
		} else {
			res, ran = eng.ForceSync(cmd.Context())
		}
		if !ran {
			fmt.Println("Sync already in progress")
			return nil
		}

		printResult(res)
		if res.Outcome == engine.OutcomeFatal {
			return res.Err
		}
		return nil
	},
}

func printResult(res engine.Result) {
	switch res.Outcome {
	case engine.OutcomeSkipped:
		fmt.Printf("%s (offline or link not allowed by policy)\n", ui.Dim("Sync skipped"))
	case engine.OutcomeNoop:
		fmt.Printf("%s nothing to sync\n", ui.Ok("Up to date:"))
	case engine.OutcomeSuccess:
		fmt.Printf("%s uploaded %d, downloaded %d in %s\n",
			ui.Ok("Sync complete:"), res.Uploaded, res.Downloaded, res.Duration.Round(time.Millisecond))
	case engine.OutcomePartialFailure:
		fmt.Printf("%s uploaded %d, downloaded %d, %d item(s) failed\n",
			ui.Warn("Sync finished with failures:"), res.Uploaded, res.Downloaded, len(res.Failures))
		for _, item := range res.Failures {
			fmt.Printf("  %s %s (attempt %d): %s\n",
				ui.Fail("✗"), item.Key(), item.AttemptCount, item.LastError)
		}
	case engine.OutcomeFatal:
		fmt.Printf("%s %v\n", ui.Fail("Sync aborted:"), res.Err)
	}
}

func init() {
	syncCmd.Flags().Bool("full", false, "Force the metadata pull even when idle")
	rootCmd.AddCommand(syncCmd)
}
