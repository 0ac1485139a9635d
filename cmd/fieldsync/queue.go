package main

import (
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tmcgann/fieldsync/internal/queue"
	"github.com/tmcgann/fieldsync/internal/record"
	"github.com/tmcgann/fieldsync/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "inspect",
	Short:   "Inspect and manage the sync queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending and dead queue items",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()
		q := newQueue(db, log.New(io.Discard, "", 0))

		for _, dir := range []queue.Direction{queue.DirectionUpload, queue.DirectionDownload} {
			items, err := q.List(dir)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				continue
			}
			fmt.Println(ui.Header(fmt.Sprintf("Pending %ss", dir)))
			for _, item := range items {
				line := fmt.Sprintf("  %s", item.Key())
				if item.AttemptCount > 0 {
					line += ui.Warn(fmt.Sprintf(" (attempt %d: %s)", item.AttemptCount, item.LastError))
				}
				fmt.Println(line)
			}
		}

		dead, err := q.DeadLetters()
		if err != nil {
			return err
		}
		if len(dead) > 0 {
			fmt.Println(ui.Header("Dead letters"))
			for _, item := range dead {
				fmt.Printf("  %s %s after %d attempt(s): %s\n",
					ui.Fail("✗"), item.Key(), item.AttemptCount, item.LastError)
			}
			fmt.Println(ui.Dim("Use 'fieldsync queue retry <key>' to requeue an item."))
		}
		return nil
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <type/id/direction>",
	Short: "Requeue a dead-lettered item with a fresh retry budget",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, id, dir, err := parseItemKey(args[0])
		if err != nil {
			return err
		}

		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()
		q := newQueue(db, log.New(io.Discard, "", 0))

		if err := q.RetryDead(typ, id, dir); err != nil {
			return err
		}
		fmt.Printf("%s %s requeued\n", ui.Ok("✓"), args[0])
		return nil
	},
}

var queueDiscardCmd = &cobra.Command{
	Use:   "discard <type/id/direction>",
	Short: "Drop a dead-lettered item permanently",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, id, dir, err := parseItemKey(args[0])
		if err != nil {
			return err
		}

		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()
		q := newQueue(db, log.New(io.Discard, "", 0))

		if err := q.DiscardDead(typ, id, dir); err != nil {
			return err
		}
		fmt.Printf("%s %s discarded\n", ui.Ok("✓"), args[0])
		return nil
	},
}

// parseItemKey splits a "type/id/direction" key as printed by queue list.
func parseItemKey(key string) (record.EntityType, string, queue.Direction, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("invalid item key %q (want type/id/direction)", key)
	}

	typ := record.EntityType(parts[0])
	if !typ.Valid() {
		return "", "", "", fmt.Errorf("unknown entity type %q", parts[0])
	}

	dir := queue.Direction(parts[2])
	if dir != queue.DirectionUpload && dir != queue.DirectionDownload {
		return "", "", "", fmt.Errorf("unknown direction %q", parts[2])
	}

	return typ, parts[1], dir, nil
}

func init() {
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queueDiscardCmd)
	rootCmd.AddCommand(queueCmd)
}
