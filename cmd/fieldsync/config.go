package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tmcgann/fieldsync/internal/settings"
	"github.com/tmcgann/fieldsync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "inspect",
	Short:   "View and change sync settings",
	Long: `View and change the persisted sync settings.

Settings:
  auto_sync          Run sync cycles automatically (true/false)
  sync_on_wifi_only  Restrict sync to wifi links (true/false)
  sync_interval_ms   Auto-sync period in milliseconds
  max_retries        Per-item retry budget before dead-lettering

Changes take effect at the start of the next sync cycle.`,
}

var configGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Show one setting or all of them",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		s, err := settings.Load(db)
		if err != nil {
			return err
		}

		if len(args) == 0 {
			fmt.Println(ui.Header("Sync Settings"))
			fmt.Printf("  auto_sync          %v\n", s.AutoSync)
			fmt.Printf("  sync_on_wifi_only  %v\n", s.SyncOnWifiOnly)
			fmt.Printf("  sync_interval_ms   %d\n", s.SyncIntervalMs)
			fmt.Printf("  max_retries        %d\n", s.MaxRetries)
			return nil
		}

		switch args[0] {
		case "auto_sync":
			fmt.Println(s.AutoSync)
		case "sync_on_wifi_only":
			fmt.Println(s.SyncOnWifiOnly)
		case "sync_interval_ms":
			fmt.Println(s.SyncIntervalMs)
		case "max_retries":
			fmt.Println(s.MaxRetries)
		default:
			return fmt.Errorf("unknown setting %q", args[0])
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change a setting",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		s, err := settings.Load(db)
		if err != nil {
			return err
		}

		key, value := args[0], args[1]
		switch key {
		case "auto_sync":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("%s wants true or false: %w", key, err)
			}
			s.AutoSync = b
		case "sync_on_wifi_only":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("%s wants true or false: %w", key, err)
			}
			s.SyncOnWifiOnly = b
		case "sync_interval_ms":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("%s wants an integer: %w", key, err)
			}
			s.SyncIntervalMs = n
		case "max_retries":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("%s wants an integer: %w", key, err)
			}
			s.MaxRetries = n
		default:
			return fmt.Errorf("unknown setting %q", key)
		}

		if err := settings.Save(db, s); err != nil {
			return err
		}
		fmt.Printf("%s %s = %s\n", ui.Ok("✓"), key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	rootCmd.AddCommand(configCmd)
}
