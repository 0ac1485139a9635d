package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tmcgann/fieldsync/internal/capture"
	"github.com/tmcgann/fieldsync/internal/dashboard"
	"github.com/tmcgann/fieldsync/internal/engine"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the capture watcher and auto-sync loop",
	Long: `Run fieldsync as a long-lived process.

The daemon:
1. Watches the inbox directories and ingests dropped record files
2. Runs sync cycles on the configured interval
3. Syncs immediately when connectivity is restored
4. Optionally serves a WebSocket dashboard for live monitoring

Logs rotate under <data-dir>/logs/daemon.log.

Example usage:
  fieldsync daemon                          # inbox + auto-sync
  fieldsync daemon --dashboard-port 8080    # with live dashboard
  fieldsync daemon --netstate-file /run/netstate.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dashboardPort, _ := cmd.Flags().GetInt("dashboard-port")

		dir := dataDir()
		if err := os.MkdirAll(filepath.Join(dir, "logs"), 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}

		logOut := io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   filepath.Join(dir, "logs", "daemon.log"),
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		})
		logger := log.New(logOut, "[daemon] ", log.LstdFlags)

		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		q := newQueue(db, log.New(logOut, "[queue] ", log.LstdFlags))

		remote, err := newTransport()
		if err != nil {
			return err
		}

		monitor, stopMonitor, err := newMonitor()
		if err != nil {
			return err
		}
		defer stopMonitor()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		// Sink fan-out: always log; add the dashboard when requested.
		engineLogger := log.New(logOut, "[engine] ", log.LstdFlags)
		sinks := engine.MultiSink{engine.NewLogSink(engineLogger)}

		var dash *dashboard.Server
		var eng *engine.Engine
		if dashboardPort > 0 {
			dash = dashboard.NewServer(&dashboard.Config{
				Port:   dashboardPort,
				Status: func() engine.StatusReport { return eng.Status() },
				Logger: log.New(logOut, "[dashboard] ", log.LstdFlags),
			})
			sinks = append(sinks, dash)
		}

		eng, err = engine.New(db, q, remote, monitor, sinks, engine.Config{Logger: engineLogger})
		if err != nil {
			return err
		}

		if dash != nil {
			if err := dash.Start(); err != nil {
				return err
			}
			defer dash.Stop()
			logger.Printf("Dashboard listening on %s", dash.GetAddr())
		}

		watcher, err := capture.New(db, q, filepath.Join(dir, "inbox"), &capture.Config{
			DebounceInterval: capture.DefaultConfig().DebounceInterval,
			Logger:           log.New(logOut, "[capture] ", log.LstdFlags),
		})
		if err != nil {
			return err
		}

		watcherDone := make(chan error, 1)
		go func() { watcherDone <- watcher.Start(ctx) }()

		go eng.Run(ctx)

		logger.Printf("Daemon started (data dir %s)", dir)
		if viper.GetString("netstate-file") == "" {
			logger.Printf("No netstate file configured; assuming online")
		}

		<-ctx.Done()
		logger.Printf("Shutting down")

		if err := <-watcherDone; err != nil {
			return fmt.Errorf("inbox watcher failed: %w", err)
		}
		return nil
	},
}

func init() {
	daemonCmd.Flags().Int("dashboard-port", 0, "Serve the WebSocket dashboard on this port (0 = disabled)")
	rootCmd.AddCommand(daemonCmd)
}
