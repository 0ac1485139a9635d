package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tmcgann/fieldsync/internal/netmon"
	"github.com/tmcgann/fieldsync/internal/queue"
	"github.com/tmcgann/fieldsync/internal/store"
	"github.com/tmcgann/fieldsync/internal/transport"
)

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Offline-first sync client for field data collection",
	Long: `fieldsync keeps field-collected records safe on disk and syncs them to the
remote authority whenever connectivity allows.

Records dropped into the inbox are stored locally and queued for upload.
Sync cycles run uploads first, then pull authoritative forms and projects,
then fetch referenced media. Transient failures retry with backoff; items
that exhaust their retry budget are parked as dead letters for inspection.

Configuration is read from flags, FIELDSYNC_* environment variables, and
fieldsync.yaml in the data directory, in that order of precedence.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig(cmd)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("data-dir", defaultDataDir(), "Directory for the local database and inbox")
	pf.String("server-url", "", "Base URL of the remote sync API")
	pf.String("token", "", "Bearer token for the remote sync API")
	pf.String("netstate-file", "", "Path to the platform connectivity state file")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "inspect", Title: "Inspection Commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced Commands:"},
	)
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".fieldsync")
	}
	return ".fieldsync"
}

// initConfig wires flags, environment, and the optional config file into
// viper. Flags win over env, env wins over file.
func initConfig(cmd *cobra.Command) error {
	viper.SetEnvPrefix("FIELDSYNC")
	viper.AutomaticEnv()

	for _, name := range []string{"data-dir", "server-url", "token", "netstate-file"} {
		if err := viper.BindPFlag(name, cmd.Flags().Lookup(name)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}

	viper.SetConfigName("fieldsync")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(viper.GetString("data-dir"))
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return nil
}

func dataDir() string {
	return viper.GetString("data-dir")
}

// openStore opens (and initializes) the local database under the data dir.
func openStore() (*store.DB, error) {
	dir := dataDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
	}

	db, err := store.Open(filepath.Join(dir, "fieldsync.db"))
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func newQueue(db *store.DB, logger *log.Logger) *queue.Queue {
	return queue.New(db, logger)
}

// newTransport builds the HTTP client from configuration.
func newTransport() (transport.Client, error) {
	baseURL := viper.GetString("server-url")
	if baseURL == "" {
		return nil, fmt.Errorf("server-url is required (flag, FIELDSYNC_SERVER_URL, or config file)")
	}

	token := viper.GetString("token")
	return transport.NewHTTPClient(transport.Config{
		BaseURL: baseURL,
		Token: func(ctx context.Context) (string, error) {
			return token, nil
		},
	})
}

// newMonitor builds the connectivity monitor. With a netstate file it
// follows the platform's reported state; without one, reachability is
// assumed (wifi) and the remote's own errors are the backstop.
func newMonitor() (*netmon.Monitor, func(), error) {
	m := netmon.New()

	stateFile := viper.GetString("netstate-file")
	if stateFile == "" {
		m.Publish(netmon.Online(netmon.KindWifi))
		return m, func() {}, nil
	}

	src, err := netmon.NewFileSource(stateFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to watch netstate file: %w", err)
	}
	if err := src.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start netstate source: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for s := range src.Events() {
			m.Publish(s)
		}
	}()

	// The file may not have produced a state yet; give the replay a beat.
	deadline := time.Now().Add(200 * time.Millisecond)
	for m.Current().Kind == netmon.KindUnknown && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	stop := func() {
		src.Stop()
		<-done
	}
	return m, stop, nil
}
