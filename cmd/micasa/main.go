// Command micasa runs the home automation daemon: it opens the SQLite
// store, starts the plugin controller and scheduler, and serves the REST
// API until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/micasa-home/micasa/internal/api"
	"github.com/micasa-home/micasa/internal/controller"
	"github.com/micasa-home/micasa/internal/database"
	"github.com/micasa-home/micasa/internal/logging"
	"github.com/micasa-home/micasa/internal/scheduler"
	"github.com/micasa-home/micasa/internal/settings"

	// Built-in plugin types register themselves on import.
	_ "github.com/micasa-home/micasa/internal/plugin/virtual"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var (
	flagPort     int
	flagSSLPort  int
	flagLoglevel int
	flagDataDir  string
)

var rootCmd = &cobra.Command{
	Use:          "micasa",
	Short:        "Home automation daemon",
	SilenceUsage: true,
	// Tolerate unknown flags so older init scripts keep working across
	// releases.
	FParseErrWhitelist: cobra.FParseErrWhitelist{UnknownFlags: true},
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version and exit",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("micasa " + Version)
	},
}

func init() {
	rootCmd.Flags().IntVarP(&flagPort, "port", "p", 80, "HTTP port for the REST API")
	rootCmd.Flags().IntVar(&flagSSLPort, "sslport", 0, "HTTPS port (0 disables TLS)")
	rootCmd.Flags().IntVarP(&flagLoglevel, "loglevel", "l", logging.LevelNormal, "log verbosity (0, 1, or 99)")
	rootCmd.Flags().StringVar(&flagDataDir, "datadir", ".", "directory for the database, logs, and TLS keys")
	rootCmd.AddCommand(versionCmd)

	viper.SetConfigName("micasa")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/micasa")
	viper.SetEnvPrefix("MICASA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	for _, name := range []string{"port", "sslport", "loglevel", "datadir"} {
		_ = viper.BindPFlag(name, rootCmd.Flags().Lookup(name))
	}
}

func run() error {
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}
	dataDir := viper.GetString("datadir")
	loglevel := viper.GetInt("loglevel")
	port := viper.GetInt("port")
	sslPort := viper.GetInt("sslport")

	if err := checkWritable(dataDir); err != nil {
		fmt.Fprintf(os.Stderr, "data directory %q is not writable: %v\n", dataDir, err)
		os.Exit(1)
	}

	log := logging.Setup(dataDir, loglevel)
	log.Info("starting micasa", "version", Version, "datadir", dataDir)

	ctx := context.Background()

	db, err := database.Open(ctx, filepath.Join(dataDir, "micasa.db"))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	cfg := settings.NewProcess(db)
	if err := cfg.Load(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to load settings: %w", err)
	}

	pool := scheduler.NewPool(log)

	ctrl, err := controller.New(db, cfg, pool, log)
	if err != nil {
		_ = db.Close()
		return err
	}
	if err := ctrl.Start(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to start controller: %w", err)
	}

	server := api.New(ctrl, db, cfg, dataDir, log)
	if err := server.Start(port, sslPort); err != nil {
		ctrl.Stop()
		_ = db.Close()
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	got := <-sig
	log.Info("shutting down", "signal", got.String())

	// Teardown mirrors startup in reverse: webserver, controller,
	// scheduler, settings, database.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	server.Stop(shutdownCtx)
	ctrl.Stop()
	pool.Shutdown()
	if err := cfg.Commit(shutdownCtx); err != nil {
		log.Warn("failed to flush settings", "error", err)
	}
	if err := db.Close(); err != nil {
		log.Warn("failed to close database", "error", err)
	}
	log.Info("stopped")
	return nil
}

// checkWritable probes the data directory with a throwaway file so a
// misconfigured service fails fast instead of limping along without
// persistence.
func checkWritable(dir string) error {
	probe := filepath.Join(dir, ".micasa-write-check")
	f, err := os.Create(probe)
	if err != nil {
		return err
	}
	_ = f.Close()
	return os.Remove(probe)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
