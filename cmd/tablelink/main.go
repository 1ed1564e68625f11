package main

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/a-essam23/tablelink/internal/client"
	"github.com/a-essam23/tablelink/internal/compendium"
	"github.com/a-essam23/tablelink/internal/server"
	"github.com/a-essam23/tablelink/internal/worldcache"
	"github.com/a-essam23/tablelink/pkg/config"
	"github.com/a-essam23/tablelink/pkg/logging"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configName string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:   "tablelink",
	Short: "Middleware daemon for a virtual tabletop server",
	Long: `tablelink keeps a service account logged in to a tabletop server and
manages per-user identity sessions on top of it.

If no subcommand is specified, the daemon is started.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon until interrupted",
	RunE:  runServe,
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Discover the running world without logging in",
	RunE:  runProbe,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configName, "config", "config", "Config file name, without extension")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Dotenv file loaded before the config")
	rootCmd.AddCommand(serveCmd, probeCmd)
}

// setup loads the environment and configuration and builds the root logger.
func setup() (*slog.Logger, *config.Config, error) {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, err
	}
	// bootstrap logger until the configured level is known
	boot := logging.New(logging.LevelInfo, logging.FormatText)
	cfg, err := config.Load(boot, configName)
	if err != nil {
		boot.Error("Failed to load configuration", slog.Any("error", err))
		return nil, nil, err
	}
	logger := logging.New(logging.ParseLevel(cfg.Log.Level), logging.Format(cfg.Log.Format))
	slog.SetDefault(logger)
	return logger, cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, cfg, err := setup()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := server.NewApp(logger, ctx, cfg)
	if err != nil {
		logger.Error("Failed to build application", slog.Any("error", err))
		return err
	}
	if err := app.Run(); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		return err
	}
	logger.Info("Application shut down successfully.")
	return nil
}

func runProbe(cmd *cobra.Command, args []string) error {
	logger, cfg, err := setup()
	if err != nil {
		return err
	}
	svc, err := client.NewServiceConnection(
		client.OptionsFromConfig(cfg),
		worldcache.New(cfg.WorldCachePath(), logger),
		compendium.New(logger),
		logger,
	)
	if err != nil {
		return err
	}
	found, err := svc.ProbeWorldState(cmd.Context())
	if err != nil {
		logger.Error("Probe failed", slog.Any("error", err))
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(found)
}
