package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/suspectuso/crypto-reminder/internal/app"
	"github.com/suspectuso/crypto-reminder/internal/config"
	"github.com/suspectuso/crypto-reminder/internal/logger"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "crypto-reminder",
	Short: "Telegram bot for daily crypto digests and price alerts",
	Long: `crypto-reminder sends each subscriber a daily digest of their coins at
their local time, and broadcasts an alert when a coin moves more than the
configured threshold in 24 hours.`,
	SilenceUsage: true,
	RunE:         runServeE,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bot, scheduler and admin API (default)",
	RunE:  runServeE,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Path to a .env file (default ./.env if present)")
	config.InitFlags(rootCmd)
	rootCmd.AddCommand(serveCmd, migrateJSONCmd, upgradeJSONCmd)
}

// setup loads the .env file, the configuration and the logger.
func setup() (*config.Config, *zap.Logger, error) {
	var files []string
	if envFile != "" {
		files = append(files, envFile)
	}
	if err := config.LoadDotEnv(files...); err != nil {
		return nil, nil, fmt.Errorf("load env file: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("configuration error: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func runServeE(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	// Handle shutdown signals
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, cfg, log); err != nil {
		log.Error("service failed", zap.Error(err))
		return err
	}
	log.Info("stopped gracefully")
	return nil
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}
