package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/suspectuso/crypto-reminder/internal/storage"
)

var migrateJSONCmd = &cobra.Command{
	Use:   "migrate-json [path]",
	Short: "Copy subscribers from a JSON file into the configured store",
	Long: `migrate-json reads a subscribers JSON file (legacy formats are upgraded
in memory) and upserts every record into the store selected by
STORE_DRIVER. The path defaults to JSON_PATH.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runMigrateJSONE,
}

var upgradeJSONCmd = &cobra.Command{
	Use:   "upgrade-json [path]",
	Short: "Rewrite a legacy subscribers JSON file in the current format",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runUpgradeJSONE,
}

func runMigrateJSONE(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	if cfg.StoreDriver == storage.DriverJSON {
		return fmt.Errorf("STORE_DRIVER is %q; pick a database store to migrate into", cfg.StoreDriver)
	}

	path := cfg.JSONPath
	if len(args) == 1 {
		path = args[0]
	}

	src, err := storage.OpenJSON(path, cfg.SubscriberDefaults())
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer src.Close()

	dst, err := storage.Open(cmd.Context(), cfg.StoreOptions())
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	defer dst.Close()

	n, err := storage.Import(cmd.Context(), src, dst)
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}
	log.Info("subscribers migrated", zap.String("from", path), zap.String("driver", cfg.StoreDriver), zap.Int("count", n))
	return nil
}

func runUpgradeJSONE(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	path := cfg.JSONPath
	if len(args) == 1 {
		path = args[0]
	}

	upgraded, err := storage.UpgradeJSONFile(path, cfg.SubscriberDefaults())
	if err != nil {
		return fmt.Errorf("upgrade %s: %w", path, err)
	}
	if upgraded {
		log.Info("subscribers file upgraded", zap.String("path", path))
	} else {
		log.Info("subscribers file already current", zap.String("path", path))
	}
	return nil
}
