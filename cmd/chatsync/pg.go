package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatterbox-im/chatsync/pgstore"
)

func init() {
	pgCmd.AddCommand(pgMigrateCmd)
	rootCmd.AddCommand(pgCmd)
}

var pgCmd = &cobra.Command{
	Use:   "pg",
	Short: "Manage a self-hosted Postgres backend",
}

var pgMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the chat tables and the change-notification trigger",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Store.PostgresDSN == "" {
			return fmt.Errorf("no DSN; set store.postgres_dsn or CHATSYNC_POSTGRES_DSN")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		pool, err := pgstore.Connect(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := pgstore.Migrate(ctx, pool); err != nil {
			return err
		}
		fmt.Println("Schema is up to date.")
		return nil
	},
}
