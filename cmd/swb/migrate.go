package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mkraev/switchboard/internal/config"
	"github.com/mkraev/switchboard/internal/db"
)

func newMigrateCmd() *cobra.Command {
	var configPath string
	var create bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Long:  "Runs schema auto-migration for all Switchboard tables. Safe to run multiple times (idempotent).",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.OutOrStdout(), configPath, create)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "switchboard.yaml", "path to Switchboard config file")
	cmd.Flags().BoolVar(&create, "create", false, "create the database first if it does not exist")
	return cmd
}

func runMigrate(out io.Writer, configPath string, create bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if create {
		adminDB, err := db.ConnectAdmin(cfg.DB.Host, cfg.DB.Port)
		if err != nil {
			return fmt.Errorf("migrate: connect to server: %w", err)
		}
		if err := db.CreateDatabase(adminDB, cfg.DB.Database); err != nil {
			return fmt.Errorf("migrate: create database %s: %w", cfg.DB.Database, err)
		}
		fmt.Fprintf(out, "Database %s ready\n", cfg.DB.Database)
	}

	gormDB, err := db.Connect(cfg.DB.Host, cfg.DB.Port, cfg.DB.Database)
	if err != nil {
		return fmt.Errorf("migrate: connect to %s: %w", cfg.DB.Database, err)
	}

	if err := db.AutoMigrate(gormDB); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	fmt.Fprintln(out, "Migration complete.")
	return nil
}
