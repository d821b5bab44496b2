package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/mkraev/switchboard/internal/config"
	"github.com/mkraev/switchboard/internal/db"
	"github.com/mkraev/switchboard/internal/store"
)

func newStatusCmd() *cobra.Command {
	var configPath string
	var since string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show request counts by status",
		Long:  "Connects to the request database and prints how many requests are in each status.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.OutOrStdout(), configPath, since)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "switchboard.yaml", "path to Switchboard config file")
	cmd.Flags().StringVar(&since, "since", "", "only count requests created in this window (e.g. 24h, 7d as 168h)")
	return cmd
}

func runStatus(out io.Writer, configPath, since string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Connect(cfg.DB.Host, cfg.DB.Port, cfg.DB.Database)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.DB.Database, err)
	}

	var cutoff time.Time
	if since != "" {
		d, err := time.ParseDuration(since)
		if err != nil {
			return fmt.Errorf("status: parse --since %q: %w", since, err)
		}
		cutoff = time.Now().Add(-d)
	}

	st, err := store.New(gormDB)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	counts, err := st.AggregateByStatus(cutoff)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}

	var total int64
	for _, n := range counts {
		total += n
	}
	fmt.Fprintf(out, "Requests: %d\n", total)
	for _, status := range []string{"pending", "contacted", "in_progress", "completed", "cancelled"} {
		if n, ok := counts[status]; ok {
			fmt.Fprintf(out, "  %-12s %d\n", status, n)
		}
	}
	return nil
}
