package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/zulandar/gatherchat/internal/config"
	"github.com/zulandar/gatherchat/internal/db"
	"github.com/zulandar/gatherchat/internal/store"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Local store management commands",
	}

	cmd.AddCommand(newDBMigrateCmd())
	cmd.AddCommand(newDBPruneCmd())
	return cmd
}

func newDBMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the local store schema",
		Long:  "Opens the configured store (creating the sqlite file if needed) and migrates all tables.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := openFromConfig(configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Migrated %d tables in %s store", len(db.AllModels()), cfg.Store.Driver)
			if cfg.Store.Driver == config.DriverSQLite {
				fmt.Fprintf(out, " at %s", cfg.Store.Path)
			}
			fmt.Fprintln(out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Gather config file")
	return cmd
}

func newDBPruneCmd() *cobra.Command {
	var (
		configPath string
		days       int
	)

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old chat history",
		Long:  "Deletes messages older than the retention period. Messages still waiting in the outbox are kept.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := openFromConfig(configPath)
			if err != nil {
				return err
			}
			retention := cfg.Store.Retention()
			if cmd.Flags().Changed("days") {
				retention = time.Duration(days) * 24 * time.Hour
			}
			if retention <= 0 {
				return fmt.Errorf("prune: retention is disabled (set store.retention_days or --days)")
			}

			j, err := store.NewJanitor(store.JanitorOpts{Store: st, Retention: retention, Schedule: cfg.Store.PruneCron})
			if err != nil {
				return err
			}
			n, err := j.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d messages older than %s\n", n, retention)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Gather config file")
	cmd.Flags().IntVar(&days, "days", 0, "override store.retention_days")
	return cmd
}
