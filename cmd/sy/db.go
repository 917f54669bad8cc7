package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/sparkyard/internal/config"
	"github.com/zulandar/sparkyard/internal/db"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBInitCmd())
	cmd.AddCommand(newDBResetCmd())
	return cmd
}

func newDBInitCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the Sparkyard database",
		Long:  "Creates the database, migrates all tables, and seeds queues and workspaces from configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBInit(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Sparkyard config file")
	return cmd
}

func runDBInit(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.DB.Driver == "mysql" {
		adminDB, err := db.ConnectAdmin(cfg.DB.Host, cfg.DB.Port)
		if err != nil {
			return err
		}
		if err := db.CreateDatabase(adminDB, cfg.DB.Database); err != nil {
			return err
		}
		fmt.Fprintf(out, "Database %s ready\n", cfg.DB.Database)
	}

	gormDB, err := db.Open(cfg.DB)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))

	if err := db.SeedQueues(gormDB, cfg.Queues); err != nil {
		return err
	}
	fmt.Fprintf(out, "Seeded %d queues\n", len(cfg.Queues))

	if err := db.SeedWorkspaces(gormDB, cfg.Workspaces); err != nil {
		return err
	}
	fmt.Fprintf(out, "Seeded %d workspaces\n", len(cfg.Workspaces))
	return nil
}

func newDBResetCmd() *cobra.Command {
	var (
		configPath string
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Drop and recreate the Sparkyard database",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return fmt.Errorf("refusing to drop the database without --force")
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.DB.Driver != "mysql" {
				return fmt.Errorf("db reset only supports the mysql driver")
			}
			adminDB, err := db.ConnectAdmin(cfg.DB.Host, cfg.DB.Port)
			if err != nil {
				return err
			}
			if err := db.DropDatabase(adminDB, cfg.DB.Database); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Dropped %s\n", cfg.DB.Database)
			return runDBInit(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Sparkyard config file")
	cmd.Flags().BoolVar(&force, "force", false, "confirm the destructive reset")
	return cmd
}
