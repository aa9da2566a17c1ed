package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/foxzi/zapcast/internal/app"
	"github.com/foxzi/zapcast/internal/config"
	"github.com/foxzi/zapcast/internal/db"
)

// Set through -ldflags at release time
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

var errNoConfig = errors.New("config file is required (use -c flag)")

// cli carries the persistent flags shared by every subcommand
type cli struct {
	cfgFile string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:          "zapcast",
		Short:        "Zapcast - WhatsApp campaign broadcaster",
		Long:         `Zapcast sends bulk WhatsApp campaigns through official and instance providers and tracks their delivery.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&c.cfgFile, "config", "c", "", "config file path")

	root.AddCommand(
		c.serveCmd(),
		c.migrateCmd(),
		c.configCmd(),
		c.queueCmd(),
		c.campaignCmd(),
		versionCmd(),
	)
	return root
}

func (c *cli) loadConfig() (*config.Config, error) {
	if c.cfgFile == "" {
		return nil, errNoConfig
	}
	cfg, err := config.Load(c.cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the campaign server",
		Long:  `Start the HTTP API, webhook receiver, dispatch workers and scheduler.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}

			app.Version = version
			a, err := app.New(cfg)
			if err != nil {
				return fmt.Errorf("failed to create application: %w", err)
			}
			return a.Run(context.Background())
		},
	}
}

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the campaign database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}

			database, err := db.Open(cfg.Database.Driver, cfg.Database.DSN, cfg.Database.MaxOpenConns)
			if err != nil {
				return err
			}
			defer database.Close()

			if err := database.Migrate(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Migrations completed successfully")
			return nil
		},
	}
}

func (c *cli) configCmd() *cobra.Command {
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Check a config file and print its effective settings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if c.cfgFile == "" {
				return errNoConfig
			}
			cfg, err := config.Load(c.cfgFile)
			if err != nil {
				return fmt.Errorf("configuration is invalid: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Configuration is valid")
			fmt.Fprintf(out, "  Instance:  %s\n", cfg.Server.Name)
			fmt.Fprintf(out, "  API:       %s (%d keys)\n", cfg.API.ListenAddr, len(cfg.API.Keys))
			fmt.Fprintf(out, "  Database:  %s\n", cfg.Database.Driver)
			fmt.Fprintf(out, "  Queue:     %s (%d workers)\n", cfg.Queue.Path, cfg.Queue.Workers)
			fmt.Fprintf(out, "  Opt-in:    required=%v\n", cfg.Dispatch.RequireOptIn)
			if cfg.Scheduler.Enabled {
				fmt.Fprintf(out, "  Scheduler: %s\n", cfg.Scheduler.Spec)
			}
			if cfg.RateLimit.Enabled {
				fmt.Fprintf(out, "  Pacing:    %.2f/s per connection\n", cfg.RateLimit.PerSecond)
			}
			if cfg.Metrics.Enabled {
				fmt.Fprintf(out, "  Metrics:   %s%s\n", cfg.Metrics.ListenAddr, cfg.Metrics.Path)
			}
			return nil
		},
	}

	cmd := &cobra.Command{Use: "config", Short: "Configuration commands"}
	cmd.AddCommand(validate)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "zapcast version %s\n", version)
			if commit != "unknown" {
				fmt.Fprintf(out, "  commit: %s\n", commit)
			}
			if buildTime != "unknown" {
				fmt.Fprintf(out, "  built:  %s\n", buildTime)
			}
		},
	}
}
