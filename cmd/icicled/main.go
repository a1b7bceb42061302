package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/icicle-ci/icicle/internal/app"
	"github.com/icicle-ci/icicle/internal/config"
	"github.com/icicle-ci/icicle/internal/history"
	"github.com/icicle-ci/icicle/internal/history/migrations"
	"github.com/icicle-ci/icicle/internal/logger"
	"github.com/icicle-ci/icicle/internal/version"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:          "icicled",
		Short:        "icicle is a CI build orchestrator for Nix-based repositories",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to a TOML config file (environment variables override it)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator: webhook ingress, scheduler, executor and dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			if v := version.String(); v != "" {
				fmt.Printf("icicled %s\n", v)
			}

			settings, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("error loading configuration: %w", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			a, cleanup, err := app.New(ctx, settings)
			if err != nil {
				return fmt.Errorf("error creating app: %w", err)
			}
			defer cleanup()
			a.Start()

			// Wait for SIGINT or SIGTERM before shutting down
			done := make(chan os.Signal, 1)
			signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
			<-done

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Minute*5)
			defer shutdownCancel()
			err = a.Stop(shutdownCtx)
			if err != nil {
				return err
			}
			log.Print("Server shutdown complete")
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back history database migrations",
	}

	newRunner := func() (*migrations.Runner, history.DatabaseConfig, error) {
		settings, err := config.Load(configFile)
		if err != nil {
			return nil, history.DatabaseConfig{}, fmt.Errorf("error loading configuration: %w", err)
		}
		levels, err := logger.ParseLevelConfig(settings.Log.Level, settings.Log.Levels)
		if err != nil {
			return nil, history.DatabaseConfig{}, err
		}
		runner := migrations.NewHistoryRunner(logger.NewFactory(levels))
		return runner, history.DatabaseConfigFromPath(settings.Database.Path), nil
	}

	migrate.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Migrate the database up to the latest schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			runner, dbConfig, err := newRunner()
			if err != nil {
				return err
			}
			return runner.Up(cmd.Context(), dbConfig.Driver, dbConfig.ConnectionString)
		},
	})
	migrate.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Migrate the database down to empty",
		RunE: func(cmd *cobra.Command, args []string) error {
			runner, dbConfig, err := newRunner()
			if err != nil {
				return err
			}
			return runner.Down(cmd.Context(), dbConfig.Driver, dbConfig.ConnectionString)
		},
	})
	return migrate
}
