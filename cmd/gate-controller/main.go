package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"gate-controller/internal/app"
	"gate-controller/internal/config"
	"gate-controller/internal/db"
	transport "gate-controller/internal/http"
	"gate-controller/internal/logger"
)

type rootOptions struct {
	configPath string
}

func main() {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "gate-controller",
		Short:         "ANPR barrier controller for residential gates",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a config file (yaml, toml or json)")

	rootCmd.AddCommand(serveCmd(opts))
	rootCmd.AddCommand(syncCmd(opts))
	rootCmd.AddCommand(migrateCmd(opts))
	rootCmd.AddCommand(tokenCmd(opts))

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func load(opts *rootOptions) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("invalid log level: %w", err)
	}
	return cfg, log, nil
}

func serveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the camera endpoints, relay control and sync loop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := load(opts)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(cfg, log)
			if err != nil {
				log.Error().Err(err).Msg("failed to start")
				return err
			}
			defer a.Close()

			return a.Serve(ctx)
		},
	}
}

func syncCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Pull vehicles, locations and cameras once and flush the outbound queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := load(opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			res, err := app.SyncOnce(ctx, cfg, log)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			if !res.OK() {
				return fmt.Errorf("sync finished with %d error(s)", len(res.Errors))
			}
			return nil
		},
	}
}

func migrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the local database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := load(opts)
			if err != nil {
				return err
			}
			gdb, err := db.Open(cfg.Database, log)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s database at %s is up to date\n", cfg.Database.Driver, cfg.Database.DSN)
			return db.Close(gdb)
		},
	}
}

func tokenCmd(opts *rootOptions) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the management API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := load(opts)
			if err != nil {
				return err
			}
			token, err := transport.IssueToken(cfg.HTTP.JWTSecret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "admin", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
