package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/thraizz/nightfall-server/internal/config"
	"github.com/thraizz/nightfall-server/internal/repository"
	"go.uber.org/zap"
)

// rootOptions holds the flags shared by every command
type rootOptions struct {
	ConfigPath string
	Timeout    time.Duration
	Verbose    bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:          "nightfallctl",
		Short:        "Inspect and maintain the nightfall match store",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "config/config.yaml", "path to configuration file")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "overall command timeout")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log database activity")

	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newMatchCommand(opts))
	cmd.AddCommand(newHistoryCommand(opts))
	cmd.AddCommand(newStatsCommand(opts))
	return cmd
}

// withDB opens the configured database for the duration of fn
func withDB(cmd *cobra.Command, opts *rootOptions, migrate bool, fn func(ctx context.Context, db *repository.DB) error) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}

	logger := zap.NewNop()
	if opts.Verbose {
		if logger, err = zap.NewDevelopment(); err != nil {
			return err
		}
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
	defer cancel()

	dbCfg := cfg.Database
	dbCfg.Migrate = migrate
	dbCfg.MaxConns, dbCfg.MinConns = 2, 0
	db, err := repository.NewDB(ctx, dbCfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	return fn(ctx, db)
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, opts, true, func(ctx context.Context, db *repository.DB) error {
				fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
				return nil
			})
		},
	}
}

func newMatchCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "match <match-id>",
		Short: "Show the durable record of a match",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, opts, false, func(ctx context.Context, db *repository.DB) error {
				m, found, err := repository.NewMatchRepository(db).LoadMatch(ctx, args[0])
				if err != nil {
					return err
				}
				if !found {
					return fmt.Errorf("match %s not found", args[0])
				}
				return printJSON(cmd.OutOrStdout(), m)
			})
		},
	}
}

func newHistoryCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <match-id>",
		Short: "Print the audit log of a match, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, opts, false, func(ctx context.Context, db *repository.DB) error {
				events, err := repository.NewMatchRepository(db).AuditLog(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), events)
			})
		},
	}
}

func newStatsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <participant-id>...",
		Short: "Show lifetime statistics and unlocks of participants",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, opts, false, func(ctx context.Context, db *repository.DB) error {
				snapshots, err := repository.NewStatsRepository(db).ReadStatSnapshot(ctx, args)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), snapshots)
			})
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
