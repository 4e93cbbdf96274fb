package main

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"signals.org/internal/config"
	"signals.org/internal/migrate"
)

type options struct {
	dsn     string
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "migrate",
		Short:         "Manage the user store schema",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVar(&opts.dsn, "dsn", "", "PostgreSQL DSN (defaults to USER_SERVICE_* environment)")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "overall deadline")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withManager(cmd, opts, func(ctx context.Context, m *migrate.Manager) error {
					if err := m.Up(ctx); err != nil {
						return err
					}
					cmd.Println("migrations applied")
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the latest migration",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withManager(cmd, opts, func(ctx context.Context, m *migrate.Manager) error {
					if err := m.Down(ctx); err != nil {
						return err
					}
					cmd.Println("rolled back one migration")
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Print the current schema version",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withManager(cmd, opts, func(ctx context.Context, m *migrate.Manager) error {
					v, err := m.Version(ctx)
					if err != nil {
						return err
					}
					cmd.Printf("schema version %d\n", v)
					return nil
				})
			},
		},
	)
	return cmd
}

func resolveDSN(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	db, err := config.LoadDatabase()
	if err != nil {
		return "", oops.Code("CONFIG_INVALID").Wrap(err)
	}
	dsn := db.ConnString()
	if dsn == "" {
		return "", oops.Code("CONFIG_INVALID").Errorf("no database configured: pass --dsn or set USER_SERVICE_DSN")
	}
	return dsn, nil
}

func withManager(cmd *cobra.Command, opts *options, fn func(context.Context, *migrate.Manager) error) error {
	dsn, err := resolveDSN(opts.dsn)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return oops.Code("DB_CONNECT_FAILED").Wrap(err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return oops.Code("DB_CONNECT_FAILED").With("operation", "ping").Wrap(err)
	}
	return fn(ctx, migrate.NewManager(db))
}
