package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"rumord.dev/internal/config"
	"rumord.dev/internal/migrate"
	"rumord.dev/internal/obs"
	"rumord.dev/internal/store/pg"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		obs.Logger().Error("migrate failed", "error", err.Error())
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	var (
		seedsDir string
		timeout  time.Duration
	)

	// withManager opens the database named by store.dsn and hands a manager
	// over the embedded migrations to fn.
	withManager := func(cmd *cobra.Command, fn func(context.Context, *migrate.Manager) error) error {
		dsn := v.GetString("store.dsn")
		if dsn == "" {
			return fmt.Errorf("missing DSN: provide via --dsn or RUMORD_STORE_DSN")
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer db.Close()

		var opts []migrate.Option
		if seedsDir != "" {
			opts = append(opts, migrate.WithSeeds(os.DirFS(seedsDir)))
		}
		return fn(ctx, migrate.NewManager(db, pg.Migrations(), opts...))
	}

	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Manage the rumord PostgreSQL schema",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().String("dsn", "", "PostgreSQL DSN")
	root.PersistentFlags().StringVar(&seedsDir, "seeds", "", "directory of *.sql seed files")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "overall deadline")
	cobra.CheckErr(config.BindFlags(v, root.PersistentFlags(), map[string]string{"dsn": "store.dsn"}))

	printList := func(cmd *cobra.Command, items []string) {
		for _, item := range items {
			fmt.Fprintln(cmd.OutOrStdout(), item)
		}
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withManager(cmd, func(ctx context.Context, m *migrate.Manager) error {
					return m.Up(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withManager(cmd, func(ctx context.Context, m *migrate.Manager) error {
					return m.Down(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "seed",
			Short: "Apply seed files not yet recorded",
			RunE: func(cmd *cobra.Command, args []string) error {
				if seedsDir == "" {
					return fmt.Errorf("--seeds is required")
				}
				return withManager(cmd, func(ctx context.Context, m *migrate.Manager) error {
					return m.Seed(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "List applied migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withManager(cmd, func(ctx context.Context, m *migrate.Manager) error {
					history, err := m.Status(ctx)
					if err != nil {
						return err
					}
					printList(cmd, history)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "pending",
			Short: "List migrations not yet applied",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withManager(cmd, func(ctx context.Context, m *migrate.Manager) error {
					pending, err := m.Pending(ctx)
					if err != nil {
						return err
					}
					printList(cmd, pending)
					return nil
				})
			},
		},
	)
	return root
}
