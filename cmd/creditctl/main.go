// Command creditctl administers credit accounts directly against the ledger
// database: opening accounts, granting purchases, auditing balances and
// minting API tokens.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/autowebiq/backend/internal/billing"
	"github.com/autowebiq/backend/internal/config"
	"github.com/autowebiq/backend/internal/ledger"
)

var version = "1.0.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app is the state shared by subcommands once the root has loaded config.
type app struct {
	configPath string
	cfg        config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "creditctl",
		Short:         "AutoWebIQ credit ledger administration",
		Long:          `creditctl opens accounts, grants credits and audits the ledger using the API server's configuration.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (defaults to $"+config.PathEnv+")")

	root.AddCommand(
		a.estimateCmd(),
		a.packagesCmd(),
		a.accountCmd(),
		a.balanceCmd(),
		a.historyCmd(),
		a.purchaseCmd(),
		a.summaryCmd(),
		a.verifyCmd(),
		a.tokenCmd(),
	)
	return root
}

// withCoordinator opens the configured ledger for the duration of fn.
func (a *app) withCoordinator(ctx context.Context, fn func(c *billing.Coordinator, store ledger.Store) error) error {
	var (
		store   ledger.Store
		closeFn func()
	)
	switch a.cfg.Database.Backend {
	case config.BackendSQLite:
		s, err := ledger.OpenSQLite(a.cfg.Database.SQLitePath)
		if err != nil {
			return err
		}
		store, closeFn = s, func() { _ = s.Close() }
	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, a.cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("create database pool: %w", err)
		}
		pg := ledger.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return fmt.Errorf("ledger migrate: %w", err)
		}
		store, closeFn = pg, pool.Close
	default:
		return fmt.Errorf("database backend %q keeps no state between runs; use sqlite or postgres", a.cfg.Database.Backend)
	}
	defer closeFn()

	return fn(billing.NewCoordinator(store, a.cfg.Billing(), nil, nil), store)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
