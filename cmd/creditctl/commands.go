package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/autowebiq/backend/internal/auth"
	"github.com/autowebiq/backend/internal/billing"
	"github.com/autowebiq/backend/internal/ledger"
	"github.com/autowebiq/backend/internal/models"
	"github.com/autowebiq/backend/internal/pricing"
)

func (a *app) estimateCmd() *cobra.Command {
	var (
		stages []string
		req    pricing.Request
	)
	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "Price a pipeline with the configured price table",
		Long: `Price a pipeline without touching the ledger.

Examples:
  creditctl estimate --stage frontend:gpt-4o
  creditctl estimate --stage planner:gpt-5 --stage frontend:gpt-5 --stage image:dall-e-3 --images`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(stages) == 0 {
				return errors.New("at least one --stage is required")
			}
			for _, s := range stages {
				st, err := parseStage(s)
				if err != nil {
					return err
				}
				req.Stages = append(req.Stages, st)
			}
			return printJSON(cmd.OutOrStdout(), pricing.NewEstimator(a.cfg.Pricing).Estimate(req))
		},
	}
	cmd.Flags().StringArrayVarP(&stages, "stage", "s", nil, "agent_type:model, repeatable and in pipeline order")
	cmd.Flags().BoolVar(&req.HasImages, "images", false, "pipeline generates images")
	cmd.Flags().BoolVar(&req.HasBackend, "backend", false, "pipeline includes backend work")
	cmd.Flags().Int64Var(&req.TokenCount, "tokens", 0, "expected tokens per invocation")
	cmd.Flags().Int64Var(&req.ImageCount, "image-count", 0, "expected number of generated images")
	return cmd
}

func (a *app) packagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "packages",
		Short: "List purchasable credit packages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(cmd.OutOrStdout(), a.cfg.Billing().Packages)
		},
	}
}

func (a *app) accountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage credit accounts",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "open [account-id]",
		Short: "Open an account and grant the signup bonus",
		Long: `Open an account and grant the signup bonus. A new id is generated when
none is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := uuid.New()
			if len(args) == 1 {
				var err error
				if id, err = uuid.Parse(args[0]); err != nil {
					return fmt.Errorf("invalid account id: %w", err)
				}
			}
			return a.withCoordinator(cmd.Context(), func(c *billing.Coordinator, _ ledger.Store) error {
				acc, err := c.OpenAccount(cmd.Context(), id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), acc)
			})
		},
	})
	return cmd
}

func (a *app) balanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance <account-id>",
		Short: "Show an account's balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid account id: %w", err)
			}
			return a.withCoordinator(cmd.Context(), func(c *billing.Coordinator, _ ledger.Store) error {
				bal, err := c.Balance(cmd.Context(), id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d\n", bal)
				return nil
			})
		},
	}
}

func (a *app) historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <account-id>",
		Short: "List an account's transactions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid account id: %w", err)
			}
			return a.withCoordinator(cmd.Context(), func(c *billing.Coordinator, _ ledger.Store) error {
				txns, err := c.Transactions(cmd.Context(), id, limit)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				for _, t := range txns {
					fmt.Fprintf(w, "%s  %-11s %+6d  %6d -> %-6d %-9s %s\n",
						t.CreatedAt.Format("2006-01-02 15:04:05"), t.Kind, t.Amount,
						t.BalanceBefore, t.BalanceAfter, t.Status, t.ID)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries (0 for all)")
	return cmd
}

func (a *app) purchaseCmd() *cobra.Command {
	var pkg, ref string
	cmd := &cobra.Command{
		Use:   "purchase <account-id>",
		Short: "Credit a purchased package to an account",
		Long: `Credit a purchased package to an account. Payment must already have been
captured upstream; --ref records its reference for audit.

Examples:
  creditctl purchase 1b4e28ba-2fa1-11d2-883f-0016d3cca427 --package pkg_100 --ref pay_8Hq2`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid account id: %w", err)
			}
			if pkg == "" {
				return errors.New("--package is required")
			}
			return a.withCoordinator(cmd.Context(), func(c *billing.Coordinator, _ ledger.Store) error {
				txn, err := c.Purchase(cmd.Context(), id, pkg, ref)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "credited %d, balance %d (transaction %s)\n", txn.Amount, txn.BalanceAfter, txn.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&pkg, "package", "p", "", "package id (required)")
	cmd.Flags().StringVarP(&ref, "ref", "r", "", "upstream payment reference")
	return cmd
}

func (a *app) summaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary <account-id>",
		Short: "Show spent, refunded and purchased totals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid account id: %w", err)
			}
			return a.withCoordinator(cmd.Context(), func(c *billing.Coordinator, _ ledger.Store) error {
				sum, err := c.Summary(cmd.Context(), id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), sum)
			})
		},
	}
}

var errLedgerMismatch = errors.New("ledger does not reconcile")

func (a *app) verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <account-id>...",
		Short: "Recompute balances from the transaction log",
		Long: `Recompute each account's balance as the sum of its posted entries and check
the balance_before/balance_after chain. Exits non-zero on any mismatch.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]uuid.UUID, 0, len(args))
			for _, arg := range args {
				id, err := uuid.Parse(arg)
				if err != nil {
					return fmt.Errorf("invalid account id %q: %w", arg, err)
				}
				ids = append(ids, id)
			}
			return a.withCoordinator(cmd.Context(), func(_ *billing.Coordinator, store ledger.Store) error {
				bad := 0
				for _, id := range ids {
					rep, err := ledger.Verify(cmd.Context(), store, id)
					if err != nil {
						return err
					}
					status := "ok"
					if !rep.OK() {
						status = "MISMATCH"
						bad++
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%-8s %s\n", status, rep)
				}
				if bad > 0 {
					return fmt.Errorf("%w: %d of %d accounts", errLedgerMismatch, bad, len(ids))
				}
				return nil
			})
		},
	}
}

func (a *app) tokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token <account-id>",
		Short: "Mint a bearer token acting for an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid account id: %w", err)
			}
			tokens, err := auth.NewTokens(a.cfg.Auth.JWTSecret, a.cfg.Auth.Issuer, a.cfg.Auth.TokenTTL)
			if err != nil {
				return err
			}
			tok, err := tokens.Issue(id)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
}

func parseStage(s string) (models.Stage, error) {
	agentType, model, ok := strings.Cut(s, ":")
	if !ok {
		return models.Stage{}, fmt.Errorf("stage %q: want agent_type:model", s)
	}
	at, err := models.ParseAgentType(agentType)
	if err != nil {
		return models.Stage{}, err
	}
	m, err := models.ParseModel(model)
	if err != nil {
		return models.Stage{}, err
	}
	return models.Stage{Agent: at, Model: m}, nil
}
