package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/autowebiq/backend/internal/ledger"
	"github.com/autowebiq/backend/internal/models"
)

// Summary aggregates an account's ledger.
type Summary struct {
	CurrentBalance   int64 `json:"current_balance"`
	TotalSpent       int64 `json:"total_spent"`
	TotalRefunded    int64 `json:"total_refunded"`
	TotalPurchased   int64 `json:"total_purchased"`
	TotalBonus       int64 `json:"total_bonus"`
	NetUsage         int64 `json:"net_usage"`
	TransactionCount int   `json:"transaction_count"`
}

// OpenAccount creates the account and grants the signup bonus.
func (c *Coordinator) OpenAccount(ctx context.Context, accountID uuid.UUID) (acc *models.Account, err error) {
	ctx, span := c.startSpan(ctx, "billing.OpenAccount", accountID, uuid.Nil)
	defer func() { endSpan(span, err) }()

	if _, err := c.store.CreateAccount(ctx, accountID); err != nil {
		return nil, err
	}
	if c.cfg.SignupBonus > 0 {
		if err := c.store.Append(ctx, &models.Transaction{
			AccountID: accountID,
			Kind:      models.KindBonus,
			Amount:    c.cfg.SignupBonus,
			Detail:    models.TransactionDetail{Bonus: &models.BonusDetail{Reason: "signup"}},
		}); err != nil {
			return nil, fmt.Errorf("grant signup bonus: %w", err)
		}
		c.metrics.Credits(string(models.KindBonus), c.cfg.SignupBonus)
	}
	c.logger.Info("account opened",
		zap.Stringer("account_id", accountID),
		zap.Int64("bonus", c.cfg.SignupBonus))
	return c.store.GetAccount(ctx, accountID)
}

// Purchase credits the package's credits. paymentRef identifies the
// upstream payment and is stored for audit only.
func (c *Coordinator) Purchase(ctx context.Context, accountID uuid.UUID, packageID, paymentRef string) (txn *models.Transaction, err error) {
	ctx, span := c.startSpan(ctx, "billing.Purchase", accountID, uuid.Nil, attribute.String("package", packageID))
	defer func() { endSpan(span, err) }()

	pkg, ok := findPackage(c.cfg.Packages, packageID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPackage, packageID)
	}
	if pkg.Credits <= 0 {
		return nil, fmt.Errorf("%w: package %q grants %d credits", ErrInvalidAmount, pkg.ID, pkg.Credits)
	}
	txn = &models.Transaction{
		AccountID: accountID,
		Kind:      models.KindPurchase,
		Amount:    pkg.Credits,
		Detail:    models.TransactionDetail{Purchase: &models.PurchaseDetail{PackageID: pkg.ID, PaymentRef: paymentRef}},
	}
	if err := c.store.Append(ctx, txn); err != nil {
		return nil, err
	}
	c.metrics.Credits(string(models.KindPurchase), pkg.Credits)
	c.logger.Info("credits purchased",
		zap.Stringer("account_id", accountID),
		zap.String("package", pkg.ID),
		zap.Int64("credits", pkg.Credits),
		zap.Int64("balance", txn.BalanceAfter))
	return txn, nil
}

func (c *Coordinator) Packages() []Package {
	out := make([]Package, len(c.cfg.Packages))
	copy(out, c.cfg.Packages)
	return out
}

func (c *Coordinator) Balance(ctx context.Context, accountID uuid.UUID) (int64, error) {
	return c.store.GetBalance(ctx, accountID)
}

// Transactions lists the newest entries first.
func (c *Coordinator) Transactions(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.Transaction, error) {
	return c.store.ListTransactions(ctx, accountID, limit)
}

// Summary folds the whole log. Spent counts reservations; refunds of any
// reason offset it in NetUsage.
func (c *Coordinator) Summary(ctx context.Context, accountID uuid.UUID) (Summary, error) {
	acc, err := c.store.GetAccount(ctx, accountID)
	if err != nil {
		return Summary{}, err
	}
	txns, err := c.store.ListTransactions(ctx, accountID, 0)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{CurrentBalance: acc.Balance, TransactionCount: len(txns)}
	for _, t := range txns {
		if !t.Status.Posted() {
			continue
		}
		switch t.Kind {
		case models.KindReservation:
			sum.TotalSpent += -t.Amount
		case models.KindRefund:
			sum.TotalRefunded += t.Amount
		case models.KindPurchase:
			sum.TotalPurchased += t.Amount
		case models.KindBonus:
			sum.TotalBonus += t.Amount
		case models.KindSettlement:
		}
	}
	sum.NetUsage = sum.TotalSpent - sum.TotalRefunded
	return sum, nil
}

// IsNotFound reports whether err means the account, session or reservation
// does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ledger.ErrAccountNotFound) ||
		errors.Is(err, ledger.ErrSessionNotFound) ||
		errors.Is(err, ErrReservationNotFound)
}
