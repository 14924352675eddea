// Package ledger persists accounts, the append-only credit transaction log,
// build sessions and agent invocations.
//
// Every balance mutation goes through Append, which updates the cached
// account balance and inserts the transaction row as one atomic unit under
// the account's lock. Business rules (sufficiency checks, state machines)
// live in the billing package; the store only guarantees atomicity and
// per-account serialization.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/autowebiq/backend/internal/models"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountExists       = errors.New("account already exists")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrSessionNotFound     = errors.New("build session not found")
	ErrSessionExists       = errors.New("build session already exists")
	ErrInvalidTransaction  = errors.New("invalid transaction")
	// ErrWrongAccount is returned when a Tx is asked to touch a row owned by
	// another account than the one it locked.
	ErrWrongAccount = errors.New("row belongs to another account")
)

// Store is the persistence contract shared by the memory, Postgres and
// SQLite backends.
type Store interface {
	CreateAccount(ctx context.Context, id uuid.UUID) (*models.Account, error)
	GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error)
	GetBalance(ctx context.Context, id uuid.UUID) (int64, error)

	// Append writes a single transaction under the account lock. It performs
	// no sufficiency check.
	Append(ctx context.Context, txn *models.Transaction) error
	// ListTransactions returns the newest entries first; limit <= 0 means all.
	ListTransactions(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.Transaction, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error)

	CreateSession(ctx context.Context, s *models.BuildSession) error
	GetSession(ctx context.Context, id uuid.UUID) (*models.BuildSession, error)
	// ListOpenSessions returns sessions not yet Completed or Refunded that
	// were created before the cutoff, oldest first; limit <= 0 means all.
	ListOpenSessions(ctx context.Context, createdBefore time.Time, limit int) ([]*models.BuildSession, error)

	// SaveInvocation inserts or replaces the invocation with the same ID.
	SaveInvocation(ctx context.Context, inv *models.AgentInvocation) error
	ListInvocations(ctx context.Context, sessionID uuid.UUID) ([]*models.AgentInvocation, error)

	// WithAccount runs fn while holding the account's lock. Writes made
	// through tx commit together when fn returns nil and are discarded
	// otherwise. fn must not call back into the Store.
	WithAccount(ctx context.Context, accountID uuid.UUID, fn func(tx Tx) error) error
}

// Tx is a unit of work scoped to one locked account.
type Tx interface {
	Account(ctx context.Context) (*models.Account, error)
	Balance(ctx context.Context) (int64, error)
	// Append fills ID, CreatedAt, Status (default completed), BalanceBefore
	// and BalanceAfter on txn.
	Append(ctx context.Context, txn *models.Transaction) error
	Transaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	// SetTransactionStatus changes an entry's status. Moving an entry in or
	// out of the posted set adjusts the balance by its amount.
	SetTransactionStatus(ctx context.Context, id uuid.UUID, status models.TransactionStatus) error
	Session(ctx context.Context, id uuid.UUID) (*models.BuildSession, error)
	UpdateSession(ctx context.Context, s *models.BuildSession) error
}

// prepareAppend validates txn against the locked account and stamps the
// derived fields. balance is the account balance before the entry.
func prepareAppend(accountID uuid.UUID, balance int64, txn *models.Transaction) error {
	if txn.AccountID != accountID {
		return ErrWrongAccount
	}
	if !txn.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidTransaction, txn.Kind)
	}
	if !txn.Detail.MatchesKind(txn.Kind) {
		return fmt.Errorf("%w: detail does not match kind %q", ErrInvalidTransaction, txn.Kind)
	}
	if txn.Status == "" {
		txn.Status = models.TxStatusCompleted
	}
	if !txn.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransaction, txn.Status)
	}
	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}
	txn.BalanceBefore = balance
	txn.BalanceAfter = balance
	if txn.Status.Posted() {
		txn.BalanceAfter = balance + txn.Amount
	}
	return nil
}

// statusDelta is the balance change caused by moving an entry of amount
// from one status to another.
func statusDelta(amount int64, from, to models.TransactionStatus) int64 {
	switch {
	case from.Posted() && !to.Posted():
		return -amount
	case !from.Posted() && to.Posted():
		return amount
	}
	return 0
}
