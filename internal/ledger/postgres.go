package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/autowebiq/backend/internal/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS credit_accounts (
	id          UUID PRIMARY KEY,
	balance     BIGINT NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS credit_transactions (
	seq              BIGSERIAL UNIQUE,
	id               UUID PRIMARY KEY,
	account_id       UUID NOT NULL REFERENCES credit_accounts(id),
	kind             TEXT NOT NULL,
	amount           BIGINT NOT NULL,
	balance_before   BIGINT NOT NULL,
	balance_after    BIGINT NOT NULL,
	status           TEXT NOT NULL,
	build_session_id UUID,
	detail           JSONB NOT NULL DEFAULT '{}',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS credit_transactions_account_seq ON credit_transactions (account_id, seq DESC);

CREATE TABLE IF NOT EXISTS build_sessions (
	id                UUID PRIMARY KEY,
	account_id        UUID NOT NULL REFERENCES credit_accounts(id),
	estimate          JSONB NOT NULL,
	reservation_tx_id UUID,
	status            TEXT NOT NULL,
	actual_cost       BIGINT NOT NULL DEFAULT 0,
	charged           BIGINT NOT NULL DEFAULT 0,
	refunded          BIGINT NOT NULL DEFAULT 0,
	cancel_requested  BOOLEAN NOT NULL DEFAULT false,
	failure_reason    TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at        TIMESTAMPTZ,
	ended_at          TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS build_sessions_open ON build_sessions (created_at) WHERE status NOT IN ('completed', 'refunded');

CREATE TABLE IF NOT EXISTS agent_invocations (
	id               UUID PRIMARY KEY,
	build_session_id UUID NOT NULL REFERENCES build_sessions(id),
	stage            INT NOT NULL,
	agent_type       TEXT NOT NULL,
	model            TEXT NOT NULL,
	input_tokens     BIGINT NOT NULL DEFAULT 0,
	output_tokens    BIGINT NOT NULL DEFAULT 0,
	image_count      BIGINT NOT NULL DEFAULT 0,
	computed_cost    BIGINT NOT NULL DEFAULT 0,
	status           TEXT NOT NULL,
	error            TEXT NOT NULL DEFAULT '',
	started_at       TIMESTAMPTZ NOT NULL,
	ended_at         TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS agent_invocations_session ON agent_invocations (build_session_id, stage);
`

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// PostgresStore is the production backend. Per-account serialization comes
// from SELECT ... FOR UPDATE on the account row.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var _ Store = (*PostgresStore)(nil)

// Migrate creates the ledger tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresSchema)
	return err
}

func (s *PostgresStore) CreateAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	a := models.Account{ID: id}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO credit_accounts (id) VALUES ($1)
		RETURNING balance, created_at, updated_at
	`, id).Scan(&a.Balance, &a.CreatedAt, &a.UpdatedAt)
	if isUniqueViolation(err) {
		return nil, ErrAccountExists
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	return pgGetAccount(ctx, s.pool, id, false)
}

func (s *PostgresStore) GetBalance(ctx context.Context, id uuid.UUID) (int64, error) {
	a, err := s.GetAccount(ctx, id)
	if err != nil {
		return 0, err
	}
	return a.Balance, nil
}

func (s *PostgresStore) Append(ctx context.Context, txn *models.Transaction) error {
	return s.WithAccount(ctx, txn.AccountID, func(tx Tx) error {
		return tx.Append(ctx, txn)
	})
}

func (s *PostgresStore) ListTransactions(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.Transaction, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	q := `SELECT ` + pgTxnColumns + ` FROM credit_transactions WHERE account_id = $1 ORDER BY seq DESC`
	args := []any{accountID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Transaction
	for rows.Next() {
		t, err := scanPgTxn(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

func (s *PostgresStore) GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	return pgGetTxn(ctx, s.pool, id)
}

func (s *PostgresStore) CreateSession(ctx context.Context, bs *models.BuildSession) error {
	est, err := json.Marshal(bs.Estimate)
	if err != nil {
		return err
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO build_sessions (id, account_id, estimate, reservation_tx_id, status, cancel_requested)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, bs.ID, bs.AccountID, string(est), bs.ReservationTxID, bs.Status, bs.CancelRequested).Scan(&bs.CreatedAt)
	if isUniqueViolation(err) {
		return ErrSessionExists
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
		return ErrAccountNotFound
	}
	return err
}

func (s *PostgresStore) GetSession(ctx context.Context, id uuid.UUID) (*models.BuildSession, error) {
	return pgGetSession(ctx, s.pool, id, false)
}

func (s *PostgresStore) ListOpenSessions(ctx context.Context, createdBefore time.Time, limit int) ([]*models.BuildSession, error) {
	q := `SELECT ` + pgSessionColumns + ` FROM build_sessions
		WHERE status <> ALL($1) AND created_at < $2 ORDER BY created_at`
	args := []any{[]string{string(models.BuildCompleted), string(models.BuildRefunded)}, createdBefore}
	if limit > 0 {
		q += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.BuildSession
	for rows.Next() {
		bs, err := scanPgSession(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, bs)
	}
	return list, rows.Err()
}

func (s *PostgresStore) SaveInvocation(ctx context.Context, inv *models.AgentInvocation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agent_invocations (id, build_session_id, stage, agent_type, model, input_tokens, output_tokens, image_count, computed_cost, status, error, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			input_tokens = EXCLUDED.input_tokens, output_tokens = EXCLUDED.output_tokens,
			image_count = EXCLUDED.image_count, computed_cost = EXCLUDED.computed_cost,
			status = EXCLUDED.status, error = EXCLUDED.error, ended_at = EXCLUDED.ended_at
	`, inv.ID, inv.BuildSessionID, inv.Stage, inv.AgentType, inv.Model, inv.InputTokens, inv.OutputTokens,
		inv.ImageCount, inv.ComputedCost, inv.Status, inv.Error, inv.StartedAt, inv.EndedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
		return ErrSessionNotFound
	}
	return err
}

func (s *PostgresStore) ListInvocations(ctx context.Context, sessionID uuid.UUID) ([]*models.AgentInvocation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, build_session_id, stage, agent_type, model, input_tokens, output_tokens, image_count, computed_cost, status, error, started_at, ended_at
		FROM agent_invocations WHERE build_session_id = $1 ORDER BY stage
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.AgentInvocation
	for rows.Next() {
		var inv models.AgentInvocation
		if err := rows.Scan(&inv.ID, &inv.BuildSessionID, &inv.Stage, &inv.AgentType, &inv.Model, &inv.InputTokens,
			&inv.OutputTokens, &inv.ImageCount, &inv.ComputedCost, &inv.Status, &inv.Error, &inv.StartedAt, &inv.EndedAt); err != nil {
			return nil, err
		}
		list = append(list, &inv)
	}
	return list, rows.Err()
}

func (s *PostgresStore) WithAccount(ctx context.Context, accountID uuid.UUID, fn func(tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	acc, err := pgGetAccount(ctx, tx, accountID, true)
	if err != nil {
		return err
	}
	ptx := &pgTx{tx: tx, account: *acc}
	if err := fn(ptx); err != nil {
		return err
	}
	if ptx.dirty {
		if _, err := tx.Exec(ctx, `
			UPDATE credit_accounts SET balance = $2, updated_at = now() WHERE id = $1
		`, accountID, ptx.account.Balance); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// pgTx holds the locked account row; the balance is written back once on
// commit.
type pgTx struct {
	tx      pgx.Tx
	account models.Account
	dirty   bool
}

func (t *pgTx) Account(context.Context) (*models.Account, error) {
	cp := t.account
	return &cp, nil
}

func (t *pgTx) Balance(context.Context) (int64, error) {
	return t.account.Balance, nil
}

func (t *pgTx) Append(ctx context.Context, txn *models.Transaction) error {
	if err := prepareAppend(t.account.ID, t.account.Balance, txn); err != nil {
		return err
	}
	detail, err := json.Marshal(txn.Detail)
	if err != nil {
		return err
	}
	if err := t.tx.QueryRow(ctx, `
		INSERT INTO credit_transactions (id, account_id, kind, amount, balance_before, balance_after, status, build_session_id, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`, txn.ID, txn.AccountID, txn.Kind, txn.Amount, txn.BalanceBefore, txn.BalanceAfter, txn.Status,
		txn.BuildSessionID, string(detail)).Scan(&txn.CreatedAt); err != nil {
		return err
	}
	t.account.Balance = txn.BalanceAfter
	t.dirty = true
	return nil
}

func (t *pgTx) Transaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	txn, err := pgGetTxn(ctx, t.tx, id)
	if err != nil {
		return nil, err
	}
	if txn.AccountID != t.account.ID {
		return nil, ErrWrongAccount
	}
	return txn, nil
}

func (t *pgTx) SetTransactionStatus(ctx context.Context, id uuid.UUID, status models.TransactionStatus) error {
	if !status.Valid() {
		return ErrInvalidTransaction
	}
	cur, err := t.Transaction(ctx, id)
	if err != nil {
		return err
	}
	if _, err := t.tx.Exec(ctx, `UPDATE credit_transactions SET status = $2 WHERE id = $1`, id, status); err != nil {
		return err
	}
	if delta := statusDelta(cur.Amount, cur.Status, status); delta != 0 {
		t.account.Balance += delta
		t.dirty = true
	}
	return nil
}

func (t *pgTx) Session(ctx context.Context, id uuid.UUID) (*models.BuildSession, error) {
	bs, err := pgGetSession(ctx, t.tx, id, true)
	if err != nil {
		return nil, err
	}
	if bs.AccountID != t.account.ID {
		return nil, ErrWrongAccount
	}
	return bs, nil
}

func (t *pgTx) UpdateSession(ctx context.Context, bs *models.BuildSession) error {
	if bs.AccountID != t.account.ID {
		return ErrWrongAccount
	}
	est, err := json.Marshal(bs.Estimate)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE build_sessions SET estimate = $3, reservation_tx_id = $4, status = $5, actual_cost = $6,
			charged = $7, refunded = $8, cancel_requested = $9, failure_reason = $10, started_at = $11, ended_at = $12
		WHERE id = $1 AND account_id = $2
	`, bs.ID, bs.AccountID, string(est), bs.ReservationTxID, bs.Status, bs.ActualCost, bs.Charged, bs.Refunded,
		bs.CancelRequested, bs.FailureReason, bs.StartedAt, bs.EndedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// pgQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func pgGetAccount(ctx context.Context, q pgQuerier, id uuid.UUID, forUpdate bool) (*models.Account, error) {
	sql := `SELECT id, balance, created_at, updated_at FROM credit_accounts WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	var a models.Account
	err := q.QueryRow(ctx, sql, id).Scan(&a.ID, &a.Balance, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

const pgTxnColumns = `id, account_id, kind, amount, balance_before, balance_after, status, build_session_id, detail, created_at`

func scanPgTxn(row pgx.Row) (*models.Transaction, error) {
	var t models.Transaction
	var detail []byte
	if err := row.Scan(&t.ID, &t.AccountID, &t.Kind, &t.Amount, &t.BalanceBefore, &t.BalanceAfter,
		&t.Status, &t.BuildSessionID, &detail, &t.CreatedAt); err != nil {
		return nil, err
	}
	if len(detail) > 0 {
		if err := json.Unmarshal(detail, &t.Detail); err != nil {
			return nil, fmt.Errorf("decode transaction %s detail: %w", t.ID, err)
		}
	}
	return &t, nil
}

func pgGetTxn(ctx context.Context, q pgQuerier, id uuid.UUID) (*models.Transaction, error) {
	t, err := scanPgTxn(q.QueryRow(ctx, `SELECT `+pgTxnColumns+` FROM credit_transactions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

const pgSessionColumns = `id, account_id, estimate, reservation_tx_id, status, actual_cost, charged, refunded,
	cancel_requested, failure_reason, created_at, started_at, ended_at`

func pgGetSession(ctx context.Context, q pgQuerier, id uuid.UUID, forUpdate bool) (*models.BuildSession, error) {
	sql := `SELECT ` + pgSessionColumns + ` FROM build_sessions WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	bs, err := scanPgSession(q.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	return bs, err
}

func scanPgSession(row pgx.Row) (*models.BuildSession, error) {
	var bs models.BuildSession
	var est []byte
	err := row.Scan(&bs.ID, &bs.AccountID, &est, &bs.ReservationTxID, &bs.Status,
		&bs.ActualCost, &bs.Charged, &bs.Refunded, &bs.CancelRequested, &bs.FailureReason,
		&bs.CreatedAt, &bs.StartedAt, &bs.EndedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(est, &bs.Estimate); err != nil {
		return nil, fmt.Errorf("decode session %s estimate: %w", bs.ID, err)
	}
	return &bs, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
