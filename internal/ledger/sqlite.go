package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/autowebiq/backend/internal/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS credit_accounts (
	id         TEXT PRIMARY KEY,
	balance    INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS credit_transactions (
	seq              INTEGER PRIMARY KEY AUTOINCREMENT,
	id               TEXT NOT NULL UNIQUE,
	account_id       TEXT NOT NULL REFERENCES credit_accounts(id),
	kind             TEXT NOT NULL,
	amount           INTEGER NOT NULL,
	balance_before   INTEGER NOT NULL,
	balance_after    INTEGER NOT NULL,
	status           TEXT NOT NULL,
	build_session_id TEXT,
	detail           TEXT NOT NULL DEFAULT '{}',
	created_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS credit_transactions_account_seq ON credit_transactions (account_id, seq);
CREATE TABLE IF NOT EXISTS build_sessions (
	id                TEXT PRIMARY KEY,
	account_id        TEXT NOT NULL REFERENCES credit_accounts(id),
	estimate          TEXT NOT NULL,
	reservation_tx_id TEXT,
	status            TEXT NOT NULL,
	actual_cost       INTEGER NOT NULL DEFAULT 0,
	charged           INTEGER NOT NULL DEFAULT 0,
	refunded          INTEGER NOT NULL DEFAULT 0,
	cancel_requested  INTEGER NOT NULL DEFAULT 0,
	failure_reason    TEXT NOT NULL DEFAULT '',
	created_at        INTEGER NOT NULL,
	started_at        INTEGER,
	ended_at          INTEGER
);
CREATE INDEX IF NOT EXISTS build_sessions_open ON build_sessions (created_at) WHERE status NOT IN ('completed', 'refunded');
CREATE TABLE IF NOT EXISTS agent_invocations (
	id               TEXT PRIMARY KEY,
	build_session_id TEXT NOT NULL REFERENCES build_sessions(id),
	stage            INTEGER NOT NULL,
	agent_type       TEXT NOT NULL,
	model            TEXT NOT NULL,
	input_tokens     INTEGER NOT NULL DEFAULT 0,
	output_tokens    INTEGER NOT NULL DEFAULT 0,
	image_count      INTEGER NOT NULL DEFAULT 0,
	computed_cost    INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL,
	error            TEXT NOT NULL DEFAULT '',
	started_at       INTEGER NOT NULL,
	ended_at         INTEGER
);
`

// SQLiteStore backs the admin CLI and local development. SQLite serializes
// writers database-wide, so per-account locking degrades to a single global
// writer lock.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := filepath.Clean(path) + "?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) CreateAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO credit_accounts (id, balance, created_at, updated_at) VALUES (?, 0, ?, ?)
`, id, now.UnixMilli(), now.UnixMilli())
	if isSQLiteConstraint(err) {
		return nil, ErrAccountExists
	}
	if err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	return &models.Account{ID: id, CreatedAt: fromMillis(now.UnixMilli()), UpdatedAt: fromMillis(now.UnixMilli())}, nil
}

func (s *SQLiteStore) GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	return sqliteGetAccount(ctx, s.db, id)
}

func (s *SQLiteStore) GetBalance(ctx context.Context, id uuid.UUID) (int64, error) {
	a, err := s.GetAccount(ctx, id)
	if err != nil {
		return 0, err
	}
	return a.Balance, nil
}

func (s *SQLiteStore) Append(ctx context.Context, txn *models.Transaction) error {
	return s.WithAccount(ctx, txn.AccountID, func(tx Tx) error {
		return tx.Append(ctx, txn)
	})
}

func (s *SQLiteStore) ListTransactions(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.Transaction, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	q := `SELECT ` + sqliteTxnColumns + ` FROM credit_transactions WHERE account_id = ? ORDER BY seq DESC`
	args := []any{accountID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()
	var list []*models.Transaction
	for rows.Next() {
		t, err := scanSQLiteTxn(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

func (s *SQLiteStore) GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	return sqliteGetTxn(ctx, s.db, id)
}

func (s *SQLiteStore) CreateSession(ctx context.Context, bs *models.BuildSession) error {
	if _, err := s.GetAccount(ctx, bs.AccountID); err != nil {
		return err
	}
	est, err := json.Marshal(bs.Estimate)
	if err != nil {
		return err
	}
	if bs.CreatedAt.IsZero() {
		bs.CreatedAt = fromMillis(time.Now().UTC().UnixMilli())
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO build_sessions (id, account_id, estimate, reservation_tx_id, status, cancel_requested, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, bs.ID, bs.AccountID, string(est), nullUUID(bs.ReservationTxID), bs.Status, bs.CancelRequested, bs.CreatedAt.UnixMilli())
	if isSQLiteConstraint(err) {
		return ErrSessionExists
	}
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id uuid.UUID) (*models.BuildSession, error) {
	return sqliteGetSession(ctx, s.db, id)
}

func (s *SQLiteStore) ListOpenSessions(ctx context.Context, createdBefore time.Time, limit int) ([]*models.BuildSession, error) {
	q := `SELECT ` + sqliteSessionColumns + ` FROM build_sessions
WHERE status NOT IN (?, ?) AND created_at < ? ORDER BY created_at`
	args := []any{models.BuildCompleted, models.BuildRefunded, createdBefore.UnixMilli()}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list open sessions: %w", err)
	}
	defer rows.Close()
	var list []*models.BuildSession
	for rows.Next() {
		bs, err := scanSQLiteSession(rows)
		if err != nil {
			return nil, fmt.Errorf("list open sessions: %w", err)
		}
		list = append(list, bs)
	}
	return list, rows.Err()
}

func (s *SQLiteStore) SaveInvocation(ctx context.Context, inv *models.AgentInvocation) error {
	if _, err := s.GetSession(ctx, inv.BuildSessionID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO agent_invocations (id, build_session_id, stage, agent_type, model, input_tokens, output_tokens, image_count, computed_cost, status, error, started_at, ended_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	input_tokens = excluded.input_tokens, output_tokens = excluded.output_tokens,
	image_count = excluded.image_count, computed_cost = excluded.computed_cost,
	status = excluded.status, error = excluded.error, ended_at = excluded.ended_at
`, inv.ID, inv.BuildSessionID, inv.Stage, inv.AgentType, inv.Model, inv.InputTokens, inv.OutputTokens,
		inv.ImageCount, inv.ComputedCost, inv.Status, inv.Error, inv.StartedAt.UnixMilli(), nullMillis(inv.EndedAt))
	if err != nil {
		return fmt.Errorf("save invocation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListInvocations(ctx context.Context, sessionID uuid.UUID) ([]*models.AgentInvocation, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, build_session_id, stage, agent_type, model, input_tokens, output_tokens, image_count, computed_cost, status, error, started_at, ended_at
FROM agent_invocations WHERE build_session_id = ? ORDER BY stage
`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list invocations: %w", err)
	}
	defer rows.Close()
	var list []*models.AgentInvocation
	for rows.Next() {
		var (
			inv     models.AgentInvocation
			started int64
			ended   sql.NullInt64
		)
		if err := rows.Scan(&inv.ID, &inv.BuildSessionID, &inv.Stage, &inv.AgentType, &inv.Model, &inv.InputTokens,
			&inv.OutputTokens, &inv.ImageCount, &inv.ComputedCost, &inv.Status, &inv.Error, &started, &ended); err != nil {
			return nil, err
		}
		inv.StartedAt = fromMillis(started)
		inv.EndedAt = timePtr(ended)
		list = append(list, &inv)
	}
	return list, rows.Err()
}

func (s *SQLiteStore) WithAccount(ctx context.Context, accountID uuid.UUID, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	acc, err := sqliteGetAccount(ctx, tx, accountID)
	if err != nil {
		return err
	}
	stx := &sqliteTx{tx: tx, account: *acc}
	if err := fn(stx); err != nil {
		return err
	}
	if stx.dirty {
		if _, err := tx.ExecContext(ctx, `UPDATE credit_accounts SET balance = ?, updated_at = ? WHERE id = ?`,
			stx.account.Balance, time.Now().UTC().UnixMilli(), accountID); err != nil {
			return fmt.Errorf("update balance: %w", err)
		}
	}
	return tx.Commit()
}

type sqliteTx struct {
	tx      *sql.Tx
	account models.Account
	dirty   bool
}

func (t *sqliteTx) Account(context.Context) (*models.Account, error) {
	cp := t.account
	return &cp, nil
}

func (t *sqliteTx) Balance(context.Context) (int64, error) {
	return t.account.Balance, nil
}

func (t *sqliteTx) Append(ctx context.Context, txn *models.Transaction) error {
	if err := prepareAppend(t.account.ID, t.account.Balance, txn); err != nil {
		return err
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}
	txn.CreatedAt = fromMillis(txn.CreatedAt.UnixMilli())
	detail, err := json.Marshal(txn.Detail)
	if err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, `
INSERT INTO credit_transactions (id, account_id, kind, amount, balance_before, balance_after, status, build_session_id, detail, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, txn.ID, txn.AccountID, txn.Kind, txn.Amount, txn.BalanceBefore, txn.BalanceAfter, txn.Status,
		nullUUID(txn.BuildSessionID), string(detail), txn.CreatedAt.UnixMilli()); err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	t.account.Balance = txn.BalanceAfter
	t.dirty = true
	return nil
}

func (t *sqliteTx) Transaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	txn, err := sqliteGetTxn(ctx, t.tx, id)
	if err != nil {
		return nil, err
	}
	if txn.AccountID != t.account.ID {
		return nil, ErrWrongAccount
	}
	return txn, nil
}

func (t *sqliteTx) SetTransactionStatus(ctx context.Context, id uuid.UUID, status models.TransactionStatus) error {
	if !status.Valid() {
		return ErrInvalidTransaction
	}
	cur, err := t.Transaction(ctx, id)
	if err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, `UPDATE credit_transactions SET status = ? WHERE id = ?`, status, id); err != nil {
		return fmt.Errorf("update transaction status: %w", err)
	}
	if delta := statusDelta(cur.Amount, cur.Status, status); delta != 0 {
		t.account.Balance += delta
		t.dirty = true
	}
	return nil
}

func (t *sqliteTx) Session(ctx context.Context, id uuid.UUID) (*models.BuildSession, error) {
	bs, err := sqliteGetSession(ctx, t.tx, id)
	if err != nil {
		return nil, err
	}
	if bs.AccountID != t.account.ID {
		return nil, ErrWrongAccount
	}
	return bs, nil
}

func (t *sqliteTx) UpdateSession(ctx context.Context, bs *models.BuildSession) error {
	if bs.AccountID != t.account.ID {
		return ErrWrongAccount
	}
	est, err := json.Marshal(bs.Estimate)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `
UPDATE build_sessions SET estimate = ?, reservation_tx_id = ?, status = ?, actual_cost = ?, charged = ?, refunded = ?,
	cancel_requested = ?, failure_reason = ?, started_at = ?, ended_at = ?
WHERE id = ? AND account_id = ?
`, string(est), nullUUID(bs.ReservationTxID), bs.Status, bs.ActualCost, bs.Charged, bs.Refunded,
		bs.CancelRequested, bs.FailureReason, nullMillis(bs.StartedAt), nullMillis(bs.EndedAt), bs.ID, bs.AccountID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// sqliteQuerier is satisfied by *sql.DB and *sql.Tx.
type sqliteQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func sqliteGetAccount(ctx context.Context, q sqliteQuerier, id uuid.UUID) (*models.Account, error) {
	var a models.Account
	var created, updated int64
	err := q.QueryRowContext(ctx, `SELECT id, balance, created_at, updated_at FROM credit_accounts WHERE id = ?`, id).
		Scan(&a.ID, &a.Balance, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	a.CreatedAt = fromMillis(created)
	a.UpdatedAt = fromMillis(updated)
	return &a, nil
}

const sqliteTxnColumns = `id, account_id, kind, amount, balance_before, balance_after, status, build_session_id, detail, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTxn(row rowScanner) (*models.Transaction, error) {
	var (
		t       models.Transaction
		session uuid.NullUUID
		detail  string
		created int64
	)
	if err := row.Scan(&t.ID, &t.AccountID, &t.Kind, &t.Amount, &t.BalanceBefore, &t.BalanceAfter,
		&t.Status, &session, &detail, &created); err != nil {
		return nil, err
	}
	if session.Valid {
		id := session.UUID
		t.BuildSessionID = &id
	}
	if detail != "" {
		if err := json.Unmarshal([]byte(detail), &t.Detail); err != nil {
			return nil, fmt.Errorf("decode transaction %s detail: %w", t.ID, err)
		}
	}
	t.CreatedAt = fromMillis(created)
	return &t, nil
}

func sqliteGetTxn(ctx context.Context, q sqliteQuerier, id uuid.UUID) (*models.Transaction, error) {
	t, err := scanSQLiteTxn(q.QueryRowContext(ctx, `SELECT `+sqliteTxnColumns+` FROM credit_transactions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

const sqliteSessionColumns = `id, account_id, estimate, reservation_tx_id, status, actual_cost, charged, refunded,
	cancel_requested, failure_reason, created_at, started_at, ended_at`

func sqliteGetSession(ctx context.Context, q sqliteQuerier, id uuid.UUID) (*models.BuildSession, error) {
	bs, err := scanSQLiteSession(q.QueryRowContext(ctx, `SELECT `+sqliteSessionColumns+` FROM build_sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return bs, nil
}

func scanSQLiteSession(row rowScanner) (*models.BuildSession, error) {
	var (
		bs             models.BuildSession
		est            string
		reservation    uuid.NullUUID
		created        int64
		started, ended sql.NullInt64
	)
	err := row.Scan(&bs.ID, &bs.AccountID, &est, &reservation, &bs.Status, &bs.ActualCost, &bs.Charged, &bs.Refunded,
		&bs.CancelRequested, &bs.FailureReason, &created, &started, &ended)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(est), &bs.Estimate); err != nil {
		return nil, fmt.Errorf("decode session %s estimate: %w", bs.ID, err)
	}
	if reservation.Valid {
		rid := reservation.UUID
		bs.ReservationTxID = &rid
	}
	bs.CreatedAt = fromMillis(created)
	bs.StartedAt = timePtr(started)
	bs.EndedAt = timePtr(ended)
	return &bs, nil
}

func isSQLiteConstraint(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullUUID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}
