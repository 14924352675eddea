package ledger

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/autowebiq/backend/internal/models"
)

// MemoryStore keeps everything in process memory. Each account has its own
// mutex; the shared maps are guarded by a short-lived RWMutex that is never
// held while a WithAccount callback runs.
type MemoryStore struct {
	locks sync.Map // uuid.UUID -> *sync.Mutex

	mu          sync.RWMutex
	accounts    map[uuid.UUID]*models.Account
	txns        map[uuid.UUID]*models.Transaction
	byAccount   map[uuid.UUID][]uuid.UUID
	sessions    map[uuid.UUID]*models.BuildSession
	invocations map[uuid.UUID][]*models.AgentInvocation

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:    make(map[uuid.UUID]*models.Account),
		txns:        make(map[uuid.UUID]*models.Transaction),
		byAccount:   make(map[uuid.UUID][]uuid.UUID),
		sessions:    make(map[uuid.UUID]*models.BuildSession),
		invocations: make(map[uuid.UUID][]*models.AgentInvocation),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) accountLock(id uuid.UUID) *sync.Mutex {
	l, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	return l.(*sync.Mutex)
}

func (m *MemoryStore) CreateAccount(_ context.Context, id uuid.UUID) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[id]; ok {
		return nil, ErrAccountExists
	}
	now := m.now()
	a := &models.Account{ID: id, CreatedAt: now, UpdatedAt: now}
	m.accounts[id] = a
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) GetAccount(_ context.Context, id uuid.UUID) (*models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) GetBalance(ctx context.Context, id uuid.UUID) (int64, error) {
	a, err := m.GetAccount(ctx, id)
	if err != nil {
		return 0, err
	}
	return a.Balance, nil
}

func (m *MemoryStore) Append(ctx context.Context, txn *models.Transaction) error {
	return m.WithAccount(ctx, txn.AccountID, func(tx Tx) error {
		return tx.Append(ctx, txn)
	})
}

func (m *MemoryStore) ListTransactions(_ context.Context, accountID uuid.UUID, limit int) ([]*models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.accounts[accountID]; !ok {
		return nil, ErrAccountNotFound
	}
	ids := m.byAccount[accountID]
	n := len(ids)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*models.Transaction, 0, n)
	for i := len(ids) - 1; i >= 0 && len(out) < n; i-- {
		cp := *m.txns[ids[i]]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) GetTransaction(_ context.Context, id uuid.UUID) (*models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.txns[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) CreateSession(_ context.Context, s *models.BuildSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[s.AccountID]; !ok {
		return ErrAccountNotFound
	}
	if _, ok := m.sessions[s.ID]; ok {
		return ErrSessionExists
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = m.now()
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id uuid.UUID) (*models.BuildSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) ListOpenSessions(_ context.Context, createdBefore time.Time, limit int) ([]*models.BuildSession, error) {
	m.mu.RLock()
	var out []*models.BuildSession
	for _, s := range m.sessions {
		if s.Status.Terminal() || !s.CreatedAt.Before(createdBefore) {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b *models.BuildSession) int { return a.CreatedAt.Compare(b.CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) SaveInvocation(_ context.Context, inv *models.AgentInvocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[inv.BuildSessionID]; !ok {
		return ErrSessionNotFound
	}
	cp := *inv
	list := m.invocations[inv.BuildSessionID]
	for i, existing := range list {
		if existing.ID == inv.ID {
			list[i] = &cp
			return nil
		}
	}
	m.invocations[inv.BuildSessionID] = append(list, &cp)
	return nil
}

func (m *MemoryStore) ListInvocations(_ context.Context, sessionID uuid.UUID) ([]*models.AgentInvocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.invocations[sessionID]
	out := make([]*models.AgentInvocation, 0, len(list))
	for _, inv := range list {
		cp := *inv
		out = append(out, &cp)
	}
	slices.SortStableFunc(out, func(a, b *models.AgentInvocation) int { return a.Stage - b.Stage })
	return out, nil
}

func (m *MemoryStore) WithAccount(ctx context.Context, accountID uuid.UUID, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	_, ok := m.accounts[accountID]
	m.mu.RUnlock()
	if !ok {
		return ErrAccountNotFound
	}

	l := m.accountLock(accountID)
	l.Lock()
	defer l.Unlock()

	tx := &memTx{
		store:     m,
		accountID: accountID,
		statuses:  make(map[uuid.UUID]models.TransactionStatus),
		sessions:  make(map[uuid.UUID]*models.BuildSession),
	}
	m.mu.RLock()
	acc := *m.accounts[accountID]
	m.mu.RUnlock()
	tx.account = acc

	if err := fn(tx); err != nil {
		return err
	}
	m.commit(tx)
	return nil
}

func (m *MemoryStore) commit(tx *memTx) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, t := range tx.appended {
		m.txns[t.ID] = t
		m.byAccount[tx.accountID] = append(m.byAccount[tx.accountID], t.ID)
	}
	for id, st := range tx.statuses {
		if t, ok := m.txns[id]; ok {
			t.Status = st
		}
	}
	for id, s := range tx.sessions {
		m.sessions[id] = s
	}
	if tx.dirty {
		tx.account.UpdatedAt = now
		acc := tx.account
		m.accounts[tx.accountID] = &acc
	}
}

// memTx stages writes until the WithAccount callback returns.
type memTx struct {
	store     *MemoryStore
	accountID uuid.UUID
	account   models.Account
	dirty     bool

	appended []*models.Transaction
	statuses map[uuid.UUID]models.TransactionStatus
	sessions map[uuid.UUID]*models.BuildSession
}

func (t *memTx) Account(context.Context) (*models.Account, error) {
	cp := t.account
	return &cp, nil
}

func (t *memTx) Balance(context.Context) (int64, error) {
	return t.account.Balance, nil
}

func (t *memTx) Append(_ context.Context, txn *models.Transaction) error {
	if err := prepareAppend(t.accountID, t.account.Balance, txn); err != nil {
		return err
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = t.store.now()
	}
	t.account.Balance = txn.BalanceAfter
	t.dirty = true
	cp := *txn
	t.appended = append(t.appended, &cp)
	return nil
}

func (t *memTx) Transaction(_ context.Context, id uuid.UUID) (*models.Transaction, error) {
	for _, staged := range t.appended {
		if staged.ID == id {
			cp := *staged
			if st, ok := t.statuses[id]; ok {
				cp.Status = st
			}
			return &cp, nil
		}
	}
	t.store.mu.RLock()
	committed, ok := t.store.txns[id]
	var cp models.Transaction
	if ok {
		cp = *committed
	}
	t.store.mu.RUnlock()
	if !ok {
		return nil, ErrTransactionNotFound
	}
	if cp.AccountID != t.accountID {
		return nil, ErrWrongAccount
	}
	if st, ok := t.statuses[id]; ok {
		cp.Status = st
	}
	return &cp, nil
}

func (t *memTx) SetTransactionStatus(ctx context.Context, id uuid.UUID, status models.TransactionStatus) error {
	if !status.Valid() {
		return ErrInvalidTransaction
	}
	cur, err := t.Transaction(ctx, id)
	if err != nil {
		return err
	}
	if delta := statusDelta(cur.Amount, cur.Status, status); delta != 0 {
		t.account.Balance += delta
		t.dirty = true
	}
	for _, staged := range t.appended {
		if staged.ID == id {
			staged.Status = status
			return nil
		}
	}
	t.statuses[id] = status
	return nil
}

func (t *memTx) Session(_ context.Context, id uuid.UUID) (*models.BuildSession, error) {
	if s, ok := t.sessions[id]; ok {
		cp := *s
		return &cp, nil
	}
	t.store.mu.RLock()
	s, ok := t.store.sessions[id]
	var cp models.BuildSession
	if ok {
		cp = *s
	}
	t.store.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	if cp.AccountID != t.accountID {
		return nil, ErrWrongAccount
	}
	return &cp, nil
}

func (t *memTx) UpdateSession(ctx context.Context, s *models.BuildSession) error {
	if s.AccountID != t.accountID {
		return ErrWrongAccount
	}
	if _, err := t.Session(ctx, s.ID); err != nil {
		return err
	}
	cp := *s
	t.sessions[s.ID] = &cp
	return nil
}
