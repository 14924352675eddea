package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Report is the outcome of recomputing an account balance from its log.
type Report struct {
	AccountID  uuid.UUID `json:"account_id"`
	Cached     int64     `json:"cached_balance"`
	Recomputed int64     `json:"recomputed_balance"`
	Entries    int       `json:"entries"`
	// ChainBreaks counts entries whose BalanceBefore does not equal the previous
	// posted entry's BalanceAfter.
	ChainBreaks int `json:"chain_breaks"`
}

func (r Report) OK() bool {
	return r.Cached == r.Recomputed && r.ChainBreaks == 0
}

func (r Report) String() string {
	return fmt.Sprintf("account %s: cached=%d recomputed=%d entries=%d chain_breaks=%d",
		r.AccountID, r.Cached, r.Recomputed, r.Entries, r.ChainBreaks)
}

// Verify recomputes the balance as the sum of posted amounts and checks the
// before/after chain. Entries whose status was later changed to a
// non-posted one are skipped in the chain check.
func Verify(ctx context.Context, store Store, accountID uuid.UUID) (Report, error) {
	acc, err := store.GetAccount(ctx, accountID)
	if err != nil {
		return Report{}, err
	}
	txns, err := store.ListTransactions(ctx, accountID, 0)
	if err != nil {
		return Report{}, err
	}

	rep := Report{AccountID: accountID, Cached: acc.Balance, Entries: len(txns)}
	var prevAfter int64
	// ListTransactions is newest first.
	for i := len(txns) - 1; i >= 0; i-- {
		t := txns[i]
		if !t.Status.Posted() {
			continue
		}
		if t.BalanceBefore != prevAfter {
			rep.ChainBreaks++
		}
		prevAfter = t.BalanceAfter
		rep.Recomputed += t.Amount
	}
	return rep, nil
}
