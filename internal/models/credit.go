package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TransactionKind is the closed set of ledger entry kinds.
type TransactionKind string

const (
	KindBonus       TransactionKind = "bonus"
	KindPurchase    TransactionKind = "purchase"
	KindReservation TransactionKind = "reservation"
	KindSettlement  TransactionKind = "settlement"
	KindRefund      TransactionKind = "refund"
)

func (k TransactionKind) Valid() bool {
	switch k {
	case KindBonus, KindPurchase, KindReservation, KindSettlement, KindRefund:
		return true
	}
	return false
}

func ParseTransactionKind(s string) (TransactionKind, error) {
	k := TransactionKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown transaction kind %q", s)
	}
	return k, nil
}

// TransactionStatus tracks whether an entry still counts toward the balance.
type TransactionStatus string

const (
	TxStatusCompleted TransactionStatus = "completed"
	// TxStatusConsumed marks a reservation closed by its settlement or refund.
	TxStatusConsumed TransactionStatus = "consumed"
	// TxStatusReversed is excluded from the balance; used for manual corrections only.
	TxStatusReversed TransactionStatus = "reversed"
)

func (s TransactionStatus) Valid() bool {
	switch s {
	case TxStatusCompleted, TxStatusConsumed, TxStatusReversed:
		return true
	}
	return false
}

// Posted reports whether the entry's amount is part of the account balance.
func (s TransactionStatus) Posted() bool {
	switch s {
	case TxStatusCompleted, TxStatusConsumed:
		return true
	case TxStatusReversed:
		return false
	}
	return false
}

func ParseTransactionStatus(s string) (TransactionStatus, error) {
	st := TransactionStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown transaction status %q", s)
	}
	return st, nil
}

// RefundReason explains why a refund entry was written.
type RefundReason string

const (
	RefundSurplus   RefundReason = "surplus"
	RefundFailure   RefundReason = "failure"
	RefundCancelled RefundReason = "cancelled"
)

func (r RefundReason) Valid() bool {
	switch r {
	case RefundSurplus, RefundFailure, RefundCancelled:
		return true
	}
	return false
}

// TransactionDetail is the typed sidecar of a transaction. At most the
// field matching the transaction kind is set.
type TransactionDetail struct {
	Bonus       *BonusDetail       `json:"bonus,omitempty"`
	Purchase    *PurchaseDetail    `json:"purchase,omitempty"`
	Reservation *ReservationDetail `json:"reservation,omitempty"`
	Settlement  *SettlementDetail  `json:"settlement,omitempty"`
	Refund      *RefundDetail      `json:"refund,omitempty"`
}

type BonusDetail struct {
	Reason string `json:"reason"`
}

type PurchaseDetail struct {
	PackageID  string `json:"package_id"`
	PaymentRef string `json:"payment_ref,omitempty"`
}

type ReservationDetail struct {
	EstimateTotal int64 `json:"estimate_total"`
	AgentCount    int   `json:"agent_count"`
}

type SettlementDetail struct {
	ReservationID uuid.UUID `json:"reservation_id"`
	Reserved      int64     `json:"reserved"`
	ActualCost    int64     `json:"actual_cost"`
	Charged       int64     `json:"charged"`
	Refunded      int64     `json:"refunded"`
}

type RefundDetail struct {
	ReservationID uuid.UUID    `json:"reservation_id"`
	Reason        RefundReason `json:"reason"`
}

// MatchesKind reports whether the populated sidecar field agrees with k.
func (d TransactionDetail) MatchesKind(k TransactionKind) bool {
	set := 0
	for _, p := range []bool{d.Bonus != nil, d.Purchase != nil, d.Reservation != nil, d.Settlement != nil, d.Refund != nil} {
		if p {
			set++
		}
	}
	if set == 0 {
		return true
	}
	if set > 1 {
		return false
	}
	switch k {
	case KindBonus:
		return d.Bonus != nil
	case KindPurchase:
		return d.Purchase != nil
	case KindReservation:
		return d.Reservation != nil
	case KindSettlement:
		return d.Settlement != nil
	case KindRefund:
		return d.Refund != nil
	}
	return false
}

// Transaction is one append-only ledger entry.
type Transaction struct {
	ID             uuid.UUID         `json:"id"`
	AccountID      uuid.UUID         `json:"account_id"`
	Kind           TransactionKind   `json:"kind"`
	Amount         int64             `json:"amount"`
	BalanceBefore  int64             `json:"balance_before"`
	BalanceAfter   int64             `json:"balance_after"`
	Status         TransactionStatus `json:"status"`
	BuildSessionID *uuid.UUID        `json:"build_session_id,omitempty"`
	Detail         TransactionDetail `json:"detail"`
	CreatedAt      time.Time         `json:"created_at"`
}
