package models

import "testing"

func TestBuildStatusTransitions(t *testing.T) {
	allowed := map[BuildStatus][]BuildStatus{
		BuildCreated:  {BuildReserved, BuildRefunded},
		BuildReserved: {BuildRunning, BuildRefunded},
		BuildRunning:  {BuildSettling, BuildFailed, BuildRefunded},
		BuildSettling: {BuildCompleted, BuildFailed, BuildRefunded},
		BuildFailed:   {BuildRefunded},
	}
	all := []BuildStatus{BuildCreated, BuildReserved, BuildRunning, BuildSettling, BuildCompleted, BuildFailed, BuildRefunded}

	for _, from := range all {
		want := map[BuildStatus]bool{}
		for _, to := range allowed[from] {
			want[to] = true
		}
		for _, to := range all {
			if got := from.CanTransition(to); got != want[to] {
				t.Errorf("%s -> %s: got %v, want %v", from, to, got, want[to])
			}
		}
	}

	if !BuildCompleted.Terminal() || !BuildRefunded.Terminal() {
		t.Error("completed and refunded must be terminal")
	}
	if BuildFailed.Terminal() {
		t.Error("failed is not terminal; it still owes a refund")
	}
}

func TestTransactionStatusPosted(t *testing.T) {
	if !TxStatusCompleted.Posted() || !TxStatusConsumed.Posted() {
		t.Error("completed and consumed entries count toward the balance")
	}
	if TxStatusReversed.Posted() {
		t.Error("reversed entries must not count toward the balance")
	}
}

func TestParseEnums(t *testing.T) {
	if _, err := ParseAgentType("teleportation"); err == nil {
		t.Error("expected error for unknown agent type")
	}
	if m, err := ParseModel("gpt-4o"); err != nil || m != ModelGPT4o {
		t.Errorf("ParseModel: got %q, %v", m, err)
	}
	if _, err := ParseTransactionKind("deduction"); err == nil {
		t.Error("expected error for unknown transaction kind")
	}
	if _, err := ParseBuildStatus("paused"); err == nil {
		t.Error("expected error for unknown build status")
	}
}

func TestTransactionDetailMatchesKind(t *testing.T) {
	d := TransactionDetail{Refund: &RefundDetail{Reason: RefundFailure}}
	if !d.MatchesKind(KindRefund) {
		t.Error("refund sidecar should match refund kind")
	}
	if d.MatchesKind(KindPurchase) {
		t.Error("refund sidecar should not match purchase kind")
	}
	if !(TransactionDetail{}).MatchesKind(KindBonus) {
		t.Error("empty sidecar matches any kind")
	}
	both := TransactionDetail{Bonus: &BonusDetail{}, Purchase: &PurchaseDetail{}}
	if both.MatchesKind(KindBonus) {
		t.Error("two sidecars never match")
	}
}
