package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BuildStatus is the state of a build session.
type BuildStatus string

const (
	BuildCreated   BuildStatus = "created"
	BuildReserved  BuildStatus = "reserved"
	BuildRunning   BuildStatus = "running"
	BuildSettling  BuildStatus = "settling"
	BuildCompleted BuildStatus = "completed"
	BuildFailed    BuildStatus = "failed"
	BuildRefunded  BuildStatus = "refunded"
)

func (s BuildStatus) Valid() bool {
	switch s {
	case BuildCreated, BuildReserved, BuildRunning, BuildSettling, BuildCompleted, BuildFailed, BuildRefunded:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed.
func (s BuildStatus) Terminal() bool {
	switch s {
	case BuildCompleted, BuildRefunded:
		return true
	case BuildCreated, BuildReserved, BuildRunning, BuildSettling, BuildFailed:
		return false
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the build state machine.
func (s BuildStatus) CanTransition(to BuildStatus) bool {
	switch s {
	case BuildCreated:
		return to == BuildReserved || to == BuildRefunded
	case BuildReserved:
		return to == BuildRunning || to == BuildRefunded
	case BuildRunning:
		return to == BuildSettling || to == BuildFailed || to == BuildRefunded
	case BuildSettling:
		return to == BuildCompleted || to == BuildFailed || to == BuildRefunded
	case BuildFailed:
		return to == BuildRefunded
	case BuildCompleted, BuildRefunded:
		return false
	}
	return false
}

func ParseBuildStatus(s string) (BuildStatus, error) {
	st := BuildStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown build status %q", s)
	}
	return st, nil
}

// AgentCost is one line of an estimate breakdown.
type AgentCost struct {
	Agent         AgentType `json:"agent_type"`
	Model         Model     `json:"model"`
	Base          int64     `json:"base"`
	MultiplierPct int64     `json:"multiplier_pct"`
	Surcharge     int64     `json:"surcharge"`
	Cost          int64     `json:"cost"`
}

type Estimate struct {
	Total      int64       `json:"total"`
	RawTotal   int64       `json:"raw_total"`
	Discounted bool        `json:"discounted"`
	Breakdown  []AgentCost `json:"breakdown"`
}

// BuildSession is one end-to-end run of the agent pipeline and the unit
// a reservation is tied to.
type BuildSession struct {
	ID              uuid.UUID   `json:"id"`
	AccountID       uuid.UUID   `json:"account_id"`
	Estimate        Estimate    `json:"estimate"`
	ReservationTxID *uuid.UUID  `json:"reservation_transaction_id,omitempty"`
	Status          BuildStatus `json:"status"`
	ActualCost      int64       `json:"actual_cost"`
	Charged         int64       `json:"charged"`
	Refunded        int64       `json:"refunded"`
	CancelRequested bool        `json:"cancel_requested"`
	FailureReason   string      `json:"failure_reason,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	EndedAt         *time.Time  `json:"ended_at,omitempty"`
}
