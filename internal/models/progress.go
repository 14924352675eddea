package models

import (
	"time"

	"github.com/google/uuid"
)

// EventType is the wire "type" of a progress event.
type EventType string

const (
	EventAgentMessage  EventType = "agent_message"
	EventHeartbeat     EventType = "heartbeat"
	EventBuildComplete EventType = "build_complete"
	EventBuildError    EventType = "build_error"
)

// Terminal reports whether the event closes the session's stream.
func (t EventType) Terminal() bool {
	switch t {
	case EventBuildComplete, EventBuildError:
		return true
	case EventAgentMessage, EventHeartbeat:
		return false
	}
	return false
}

// ProgressEvent is one ordered status update for a build session.
type ProgressEvent struct {
	Type           EventType `json:"type"`
	BuildSessionID uuid.UUID `json:"build_session_id"`
	AgentType      AgentType `json:"agent_type,omitempty"`
	Status         string    `json:"status"`
	Message        string    `json:"message,omitempty"`
	Progress       int       `json:"progress"`
	Sequence       uint64    `json:"sequence"`
	Timestamp      time.Time `json:"timestamp"`

	// Credit fields are set on terminal events only.
	Charged  *int64 `json:"charged,omitempty"`
	Refunded *int64 `json:"refunded,omitempty"`
	Balance  *int64 `json:"balance,omitempty"`
}
