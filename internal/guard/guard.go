// Package guard holds the dead-man's-switch decision logic. Nothing here
// arms a timer: an event's state is a pure function of the persisted row
// and the wall clock, so any reader materializes the same answer.
package guard

import (
	"time"

	"github.com/google/uuid"
	"github.com/sentinyl/backend/internal/store"
)

// Event states. The three non-pending states are terminal.
const (
	StatePending     = "pending"
	StateSafe        = "safe"
	StateBlocked     = "blocked"
	StateAutoBlocked = "auto_blocked"
)

// Status is the computed view of one event served to agents and operators.
type Status struct {
	EventID            uuid.UUID `json:"event_id"`
	AnomalyKind        string    `json:"anomaly_kind"`
	Severity           string    `json:"severity"`
	TargetIP           string    `json:"target_ip,omitempty"`
	State              string    `json:"state"`
	CountdownRemaining int       `json:"countdown_remaining"`
	ShouldBlock        bool      `json:"should_block"`
	OperatorResponse   string    `json:"operator_response"`
}

// EventStatus derives an event's state at a given instant. A recorded
// verdict always wins over countdown expiry, so a late safe verdict still
// stands down an event whose countdown has already lapsed.
func EventStatus(ev *store.GuardEvent, now time.Time) Status {
	st := Status{
		EventID:          ev.ID,
		AnomalyKind:      ev.AnomalyKind,
		Severity:         ev.Severity,
		TargetIP:         ev.TargetIP,
		OperatorResponse: ev.OperatorResponse,
	}

	switch ev.OperatorResponse {
	case store.ResponseSafe:
		st.State = StateSafe
		return st
	case store.ResponseBlock:
		st.State = StateBlocked
		st.ShouldBlock = true
		return st
	}

	remaining := ev.CountdownExpiresAt.Sub(now)
	if remaining <= 0 {
		st.State = StateAutoBlocked
		st.ShouldBlock = true
		return st
	}
	st.State = StatePending
	st.CountdownRemaining = int(remaining.Round(time.Second) / time.Second)
	return st
}

// Terminal reports whether a state accepts no further transitions.
func Terminal(state string) bool {
	return state != StatePending
}
