// Package queue is the thin job-transport layer between the ingress and the
// workers. Jobs are JSON blobs on named Redis lists: producers LPUSH, each
// worker BRPOPs its own list, so every job is delivered to exactly one
// consumer in FIFO order.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Queue names. One list per worker kind.
const (
	Typosquat = "queue:typosquat"
	Leak      = "queue:leak"
	Guard     = "queue:guard"
)

// ErrEmpty is returned by Pop when the blocking wait times out with no job.
// Worker loops treat it as "go around again".
type emptyError struct{}

func (emptyError) Error() string { return "queue empty" }

// ErrEmpty signals an empty blocking pop, not a failure.
var ErrEmpty error = emptyError{}

// Queue is the transport the ingress and workers share. Payloads are opaque
// bytes; the packages on either side agree on the JSON shapes below.
type Queue interface {
	// Push appends a job to the named list.
	Push(ctx context.Context, name string, payload []byte) error
	// Pop blocks up to timeout for the next job, returning ErrEmpty when
	// the wait lapses with nothing queued.
	Pop(ctx context.Context, name string, timeout time.Duration) ([]byte, error)
	// Ping reports transport health.
	Ping(ctx context.Context) error
	// Close releases the connection.
	Close() error
}

// ScanTask is the payload for the typosquat and leak lists.
type ScanTask struct {
	JobID    uuid.UUID `json:"job_id"`
	Domain   string    `json:"domain"`
	Keywords []string  `json:"keywords,omitempty"`
}

// GuardTask is the payload for the guard list. It carries everything the
// enrichment worker needs so it never reads the event row back.
type GuardTask struct {
	EventID     uuid.UUID `json:"event_id"`
	AgentID     uuid.UUID `json:"agent_id"`
	Hostname    string    `json:"hostname"`
	AnomalyKind string    `json:"anomaly_kind"`
	Severity    string    `json:"severity"`
	TargetIP    string    `json:"target_ip,omitempty"`
	Country     string    `json:"target_country,omitempty"`
	ProcessName string    `json:"process_name,omitempty"`
	ExpiresAt   time.Time `json:"countdown_expires_at"`
}
