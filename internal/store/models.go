// Package store is the persistence layer for the Sentinyl control plane.
//
// It wraps database/sql with lib/pq and exposes the operations the ingress
// and the workers need. Status transitions on scan jobs are enforced in SQL
// so concurrent writers cannot move a job backwards.
package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Scan job lifecycle. Progression is monotonic:
// pending -> processing -> {completed | failed}.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// Scan kinds, also the queue name suffixes.
const (
	ScanTyposquat = "typosquat"
	ScanLeak      = "leak"
)

// Operator verdicts on a guard event.
const (
	ResponseNone  = "none"
	ResponseSafe  = "safe"
	ResponseBlock = "block"
)

// CountdownDuration is the dead-man's-switch window. Fixed at event
// creation and never mutated.
const CountdownDuration = 300 * time.Second

// Domain is a monitored customer domain. Soft-deleted via Active=false.
type Domain struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Name      string
	Priority  string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ScanJob tracks one queued detection run.
type ScanJob struct {
	ID          uuid.UUID
	DomainID    uuid.UUID
	OwnerID     uuid.UUID
	DomainName  string
	Kind        string
	Status      string
	StartedAt   *time.Time
	CompletedAt *time.Time
	Error       string
	CreatedAt   time.Time
}

// Threat is a resolved typosquat finding attached to a scan job.
type Threat struct {
	ID              uuid.UUID
	JobID           uuid.UUID
	OriginalDomain  string
	MaliciousDomain string
	ThreatKind      string
	Severity        string
	IPAddress       string
	Nameservers     []string
	WhoisData       string
	Active          bool
	Verified        bool
	Notified        bool
	DiscoveredAt    time.Time
	VerifiedAt      *time.Time
	ResolvedAt      *time.Time
}

// Leak is a credential-exposure finding from public code search.
type Leak struct {
	ID           uuid.UUID
	JobID        uuid.UUID
	Domain       string
	RepoURL      string
	RepoName     string
	FilePath     string
	Snippet      string
	LeakKind     string
	Severity     string
	Public       bool
	Notified     bool
	DiscoveredAt time.Time
}

// GuardAgent is a monitored host, created lazily on its first alert.
type GuardAgent struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	Hostname      string
	LastIP        string
	OSInfo        string
	LastHeartbeat time.Time
	Active        bool
	CreatedAt     time.Time
}

// GuardEvent is one anomaly with its dead-man's-switch countdown.
type GuardEvent struct {
	ID                 uuid.UUID
	AgentID            uuid.UUID
	AnomalyKind        string
	Severity           string
	TargetIP           string
	TargetCountry      string
	ProcessName        string
	Details            json.RawMessage
	CountdownStartedAt time.Time
	CountdownExpiresAt time.Time
	OperatorResponse   string
	OperatorUser       string
	RespondedAt        *time.Time
	Blocked            bool
	Acknowledged       bool
	CreatedAt          time.Time
}

// User is an account holder.
type User struct {
	ID        uuid.UUID
	Email     string
	Name      string
	CreatedAt time.Time
}

// APIKey is a bcrypt-hashed bearer credential. The plaintext is shown once
// at creation and never stored.
type APIKey struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	KeyHash    string
	KeyPrefix  string
	Name       string
	Revoked    bool
	LastUsedAt *time.Time
	CreatedAt  time.Time
}

// Subscription carries the per-tier quotas. Quota 0 means unlimited.
type Subscription struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	Tier       string
	Status     string
	ScanQuota  int
	AgentQuota int
	ScanUsed   int
	AgentUsed  int
	CycleStart time.Time
	CycleEnd   time.Time
}

// Stats is the platform-wide counter snapshot served by /stats.
type Stats struct {
	TotalDomains      int `json:"total_domains"`
	TotalScans        int `json:"total_scans"`
	PendingScans      int `json:"pending_scans"`
	ActiveThreats     int `json:"active_threats"`
	TotalLeaks        int `json:"total_leaks"`
	UnnotifiedThreats int `json:"unnotified_threats"`
}
