package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// maxSnippetBytes caps the stored excerpt of a leaked file. The API layer
// truncates further before serving.
const maxSnippetBytes = 500

// Store wraps a Postgres handle. All methods are safe for concurrent use;
// the underlying *sql.DB pools connections.
type Store struct {
	db *sql.DB
}

// New opens a Postgres connection pool and verifies it with a ping.
func New(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle. Used by tests.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports backing-store health for the /health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- domains ---

// GetOrCreateDomain returns the caller's record for a domain name, creating
// it on first submission. Re-submitting reactivates a soft-deleted domain
// and refreshes its priority.
func (s *Store) GetOrCreateDomain(ctx context.Context, userID uuid.UUID, name, priority string) (*Domain, error) {
	d := &Domain{}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO domains (id, user_id, name, priority, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, TRUE, NOW(), NOW())
		ON CONFLICT (user_id, name)
		DO UPDATE SET priority = EXCLUDED.priority, active = TRUE, updated_at = NOW()
		RETURNING id, user_id, name, priority, active, created_at, updated_at`,
		uuid.New(), userID, name, priority,
	).Scan(&d.ID, &d.UserID, &d.Name, &d.Priority, &d.Active, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert domain: %w", err)
	}
	return d, nil
}

// ListDomains returns the caller's active domains, newest first.
func (s *Store) ListDomains(ctx context.Context, userID uuid.UUID) ([]Domain, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, priority, active, created_at, updated_at
		FROM domains
		WHERE user_id = $1 AND active = TRUE
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	defer rows.Close()

	var out []Domain
	for rows.Next() {
		var d Domain
		if err := rows.Scan(&d.ID, &d.UserID, &d.Name, &d.Priority, &d.Active, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan domain: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- scan jobs ---

// CreateScanJob inserts a pending job for a domain.
func (s *Store) CreateScanJob(ctx context.Context, domainID uuid.UUID, kind string) (*ScanJob, error) {
	j := &ScanJob{}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO scan_jobs (id, domain_id, kind, status, created_at)
		VALUES ($1, $2, $3, 'pending', NOW())
		RETURNING id, domain_id, kind, status, created_at`,
		uuid.New(), domainID, kind,
	).Scan(&j.ID, &j.DomainID, &j.Kind, &j.Status, &j.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create scan job: %w", err)
	}
	return j, nil
}

// GetScanJob loads a job with its domain name.
func (s *Store) GetScanJob(ctx context.Context, id uuid.UUID) (*ScanJob, error) {
	j := &ScanJob{}
	var startedAt, completedAt sql.NullTime
	var jobErr sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT j.id, j.domain_id, d.user_id, d.name, j.kind, j.status,
		       j.started_at, j.completed_at, j.error, j.created_at
		FROM scan_jobs j
		JOIN domains d ON d.id = j.domain_id
		WHERE j.id = $1`, id,
	).Scan(&j.ID, &j.DomainID, &j.OwnerID, &j.DomainName, &j.Kind, &j.Status,
		&startedAt, &completedAt, &jobErr, &j.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scan job: %w", err)
	}
	if startedAt.Valid {
		j.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.Time
	}
	j.Error = jobErr.String
	return j, nil
}

// MarkJobProcessing moves a pending job to processing. Any other starting
// state is rejected so a terminal job can never be revived.
func (s *Store) MarkJobProcessing(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scan_jobs
		SET status = 'processing', started_at = NOW()
		WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return fmt.Errorf("mark job processing: %w", err)
	}
	return checkTransition(res)
}

// MarkJobCompleted finalizes a job. Only non-terminal jobs qualify.
func (s *Store) MarkJobCompleted(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scan_jobs
		SET status = 'completed', completed_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'processing')`, id)
	if err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}
	return checkTransition(res)
}

// MarkJobFailed finalizes a job with an error message.
func (s *Store) MarkJobFailed(ctx context.Context, id uuid.UUID, msg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scan_jobs
		SET status = 'failed', completed_at = NOW(), error = $2
		WHERE id = $1 AND status IN ('pending', 'processing')`, id, msg)
	if err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	return checkTransition(res)
}

func checkTransition(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// --- threats ---

// InsertThreat records one resolved typosquat variant for a job.
func (s *Store) InsertThreat(ctx context.Context, t *Threat) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO threats (id, job_id, original_domain, malicious_domain,
			threat_kind, severity, ip_address, nameservers, whois_data,
			active, verified, notified, discovered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, TRUE, FALSE, $10, NOW())`,
		t.ID, t.JobID, t.OriginalDomain, t.MaliciousDomain,
		t.ThreatKind, t.Severity, t.IPAddress, pq.Array(t.Nameservers),
		t.WhoisData, t.Notified)
	if err != nil {
		return fmt.Errorf("insert threat: %w", err)
	}
	return nil
}

// ListThreatsByJob returns a job's threats ordered by discovery time.
func (s *Store) ListThreatsByJob(ctx context.Context, jobID uuid.UUID) ([]Threat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, original_domain, malicious_domain, threat_kind,
		       severity, ip_address, nameservers, whois_data,
		       active, verified, notified, discovered_at
		FROM threats
		WHERE job_id = $1
		ORDER BY discovered_at ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list threats: %w", err)
	}
	defer rows.Close()

	var out []Threat
	for rows.Next() {
		var t Threat
		if err := rows.Scan(&t.ID, &t.JobID, &t.OriginalDomain, &t.MaliciousDomain,
			&t.ThreatKind, &t.Severity, &t.IPAddress, pq.Array(&t.Nameservers),
			&t.WhoisData, &t.Active, &t.Verified, &t.Notified, &t.DiscoveredAt); err != nil {
			return nil, fmt.Errorf("scan threat: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- leaks ---

// InsertLeak records one code-search exposure. The snippet is truncated to
// the storage cap before it ever touches the database.
func (s *Store) InsertLeak(ctx context.Context, l *Leak) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	snippet := l.Snippet
	if len(snippet) > maxSnippetBytes {
		snippet = snippet[:maxSnippetBytes]
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO leaks (id, job_id, domain, repo_url, repo_name, file_path,
			snippet, leak_kind, severity, public, notified, discovered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())`,
		l.ID, l.JobID, l.Domain, l.RepoURL, l.RepoName, l.FilePath,
		snippet, l.LeakKind, l.Severity, l.Public, l.Notified)
	if err != nil {
		return fmt.Errorf("insert leak: %w", err)
	}
	return nil
}

// ListLeaksByJob returns a job's leaks ordered by discovery time.
func (s *Store) ListLeaksByJob(ctx context.Context, jobID uuid.UUID) ([]Leak, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, domain, repo_url, repo_name, file_path,
		       snippet, leak_kind, severity, public, notified, discovered_at
		FROM leaks
		WHERE job_id = $1
		ORDER BY discovered_at ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list leaks: %w", err)
	}
	defer rows.Close()

	var out []Leak
	for rows.Next() {
		var l Leak
		if err := rows.Scan(&l.ID, &l.JobID, &l.Domain, &l.RepoURL, &l.RepoName,
			&l.FilePath, &l.Snippet, &l.LeakKind, &l.Severity,
			&l.Public, &l.Notified, &l.DiscoveredAt); err != nil {
			return nil, fmt.Errorf("scan leak: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// --- stats ---

// GetStats aggregates the platform counters for the dashboard.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM domains WHERE active = TRUE),
			(SELECT COUNT(*) FROM scan_jobs),
			(SELECT COUNT(*) FROM scan_jobs WHERE status IN ('pending', 'processing')),
			(SELECT COUNT(*) FROM threats WHERE active = TRUE),
			(SELECT COUNT(*) FROM leaks),
			(SELECT COUNT(*) FROM threats WHERE notified = FALSE AND active = TRUE)`,
	).Scan(&st.TotalDomains, &st.TotalScans, &st.PendingScans,
		&st.ActiveThreats, &st.TotalLeaks, &st.UnnotifiedThreats)
	if err != nil {
		return nil, fmt.Errorf("get stats: %w", err)
	}
	return st, nil
}
