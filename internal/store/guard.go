package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UpsertGuardAgent registers a host on its first alert and refreshes the
// heartbeat, IP and OS info on every subsequent one. Ownership is fixed at
// first sight; a different user re-using an agent id gets ErrConflict.
func (s *Store) UpsertGuardAgent(ctx context.Context, a *GuardAgent) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO guard_agents (id, user_id, hostname, last_ip, os_info,
			last_heartbeat, active, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), TRUE, NOW())
		ON CONFLICT (id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			last_ip = EXCLUDED.last_ip,
			os_info = EXCLUDED.os_info,
			last_heartbeat = NOW(),
			active = TRUE
		WHERE guard_agents.user_id = EXCLUDED.user_id
		RETURNING user_id, created_at`,
		a.ID, a.UserID, a.Hostname, a.LastIP, a.OSInfo,
	).Scan(&a.UserID, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("upsert guard agent: %w", err)
	}
	return nil
}

// CountActiveAgents counts a user's distinct live hosts for quota checks.
// A host is live if it has reported within the last hour.
func (s *Store) CountActiveAgents(ctx context.Context, userID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM guard_agents
		WHERE user_id = $1 AND active = TRUE
		  AND last_heartbeat > NOW() - INTERVAL '1 hour'`, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active agents: %w", err)
	}
	return n, nil
}

// AgentOwner returns the user that owns an agent.
func (s *Store) AgentOwner(ctx context.Context, agentID uuid.UUID) (uuid.UUID, error) {
	var userID uuid.UUID
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM guard_agents WHERE id = $1`, agentID,
	).Scan(&userID)
	if err == sql.ErrNoRows {
		return uuid.Nil, ErrNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("agent owner: %w", err)
	}
	return userID, nil
}

// CreateGuardEvent records an anomaly and starts its countdown. The expiry
// is fixed at creation and never moves afterwards.
func (s *Store) CreateGuardEvent(ctx context.Context, ev *GuardEvent, now time.Time) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	ev.CountdownStartedAt = now
	ev.CountdownExpiresAt = now.Add(CountdownDuration)
	ev.OperatorResponse = ResponseNone
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO guard_events (id, agent_id, anomaly_kind, severity,
			target_ip, target_country, process_name, details,
			countdown_started_at, countdown_expires_at,
			operator_response, blocked, acknowledged, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'none', FALSE, FALSE, NOW())`,
		ev.ID, ev.AgentID, ev.AnomalyKind, ev.Severity,
		ev.TargetIP, ev.TargetCountry, ev.ProcessName, ev.Details,
		ev.CountdownStartedAt, ev.CountdownExpiresAt)
	if err != nil {
		return fmt.Errorf("create guard event: %w", err)
	}
	return nil
}

// GetGuardEvent loads a single event.
func (s *Store) GetGuardEvent(ctx context.Context, id uuid.UUID) (*GuardEvent, error) {
	ev := &GuardEvent{}
	var respondedAt sql.NullTime
	var operatorUser sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, anomaly_kind, severity, target_ip, target_country,
		       process_name, details, countdown_started_at, countdown_expires_at,
		       operator_response, operator_user, responded_at,
		       blocked, acknowledged, created_at
		FROM guard_events WHERE id = $1`, id,
	).Scan(&ev.ID, &ev.AgentID, &ev.AnomalyKind, &ev.Severity,
		&ev.TargetIP, &ev.TargetCountry, &ev.ProcessName, &ev.Details,
		&ev.CountdownStartedAt, &ev.CountdownExpiresAt,
		&ev.OperatorResponse, &operatorUser, &respondedAt,
		&ev.Blocked, &ev.Acknowledged, &ev.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get guard event: %w", err)
	}
	ev.OperatorUser = operatorUser.String
	if respondedAt.Valid {
		ev.RespondedAt = &respondedAt.Time
	}
	return ev, nil
}

// RecordVerdict stores the operator's decision on an event. The first
// verdict wins permanently: the same verdict again is a no-op, a differing
// one returns ErrConflict. A safe verdict also disarms an event the poll
// had already auto-armed, because a verdict always beats countdown expiry.
func (s *Store) RecordVerdict(ctx context.Context, id uuid.UUID, verdict, operator string) (*GuardEvent, error) {
	if verdict != ResponseSafe && verdict != ResponseBlock {
		return nil, fmt.Errorf("unknown verdict %q", verdict)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE guard_events
		SET operator_response = $2,
		    operator_user = $3,
		    responded_at = COALESCE(responded_at, NOW()),
		    blocked = ($2 = 'block')
		WHERE id = $1 AND operator_response IN ('none', $2)`,
		id, verdict, operator)
	if err != nil {
		return nil, fmt.Errorf("record verdict: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Either the event is missing or a different verdict is on file.
		if _, err := s.GetGuardEvent(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrConflict
	}
	return s.GetGuardEvent(ctx, id)
}

// PollAgentEvents is the status-check read path. It first arms any event
// whose countdown has lapsed with no verdict, persisting blocked=TRUE, then
// returns the agent's unacknowledged events. Events that have reached a
// final outcome are marked acknowledged on the way out so the agent sees
// each instruction exactly once.
func (s *Store) PollAgentEvents(ctx context.Context, agentID uuid.UUID, now time.Time) ([]GuardEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin poll tx: %w", err)
	}
	defer tx.Rollback()

	// Lazy expiry: no background timer fires, the read materializes it.
	if _, err := tx.ExecContext(ctx, `
		UPDATE guard_events
		SET blocked = TRUE
		WHERE agent_id = $1 AND operator_response = 'none'
		  AND blocked = FALSE AND countdown_expires_at <= $2`,
		agentID, now); err != nil {
		return nil, fmt.Errorf("arm expired events: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, agent_id, anomaly_kind, severity, target_ip, target_country,
		       process_name, details, countdown_started_at, countdown_expires_at,
		       operator_response, operator_user, responded_at,
		       blocked, acknowledged, created_at
		FROM guard_events
		WHERE agent_id = $1 AND acknowledged = FALSE
		ORDER BY created_at ASC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("poll guard events: %w", err)
	}

	var out []GuardEvent
	var settled []uuid.UUID
	for rows.Next() {
		var ev GuardEvent
		var respondedAt sql.NullTime
		var operatorUser sql.NullString
		if err := rows.Scan(&ev.ID, &ev.AgentID, &ev.AnomalyKind, &ev.Severity,
			&ev.TargetIP, &ev.TargetCountry, &ev.ProcessName, &ev.Details,
			&ev.CountdownStartedAt, &ev.CountdownExpiresAt,
			&ev.OperatorResponse, &operatorUser, &respondedAt,
			&ev.Blocked, &ev.Acknowledged, &ev.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan guard event: %w", err)
		}
		ev.OperatorUser = operatorUser.String
		if respondedAt.Valid {
			ev.RespondedAt = &respondedAt.Time
		}
		out = append(out, ev)
		if ev.Blocked || ev.OperatorResponse == ResponseSafe {
			settled = append(settled, ev.ID)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range settled {
		if _, err := tx.ExecContext(ctx,
			`UPDATE guard_events SET acknowledged = TRUE WHERE id = $1`, id); err != nil {
			return nil, fmt.Errorf("acknowledge event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit poll tx: %w", err)
	}
	return out, nil
}
