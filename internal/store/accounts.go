package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateUser inserts an account. Duplicate emails return ErrConflict.
func (s *Store) CreateUser(ctx context.Context, email, name string) (*User, error) {
	u := &User{}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, email, name, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (email) DO NOTHING
		RETURNING id, email, name, created_at`,
		uuid.New(), email, name,
	).Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

// GetUser loads an account by id.
func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	u := &User{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, created_at FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// --- api keys ---

// InsertAPIKey stores a hashed credential.
func (s *Store) InsertAPIKey(ctx context.Context, k *APIKey) error {
	if k.ID == uuid.Nil {
		k.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, user_id, key_hash, key_prefix, name, revoked, created_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, NOW())`,
		k.ID, k.UserID, k.KeyHash, k.KeyPrefix, k.Name)
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// FindKeysByPrefix returns unrevoked candidates for a presented key. The
// 8-char prefix narrows the bcrypt comparisons to a handful of rows.
func (s *Store) FindKeysByPrefix(ctx context.Context, prefix string) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, key_hash, key_prefix, name, revoked, last_used_at, created_at
		FROM api_keys
		WHERE key_prefix = $1 AND revoked = FALSE`, prefix)
	if err != nil {
		return nil, fmt.Errorf("find keys by prefix: %w", err)
	}
	defer rows.Close()
	return scanAPIKeys(rows)
}

// ListAPIKeys returns a user's keys, including revoked ones.
func (s *Store) ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, key_hash, key_prefix, name, revoked, last_used_at, created_at
		FROM api_keys
		WHERE user_id = $1
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()
	return scanAPIKeys(rows)
}

func scanAPIKeys(rows *sql.Rows) ([]APIKey, error) {
	var out []APIKey
	for rows.Next() {
		var k APIKey
		var lastUsed sql.NullTime
		if err := rows.Scan(&k.ID, &k.UserID, &k.KeyHash, &k.KeyPrefix,
			&k.Name, &k.Revoked, &lastUsed, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		if lastUsed.Valid {
			k.LastUsedAt = &lastUsed.Time
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// RevokeAPIKey disables a key owned by the caller.
func (s *Store) RevokeAPIKey(ctx context.Context, userID, keyID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET revoked = TRUE WHERE id = $1 AND user_id = $2`,
		keyID, userID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchAPIKey records last use. Best effort; callers ignore the error.
func (s *Store) TouchAPIKey(ctx context.Context, keyID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, keyID)
	return err
}

// --- subscriptions ---

// CreateSubscription starts a user on a tier with fresh counters and a
// 30-day billing cycle.
func (s *Store) CreateSubscription(ctx context.Context, userID uuid.UUID, tier string, scanQuota, agentQuota int) (*Subscription, error) {
	sub := &Subscription{}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO subscriptions (id, user_id, tier, status, scan_quota,
			agent_quota, scan_used, agent_used, cycle_start, cycle_end)
		VALUES ($1, $2, $3, 'active', $4, $5, 0, 0, NOW(), NOW() + INTERVAL '30 days')
		RETURNING id, user_id, tier, status, scan_quota, agent_quota,
		          scan_used, agent_used, cycle_start, cycle_end`,
		uuid.New(), userID, tier, scanQuota, agentQuota,
	).Scan(&sub.ID, &sub.UserID, &sub.Tier, &sub.Status,
		&sub.ScanQuota, &sub.AgentQuota, &sub.ScanUsed, &sub.AgentUsed,
		&sub.CycleStart, &sub.CycleEnd)
	if err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	return sub, nil
}

// GetSubscription loads a user's subscription, rolling the billing cycle
// forward first if it has lapsed. The roll resets both usage counters.
func (s *Store) GetSubscription(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET scan_used = 0, agent_used = 0,
		    cycle_start = NOW(), cycle_end = NOW() + INTERVAL '30 days'
		WHERE user_id = $1 AND cycle_end < NOW()`, userID); err != nil {
		return nil, fmt.Errorf("reset quota cycle: %w", err)
	}

	sub := &Subscription{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, tier, status, scan_quota, agent_quota,
		       scan_used, agent_used, cycle_start, cycle_end
		FROM subscriptions WHERE user_id = $1`, userID,
	).Scan(&sub.ID, &sub.UserID, &sub.Tier, &sub.Status,
		&sub.ScanQuota, &sub.AgentQuota, &sub.ScanUsed, &sub.AgentUsed,
		&sub.CycleStart, &sub.CycleEnd)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

// ConsumeScanQuota atomically claims one scan from the cycle budget. The
// guard in the WHERE clause makes concurrent submissions race safely: the
// row only updates while headroom remains, so exactly quota increments can
// ever succeed. Quota 0 means unlimited.
func (s *Store) ConsumeScanQuota(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	sub := &Subscription{}
	err := s.db.QueryRowContext(ctx, `
		UPDATE subscriptions
		SET scan_used = scan_used + 1
		WHERE user_id = $1
		  AND (scan_quota = 0 OR scan_used < scan_quota)
		RETURNING id, user_id, tier, status, scan_quota, agent_quota,
		          scan_used, agent_used, cycle_start, cycle_end`, userID,
	).Scan(&sub.ID, &sub.UserID, &sub.Tier, &sub.Status,
		&sub.ScanQuota, &sub.AgentQuota, &sub.ScanUsed, &sub.AgentUsed,
		&sub.CycleStart, &sub.CycleEnd)
	if err == sql.ErrNoRows {
		// No headroom or no subscription at all; disambiguate for the caller.
		if _, gerr := s.GetSubscription(ctx, userID); gerr != nil {
			return nil, gerr
		}
		return nil, ErrQuotaExceeded
	}
	if err != nil {
		return nil, fmt.Errorf("consume scan quota: %w", err)
	}
	return sub, nil
}

// UpdateSubscriptionTier applies a billing change from the payment webhook.
// New quotas take effect immediately; usage counters carry over within the
// current cycle.
func (s *Store) UpdateSubscriptionTier(ctx context.Context, userID uuid.UUID, tier string, scanQuota, agentQuota int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET tier = $2, scan_quota = $3, agent_quota = $4, status = 'active'
		WHERE user_id = $1`, userID, tier, scanQuota, agentQuota)
	if err != nil {
		return fmt.Errorf("update subscription tier: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSubscriptionStatus flags payment state changes (past_due, canceled).
func (s *Store) SetSubscriptionStatus(ctx context.Context, userID uuid.UUID, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET status = $2 WHERE user_id = $1`, userID, status)
	if err != nil {
		return fmt.Errorf("set subscription status: %w", err)
	}
	return nil
}

// ExpiresAt reports when the current cycle's quota resets.
func (sub *Subscription) ExpiresAt() time.Time { return sub.CycleEnd }
