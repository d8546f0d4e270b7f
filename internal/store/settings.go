// ABOUTME: Per-tenant settings persistence, currently the idle-release override
// ABOUTME: A stored zero disables idle release for that tenant

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetIdleReleaseOverride returns the tenant's idle-release threshold if one is set.
func (s *SQLiteStore) GetIdleReleaseOverride(ctx context.Context, guildID string) (time.Duration, bool, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx,
		`SELECT idle_release_ms FROM guild_settings WHERE guild_id = ?`, guildID,
	).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("querying guild settings: %w", err)
	}
	return time.Duration(ms) * time.Millisecond, true, nil
}

// SetIdleReleaseOverride stores the tenant's idle-release threshold.
func (s *SQLiteStore) SetIdleReleaseOverride(ctx context.Context, guildID string, d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("idle release override must not be negative")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO guild_settings (guild_id, idle_release_ms, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(guild_id) DO UPDATE SET
			idle_release_ms = excluded.idle_release_ms,
			updated_at = excluded.updated_at
	`, guildID, d.Milliseconds(), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("upserting guild settings: %w", err)
	}
	return nil
}

// ClearIdleReleaseOverride removes the tenant's override. Missing rows are fine.
func (s *SQLiteStore) ClearIdleReleaseOverride(ctx context.Context, guildID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM guild_settings WHERE guild_id = ?`, guildID); err != nil {
		return fmt.Errorf("deleting guild settings: %w", err)
	}
	return nil
}
