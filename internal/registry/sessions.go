package registry

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/elraffme/oloo-live/internal/models"
)

const sessionColumns = `id, host_id, title, status, current_viewers, total_likes, is_private, join_code_hash, started_at, last_activity_at, archive_url, created_at, updated_at`

// Sessions handles stream_sessions persistence.
type Sessions struct {
	pool *pgxpool.Pool
}

// NewSessions creates a stream session repository.
func NewSessions(pool *pgxpool.Pool) *Sessions {
	return &Sessions{pool: pool}
}

func scanSession(row pgx.Row) (*models.StreamSession, error) {
	var s models.StreamSession
	err := row.Scan(&s.ID, &s.HostID, &s.Title, &s.Status, &s.CurrentViewerCount, &s.TotalLikes,
		&s.IsPrivate, &s.JoinCodeHash, &s.StartedAt, &s.LastActivityAt, &s.ArchiveURL, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Create inserts a new session in status pending.
func (r *Sessions) Create(ctx context.Context, hostID uuid.UUID, title string, isPrivate bool, joinCodeHash *string) (*models.StreamSession, error) {
	q := `INSERT INTO stream_sessions (id, host_id, title, status, current_viewers, total_likes, is_private, join_code_hash, last_activity_at)
		VALUES (gen_random_uuid(), $1, $2, 'pending', 0, 0, $3, $4, NOW())
		RETURNING ` + sessionColumns
	return scanSession(r.pool.QueryRow(ctx, q, hostID, title, isPrivate, joinCodeHash))
}

// GetByID returns a session or nil when not found.
func (r *Sessions) GetByID(ctx context.Context, id uuid.UUID) (*models.StreamSession, error) {
	q := `SELECT ` + sessionColumns + ` FROM stream_sessions WHERE id = $1`
	s, err := scanSession(r.pool.QueryRow(ctx, q, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return s, err
}

// FindActiveByHost returns the host's session in status waiting or live, or nil.
func (r *Sessions) FindActiveByHost(ctx context.Context, hostID uuid.UUID) (*models.StreamSession, error) {
	q := `SELECT ` + sessionColumns + ` FROM stream_sessions
		WHERE host_id = $1 AND status IN ('waiting', 'live') ORDER BY created_at DESC LIMIT 1`
	s, err := scanSession(r.pool.QueryRow(ctx, q, hostID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return s, err
}

// UpdateStatus sets the lifecycle status. Only the lifecycle supervisor may
// call this; other components read status but never write it.
func (r *Sessions) UpdateStatus(ctx context.Context, id uuid.UUID, status models.SessionStatus) error {
	const q = `UPDATE stream_sessions SET status = $1, updated_at = NOW() WHERE id = $2`
	_, err := r.pool.Exec(ctx, q, status, id)
	return err
}

// SetLive marks the session live and stamps started_at. The caller must have
// observed a connected broadcast channel first.
func (r *Sessions) SetLive(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE stream_sessions SET status = 'live', started_at = NOW(), last_activity_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'waiting')`
	tag, err := r.pool.Exec(ctx, q, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s not in a state that can go live", id)
	}
	return nil
}

// Archive sets status archived and zeroes the viewer counter.
func (r *Sessions) Archive(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE stream_sessions SET status = 'archived', current_viewers = 0, updated_at = NOW() WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id)
	return err
}

// ArchiveActiveByHost archives any waiting/live session for the host and
// returns the archived session ids. Enforces the single-active-session
// invariant before a new broadcast starts.
func (r *Sessions) ArchiveActiveByHost(ctx context.Context, hostID uuid.UUID) ([]uuid.UUID, error) {
	const q = `UPDATE stream_sessions SET status = 'archived', current_viewers = 0, updated_at = NOW()
		WHERE host_id = $1 AND status IN ('waiting', 'live') RETURNING id`
	rows, err := r.pool.Query(ctx, q, hostID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateViewerCount writes the best-effort viewer counter. The broadcast
// manager's polling loop is the only writer.
func (r *Sessions) UpdateViewerCount(ctx context.Context, id uuid.UUID, count int) error {
	const q = `UPDATE stream_sessions SET current_viewers = $1, updated_at = NOW() WHERE id = $2`
	_, err := r.pool.Exec(ctx, q, count, id)
	return err
}

// TouchActivity refreshes last_activity_at, deferring the inactivity watchdog.
func (r *Sessions) TouchActivity(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE stream_sessions SET last_activity_at = NOW(), updated_at = NOW() WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id)
	return err
}

// IncrementLikes adds to total_likes and counts as activity.
func (r *Sessions) IncrementLikes(ctx context.Context, id uuid.UUID, delta int) error {
	const q = `UPDATE stream_sessions SET total_likes = total_likes + $1, last_activity_at = NOW(), updated_at = NOW() WHERE id = $2`
	_, err := r.pool.Exec(ctx, q, delta, id)
	return err
}

// SetArchiveURL records where the archive export landed.
func (r *Sessions) SetArchiveURL(ctx context.Context, id uuid.UUID, url string) error {
	const q = `UPDATE stream_sessions SET archive_url = $1, updated_at = NOW() WHERE id = $2`
	_, err := r.pool.Exec(ctx, q, url, id)
	return err
}
