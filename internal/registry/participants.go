package registry

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/elraffme/oloo-live/internal/models"
)

const participantColumns = `id, session_id, participant_id, role, display_name, is_guest, camera_enabled, mic_enabled, joined_at, left_at`

// Participants handles participant_connections persistence.
type Participants struct {
	pool *pgxpool.Pool
}

// NewParticipants creates a participant connection repository.
func NewParticipants(pool *pgxpool.Pool) *Participants {
	return &Participants{pool: pool}
}

func scanParticipant(row pgx.Row) (*models.ParticipantConnection, error) {
	var p models.ParticipantConnection
	err := row.Scan(&p.ID, &p.SessionID, &p.ParticipantID, &p.Role, &p.DisplayName,
		&p.IsGuest, &p.CameraEnabled, &p.MicEnabled, &p.JoinedAt, &p.LeftAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Join atomically inserts a participant row and returns it with a fresh
// session-scoped participant id.
func (r *Participants) Join(ctx context.Context, sessionID uuid.UUID, role models.ParticipantRole, displayName string, isGuest bool) (*models.ParticipantConnection, error) {
	q := `INSERT INTO participant_connections (id, session_id, participant_id, role, display_name, is_guest, camera_enabled, mic_enabled, joined_at)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, FALSE, FALSE, NOW())
		RETURNING ` + participantColumns
	return scanParticipant(r.pool.QueryRow(ctx, q, sessionID, uuid.New().String(), role, displayName, isGuest))
}

// Leave sets left_at for the participant. The WHERE guard makes the write
// exactly-once: a second call affects no rows and returns false.
func (r *Participants) Leave(ctx context.Context, sessionID uuid.UUID, participantID string) (bool, error) {
	const q = `UPDATE participant_connections SET left_at = NOW()
		WHERE session_id = $1 AND participant_id = $2 AND left_at IS NULL`
	tag, err := r.pool.Exec(ctx, q, sessionID, participantID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// SetMediaFlags records the participant's camera/mic publication state.
func (r *Participants) SetMediaFlags(ctx context.Context, sessionID uuid.UUID, participantID string, camera, mic bool) error {
	const q = `UPDATE participant_connections SET camera_enabled = $3, mic_enabled = $4
		WHERE session_id = $1 AND participant_id = $2 AND left_at IS NULL`
	_, err := r.pool.Exec(ctx, q, sessionID, participantID, camera, mic)
	return err
}

// Get returns one participant row, or nil when not found.
func (r *Participants) Get(ctx context.Context, sessionID uuid.UUID, participantID string) (*models.ParticipantConnection, error) {
	q := `SELECT ` + participantColumns + ` FROM participant_connections
		WHERE session_id = $1 AND participant_id = $2`
	p, err := scanParticipant(r.pool.QueryRow(ctx, q, sessionID, participantID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// ListActive returns all participants that have not left. These rows are the
// source of truth for presence; the session's current_viewers column is only
// a best-effort counter.
func (r *Participants) ListActive(ctx context.Context, sessionID uuid.UUID) ([]models.ParticipantConnection, error) {
	q := `SELECT ` + participantColumns + ` FROM participant_connections
		WHERE session_id = $1 AND left_at IS NULL ORDER BY joined_at`
	rows, err := r.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.ParticipantConnection
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *p)
	}
	return list, rows.Err()
}

// ListAll returns every participant row for a session, including departed
// ones. Used by the archive exporter.
func (r *Participants) ListAll(ctx context.Context, sessionID uuid.UUID) ([]models.ParticipantConnection, error) {
	q := `SELECT ` + participantColumns + ` FROM participant_connections
		WHERE session_id = $1 ORDER BY joined_at`
	rows, err := r.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.ParticipantConnection
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *p)
	}
	return list, rows.Err()
}

// CountActive returns the number of open participant rows for a session.
func (r *Participants) CountActive(ctx context.Context, sessionID uuid.UUID) (int, error) {
	const q = `SELECT COUNT(*) FROM participant_connections WHERE session_id = $1 AND left_at IS NULL`
	var n int
	if err := r.pool.QueryRow(ctx, q, sessionID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// LeaveAllOpen closes every open participant row for a session (session end).
func (r *Participants) LeaveAllOpen(ctx context.Context, sessionID uuid.UUID) error {
	const q = `UPDATE participant_connections SET left_at = NOW() WHERE session_id = $1 AND left_at IS NULL`
	_, err := r.pool.Exec(ctx, q, sessionID)
	return err
}
