package repository

import (
	"context"
	"time"

	"reforge/internal/common/db"
	apperrors "reforge/pkg/errors"
)

// SessionStatus is the lifecycle state of a real-time challenge session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionExpired   SessionStatus = "expired"
)

// ChallengeSession is one sudden-death challenge run. Sessions that are
// abandoned mid-run stay active until the sweeper expires them.
type ChallengeSession struct {
	ID        string        `json:"id"`
	UserID    string        `json:"userId"`
	Track     string        `json:"track"`
	Status    SessionStatus `json:"status"`
	StartedAt time.Time     `json:"startedAt"`
}

// SessionRepository persists challenge sessions.
type SessionRepository struct {
	db db.Database
}

// NewSessionRepository creates a MySQL-backed session repository.
func NewSessionRepository(database db.Database) *SessionRepository {
	return &SessionRepository{db: database}
}

func (r *SessionRepository) Create(ctx context.Context, session *ChallengeSession) error {
	if session == nil || session.ID == "" || session.UserID == "" || session.Track == "" {
		return apperrors.New(apperrors.InvalidParams)
	}
	_, err := r.db.Exec(ctx,
		"INSERT INTO challenge_sessions (id, user_id, track, status, started_at) VALUES (?, ?, ?, ?, ?)",
		session.ID, session.UserID, session.Track, string(SessionActive), session.StartedAt.UTC())
	if err != nil {
		return apperrors.Wrapf(err, apperrors.DatabaseError, "insert challenge session")
	}
	return nil
}

func (r *SessionRepository) GetByID(ctx context.Context, id string) (*ChallengeSession, error) {
	row := r.db.QueryRow(ctx,
		"SELECT id, user_id, track, status, started_at FROM challenge_sessions WHERE id = ?", id)
	var (
		session ChallengeSession
		status  string
	)
	err := row.Scan(&session.ID, &session.UserID, &session.Track, &status, &session.StartedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, apperrors.Newf(apperrors.SessionNotFound, "challenge session %s", id)
		}
		return nil, apperrors.Wrapf(err, apperrors.DatabaseError, "load challenge session")
	}
	session.Status = SessionStatus(status)
	return &session, nil
}

// Finish moves an active session to a terminal status. Returns false when
// the session was not active anymore.
func (r *SessionRepository) Finish(ctx context.Context, id string, status SessionStatus) (bool, error) {
	if status == SessionActive {
		return false, apperrors.Newf(apperrors.InvalidParams, "cannot finish into active")
	}
	out, err := r.db.Exec(ctx,
		"UPDATE challenge_sessions SET status = ? WHERE id = ? AND status = ?",
		string(status), id, string(SessionActive))
	if err != nil {
		return false, apperrors.Wrapf(err, apperrors.DatabaseError, "finish challenge session")
	}
	affected, err := out.RowsAffected()
	if err != nil {
		return false, apperrors.Wrapf(err, apperrors.DatabaseError, "finish challenge session")
	}
	return affected == 1, nil
}

// ExpireStale flips every active session older than maxAge to expired and
// returns how many rows moved.
func (r *SessionRepository) ExpireStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).UTC()
	out, err := r.db.Exec(ctx,
		"UPDATE challenge_sessions SET status = ? WHERE status = ? AND started_at < ?",
		string(SessionExpired), string(SessionActive), cutoff)
	if err != nil {
		return 0, apperrors.Wrapf(err, apperrors.DatabaseError, "expire stale sessions")
	}
	affected, err := out.RowsAffected()
	if err != nil {
		return 0, apperrors.Wrapf(err, apperrors.DatabaseError, "expire stale sessions")
	}
	return affected, nil
}
