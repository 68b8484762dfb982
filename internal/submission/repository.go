package submission

import (
	"context"
	"encoding/json"
	"time"

	"reforge/internal/common/db"
	"reforge/internal/grading/result"
	apperrors "reforge/pkg/errors"
)

// HistoryOptions pages and filters a user's attempt history.
type HistoryOptions struct {
	Day    int
	Limit  int
	Offset int
}

// Repository defines submission persistence.
type Repository interface {
	Create(ctx context.Context, tx db.Transaction, sub *Submission) error
	GetByID(ctx context.Context, id string) (*Submission, error)
	History(ctx context.Context, userID, track string, opts HistoryOptions) ([]*Submission, error)

	// MarkRunning transitions pending → running, or re-claims a row that
	// is already running (a redelivered retry after a faulted attempt).
	// Returns false when the submission is terminal or missing.
	MarkRunning(ctx context.Context, id string) (bool, error)

	// ApplyOutcome writes a terminal status and result, guarded so only a
	// non-terminal submission transitions. Returns false when the outcome
	// was already applied (replay) — callers must then skip side effects.
	ApplyOutcome(ctx context.Context, id string, status Status, res *result.GradingResult, finishedAt time.Time) (bool, error)

	// ResetForRerun moves a terminal submission back to pending with a
	// fresh job reference.
	ResetForRerun(ctx context.Context, id, newJobID string) (bool, error)
}

// MySQLRepository implements Repository with MySQL.
type MySQLRepository struct {
	db db.Database
}

// NewRepository creates a MySQL-backed submission repository.
func NewRepository(database db.Database) *MySQLRepository {
	return &MySQLRepository{db: database}
}

const submissionColumns = "id, user_id, track, day, code, status, result, job_id, verified, verification_warning, created_at, finished_at"

func (r *MySQLRepository) Create(ctx context.Context, tx db.Transaction, sub *Submission) error {
	if sub == nil {
		return apperrors.New(apperrors.InvalidParams)
	}
	if sub.ID == "" || sub.UserID == "" || sub.Track == "" {
		return apperrors.Newf(apperrors.RequiredFieldEmpty, "submission id, user and track are required")
	}
	if sub.Day < 1 {
		return apperrors.Newf(apperrors.DayOutOfRange, "day %d", sub.Day)
	}

	query := `
		INSERT INTO submissions
		(id, user_id, track, day, code, status, job_id, verified, verification_warning)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.GetQuerier(r.db, tx).Exec(
		ctx,
		query,
		sub.ID,
		sub.UserID,
		sub.Track,
		sub.Day,
		sub.Code,
		string(sub.Status),
		sub.JobID,
		sub.Verified,
		sub.VerificationWarning,
	)
	if err != nil {
		if key, ok := db.UniqueViolation(err); ok {
			return apperrors.Newf(apperrors.SubmissionCreateFailed, "duplicate submission on key %s", key)
		}
		return apperrors.Wrapf(err, apperrors.DatabaseError, "insert submission")
	}
	return nil
}

func (r *MySQLRepository) GetByID(ctx context.Context, id string) (*Submission, error) {
	if id == "" {
		return nil, apperrors.New(apperrors.InvalidParams)
	}
	row := r.db.QueryRow(ctx, "SELECT "+submissionColumns+" FROM submissions WHERE id = ?", id)
	sub, err := scanSubmission(row)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, apperrors.Newf(apperrors.SubmissionNotFound, "submission %s", id)
		}
		return nil, apperrors.Wrapf(err, apperrors.DatabaseError, "load submission")
	}
	return sub, nil
}

func (r *MySQLRepository) History(ctx context.Context, userID, track string, opts HistoryOptions) ([]*Submission, error) {
	if userID == "" || track == "" {
		return nil, apperrors.New(apperrors.InvalidParams)
	}
	limit := opts.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	query := "SELECT " + submissionColumns + " FROM submissions WHERE user_id = ? AND track = ?"
	args := []interface{}{userID, track}
	if opts.Day > 0 {
		query += " AND day = ?"
		args = append(args, opts.Day)
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, opts.Offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.DatabaseError, "query history")
	}
	defer rows.Close()

	var out []*Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, apperrors.Wrapf(err, apperrors.DatabaseError, "scan history row")
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.DatabaseError, "iterate history")
	}
	return out, nil
}

func (r *MySQLRepository) MarkRunning(ctx context.Context, id string) (bool, error) {
	res, err := r.db.Exec(ctx,
		"UPDATE submissions SET status = ? WHERE id = ? AND status = ?",
		string(StatusRunning), id, string(StatusPending))
	if err != nil {
		return false, apperrors.Wrapf(err, apperrors.DatabaseError, "mark running")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, apperrors.Wrapf(err, apperrors.DatabaseError, "mark running")
	}
	if affected == 1 {
		return true, nil
	}

	// No pending row. A row already in running state belongs to a retry of
	// a faulted attempt and can be claimed again; terminal rows cannot.
	// (MySQL reports zero changed rows for a running → running update, so
	// this needs a read rather than a wider CAS.)
	row := r.db.QueryRow(ctx, "SELECT status FROM submissions WHERE id = ?", id)
	var status string
	if err := row.Scan(&status); err != nil {
		if db.IsNoRows(err) {
			return false, nil
		}
		return false, apperrors.Wrapf(err, apperrors.DatabaseError, "mark running")
	}
	return Status(status) == StatusRunning, nil
}

func (r *MySQLRepository) ApplyOutcome(ctx context.Context, id string, status Status, res *result.GradingResult, finishedAt time.Time) (bool, error) {
	if !status.Terminal() {
		return false, apperrors.Newf(apperrors.InvalidParams, "status %s is not terminal", status)
	}
	if res == nil {
		return false, apperrors.Newf(apperrors.InvalidParams, "terminal outcome requires a result")
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return false, apperrors.Wrapf(err, apperrors.InternalError, "marshal result")
	}

	// the status guard makes replaying the same terminal outcome a no-op
	out, err := r.db.Exec(ctx,
		"UPDATE submissions SET status = ?, result = ?, finished_at = ? WHERE id = ? AND status IN (?, ?)",
		string(status), payload, finishedAt.UTC(), id, string(StatusPending), string(StatusRunning))
	if err != nil {
		return false, apperrors.Wrapf(err, apperrors.DatabaseError, "apply outcome")
	}
	affected, err := out.RowsAffected()
	if err != nil {
		return false, apperrors.Wrapf(err, apperrors.DatabaseError, "apply outcome")
	}
	return affected == 1, nil
}

func (r *MySQLRepository) ResetForRerun(ctx context.Context, id, newJobID string) (bool, error) {
	if id == "" || newJobID == "" {
		return false, apperrors.New(apperrors.InvalidParams)
	}
	out, err := r.db.Exec(ctx,
		"UPDATE submissions SET status = ?, result = NULL, finished_at = NULL, job_id = ? WHERE id = ? AND status IN (?, ?, ?)",
		string(StatusPending), newJobID, id,
		string(StatusCompleted), string(StatusFailed), string(StatusError))
	if err != nil {
		return false, apperrors.Wrapf(err, apperrors.DatabaseError, "reset for rerun")
	}
	affected, err := out.RowsAffected()
	if err != nil {
		return false, apperrors.Wrapf(err, apperrors.DatabaseError, "reset for rerun")
	}
	return affected == 1, nil
}

// scanTarget is satisfied by both db.Row and db.Rows.
type scanTarget interface {
	Scan(dest ...interface{}) error
}

func scanSubmission(row scanTarget) (*Submission, error) {
	var (
		sub        Submission
		status     string
		resultJSON []byte
		finishedAt *time.Time
	)
	err := row.Scan(
		&sub.ID,
		&sub.UserID,
		&sub.Track,
		&sub.Day,
		&sub.Code,
		&status,
		&resultJSON,
		&sub.JobID,
		&sub.Verified,
		&sub.VerificationWarning,
		&sub.CreatedAt,
		&finishedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.Status = Status(status)
	sub.FinishedAt = finishedAt
	if len(resultJSON) > 0 {
		var res result.GradingResult
		if err := json.Unmarshal(resultJSON, &res); err != nil {
			return nil, err
		}
		sub.Result = &res
	}
	return &sub, nil
}
