package progression

import (
	"context"
	"time"

	"reforge/internal/common/db"
	apperrors "reforge/pkg/errors"
)

// Repository defines progression persistence.
type Repository interface {
	// GetOrCreate loads the record for a user/track pair, lazily creating
	// it at day 1 on first contact. Creation stamps lastAdvancedAt so the
	// inactivity clock is defined for every record.
	GetOrCreate(ctx context.Context, userID, track string) (*Record, error)

	Get(ctx context.Context, userID, track string) (*Record, error)

	// Update writes every mutable field guarded by the record's version.
	// Returns ConcurrentUpdate when another writer got there first; callers
	// re-read and retry.
	Update(ctx context.Context, rec *Record) error

	// ListActive returns every record that has not completed its track.
	ListActive(ctx context.Context) ([]*Record, error)
}

// MySQLRepository implements Repository with MySQL.
type MySQLRepository struct {
	db db.Database
}

// NewRepository creates a MySQL-backed progression repository.
func NewRepository(database db.Database) *MySQLRepository {
	return &MySQLRepository{db: database}
}

const recordColumns = "user_id, track, current_day, last_passed_day, failed_day, failed_at, attempt_count, last_advanced_at, locked_until, completed_at, admin_override, timezone, version"

func (r *MySQLRepository) GetOrCreate(ctx context.Context, userID, track string) (*Record, error) {
	rec, err := r.Get(ctx, userID, track)
	if err == nil {
		return rec, nil
	}
	if apperrors.GetCode(err) != apperrors.ProgressionNotFound {
		return nil, err
	}

	// record creation counts as activity, so the inactivity clock starts
	// ticking from day one
	_, err = r.db.Exec(ctx,
		"INSERT INTO progression (user_id, track, current_day, last_advanced_at, timezone, version) VALUES (?, ?, 1, ?, 'UTC', 1)",
		userID, track, time.Now().UTC())
	if err != nil {
		// two first contacts racing; the loser re-reads the winner's row
		if _, ok := db.UniqueViolation(err); !ok {
			return nil, apperrors.Wrapf(err, apperrors.DatabaseError, "create progression")
		}
	}
	return r.Get(ctx, userID, track)
}

func (r *MySQLRepository) Get(ctx context.Context, userID, track string) (*Record, error) {
	if userID == "" || track == "" {
		return nil, apperrors.New(apperrors.InvalidParams)
	}
	row := r.db.QueryRow(ctx,
		"SELECT "+recordColumns+" FROM progression WHERE user_id = ? AND track = ?",
		userID, track)
	rec, err := scanRecord(row)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, apperrors.Newf(apperrors.ProgressionNotFound, "progression %s/%s", userID, track)
		}
		return nil, apperrors.Wrapf(err, apperrors.DatabaseError, "load progression")
	}
	return rec, nil
}

func (r *MySQLRepository) Update(ctx context.Context, rec *Record) error {
	if rec == nil {
		return apperrors.New(apperrors.InvalidParams)
	}
	query := `
		UPDATE progression SET
			current_day = ?, last_passed_day = ?, failed_day = ?, failed_at = ?,
			attempt_count = ?, last_advanced_at = ?, locked_until = ?,
			completed_at = ?, admin_override = ?, timezone = ?, version = version + 1
		WHERE user_id = ? AND track = ? AND version = ?
	`
	out, err := r.db.Exec(ctx, query,
		rec.CurrentDay,
		rec.LastPassedDay,
		rec.FailedDay,
		utcOrNil(rec.FailedAt),
		rec.AttemptCount,
		utcOrNil(rec.LastAdvancedAt),
		utcOrNil(rec.LockedUntil),
		utcOrNil(rec.CompletedAt),
		rec.AdminOverride,
		rec.Timezone,
		rec.UserID,
		rec.Track,
		rec.Version,
	)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.DatabaseError, "update progression")
	}
	affected, err := out.RowsAffected()
	if err != nil {
		return apperrors.Wrapf(err, apperrors.DatabaseError, "update progression")
	}
	if affected == 0 {
		return apperrors.Newf(apperrors.ConcurrentUpdate, "progression %s/%s version %d", rec.UserID, rec.Track, rec.Version)
	}
	rec.Version++
	return nil
}

func (r *MySQLRepository) ListActive(ctx context.Context) ([]*Record, error) {
	rows, err := r.db.Query(ctx,
		"SELECT "+recordColumns+" FROM progression WHERE completed_at IS NULL")
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.DatabaseError, "list active progression")
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, apperrors.Wrapf(err, apperrors.DatabaseError, "scan progression row")
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.DatabaseError, "iterate progression rows")
	}
	return out, nil
}

type scanTarget interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanTarget) (*Record, error) {
	var rec Record
	err := row.Scan(
		&rec.UserID,
		&rec.Track,
		&rec.CurrentDay,
		&rec.LastPassedDay,
		&rec.FailedDay,
		&rec.FailedAt,
		&rec.AttemptCount,
		&rec.LastAdvancedAt,
		&rec.LockedUntil,
		&rec.CompletedAt,
		&rec.AdminOverride,
		&rec.Timezone,
		&rec.Version,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func utcOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
