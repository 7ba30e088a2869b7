package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stemsi/bandprep-backend/internal/model"
)

const attemptColumns = `id, test_id, user_id, status, started_at, finished_at, elapsed_seconds, forced`

// AttemptRepository handles attempt data access.
type AttemptRepository struct {
	pool *pgxpool.Pool
}

// NewAttemptRepository creates a new AttemptRepository.
func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

func scanAttempt(row rowScanner) (*model.Attempt, error) {
	a := &model.Attempt{}
	if err := row.Scan(&a.ID, &a.TestID, &a.UserID, &a.Status, &a.StartedAt, &a.FinishedAt,
		&a.ElapsedSeconds, &a.Forced); err != nil {
		return nil, err
	}
	return a, nil
}

// GetByID retrieves an attempt.
func (r *AttemptRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Attempt, error) {
	return scanAttempt(r.pool.QueryRow(ctx, `SELECT `+attemptColumns+` FROM attempts WHERE id = $1`, id))
}

// GetInProgress returns the open attempt of a user for a test.
func (r *AttemptRepository) GetInProgress(ctx context.Context, testID uuid.UUID, userID int) (*model.Attempt, error) {
	return scanAttempt(r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM attempts
		 WHERE test_id = $1 AND user_id = $2 AND status = $3`,
		testID, userID, model.AttemptStatusInProgress))
}

// CreateOrGet opens an attempt, or returns the one already in progress.
// created reports whether a new row was inserted.
func (r *AttemptRepository) CreateOrGet(ctx context.Context, testID uuid.UUID, userID int) (*model.Attempt, bool, error) {
	a, err := scanAttempt(r.pool.QueryRow(ctx,
		`INSERT INTO attempts (test_id, user_id, status)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (test_id, user_id) WHERE status = 'IN_PROGRESS' DO NOTHING
		 RETURNING `+attemptColumns,
		testID, userID, model.AttemptStatusInProgress))
	if err == nil {
		return a, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	a, err = r.GetInProgress(ctx, testID, userID)
	if err != nil {
		return nil, false, err
	}
	return a, false, nil
}

// MarkAbandoned closes an in-progress attempt without a submission.
// It reports whether the attempt was still open.
func (r *AttemptRepository) MarkAbandoned(ctx context.Context, id uuid.UUID, elapsedSeconds int) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE attempts SET status = $1, finished_at = $2, elapsed_seconds = $3
		 WHERE id = $4 AND status = $5`,
		model.AttemptStatusAbandoned, time.Now(), elapsedSeconds, id, model.AttemptStatusInProgress)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListByUser returns a user's attempts, newest first.
func (r *AttemptRepository) ListByUser(ctx context.Context, userID int) ([]model.Attempt, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE user_id = $1 ORDER BY started_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	attempts := []model.Attempt{}
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, *a)
	}
	return attempts, rows.Err()
}
