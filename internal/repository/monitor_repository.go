package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/stemsi/bandprep-backend/internal/config"
	"github.com/stemsi/bandprep-backend/internal/model"
)

// LiveAttempt is one row of the live monitor.
type LiveAttempt struct {
	AttemptID      uuid.UUID           `json:"attempt_id"`
	UserID         int                 `json:"user_id"`
	Name           string              `json:"name"`
	Email          string              `json:"email"`
	Status         model.AttemptStatus `json:"status"`
	StartedAt      time.Time           `json:"started_at"`
	FinishedAt     *time.Time          `json:"finished_at,omitempty"`
	ElapsedSeconds *int                `json:"elapsed_seconds,omitempty"`
	Forced         bool                `json:"forced"`
}

// MonitorRepository provides data access for the live test monitor.
// It combines PostgreSQL (attempt state) and Redis (live draft counts).
type MonitorRepository struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
}

// NewMonitorRepository creates a new MonitorRepository.
func NewMonitorRepository(pool *pgxpool.Pool, rdb *redis.Client) *MonitorRepository {
	return &MonitorRepository{pool: pool, rdb: rdb}
}

// ListAttempts returns the open attempts of a test plus those that finished
// within the given window.
func (r *MonitorRepository) ListAttempts(ctx context.Context, testID uuid.UUID, finishedWithin time.Duration) ([]LiveAttempt, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT a.id, a.user_id, u.name, u.email, a.status, a.started_at, a.finished_at, a.elapsed_seconds, a.forced
		 FROM attempts a
		 JOIN users u ON u.id = a.user_id
		 WHERE a.test_id = $1
		   AND (a.status = 'IN_PROGRESS' OR a.finished_at > NOW() - make_interval(secs => $2))
		 ORDER BY a.started_at DESC`,
		testID, finishedWithin.Seconds(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LiveAttempt
	for rows.Next() {
		var a LiveAttempt
		if err := rows.Scan(&a.AttemptID, &a.UserID, &a.Name, &a.Email, &a.Status,
			&a.StartedAt, &a.FinishedAt, &a.ElapsedSeconds, &a.Forced); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetDraftCounts returns the number of answered sections per open attempt.
// Redis holds the freshest drafts; attempts missing there fall back to the
// persisted drafts.
func (r *MonitorRepository) GetDraftCounts(ctx context.Context, testID uuid.UUID) (map[uuid.UUID]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT a.id, COUNT(d.section_id)
		 FROM attempts a
		 LEFT JOIN attempt_drafts d ON d.attempt_id = a.id
		 WHERE a.test_id = $1 AND a.status = 'IN_PROGRESS'
		 GROUP BY a.id`,
		testID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[uuid.UUID]int64)
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		var n int64
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return counts, nil
	}

	pipe := r.rdb.Pipeline()
	lens := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		lens[i] = pipe.HLen(ctx, config.CacheKey.AttemptDraftsKey(id.String()))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return counts, nil
	}
	for i, id := range ids {
		if n := lens[i].Val(); n > counts[id] {
			counts[id] = n
		}
	}
	return counts, nil
}

// GetCaptureFailureCounts returns the number of failed recordings per attempt.
func (r *MonitorRepository) GetCaptureFailureCounts(ctx context.Context, testID uuid.UUID) (map[uuid.UUID]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT attempt_id, COUNT(*)
		 FROM attempt_events
		 WHERE test_id = $1 AND type = 'capture_failed'
		 GROUP BY attempt_id`,
		testID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[uuid.UUID]int64)
	for rows.Next() {
		var id uuid.UUID
		var n int64
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}
