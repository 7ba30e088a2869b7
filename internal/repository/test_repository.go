package repository

import (
	"context"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stemsi/bandprep-backend/internal/model"
)

const testColumns = `t.id, t.title, t.exam, t.skill, t.timer_mode, t.time_limit_minutes, t.instructions,
	t.status, t.author_id, t.created_at, t.updated_at,
	(SELECT COUNT(*) FROM sections s WHERE s.test_id = t.id)`

// TestRepository handles test data access.
type TestRepository struct {
	pool *pgxpool.Pool
}

// NewTestRepository creates a new TestRepository.
func NewTestRepository(pool *pgxpool.Pool) *TestRepository {
	return &TestRepository{pool: pool}
}

func scanTest(row rowScanner, t *model.Test) error {
	return row.Scan(&t.ID, &t.Title, &t.Exam, &t.Skill, &t.TimerMode, &t.TimeLimitMinutes,
		&t.Instructions, &t.Status, &t.AuthorID, &t.CreatedAt, &t.UpdatedAt, &t.SectionCount)
}

// GetByID retrieves a test by its UUID.
func (r *TestRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Test, error) {
	t := &model.Test{}
	err := scanTest(r.pool.QueryRow(ctx, `SELECT `+testColumns+` FROM tests t WHERE t.id = $1`, id), t)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ListPaginated retrieves tests matching the filter, newest first.
func (r *TestRepository) ListPaginated(ctx context.Context, f model.TestFilter, limit, offset int) ([]model.Test, int, error) {
	where, args := testWhere(f)

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tests t`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + testColumns + ` FROM tests t` + where +
		` ORDER BY t.created_at DESC LIMIT $` + strconv.Itoa(len(args)+1) + ` OFFSET $` + strconv.Itoa(len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	tests := []model.Test{}
	for rows.Next() {
		var t model.Test
		if err := scanTest(rows, &t); err != nil {
			return nil, 0, err
		}
		tests = append(tests, t)
	}
	return tests, total, rows.Err()
}

func testWhere(f model.TestFilter) (string, []any) {
	where := ` WHERE 1=1`
	var args []any
	if f.Exam != "" {
		args = append(args, f.Exam)
		where += ` AND t.exam = $` + strconv.Itoa(len(args))
	}
	if f.Skill != "" {
		args = append(args, f.Skill)
		where += ` AND t.skill = $` + strconv.Itoa(len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where += ` AND t.status = $` + strconv.Itoa(len(args))
	}
	if f.AuthorID > 0 {
		args = append(args, f.AuthorID)
		where += ` AND t.author_id = $` + strconv.Itoa(len(args))
	}
	return where, args
}

// ListCatalog returns published tests with the user's latest attempt overlaid.
func (r *TestRepository) ListCatalog(ctx context.Context, userID int, exam model.ExamBoard, skill model.Skill) ([]model.CatalogEntry, error) {
	where, args := testWhere(model.TestFilter{Exam: exam, Skill: skill, Status: model.TestStatusPublished})
	args = append(args, userID)
	userArg := `$` + strconv.Itoa(len(args))

	rows, err := r.pool.Query(ctx,
		`SELECT `+testColumns+`, a.id, a.status
		 FROM tests t
		 LEFT JOIN LATERAL (
			SELECT id, status FROM attempts
			WHERE test_id = t.id AND user_id = `+userArg+`
			ORDER BY started_at DESC LIMIT 1
		 ) a ON TRUE`+where+`
		 ORDER BY t.exam, t.skill, t.title`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []model.CatalogEntry{}
	for rows.Next() {
		var e model.CatalogEntry
		t := &e.Test
		if err := rows.Scan(&t.ID, &t.Title, &t.Exam, &t.Skill, &t.TimerMode, &t.TimeLimitMinutes,
			&t.Instructions, &t.Status, &t.AuthorID, &t.CreatedAt, &t.UpdatedAt, &t.SectionCount,
			&e.AttemptID, &e.AttemptStatus); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Create inserts a new test.
func (r *TestRepository) Create(ctx context.Context, t *model.Test) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO tests (title, exam, skill, timer_mode, time_limit_minutes, instructions, status, author_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, created_at, updated_at`,
		t.Title, t.Exam, t.Skill, t.TimerMode, t.TimeLimitMinutes, t.Instructions, t.Status, t.AuthorID,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
}

// Update modifies a test's editable fields.
func (r *TestRepository) Update(ctx context.Context, t *model.Test) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE tests SET title = $1, timer_mode = $2, time_limit_minutes = $3, instructions = $4, updated_at = NOW()
		 WHERE id = $5`,
		t.Title, t.TimerMode, t.TimeLimitMinutes, t.Instructions, t.ID,
	)
	return err
}

// UpdateStatus updates a test's status.
func (r *TestRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status model.TestStatus) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE tests SET status = $1, updated_at = NOW() WHERE id = $2`,
		status, id)
	return err
}

// Delete removes a test and its sections.
func (r *TestRepository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM tests WHERE id = $1`, id)
	return err
}

// ListPublished returns all published tests. Used for cache prewarming.
func (r *TestRepository) ListPublished(ctx context.Context) ([]model.Test, error) {
	tests, _, err := r.ListPaginated(ctx, model.TestFilter{Status: model.TestStatusPublished}, 10000, 0)
	return tests, err
}
