package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stemsi/bandprep-backend/internal/model"
)

// DashboardRepository handles admin dashboard data access.
type DashboardRepository struct {
	pool *pgxpool.Pool
}

// NewDashboardRepository creates a new DashboardRepository.
func NewDashboardRepository(pool *pgxpool.Pool) *DashboardRepository {
	return &DashboardRepository{pool: pool}
}

// SummaryCounts are the stat cards on the dashboard.
type SummaryCounts struct {
	TotalStudents      int `json:"total_students"`
	TotalTests         int `json:"total_tests"`
	AttemptsInProgress int `json:"attempts_in_progress"`
	PendingReview      int `json:"pending_review"`
}

// GetSummaryCounts retrieves the high-level metrics for the dashboard.
func (r *DashboardRepository) GetSummaryCounts(ctx context.Context) (SummaryCounts, error) {
	var s SummaryCounts
	err := r.pool.QueryRow(ctx,
		`SELECT
			(SELECT COUNT(*) FROM users WHERE role = 'student'),
			(SELECT COUNT(*) FROM tests),
			(SELECT COUNT(*) FROM attempts WHERE status = 'IN_PROGRESS'),
			(SELECT COUNT(*) FROM submissions WHERE status <> 'GRADED')`,
	).Scan(&s.TotalStudents, &s.TotalTests, &s.AttemptsInProgress, &s.PendingReview)
	return s, err
}

// GetTestStatusCounts retrieves the distribution of tests by status.
func (r *DashboardRepository) GetTestStatusCounts(ctx context.Context) (map[model.TestStatus]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM tests GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[model.TestStatus]int)
	for rows.Next() {
		var status model.TestStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// DashboardRecentSubmission is a submission row on the dashboard.
type DashboardRecentSubmission struct {
	ID          uuid.UUID              `json:"id"`
	TestTitle   string                 `json:"test_title"`
	Exam        model.ExamBoard        `json:"exam"`
	Skill       model.Skill            `json:"skill"`
	UserName    string                 `json:"user_name"`
	Status      model.SubmissionStatus `json:"status"`
	BandScore   *float64               `json:"band_score"`
	Forced      bool                   `json:"forced"`
	SubmittedAt time.Time              `json:"submitted_at"`
}

// GetRecentSubmissions retrieves the last N submissions.
func (r *DashboardRepository) GetRecentSubmissions(ctx context.Context, limit int) ([]DashboardRecentSubmission, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT s.id, t.title, t.exam, t.skill, u.name, s.status,
		        COALESCE(s.band_score, s.objective_score), s.forced, s.submitted_at
		 FROM submissions s
		 JOIN tests t ON t.id = s.test_id
		 JOIN users u ON u.id = s.user_id
		 ORDER BY s.submitted_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []DashboardRecentSubmission
	for rows.Next() {
		var s DashboardRecentSubmission
		if err := rows.Scan(&s.ID, &s.TestTitle, &s.Exam, &s.Skill, &s.UserName, &s.Status,
			&s.BandScore, &s.Forced, &s.SubmittedAt); err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	if subs == nil {
		subs = []DashboardRecentSubmission{}
	}
	return subs, rows.Err()
}

// DashboardTestResult summarises the graded results of a published test.
type DashboardTestResult struct {
	ID              uuid.UUID       `json:"id"`
	Title           string          `json:"title"`
	Exam            model.ExamBoard `json:"exam"`
	Skill           model.Skill     `json:"skill"`
	SubmissionCount int             `json:"submission_count"`
	AverageScore    *float64        `json:"average_score"`
	ForcedCount     int             `json:"forced_count"`
}

// GetTestResults retrieves per-test averages for the most attempted
// published tests.
func (r *DashboardRepository) GetTestResults(ctx context.Context, limit int) ([]DashboardTestResult, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT t.id, t.title, t.exam, t.skill,
		        COUNT(s.id),
		        AVG(COALESCE(s.band_score, s.objective_score))::float8,
		        COUNT(s.id) FILTER (WHERE s.forced)
		 FROM tests t
		 LEFT JOIN submissions s ON s.test_id = t.id
		 WHERE t.status = $1
		 GROUP BY t.id, t.title, t.exam, t.skill
		 ORDER BY COUNT(s.id) DESC, t.title
		 LIMIT $2`,
		model.TestStatusPublished, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []DashboardTestResult
	for rows.Next() {
		var r DashboardTestResult
		if err := rows.Scan(&r.ID, &r.Title, &r.Exam, &r.Skill, &r.SubmissionCount, &r.AverageScore, &r.ForcedCount); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	if results == nil {
		results = []DashboardTestResult{}
	}
	return results, rows.Err()
}
