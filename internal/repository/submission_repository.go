package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stemsi/bandprep-backend/internal/model"
)

// ErrAttemptNotOpen is returned when a submission targets an attempt that is
// no longer in progress.
var ErrAttemptNotOpen = errors.New("attempt is not in progress")

// ScoreUpdate is one objective score produced by auto-grading.
type ScoreUpdate struct {
	SubmissionID   uuid.UUID             `json:"submission_id"`
	ObjectiveScore float64               `json:"objective_score"`
	BandScore      *float64              `json:"band_score,omitempty"`
	SectionScores  map[uuid.UUID]float64 `json:"section_scores,omitempty"`
}

// SectionGrade is one manually graded section.
type SectionGrade struct {
	SectionID uuid.UUID
	Score     float64
	Comment   string
}

const submissionColumns = `s.id, s.attempt_id, s.test_id, t.title, s.user_id, u.name, s.elapsed_seconds, s.forced,
	s.status, s.objective_score, s.band_score, s.feedback, s.graded_by, s.graded_at, s.submitted_at`

const submissionFrom = ` FROM submissions s
	JOIN tests t ON t.id = s.test_id
	JOIN users u ON u.id = s.user_id`

// SubmissionRepository handles submission data access.
type SubmissionRepository struct {
	pool *pgxpool.Pool
}

// NewSubmissionRepository creates a new SubmissionRepository.
func NewSubmissionRepository(pool *pgxpool.Pool) *SubmissionRepository {
	return &SubmissionRepository{pool: pool}
}

func scanSubmission(row rowScanner) (*model.Submission, error) {
	s := &model.Submission{}
	if err := row.Scan(&s.ID, &s.AttemptID, &s.TestID, &s.TestTitle, &s.UserID, &s.UserName,
		&s.ElapsedSeconds, &s.Forced, &s.Status, &s.ObjectiveScore, &s.BandScore, &s.Feedback,
		&s.GradedBy, &s.GradedAt, &s.SubmittedAt); err != nil {
		return nil, err
	}
	return s, nil
}

// Create stores a submission with its answers and closes the attempt, all in
// one transaction. When the attempt already has a submission the stored one
// is returned with created=false and nothing is written.
func (r *SubmissionRepository) Create(ctx context.Context, sub *model.Submission, answers map[uuid.UUID]*model.Answer) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO submissions (attempt_id, test_id, user_id, elapsed_seconds, forced, status)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (attempt_id) DO NOTHING
		 RETURNING id, submitted_at`,
		sub.AttemptID, sub.TestID, sub.UserID, sub.ElapsedSeconds, sub.Forced, sub.Status,
	).Scan(&sub.ID, &sub.SubmittedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		err = tx.QueryRow(ctx,
			`SELECT id, status, elapsed_seconds, forced, submitted_at FROM submissions WHERE attempt_id = $1`,
			sub.AttemptID,
		).Scan(&sub.ID, &sub.Status, &sub.ElapsedSeconds, &sub.Forced, &sub.SubmittedAt)
		if err != nil {
			return false, fmt.Errorf("load existing submission: %w", err)
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert submission: %w", err)
	}

	if len(answers) > 0 {
		sectionIDs := make([]uuid.UUID, 0, len(answers))
		payloads := make([]*string, 0, len(answers))
		for id, a := range answers {
			sectionIDs = append(sectionIDs, id)
			if a == nil {
				payloads = append(payloads, nil)
				continue
			}
			raw, err := json.Marshal(a)
			if err != nil {
				return false, fmt.Errorf("marshal answer: %w", err)
			}
			s := string(raw)
			payloads = append(payloads, &s)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO submission_answers (submission_id, section_id, answer)
			SELECT $1, u.section_id, u.answer::jsonb
			FROM UNNEST($2::uuid[], $3::text[]) AS u (section_id, answer)`,
			sub.ID, sectionIDs, payloads); err != nil {
			return false, fmt.Errorf("insert answers: %w", err)
		}
	}

	tag, err := tx.Exec(ctx,
		`UPDATE attempts SET status = $1, finished_at = $2, elapsed_seconds = $3, forced = $4
		 WHERE id = $5 AND status = $6`,
		model.AttemptStatusSubmitted, sub.SubmittedAt, sub.ElapsedSeconds, sub.Forced,
		sub.AttemptID, model.AttemptStatusInProgress)
	if err != nil {
		return false, fmt.Errorf("close attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, ErrAttemptNotOpen
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// GetByAttempt retrieves the submission of an attempt.
func (r *SubmissionRepository) GetByAttempt(ctx context.Context, attemptID uuid.UUID) (*model.Submission, error) {
	return scanSubmission(r.pool.QueryRow(ctx,
		`SELECT `+submissionColumns+submissionFrom+` WHERE s.attempt_id = $1`, attemptID))
}

// GetByID retrieves a submission with its answers.
func (r *SubmissionRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Submission, error) {
	sub, err := scanSubmission(r.pool.QueryRow(ctx,
		`SELECT `+submissionColumns+submissionFrom+` WHERE s.id = $1`, id))
	if err != nil {
		return nil, err
	}
	sub.Answers, err = r.ListAnswers(ctx, id)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// ListAnswers returns a submission's answers in section order.
func (r *SubmissionRepository) ListAnswers(ctx context.Context, submissionID uuid.UUID) ([]model.SubmissionAnswer, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT sa.submission_id, sa.section_id, sa.answer, sa.score, sa.comment
		 FROM submission_answers sa
		 JOIN sections sec ON sec.id = sa.section_id
		 WHERE sa.submission_id = $1
		 ORDER BY sec.order_num`, submissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	answers := []model.SubmissionAnswer{}
	for rows.Next() {
		var a model.SubmissionAnswer
		if err := rows.Scan(&a.SubmissionID, &a.SectionID, &a.Answer, &a.Score, &a.Comment); err != nil {
			return nil, err
		}
		answers = append(answers, a)
	}
	return answers, rows.Err()
}

// List retrieves submissions matching the filter, newest first.
func (r *SubmissionRepository) List(ctx context.Context, f model.SubmissionFilter, limit, offset int) ([]model.Submission, int, error) {
	where := ` WHERE 1=1`
	var args []any
	if f.TestID != nil {
		args = append(args, *f.TestID)
		where += ` AND s.test_id = $` + strconv.Itoa(len(args))
	}
	if f.UserID != nil {
		args = append(args, *f.UserID)
		where += ` AND s.user_id = $` + strconv.Itoa(len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where += ` AND s.status = $` + strconv.Itoa(len(args))
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM submissions s`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + submissionColumns + submissionFrom + where +
		` ORDER BY s.submitted_at DESC LIMIT $` + strconv.Itoa(len(args)+1) + ` OFFSET $` + strconv.Itoa(len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	subs := []model.Submission{}
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, 0, err
		}
		subs = append(subs, *s)
	}
	return subs, total, rows.Err()
}

// SaveGrades stores manual section grades and the overall score, and marks
// the submission GRADED.
func (r *SubmissionRepository) SaveGrades(ctx context.Context, id uuid.UUID, grades []SectionGrade, overall float64, feedback string, graderID int) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	sectionIDs := make([]uuid.UUID, len(grades))
	scores := make([]float64, len(grades))
	comments := make([]string, len(grades))
	for i, g := range grades {
		sectionIDs[i] = g.SectionID
		scores[i] = g.Score
		comments[i] = g.Comment
	}

	// Sections left out of the answer set (null-filled on forced submits)
	// still get a graded row.
	if _, err := tx.Exec(ctx, `
		INSERT INTO submission_answers (submission_id, section_id, score, comment)
		SELECT $1, u.section_id, u.score, u.comment
		FROM UNNEST($2::uuid[], $3::numeric[], $4::text[]) AS u (section_id, score, comment)
		ON CONFLICT (submission_id, section_id) DO UPDATE
		SET score = EXCLUDED.score, comment = EXCLUDED.comment`,
		id, sectionIDs, scores, comments); err != nil {
		return fmt.Errorf("save section grades: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE submissions SET status = $1, band_score = $2, feedback = $3, graded_by = $4, graded_at = $5
		 WHERE id = $6`,
		model.SubmissionStatusGraded, overall, feedback, graderID, time.Now(), id)
	if err != nil {
		return fmt.Errorf("update submission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return tx.Commit(ctx)
}

// BulkUpdateObjectiveScores applies auto-graded scores with a single UNNEST
// update. Submissions already graded by hand keep their status.
func (r *SubmissionRepository) BulkUpdateObjectiveScores(ctx context.Context, updates []ScoreUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(updates))
	objective := make([]float64, len(updates))
	bands := make([]*float64, len(updates))
	for i, u := range updates {
		ids[i] = u.SubmissionID
		objective[i] = u.ObjectiveScore
		bands[i] = u.BandScore
	}

	_, err := r.pool.Exec(ctx, `
		UPDATE submissions s
		SET objective_score = u.objective_score,
		    band_score = COALESCE(u.band_score, s.band_score),
		    status = CASE WHEN s.status = $4 THEN s.status ELSE $5 END
		FROM UNNEST($1::uuid[], $2::numeric[], $3::numeric[]) AS u (id, objective_score, band_score)
		WHERE s.id = u.id`,
		ids, objective, bands, model.SubmissionStatusGraded, model.SubmissionStatusAutoGraded)
	if err != nil {
		return err
	}
	return r.saveSectionScores(ctx, updates)
}

// UpdateObjectiveScore applies a single auto-graded score.
func (r *SubmissionRepository) UpdateObjectiveScore(ctx context.Context, u ScoreUpdate) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE submissions
		 SET objective_score = $1, band_score = COALESCE($2, band_score),
		     status = CASE WHEN status = $3 THEN status ELSE $4 END
		 WHERE id = $5`,
		u.ObjectiveScore, u.BandScore, model.SubmissionStatusGraded, model.SubmissionStatusAutoGraded, u.SubmissionID)
	if err != nil {
		return err
	}
	return r.saveSectionScores(ctx, []ScoreUpdate{u})
}

func (r *SubmissionRepository) saveSectionScores(ctx context.Context, updates []ScoreUpdate) error {
	var subIDs, sectionIDs []uuid.UUID
	var scores []float64
	for _, u := range updates {
		for sectionID, score := range u.SectionScores {
			subIDs = append(subIDs, u.SubmissionID)
			sectionIDs = append(sectionIDs, sectionID)
			scores = append(scores, score)
		}
	}
	if len(subIDs) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE submission_answers sa
		SET score = u.score
		FROM UNNEST($1::uuid[], $2::uuid[], $3::numeric[]) AS u (submission_id, section_id, score)
		WHERE sa.submission_id = u.submission_id AND sa.section_id = u.section_id AND sa.score IS NULL`,
		subIDs, sectionIDs, scores)
	return err
}
