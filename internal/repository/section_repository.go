package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stemsi/bandprep-backend/internal/model"
)

const sectionColumns = `id, test_id, order_num, title, instructions, prompt, diagram_url, audio_url, pdf_url,
	time_limit_minutes, answer_kind, requirement, question_count, answer_key`

// SectionRepository handles section data access.
type SectionRepository struct {
	pool *pgxpool.Pool
}

// NewSectionRepository creates a new SectionRepository.
func NewSectionRepository(pool *pgxpool.Pool) *SectionRepository {
	return &SectionRepository{pool: pool}
}

func scanSection(row rowScanner, s *model.Section) error {
	return row.Scan(&s.ID, &s.TestID, &s.OrderNum, &s.Title, &s.Instructions, &s.Prompt,
		&s.DiagramURL, &s.AudioURL, &s.PDFURL, &s.TimeLimitMinutes, &s.AnswerKind,
		&s.Requirement, &s.QuestionCount, &s.AnswerKey)
}

// ListByTest returns a test's sections in order.
func (r *SectionRepository) ListByTest(ctx context.Context, testID uuid.UUID) ([]model.Section, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+sectionColumns+` FROM sections WHERE test_id = $1 ORDER BY order_num`, testID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sections := []model.Section{}
	for rows.Next() {
		var s model.Section
		if err := scanSection(rows, &s); err != nil {
			return nil, err
		}
		sections = append(sections, s)
	}
	return sections, rows.Err()
}

// GetByID retrieves one section.
func (r *SectionRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Section, error) {
	s := &model.Section{}
	if err := scanSection(r.pool.QueryRow(ctx, `SELECT `+sectionColumns+` FROM sections WHERE id = $1`, id), s); err != nil {
		return nil, err
	}
	return s, nil
}

// Create appends a section. A zero OrderNum places it last.
func (r *SectionRepository) Create(ctx context.Context, s *model.Section) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO sections (test_id, order_num, title, instructions, prompt, diagram_url, audio_url, pdf_url,
		                       time_limit_minutes, answer_kind, requirement, question_count, answer_key)
		 VALUES ($1,
		         CASE WHEN $2 > 0 THEN $2 ELSE (SELECT COALESCE(MAX(order_num), 0) + 1 FROM sections WHERE test_id = $1) END,
		         $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 RETURNING id, order_num`,
		s.TestID, s.OrderNum, s.Title, s.Instructions, s.Prompt, s.DiagramURL, s.AudioURL, s.PDFURL,
		s.TimeLimitMinutes, s.AnswerKind, s.Requirement, s.QuestionCount, s.AnswerKey,
	).Scan(&s.ID, &s.OrderNum)
}

// Update modifies a section in place.
func (r *SectionRepository) Update(ctx context.Context, s *model.Section) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE sections SET order_num = $1, title = $2, instructions = $3, prompt = $4, diagram_url = $5,
		        audio_url = $6, pdf_url = $7, time_limit_minutes = $8, answer_kind = $9, requirement = $10,
		        question_count = $11, answer_key = $12
		 WHERE id = $13 AND test_id = $14`,
		s.OrderNum, s.Title, s.Instructions, s.Prompt, s.DiagramURL, s.AudioURL, s.PDFURL,
		s.TimeLimitMinutes, s.AnswerKind, s.Requirement, s.QuestionCount, s.AnswerKey, s.ID, s.TestID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// Delete removes a section from a test.
func (r *SectionRepository) Delete(ctx context.Context, testID, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM sections WHERE id = $1 AND test_id = $2`, id, testID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ReplaceAll swaps a test's sections for a new ordered list in one transaction.
func (r *SectionRepository) ReplaceAll(ctx context.Context, testID uuid.UUID, sections []model.Section) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM sections WHERE test_id = $1`, testID); err != nil {
		return fmt.Errorf("delete sections: %w", err)
	}

	batch := &pgx.Batch{}
	for i := range sections {
		s := &sections[i]
		s.TestID = testID
		s.OrderNum = i + 1
		batch.Queue(
			`INSERT INTO sections (test_id, order_num, title, instructions, prompt, diagram_url, audio_url, pdf_url,
			                       time_limit_minutes, answer_kind, requirement, question_count, answer_key)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			 RETURNING id`,
			s.TestID, s.OrderNum, s.Title, s.Instructions, s.Prompt, s.DiagramURL, s.AudioURL, s.PDFURL,
			s.TimeLimitMinutes, s.AnswerKind, s.Requirement, s.QuestionCount, s.AnswerKey,
		).QueryRow(func(row pgx.Row) error {
			return row.Scan(&s.ID)
		})
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert sections: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE tests SET updated_at = NOW() WHERE id = $1`, testID); err != nil {
		return fmt.Errorf("touch test: %w", err)
	}
	return tx.Commit(ctx)
}
