package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stemsi/bandprep-backend/internal/model"
)

// DraftRecord is one autosaved section answer.
type DraftRecord struct {
	AttemptID uuid.UUID    `json:"attempt_id"`
	SectionID uuid.UUID    `json:"section_id"`
	Answer    model.Answer `json:"answer"`
	SavedAt   time.Time    `json:"saved_at"`
}

// DraftRepository handles autosaved draft data access.
type DraftRepository struct {
	pool *pgxpool.Pool
}

// NewDraftRepository creates a new DraftRepository.
func NewDraftRepository(pool *pgxpool.Pool) *DraftRepository {
	return &DraftRepository{pool: pool}
}

// UpsertBatch writes drafts with a single UNNEST statement. The newest save
// wins when the same section appears twice.
func (r *DraftRepository) UpsertBatch(ctx context.Context, drafts []DraftRecord) error {
	if len(drafts) == 0 {
		return nil
	}
	latest := make(map[[2]uuid.UUID]DraftRecord, len(drafts))
	for _, d := range drafts {
		k := [2]uuid.UUID{d.AttemptID, d.SectionID}
		if prev, ok := latest[k]; !ok || !d.SavedAt.Before(prev.SavedAt) {
			latest[k] = d
		}
	}

	n := len(latest)
	attemptIDs := make([]uuid.UUID, 0, n)
	sectionIDs := make([]uuid.UUID, 0, n)
	answers := make([]string, 0, n)
	savedAts := make([]time.Time, 0, n)
	for _, d := range latest {
		raw, err := json.Marshal(d.Answer)
		if err != nil {
			return fmt.Errorf("marshal draft: %w", err)
		}
		attemptIDs = append(attemptIDs, d.AttemptID)
		sectionIDs = append(sectionIDs, d.SectionID)
		answers = append(answers, string(raw))
		savedAts = append(savedAts, d.SavedAt)
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO attempt_drafts (attempt_id, section_id, answer, updated_at)
		SELECT u.attempt_id, u.section_id, u.answer::jsonb, u.saved_at
		FROM UNNEST($1::uuid[], $2::uuid[], $3::text[], $4::timestamptz[])
			AS u (attempt_id, section_id, answer, saved_at)
		ON CONFLICT (attempt_id, section_id) DO UPDATE
		SET answer = EXCLUDED.answer, updated_at = EXCLUDED.updated_at
		WHERE attempt_drafts.updated_at <= EXCLUDED.updated_at`,
		attemptIDs, sectionIDs, answers, savedAts)
	return err
}

// Upsert writes a single draft.
func (r *DraftRepository) Upsert(ctx context.Context, d DraftRecord) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO attempt_drafts (attempt_id, section_id, answer, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (attempt_id, section_id) DO UPDATE
		 SET answer = EXCLUDED.answer, updated_at = EXCLUDED.updated_at
		 WHERE attempt_drafts.updated_at <= EXCLUDED.updated_at`,
		d.AttemptID, d.SectionID, d.Answer, d.SavedAt)
	return err
}

// ListByAttempt returns the persisted drafts of an attempt.
func (r *DraftRepository) ListByAttempt(ctx context.Context, attemptID uuid.UUID) (map[uuid.UUID]model.Answer, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT section_id, answer FROM attempt_drafts WHERE attempt_id = $1`, attemptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	drafts := make(map[uuid.UUID]model.Answer)
	for rows.Next() {
		var id uuid.UUID
		var a model.Answer
		if err := rows.Scan(&id, &a); err != nil {
			return nil, err
		}
		drafts[id] = a
	}
	return drafts, rows.Err()
}
