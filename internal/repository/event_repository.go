package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EventRecord is one live session event kept for review.
type EventRecord struct {
	AttemptID uuid.UUID `json:"attempt_id"`
	TestID    uuid.UUID `json:"test_id"`
	UserID    int       `json:"user_id"`
	Type      string    `json:"type"`
	Message   string    `json:"message,omitempty"`
	Remaining int       `json:"remaining_seconds"`
	Section   int       `json:"section_index"`
	At        time.Time `json:"at"`
}

// EventRepository handles attempt event data access.
type EventRepository struct {
	pool *pgxpool.Pool
}

// NewEventRepository creates a new EventRepository.
func NewEventRepository(pool *pgxpool.Pool) *EventRepository {
	return &EventRepository{pool: pool}
}

// InsertBatch stores events with COPY.
func (r *EventRepository) InsertBatch(ctx context.Context, events []EventRecord) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(events))
	for _, e := range events {
		rows = append(rows, []any{
			e.AttemptID, e.TestID, e.UserID, e.Type, e.Message, e.Remaining, e.Section, e.At,
		})
	}
	_, err := r.pool.CopyFrom(
		ctx,
		pgx.Identifier{"attempt_events"},
		[]string{"attempt_id", "test_id", "user_id", "type", "message", "remaining", "section", "created_at"},
		pgx.CopyFromRows(rows),
	)
	return err
}

// Insert stores a single event.
func (r *EventRepository) Insert(ctx context.Context, e EventRecord) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO attempt_events (attempt_id, test_id, user_id, type, message, remaining, section, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.AttemptID, e.TestID, e.UserID, e.Type, e.Message, e.Remaining, e.Section, e.At)
	return err
}

// ListByAttempt returns an attempt's events in order.
func (r *EventRepository) ListByAttempt(ctx context.Context, attemptID uuid.UUID) ([]EventRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT attempt_id, test_id, user_id, type, message, remaining, section, created_at
		 FROM attempt_events WHERE attempt_id = $1 ORDER BY created_at, id`, attemptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []EventRecord{}
	for rows.Next() {
		var e EventRecord
		if err := rows.Scan(&e.AttemptID, &e.TestID, &e.UserID, &e.Type, &e.Message,
			&e.Remaining, &e.Section, &e.At); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
