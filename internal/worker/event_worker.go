package worker

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/bandprep-backend/internal/config"
	"github.com/stemsi/bandprep-backend/internal/repository"
)

// EventStore persists session events.
type EventStore interface {
	InsertBatch(ctx context.Context, events []repository.EventRecord) error
	Insert(ctx context.Context, e repository.EventRecord) error
}

// EventWorker consumes persist_events_queue and COPYs session events into
// attempt_events.
type EventWorker struct {
	q *batchQueue[repository.EventRecord]
}

// NewEventWorker creates a new EventWorker.
func NewEventWorker(store EventStore, rdb *redis.Client, log zerolog.Logger) *EventWorker {
	return &EventWorker{
		q: newBatchQueue(rdb, log.With().Str("component", "event_worker").Logger(),
			config.WorkerKey.PersistEventsQueue, store.InsertBatch, store.Insert),
	}
}

// Start begins the worker loop. Call in a goroutine.
func (w *EventWorker) Start(ctx context.Context) {
	w.q.log.Info().Msg("EventWorker started")
	w.q.run(ctx)
	w.q.log.Info().Msg("EventWorker stopped")
}
