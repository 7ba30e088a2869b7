package worker

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/bandprep-backend/internal/config"
	"github.com/stemsi/bandprep-backend/internal/repository"
)

// DraftStore persists autosaved answers.
type DraftStore interface {
	UpsertBatch(ctx context.Context, drafts []repository.DraftRecord) error
	Upsert(ctx context.Context, d repository.DraftRecord) error
}

// DraftWorker consumes persist_drafts_queue and UPSERTs drafts to PostgreSQL.
type DraftWorker struct {
	q *batchQueue[repository.DraftRecord]
}

// NewDraftWorker creates a new DraftWorker.
func NewDraftWorker(store DraftStore, rdb *redis.Client, log zerolog.Logger) *DraftWorker {
	return &DraftWorker{
		q: newBatchQueue(rdb, log.With().Str("component", "draft_worker").Logger(),
			config.WorkerKey.PersistDraftsQueue, store.UpsertBatch, store.Upsert),
	}
}

// Start begins the worker loop. Call in a goroutine.
func (w *DraftWorker) Start(ctx context.Context) {
	w.q.log.Info().Msg("DraftWorker started")
	w.q.run(ctx)
	w.q.log.Info().Msg("DraftWorker stopped")
}
