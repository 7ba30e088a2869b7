package worker

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/bandprep-backend/internal/config"
	"github.com/stemsi/bandprep-backend/internal/repository"
)

// ScoreStore persists objective scores.
type ScoreStore interface {
	BulkUpdateObjectiveScores(ctx context.Context, updates []repository.ScoreUpdate) error
	UpdateObjectiveScore(ctx context.Context, u repository.ScoreUpdate) error
}

// ScoringWorker consumes persist_scores_queue and bulk-updates submissions
// with their auto-graded scores.
type ScoringWorker struct {
	q *batchQueue[repository.ScoreUpdate]
}

// NewScoringWorker creates a new ScoringWorker.
func NewScoringWorker(store ScoreStore, rdb *redis.Client, log zerolog.Logger) *ScoringWorker {
	return &ScoringWorker{
		q: newBatchQueue(rdb, log.With().Str("component", "scoring_worker").Logger(),
			config.WorkerKey.PersistScoresQueue, store.BulkUpdateObjectiveScores, store.UpdateObjectiveScore),
	}
}

// Start begins the worker loop. Call in a goroutine.
func (w *ScoringWorker) Start(ctx context.Context) {
	w.q.log.Info().Msg("ScoringWorker started")
	w.q.run(ctx)
	w.q.log.Info().Msg("ScoringWorker stopped")
}
