package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	BatchSize       = 50
	BatchTimeout    = 2 * time.Second
	PollTimeout     = 1 * time.Second // Must be >= 1s to satisfy Redis
	ShutdownTimeout = 5 * time.Second
)

// batchQueue pops JSON items from a Redis list and persists them in batches,
// flushing by size or age. A failed bulk write falls back to row-by-row writes
// and items that still fail go back on the queue.
type batchQueue[T any] struct {
	rdb     *redis.Client
	log     zerolog.Logger
	queue   string
	size    int
	timeout time.Duration
	backoff time.Duration
	bulk    func(ctx context.Context, items []T) error
	single  func(ctx context.Context, item T) error
}

func newBatchQueue[T any](rdb *redis.Client, log zerolog.Logger, queue string,
	bulk func(context.Context, []T) error, single func(context.Context, T) error) *batchQueue[T] {
	return &batchQueue[T]{
		rdb:     rdb,
		log:     log,
		queue:   queue,
		size:    BatchSize,
		timeout: BatchTimeout,
		backoff: 2 * time.Second,
		bulk:    bulk,
		single:  single,
	}
}

func (q *batchQueue[T]) run(ctx context.Context) {
	buffer := make([]T, 0, q.size)
	lastFlush := time.Now()

	for {
		// 1. Flush by size or age.
		if len(buffer) > 0 && (len(buffer) >= q.size || time.Since(lastFlush) >= q.timeout) {
			q.flushSafe(ctx, buffer)
			buffer = buffer[:0]
			lastFlush = time.Now()
		}

		// 2. Graceful shutdown.
		select {
		case <-ctx.Done():
			q.shutdown(buffer)
			return
		default:
		}

		// 3. BLPop returns immediately if data exists.
		result, err := q.rdb.BLPop(ctx, PollTimeout, q.queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			q.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			sleep(ctx, 3*time.Second)
			continue
		}
		if len(result) < 2 {
			continue
		}

		item, ok := q.decode(result[1])
		if !ok {
			continue
		}
		buffer = append(buffer, item)
	}
}

func (q *batchQueue[T]) decode(raw string) (T, bool) {
	var item T
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		// Malformed JSON can never succeed; discard it.
		q.log.Error().Err(err).Str("data", raw).Msg("Discarding malformed JSON")
		return item, false
	}
	return item, true
}

func (q *batchQueue[T]) flushSafe(ctx context.Context, batch []T) {
	if len(batch) == 0 {
		return
	}
	err := q.bulk(ctx, batch)
	if err == nil {
		return
	}
	q.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk write failed, attempting row-by-row recovery")

	var failed []T
	for _, item := range batch {
		if err := q.single(ctx, item); err != nil {
			q.log.Error().Err(err).Msg("Single write failed, requeueing")
			failed = append(failed, item)
		}
	}
	if len(failed) > 0 {
		q.requeue(ctx, failed)
	}
}

func (q *batchQueue[T]) requeue(ctx context.Context, items []T) {
	pipe := q.rdb.Pipeline()
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			continue
		}
		pipe.RPush(ctx, q.queue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		q.log.Error().Err(err).Int("count", len(items)).Msg("CRITICAL: Failed to requeue items to Redis. Data loss occurred.")
		return
	}
	q.log.Info().Int("count", len(items)).Msg("Requeued failed items back to Redis")
	// Avoid thrashing while the database is down.
	sleep(ctx, q.backoff)
}

// shutdown flushes the buffer and whatever is still queued.
func (q *batchQueue[T]) shutdown(buffer []T) {
	q.log.Info().Msg("Worker stopping, flushing remaining buffer...")

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	if err := q.flushFinal(ctx, buffer); err != nil {
		return
	}

	drained := 0
	for ctx.Err() == nil {
		raws, err := q.rdb.LPopCount(ctx, q.queue, q.size).Result()
		if err != nil || len(raws) == 0 {
			break
		}
		batch := make([]T, 0, len(raws))
		for _, raw := range raws {
			if item, ok := q.decode(raw); ok {
				batch = append(batch, item)
			}
		}
		if err := q.flushFinal(ctx, batch); err != nil {
			break
		}
		drained += len(batch)
	}
	if drained > 0 {
		q.log.Info().Int("count", drained).Msg("Drained remaining items")
	}
}

// flushFinal writes a batch during shutdown. Nothing sleeps here; items that
// fail are pushed back for the next start.
func (q *batchQueue[T]) flushFinal(ctx context.Context, batch []T) error {
	if len(batch) == 0 {
		return nil
	}
	if err := q.bulk(ctx, batch); err == nil {
		return nil
	}
	var lastErr error
	pipe := q.rdb.Pipeline()
	for _, item := range batch {
		if err := q.single(ctx, item); err != nil {
			lastErr = err
			if data, mErr := json.Marshal(item); mErr == nil {
				pipe.RPush(ctx, q.queue, data)
			}
		}
	}
	if lastErr != nil {
		if _, err := pipe.Exec(ctx); err != nil {
			q.log.Error().Err(err).Msg("CRITICAL: Failed to requeue items on shutdown")
		}
		q.log.Error().Err(lastErr).Msg("Persist failed during shutdown, items left in queue")
	}
	return lastErr
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
