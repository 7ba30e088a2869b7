package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/bandprep-backend/internal/config"
	"github.com/stemsi/bandprep-backend/internal/model"
	"github.com/stemsi/bandprep-backend/internal/repository"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

type fakeDraftStore struct {
	mu        sync.Mutex
	bulkErr   error
	singleErr error
	bulkCalls int
	saved     []repository.DraftRecord
}

func (s *fakeDraftStore) UpsertBatch(ctx context.Context, drafts []repository.DraftRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bulkCalls++
	if s.bulkErr != nil {
		return s.bulkErr
	}
	s.saved = append(s.saved, drafts...)
	return nil
}

func (s *fakeDraftStore) Upsert(ctx context.Context, d repository.DraftRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.singleErr != nil {
		return s.singleErr
	}
	s.saved = append(s.saved, d)
	return nil
}

func (s *fakeDraftStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

func pushDraft(t *testing.T, rdb *redis.Client, text string) repository.DraftRecord {
	t.Helper()
	rec := repository.DraftRecord{
		AttemptID: uuid.New(),
		SectionID: uuid.New(),
		Answer:    model.TextAnswer(text),
		SavedAt:   time.Now().UTC().Truncate(time.Second),
	}
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, rdb.RPush(context.Background(), config.WorkerKey.PersistDraftsQueue, data).Err())
	return rec
}

func TestDraftWorker_FlushesBatchBySize(t *testing.T) {
	_, rdb := newRedis(t)
	store := &fakeDraftStore{}
	w := NewDraftWorker(store, rdb, zerolog.Nop())
	w.q.size = 3
	w.q.timeout = time.Hour

	for i := 0; i < 3; i++ {
		pushDraft(t, rdb, "essay draft")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return store.count() == 3 }, 5*time.Second, 20*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, 1, store.bulkCalls)
	assert.Equal(t, "essay draft", store.saved[0].Answer.Text)
}

func TestDraftWorker_FallsBackToSingleWrites(t *testing.T) {
	_, rdb := newRedis(t)
	store := &fakeDraftStore{bulkErr: errors.New("deadlock detected")}
	w := NewDraftWorker(store, rdb, zerolog.Nop())
	w.q.timeout = 10 * time.Millisecond

	pushDraft(t, rdb, "a")
	pushDraft(t, rdb, "b")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return store.count() == 2 }, 5*time.Second, 20*time.Millisecond)
	cancel()
	<-done
}

func TestBatchQueue_RequeuesFailedItems(t *testing.T) {
	_, rdb := newRedis(t)
	store := &fakeDraftStore{
		bulkErr:   errors.New("connection refused"),
		singleErr: errors.New("connection refused"),
	}
	w := NewDraftWorker(store, rdb, zerolog.Nop())
	w.q.backoff = time.Millisecond

	rec := repository.DraftRecord{AttemptID: uuid.New(), SectionID: uuid.New(), Answer: model.TextAnswer("x")}
	w.q.flushSafe(context.Background(), []repository.DraftRecord{rec})

	raws, err := rdb.LRange(context.Background(), config.WorkerKey.PersistDraftsQueue, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, raws, 1)

	var back repository.DraftRecord
	require.NoError(t, json.Unmarshal([]byte(raws[0]), &back))
	assert.Equal(t, rec.SectionID, back.SectionID)
}

func TestBatchQueue_DiscardsMalformedJSON(t *testing.T) {
	_, rdb := newRedis(t)
	store := &fakeDraftStore{}
	w := NewDraftWorker(store, rdb, zerolog.Nop())
	w.q.timeout = 10 * time.Millisecond

	require.NoError(t, rdb.RPush(context.Background(), config.WorkerKey.PersistDraftsQueue, "{not json").Err())
	pushDraft(t, rdb, "valid")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return store.count() == 1 }, 5*time.Second, 20*time.Millisecond)
	cancel()
	<-done
}

func TestBatchQueue_ShutdownDrainsQueue(t *testing.T) {
	_, rdb := newRedis(t)
	store := &fakeDraftStore{}
	w := NewDraftWorker(store, rdb, zerolog.Nop())

	for i := 0; i < 5; i++ {
		pushDraft(t, rdb, "left behind")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Start(ctx)

	assert.Equal(t, 5, store.count())
	n, err := rdb.LLen(context.Background(), config.WorkerKey.PersistDraftsQueue).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

type fakeScoreStore struct {
	mu      sync.Mutex
	updates []repository.ScoreUpdate
}

func (s *fakeScoreStore) BulkUpdateObjectiveScores(ctx context.Context, updates []repository.ScoreUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, updates...)
	return nil
}

func (s *fakeScoreStore) UpdateObjectiveScore(ctx context.Context, u repository.ScoreUpdate) error {
	return s.BulkUpdateObjectiveScores(ctx, []repository.ScoreUpdate{u})
}

func TestScoringWorker_PersistsScores(t *testing.T) {
	_, rdb := newRedis(t)
	store := &fakeScoreStore{}
	w := NewScoringWorker(store, rdb, zerolog.Nop())
	w.q.timeout = 10 * time.Millisecond

	band := 7.5
	sectionID := uuid.New()
	upd := repository.ScoreUpdate{
		SubmissionID:   uuid.New(),
		ObjectiveScore: 32,
		BandScore:      &band,
		SectionScores:  map[uuid.UUID]float64{sectionID: 32},
	}
	data, err := json.Marshal(upd)
	require.NoError(t, err)
	require.NoError(t, rdb.RPush(context.Background(), config.WorkerKey.PersistScoresQueue, data).Err())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.updates) == 1
	}, 5*time.Second, 20*time.Millisecond)
	cancel()
	<-done

	got := store.updates[0]
	assert.Equal(t, upd.SubmissionID, got.SubmissionID)
	require.NotNil(t, got.BandScore)
	assert.Equal(t, 7.5, *got.BandScore)
	assert.Equal(t, 32.0, got.SectionScores[sectionID])
}

type fakeEventStore struct {
	mu     sync.Mutex
	events []repository.EventRecord
}

func (s *fakeEventStore) InsertBatch(ctx context.Context, events []repository.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

func (s *fakeEventStore) Insert(ctx context.Context, e repository.EventRecord) error {
	return s.InsertBatch(ctx, []repository.EventRecord{e})
}

func TestEventWorker_PersistsOnShutdown(t *testing.T) {
	_, rdb := newRedis(t)
	store := &fakeEventStore{}
	w := NewEventWorker(store, rdb, zerolog.Nop())

	rec := repository.EventRecord{AttemptID: uuid.New(), TestID: uuid.New(), UserID: 7, Type: "expired", Message: "Time's up"}
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, rdb.RPush(context.Background(), config.WorkerKey.PersistEventsQueue, data).Err())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Start(ctx)

	require.Len(t, store.events, 1)
	assert.Equal(t, "expired", store.events[0].Type)
	assert.Equal(t, 7, store.events[0].UserID)
}
