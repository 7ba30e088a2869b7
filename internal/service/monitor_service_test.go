package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/bandprep-backend/internal/model"
	"github.com/stemsi/bandprep-backend/internal/repository"
)

type fakeMonitorStore struct {
	attempts  []repository.LiveAttempt
	drafts    map[uuid.UUID]int64
	failures  map[uuid.UUID]int64
	draftErr  error
	failedErr error
}

func (s *fakeMonitorStore) ListAttempts(ctx context.Context, testID uuid.UUID, finishedWithin time.Duration) ([]repository.LiveAttempt, error) {
	return s.attempts, nil
}

func (s *fakeMonitorStore) GetDraftCounts(ctx context.Context, testID uuid.UUID) (map[uuid.UUID]int64, error) {
	return s.drafts, s.draftErr
}

func (s *fakeMonitorStore) GetCaptureFailureCounts(ctx context.Context, testID uuid.UUID) (map[uuid.UUID]int64, error) {
	return s.failures, s.failedErr
}

func TestMonitorService_Snapshot(t *testing.T) {
	live, done, gone := uuid.New(), uuid.New(), uuid.New()
	store := &fakeMonitorStore{
		attempts: []repository.LiveAttempt{
			{AttemptID: live, UserID: 1, Name: "Ayu", Status: model.AttemptStatusInProgress},
			{AttemptID: done, UserID: 2, Name: "Budi", Status: model.AttemptStatusSubmitted},
			{AttemptID: gone, UserID: 3, Name: "Citra", Status: model.AttemptStatusAbandoned},
		},
		drafts:   map[uuid.UUID]int64{live: 2},
		failures: map[uuid.UUID]int64{live: 1, gone: 2},
	}
	svc := NewMonitorService(store, nil)

	rows, stats, err := svc.Snapshot(context.Background(), uuid.New())
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, int64(2), rows[0].AnsweredCount)
	assert.Equal(t, int64(1), rows[0].CaptureFailedCount)
	assert.Equal(t, MonitorStats{TotalInProgress: 1, TotalSubmitted: 1, TotalAbandoned: 1, TotalCaptureFailed: 3}, stats)
}

func TestMonitorService_CaptureFailuresAreBestEffort(t *testing.T) {
	id := uuid.New()
	svc := NewMonitorService(&fakeMonitorStore{
		drafts:    map[uuid.UUID]int64{id: 4},
		failedErr: errDatabaseDown,
	}, nil)

	progress, err := svc.GetProgress(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, int64(4), progress.AnsweredCounts[id])
	assert.Empty(t, progress.CaptureFailedCounts)

	svc = NewMonitorService(&fakeMonitorStore{draftErr: errDatabaseDown}, nil)
	_, err = svc.GetProgress(context.Background(), uuid.New())
	assert.ErrorIs(t, err, errDatabaseDown)
}

type fakeTimeline struct {
	events []repository.EventRecord
}

func (f fakeTimeline) ListByAttempt(ctx context.Context, attemptID uuid.UUID) ([]repository.EventRecord, error) {
	var out []repository.EventRecord
	for _, e := range f.events {
		if e.AttemptID == attemptID {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestMonitorService_Timeline(t *testing.T) {
	mine, other := uuid.New(), uuid.New()
	svc := NewMonitorService(&fakeMonitorStore{}, fakeTimeline{events: []repository.EventRecord{
		{AttemptID: mine, Type: "started"},
		{AttemptID: other, Type: "started"},
		{AttemptID: mine, Type: "submitted"},
	}})

	events, err := svc.Timeline(context.Background(), mine)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "submitted", events[1].Type)
}
