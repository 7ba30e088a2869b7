package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stemsi/bandprep-backend/internal/model"
	"github.com/stemsi/bandprep-backend/internal/repository"
)

// recentlyFinished keeps just-submitted attempts on the monitor for a while.
const recentlyFinished = 2 * time.Hour

// MonitorStore is the data the live monitor reads.
type MonitorStore interface {
	ListAttempts(ctx context.Context, testID uuid.UUID, finishedWithin time.Duration) ([]repository.LiveAttempt, error)
	GetDraftCounts(ctx context.Context, testID uuid.UUID) (map[uuid.UUID]int64, error)
	GetCaptureFailureCounts(ctx context.Context, testID uuid.UUID) (map[uuid.UUID]int64, error)
}

// TimelineStore reads the persisted session events of an attempt.
type TimelineStore interface {
	ListByAttempt(ctx context.Context, attemptID uuid.UUID) ([]repository.EventRecord, error)
}

// MonitorService orchestrates the live test monitor.
type MonitorService struct {
	monitorRepo MonitorStore
	timeline    TimelineStore
}

// NewMonitorService creates a new MonitorService.
func NewMonitorService(monitorRepo MonitorStore, timeline TimelineStore) *MonitorService {
	return &MonitorService{monitorRepo: monitorRepo, timeline: timeline}
}

// Timeline returns what happened during an attempt: start, section changes,
// capture failures, submit attempts and how it ended.
func (s *MonitorService) Timeline(ctx context.Context, attemptID uuid.UUID) ([]repository.EventRecord, error) {
	return s.timeline.ListByAttempt(ctx, attemptID)
}

// AttemptProgress is one attempt on the monitor.
type AttemptProgress struct {
	repository.LiveAttempt
	AnsweredCount      int64 `json:"answered_count"`
	CaptureFailedCount int64 `json:"capture_failed_count"`
}

// MonitorStats summarises the attempts of a test.
type MonitorStats struct {
	TotalInProgress    int   `json:"total_in_progress"`
	TotalSubmitted     int   `json:"total_submitted"`
	TotalAbandoned     int   `json:"total_abandoned"`
	TotalCaptureFailed int64 `json:"total_capture_failed"`
}

// ProgressSnapshot holds the answered and capture failure counts of every
// attempt in progress.
type ProgressSnapshot struct {
	AnsweredCounts      map[uuid.UUID]int64 `json:"answered_counts"`
	CaptureFailedCounts map[uuid.UUID]int64 `json:"capture_failed_counts"`
	TotalCaptureFailed  int64               `json:"total_capture_failed"`
}

// GetProgress fetches answered counts and capture failures concurrently.
// Capture failures are best-effort.
func (s *MonitorService) GetProgress(ctx context.Context, testID uuid.UUID) (*ProgressSnapshot, error) {
	snapshot := &ProgressSnapshot{
		AnsweredCounts:      make(map[uuid.UUID]int64),
		CaptureFailedCounts: make(map[uuid.UUID]int64),
	}

	var (
		answered    map[uuid.UUID]int64
		failed      map[uuid.UUID]int64
		answeredErr error
		failedErr   error
		wg          sync.WaitGroup
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		answered, answeredErr = s.monitorRepo.GetDraftCounts(ctx, testID)
	}()
	go func() {
		defer wg.Done()
		failed, failedErr = s.monitorRepo.GetCaptureFailureCounts(ctx, testID)
	}()
	wg.Wait()

	if answeredErr != nil {
		return nil, answeredErr
	}
	if answered != nil {
		snapshot.AnsweredCounts = answered
	}
	if failedErr == nil && failed != nil {
		snapshot.CaptureFailedCounts = failed
		for _, n := range failed {
			snapshot.TotalCaptureFailed += n
		}
	}
	return snapshot, nil
}

// Snapshot returns every attempt on the monitor with its progress.
func (s *MonitorService) Snapshot(ctx context.Context, testID uuid.UUID) ([]AttemptProgress, MonitorStats, error) {
	attempts, err := s.monitorRepo.ListAttempts(ctx, testID, recentlyFinished)
	if err != nil {
		return nil, MonitorStats{}, err
	}
	progress, err := s.GetProgress(ctx, testID)
	if err != nil {
		return nil, MonitorStats{}, err
	}

	out := make([]AttemptProgress, 0, len(attempts))
	stats := MonitorStats{TotalCaptureFailed: progress.TotalCaptureFailed}
	for _, a := range attempts {
		switch a.Status {
		case model.AttemptStatusInProgress:
			stats.TotalInProgress++
		case model.AttemptStatusSubmitted:
			stats.TotalSubmitted++
		case model.AttemptStatusAbandoned:
			stats.TotalAbandoned++
		}
		out = append(out, AttemptProgress{
			LiveAttempt:        a,
			AnsweredCount:      progress.AnsweredCounts[a.AttemptID],
			CaptureFailedCount: progress.CaptureFailedCounts[a.AttemptID],
		})
	}
	return out, stats, nil
}
