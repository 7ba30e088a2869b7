package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/bandprep-backend/internal/assessment"
	"github.com/stemsi/bandprep-backend/internal/config"
	"github.com/stemsi/bandprep-backend/internal/model"
	"github.com/stemsi/bandprep-backend/internal/repository"
)

const eventBufferSize = 1024

// persistedEvents are kept in attempt_events for review.
var persistedEvents = map[assessment.EventType]bool{
	assessment.EventStarted:         true,
	assessment.EventSectionAdvanced: true,
	assessment.EventExpired:         true,
	assessment.EventCaptureFailed:   true,
	assessment.EventSubmitted:       true,
	assessment.EventSubmitFailed:    true,
	assessment.EventAbandoned:       true,
	assessment.EventFailed:          true,
}

// MonitorEvent is what admins watching a test receive.
type MonitorEvent struct {
	AttemptID        uuid.UUID `json:"attempt_id"`
	UserID           int       `json:"user_id"`
	Type             string    `json:"type"`
	Message          string    `json:"message,omitempty"`
	Phase            string    `json:"phase"`
	SectionIndex     int       `json:"section_index"`
	RemainingSeconds int       `json:"remaining_seconds"`
	Answered         int       `json:"answered"`
	At               time.Time `json:"at"`
}

type queuedEvent struct {
	attempt model.Attempt
	event   assessment.Event
	at      time.Time
}

// EventService fans live session events out to the admin monitor channel and
// the persistence queue. Record never blocks the session loop.
type EventService struct {
	rdb *redis.Client
	ch  chan queuedEvent
	log zerolog.Logger
}

// NewEventService creates a new EventService.
func NewEventService(rdb *redis.Client, log zerolog.Logger) *EventService {
	return &EventService{
		rdb: rdb,
		ch:  make(chan queuedEvent, eventBufferSize),
		log: log.With().Str("component", "event_service").Logger(),
	}
}

// Record queues an event. Ticks are not forwarded. When the buffer is full
// the event is dropped.
func (s *EventService) Record(a *model.Attempt, ev assessment.Event) {
	if ev.Type == assessment.EventTick {
		return
	}
	select {
	case s.ch <- queuedEvent{attempt: *a, event: ev, at: time.Now()}:
	default:
		s.log.Warn().
			Str("attempt_id", a.ID.String()).
			Str("type", string(ev.Type)).
			Msg("Event buffer full, dropping event")
	}
}

// Run publishes queued events until ctx is cancelled, then drains the buffer.
func (s *EventService) Run(ctx context.Context) {
	s.log.Info().Msg("EventService started")
	for {
		select {
		case <-ctx.Done():
			s.drain()
			return
		case qe := <-s.ch:
			// A publish already dequeued still completes during shutdown.
			s.publish(context.WithoutCancel(ctx), qe)
		}
	}
}

func (s *EventService) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case qe := <-s.ch:
			s.publish(ctx, qe)
		default:
			return
		}
	}
}

func (s *EventService) publish(ctx context.Context, qe queuedEvent) {
	snap := qe.event.Snapshot
	mon, err := json.Marshal(MonitorEvent{
		AttemptID:        qe.attempt.ID,
		UserID:           qe.attempt.UserID,
		Type:             string(qe.event.Type),
		Message:          qe.event.Message,
		Phase:            snap.Phase,
		SectionIndex:     snap.SectionIndex,
		RemainingSeconds: snap.RemainingSeconds,
		Answered:         len(snap.Answered),
		At:               qe.at,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to marshal monitor event")
		return
	}

	pipe := s.rdb.Pipeline()
	pipe.Publish(ctx, config.CacheKey.TestMonitorChannel(qe.attempt.TestID.String()), mon)
	if persistedEvents[qe.event.Type] {
		rec, err := json.Marshal(repository.EventRecord{
			AttemptID: qe.attempt.ID,
			TestID:    qe.attempt.TestID,
			UserID:    qe.attempt.UserID,
			Type:      string(qe.event.Type),
			Message:   qe.event.Message,
			Remaining: snap.RemainingSeconds,
			Section:   snap.SectionIndex,
			At:        qe.at,
		})
		if err == nil {
			pipe.RPush(ctx, config.WorkerKey.PersistEventsQueue, rec)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", qe.attempt.ID.String()).Msg("Failed to publish event")
	}
}

// Subscribe opens a PubSub on a test's monitor channel. The caller closes it.
func (s *EventService) Subscribe(ctx context.Context, testID uuid.UUID) *redis.PubSub {
	return s.rdb.Subscribe(ctx, config.CacheKey.TestMonitorChannel(testID.String()))
}
