package assessment

import (
	"context"

	"github.com/google/uuid"

	"github.com/stemsi/bandprep-backend/internal/model"
)

// Provider loads the definition of a published test.
type Provider interface {
	FetchTest(ctx context.Context, testID uuid.UUID) (*model.TestDefinition, error)
}

// Sink accepts a finished session. Implementations return a *SubmitError to
// distinguish payload rejections from retryable failures.
type Sink interface {
	Submit(ctx context.Context, sessionID uuid.UUID, payload *Payload, elapsedSeconds int) (*model.Receipt, error)
}

// Handle identifies one capture on a Device.
type Handle interface {
	SectionID() uuid.UUID
}

// Device records audio for a single section at a time.
type Device interface {
	StartCapture(ctx context.Context, sectionID uuid.UUID) (Handle, error)
	StopCapture(ctx context.Context, h Handle) (model.AudioRef, error)
	CancelCapture(ctx context.Context, h Handle) error
}

// EventType names a notification emitted by the Controller.
type EventType string

const (
	EventStarted         EventType = "started"
	EventTick            EventType = "tick"
	EventSectionAdvanced EventType = "section_advanced"
	EventExpired         EventType = "expired"
	EventCaptureStarted  EventType = "capture_started"
	EventCaptured        EventType = "captured"
	EventCaptureFailed   EventType = "capture_failed"
	EventSubmitting      EventType = "submitting"
	EventSubmitted       EventType = "submitted"
	EventSubmitFailed    EventType = "submit_failed"
	EventAbandoned       EventType = "abandoned"
	EventFailed          EventType = "failed"
)

// User-facing messages for the two ways a session ends.
const (
	MessageTimeUp    = "Time's up, submitting your answers"
	MessageSubmitted = "Submitted successfully"
)

// Event is a notification with the session state at the time it happened.
type Event struct {
	Type      EventType `json:"type"`
	Message   string    `json:"message,omitempty"`
	Retryable bool      `json:"retryable,omitempty"`
	Snapshot  Snapshot  `json:"state"`
}

// Observer receives events from the Controller loop. It must not block.
type Observer func(Event)
