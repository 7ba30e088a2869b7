package websocket

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/stemsi/bandprep-backend/internal/assessment"
	"github.com/stemsi/bandprep-backend/internal/model"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAnswer        Action = "answer"
	ActionCaptureStart  Action = "capture_start"
	ActionCaptureStop   Action = "capture_stop"
	ActionCaptureCancel Action = "capture_cancel"
	ActionAdvance       Action = "advance"
	ActionSubmit        Action = "submit"
	ActionRetry         Action = "retry"
	ActionState         Action = "state"
	ActionPing          Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action          `json:"action"`
	Raw    json.RawMessage `json:"-"`
}

// AnswerRequest records a text answer for the current section.
type AnswerRequest struct {
	Action    Action    `json:"action"`
	SectionID uuid.UUID `json:"section_id"`
	Text      string    `json:"text"`
}

// CaptureStartRequest opens a recording for the current section. Audio
// chunks follow as binary frames until capture_stop.
type CaptureStartRequest struct {
	Action      Action    `json:"action"`
	SectionID   uuid.UUID `json:"section_id"`
	ContentType string    `json:"content_type"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventState    Event = "state"
	EventSession  Event = "session"
	EventCaptured Event = "captured"
	EventResult   Event = "result"
	EventError    Event = "error"
	EventPong     Event = "pong"
)

// StateResponse carries the session snapshot, sent on connect and on request.
type StateResponse struct {
	Event Event               `json:"event"`
	State assessment.Snapshot `json:"state"`
}

// SessionEventResponse forwards a controller event (tick, advance, expiry...).
type SessionEventResponse struct {
	Event     Event                `json:"event"`
	Type      assessment.EventType `json:"type"`
	Message   string               `json:"message,omitempty"`
	Retryable bool                 `json:"retryable,omitempty"`
	State     assessment.Snapshot  `json:"state"`
}

// CapturedResponse acknowledges a finished recording.
type CapturedResponse struct {
	Event Event          `json:"event"`
	Audio model.AudioRef `json:"audio"`
}

// ResultResponse is the outcome of submit or retry.
type ResultResponse struct {
	Event     Event                      `json:"event"`
	State     assessment.SubmissionState `json:"state"`
	Receipt   *model.Receipt             `json:"receipt,omitempty"`
	Message   string                     `json:"message,omitempty"`
	Retryable bool                       `json:"retryable,omitempty"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
