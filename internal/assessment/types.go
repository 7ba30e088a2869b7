package assessment

import (
	"github.com/google/uuid"

	"github.com/stemsi/bandprep-backend/internal/model"
)

// Phase is the outer state of a session.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseRunning
	PhaseSubmitting
	PhaseCompleted
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRunning:
		return "running"
	case PhaseSubmitting:
		return "submitting"
	case PhaseCompleted:
		return "completed"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SubmissionState is the submit guard exposed to clients.
type SubmissionState string

const (
	SubmissionNotStarted SubmissionState = "NOT_STARTED"
	SubmissionInProgress SubmissionState = "IN_PROGRESS"
	SubmissionSubmitting SubmissionState = "SUBMITTING"
	SubmissionSubmitted  SubmissionState = "SUBMITTED"
	SubmissionFailed     SubmissionState = "FAILED"
)

// SectionStage is the sub-state of the current section while running.
type SectionStage string

const (
	StageAwaitingInput SectionStage = "awaiting_input"
	StageCapturing     SectionStage = "capturing"
	StageCaptured      SectionStage = "captured"
)

// Payload is the frozen set of answers handed to the sink. Sections that were
// never answered map to nil.
type Payload struct {
	SessionID      uuid.UUID                   `json:"session_id"`
	TestID         uuid.UUID                   `json:"test_id"`
	Answers        map[uuid.UUID]*model.Answer `json:"answers"`
	ElapsedSeconds int                         `json:"elapsed_seconds"`
	Forced         bool                        `json:"forced"`
}

// Answered counts the sections that carry an answer.
func (p *Payload) Answered() int {
	n := 0
	for _, a := range p.Answers {
		if a != nil {
			n++
		}
	}
	return n
}

// Effects are the side effects a transition asks the owner to perform.
type Effects struct {
	// StopCapture asks the owner to stop the running capture and feed the
	// result back through CaptureFinished.
	StopCapture bool
	// Expired is set on the tick that reached zero.
	Expired bool
	// Advanced is set when the session moved to the next section.
	Advanced bool
	// Submit carries the payload to send when the session entered Submitting.
	Submit *Payload
	// StopTimer is set once no further ticks are needed.
	StopTimer bool
}

// Snapshot is a read-only view of the session.
type Snapshot struct {
	SessionID        uuid.UUID       `json:"session_id"`
	TestID           uuid.UUID       `json:"test_id"`
	Phase            string          `json:"phase"`
	SubmissionState  SubmissionState `json:"submission_state"`
	SectionIndex     int             `json:"section_index"`
	SectionID        uuid.UUID       `json:"section_id"`
	SectionCount     int             `json:"section_count"`
	Stage            SectionStage    `json:"stage"`
	RemainingSeconds int             `json:"remaining_seconds"`
	ElapsedSeconds   int             `json:"elapsed_seconds"`
	Answered         []uuid.UUID     `json:"answered"`
	Forced           bool            `json:"forced"`
	LastError        string          `json:"last_error,omitempty"`
	Retryable        bool            `json:"retryable,omitempty"`
}

// Result is the outcome of a submission.
type Result struct {
	State   SubmissionState `json:"state"`
	Receipt *model.Receipt  `json:"receipt,omitempty"`
	Err     error           `json:"-"`
}
