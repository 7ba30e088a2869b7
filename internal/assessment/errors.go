package assessment

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Input errors: the transition is blocked and nothing is sent anywhere.
var (
	ErrNoSections       = errors.New("test has no sections")
	ErrInvalidTimeLimit = errors.New("time limit must be positive")
	ErrAlreadyStarted   = errors.New("session already started")
	ErrNotStarted       = errors.New("session not started")
	ErrNotRunning       = errors.New("session is not accepting input")
	ErrSessionClosed    = errors.New("session closed")
	ErrWrongSection     = errors.New("section is not the current section")
	ErrAnswerKind       = errors.New("answer kind does not match section")
	ErrAnswerRequired   = errors.New("section requires an answer")
	ErrLastSection      = errors.New("already on the last section")
	ErrCaptureActive    = errors.New("a capture is already in progress")
	ErrNoCapture        = errors.New("no capture in progress")
	ErrTimeUp           = errors.New("time is up for this section")
)

// Collaborator errors.
var (
	ErrTestNotFound = errors.New("test not found")
	ErrDevice       = errors.New("capture device error")
	// ErrCaptureKept marks a failed stop after which the device still holds
	// the recording and can be stopped again.
	ErrCaptureKept = errors.New("recording kept")
)

// IncompleteError lists the sections still missing an answer when a manual
// submit is attempted.
type IncompleteError struct {
	Missing []uuid.UUID
}

func (e *IncompleteError) Error() string {
	ids := make([]string, len(e.Missing))
	for i, id := range e.Missing {
		ids[i] = id.String()
	}
	return "missing answers for sections: " + strings.Join(ids, ", ")
}

// Is lets callers match with errors.Is(err, ErrAnswerRequired).
func (e *IncompleteError) Is(target error) bool {
	return target == ErrAnswerRequired
}

// SubmitErrorKind classifies sink failures.
type SubmitErrorKind int

const (
	// SubmitTransient failures (network, timeouts, unavailable storage) may be retried.
	SubmitTransient SubmitErrorKind = iota
	// SubmitValidation failures repeat on retry until the payload changes.
	SubmitValidation
)

// SubmitError is returned by a Sink.
type SubmitError struct {
	Kind    SubmitErrorKind
	Message string
	Err     error
}

func (e *SubmitError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "submission failed"
}

func (e *SubmitError) Unwrap() error { return e.Err }

// ValidationError wraps a sink rejection of the payload shape.
func ValidationError(message string, err error) error {
	return &SubmitError{Kind: SubmitValidation, Message: message, Err: err}
}

// TransientError wraps a retryable sink failure.
func TransientError(err error) error {
	return &SubmitError{Kind: SubmitTransient, Err: err}
}

// IsValidation reports whether err is a payload rejection.
func IsValidation(err error) bool {
	var se *SubmitError
	return errors.As(err, &se) && se.Kind == SubmitValidation
}

// IsTransient reports whether a failed submission may be retried as-is.
// Errors that are not SubmitErrors (dropped connections, deadlines) count
// as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !IsValidation(err)
}

func deviceError(err error) error {
	return fmt.Errorf("%w: %w", ErrDevice, err)
}
