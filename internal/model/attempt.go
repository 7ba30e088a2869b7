package model

import (
	"time"

	"github.com/google/uuid"
)

// AttemptStatus enumerates the states of a test attempt.
type AttemptStatus string

const (
	AttemptStatusInProgress AttemptStatus = "IN_PROGRESS"
	AttemptStatusSubmitted  AttemptStatus = "SUBMITTED"
	AttemptStatusAbandoned  AttemptStatus = "ABANDONED"
)

// Attempt is one sitting of a test by a student.
type Attempt struct {
	ID             uuid.UUID     `json:"id"`
	TestID         uuid.UUID     `json:"test_id"`
	UserID         int           `json:"user_id"`
	Status         AttemptStatus `json:"status"`
	StartedAt      time.Time     `json:"started_at"`
	FinishedAt     *time.Time    `json:"finished_at,omitempty"`
	ElapsedSeconds *int          `json:"elapsed_seconds,omitempty"`
	Forced         bool          `json:"forced"`
}

// AttemptState is returned on page reload so the client can restore drafts
// and the countdown.
type AttemptState struct {
	AttemptID        uuid.UUID            `json:"attempt_id"`
	TestID           uuid.UUID            `json:"test_id"`
	Drafts           map[uuid.UUID]Answer `json:"drafts"`
	RemainingSeconds int                  `json:"remaining_seconds"`
	ElapsedSeconds   int                  `json:"elapsed_seconds"`
}

// SaveDraftRequest autosaves a text answer for one section.
type SaveDraftRequest struct {
	SectionID uuid.UUID `json:"section_id" binding:"required"`
	Text      string    `json:"text" binding:"max=50000"`
}

// CatalogEntry is a published test as shown to a student, overlaid with the
// student's latest attempt.
type CatalogEntry struct {
	Test
	AttemptID     *uuid.UUID     `json:"attempt_id,omitempty"`
	AttemptStatus *AttemptStatus `json:"attempt_status,omitempty"`
}
