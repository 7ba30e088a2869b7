package model

import (
	"time"

	"github.com/google/uuid"
)

// SubmissionStatus enumerates grading progress of a submission.
type SubmissionStatus string

const (
	SubmissionStatusPendingReview SubmissionStatus = "PENDING_REVIEW"
	SubmissionStatusAutoGraded    SubmissionStatus = "AUTO_GRADED"
	SubmissionStatusGraded        SubmissionStatus = "GRADED"
)

// Submission is a durably stored, completed attempt.
type Submission struct {
	ID             uuid.UUID          `json:"id"`
	AttemptID      uuid.UUID          `json:"attempt_id"`
	TestID         uuid.UUID          `json:"test_id"`
	TestTitle      string             `json:"test_title,omitempty"`
	UserID         int                `json:"user_id"`
	UserName       string             `json:"user_name,omitempty"`
	ElapsedSeconds int                `json:"elapsed_seconds"`
	Forced         bool               `json:"forced"`
	Status         SubmissionStatus   `json:"status"`
	ObjectiveScore *float64           `json:"objective_score,omitempty"`
	BandScore      *float64           `json:"band_score,omitempty"`
	Feedback       string             `json:"feedback,omitempty"`
	GradedBy       *int               `json:"graded_by,omitempty"`
	GradedAt       *time.Time         `json:"graded_at,omitempty"`
	SubmittedAt    time.Time          `json:"submitted_at"`
	Answers        []SubmissionAnswer `json:"answers,omitempty"`
}

// SubmissionAnswer is one stored section answer plus its grade.
type SubmissionAnswer struct {
	SubmissionID uuid.UUID `json:"submission_id"`
	SectionID    uuid.UUID `json:"section_id"`
	Answer       *Answer   `json:"answer"`
	Score        *float64  `json:"score,omitempty"`
	Comment      string    `json:"comment,omitempty"`
}

// Receipt is what the submission sink returns on acceptance.
type Receipt struct {
	SubmissionID uuid.UUID        `json:"submission_id"`
	AttemptID    uuid.UUID        `json:"attempt_id"`
	Status       SubmissionStatus `json:"status"`
	SubmittedAt  time.Time        `json:"submitted_at"`
	Duplicate    bool             `json:"duplicate,omitempty"`
}

// SubmitAnswerRequest is one section answer in a JSON submission.
type SubmitAnswerRequest struct {
	SectionID uuid.UUID `json:"section_id" binding:"required"`
	Text      *string   `json:"text"`
	Skipped   bool      `json:"skipped"`
}

// SubmitRequest is the JSON submission body. Multipart submissions carry the
// same fields plus one audio file per speaking section.
type SubmitRequest struct {
	Answers        []SubmitAnswerRequest `json:"answers" binding:"dive"`
	ElapsedSeconds int                   `json:"elapsed_seconds" binding:"min=0"`
	Forced         bool                  `json:"forced"`
}

// SectionGradeRequest grades one section.
type SectionGradeRequest struct {
	SectionID uuid.UUID `json:"section_id" binding:"required"`
	Score     float64   `json:"score" binding:"min=0,max=90"`
	Comment   string    `json:"comment" binding:"max=5000"`
}

// GradeRequest is the manual grading payload.
type GradeRequest struct {
	Sections []SectionGradeRequest `json:"sections" binding:"required,min=1,dive"`
	Feedback string                `json:"feedback" binding:"max=10000"`
}

// SubmissionFilter narrows submission listings.
type SubmissionFilter struct {
	TestID *uuid.UUID
	UserID *int
	Status SubmissionStatus
}
