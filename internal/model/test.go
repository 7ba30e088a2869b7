package model

import (
	"time"

	"github.com/google/uuid"
)

// ExamBoard is the exam a test prepares for.
type ExamBoard string

const (
	ExamIELTS ExamBoard = "IELTS"
	ExamPTE   ExamBoard = "PTE"
)

// Skill is the module a test covers.
type Skill string

const (
	SkillListening Skill = "listening"
	SkillReading   Skill = "reading"
	SkillWriting   Skill = "writing"
	SkillSpeaking  Skill = "speaking"
)

// TestStatus enumerates the lifecycle of a test in the dashboard.
type TestStatus string

const (
	TestStatusDraft     TestStatus = "DRAFT"
	TestStatusPublished TestStatus = "PUBLISHED"
	TestStatusArchived  TestStatus = "ARCHIVED"
)

// TimerMode decides whether one countdown covers the whole test or each
// section gets its own.
type TimerMode string

const (
	TimerPerSection TimerMode = "per_section"
	TimerWholeTest  TimerMode = "whole_test"
)

// Requirement marks whether a section must be answered before moving on.
type Requirement string

const (
	RequirementRequired Requirement = "required"
	RequirementOptional Requirement = "optional"
)

// Test is a listening/reading/writing/speaking test authored in the dashboard.
type Test struct {
	ID               uuid.UUID  `json:"id"`
	Title            string     `json:"title"`
	Exam             ExamBoard  `json:"exam"`
	Skill            Skill      `json:"skill"`
	TimerMode        TimerMode  `json:"timer_mode"`
	TimeLimitMinutes int        `json:"time_limit_minutes"`
	Instructions     string     `json:"instructions"`
	Status           TestStatus `json:"status"`
	AuthorID         int        `json:"author_id"`
	SectionCount     int        `json:"section_count"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Section is one timed unit of a test (a speaking part, a writing task, a
// reading passage).
type Section struct {
	ID               uuid.UUID           `json:"id"`
	TestID           uuid.UUID           `json:"test_id"`
	OrderNum         int                 `json:"order_num"`
	Title            string              `json:"title"`
	Instructions     string              `json:"instructions"`
	Prompt           string              `json:"prompt,omitempty"`
	DiagramURL       string              `json:"diagram_url,omitempty"`
	AudioURL         string              `json:"audio_url,omitempty"`
	PDFURL           string              `json:"pdf_url,omitempty"`
	TimeLimitMinutes int                 `json:"time_limit_minutes"`
	AnswerKind       AnswerKind          `json:"answer_kind"`
	Requirement      Requirement         `json:"requirement"`
	QuestionCount    int                 `json:"question_count"`
	AnswerKey        map[string][]string `json:"answer_key,omitempty"`
}

// Objective reports whether a section can be scored against an answer key.
func (s *Section) Objective() bool {
	return s.AnswerKind == AnswerKindText && len(s.AnswerKey) > 0
}

// TestDefinition is the immutable, student-facing shape of a published test.
// Answer keys are never part of it.
type TestDefinition struct {
	ID               uuid.UUID           `json:"id"`
	Title            string              `json:"title"`
	Exam             ExamBoard           `json:"exam"`
	Skill            Skill               `json:"skill"`
	Instructions     string              `json:"instructions"`
	TimerMode        TimerMode           `json:"timer_mode"`
	TimeLimitSeconds int                 `json:"time_limit_seconds"`
	Sections         []SectionDefinition `json:"sections"`
}

// SectionDefinition is the student-facing shape of a section.
type SectionDefinition struct {
	ID               uuid.UUID   `json:"id"`
	OrderNum         int         `json:"order_num"`
	Title            string      `json:"title"`
	Instructions     string      `json:"instructions"`
	Prompt           string      `json:"prompt,omitempty"`
	DiagramURL       string      `json:"diagram_url,omitempty"`
	AudioURL         string      `json:"audio_url,omitempty"`
	PDFURL           string      `json:"pdf_url,omitempty"`
	TimeLimitSeconds int         `json:"time_limit_seconds"`
	AnswerKind       AnswerKind  `json:"answer_kind"`
	Requirement      Requirement `json:"requirement"`
	QuestionCount    int         `json:"question_count"`
}

// Section returns the section definition with the given ID.
func (d *TestDefinition) Section(id uuid.UUID) (*SectionDefinition, bool) {
	for i := range d.Sections {
		if d.Sections[i].ID == id {
			return &d.Sections[i], true
		}
	}
	return nil, false
}

// NewTestDefinition builds the student payload from a test and its ordered sections.
func NewTestDefinition(t *Test, sections []Section) *TestDefinition {
	def := &TestDefinition{
		ID:               t.ID,
		Title:            t.Title,
		Exam:             t.Exam,
		Skill:            t.Skill,
		Instructions:     t.Instructions,
		TimerMode:        t.TimerMode,
		TimeLimitSeconds: t.TimeLimitMinutes * 60,
		Sections:         make([]SectionDefinition, len(sections)),
	}
	for i, s := range sections {
		def.Sections[i] = SectionDefinition{
			ID:               s.ID,
			OrderNum:         s.OrderNum,
			Title:            s.Title,
			Instructions:     s.Instructions,
			Prompt:           s.Prompt,
			DiagramURL:       s.DiagramURL,
			AudioURL:         s.AudioURL,
			PDFURL:           s.PDFURL,
			TimeLimitSeconds: s.TimeLimitMinutes * 60,
			AnswerKind:       s.AnswerKind,
			Requirement:      s.Requirement,
			QuestionCount:    s.QuestionCount,
		}
	}
	return def
}

// CreateTestRequest is the payload for creating a new draft test.
type CreateTestRequest struct {
	Title            string    `json:"title" binding:"required,min=3,max=255"`
	Exam             ExamBoard `json:"exam" binding:"required,oneof=IELTS PTE"`
	Skill            Skill     `json:"skill" binding:"required,oneof=listening reading writing speaking"`
	TimerMode        TimerMode `json:"timer_mode" binding:"required,oneof=per_section whole_test"`
	TimeLimitMinutes int       `json:"time_limit_minutes" binding:"omitempty,min=1,max=240"`
	Instructions     string    `json:"instructions" binding:"max=5000"`
}

// UpdateTestRequest is the payload for updating a draft test.
type UpdateTestRequest struct {
	Title            string    `json:"title" binding:"omitempty,min=3,max=255"`
	TimerMode        TimerMode `json:"timer_mode" binding:"omitempty,oneof=per_section whole_test"`
	TimeLimitMinutes *int      `json:"time_limit_minutes" binding:"omitempty,min=1,max=240"`
	Instructions     *string   `json:"instructions" binding:"omitempty,max=5000"`
}

// SectionRequest is the payload for adding or updating a section.
type SectionRequest struct {
	OrderNum         int                 `json:"order_num" binding:"min=0"`
	Title            string              `json:"title" binding:"required,min=1,max=255"`
	Instructions     string              `json:"instructions" binding:"max=5000"`
	Prompt           string              `json:"prompt" binding:"max=20000"`
	DiagramURL       string              `json:"diagram_url" binding:"omitempty,max=1024,media_url"`
	AudioURL         string              `json:"audio_url" binding:"omitempty,max=1024,media_url"`
	PDFURL           string              `json:"pdf_url" binding:"omitempty,max=1024,media_url"`
	TimeLimitMinutes int                 `json:"time_limit_minutes" binding:"min=0,max=240"`
	AnswerKind       AnswerKind          `json:"answer_kind" binding:"required,oneof=text audio"`
	Requirement      Requirement         `json:"requirement" binding:"required,oneof=required optional"`
	QuestionCount    int                 `json:"question_count" binding:"min=0,max=100"`
	AnswerKey        map[string][]string `json:"answer_key"`
}

// ReplaceSectionsRequest is the payload for bulk replacing a test's sections.
type ReplaceSectionsRequest struct {
	Sections []SectionRequest `json:"sections" binding:"required,min=1,dive"`
}

// TestFilter narrows test listings.
type TestFilter struct {
	Exam     ExamBoard
	Skill    Skill
	Status   TestStatus
	AuthorID int
}
