package model

import "strings"

// AnswerKind tags the variant an Answer carries.
type AnswerKind string

const (
	AnswerKindText  AnswerKind = "text"
	AnswerKindAudio AnswerKind = "audio"
)

// AudioRef points at a stored recording.
type AudioRef struct {
	URL         string `json:"url"`
	Key         string `json:"key"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	DurationMs  int64  `json:"duration_ms,omitempty"`
}

// Answer is one section's response: free text (essays, objective answer sets
// encoded as JSON) or a recording.
type Answer struct {
	Kind    AnswerKind `json:"kind"`
	Text    string     `json:"text,omitempty"`
	Audio   *AudioRef  `json:"audio,omitempty"`
	Skipped bool       `json:"skipped,omitempty"`
}

// TextAnswer builds a text answer.
func TextAnswer(text string) Answer {
	return Answer{Kind: AnswerKindText, Text: text}
}

// AudioAnswer builds an audio answer.
func AudioAnswer(ref AudioRef) Answer {
	return Answer{Kind: AnswerKindAudio, Audio: &ref}
}

// SkippedAnswer marks an optional section the user moved past.
func SkippedAnswer(kind AnswerKind) Answer {
	return Answer{Kind: kind, Skipped: true}
}

// IsEmpty reports whether the answer carries no usable content.
func (a Answer) IsEmpty() bool {
	switch a.Kind {
	case AnswerKindText:
		return strings.TrimSpace(a.Text) == ""
	case AnswerKindAudio:
		return a.Audio == nil || a.Audio.SizeBytes <= 0
	default:
		return true
	}
}
