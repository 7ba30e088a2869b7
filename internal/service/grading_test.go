package service

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/bandprep-backend/internal/model"
)

func TestScoreSection(t *testing.T) {
	key := map[string][]string{"1": {"Paris"}, "2": {"blue", "navy"}, "3": {"false"}}

	tests := []struct {
		name    string
		answer  *model.Answer
		correct int
	}{
		{"all correct", ptr(model.TextAnswer(`{"1":"paris","2":"Navy","3":"FALSE"}`)), 3},
		{"whitespace ignored", ptr(model.TextAnswer(`{"1":"  PARIS ","2":"light  blue"}`)), 1},
		{"unanswered questions", ptr(model.TextAnswer(`{"2":"blue"}`)), 1},
		{"not json", ptr(model.TextAnswer("Paris, blue, false")), 0},
		{"skipped", ptr(model.SkippedAnswer(model.AnswerKindText)), 0},
		{"nil", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			correct, total := ScoreSection(key, tt.answer)
			assert.Equal(t, tt.correct, correct)
			assert.Equal(t, 3, total)
		})
	}
}

func TestGradeObjective(t *testing.T) {
	f := newReadingFixture()
	def := f.definition()
	key := AnswerKey{f.objective: f.sections[0].AnswerKey}
	subID := uuid.New()

	answers := map[uuid.UUID]*model.Answer{
		f.objective: ptr(model.TextAnswer(`{"1":"Paris","2":"red"}`)),
		f.essay:     ptr(model.TextAnswer("An essay")),
	}

	upd, ok := GradeObjective(subID, def, key, answers)
	require.True(t, ok)
	assert.Equal(t, subID, upd.SubmissionID)
	assert.Equal(t, 1.0, upd.ObjectiveScore)
	assert.Equal(t, map[uuid.UUID]float64{f.objective: 1}, upd.SectionScores)
	// 1 of 2 scales to 20 of 40.
	require.NotNil(t, upd.BandScore)
	assert.Equal(t, 5.5, *upd.BandScore)
}

func TestGradeObjective_NoKeyedSections(t *testing.T) {
	f := newReadingFixture()
	_, ok := GradeObjective(uuid.New(), f.definition(), AnswerKey{}, nil)
	assert.False(t, ok)
}

func TestGradeObjective_PTEHasNoBand(t *testing.T) {
	f := newReadingFixture()
	f.test.Exam = model.ExamPTE
	key := AnswerKey{f.objective: f.sections[0].AnswerKey}

	upd, ok := GradeObjective(uuid.New(), f.definition(), key, map[uuid.UUID]*model.Answer{
		f.objective: ptr(model.TextAnswer(`{"1":"Paris","2":"blue"}`)),
	})
	require.True(t, ok)
	assert.Equal(t, 2.0, upd.ObjectiveScore)
	assert.Nil(t, upd.BandScore)
}

func ptr[T any](v T) *T { return &v }
