package service

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/stemsi/bandprep-backend/internal/model"
	"github.com/stemsi/bandprep-backend/internal/repository"
)

// ObjectiveResponses decodes an objective answer set: a JSON object mapping
// question number to the given answer.
func ObjectiveResponses(text string) map[string]string {
	var out map[string]string
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil
	}
	return out
}

// ScoreSection counts correct responses against a section's answer key.
// Matching ignores case and surrounding or repeated whitespace.
func ScoreSection(key map[string][]string, answer *model.Answer) (correct, total int) {
	total = len(key)
	if answer == nil || answer.Kind != model.AnswerKindText || answer.Skipped {
		return 0, total
	}
	responses := ObjectiveResponses(answer.Text)
	for q, accepted := range key {
		given := normalizeResponse(responses[q])
		if given == "" {
			continue
		}
		for _, a := range accepted {
			if normalizeResponse(a) == given {
				correct++
				break
			}
		}
	}
	return correct, total
}

// GradeObjective scores every keyed section of a submission. It reports false
// when the test has no objective sections.
func GradeObjective(submissionID uuid.UUID, def *model.TestDefinition, key AnswerKey, answers map[uuid.UUID]*model.Answer) (repository.ScoreUpdate, bool) {
	upd := repository.ScoreUpdate{
		SubmissionID:  submissionID,
		SectionScores: make(map[uuid.UUID]float64),
	}
	correct, total := 0, 0
	for _, sec := range def.Sections {
		k, ok := key[sec.ID]
		if !ok || len(k) == 0 {
			continue
		}
		c, t := ScoreSection(k, answers[sec.ID])
		upd.SectionScores[sec.ID] = float64(c)
		correct += c
		total += t
	}
	if total == 0 {
		return upd, false
	}

	upd.ObjectiveScore = float64(correct)
	if def.Exam == model.ExamIELTS {
		if band, ok := model.RawToBand(def.Skill, correct, total); ok {
			upd.BandScore = &band
		}
	}
	return upd, true
}

func normalizeResponse(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
