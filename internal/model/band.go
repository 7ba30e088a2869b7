package model

import (
	"errors"
	"math"
)

// ErrScoreOutOfRange is returned when a grade does not fit the exam's scale.
var ErrScoreOutOfRange = errors.New("score out of range")

type bandStep struct {
	minRaw int
	band   float64
}

// Raw-score thresholds out of 40 questions.
var listeningBands = []bandStep{
	{39, 9.0}, {37, 8.5}, {35, 8.0}, {32, 7.5}, {30, 7.0}, {26, 6.5},
	{23, 6.0}, {18, 5.5}, {16, 5.0}, {13, 4.5}, {10, 4.0}, {8, 3.5},
	{6, 3.0}, {4, 2.5}, {2, 2.0}, {1, 1.0},
}

var readingBands = []bandStep{
	{39, 9.0}, {37, 8.5}, {35, 8.0}, {33, 7.5}, {30, 7.0}, {27, 6.5},
	{23, 6.0}, {19, 5.5}, {15, 5.0}, {13, 4.5}, {10, 4.0}, {8, 3.5},
	{6, 3.0}, {4, 2.5}, {2, 2.0}, {1, 1.0},
}

// RawToBand converts an objective IELTS raw score to a band. Tests shorter
// than the standard 40 questions are scaled to 40 first. Only listening and
// reading have a conversion table; other skills return false.
func RawToBand(skill Skill, correct, total int) (float64, bool) {
	var table []bandStep
	switch skill {
	case SkillListening:
		table = listeningBands
	case SkillReading:
		table = readingBands
	default:
		return 0, false
	}
	if total <= 0 {
		return 0, false
	}

	scaled := correct
	if total != 40 {
		scaled = int(math.Round(float64(correct) * 40 / float64(total)))
	}
	for _, step := range table {
		if scaled >= step.minRaw {
			return step.band, true
		}
	}
	return 0, true
}

// RoundBand rounds an IELTS band average to the nearest half band; quarter
// values round up (6.25 → 6.5, 6.75 → 7.0).
func RoundBand(avg float64) float64 {
	return math.Floor(avg*2+0.5+1e-9) / 2
}

// ValidateScore checks a section score against the exam's scale: IELTS bands
// are 0–9 in half steps, PTE scores are whole numbers 10–90.
func ValidateScore(exam ExamBoard, score float64) error {
	switch exam {
	case ExamIELTS:
		if score < 0 || score > 9 || math.Mod(score*2, 1) != 0 {
			return ErrScoreOutOfRange
		}
	case ExamPTE:
		if score < 10 || score > 90 || math.Mod(score, 1) != 0 {
			return ErrScoreOutOfRange
		}
	default:
		return ErrScoreOutOfRange
	}
	return nil
}

// OverallScore combines section scores: IELTS averages and rounds to a half
// band, PTE averages and rounds to the nearest whole point.
func OverallScore(exam ExamBoard, scores []float64) (float64, bool) {
	if len(scores) == 0 {
		return 0, false
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	avg := sum / float64(len(scores))
	if exam == ExamPTE {
		return math.Round(avg), true
	}
	return RoundBand(avg), true
}
