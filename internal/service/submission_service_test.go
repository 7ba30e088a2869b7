package service

import (
	"bytes"
	"context"
	"errors"
	"mime/multipart"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/bandprep-backend/internal/assessment"
	"github.com/stemsi/bandprep-backend/internal/config"
	"github.com/stemsi/bandprep-backend/internal/model"
)

type submissionHarness struct {
	*attemptHarness
	subs  *fakeSubmissionStore
	media *fakeAudioSaver
	svc   *SubmissionService
}

func newSubmissionHarness(t *testing.T) *submissionHarness {
	t.Helper()
	ah := newAttemptHarness(t)
	h := &submissionHarness{
		attemptHarness: ah,
		subs:           newFakeSubmissionStore(ah.store),
		media:          &fakeAudioSaver{},
	}
	h.svc = NewSubmissionService(h.subs, ah.svc, ah.catalog, h.media, ah.svc.rdb, zerolog.Nop())
	return h
}

func (h *submissionHarness) start(t *testing.T) *model.Attempt {
	t.Helper()
	a, _, err := h.attemptHarness.svc.Start(context.Background(), h.userID, h.fixture.test.ID)
	require.NoError(t, err)
	return a
}

func (h *submissionHarness) payload(a *model.Attempt, answers map[uuid.UUID]*model.Answer, forced bool) *assessment.Payload {
	return &assessment.Payload{SessionID: a.ID, TestID: a.TestID, Answers: answers, Forced: forced}
}

func TestSubmissionService_SubmitStoresOnce(t *testing.T) {
	h := newSubmissionHarness(t)
	ctx := context.Background()
	a := h.start(t)

	answers := map[uuid.UUID]*model.Answer{
		h.fixture.objective: ptr(model.TextAnswer(`{"1":"Paris","2":"navy"}`)),
		h.fixture.essay:     ptr(model.TextAnswer("Essay body")),
	}

	receipt, err := h.svc.Submit(ctx, a.ID, h.payload(a, answers, false), 1800)
	require.NoError(t, err)
	assert.False(t, receipt.Duplicate)
	assert.Equal(t, model.SubmissionStatusPendingReview, receipt.Status)

	stored := h.subs.answers[receipt.SubmissionID]
	require.Len(t, stored, 3)
	assert.Nil(t, stored[h.fixture.speaking])

	again, err := h.svc.Submit(ctx, a.ID, h.payload(a, answers, false), 1805)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, receipt.SubmissionID, again.SubmissionID)

	n, err := h.svc.rdb.LLen(ctx, config.WorkerKey.PersistScoresQueue).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "objective score is queued once")

	exists, err := h.svc.rdb.Exists(ctx, config.CacheKey.AttemptStartKey(a.ID.String())).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}

func TestSubmissionService_ManualSubmitNeedsRequiredAnswers(t *testing.T) {
	h := newSubmissionHarness(t)
	ctx := context.Background()
	a := h.start(t)

	answers := map[uuid.UUID]*model.Answer{
		h.fixture.objective: ptr(model.TextAnswer(`{"1":"Paris"}`)),
		h.fixture.essay:     ptr(model.TextAnswer("   ")),
	}
	_, err := h.svc.Submit(ctx, a.ID, h.payload(a, answers, false), 60)
	require.Error(t, err)
	assert.True(t, assessment.IsValidation(err))
	assert.ErrorIs(t, err, assessment.ErrAnswerRequired)

	var incomplete *assessment.IncompleteError
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, []uuid.UUID{h.fixture.essay}, incomplete.Missing)

	// The attempt stays open for a corrected submit.
	stored, err := h.store.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AttemptStatusInProgress, stored.Status)
}

func TestSubmissionService_ForcedSubmitAcceptsGaps(t *testing.T) {
	h := newSubmissionHarness(t)
	ctx := context.Background()
	a := h.start(t)

	receipt, err := h.svc.Submit(ctx, a.ID, h.payload(a, map[uuid.UUID]*model.Answer{}, true), 2700)
	require.NoError(t, err)

	stored := h.subs.answers[receipt.SubmissionID]
	require.Len(t, stored, 3)
	for _, ans := range stored {
		assert.Nil(t, ans)
	}
	sub := h.subs.byAttempt[a.ID]
	assert.True(t, sub.Forced)
	assert.Equal(t, 2700, sub.ElapsedSeconds)
}

func TestSubmissionService_RejectsMalformedPayload(t *testing.T) {
	h := newSubmissionHarness(t)
	ctx := context.Background()
	a := h.start(t)

	_, err := h.svc.Submit(ctx, a.ID, h.payload(a, map[uuid.UUID]*model.Answer{
		h.fixture.speaking: ptr(model.TextAnswer("should be audio")),
	}, true), 0)
	assert.True(t, assessment.IsValidation(err))
	assert.ErrorIs(t, err, assessment.ErrAnswerKind)

	_, err = h.svc.Submit(ctx, a.ID, h.payload(a, map[uuid.UUID]*model.Answer{
		uuid.New(): ptr(model.TextAnswer("x")),
	}, true), 0)
	assert.True(t, assessment.IsValidation(err))
	assert.ErrorIs(t, err, ErrUnknownSection)
}

func TestSubmissionService_ErrorClassification(t *testing.T) {
	t.Run("store outage is transient", func(t *testing.T) {
		h := newSubmissionHarness(t)
		a := h.start(t)
		h.subs.createErr = errDatabaseDown

		_, err := h.svc.Submit(context.Background(), a.ID, h.payload(a, nil, true), 0)
		require.Error(t, err)
		assert.True(t, assessment.IsTransient(err))
		assert.ErrorIs(t, err, errDatabaseDown)
	})

	t.Run("attempt lookup outage is transient", func(t *testing.T) {
		h := newSubmissionHarness(t)
		a := h.start(t)
		h.store.getErr = errDatabaseDown

		_, err := h.svc.Submit(context.Background(), a.ID, h.payload(a, nil, true), 0)
		assert.True(t, assessment.IsTransient(err))
	})

	t.Run("unknown attempt is a validation error", func(t *testing.T) {
		h := newSubmissionHarness(t)
		_, err := h.svc.Submit(context.Background(), uuid.New(), &assessment.Payload{Forced: true}, 0)
		assert.True(t, assessment.IsValidation(err))
		assert.ErrorIs(t, err, ErrAttemptNotFound)
	})

	t.Run("abandoned attempt is a validation error", func(t *testing.T) {
		h := newSubmissionHarness(t)
		ctx := context.Background()
		a := h.start(t)
		require.NoError(t, h.attemptHarness.svc.Abandon(ctx, h.userID, a.ID, 10))

		_, err := h.svc.Submit(ctx, a.ID, h.payload(a, nil, true), 0)
		assert.True(t, assessment.IsValidation(err))
	})

	t.Run("test cache outage is transient", func(t *testing.T) {
		h := newSubmissionHarness(t)
		a := h.start(t)
		h.catalog.fetchErr = errors.New("redis: connection pool timeout")

		_, err := h.svc.Submit(context.Background(), a.ID, h.payload(a, nil, true), 0)
		assert.True(t, assessment.IsTransient(err))
	})
}

func TestSubmissionService_SubmitForUserWithRecording(t *testing.T) {
	h := newSubmissionHarness(t)
	ctx := context.Background()
	a := h.start(t)

	fh := multipartFile(t, "audio_"+h.fixture.speaking.String(), "read.webm", "audio/webm", []byte("OggSdata"))
	text := "Essay body"
	objective := `{"1":"paris","2":"blue"}`

	receipt, err := h.svc.SubmitForUser(ctx, h.userID, a.ID, model.SubmitRequest{
		Answers: []model.SubmitAnswerRequest{
			{SectionID: h.fixture.objective, Text: &objective},
			{SectionID: h.fixture.essay, Text: &text},
		},
		ElapsedSeconds: 900,
	}, map[uuid.UUID]*multipart.FileHeader{h.fixture.speaking: fh})
	require.NoError(t, err)

	stored := h.subs.answers[receipt.SubmissionID]
	require.NotNil(t, stored[h.fixture.speaking])
	assert.Equal(t, model.AnswerKindAudio, stored[h.fixture.speaking].Kind)
	assert.Equal(t, int64(8), stored[h.fixture.speaking].Audio.SizeBytes)

	_, err = h.svc.SubmitForUser(ctx, h.otherUID, a.ID, model.SubmitRequest{}, nil)
	assert.ErrorIs(t, err, ErrAttemptNotFound)
}

func TestSubmissionService_SubmitForUserRejectsRecordingOnTextSection(t *testing.T) {
	h := newSubmissionHarness(t)
	a := h.start(t)
	fh := multipartFile(t, "audio", "a.webm", "audio/webm", []byte("data"))

	_, err := h.svc.SubmitForUser(context.Background(), h.userID, a.ID, model.SubmitRequest{Forced: true},
		map[uuid.UUID]*multipart.FileHeader{h.fixture.essay: fh})
	assert.ErrorIs(t, err, assessment.ErrAnswerKind)
}

func TestSubmissionService_SubmitForUserUploadFailureKeepsAttemptOpen(t *testing.T) {
	h := newSubmissionHarness(t)
	ctx := context.Background()
	a := h.start(t)
	h.media.err = errors.New("bucket unavailable")

	fh := multipartFile(t, "audio", "read.webm", "audio/webm", []byte("OggS"))
	_, err := h.svc.SubmitForUser(ctx, h.userID, a.ID, model.SubmitRequest{Forced: true},
		map[uuid.UUID]*multipart.FileHeader{h.fixture.speaking: fh})
	require.Error(t, err)
	assert.Contains(t, err.Error(), h.fixture.speaking.String())
	assert.Empty(t, h.subs.byAttempt)

	stored, err := h.store.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AttemptStatusInProgress, stored.Status)
}

func TestSubmissionService_SubmitForUserForcedOnlyAtTimeUp(t *testing.T) {
	h := newSubmissionHarness(t)
	ctx := context.Background()
	a := h.start(t)
	text := "Half an essay"
	req := model.SubmitRequest{
		Answers:        []model.SubmitAnswerRequest{{SectionID: h.fixture.essay, Text: &text}},
		ElapsedSeconds: 60,
		Forced:         true,
	}

	_, err := h.svc.SubmitForUser(ctx, h.userID, a.ID, req, nil)
	assert.ErrorIs(t, err, assessment.ErrAnswerRequired)
	assert.True(t, assessment.IsValidation(err))
	assert.Empty(t, h.subs.byAttempt)

	stored, err := h.store.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AttemptStatusInProgress, stored.Status)

	h.attemptHarness.svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	receipt, err := h.svc.SubmitForUser(ctx, h.userID, a.ID, req, nil)
	require.NoError(t, err)

	sub, err := h.subs.GetByID(ctx, receipt.SubmissionID)
	require.NoError(t, err)
	assert.True(t, sub.Forced)
	assert.Nil(t, h.subs.answers[receipt.SubmissionID][h.fixture.objective])
}

func TestSubmissionService_Grade(t *testing.T) {
	h := newSubmissionHarness(t)
	ctx := context.Background()
	a := h.start(t)

	receipt, err := h.svc.Submit(ctx, a.ID, h.payload(a, nil, true), 100)
	require.NoError(t, err)

	_, err = h.svc.Grade(ctx, 99, receipt.SubmissionID, model.GradeRequest{
		Sections: []model.SectionGradeRequest{{SectionID: h.fixture.objective, Score: 7}},
	})
	assert.ErrorIs(t, err, ErrIncompleteGrade)

	sub, err := h.svc.Grade(ctx, 99, receipt.SubmissionID, model.GradeRequest{
		Sections: []model.SectionGradeRequest{
			{SectionID: h.fixture.objective, Score: 7},
			{SectionID: h.fixture.essay, Score: 6.5},
			{SectionID: h.fixture.speaking, Score: 6, Comment: "Clear"},
		},
		Feedback: "Solid attempt",
	})
	require.NoError(t, err)
	assert.Equal(t, model.SubmissionStatusGraded, sub.Status)
	assert.Equal(t, 6.5, h.subs.overall)
	assert.Len(t, h.subs.grades, 3)

	_, err = h.svc.Grade(ctx, 99, uuid.New(), model.GradeRequest{})
	assert.ErrorIs(t, err, ErrSubmissionNotFound)
}

func TestCollectGrades(t *testing.T) {
	f := newReadingFixture()
	full := []model.SectionGradeRequest{
		{SectionID: f.objective, Score: 8},
		{SectionID: f.essay, Score: 7.5},
		{SectionID: f.speaking, Score: 7},
	}

	grades, scores, err := collectGrades(model.ExamIELTS, f.sections, full)
	require.NoError(t, err)
	assert.Len(t, grades, 3)
	assert.Equal(t, []float64{8, 7.5, 7}, scores)

	bad := append([]model.SectionGradeRequest(nil), full...)
	bad[1].Score = 7.3
	_, _, err = collectGrades(model.ExamIELTS, f.sections, bad)
	assert.ErrorIs(t, err, ErrInvalidGrade)

	_, _, err = collectGrades(model.ExamPTE, f.sections, full)
	assert.ErrorIs(t, err, ErrInvalidGrade, "PTE scores start at 10")

	extra := append(append([]model.SectionGradeRequest(nil), full...), model.SectionGradeRequest{SectionID: uuid.New(), Score: 5})
	_, _, err = collectGrades(model.ExamIELTS, f.sections, extra)
	assert.ErrorIs(t, err, ErrUnknownSection)
}

func multipartFile(t *testing.T, field, name, contentType string, data []byte) *multipart.FileHeader {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(map[string][]string)
	h["Content-Disposition"] = []string{`form-data; name="` + field + `"; filename="` + name + `"`}
	h["Content-Type"] = []string{contentType}
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest("POST", "/", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	require.NoError(t, req.ParseMultipartForm(1<<20))
	return req.MultipartForm.File[field][0]
}
