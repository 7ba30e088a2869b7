package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/stemsi/bandprep-backend/internal/assessment"
	"github.com/stemsi/bandprep-backend/internal/config"
	"github.com/stemsi/bandprep-backend/internal/model"
	"github.com/stemsi/bandprep-backend/internal/repository"
	"github.com/stemsi/bandprep-backend/internal/response"
)

// Submission errors.
var (
	ErrSubmissionNotFound = errors.New("submission not found")
	ErrInvalidGrade       = errors.New("invalid grade")
	ErrIncompleteGrade    = errors.New("every section must be graded")
)

// SubmissionStore is the submission persistence used by SubmissionService.
type SubmissionStore interface {
	Create(ctx context.Context, sub *model.Submission, answers map[uuid.UUID]*model.Answer) (bool, error)
	GetByAttempt(ctx context.Context, attemptID uuid.UUID) (*model.Submission, error)
	GetByID(ctx context.Context, id uuid.UUID) (*model.Submission, error)
	List(ctx context.Context, f model.SubmissionFilter, limit, offset int) ([]model.Submission, int, error)
	SaveGrades(ctx context.Context, id uuid.UUID, grades []repository.SectionGrade, overall float64, feedback string, graderID int) error
	UpdateObjectiveScore(ctx context.Context, u repository.ScoreUpdate) error
}

// TestCatalog is what submissions need to know about tests.
type TestCatalog interface {
	assessment.Provider
	GetAnswerKey(ctx context.Context, testID uuid.UUID) (AnswerKey, error)
	Get(ctx context.Context, id uuid.UUID) (*model.Test, []model.Section, error)
}

// AudioSaver stores recorded answers.
type AudioSaver interface {
	SaveAnswerAudio(ctx context.Context, attemptID, sectionID uuid.UUID, contentType string, r io.Reader) (model.AudioRef, error)
}

const (
	// maxParallelUploads bounds concurrent audio uploads of one submission.
	maxParallelUploads = 4
	// forcedSubmitGrace is how early before time-up a client may claim a
	// forced submit.
	forcedSubmitGrace = 15
)

var tracer = otel.Tracer("github.com/stemsi/bandprep-backend/internal/service")

// SubmissionService is the submission sink: it validates and stores finished
// attempts exactly once, queues objective scoring and runs manual grading.
type SubmissionService struct {
	store    SubmissionStore
	attempts *AttemptService
	tests    TestCatalog
	media    AudioSaver
	rdb      *redis.Client
	log      zerolog.Logger
}

// NewSubmissionService creates a new SubmissionService.
func NewSubmissionService(
	store SubmissionStore,
	attempts *AttemptService,
	tests TestCatalog,
	media AudioSaver,
	rdb *redis.Client,
	log zerolog.Logger,
) *SubmissionService {
	return &SubmissionService{
		store:    store,
		attempts: attempts,
		tests:    tests,
		media:    media,
		rdb:      rdb,
		log:      log.With().Str("component", "submission_service").Logger(),
	}
}

// Submit stores a finished attempt. A repeated submit for the same attempt
// returns the original receipt marked as duplicate. Errors are
// *assessment.SubmitError values.
func (s *SubmissionService) Submit(ctx context.Context, attemptID uuid.UUID, payload *assessment.Payload, elapsedSeconds int) (receipt *model.Receipt, err error) {
	ctx, span := tracer.Start(ctx, "submission.submit", trace.WithAttributes(
		attribute.String("attempt.id", attemptID.String()),
		attribute.Bool("submission.forced", payload.Forced),
		attribute.Int("submission.answered", payload.Answered()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	a, err := s.attempts.attempts.GetByID(ctx, attemptID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, assessment.ValidationError("attempt not found", ErrAttemptNotFound)
		}
		return nil, assessment.TransientError(fmt.Errorf("get attempt: %w", err))
	}
	switch a.Status {
	case model.AttemptStatusSubmitted:
		return s.duplicate(ctx, attemptID)
	case model.AttemptStatusAbandoned:
		return nil, assessment.ValidationError("attempt was abandoned", ErrAttemptNotActive)
	}

	def, err := s.tests.FetchTest(ctx, a.TestID)
	if err != nil {
		if errors.Is(err, ErrTestNotFound) {
			return nil, assessment.ValidationError("test is no longer available", err)
		}
		return nil, assessment.TransientError(err)
	}

	answers, err := validatePayload(def, payload)
	if err != nil {
		return nil, err
	}

	if elapsedSeconds < 0 {
		elapsedSeconds = 0
	}
	sub := &model.Submission{
		AttemptID:      attemptID,
		TestID:         a.TestID,
		UserID:         a.UserID,
		ElapsedSeconds: elapsedSeconds,
		Forced:         payload.Forced,
		Status:         model.SubmissionStatusPendingReview,
	}
	created, err := s.store.Create(ctx, sub, answers)
	if err != nil {
		if errors.Is(err, repository.ErrAttemptNotOpen) {
			if r, dupErr := s.duplicate(ctx, attemptID); dupErr == nil {
				return r, nil
			}
			return nil, assessment.ValidationError("attempt is no longer in progress", ErrAttemptNotActive)
		}
		return nil, assessment.TransientError(fmt.Errorf("store submission: %w", err))
	}

	receipt = &model.Receipt{
		SubmissionID: sub.ID,
		AttemptID:    attemptID,
		Status:       sub.Status,
		SubmittedAt:  sub.SubmittedAt,
		Duplicate:    !created,
	}
	if !created {
		return receipt, nil
	}

	s.queueObjectiveScore(ctx, sub.ID, def, answers)
	s.attempts.Forget(ctx, attemptID)

	span.SetAttributes(attribute.String("submission.id", sub.ID.String()))
	s.log.Info().
		Str("submission_id", sub.ID.String()).
		Str("attempt_id", attemptID.String()).
		Bool("forced", payload.Forced).
		Int("elapsed_seconds", elapsedSeconds).
		Msg("Submission stored")
	return receipt, nil
}

// SubmitForUser handles a REST submission: JSON answers plus optional audio
// files keyed by section ID.
func (s *SubmissionService) SubmitForUser(ctx context.Context, userID int, attemptID uuid.UUID, req model.SubmitRequest, files map[uuid.UUID]*multipart.FileHeader) (*model.Receipt, error) {
	a, err := s.attempts.Owned(ctx, userID, attemptID)
	if err != nil {
		return nil, err
	}
	switch a.Status {
	case model.AttemptStatusSubmitted:
		return s.duplicate(ctx, attemptID)
	case model.AttemptStatusAbandoned:
		return nil, ErrAttemptNotActive
	}

	def, err := s.tests.FetchTest(ctx, a.TestID)
	if err != nil {
		return nil, err
	}

	// Only the clock can force a submit: a claim made while time remains is
	// treated as a manual submit.
	forced := req.Forced
	if forced {
		if left := totalLimitSeconds(def) - s.attempts.Elapsed(ctx, a); left > forcedSubmitGrace {
			s.log.Warn().
				Str("attempt_id", attemptID.String()).
				Int("remaining_seconds", left).
				Msg("Forced submit claimed before time-up, checking answers")
			forced = false
		}
	}

	payload := &assessment.Payload{
		SessionID:      attemptID,
		TestID:         a.TestID,
		Answers:        make(map[uuid.UUID]*model.Answer, len(def.Sections)),
		ElapsedSeconds: req.ElapsedSeconds,
		Forced:         forced,
	}
	for _, ar := range req.Answers {
		sec, ok := def.Section(ar.SectionID)
		if !ok {
			return nil, assessment.ValidationError(fmt.Sprintf("unknown section %s", ar.SectionID), ErrUnknownSection)
		}
		var answer model.Answer
		switch {
		case ar.Skipped:
			answer = model.SkippedAnswer(sec.AnswerKind)
		case ar.Text != nil:
			answer = model.TextAnswer(*ar.Text)
		default:
			continue
		}
		payload.Answers[ar.SectionID] = &answer
	}

	for sectionID := range files {
		sec, ok := def.Section(sectionID)
		if !ok {
			return nil, assessment.ValidationError(fmt.Sprintf("unknown section %s", sectionID), ErrUnknownSection)
		}
		if sec.AnswerKind != model.AnswerKindAudio {
			return nil, assessment.ValidationError(fmt.Sprintf("section %q does not take a recording", sec.Title), assessment.ErrAnswerKind)
		}
	}
	refs, err := s.saveAudios(ctx, attemptID, files)
	if err != nil {
		return nil, err
	}
	for sectionID, ref := range refs {
		answer := model.AudioAnswer(ref)
		payload.Answers[sectionID] = &answer
	}

	return s.Submit(ctx, attemptID, payload, req.ElapsedSeconds)
}

// saveAudios stores the recordings of a multipart submission in parallel.
func (s *SubmissionService) saveAudios(ctx context.Context, attemptID uuid.UUID, files map[uuid.UUID]*multipart.FileHeader) (map[uuid.UUID]model.AudioRef, error) {
	var (
		mu   sync.Mutex
		refs = make(map[uuid.UUID]model.AudioRef, len(files))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelUploads)
	for sectionID, fh := range files {
		g.Go(func() error {
			ref, err := s.saveAudio(gctx, attemptID, sectionID, fh)
			if err != nil {
				return fmt.Errorf("section %s: %w", sectionID, err)
			}
			mu.Lock()
			refs[sectionID] = ref
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return refs, nil
}

func (s *SubmissionService) saveAudio(ctx context.Context, attemptID, sectionID uuid.UUID, fh *multipart.FileHeader) (model.AudioRef, error) {
	f, err := fh.Open()
	if err != nil {
		return model.AudioRef{}, fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()
	return s.media.SaveAnswerAudio(ctx, attemptID, sectionID, fh.Header.Get("Content-Type"), f)
}

func (s *SubmissionService) duplicate(ctx context.Context, attemptID uuid.UUID) (*model.Receipt, error) {
	sub, err := s.store.GetByAttempt(ctx, attemptID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, assessment.ValidationError("attempt is already closed", ErrAttemptNotActive)
		}
		return nil, assessment.TransientError(fmt.Errorf("get submission: %w", err))
	}
	return &model.Receipt{
		SubmissionID: sub.ID,
		AttemptID:    attemptID,
		Status:       sub.Status,
		SubmittedAt:  sub.SubmittedAt,
		Duplicate:    true,
	}, nil
}

// queueObjectiveScore scores keyed sections and hands the result to the
// scoring worker. If the queue is unreachable the score is written directly.
func (s *SubmissionService) queueObjectiveScore(ctx context.Context, submissionID uuid.UUID, def *model.TestDefinition, answers map[uuid.UUID]*model.Answer) {
	key, err := s.tests.GetAnswerKey(ctx, def.ID)
	if err != nil {
		s.log.Error().Err(err).Str("submission_id", submissionID.String()).Msg("Failed to load answer key")
		return
	}
	upd, ok := GradeObjective(submissionID, def, key, answers)
	if !ok {
		return
	}

	data, err := json.Marshal(upd)
	if err == nil {
		err = s.rdb.RPush(ctx, config.WorkerKey.PersistScoresQueue, data).Err()
	}
	if err == nil {
		return
	}
	s.log.Warn().Err(err).Str("submission_id", submissionID.String()).Msg("Score queue unavailable, writing directly")
	if err := s.store.UpdateObjectiveScore(ctx, upd); err != nil {
		s.log.Error().Err(err).Str("submission_id", submissionID.String()).Msg("Failed to save objective score")
	}
}

// List returns one page of submissions.
func (s *SubmissionService) List(ctx context.Context, f model.SubmissionFilter, page, perPage int) ([]model.Submission, *response.Pagination, error) {
	page, perPage = normalizePage(page, perPage)
	subs, total, err := s.store.List(ctx, f, perPage, (page-1)*perPage)
	if err != nil {
		return nil, nil, err
	}
	return subs, response.NewPagination(page, perPage, total), nil
}

// Get returns a submission with its answers.
func (s *SubmissionService) Get(ctx context.Context, id uuid.UUID) (*model.Submission, error) {
	sub, err := s.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubmissionNotFound
		}
		return nil, err
	}
	return sub, nil
}

// GetForUser returns a submission owned by the user.
func (s *SubmissionService) GetForUser(ctx context.Context, userID int, id uuid.UUID) (*model.Submission, error) {
	sub, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.UserID != userID {
		return nil, ErrSubmissionNotFound
	}
	return sub, nil
}

// Grade stores per-section scores and the overall result.
func (s *SubmissionService) Grade(ctx context.Context, graderID int, id uuid.UUID, req model.GradeRequest) (*model.Submission, error) {
	sub, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	t, sections, err := s.tests.Get(ctx, sub.TestID)
	if err != nil {
		return nil, err
	}

	grades, scores, err := collectGrades(t.Exam, sections, req.Sections)
	if err != nil {
		return nil, err
	}
	overall, _ := model.OverallScore(t.Exam, scores)

	if err := s.store.SaveGrades(ctx, id, grades, overall, req.Feedback, graderID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubmissionNotFound
		}
		return nil, fmt.Errorf("save grades: %w", err)
	}

	s.log.Info().
		Str("submission_id", id.String()).
		Int("grader_id", graderID).
		Float64("overall", overall).
		Msg("Submission graded")
	return s.Get(ctx, id)
}

func collectGrades(exam model.ExamBoard, sections []model.Section, reqs []model.SectionGradeRequest) ([]repository.SectionGrade, []float64, error) {
	byID := make(map[uuid.UUID]model.SectionGradeRequest, len(reqs))
	for _, g := range reqs {
		byID[g.SectionID] = g
	}

	grades := make([]repository.SectionGrade, 0, len(sections))
	scores := make([]float64, 0, len(sections))
	for _, sec := range sections {
		g, ok := byID[sec.ID]
		if !ok {
			return nil, nil, fmt.Errorf("%w: section %q", ErrIncompleteGrade, sec.Title)
		}
		if err := model.ValidateScore(exam, g.Score); err != nil {
			return nil, nil, fmt.Errorf("%w: section %q: %v", ErrInvalidGrade, sec.Title, err)
		}
		grades = append(grades, repository.SectionGrade{SectionID: sec.ID, Score: g.Score, Comment: g.Comment})
		scores = append(scores, g.Score)
		delete(byID, sec.ID)
	}
	if len(byID) > 0 {
		extra := make([]string, 0, len(byID))
		for id := range byID {
			extra = append(extra, id.String())
		}
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownSection, strings.Join(extra, ", "))
	}
	return grades, scores, nil
}

// validatePayload checks a payload against the test and returns the answer
// set to store, with a nil entry for every unanswered section.
func validatePayload(def *model.TestDefinition, p *assessment.Payload) (map[uuid.UUID]*model.Answer, error) {
	for id, a := range p.Answers {
		sec, ok := def.Section(id)
		if !ok {
			return nil, assessment.ValidationError(fmt.Sprintf("unknown section %s", id), ErrUnknownSection)
		}
		if a != nil && a.Kind != sec.AnswerKind {
			return nil, assessment.ValidationError(
				fmt.Sprintf("section %q expects a %s answer", sec.Title, sec.AnswerKind), assessment.ErrAnswerKind)
		}
	}

	answers := make(map[uuid.UUID]*model.Answer, len(def.Sections))
	var missing []uuid.UUID
	var titles []string
	for _, sec := range def.Sections {
		a := p.Answers[sec.ID]
		empty := a == nil || a.IsEmpty()
		if empty && !p.Forced && sec.Requirement == model.RequirementRequired {
			missing = append(missing, sec.ID)
			titles = append(titles, sec.Title)
		}
		if a != nil && a.IsEmpty() && !a.Skipped {
			a = nil
		}
		answers[sec.ID] = a
	}
	if len(missing) > 0 {
		return nil, assessment.ValidationError(
			"missing answers for: "+strings.Join(titles, ", "),
			&assessment.IncompleteError{Missing: missing})
	}
	return answers, nil
}
