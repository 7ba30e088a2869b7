package service

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"

	"github.com/stemsi/bandprep-backend/internal/model"
	"github.com/stemsi/bandprep-backend/internal/repository"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

// readingFixture is an IELTS reading test with an objective section, an
// essay and an optional recording.
type readingFixture struct {
	test      *model.Test
	sections  []model.Section
	objective uuid.UUID
	essay     uuid.UUID
	speaking  uuid.UUID
}

func newReadingFixture() *readingFixture {
	f := &readingFixture{
		objective: uuid.New(),
		essay:     uuid.New(),
		speaking:  uuid.New(),
	}
	f.test = &model.Test{
		ID:               uuid.New(),
		Title:            "Academic Reading 1",
		Exam:             model.ExamIELTS,
		Skill:            model.SkillReading,
		TimerMode:        model.TimerPerSection,
		Status:           model.TestStatusPublished,
		AuthorID:         1,
		SectionCount:     3,
		TimeLimitMinutes: 0,
	}
	f.sections = []model.Section{
		{
			ID: f.objective, TestID: f.test.ID, OrderNum: 1, Title: "Passage 1",
			TimeLimitMinutes: 20, AnswerKind: model.AnswerKindText, Requirement: model.RequirementRequired,
			QuestionCount: 2, AnswerKey: map[string][]string{"1": {"Paris"}, "2": {"blue", "navy"}},
		},
		{
			ID: f.essay, TestID: f.test.ID, OrderNum: 2, Title: "Summary",
			TimeLimitMinutes: 20, AnswerKind: model.AnswerKindText, Requirement: model.RequirementRequired,
		},
		{
			ID: f.speaking, TestID: f.test.ID, OrderNum: 3, Title: "Read aloud",
			TimeLimitMinutes: 5, AnswerKind: model.AnswerKindAudio, Requirement: model.RequirementOptional,
		},
	}
	return f
}

func (f *readingFixture) definition() *model.TestDefinition {
	return model.NewTestDefinition(f.test, f.sections)
}

type fakeTestStore struct {
	mu    sync.Mutex
	tests map[uuid.UUID]*model.Test
}

func newFakeTestStore(tests ...*model.Test) *fakeTestStore {
	s := &fakeTestStore{tests: make(map[uuid.UUID]*model.Test)}
	for _, t := range tests {
		s.tests[t.ID] = t
	}
	return s
}

func (s *fakeTestStore) GetByID(ctx context.Context, id uuid.UUID) (*model.Test, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tests[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *t
	return &cp, nil
}

func (s *fakeTestStore) ListPaginated(ctx context.Context, f model.TestFilter, limit, offset int) ([]model.Test, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Test
	for _, t := range s.tests {
		if f.Status == "" || t.Status == f.Status {
			out = append(out, *t)
		}
	}
	return out, len(out), nil
}

func (s *fakeTestStore) ListCatalog(ctx context.Context, userID int, exam model.ExamBoard, skill model.Skill) ([]model.CatalogEntry, error) {
	return nil, nil
}

func (s *fakeTestStore) ListPublished(ctx context.Context) ([]model.Test, error) {
	out, _, err := s.ListPaginated(ctx, model.TestFilter{Status: model.TestStatusPublished}, 0, 0)
	return out, err
}

func (s *fakeTestStore) Create(ctx context.Context, t *model.Test) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.ID = uuid.New()
	t.CreatedAt = time.Now()
	cp := *t
	s.tests[t.ID] = &cp
	return nil
}

func (s *fakeTestStore) Update(ctx context.Context, t *model.Test) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tests[t.ID]; !ok {
		return pgx.ErrNoRows
	}
	cp := *t
	s.tests[t.ID] = &cp
	return nil
}

func (s *fakeTestStore) UpdateStatus(ctx context.Context, id uuid.UUID, status model.TestStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tests[id]
	if !ok {
		return pgx.ErrNoRows
	}
	t.Status = status
	return nil
}

func (s *fakeTestStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tests, id)
	return nil
}

type fakeSectionStore struct {
	mu       sync.Mutex
	sections map[uuid.UUID][]model.Section
	calls    int
}

func newFakeSectionStore() *fakeSectionStore {
	return &fakeSectionStore{sections: make(map[uuid.UUID][]model.Section)}
}

func (s *fakeSectionStore) ListByTest(ctx context.Context, testID uuid.UUID) ([]model.Section, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return append([]model.Section(nil), s.sections[testID]...), nil
}

func (s *fakeSectionStore) GetByID(ctx context.Context, id uuid.UUID) (*model.Section, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, secs := range s.sections {
		for i := range secs {
			if secs[i].ID == id {
				cp := secs[i]
				return &cp, nil
			}
		}
	}
	return nil, pgx.ErrNoRows
}

func (s *fakeSectionStore) Create(ctx context.Context, sec *model.Section) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sec.ID = uuid.New()
	s.sections[sec.TestID] = append(s.sections[sec.TestID], *sec)
	return nil
}

func (s *fakeSectionStore) Update(ctx context.Context, sec *model.Section) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	secs := s.sections[sec.TestID]
	for i := range secs {
		if secs[i].ID == sec.ID {
			secs[i] = *sec
			return nil
		}
	}
	return pgx.ErrNoRows
}

func (s *fakeSectionStore) Delete(ctx context.Context, testID, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	secs := s.sections[testID]
	for i := range secs {
		if secs[i].ID == id {
			s.sections[testID] = append(secs[:i], secs[i+1:]...)
			return nil
		}
	}
	return pgx.ErrNoRows
}

func (s *fakeSectionStore) ReplaceAll(ctx context.Context, testID uuid.UUID, sections []model.Section) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Section, len(sections))
	for i, sec := range sections {
		if sec.ID == uuid.Nil {
			sec.ID = uuid.New()
		}
		out[i] = sec
	}
	s.sections[testID] = out
	return nil
}

type fakeAttemptStore struct {
	mu       sync.Mutex
	attempts map[uuid.UUID]*model.Attempt
	getErr   error
}

func newFakeAttemptStore() *fakeAttemptStore {
	return &fakeAttemptStore{attempts: make(map[uuid.UUID]*model.Attempt)}
}

func (s *fakeAttemptStore) GetByID(ctx context.Context, id uuid.UUID) (*model.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	a, ok := s.attempts[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *a
	return &cp, nil
}

func (s *fakeAttemptStore) CreateOrGet(ctx context.Context, testID uuid.UUID, userID int) (*model.Attempt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.attempts {
		if a.TestID == testID && a.UserID == userID && a.Status == model.AttemptStatusInProgress {
			cp := *a
			return &cp, false, nil
		}
	}
	a := &model.Attempt{
		ID:        uuid.New(),
		TestID:    testID,
		UserID:    userID,
		Status:    model.AttemptStatusInProgress,
		StartedAt: time.Now().UTC().Truncate(time.Second),
	}
	s.attempts[a.ID] = a
	cp := *a
	return &cp, true, nil
}

func (s *fakeAttemptStore) MarkAbandoned(ctx context.Context, id uuid.UUID, elapsedSeconds int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok || a.Status != model.AttemptStatusInProgress {
		return false, nil
	}
	a.Status = model.AttemptStatusAbandoned
	a.ElapsedSeconds = &elapsedSeconds
	return true, nil
}

func (s *fakeAttemptStore) ListByUser(ctx context.Context, userID int) ([]model.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Attempt
	for _, a := range s.attempts {
		if a.UserID == userID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (s *fakeAttemptStore) setStatus(id uuid.UUID, status model.AttemptStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok || a.Status != model.AttemptStatusInProgress {
		return false
	}
	a.Status = status
	return true
}

type fakeDraftReader struct {
	drafts map[uuid.UUID]model.Answer
}

func (r *fakeDraftReader) ListByAttempt(ctx context.Context, attemptID uuid.UUID) (map[uuid.UUID]model.Answer, error) {
	out := make(map[uuid.UUID]model.Answer, len(r.drafts))
	for k, v := range r.drafts {
		out[k] = v
	}
	return out, nil
}

// fakeCatalog serves a fixed test to attempt and submission services.
type fakeCatalog struct {
	fixture  *readingFixture
	fetchErr error
}

func (c *fakeCatalog) FetchTest(ctx context.Context, testID uuid.UUID) (*model.TestDefinition, error) {
	if c.fetchErr != nil {
		return nil, c.fetchErr
	}
	if testID != c.fixture.test.ID {
		return nil, ErrTestNotFound
	}
	return c.fixture.definition(), nil
}

func (c *fakeCatalog) GetAnswerKey(ctx context.Context, testID uuid.UUID) (AnswerKey, error) {
	key := make(AnswerKey)
	for _, sec := range c.fixture.sections {
		if sec.Objective() {
			key[sec.ID] = sec.AnswerKey
		}
	}
	return key, nil
}

func (c *fakeCatalog) Get(ctx context.Context, id uuid.UUID) (*model.Test, []model.Section, error) {
	if id != c.fixture.test.ID {
		return nil, nil, ErrTestNotFound
	}
	return c.fixture.test, c.fixture.sections, nil
}

// fakeSubmissionStore closes the attempt alongside the insert, like the
// repository transaction does.
type fakeSubmissionStore struct {
	mu        sync.Mutex
	attempts  *fakeAttemptStore
	byAttempt map[uuid.UUID]*model.Submission
	answers   map[uuid.UUID]map[uuid.UUID]*model.Answer
	createErr error
	scores    []repository.ScoreUpdate
	grades    []repository.SectionGrade
	overall   float64
}

func newFakeSubmissionStore(attempts *fakeAttemptStore) *fakeSubmissionStore {
	return &fakeSubmissionStore{
		attempts:  attempts,
		byAttempt: make(map[uuid.UUID]*model.Submission),
		answers:   make(map[uuid.UUID]map[uuid.UUID]*model.Answer),
	}
}

func (s *fakeSubmissionStore) Create(ctx context.Context, sub *model.Submission, answers map[uuid.UUID]*model.Answer) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return false, s.createErr
	}
	if existing, ok := s.byAttempt[sub.AttemptID]; ok {
		*sub = *existing
		return false, nil
	}
	if !s.attempts.setStatus(sub.AttemptID, model.AttemptStatusSubmitted) {
		return false, repository.ErrAttemptNotOpen
	}
	sub.ID = uuid.New()
	sub.SubmittedAt = time.Now().UTC()
	cp := *sub
	s.byAttempt[sub.AttemptID] = &cp
	s.answers[sub.ID] = answers
	return true, nil
}

func (s *fakeSubmissionStore) GetByAttempt(ctx context.Context, attemptID uuid.UUID) (*model.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.byAttempt[attemptID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *sub
	return &cp, nil
}

func (s *fakeSubmissionStore) GetByID(ctx context.Context, id uuid.UUID) (*model.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.byAttempt {
		if sub.ID == id {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (s *fakeSubmissionStore) List(ctx context.Context, f model.SubmissionFilter, limit, offset int) ([]model.Submission, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Submission
	for _, sub := range s.byAttempt {
		out = append(out, *sub)
	}
	return out, len(out), nil
}

func (s *fakeSubmissionStore) SaveGrades(ctx context.Context, id uuid.UUID, grades []repository.SectionGrade, overall float64, feedback string, graderID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.byAttempt {
		if sub.ID == id {
			s.grades = grades
			s.overall = overall
			sub.Status = model.SubmissionStatusGraded
			sub.BandScore = &overall
			sub.Feedback = feedback
			sub.GradedBy = &graderID
			return nil
		}
	}
	return pgx.ErrNoRows
}

func (s *fakeSubmissionStore) UpdateObjectiveScore(ctx context.Context, u repository.ScoreUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores = append(s.scores, u)
	return nil
}

type fakeAudioSaver struct {
	err error
}

func (f *fakeAudioSaver) SaveAnswerAudio(ctx context.Context, attemptID, sectionID uuid.UUID, contentType string, r io.Reader) (model.AudioRef, error) {
	if f.err != nil {
		return model.AudioRef{}, f.err
	}
	n, err := io.Copy(io.Discard, r)
	if err != nil {
		return model.AudioRef{}, err
	}
	key := "answers/" + attemptID.String() + "/" + sectionID.String() + ".webm"
	return model.AudioRef{URL: "/uploads/" + key, Key: key, ContentType: contentType, SizeBytes: n}, nil
}

var errDatabaseDown = errors.New("dial tcp: connection refused")
