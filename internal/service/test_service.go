package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/stemsi/bandprep-backend/internal/assessment"
	"github.com/stemsi/bandprep-backend/internal/config"
	"github.com/stemsi/bandprep-backend/internal/model"
	"github.com/stemsi/bandprep-backend/internal/response"
)

// Domain Errors
var (
	ErrTestNotFound     = assessment.ErrTestNotFound
	ErrSectionNotFound  = errors.New("section not found")
	ErrTestNotDraft     = errors.New("test status is not DRAFT")
	ErrTestNotPublished = errors.New("test status is not PUBLISHED")
	ErrTestArchived     = errors.New("test is archived")
	ErrInvalidTest      = errors.New("test is not ready to publish")
)

// TestStore is the test persistence used by TestService.
type TestStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Test, error)
	ListPaginated(ctx context.Context, f model.TestFilter, limit, offset int) ([]model.Test, int, error)
	ListCatalog(ctx context.Context, userID int, exam model.ExamBoard, skill model.Skill) ([]model.CatalogEntry, error)
	ListPublished(ctx context.Context) ([]model.Test, error)
	Create(ctx context.Context, t *model.Test) error
	Update(ctx context.Context, t *model.Test) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status model.TestStatus) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// SectionStore is the section persistence used by TestService.
type SectionStore interface {
	ListByTest(ctx context.Context, testID uuid.UUID) ([]model.Section, error)
	GetByID(ctx context.Context, id uuid.UUID) (*model.Section, error)
	Create(ctx context.Context, s *model.Section) error
	Update(ctx context.Context, s *model.Section) error
	Delete(ctx context.Context, testID, id uuid.UUID) error
	ReplaceAll(ctx context.Context, testID uuid.UUID, sections []model.Section) error
}

// AnswerKey maps section ID to its question-number → accepted-answers key.
type AnswerKey map[uuid.UUID]map[string][]string

// TestService handles test authoring, publishing and the Redis cache of
// published definitions.
type TestService struct {
	testRepo    TestStore
	sectionRepo SectionStore
	rdb         *redis.Client
	log         zerolog.Logger
}

// NewTestService creates a new TestService.
func NewTestService(testRepo TestStore, sectionRepo SectionStore, rdb *redis.Client, log zerolog.Logger) *TestService {
	return &TestService{
		testRepo:    testRepo,
		sectionRepo: sectionRepo,
		rdb:         rdb,
		log:         log.With().Str("component", "test_service").Logger(),
	}
}

// Get returns a test with its sections, answer keys included.
func (s *TestService) Get(ctx context.Context, id uuid.UUID) (*model.Test, []model.Section, error) {
	t, err := s.getTest(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	sections, err := s.sectionRepo.ListByTest(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("list sections: %w", err)
	}
	return t, sections, nil
}

// List returns one page of tests.
func (s *TestService) List(ctx context.Context, f model.TestFilter, page, perPage int) ([]model.Test, *response.Pagination, error) {
	page, perPage = normalizePage(page, perPage)
	tests, total, err := s.testRepo.ListPaginated(ctx, f, perPage, (page-1)*perPage)
	if err != nil {
		return nil, nil, err
	}
	return tests, response.NewPagination(page, perPage, total), nil
}

// Catalog returns the published tests visible to a student.
func (s *TestService) Catalog(ctx context.Context, userID int, exam model.ExamBoard, skill model.Skill) ([]model.CatalogEntry, error) {
	return s.testRepo.ListCatalog(ctx, userID, exam, skill)
}

// Create inserts a new test as DRAFT.
func (s *TestService) Create(ctx context.Context, authorID int, req model.CreateTestRequest) (*model.Test, error) {
	t := &model.Test{
		Title:            req.Title,
		Exam:             req.Exam,
		Skill:            req.Skill,
		TimerMode:        req.TimerMode,
		TimeLimitMinutes: req.TimeLimitMinutes,
		Instructions:     req.Instructions,
		Status:           model.TestStatusDraft,
		AuthorID:         authorID,
	}
	if err := s.testRepo.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("create test: %w", err)
	}
	return t, nil
}

// Update modifies a test. Published tests get their cache refreshed.
func (s *TestService) Update(ctx context.Context, id uuid.UUID, req model.UpdateTestRequest) (*model.Test, error) {
	t, err := s.editable(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Title != "" {
		t.Title = req.Title
	}
	if req.TimerMode != "" {
		t.TimerMode = req.TimerMode
	}
	if req.TimeLimitMinutes != nil {
		t.TimeLimitMinutes = *req.TimeLimitMinutes
	}
	if req.Instructions != nil {
		t.Instructions = *req.Instructions
	}

	if t.Status == model.TestStatusPublished {
		sections, err := s.sectionRepo.ListByTest(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("list sections: %w", err)
		}
		if err := validateTest(t, sections); err != nil {
			return nil, err
		}
	}
	if err := s.testRepo.Update(ctx, t); err != nil {
		return nil, fmt.Errorf("update test: %w", err)
	}
	return t, s.refreshIfPublished(ctx, t)
}

// Delete removes a draft test.
func (s *TestService) Delete(ctx context.Context, id uuid.UUID) error {
	t, err := s.getTest(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != model.TestStatusDraft {
		return ErrTestNotDraft
	}
	return s.testRepo.Delete(ctx, id)
}

// Publish validates a draft, caches its definition and answer key, then marks
// it PUBLISHED.
func (s *TestService) Publish(ctx context.Context, id uuid.UUID) error {
	t, err := s.getTest(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != model.TestStatusDraft {
		return ErrTestNotDraft
	}

	if err := s.WarmTestCache(ctx, t); err != nil {
		return err
	}
	if err := s.testRepo.UpdateStatus(ctx, id, model.TestStatusPublished); err != nil {
		return fmt.Errorf("update status: %w", err)
	}

	s.log.Info().Str("test_id", id.String()).Msg("Test published")
	return nil
}

// Archive hides a published test from the catalog. Running sessions keep the
// definition they already fetched.
func (s *TestService) Archive(ctx context.Context, id uuid.UUID) error {
	t, err := s.getTest(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != model.TestStatusPublished {
		return ErrTestNotPublished
	}
	if err := s.testRepo.UpdateStatus(ctx, id, model.TestStatusArchived); err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if err := s.evict(ctx, id); err != nil {
		s.log.Warn().Err(err).Str("test_id", id.String()).Msg("Failed to evict archived test")
	}

	s.log.Info().Str("test_id", id.String()).Msg("Test archived")
	return nil
}

// AddSection appends a section to a test.
func (s *TestService) AddSection(ctx context.Context, testID uuid.UUID, req model.SectionRequest) (*model.Section, error) {
	t, err := s.editable(ctx, testID)
	if err != nil {
		return nil, err
	}
	sec := sectionFromRequest(testID, req)
	if err := validateSection(t, sec); err != nil {
		return nil, err
	}
	if err := s.sectionRepo.Create(ctx, sec); err != nil {
		return nil, fmt.Errorf("create section: %w", err)
	}
	return sec, s.refreshIfPublished(ctx, t)
}

// UpdateSection replaces the fields of one section.
func (s *TestService) UpdateSection(ctx context.Context, testID, sectionID uuid.UUID, req model.SectionRequest) (*model.Section, error) {
	t, err := s.editable(ctx, testID)
	if err != nil {
		return nil, err
	}
	existing, err := s.sectionRepo.GetByID(ctx, sectionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSectionNotFound
		}
		return nil, fmt.Errorf("get section: %w", err)
	}
	if existing.TestID != testID {
		return nil, ErrSectionNotFound
	}

	sec := sectionFromRequest(testID, req)
	sec.ID = sectionID
	if sec.OrderNum == 0 {
		sec.OrderNum = existing.OrderNum
	}
	if err := validateSection(t, sec); err != nil {
		return nil, err
	}
	if err := s.sectionRepo.Update(ctx, sec); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSectionNotFound
		}
		return nil, fmt.Errorf("update section: %w", err)
	}
	return sec, s.refreshIfPublished(ctx, t)
}

// DeleteSection removes a section. A published test keeps at least one.
func (s *TestService) DeleteSection(ctx context.Context, testID, sectionID uuid.UUID) error {
	t, err := s.editable(ctx, testID)
	if err != nil {
		return err
	}
	if t.Status == model.TestStatusPublished && t.SectionCount <= 1 {
		return fmt.Errorf("%w: %w", ErrInvalidTest, assessment.ErrNoSections)
	}
	if err := s.sectionRepo.Delete(ctx, testID, sectionID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSectionNotFound
		}
		return fmt.Errorf("delete section: %w", err)
	}
	return s.refreshIfPublished(ctx, t)
}

// ReplaceSections swaps all sections of a test for a new ordered list.
func (s *TestService) ReplaceSections(ctx context.Context, testID uuid.UUID, reqs []model.SectionRequest) ([]model.Section, error) {
	t, err := s.editable(ctx, testID)
	if err != nil {
		return nil, err
	}
	sections := make([]model.Section, len(reqs))
	for i, req := range reqs {
		sections[i] = *sectionFromRequest(testID, req)
		if err := validateSection(t, &sections[i]); err != nil {
			return nil, err
		}
	}
	if t.Status == model.TestStatusPublished {
		if err := validateTest(t, sections); err != nil {
			return nil, err
		}
	}
	if err := s.sectionRepo.ReplaceAll(ctx, testID, sections); err != nil {
		return nil, fmt.Errorf("replace sections: %w", err)
	}
	return sections, s.refreshIfPublished(ctx, t)
}

// WarmTestCache loads a test's definition and answer key from PostgreSQL into Redis.
func (s *TestService) WarmTestCache(ctx context.Context, t *model.Test) error {
	sections, err := s.sectionRepo.ListByTest(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("list sections: %w", err)
	}
	if err := validateTest(t, sections); err != nil {
		return err
	}

	payload, err := json.Marshal(model.NewTestDefinition(t, sections))
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}

	answerKey := make(map[string]any)
	for _, sec := range sections {
		if !sec.Objective() {
			continue
		}
		raw, err := json.Marshal(sec.AnswerKey)
		if err != nil {
			return fmt.Errorf("marshal answer key: %w", err)
		}
		answerKey[sec.ID.String()] = string(raw)
	}

	defKey := config.CacheKey.TestDefinitionKey(t.ID.String())
	keyKey := config.CacheKey.TestAnswerKey(t.ID.String())

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, defKey, payload, 0)
	pipe.Del(ctx, keyKey)
	if len(answerKey) > 0 {
		pipe.HSet(ctx, keyKey, answerKey)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache to redis: %w", err)
	}

	s.log.Debug().
		Str("test_id", t.ID.String()).
		Int("sections", len(sections)).
		Int("objective", len(answerKey)).
		Msg("Cache warmed")
	return nil
}

// PrewarmAllCaches loads all published tests into Redis on application startup.
func (s *TestService) PrewarmAllCaches(ctx context.Context) error {
	tests, err := s.testRepo.ListPublished(ctx)
	if err != nil {
		return fmt.Errorf("list published tests: %w", err)
	}
	if len(tests) == 0 {
		s.log.Info().Msg("No published tests to prewarm")
		return nil
	}

	s.log.Info().Int("count", len(tests)).Msg("Prewarming published tests...")

	warmed := 0
	for i := range tests {
		if err := s.WarmTestCache(ctx, &tests[i]); err != nil {
			s.log.Warn().
				Err(err).
				Str("test_id", tests[i].ID.String()).
				Msg("Failed to warm test, skipping")
			continue
		}
		warmed++
	}

	s.log.Info().
		Int("warmed", warmed).
		Int("total", len(tests)).
		Msg("Prewarming complete")
	return nil
}

// FetchTest returns the student-facing definition of a published test. A
// cache miss falls back to PostgreSQL and re-warms the cache.
func (s *TestService) FetchTest(ctx context.Context, id uuid.UUID) (*model.TestDefinition, error) {
	ctx, span := tracer.Start(ctx, "test.fetch", trace.WithAttributes(attribute.String("test.id", id.String())))
	defer span.End()

	data, err := s.rdb.Get(ctx, config.CacheKey.TestDefinitionKey(id.String())).Bytes()
	span.SetAttributes(attribute.Bool("cache.hit", err == nil))
	if err == nil {
		var def model.TestDefinition
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		return &def, nil
	}
	if !errors.Is(err, redis.Nil) {
		s.log.Warn().Err(err).Str("test_id", id.String()).Msg("Definition cache read failed, using database")
	}

	t, err := s.getTest(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != model.TestStatusPublished {
		return nil, ErrTestNotFound
	}
	sections, err := s.sectionRepo.ListByTest(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list sections: %w", err)
	}
	if err := s.WarmTestCache(ctx, t); err != nil {
		s.log.Warn().Err(err).Str("test_id", id.String()).Msg("Failed to re-warm test cache")
	}
	return model.NewTestDefinition(t, sections), nil
}

// GetAnswerKey returns the answer keys of a test's objective sections.
func (s *TestService) GetAnswerKey(ctx context.Context, testID uuid.UUID) (AnswerKey, error) {
	result, err := s.rdb.HGetAll(ctx, config.CacheKey.TestAnswerKey(testID.String())).Result()
	if err == nil && len(result) > 0 {
		key := make(AnswerKey, len(result))
		for field, raw := range result {
			id, err := uuid.Parse(field)
			if err != nil {
				continue
			}
			var answers map[string][]string
			if err := json.Unmarshal([]byte(raw), &answers); err != nil {
				return nil, fmt.Errorf("unmarshal answer key: %w", err)
			}
			key[id] = answers
		}
		return key, nil
	}

	sections, err := s.sectionRepo.ListByTest(ctx, testID)
	if err != nil {
		return nil, fmt.Errorf("list sections: %w", err)
	}
	key := make(AnswerKey)
	for _, sec := range sections {
		if sec.Objective() {
			key[sec.ID] = sec.AnswerKey
		}
	}
	return key, nil
}

func (s *TestService) getTest(ctx context.Context, id uuid.UUID) (*model.Test, error) {
	t, err := s.testRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTestNotFound
		}
		return nil, fmt.Errorf("get test: %w", err)
	}
	return t, nil
}

func (s *TestService) editable(ctx context.Context, id uuid.UUID) (*model.Test, error) {
	t, err := s.getTest(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status == model.TestStatusArchived {
		return nil, ErrTestArchived
	}
	return t, nil
}

func (s *TestService) refreshIfPublished(ctx context.Context, t *model.Test) error {
	if t.Status != model.TestStatusPublished {
		return nil
	}
	fresh, err := s.getTest(ctx, t.ID)
	if err != nil {
		return err
	}
	if err := s.WarmTestCache(ctx, fresh); err != nil {
		return err
	}
	s.log.Info().Str("test_id", t.ID.String()).Msg("Cache refreshed")
	return nil
}

func (s *TestService) evict(ctx context.Context, id uuid.UUID) error {
	return s.rdb.Del(ctx,
		config.CacheKey.TestDefinitionKey(id.String()),
		config.CacheKey.TestAnswerKey(id.String()),
	).Err()
}

func sectionFromRequest(testID uuid.UUID, req model.SectionRequest) *model.Section {
	return &model.Section{
		TestID:           testID,
		OrderNum:         req.OrderNum,
		Title:            req.Title,
		Instructions:     req.Instructions,
		Prompt:           req.Prompt,
		DiagramURL:       req.DiagramURL,
		AudioURL:         req.AudioURL,
		PDFURL:           req.PDFURL,
		TimeLimitMinutes: req.TimeLimitMinutes,
		AnswerKind:       req.AnswerKind,
		Requirement:      req.Requirement,
		QuestionCount:    req.QuestionCount,
		AnswerKey:        req.AnswerKey,
	}
}

func validateSection(t *model.Test, sec *model.Section) error {
	if sec.AnswerKind == model.AnswerKindAudio && len(sec.AnswerKey) > 0 {
		return fmt.Errorf("%w: section %q: audio sections cannot have an answer key", ErrInvalidTest, sec.Title)
	}
	if t.TimerMode == model.TimerPerSection && t.Status == model.TestStatusPublished && sec.TimeLimitMinutes <= 0 {
		return fmt.Errorf("%w: section %q: %w", ErrInvalidTest, sec.Title, assessment.ErrInvalidTimeLimit)
	}
	return nil
}

// validateTest checks what a session needs to start: at least one section and
// a positive countdown for the timer mode.
func validateTest(t *model.Test, sections []model.Section) error {
	if len(sections) == 0 {
		return fmt.Errorf("%w: %w", ErrInvalidTest, assessment.ErrNoSections)
	}
	total := 0
	for i := range sections {
		sec := &sections[i]
		if sec.AnswerKind == model.AnswerKindAudio && len(sec.AnswerKey) > 0 {
			return fmt.Errorf("%w: section %q: audio sections cannot have an answer key", ErrInvalidTest, sec.Title)
		}
		if t.TimerMode == model.TimerPerSection && sec.TimeLimitMinutes <= 0 {
			return fmt.Errorf("%w: section %q: %w", ErrInvalidTest, sec.Title, assessment.ErrInvalidTimeLimit)
		}
		total += sec.TimeLimitMinutes
	}
	if t.TimerMode == model.TimerWholeTest && t.TimeLimitMinutes <= 0 && total <= 0 {
		return fmt.Errorf("%w: %w", ErrInvalidTest, assessment.ErrInvalidTimeLimit)
	}
	return nil
}
