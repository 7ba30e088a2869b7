package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/bandprep-backend/internal/assessment"
	"github.com/stemsi/bandprep-backend/internal/config"
	"github.com/stemsi/bandprep-backend/internal/model"
	"github.com/stemsi/bandprep-backend/internal/repository"
)

// Attempt errors.
var (
	ErrAttemptNotFound  = errors.New("attempt not found")
	ErrAttemptNotActive = errors.New("attempt is not in progress")
	ErrAttemptLive      = errors.New("attempt already has a live session")
	ErrUnknownSection   = errors.New("section does not belong to this test")
)

// AttemptStore is the attempt persistence used by AttemptService.
type AttemptStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Attempt, error)
	CreateOrGet(ctx context.Context, testID uuid.UUID, userID int) (*model.Attempt, bool, error)
	MarkAbandoned(ctx context.Context, id uuid.UUID, elapsedSeconds int) (bool, error)
	ListByUser(ctx context.Context, userID int) ([]model.Attempt, error)
}

// DraftReader loads persisted drafts when Redis has none.
type DraftReader interface {
	ListByAttempt(ctx context.Context, attemptID uuid.UUID) (map[uuid.UUID]model.Answer, error)
}

// liveLockTTL bounds how long a crashed server can keep an attempt locked.
const liveLockTTL = 30 * time.Second

// AttemptService handles starting, autosaving, restoring and abandoning attempts.
type AttemptService struct {
	attempts AttemptStore
	drafts   DraftReader
	tests    assessment.Provider
	rdb      *redis.Client
	log      zerolog.Logger
	now      func() time.Time
}

// NewAttemptService creates a new AttemptService.
func NewAttemptService(attempts AttemptStore, drafts DraftReader, tests assessment.Provider, rdb *redis.Client, log zerolog.Logger) *AttemptService {
	return &AttemptService{
		attempts: attempts,
		drafts:   drafts,
		tests:    tests,
		rdb:      rdb,
		log:      log.With().Str("component", "attempt_service").Logger(),
		now:      time.Now,
	}
}

// Start opens an attempt for a published test, or resumes the open one.
func (s *AttemptService) Start(ctx context.Context, userID int, testID uuid.UUID) (*model.Attempt, *model.TestDefinition, error) {
	def, err := s.tests.FetchTest(ctx, testID)
	if err != nil {
		return nil, nil, err
	}

	a, created, err := s.attempts.CreateOrGet(ctx, testID, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("create attempt: %w", err)
	}

	ttl := time.Duration(totalLimitSeconds(def))*time.Second + time.Hour
	key := config.CacheKey.AttemptStartKey(a.ID.String())
	if err := s.rdb.SetNX(ctx, key, a.StartedAt.Unix(), ttl).Err(); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", a.ID.String()).Msg("Failed to cache start time")
	}

	if created {
		s.log.Info().
			Str("attempt_id", a.ID.String()).
			Str("test_id", testID.String()).
			Int("user_id", userID).
			Msg("Attempt started")
	}
	return a, def, nil
}

// Authorize returns the user's in-progress attempt.
func (s *AttemptService) Authorize(ctx context.Context, userID int, attemptID uuid.UUID) (*model.Attempt, error) {
	a, err := s.Owned(ctx, userID, attemptID)
	if err != nil {
		return nil, err
	}
	if a.Status != model.AttemptStatusInProgress {
		return nil, ErrAttemptNotActive
	}
	return a, nil
}

// Paper returns the definition for an in-progress attempt.
func (s *AttemptService) Paper(ctx context.Context, userID int, attemptID uuid.UUID) (*model.TestDefinition, error) {
	a, err := s.Authorize(ctx, userID, attemptID)
	if err != nil {
		return nil, err
	}
	return s.tests.FetchTest(ctx, a.TestID)
}

// State restores drafts and the countdown after a page reload.
func (s *AttemptService) State(ctx context.Context, userID int, attemptID uuid.UUID) (*model.AttemptState, error) {
	a, err := s.Authorize(ctx, userID, attemptID)
	if err != nil {
		return nil, err
	}
	def, err := s.tests.FetchTest(ctx, a.TestID)
	if err != nil {
		return nil, err
	}

	drafts, err := s.loadDrafts(ctx, a.ID)
	if err != nil {
		return nil, err
	}

	elapsed := s.Elapsed(ctx, a)
	remaining := totalLimitSeconds(def) - elapsed
	if remaining < 0 {
		remaining = 0
	}

	return &model.AttemptState{
		AttemptID:        a.ID,
		TestID:           a.TestID,
		Drafts:           drafts,
		RemainingSeconds: remaining,
		ElapsedSeconds:   elapsed,
	}, nil
}

// Elapsed returns the seconds since the attempt started. The start stamp in
// Redis wins over the row so a clock set by the first start is kept.
func (s *AttemptService) Elapsed(ctx context.Context, a *model.Attempt) int {
	startedAt := a.StartedAt
	if v, err := s.rdb.Get(ctx, config.CacheKey.AttemptStartKey(a.ID.String())).Result(); err == nil {
		if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
			startedAt = time.Unix(unix, 0)
		}
	}
	return max(int(s.now().Sub(startedAt).Seconds()), 0)
}

// SaveDraft autosaves a text answer from the REST client.
func (s *AttemptService) SaveDraft(ctx context.Context, userID int, attemptID uuid.UUID, req model.SaveDraftRequest) error {
	a, err := s.Authorize(ctx, userID, attemptID)
	if err != nil {
		return err
	}
	def, err := s.tests.FetchTest(ctx, a.TestID)
	if err != nil {
		return err
	}
	sec, ok := def.Section(req.SectionID)
	if !ok {
		return ErrUnknownSection
	}
	if sec.AnswerKind != model.AnswerKindText {
		return assessment.ErrAnswerKind
	}
	return s.StoreDraft(ctx, a.ID, req.SectionID, model.TextAnswer(req.Text))
}

// StoreDraft writes an answer to the attempt's Redis hash and queues it for
// PostgreSQL. An empty answer is stored too, so a cleared section stays
// cleared on reload.
func (s *AttemptService) StoreDraft(ctx context.Context, attemptID, sectionID uuid.UUID, answer model.Answer) error {
	raw, err := json.Marshal(answer)
	if err != nil {
		return fmt.Errorf("marshal draft: %w", err)
	}
	rec, err := json.Marshal(repository.DraftRecord{
		AttemptID: attemptID,
		SectionID: sectionID,
		Answer:    answer,
		SavedAt:   s.now(),
	})
	if err != nil {
		return fmt.Errorf("marshal draft record: %w", err)
	}

	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, config.CacheKey.AttemptDraftsKey(attemptID.String()), sectionID.String(), raw)
	pipe.RPush(ctx, config.WorkerKey.PersistDraftsQueue, rec)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	return nil
}

// Drafts returns the autosaved answers of an attempt.
func (s *AttemptService) Drafts(ctx context.Context, attemptID uuid.UUID) (map[uuid.UUID]model.Answer, error) {
	return s.loadDrafts(ctx, attemptID)
}

// Abandon closes an attempt without submitting it.
func (s *AttemptService) Abandon(ctx context.Context, userID int, attemptID uuid.UUID, elapsedSeconds int) error {
	a, err := s.Authorize(ctx, userID, attemptID)
	if err != nil {
		return err
	}
	ok, err := s.attempts.MarkAbandoned(ctx, a.ID, elapsedSeconds)
	if err != nil {
		return fmt.Errorf("abandon attempt: %w", err)
	}
	if !ok {
		return ErrAttemptNotActive
	}
	s.Forget(ctx, a.ID)

	s.log.Info().Str("attempt_id", a.ID.String()).Int("user_id", userID).Msg("Attempt abandoned")
	return nil
}

// Forget drops the Redis state of a closed attempt.
func (s *AttemptService) Forget(ctx context.Context, attemptID uuid.UUID) {
	id := attemptID.String()
	if err := s.rdb.Del(ctx,
		config.CacheKey.AttemptStartKey(id),
		config.CacheKey.AttemptDraftsKey(id),
	).Err(); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", id).Msg("Failed to clear attempt cache")
	}
}

// ListMine returns a user's attempts.
func (s *AttemptService) ListMine(ctx context.Context, userID int) ([]model.Attempt, error) {
	return s.attempts.ListByUser(ctx, userID)
}

// AcquireLive claims the single live session slot of an attempt. The returned
// token must be passed to RenewLive and ReleaseLive.
func (s *AttemptService) AcquireLive(ctx context.Context, attemptID uuid.UUID) (string, error) {
	token := uuid.NewString()
	ok, err := s.rdb.SetNX(ctx, config.CacheKey.AttemptLiveKey(attemptID.String()), token, liveLockTTL).Result()
	if err != nil {
		return "", fmt.Errorf("acquire live lock: %w", err)
	}
	if !ok {
		return "", ErrAttemptLive
	}
	return token, nil
}

var renewLiveScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// RenewLive extends the live lock while the session is open.
func (s *AttemptService) RenewLive(ctx context.Context, attemptID uuid.UUID, token string) error {
	return renewLiveScript.Run(ctx, s.rdb,
		[]string{config.CacheKey.AttemptLiveKey(attemptID.String())},
		token, liveLockTTL.Milliseconds()).Err()
}

// ReleaseLive frees the live lock if the token still holds it.
func (s *AttemptService) ReleaseLive(ctx context.Context, attemptID uuid.UUID, token string) error {
	return logoutScript.Run(ctx, s.rdb, []string{config.CacheKey.AttemptLiveKey(attemptID.String())}, token).Err()
}

// LiveLockInterval is how often a live session should renew its lock.
func LiveLockInterval() time.Duration { return liveLockTTL / 3 }

// Owned returns an attempt of the user in any status.
func (s *AttemptService) Owned(ctx context.Context, userID int, attemptID uuid.UUID) (*model.Attempt, error) {
	a, err := s.attempts.GetByID(ctx, attemptID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	if a.UserID != userID {
		return nil, ErrAttemptNotFound
	}
	return a, nil
}

func (s *AttemptService) loadDrafts(ctx context.Context, attemptID uuid.UUID) (map[uuid.UUID]model.Answer, error) {
	fields, err := s.rdb.HGetAll(ctx, config.CacheKey.AttemptDraftsKey(attemptID.String())).Result()
	if err != nil {
		s.log.Warn().Err(err).Str("attempt_id", attemptID.String()).Msg("Draft cache read failed, using database")
	}
	if len(fields) == 0 {
		drafts, err := s.drafts.ListByAttempt(ctx, attemptID)
		if err != nil {
			return nil, fmt.Errorf("list drafts: %w", err)
		}
		return drafts, nil
	}

	drafts := make(map[uuid.UUID]model.Answer, len(fields))
	for field, raw := range fields {
		id, err := uuid.Parse(field)
		if err != nil {
			continue
		}
		var a model.Answer
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			s.log.Warn().Err(err).Str("attempt_id", attemptID.String()).Msg("Skipping corrupt draft")
			continue
		}
		drafts[id] = a
	}
	return drafts, nil
}

// totalLimitSeconds is the longest an attempt can run: the whole-test limit,
// or the sum of section limits.
func totalLimitSeconds(def *model.TestDefinition) int {
	if def.TimerMode == model.TimerWholeTest && def.TimeLimitSeconds > 0 {
		return def.TimeLimitSeconds
	}
	total := 0
	for _, sec := range def.Sections {
		total += sec.TimeLimitSeconds
	}
	return total
}
