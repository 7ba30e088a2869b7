package assessment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/bandprep-backend/internal/model"
)

const waitTimeout = 2 * time.Second

type manualTicker struct {
	ch      chan time.Time
	stopped atomic.Bool
}

func (m *manualTicker) C() <-chan time.Time { return m.ch }
func (m *manualTicker) Stop()               { m.stopped.Store(true) }

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) FetchTest(ctx context.Context, id uuid.UUID) (*model.TestDefinition, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.TestDefinition), args.Error(1)
}

type fakeSink struct {
	mu       sync.Mutex
	calls    []*Payload
	errs     []error
	panicMsg string

	// entered is signalled on every call; block holds the call until closed.
	entered chan struct{}
	block   chan struct{}
}

func (f *fakeSink) Submit(ctx context.Context, sessionID uuid.UUID, p *Payload, elapsed int) (*model.Receipt, error) {
	f.mu.Lock()
	f.calls = append(f.calls, p)
	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	msg := f.panicMsg
	f.panicMsg = ""
	f.mu.Unlock()

	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if f.block != nil {
		<-f.block
	}
	if msg != "" {
		panic(msg)
	}
	if err != nil {
		return nil, err
	}
	return &model.Receipt{
		SubmissionID: uuid.New(),
		AttemptID:    sessionID,
		Status:       model.SubmissionStatusPendingReview,
		SubmittedAt:  time.Now(),
	}, nil
}

func (f *fakeSink) Calls() []*Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Payload(nil), f.calls...)
}

type fakeHandle struct{ section uuid.UUID }

func (h fakeHandle) SectionID() uuid.UUID { return h.section }

type fakeDevice struct {
	startErr   error
	panicStart bool
	panicStop  bool
	size       int64
	cancelled  atomic.Int32
	stopped    atomic.Int32

	mu       sync.Mutex
	stopErrs []error
}

func (d *fakeDevice) StartCapture(ctx context.Context, sectionID uuid.UUID) (Handle, error) {
	if d.panicStart {
		panic("driver crashed")
	}
	if d.startErr != nil {
		return nil, d.startErr
	}
	return fakeHandle{section: sectionID}, nil
}

func (d *fakeDevice) StopCapture(ctx context.Context, h Handle) (model.AudioRef, error) {
	d.stopped.Add(1)
	if d.panicStop {
		panic("encoder crashed")
	}
	d.mu.Lock()
	var err error
	if len(d.stopErrs) > 0 {
		err = d.stopErrs[0]
		d.stopErrs = d.stopErrs[1:]
	}
	d.mu.Unlock()
	if err != nil {
		return model.AudioRef{}, err
	}
	return model.AudioRef{URL: "/uploads/" + h.SectionID().String() + ".webm", SizeBytes: d.size, ContentType: "audio/webm"}, nil
}

func (d *fakeDevice) CancelCapture(ctx context.Context, h Handle) error {
	d.cancelled.Add(1)
	return nil
}

type harness struct {
	t      *testing.T
	def    *model.TestDefinition
	ctrl   *Controller
	ticker *manualTicker
	sink   *fakeSink
	device *fakeDevice
	cancel context.CancelFunc
	runErr chan error

	mu     sync.Mutex
	events []Event
}

func newHarness(t *testing.T, def *model.TestDefinition, cfg Config) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		def:    def,
		ticker: &manualTicker{ch: make(chan time.Time)},
		sink:   &fakeSink{},
		device: &fakeDevice{size: 4096},
		runErr: make(chan error, 1),
	}
	provider := new(mockProvider)
	provider.On("FetchTest", def.ID).Return(def, nil)

	cfg.NewTicker = func(time.Duration) Ticker { return h.ticker }
	cfg.Logger = zerolog.Nop()
	cfg.Observer = func(e Event) {
		h.mu.Lock()
		h.events = append(h.events, e)
		h.mu.Unlock()
	}
	h.ctrl = NewController(uuid.New(), provider, h.sink, h.device, cfg)
	return h
}

func (h *harness) start() {
	h.t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.t.Cleanup(cancel)
	go func() { h.runErr <- h.ctrl.Run(ctx, h.def.ID) }()

	select {
	case <-h.ctrl.Ready():
	case err := <-h.runErr:
		h.t.Fatalf("run exited early: %v", err)
	case <-time.After(waitTimeout):
		h.t.Fatal("session did not start")
	}
}

// tick delivers one tick and reports whether the loop accepted it.
func (h *harness) tick() bool {
	select {
	case h.ticker.ch <- time.Now():
		return true
	case <-time.After(50 * time.Millisecond):
		return false
	}
}

func (h *harness) ticks(n int) {
	h.t.Helper()
	for i := 0; i < n; i++ {
		require.True(h.t, h.tick(), "tick %d not accepted", i+1)
	}
}

func (h *harness) snapshot() Snapshot {
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	return h.ctrl.Snapshot(ctx)
}

func (h *harness) waitDone() error {
	h.t.Helper()
	select {
	case err := <-h.runErr:
		return err
	case <-time.After(waitTimeout):
		h.t.Fatal("session did not finish")
		return nil
	}
}

func (h *harness) eventTypes() []EventType {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]EventType, 0, len(h.events))
	for _, e := range h.events {
		if e.Type != EventTick {
			out = append(out, e.Type)
		}
	}
	return out
}

func (h *harness) event(t EventType) (Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.events {
		if e.Type == t {
			return e, true
		}
	}
	return Event{}, false
}

func TestController_TwoSectionScenario(t *testing.T) {
	def := perSectionTest(
		section(model.AnswerKindText, 20, model.RequirementRequired),
		section(model.AnswerKindText, 10, model.RequirementRequired),
	)
	h := newHarness(t, def, Config{})
	h.start()
	ctx := context.Background()

	require.NoError(t, h.ctrl.RecordAnswer(ctx, def.Sections[0].ID, model.TextAnswer("part one")))
	h.ticks(20)

	snap := h.snapshot()
	assert.Equal(t, 1, snap.SectionIndex)
	assert.Equal(t, 10, snap.RemainingSeconds)

	h.ticks(5)
	require.NoError(t, h.ctrl.RecordAnswer(ctx, def.Sections[1].ID, model.TextAnswer("part two")))
	h.ticks(5)

	require.NoError(t, h.waitDone())

	calls := h.sink.Calls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Forced)
	assert.Equal(t, 30, calls[0].ElapsedSeconds)
	assert.Equal(t, "part one", calls[0].Answers[def.Sections[0].ID].Text)
	assert.Equal(t, "part two", calls[0].Answers[def.Sections[1].ID].Text)

	assert.True(t, h.ticker.stopped.Load())
	assert.False(t, h.tick())

	expired, ok := h.event(EventExpired)
	require.True(t, ok)
	assert.Equal(t, MessageTimeUp, expired.Message)
	submitted, ok := h.event(EventSubmitted)
	require.True(t, ok)
	assert.Equal(t, MessageSubmitted, submitted.Message)
	assert.Equal(t, SubmissionSubmitted, h.ctrl.Result().State)
}

func TestController_SubmitRacingExpirySendsOnce(t *testing.T) {
	for i := 0; i < 20; i++ {
		def := wholeTest(3, section(model.AnswerKindText, 0, model.RequirementRequired))
		h := newHarness(t, def, Config{})
		h.start()
		require.NoError(t, h.ctrl.RecordAnswer(context.Background(), def.Sections[0].ID, model.TextAnswer("answer")))
		h.ticks(2)

		var wg sync.WaitGroup
		var res Result
		var submitErr error
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, submitErr = h.ctrl.Submit(context.Background())
		}()
		h.tick()
		wg.Wait()

		require.NoError(t, h.waitDone())
		require.NoError(t, submitErr)
		assert.Equal(t, SubmissionSubmitted, res.State)
		assert.Len(t, h.sink.Calls(), 1)
	}
}

func TestController_TransientFailureRetry(t *testing.T) {
	t.Run("user retry resends the same payload", func(t *testing.T) {
		def := wholeTest(60, section(model.AnswerKindText, 0, model.RequirementRequired))
		h := newHarness(t, def, Config{})
		h.sink.errs = []error{TransientError(errors.New("network unreachable"))}
		h.start()
		ctx := context.Background()

		require.NoError(t, h.ctrl.RecordAnswer(ctx, def.Sections[0].ID, model.TextAnswer("essay body")))
		h.ticks(12)

		res, err := h.ctrl.Submit(ctx)
		require.Error(t, err)
		assert.True(t, IsTransient(err))
		assert.Equal(t, SubmissionFailed, res.State)

		failed, ok := h.event(EventSubmitFailed)
		require.True(t, ok)
		assert.True(t, failed.Retryable)

		res, err = h.ctrl.Submit(ctx)
		require.NoError(t, err)
		assert.Equal(t, SubmissionSubmitted, res.State)
		require.NotNil(t, res.Receipt)

		calls := h.sink.Calls()
		require.Len(t, calls, 2)
		assert.Same(t, calls[0], calls[1])
		assert.Equal(t, 12, calls[1].ElapsedSeconds)
		require.NoError(t, h.waitDone())
	})

	t.Run("transient failures retry automatically", func(t *testing.T) {
		def := wholeTest(60, section(model.AnswerKindText, 0, model.RequirementRequired))
		h := newHarness(t, def, Config{RetryAttempts: 2, RetryDelay: 5 * time.Millisecond})
		h.sink.errs = []error{
			TransientError(errors.New("503")),
			context.DeadlineExceeded,
		}
		h.start()
		ctx := context.Background()

		require.NoError(t, h.ctrl.RecordAnswer(ctx, def.Sections[0].ID, model.TextAnswer("essay")))
		res, err := h.ctrl.Submit(ctx)
		require.NoError(t, err)
		assert.Equal(t, SubmissionSubmitted, res.State)
		assert.Len(t, h.sink.Calls(), 3)
		require.NoError(t, h.waitDone())
	})

	t.Run("validation failures are not retried", func(t *testing.T) {
		def := wholeTest(60, section(model.AnswerKindText, 0, model.RequirementRequired))
		h := newHarness(t, def, Config{RetryAttempts: 3, RetryDelay: time.Millisecond})
		h.sink.errs = []error{ValidationError("unknown section", nil)}
		h.start()
		ctx := context.Background()

		require.NoError(t, h.ctrl.RecordAnswer(ctx, def.Sections[0].ID, model.TextAnswer("essay")))
		res, err := h.ctrl.Submit(ctx)
		require.Error(t, err)
		assert.True(t, IsValidation(err))
		assert.Equal(t, SubmissionFailed, res.State)

		time.Sleep(20 * time.Millisecond)
		assert.Len(t, h.sink.Calls(), 1)

		snap := h.snapshot()
		assert.Equal(t, []uuid.UUID{def.Sections[0].ID}, snap.Answered)
		assert.False(t, snap.Retryable)
	})
}

func TestController_Capture(t *testing.T) {
	t.Run("stop returns the stored recording", func(t *testing.T) {
		def := perSectionTest(section(model.AnswerKindAudio, 60, model.RequirementRequired))
		h := newHarness(t, def, Config{})
		h.start()
		ctx := context.Background()

		require.NoError(t, h.ctrl.StartCapture(ctx, def.Sections[0].ID))
		assert.Equal(t, StageCapturing, h.snapshot().Stage)

		ref, err := h.ctrl.StopCapture(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(4096), ref.SizeBytes)
		assert.Equal(t, StageCaptured, h.snapshot().Stage)
	})

	t.Run("device failure keeps the clock running", func(t *testing.T) {
		def := perSectionTest(section(model.AnswerKindAudio, 30, model.RequirementRequired))
		h := newHarness(t, def, Config{})
		h.device.startErr = errors.New("permission denied")
		h.start()

		err := h.ctrl.StartCapture(context.Background(), def.Sections[0].ID)
		assert.ErrorIs(t, err, ErrDevice)

		h.ticks(3)
		snap := h.snapshot()
		assert.Equal(t, 27, snap.RemainingSeconds)
		assert.Equal(t, StageAwaitingInput, snap.Stage)
		assert.Equal(t, "running", snap.Phase)
	})

	t.Run("expiry during recording submits the partial take", func(t *testing.T) {
		def := perSectionTest(section(model.AnswerKindAudio, 5, model.RequirementRequired))
		h := newHarness(t, def, Config{})
		h.start()

		require.NoError(t, h.ctrl.StartCapture(context.Background(), def.Sections[0].ID))
		h.ticks(5)
		require.NoError(t, h.waitDone())

		assert.Equal(t, int32(1), h.device.stopped.Load())
		calls := h.sink.Calls()
		require.Len(t, calls, 1)
		require.NotNil(t, calls[0].Answers[def.Sections[0].ID])
		assert.Equal(t, int64(4096), calls[0].Answers[def.Sections[0].ID].Audio.SizeBytes)
	})
}

func TestController_CaptureStopFailures(t *testing.T) {
	kept := func() error { return fmt.Errorf("%w: upload recording: bucket unavailable", ErrCaptureKept) }

	t.Run("failed upload leaves the take open for another stop", func(t *testing.T) {
		def := perSectionTest(section(model.AnswerKindAudio, 60, model.RequirementRequired))
		h := newHarness(t, def, Config{})
		h.device.stopErrs = []error{kept()}
		h.start()
		ctx := context.Background()

		require.NoError(t, h.ctrl.StartCapture(ctx, def.Sections[0].ID))
		_, err := h.ctrl.StopCapture(ctx)
		assert.ErrorIs(t, err, ErrDevice)
		assert.ErrorIs(t, err, ErrCaptureKept)
		assert.Equal(t, StageCapturing, h.snapshot().Stage)

		failed, ok := h.event(EventCaptureFailed)
		require.True(t, ok)
		assert.True(t, failed.Retryable)

		ref, err := h.ctrl.StopCapture(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(4096), ref.SizeBytes)
		assert.Equal(t, StageCaptured, h.snapshot().Stage)
		assert.Equal(t, int32(2), h.device.stopped.Load())
		assert.Zero(t, h.device.cancelled.Load())
	})

	t.Run("expiry retries the stop before submitting", func(t *testing.T) {
		def := perSectionTest(section(model.AnswerKindAudio, 3, model.RequirementRequired))
		h := newHarness(t, def, Config{})
		h.device.stopErrs = []error{kept()}
		h.start()

		require.NoError(t, h.ctrl.StartCapture(context.Background(), def.Sections[0].ID))
		h.ticks(3)
		require.NoError(t, h.waitDone())

		assert.Equal(t, int32(2), h.device.stopped.Load())
		calls := h.sink.Calls()
		require.Len(t, calls, 1)
		require.NotNil(t, calls[0].Answers[def.Sections[0].ID])
		assert.Equal(t, int64(4096), calls[0].Answers[def.Sections[0].ID].Audio.SizeBytes)
	})

	t.Run("expiry gives up on a take that never uploads", func(t *testing.T) {
		def := perSectionTest(section(model.AnswerKindAudio, 3, model.RequirementRequired))
		h := newHarness(t, def, Config{})
		h.device.stopErrs = []error{kept(), kept(), kept()}
		h.start()

		require.NoError(t, h.ctrl.StartCapture(context.Background(), def.Sections[0].ID))
		h.ticks(3)
		require.NoError(t, h.waitDone())

		assert.Equal(t, int32(3), h.device.stopped.Load())
		assert.Equal(t, int32(1), h.device.cancelled.Load())
		calls := h.sink.Calls()
		require.Len(t, calls, 1)
		assert.True(t, calls[0].Forced)
		assert.Nil(t, calls[0].Answers[def.Sections[0].ID])
	})

	t.Run("device panic on stop is reported as a capture failure", func(t *testing.T) {
		def := perSectionTest(section(model.AnswerKindAudio, 30, model.RequirementRequired))
		h := newHarness(t, def, Config{})
		h.device.panicStop = true
		h.start()
		ctx := context.Background()

		require.NoError(t, h.ctrl.StartCapture(ctx, def.Sections[0].ID))
		_, err := h.ctrl.StopCapture(ctx)
		assert.ErrorIs(t, err, ErrDevice)

		snap := h.snapshot()
		assert.Equal(t, "running", snap.Phase)
		assert.Equal(t, StageAwaitingInput, snap.Stage)
		assert.Contains(t, h.eventTypes(), EventCaptureFailed)
		h.ticks(1)
		assert.Equal(t, 29, h.snapshot().RemainingSeconds)
	})

	t.Run("device panic during expiry still submits", func(t *testing.T) {
		def := perSectionTest(section(model.AnswerKindAudio, 3, model.RequirementRequired))
		h := newHarness(t, def, Config{})
		h.device.panicStop = true
		h.start()

		require.NoError(t, h.ctrl.StartCapture(context.Background(), def.Sections[0].ID))
		h.ticks(3)
		require.NoError(t, h.waitDone())

		calls := h.sink.Calls()
		require.Len(t, calls, 1)
		assert.True(t, calls[0].Forced)
	})
}

func TestController_DisconnectDuringSubmit(t *testing.T) {
	send := func(t *testing.T, h *harness, def *model.TestDefinition) {
		t.Helper()
		ctx := context.Background()
		require.NoError(t, h.ctrl.RecordAnswer(ctx, def.Sections[0].ID, model.TextAnswer("essay")))
		go func() { _, _ = h.ctrl.Submit(ctx) }()
		select {
		case <-h.sink.entered:
		case <-time.After(waitTimeout):
			t.Fatal("submission never reached the sink")
		}
		h.cancel()
		select {
		case err := <-h.runErr:
			t.Fatalf("run returned before the submission settled: %v", err)
		case <-time.After(50 * time.Millisecond):
		}
		close(h.sink.block)
	}

	t.Run("accepted submission completes the session", func(t *testing.T) {
		def := wholeTest(60, section(model.AnswerKindText, 0, model.RequirementRequired))
		h := newHarness(t, def, Config{})
		h.sink.entered = make(chan struct{}, 1)
		h.sink.block = make(chan struct{})
		h.start()

		send(t, h, def)
		require.NoError(t, h.waitDone())
		assert.Equal(t, SubmissionSubmitted, h.ctrl.Result().State)
		assert.NotContains(t, h.eventTypes(), EventAbandoned)
		assert.Len(t, h.sink.Calls(), 1)
	})

	t.Run("rejected submission is abandoned afterwards", func(t *testing.T) {
		def := wholeTest(60, section(model.AnswerKindText, 0, model.RequirementRequired))
		h := newHarness(t, def, Config{})
		h.sink.entered = make(chan struct{}, 1)
		h.sink.block = make(chan struct{})
		h.sink.errs = []error{TransientError(errors.New("503"))}
		h.start()

		send(t, h, def)
		assert.ErrorIs(t, h.waitDone(), context.Canceled)
		assert.Equal(t, SubmissionFailed, h.ctrl.Result().State)
		assert.Contains(t, h.eventTypes(), EventAbandoned)
		assert.Len(t, h.sink.Calls(), 1)
	})
}

func TestController_ResumesFromElapsed(t *testing.T) {
	t.Run("countdown continues from the attempt start", func(t *testing.T) {
		def := wholeTest(60, section(model.AnswerKindText, 0, model.RequirementRequired))
		h := newHarness(t, def, Config{ElapsedSeconds: 50})
		h.start()

		snap := h.snapshot()
		assert.Equal(t, 10, snap.RemainingSeconds)
		assert.Equal(t, 50, snap.ElapsedSeconds)
		h.ticks(10)
		require.NoError(t, h.waitDone())
		require.Len(t, h.sink.Calls(), 1)
		assert.True(t, h.sink.Calls()[0].Forced)
	})

	t.Run("time already up submits at once", func(t *testing.T) {
		def := wholeTest(60, section(model.AnswerKindText, 0, model.RequirementRequired))
		h := newHarness(t, def, Config{ElapsedSeconds: 70})

		require.NoError(t, h.ctrl.Run(context.Background(), def.ID))

		calls := h.sink.Calls()
		require.Len(t, calls, 1)
		assert.True(t, calls[0].Forced)
		assert.Equal(t, 70, calls[0].ElapsedSeconds)
		assert.True(t, h.ticker.stopped.Load())
		assert.Contains(t, h.eventTypes(), EventExpired)
	})
}

func TestController_AbandonCancelsCapture(t *testing.T) {
	def := perSectionTest(section(model.AnswerKindAudio, 30, model.RequirementRequired))
	h := newHarness(t, def, Config{})
	h.start()

	require.NoError(t, h.ctrl.StartCapture(context.Background(), def.Sections[0].ID))
	h.ticks(2)
	h.cancel()

	assert.ErrorIs(t, h.waitDone(), context.Canceled)
	assert.Equal(t, int32(1), h.device.cancelled.Load())
	assert.Empty(t, h.sink.Calls())
	assert.True(t, h.ticker.stopped.Load())
	assert.Contains(t, h.eventTypes(), EventAbandoned)

	_, err := h.ctrl.Submit(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.Equal(t, 28, h.snapshot().RemainingSeconds)
}

func TestController_PanicFailsSession(t *testing.T) {
	def := perSectionTest(section(model.AnswerKindAudio, 30, model.RequirementRequired))
	h := newHarness(t, def, Config{})
	h.device.panicStart = true
	h.start()

	err := h.ctrl.StartCapture(context.Background(), def.Sections[0].ID)
	require.Error(t, err)

	snap := h.snapshot()
	assert.Equal(t, "failed", snap.Phase)
	assert.Equal(t, SubmissionFailed, snap.SubmissionState)
	assert.True(t, h.ticker.stopped.Load())
	assert.False(t, h.tick())
	assert.Contains(t, h.eventTypes(), EventFailed)
}

func TestController_SinkPanicFailsSession(t *testing.T) {
	def := wholeTest(60, section(model.AnswerKindText, 0, model.RequirementRequired))
	h := newHarness(t, def, Config{RetryAttempts: 3, RetryDelay: time.Millisecond})
	h.sink.panicMsg = "nil map write"
	h.start()
	ctx := context.Background()

	require.NoError(t, h.ctrl.RecordAnswer(ctx, def.Sections[0].ID, model.TextAnswer("essay")))
	res, err := h.ctrl.Submit(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil map write")
	assert.Equal(t, SubmissionFailed, res.State)

	snap := h.snapshot()
	assert.Equal(t, "failed", snap.Phase)
	assert.True(t, h.ticker.stopped.Load())
	assert.Contains(t, h.eventTypes(), EventFailed)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, h.sink.Calls(), 1)

	res, err = h.ctrl.Submit(ctx)
	require.NoError(t, err)
	assert.Equal(t, SubmissionSubmitted, res.State)
	assert.Len(t, h.sink.Calls(), 2)
	require.NoError(t, h.waitDone())
}

func TestController_FetchFailure(t *testing.T) {
	provider := new(mockProvider)
	id := uuid.New()
	provider.On("FetchTest", id).Return(nil, ErrTestNotFound)

	ctrl := NewController(uuid.New(), provider, &fakeSink{}, &fakeDevice{}, Config{Logger: zerolog.Nop()})
	err := ctrl.Run(context.Background(), id)
	assert.ErrorIs(t, err, ErrTestNotFound)
	provider.AssertExpectations(t)

	_, err = ctrl.Submit(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
}
