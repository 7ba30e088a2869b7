package assessment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/bandprep-backend/internal/model"
)

const (
	defaultTickInterval  = time.Second
	defaultRetryDelay    = 1500 * time.Millisecond
	defaultSubmitTimeout  = 30 * time.Second
	defaultCaptureTimeout = 30 * time.Second
	cancelCaptureTimeout  = 5 * time.Second
	maxStopRetries        = 2
)

// Ticker is the countdown clock. Tests swap it for a manual one.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// NewRealTicker wraps time.Ticker.
func NewRealTicker(d time.Duration) Ticker { return realTicker{t: time.NewTicker(d)} }

// Config tunes a Controller.
type Config struct {
	TickInterval  time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
	SubmitTimeout time.Duration
	// CaptureTimeout bounds one StopCapture call on the device.
	CaptureTimeout time.Duration
	// ElapsedSeconds already used by the attempt before this session opened.
	ElapsedSeconds int
	NewTicker      func(time.Duration) Ticker
	Observer      Observer
	Logger        zerolog.Logger
}

type reply struct {
	value any
	err   error
}

type command struct {
	fn    func() (any, error)
	reply chan reply
}

var errDeferred = errors.New("deferred")

// Controller owns a Session and serialises every trigger (ticks, user
// commands, device and sink completions) on one goroutine.
type Controller struct {
	session  *Session
	provider Provider
	sink     Sink
	device   Device
	cfg      Config
	log      zerolog.Logger

	cmds  chan command
	async chan func()
	ready chan struct{}
	done  chan struct{}

	// Loop-owned.
	ctx           context.Context
	ticker        Ticker
	tickC         <-chan time.Time
	retryTimer    *time.Timer
	retryC        <-chan time.Time
	retries       int
	handle        Handle
	stopRetries   int
	stopWaiter    chan reply
	submitWaiters []chan reply
	// closing is set once ctx is done while a submission is still settling.
	closing bool

	mu     sync.Mutex
	final  Snapshot
	result Result
}

// NewController builds a controller for one session.
func NewController(id uuid.UUID, provider Provider, sink Sink, device Device, cfg Config) *Controller {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.RetryAttempts < 0 {
		cfg.RetryAttempts = 0
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = defaultSubmitTimeout
	}
	if cfg.CaptureTimeout <= 0 {
		cfg.CaptureTimeout = defaultCaptureTimeout
	}
	if cfg.NewTicker == nil {
		cfg.NewTicker = NewRealTicker
	}

	return &Controller{
		session:  NewSession(id),
		provider: provider,
		sink:     sink,
		device:   device,
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "assessment").Str("session_id", id.String()).Logger(),
		cmds:     make(chan command),
		async:    make(chan func()),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Ready is closed once the test is loaded and the countdown runs.
func (c *Controller) Ready() <-chan struct{} { return c.ready }

// Done is closed when the loop exits.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Run loads the test and drives the session until it completes or ctx is
// cancelled. Cancelling ctx abandons the session: the timer stops, an active
// capture is cancelled and nothing new is submitted. A submission already
// handed to the sink, or queued by expiry, settles first; Run returns nil if
// it is accepted.
func (c *Controller) Run(ctx context.Context, testID uuid.UUID) error {
	defer close(c.done)
	c.ctx = ctx

	def, err := c.provider.FetchTest(ctx, testID)
	if err != nil {
		c.publishFinal()
		return fmt.Errorf("fetch test: %w", err)
	}
	if err := c.session.StartAt(def, c.cfg.ElapsedSeconds); err != nil {
		c.publishFinal()
		return fmt.Errorf("start session: %w", err)
	}

	c.ticker = c.cfg.NewTicker(c.cfg.TickInterval)
	c.tickC = c.ticker.C()
	defer c.stopTimer()
	defer c.stopRetry()

	c.log.Info().
		Str("test_id", def.ID.String()).
		Int("sections", len(def.Sections)).
		Str("timer_mode", string(def.TimerMode)).
		Int("remaining_seconds", c.session.Remaining()).
		Int("elapsed_seconds", c.cfg.ElapsedSeconds).
		Msg("Session started")
	c.emit(EventStarted, "", false)
	c.publishFinal()
	close(c.ready)

	if c.session.Remaining() == 0 {
		c.guard(c.onTick)
		c.publishFinal()
	}

	ctxDone := ctx.Done()
	for {
		select {
		case <-ctxDone:
			if !c.session.Settling() {
				c.abandon()
				return ctx.Err()
			}
			ctxDone = nil
			c.closing = true
			c.log.Info().Str("phase", c.session.Phase().String()).Msg("Client gone, letting submission settle")

		case <-c.tickC:
			c.guard(c.onTick)

		case <-c.retryC:
			c.retryC = nil
			c.retryTimer = nil
			c.guard(c.onRetry)

		case fn := <-c.async:
			c.guard(fn)

		case cmd := <-c.cmds:
			c.guard(func() { c.onCommand(cmd) })
		}

		c.publishFinal()
		if c.session.Phase() == PhaseCompleted {
			return nil
		}
		if c.closing && !c.session.Settling() && c.retryC == nil {
			c.abandon()
			return ctx.Err()
		}
	}
}

// RecordAnswer stores an answer for the current section.
func (c *Controller) RecordAnswer(ctx context.Context, sectionID uuid.UUID, answer model.Answer) error {
	_, err := c.do(ctx, func() (any, error) {
		if err := c.session.RecordAnswer(sectionID, answer); err != nil {
			return nil, err
		}
		c.emit(EventCaptured, "", false)
		return nil, nil
	})
	return err
}

// StartCapture begins recording the current section. Device failures are
// returned to the caller and leave the countdown untouched.
func (c *Controller) StartCapture(ctx context.Context, sectionID uuid.UUID) error {
	_, err := c.do(ctx, func() (any, error) {
		if err := c.session.BeginCapture(sectionID); err != nil {
			return nil, err
		}
		h, err := c.device.StartCapture(c.ctx, sectionID)
		if err != nil {
			c.session.AbortCapture()
			derr := deviceError(err)
			c.log.Warn().Err(err).Str("section_id", sectionID.String()).Msg("Capture failed to start")
			c.emit(EventCaptureFailed, derr.Error(), true)
			return nil, derr
		}
		c.handle = h
		c.emit(EventCaptureStarted, "", false)
		return nil, nil
	})
	return err
}

// StopCapture finishes the active recording and returns what was stored.
func (c *Controller) StopCapture(ctx context.Context) (model.AudioRef, error) {
	v, err := c.doDeferred(ctx, func(waiter chan reply) error {
		if err := c.session.RequestStop(); err != nil {
			return err
		}
		c.stopWaiter = waiter
		c.stopDevice()
		return nil
	})
	if err != nil {
		return model.AudioRef{}, err
	}
	ref, _ := v.(model.AudioRef)
	return ref, nil
}

// CancelCapture drops the active recording without storing it.
func (c *Controller) CancelCapture(ctx context.Context) error {
	_, err := c.do(ctx, func() (any, error) {
		if !c.session.Capturing() || c.handle == nil {
			return nil, ErrNoCapture
		}
		if err := c.session.RequestStop(); err != nil {
			return nil, err
		}
		h := c.handle
		c.handle = nil
		c.session.AbortCapture()
		if err := c.device.CancelCapture(c.ctx, h); err != nil {
			c.log.Warn().Err(err).Msg("Failed to cancel capture")
		}
		return nil, nil
	})
	return err
}

// Advance moves to the next section.
func (c *Controller) Advance(ctx context.Context) error {
	_, err := c.do(ctx, func() (any, error) {
		if _, err := c.session.Advance(); err != nil {
			return nil, err
		}
		c.emit(EventSectionAdvanced, "", false)
		return nil, nil
	})
	return err
}

// Submit submits the session, or retries a failed submission, and waits for
// the sink. Calls racing an in-flight submission wait for its outcome instead
// of sending again.
func (c *Controller) Submit(ctx context.Context) (Result, error) {
	v, err := c.doDeferred(ctx, func(waiter chan reply) error {
		switch c.session.Phase() {
		case PhaseCompleted:
			waiter <- reply{value: c.session.Result()}
			return nil
		case PhaseSubmitting:
			c.submitWaiters = append(c.submitWaiters, waiter)
			return nil
		}

		c.stopRetry()
		if c.session.Phase() == PhaseFailed {
			c.retries = 0
		}
		payload, err := c.session.Submit()
		if err != nil {
			return err
		}
		c.submitWaiters = append(c.submitWaiters, waiter)
		if payload != nil {
			c.dispatch(payload, false)
		}
		return nil
	})
	if err != nil {
		res := c.Result()
		if errors.Is(err, ErrSessionClosed) && res.State == SubmissionSubmitted {
			return res, nil
		}
		return res, err
	}
	res, _ := v.(Result)
	return res, res.Err
}

// Snapshot returns the current session state.
func (c *Controller) Snapshot(ctx context.Context) Snapshot {
	v, err := c.do(ctx, func() (any, error) {
		return c.session.Snapshot(), nil
	})
	if err != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.final
	}
	return v.(Snapshot)
}

// Result returns the last known submission outcome.
func (c *Controller) Result() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

func (c *Controller) do(ctx context.Context, fn func() (any, error)) (any, error) {
	cmd := command{fn: fn, reply: make(chan reply, 1)}
	select {
	case c.cmds <- cmd:
	case <-c.done:
		return nil, ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-cmd.reply:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// doDeferred runs fn on the loop. fn either fails immediately or hands the
// waiter to whatever completes the operation.
func (c *Controller) doDeferred(ctx context.Context, fn func(waiter chan reply) error) (any, error) {
	waiter := make(chan reply, 1)
	cmd := command{
		reply: make(chan reply, 1),
		fn: func() (any, error) {
			if err := fn(waiter); err != nil {
				return nil, err
			}
			return nil, errDeferred
		},
	}
	select {
	case c.cmds <- cmd:
	case <-c.done:
		return nil, ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-cmd.reply:
		if !errors.Is(r.err, errDeferred) {
			return r.value, r.err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-waiter:
		return r.value, r.err
	case <-c.done:
		select {
		case r := <-waiter:
			return r.value, r.err
		default:
			return nil, ErrSessionClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Controller) onCommand(cmd command) {
	var (
		v   any
		err error
	)
	defer func() {
		if r := recover(); r != nil {
			cmd.reply <- reply{err: fmt.Errorf("unexpected session error: %v", r)}
			panic(r)
		}
		cmd.reply <- reply{value: v, err: err}
	}()
	v, err = cmd.fn()
}

func (c *Controller) onTick() {
	eff := c.session.Tick()
	c.emit(EventTick, "", false)
	c.apply(eff)
}

func (c *Controller) onRetry() {
	if c.session.Phase() != PhaseFailed {
		return
	}
	payload, err := c.session.Submit()
	if err != nil || payload == nil {
		return
	}
	c.log.Info().Int("attempt", c.retries+1).Msg("Retrying submission")
	c.dispatch(payload, true)
}

func (c *Controller) apply(eff Effects) {
	if eff.Expired {
		c.log.Info().Int("section_index", c.session.Snapshot().SectionIndex).Msg("Countdown expired")
	}
	if eff.StopCapture {
		c.stopDevice()
	}
	if eff.Advanced {
		c.emit(EventSectionAdvanced, "", false)
	}
	if eff.StopTimer {
		c.stopTimer()
	}
	if eff.Submit != nil {
		if eff.Expired || eff.Submit.Forced {
			c.emit(EventExpired, MessageTimeUp, false)
		}
		c.dispatch(eff.Submit, false)
	}
}

// stopDevice finalises the active capture off the loop.
func (c *Controller) stopDevice() {
	h := c.handle
	c.handle = nil
	if h == nil {
		c.finishCapture(nil, model.AudioRef{}, nil)
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), c.cfg.CaptureTimeout)
	go func() {
		var (
			ref model.AudioRef
			err error
		)
		defer func() {
			cancel()
			if r := recover(); r != nil {
				ref, err = model.AudioRef{}, fmt.Errorf("unexpected capture error: %v", r)
			}
			c.post(func() { c.finishCapture(h, ref, err) })
		}()
		ref, err = c.device.StopCapture(ctx, h)
	}()
}

func (c *Controller) finishCapture(h Handle, ref model.AudioRef, err error) {
	if h != nil && errors.Is(err, ErrCaptureKept) {
		if c.keepCapture(h, err) {
			return
		}
	}
	c.stopRetries = 0

	answer := model.AudioAnswer(ref)
	eff, captureErr := c.session.CaptureFinished(answer, err)

	if w := c.stopWaiter; w != nil {
		c.stopWaiter = nil
		w <- reply{value: ref, err: captureErr}
	}
	if captureErr != nil {
		c.log.Warn().Err(captureErr).Msg("Capture failed")
		c.emit(EventCaptureFailed, captureErr.Error(), true)
	} else if !answer.IsEmpty() {
		c.emit(EventCaptured, "", false)
	}
	c.apply(eff)
}

// keepCapture handles a stop that failed while the device still holds the
// take. With nothing waiting on the stop the capture reopens so the user can
// stop it again. When expiry is waiting the stop is retried, then the take is
// dropped so the deferred transition can run. It reports whether the capture
// is still open.
func (c *Controller) keepCapture(h Handle, err error) bool {
	derr := deviceError(err)
	if c.session.ResumeCapture() {
		c.handle = h
		if w := c.stopWaiter; w != nil {
			c.stopWaiter = nil
			w <- reply{err: derr}
		}
		c.log.Warn().Err(err).Msg("Capture stop failed, recording kept")
		c.emit(EventCaptureFailed, derr.Error(), true)
		return true
	}
	if c.stopRetries < maxStopRetries {
		c.stopRetries++
		c.log.Warn().Err(err).Int("attempt", c.stopRetries).Msg("Retrying capture stop")
		c.handle = h
		c.stopDevice()
		return true
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), cancelCaptureTimeout)
	defer cancel()
	if cerr := c.device.CancelCapture(ctx, h); cerr != nil {
		c.log.Warn().Err(cerr).Msg("Failed to drop kept recording")
	}
	return false
}

// dispatch sends the payload to the sink off the loop. The call is detached
// from ctx so an accepted submission is never cut short by a disconnect.
func (c *Controller) dispatch(p *Payload, retry bool) {
	c.emit(EventSubmitting, "", false)
	c.log.Info().
		Bool("forced", p.Forced).
		Bool("retry", retry).
		Int("answered", p.Answered()).
		Int("elapsed_seconds", p.ElapsedSeconds).
		Msg("Submitting session")

	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), c.cfg.SubmitTimeout)
	id := c.session.ID()
	go func() {
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("unexpected session error: %v", r)
				c.post(func() { c.fail(err) })
			}
		}()
		receipt, err := c.sink.Submit(ctx, id, p, p.ElapsedSeconds)
		c.post(func() { c.onSubmitResult(receipt, err) })
	}()
}

func (c *Controller) onSubmitResult(receipt *model.Receipt, err error) {
	c.stopTimer()
	if err == nil {
		c.session.SubmitSucceeded(receipt)
		c.log.Info().Msg("Session submitted")
		c.emit(EventSubmitted, MessageSubmitted, false)
		c.replySubmit()
		return
	}

	c.session.SubmitFailed(err)
	retryable := IsTransient(err)
	c.log.Warn().Err(err).Bool("retryable", retryable).Int("retries", c.retries).Msg("Submission failed")
	c.emit(EventSubmitFailed, err.Error(), retryable)

	if retryable && c.retries < c.cfg.RetryAttempts {
		c.retries++
		c.retryTimer = time.NewTimer(c.cfg.RetryDelay)
		c.retryC = c.retryTimer.C
		return
	}
	c.replySubmit()
}

func (c *Controller) replySubmit() {
	res := c.session.Result()
	for _, w := range c.submitWaiters {
		w <- reply{value: res}
	}
	c.submitWaiters = nil
}

func (c *Controller) abandon() {
	cancelCapture := c.session.Abandon()
	c.stopTimer()
	c.stopRetry()
	if cancelCapture && c.handle != nil {
		h := c.handle
		c.handle = nil
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), cancelCaptureTimeout)
		if err := c.device.CancelCapture(ctx, h); err != nil {
			c.log.Warn().Err(err).Msg("Failed to cancel capture on abandon")
		}
		cancel()
	}
	if w := c.stopWaiter; w != nil {
		c.stopWaiter = nil
		w <- reply{err: ErrSessionClosed}
	}
	for _, w := range c.submitWaiters {
		w <- reply{value: c.session.Result(), err: ErrSessionClosed}
	}
	c.submitWaiters = nil
	c.log.Info().Msg("Session abandoned")
	c.emit(EventAbandoned, "", false)
	c.publishFinal()
}

// guard turns a panic in a transition into a failed session with the timer
// stopped.
func (c *Controller) guard(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.fail(fmt.Errorf("unexpected session error: %v", r))
		}
	}()
	fn()
}

// fail moves the session to Failed and releases everything waiting on it.
func (c *Controller) fail(err error) {
	c.log.Error().Err(err).Msg("Session failed")
	c.session.Fail(err)
	c.stopTimer()
	c.stopRetry()
	if c.handle != nil {
		h := c.handle
		c.handle = nil
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), cancelCaptureTimeout)
		_ = c.device.CancelCapture(ctx, h)
		cancel()
	}
	if w := c.stopWaiter; w != nil {
		c.stopWaiter = nil
		w <- reply{err: err}
	}
	c.replySubmit()
	c.emit(EventFailed, err.Error(), true)
}

func (c *Controller) post(fn func()) {
	select {
	case c.async <- fn:
	case <-c.done:
	}
}

func (c *Controller) emit(t EventType, msg string, retryable bool) {
	if c.cfg.Observer == nil {
		return
	}
	c.cfg.Observer(Event{Type: t, Message: msg, Retryable: retryable, Snapshot: c.session.Snapshot()})
}

func (c *Controller) stopTimer() {
	if c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
	}
	c.tickC = nil
}

func (c *Controller) stopRetry() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.retryC = nil
}

func (c *Controller) publishFinal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.final = c.session.Snapshot()
	c.result = c.session.Result()
}
