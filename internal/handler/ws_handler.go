package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/stemsi/bandprep-backend/internal/assessment"
	"github.com/stemsi/bandprep-backend/internal/capture"
	"github.com/stemsi/bandprep-backend/internal/middleware"
	"github.com/stemsi/bandprep-backend/internal/model"
	"github.com/stemsi/bandprep-backend/internal/response"
	"github.com/stemsi/bandprep-backend/internal/service"
	ws "github.com/stemsi/bandprep-backend/internal/websocket"
)

const (
	sessionEventBuffer = 64
	commandTimeout     = 10 * time.Second
	cleanupTimeout     = 10 * time.Second
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// SessionOptions tunes live sessions.
type SessionOptions struct {
	AllowedOrigins []string
	MaxAudioBytes  int64
	RetryAttempts  int
	RetryDelay     time.Duration
	// CaptureTimeout bounds the upload of one recording.
	CaptureTimeout time.Duration
	// TickInterval overrides the countdown resolution. Zero means one second.
	TickInterval time.Duration
}

// WSHandler runs timed assessment sessions over WebSocket. Each connection
// owns one assessment.Controller; text frames are commands, binary frames are
// audio chunks of the active capture.
type WSHandler struct {
	tests       assessment.Provider
	submissions assessment.Sink
	attempts    *service.AttemptService
	events      *service.EventService
	uploader    capture.Uploader
	opts        SessionOptions
	log         zerolog.Logger
	upgrader    websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(
	tests assessment.Provider,
	submissions assessment.Sink,
	attempts *service.AttemptService,
	events *service.EventService,
	uploader capture.Uploader,
	opts SessionOptions,
	log zerolog.Logger,
) *WSHandler {
	return &WSHandler{
		tests:       tests,
		submissions: submissions,
		attempts:    attempts,
		events:      events,
		uploader:    uploader,
		opts:        opts,
		log:         log.With().Str("component", "ws_handler").Logger(),
		upgrader:    buildUpgrader(opts.AllowedOrigins),
	}
}

// liveSession is the per-connection state shared by the reader, the event
// pump and the command goroutines.
type liveSession struct {
	attempt *model.Attempt
	userID  int
	conn    *ws.Conn
	ctrl    *assessment.Controller
	device  *capture.StreamDevice
	ctx     context.Context
	log     zerolog.Logger
}

// SessionStream godoc
// WS /ws/v1/student/attempts/:id/session
// Upgrades to WebSocket and runs the countdown for the attempt, resuming from
// the attempt's start. Closing the connection before a submission abandons
// the attempt; a submission already in flight is allowed to finish first.
func (h *WSHandler) SessionStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	attemptID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	attempt, err := h.attempts.Authorize(c.Request.Context(), claims.UserID, attemptID)
	if err != nil {
		failWith(c, h.log, err)
		return
	}
	token, err := h.attempts.AcquireLive(c.Request.Context(), attempt.ID)
	if err != nil {
		failWith(c, h.log, err)
		return
	}

	// The session outlives the handshake request; keep its values (trace,
	// request ID) but not its cancellation.
	baseCtx := context.WithoutCancel(c.Request.Context())
	defer func() {
		ctx, cancel := context.WithTimeout(baseCtx, cleanupTimeout)
		defer cancel()
		if err := h.attempts.ReleaseLive(ctx, attempt.ID, token); err != nil {
			h.log.Warn().Err(err).Str("attempt_id", attempt.ID.String()).Msg("Failed to release live lock")
		}
	}()

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	conn := ws.Wrap(raw)
	defer conn.Close()

	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	s := &liveSession{
		attempt: attempt,
		userID:  claims.UserID,
		conn:    conn,
		device:  capture.NewStreamDevice(attempt.ID, h.uploader, h.opts.MaxAudioBytes),
		ctx:     ctx,
		log: h.log.With().
			Int("user_id", claims.UserID).
			Str("attempt_id", attempt.ID.String()).
			Logger(),
	}

	events := make(chan assessment.Event, sessionEventBuffer)
	s.ctrl = assessment.NewController(attempt.ID, h.tests, h.submissions, s.device, assessment.Config{
		TickInterval:   h.opts.TickInterval,
		RetryAttempts:  h.opts.RetryAttempts,
		RetryDelay:     h.opts.RetryDelay,
		CaptureTimeout: h.opts.CaptureTimeout,
		ElapsedSeconds: h.attempts.Elapsed(ctx, attempt),
		Logger:         h.log,
		Observer: func(ev assessment.Event) {
			h.events.Record(attempt, ev)
			select {
			case events <- ev:
			default:
				if ev.Type != assessment.EventTick {
					s.log.Warn().Str("type", string(ev.Type)).Msg("Session event dropped, client is too slow")
				}
			}
		},
	})

	runErr := make(chan error, 1)
	go func() { runErr <- s.ctrl.Run(ctx, attempt.TestID) }()

	select {
	case <-s.ctrl.Ready():
	case <-s.ctrl.Done():
		err := <-runErr
		s.log.Error().Err(err).Msg("Session failed to start")
		code := string(response.ErrInternal)
		if errors.Is(err, assessment.ErrTestNotFound) {
			code = string(response.ErrNotFound)
		}
		conn.WriteError(code, "the test could not be loaded")
		conn.CloseWith(websocket.CloseInternalServerErr, "session failed to start")
		return
	}

	s.log.Info().Msg("Session connected")
	conn.WriteTyped(ws.StateResponse{Event: ws.EventState, State: s.ctrl.Snapshot(ctx)})

	go h.pump(s, events)
	go h.renewLive(baseCtx, s, token)

	h.readLoop(s)

	// Cancelling abandons the controller: the timer stops and an active
	// capture is discarded. A submission with the sink settles before Done.
	cancel()
	<-s.ctrl.Done()
	h.finish(baseCtx, s)
}

// pump forwards controller events to the client, keeps the connection alive
// and closes it once the session completes.
func (h *WSHandler) pump(s *liveSession, events <-chan assessment.Event) {
	ping := time.NewTicker(ws.PingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return

		case ev := <-events:
			writeEvent(s, ev)

		case <-s.ctrl.Done():
			// Flush what is left before reporting the outcome.
		drain:
			for {
				select {
				case ev := <-events:
					writeEvent(s, ev)
				default:
					break drain
				}
			}
			res := s.ctrl.Result()
			if res.State == assessment.SubmissionSubmitted {
				s.conn.WriteTyped(ws.ResultResponse{
					Event:   ws.EventResult,
					State:   res.State,
					Receipt: res.Receipt,
					Message: assessment.MessageSubmitted,
				})
				s.conn.CloseWith(websocket.CloseNormalClosure, "submitted")
			}
			return

		case <-ping.C:
			if err := s.conn.Ping(); err != nil {
				return
			}
		}
	}
}

func writeEvent(s *liveSession, ev assessment.Event) {
	if err := s.conn.WriteTyped(ws.SessionEventResponse{
		Event:     ws.EventSession,
		Type:      ev.Type,
		Message:   ev.Message,
		Retryable: ev.Retryable,
		State:     ev.Snapshot,
	}); err != nil {
		s.log.Debug().Err(err).Msg("Failed to write session event")
	}
}

// renewLive holds the live lock until the controller exits, which can be
// after the client left while a submission settles.
func (h *WSHandler) renewLive(ctx context.Context, s *liveSession, token string) {
	t := time.NewTicker(service.LiveLockInterval())
	defer t.Stop()
	for {
		select {
		case <-s.ctrl.Done():
			return
		case <-t.C:
			if err := h.attempts.RenewLive(ctx, s.attempt.ID, token); err != nil {
				s.log.Warn().Err(err).Msg("Failed to renew live lock")
			}
		}
	}
}

func (h *WSHandler) readLoop(s *liveSession) {
	s.conn.SetReadLimit(frameLimit(h.opts.MaxAudioBytes))
	s.conn.KeepAlive()

	for {
		env, data, err := s.conn.ReadFrame()
		if err != nil {
			if errors.Is(err, ws.ErrMalformed) {
				s.conn.WriteError(string(response.ErrInvalidPayload), "message must be a JSON action")
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn().Err(err).Msg("Unexpected close")
			} else {
				s.log.Debug().Msg("Connection closed")
			}
			return
		}

		if data != nil {
			if _, err := s.device.Write(data); err != nil {
				s.conn.WriteError(captureErrorCode(err), err.Error())
			}
			continue
		}

		h.dispatch(s, env)
	}
}

// frameLimit bounds a single frame: recorder chunks are small, but a client
// may flush a whole take at once.
func frameLimit(maxAudio int64) int64 {
	if maxAudio <= 0 {
		return 1 << 20
	}
	return maxAudio + 64<<10
}

func (h *WSHandler) dispatch(s *liveSession, env *ws.RequestEnvelope) {
	switch env.Action {
	case ws.ActionPing:
		s.conn.WriteTyped(ws.PongResponse{Event: ws.EventPong})

	case ws.ActionState:
		s.conn.WriteTyped(ws.StateResponse{Event: ws.EventState, State: s.ctrl.Snapshot(s.ctx)})

	case ws.ActionAnswer:
		var req ws.AnswerRequest
		if err := env.Decode(&req); err != nil {
			s.conn.WriteError(string(response.ErrInvalidPayload), err.Error())
			return
		}
		h.recordAnswer(s, req.SectionID, model.TextAnswer(req.Text))

	case ws.ActionCaptureStart:
		var req ws.CaptureStartRequest
		if err := env.Decode(&req); err != nil {
			s.conn.WriteError(string(response.ErrInvalidPayload), err.Error())
			return
		}
		if req.ContentType != "" {
			if !service.IsAudio(req.ContentType) {
				s.conn.WriteError(string(response.ErrUnsupportedFile), "content_type must be an audio type")
				return
			}
			s.device.SetContentType(req.ContentType)
		}
		ctx, cancel := context.WithTimeout(s.ctx, commandTimeout)
		defer cancel()
		if err := s.ctrl.StartCapture(ctx, req.SectionID); err != nil {
			s.conn.WriteError(sessionErrorCode(err), err.Error())
		}

	case ws.ActionCaptureStop:
		// Stopping uploads the take; keep reading frames meanwhile.
		go h.stopCapture(s)

	case ws.ActionCaptureCancel:
		ctx, cancel := context.WithTimeout(s.ctx, commandTimeout)
		defer cancel()
		if err := s.ctrl.CancelCapture(ctx); err != nil {
			s.conn.WriteError(sessionErrorCode(err), err.Error())
		}

	case ws.ActionAdvance:
		ctx, cancel := context.WithTimeout(s.ctx, commandTimeout)
		defer cancel()
		if err := s.ctrl.Advance(ctx); err != nil {
			s.conn.WriteError(sessionErrorCode(err), err.Error())
		}

	case ws.ActionSubmit, ws.ActionRetry:
		go h.submit(s)

	default:
		s.log.Warn().Str("action", string(env.Action)).Msg("Unknown action")
		s.conn.WriteError(string(response.ErrInvalidPayload), "unknown action: "+string(env.Action))
	}
}

func (h *WSHandler) recordAnswer(s *liveSession, sectionID uuid.UUID, answer model.Answer) {
	ctx, cancel := context.WithTimeout(s.ctx, commandTimeout)
	defer cancel()
	if err := s.ctrl.RecordAnswer(ctx, sectionID, answer); err != nil {
		s.conn.WriteError(sessionErrorCode(err), err.Error())
		return
	}
	// The draft copy feeds the monitor and survives a crash of this node.
	if err := h.attempts.StoreDraft(ctx, s.attempt.ID, sectionID, answer); err != nil {
		s.log.Warn().Err(err).Str("section_id", sectionID.String()).Msg("Failed to store draft")
	}
}

func (h *WSHandler) stopCapture(s *liveSession) {
	sectionID := s.ctrl.Snapshot(s.ctx).SectionID
	ref, err := s.ctrl.StopCapture(s.ctx)
	if err != nil {
		s.conn.WriteError(sessionErrorCode(err), err.Error())
		return
	}
	if ref.URL == "" {
		return
	}
	s.conn.WriteTyped(ws.CapturedResponse{Event: ws.EventCaptured, Audio: ref})

	ctx, cancel := context.WithTimeout(s.ctx, commandTimeout)
	defer cancel()
	if err := h.attempts.StoreDraft(ctx, s.attempt.ID, sectionID, model.AudioAnswer(ref)); err != nil {
		s.log.Warn().Err(err).Msg("Failed to store recording draft")
	}
}

func (h *WSHandler) submit(s *liveSession) {
	res, err := s.ctrl.Submit(s.ctx)
	if err == nil {
		// The pump reports the outcome and closes the connection once the
		// controller loop exits.
		return
	}

	var incomplete *assessment.IncompleteError
	switch {
	case errors.As(err, &incomplete):
		s.conn.WriteError(string(response.ErrInvalidSubmission), err.Error())
	case errors.Is(err, assessment.ErrSessionClosed), errors.Is(err, context.Canceled):
		return
	case res.State == assessment.SubmissionFailed:
		retryable := assessment.IsTransient(err)
		msg := err.Error()
		if retryable {
			msg = "The submission could not be saved. Your answers are kept, please try again."
		}
		s.conn.WriteTyped(ws.ResultResponse{
			Event:     ws.EventResult,
			State:     res.State,
			Message:   msg,
			Retryable: retryable,
		})
	default:
		s.conn.WriteError(sessionErrorCode(err), err.Error())
	}
}

// finish settles the attempt once the controller loop has exited.
func (h *WSHandler) finish(baseCtx context.Context, s *liveSession) {
	ctx, cancel := context.WithTimeout(baseCtx, cleanupTimeout)
	defer cancel()

	res := s.ctrl.Result()
	if res.State == assessment.SubmissionSubmitted {
		s.log.Info().Msg("Session finished")
		return
	}

	snap := s.ctrl.Snapshot(ctx)
	err := h.attempts.Abandon(ctx, s.userID, s.attempt.ID, snap.ElapsedSeconds)
	switch {
	case err == nil:
		s.log.Info().Int("elapsed_seconds", snap.ElapsedSeconds).Msg("Session abandoned on disconnect")
	case errors.Is(err, service.ErrAttemptNotActive):
		s.log.Debug().Msg("Attempt already closed")
	default:
		s.log.Error().Err(err).Msg("Failed to abandon attempt")
	}
}

// sessionErrorCode maps controller input errors to client error codes.
func sessionErrorCode(err error) string {
	switch {
	case errors.Is(err, assessment.ErrWrongSection):
		return "WRONG_SECTION"
	case errors.Is(err, assessment.ErrAnswerKind):
		return "ANSWER_KIND_MISMATCH"
	case errors.Is(err, assessment.ErrAnswerRequired):
		return "ANSWER_REQUIRED"
	case errors.Is(err, assessment.ErrLastSection):
		return "LAST_SECTION"
	case errors.Is(err, assessment.ErrCaptureActive):
		return "CAPTURE_ACTIVE"
	case errors.Is(err, assessment.ErrNoCapture):
		return "NO_CAPTURE"
	case errors.Is(err, assessment.ErrTimeUp):
		return "TIME_UP"
	case errors.Is(err, assessment.ErrNotRunning), errors.Is(err, assessment.ErrSessionClosed):
		return "SESSION_CLOSED"
	case errors.Is(err, assessment.ErrDevice):
		return "CAPTURE_FAILED"
	default:
		return string(response.ErrInternal)
	}
}

func captureErrorCode(err error) string {
	switch {
	case errors.Is(err, capture.ErrTooLarge):
		return string(response.ErrFileTooLarge)
	case errors.Is(err, capture.ErrNotRecording):
		return "NO_CAPTURE"
	default:
		return "CAPTURE_FAILED"
	}
}
