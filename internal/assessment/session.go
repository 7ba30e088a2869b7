package assessment

import (
	"github.com/google/uuid"

	"github.com/stemsi/bandprep-backend/internal/model"
)

type pendingAction int

const (
	pendingNone pendingAction = iota
	pendingAdvance
	pendingSubmit
)

// Session is the timed assessment state machine. It performs no I/O and is not
// safe for concurrent use: a single owner (the Controller loop) drives every
// transition, so the submit guard is a plain check-and-set.
type Session struct {
	id  uuid.UUID
	def *model.TestDefinition

	phase     Phase
	index     int
	stage     SectionStage
	remaining int
	elapsed   int
	answers   map[uuid.UUID]model.Answer

	// expired latches once the current countdown hit zero.
	expired  bool
	stopping bool
	pending  pendingAction

	forced  bool
	payload *Payload
	receipt *model.Receipt
	lastErr error
	closed  bool
}

// NewSession returns an idle session.
func NewSession(id uuid.UUID) *Session {
	return &Session{
		id:      id,
		phase:   PhaseIdle,
		answers: make(map[uuid.UUID]model.Answer),
	}
}

// ID returns the session identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// Phase returns the outer state.
func (s *Session) Phase() Phase { return s.phase }

// Definition returns the test being taken, nil before Start.
func (s *Session) Definition() *model.TestDefinition { return s.def }

// Remaining returns the seconds left on the active countdown.
func (s *Session) Remaining() int { return s.remaining }

// Capturing reports whether a capture is active.
func (s *Session) Capturing() bool { return s.stage == StageCapturing }

// Settling reports whether a submission is on its way: the payload is with
// the sink, or expiry queued a forced submit behind a stopping capture.
func (s *Session) Settling() bool {
	if s.closed {
		return false
	}
	return s.phase == PhaseSubmitting || (s.phase == PhaseRunning && s.pending == pendingSubmit)
}

// Start begins the first section with a full countdown.
func (s *Session) Start(def *model.TestDefinition) error {
	return s.StartAt(def, 0)
}

// StartAt begins the session with elapsedSeconds already used since the
// attempt opened. On a whole-test clock the countdown resumes where it stands;
// on per-section clocks sections whose time ran out are passed over. A zero
// countdown is left for the first Tick to expire.
func (s *Session) StartAt(def *model.TestDefinition, elapsedSeconds int) error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.phase != PhaseIdle {
		return ErrAlreadyStarted
	}
	if def == nil || len(def.Sections) == 0 {
		return ErrNoSections
	}
	if err := validateLimits(def); err != nil {
		return err
	}

	s.def = def
	s.phase = PhaseRunning
	s.index = 0
	s.stage = StageAwaitingInput
	s.remaining = s.limitFor(0)

	if elapsedSeconds <= 0 {
		return nil
	}
	s.elapsed = elapsedSeconds
	if def.TimerMode == model.TimerPerSection {
		for elapsedSeconds >= s.remaining && s.index < len(def.Sections)-1 {
			elapsedSeconds -= s.remaining
			s.next()
		}
	}
	s.remaining = max(s.remaining-elapsedSeconds, 0)
	return nil
}

// Tick consumes one second of the active countdown.
func (s *Session) Tick() Effects {
	switch s.phase {
	case PhaseSubmitting:
		if s.remaining > 0 {
			s.remaining--
		}
		return Effects{}
	case PhaseRunning:
	default:
		return Effects{}
	}

	if s.expired {
		return Effects{}
	}

	if s.remaining > 0 {
		s.remaining--
		s.elapsed++
	}
	if s.remaining > 0 {
		return Effects{}
	}

	s.expired = true
	action := s.expiryAction()
	if s.stage == StageCapturing {
		s.pending = action
		if s.stopping {
			return Effects{Expired: true}
		}
		s.stopping = true
		return Effects{Expired: true, StopCapture: true}
	}

	eff := s.runAction(action)
	eff.Expired = true
	return eff
}

// BeginCapture marks the start of an audio capture for the current section.
func (s *Session) BeginCapture(sectionID uuid.UUID) error {
	if err := s.checkInput(sectionID); err != nil {
		return err
	}
	if s.current().AnswerKind != model.AnswerKindAudio {
		return ErrAnswerKind
	}
	if s.stage == StageCapturing {
		return ErrCaptureActive
	}
	s.stage = StageCapturing
	s.stopping = false
	return nil
}

// AbortCapture reverts a capture that never produced data, for example when
// the device failed to start.
func (s *Session) AbortCapture() {
	if s.stage != StageCapturing {
		return
	}
	s.stopping = false
	s.stage = s.settledStage()
}

// RequestStop marks the active capture as stopping. The owner then stops the
// device and reports back through CaptureFinished.
func (s *Session) RequestStop() error {
	if s.phase != PhaseRunning || s.stage != StageCapturing {
		return ErrNoCapture
	}
	if s.stopping {
		return ErrNoCapture
	}
	s.stopping = true
	return nil
}

// ResumeCapture reopens a capture whose stop failed while the device kept the
// take, so the user can stop it again. It refuses when expiry is waiting on
// the stop.
func (s *Session) ResumeCapture() bool {
	if s.phase != PhaseRunning || s.stage != StageCapturing || !s.stopping {
		return false
	}
	if s.pending != pendingNone {
		return false
	}
	s.stopping = false
	return true
}

// CaptureFinished records the result of a stopped capture. Partial audio is
// kept. Any transition deferred by expiry runs afterwards.
func (s *Session) CaptureFinished(answer model.Answer, err error) (Effects, error) {
	if s.phase != PhaseRunning || s.stage != StageCapturing {
		return Effects{}, ErrNoCapture
	}
	s.stopping = false

	var captureErr error
	if err != nil {
		captureErr = deviceError(err)
	} else if !answer.IsEmpty() {
		s.answers[s.current().ID] = answer
	}
	s.stage = s.settledStage()

	action := s.pending
	s.pending = pendingNone
	return s.runAction(action), captureErr
}

// RecordAnswer stores a text answer or a finished recording for a section.
// While running only the current section accepts answers. Once a submission
// failed with nothing left to resend (the sink rejected it, or the session hit
// an unexpected error) any section may be corrected.
func (s *Session) RecordAnswer(sectionID uuid.UUID, answer model.Answer) error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.phase == PhaseFailed && s.payload == nil && s.def != nil {
		sec, ok := s.def.Section(sectionID)
		if !ok {
			return ErrWrongSection
		}
		if sec.AnswerKind != answer.Kind {
			return ErrAnswerKind
		}
		if answer.IsEmpty() {
			delete(s.answers, sectionID)
		} else {
			s.answers[sectionID] = answer
		}
		return nil
	}

	if err := s.checkInput(sectionID); err != nil {
		return err
	}
	if s.stage == StageCapturing {
		return ErrCaptureActive
	}
	if s.current().AnswerKind != answer.Kind {
		return ErrAnswerKind
	}
	if answer.IsEmpty() {
		delete(s.answers, sectionID)
	} else {
		s.answers[sectionID] = answer
	}
	s.stage = s.settledStage()
	return nil
}

// Advance moves to the next section on user request.
func (s *Session) Advance() (Effects, error) {
	if s.closed {
		return Effects{}, ErrSessionClosed
	}
	if s.phase != PhaseRunning {
		return Effects{}, ErrNotRunning
	}
	if s.stage == StageCapturing {
		return Effects{}, ErrCaptureActive
	}
	if s.index >= len(s.def.Sections)-1 {
		return Effects{}, ErrLastSection
	}
	if s.expired {
		return Effects{}, ErrTimeUp
	}
	if err := s.checkAnswered(s.current()); err != nil {
		return Effects{}, err
	}
	return s.next(), nil
}

// Submit moves Running or Failed into Submitting and returns the payload to
// send. A nil payload with a nil error means another trigger already owns the
// submission.
func (s *Session) Submit() (*Payload, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	switch s.phase {
	case PhaseIdle:
		return nil, ErrNotStarted
	case PhaseSubmitting, PhaseCompleted:
		return nil, nil
	case PhaseFailed:
		if s.def == nil {
			return nil, ErrNotStarted
		}
		if s.payload == nil || !IsTransient(s.lastErr) {
			if !s.forced {
				if err := s.checkComplete(); err != nil {
					return nil, err
				}
			}
			s.payload = s.buildPayload()
		}
		s.lastErr = nil
		s.phase = PhaseSubmitting
		return s.payload, nil
	}

	if s.stage == StageCapturing {
		return nil, ErrCaptureActive
	}
	if err := s.checkComplete(); err != nil {
		return nil, err
	}
	return s.beginSubmit(), nil
}

// SubmitSucceeded completes the session.
func (s *Session) SubmitSucceeded(receipt *model.Receipt) {
	if s.phase != PhaseSubmitting {
		return
	}
	s.phase = PhaseCompleted
	s.receipt = receipt
	s.lastErr = nil
}

// SubmitFailed moves the session to Failed. Answers and the frozen payload are
// kept for the retry.
func (s *Session) SubmitFailed(err error) {
	if s.phase != PhaseSubmitting {
		return
	}
	s.phase = PhaseFailed
	s.lastErr = err
	if IsValidation(err) {
		s.payload = nil
	}
}

// Fail moves the session to Failed after an unexpected error.
func (s *Session) Fail(err error) {
	if s.phase == PhaseCompleted {
		return
	}
	s.phase = PhaseFailed
	s.stopping = false
	if s.stage == StageCapturing {
		s.stage = s.settledStage()
	}
	s.pending = pendingNone
	s.payload = nil
	s.lastErr = err
}

// Abandon closes the session without submitting. It reports whether a capture
// was active and must be cancelled.
func (s *Session) Abandon() (cancelCapture bool) {
	if s.closed {
		return false
	}
	s.closed = true
	cancelCapture = s.stage == StageCapturing
	if cancelCapture {
		s.stage = s.settledStage()
	}
	s.stopping = false
	s.pending = pendingNone
	return cancelCapture
}

// Closed reports whether the session was abandoned.
func (s *Session) Closed() bool { return s.closed }

// Result returns the submission outcome so far.
func (s *Session) Result() Result {
	return Result{State: s.SubmissionState(), Receipt: s.receipt, Err: s.lastErr}
}

// SubmissionState maps the outer phase to the submit guard.
func (s *Session) SubmissionState() SubmissionState {
	switch s.phase {
	case PhaseRunning:
		return SubmissionInProgress
	case PhaseSubmitting:
		return SubmissionSubmitting
	case PhaseCompleted:
		return SubmissionSubmitted
	case PhaseFailed:
		return SubmissionFailed
	default:
		return SubmissionNotStarted
	}
}

// Answer returns the stored answer for a section.
func (s *Session) Answer(sectionID uuid.UUID) (model.Answer, bool) {
	a, ok := s.answers[sectionID]
	return a, ok
}

// Snapshot returns a copy of the observable state.
func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		SessionID:        s.id,
		Phase:            s.phase.String(),
		SubmissionState:  s.SubmissionState(),
		SectionIndex:     s.index,
		Stage:            s.stage,
		RemainingSeconds: s.remaining,
		ElapsedSeconds:   s.elapsed,
		Forced:           s.forced,
		Answered:         []uuid.UUID{},
	}
	if s.def != nil {
		snap.TestID = s.def.ID
		snap.SectionCount = len(s.def.Sections)
		snap.SectionID = s.current().ID
		for _, sec := range s.def.Sections {
			if _, ok := s.answers[sec.ID]; ok {
				snap.Answered = append(snap.Answered, sec.ID)
			}
		}
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
		snap.Retryable = IsTransient(s.lastErr)
	}
	return snap
}

func (s *Session) current() *model.SectionDefinition {
	return &s.def.Sections[s.index]
}

func (s *Session) checkInput(sectionID uuid.UUID) error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.phase == PhaseIdle {
		return ErrNotStarted
	}
	if s.phase != PhaseRunning {
		return ErrNotRunning
	}
	if s.expired {
		return ErrTimeUp
	}
	if s.current().ID != sectionID {
		return ErrWrongSection
	}
	return nil
}

// checkComplete lists the required sections still unanswered.
func (s *Session) checkComplete() error {
	var missing []uuid.UUID
	for i := range s.def.Sections {
		sec := &s.def.Sections[i]
		if s.checkAnswered(sec) != nil {
			missing = append(missing, sec.ID)
		}
	}
	if len(missing) > 0 {
		return &IncompleteError{Missing: missing}
	}
	return nil
}

func (s *Session) checkAnswered(sec *model.SectionDefinition) error {
	if sec.Requirement == model.RequirementOptional {
		return nil
	}
	a, ok := s.answers[sec.ID]
	if !ok || a.IsEmpty() {
		return ErrAnswerRequired
	}
	return nil
}

func (s *Session) settledStage() SectionStage {
	if _, ok := s.answers[s.current().ID]; ok {
		return StageCaptured
	}
	return StageAwaitingInput
}

func (s *Session) expiryAction() pendingAction {
	if s.def.TimerMode == model.TimerPerSection && s.index < len(s.def.Sections)-1 {
		return pendingAdvance
	}
	return pendingSubmit
}

func (s *Session) runAction(action pendingAction) Effects {
	switch action {
	case pendingAdvance:
		return s.next()
	case pendingSubmit:
		s.forced = true
		payload := s.beginSubmit()
		return Effects{Submit: payload, StopTimer: true}
	default:
		return Effects{}
	}
}

// next moves to the following section. Optional sections left empty are
// recorded as skipped. Per-section timers restart at the new section's limit.
func (s *Session) next() Effects {
	cur := s.current()
	if _, ok := s.answers[cur.ID]; !ok && cur.Requirement == model.RequirementOptional {
		s.answers[cur.ID] = model.SkippedAnswer(cur.AnswerKind)
	}

	s.index++
	s.stage = s.settledStage()
	s.stopping = false
	if s.def.TimerMode == model.TimerPerSection {
		s.remaining = s.limitFor(s.index)
		s.expired = false
	}
	return Effects{Advanced: true}
}

func (s *Session) beginSubmit() *Payload {
	s.phase = PhaseSubmitting
	s.payload = s.buildPayload()
	return s.payload
}

func (s *Session) buildPayload() *Payload {
	p := &Payload{
		SessionID:      s.id,
		TestID:         s.def.ID,
		Answers:        make(map[uuid.UUID]*model.Answer, len(s.def.Sections)),
		ElapsedSeconds: s.elapsed,
		Forced:         s.forced,
	}
	for _, sec := range s.def.Sections {
		if a, ok := s.answers[sec.ID]; ok {
			a := a
			p.Answers[sec.ID] = &a
		} else {
			p.Answers[sec.ID] = nil
		}
	}
	return p
}

func (s *Session) limitFor(index int) int {
	if s.def.TimerMode == model.TimerPerSection {
		return s.def.Sections[index].TimeLimitSeconds
	}
	return wholeTestLimit(s.def)
}

func wholeTestLimit(def *model.TestDefinition) int {
	if def.TimeLimitSeconds > 0 {
		return def.TimeLimitSeconds
	}
	total := 0
	for _, sec := range def.Sections {
		total += sec.TimeLimitSeconds
	}
	return total
}

func validateLimits(def *model.TestDefinition) error {
	if def.TimerMode == model.TimerPerSection {
		for _, sec := range def.Sections {
			if sec.TimeLimitSeconds <= 0 {
				return ErrInvalidTimeLimit
			}
		}
		return nil
	}
	if wholeTestLimit(def) <= 0 {
		return ErrInvalidTimeLimit
	}
	return nil
}
