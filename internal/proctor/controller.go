// Package proctor implements a candidate's live exam session: nested
// countdowns, integrity escalation, media monitoring and the navigation
// audit trail, all serialized on one event loop per session.
package proctor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/eventloop"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// Controller errors.
var (
	ErrInvalidAssessment = errors.New("assessment has no answerable sections")
	ErrNotStarted        = errors.New("exam session has not started")
	ErrUnknownQuestion   = errors.New("question does not belong to this assessment")
	ErrInvalidOption     = errors.New("option index out of range")
	ErrAtLastQuestion    = errors.New("already at the last question, submit instead")
	ErrAtFirstQuestion   = errors.New("already at the first question")
	ErrSectionExpired    = errors.New("time for that section has ended")
)

const (
	// DefaultCheckpointInterval is how often a timer_check is written to
	// the navigation ledger while the clock runs.
	DefaultCheckpointInterval = 60 * time.Second

	submitTimeout     = 30 * time.Second
	journalTimeout    = 5 * time.Second
	identityTimeout   = 10 * time.Second
	fullscreenWarning = "Please return to fullscreen mode to continue your exam."
)

// Options configure one exam session.
type Options struct {
	SessionID      uuid.UUID
	CandidateID    string
	Assessment     *model.Assessment
	ReferenceImage []byte
	// DeviceInfo is the browser and screen description captured during
	// preflight, kept for the audit record.
	DeviceInfo string

	// Integrity and Monitoring override the configuration derived from
	// the assessment settings when non-nil.
	Integrity  *IntegrityConfig
	Monitoring *MonitoringConfig

	CheckpointInterval time.Duration

	// OnEnded runs once, off the event loop, after the submission sink
	// returned.
	OnEnded func(sub *Submission, err error)
}

// Dependencies are the external collaborators of a session. Nil entries
// fall back to no-op implementations, except Submitter which is required.
type Dependencies struct {
	Clock      clock.Clock
	Media      MediaCapture
	Fullscreen FullscreenControl
	Classifier Classifier
	Peers      PeerFactory
	Signaler   Signaler
	Identity   IdentityResolver
	Submitter  Submitter
	Journal    Journal
	Notifier   Notifier
	Telemetry  Telemetry
	Snapshots  SnapshotStore
	Log        zerolog.Logger
}

// SessionView is a read-only snapshot of the session for the candidate UI.
type SessionView struct {
	SessionID    uuid.UUID          `json:"session_id"`
	AssessmentID uuid.UUID          `json:"assessment_id"`
	Started      bool               `json:"started"`
	Terminal     model.TerminalFlag `json:"terminal"`
	Reason       model.SubmitReason `json:"reason,omitempty"`

	SectionIndex   int                  `json:"section_index"`
	SectionName    string               `json:"section_name"`
	SectionCount   int                  `json:"section_count"`
	QuestionIndex  int                  `json:"question_index"`
	QuestionCount  int                  `json:"question_count"`
	Question       *model.PaperQuestion `json:"question,omitempty"`
	SelectedOption *int                 `json:"selected_option,omitempty"`
	Flagged        bool                 `json:"flagged"`

	OverallRemaining int    `json:"overall_remaining"`
	SectionRemaining int    `json:"section_remaining"`
	OverallDisplay   string `json:"overall_display"`
	SectionDisplay   string `json:"section_display,omitempty"`

	// Position is the 1-based index of the current question across all
	// sections; Progress is Position as a percentage of Total.
	Position int     `json:"position"`
	Answered int     `json:"answered"`
	Total    int     `json:"total"`
	Progress float64 `json:"progress"`

	Warnings       int                   `json:"warnings"`
	MaxWarnings    int                   `json:"max_warnings"`
	PendingWarning *Notice               `json:"pending_warning,omitempty"`
	Monitoring     model.MonitoringState `json:"monitoring"`
}

// ExamController owns the session state and composes the clock,
// integrity monitor, monitoring session and navigation ledger. Exported
// methods are safe for concurrent use; they execute on the session's
// event loop.
type ExamController struct {
	opts       Options
	assessment *model.Assessment
	loop       *eventloop.Loop
	group      *eventloop.Group
	log        zerolog.Logger

	submitter  Submitter
	journal    Journal
	notifier   Notifier
	telemetry  Telemetry
	fullscreen FullscreenControl
	identity   IdentityResolver

	clock      *ClockEngine
	integrity  *IntegrityMonitor
	monitoring *MonitoringSession
	ledger     *NavigationLedger

	questions map[uuid.UUID]*model.Question

	// Everything below is confined to the event loop.
	started    bool
	closed     bool
	terminal   model.TerminalFlag
	reason     model.SubmitReason
	section    int
	question   int
	answers    map[uuid.UUID]int
	flagged    map[uuid.UUID]bool
	pendingAck *Notice
	ip         string
	startedAt  time.Time
	finishedAt time.Time

	final    atomic.Pointer[SessionView]
	record   atomic.Pointer[auditRecord]
	done     chan struct{}
	doneOnce sync.Once
}

// NewExamController builds a session and its event loop. Call Start to
// begin the clock and monitoring.
func NewExamController(opts Options, deps Dependencies) (*ExamController, error) {
	a := opts.Assessment
	if a == nil || len(a.Sections) == 0 || a.DurationSeconds <= 0 {
		return nil, ErrInvalidAssessment
	}
	for _, s := range a.Sections {
		if len(s.Questions) == 0 {
			return nil, fmt.Errorf("%w: section %q is empty", ErrInvalidAssessment, s.Name)
		}
	}
	if deps.Submitter == nil {
		return nil, errors.New("submission sink is required")
	}
	if opts.SessionID == uuid.Nil {
		opts.SessionID = uuid.New()
	}
	if opts.CheckpointInterval <= 0 {
		opts.CheckpointInterval = DefaultCheckpointInterval
	}

	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}
	c := &ExamController{
		opts:       opts,
		assessment: a,
		group:      eventloop.NewGroup(),
		log: deps.Log.With().
			Str("component", "exam_controller").
			Str("session_id", opts.SessionID.String()).
			Str("candidate_id", opts.CandidateID).
			Logger(),
		submitter:  deps.Submitter,
		journal:    deps.Journal,
		notifier:   deps.Notifier,
		telemetry:  deps.Telemetry,
		fullscreen: deps.Fullscreen,
		identity:   deps.Identity,
		questions:  make(map[uuid.UUID]*model.Question, a.TotalQuestions()),
		terminal:   model.TerminalNone,
		answers:    make(map[uuid.UUID]int),
		flagged:    make(map[uuid.UUID]bool),
		done:       make(chan struct{}),
	}
	if c.journal == nil {
		c.journal = nopJournal{}
	}
	if c.notifier == nil {
		c.notifier = nopNotifier{}
	}
	if c.telemetry == nil {
		c.telemetry = nopTelemetry{}
	}
	if c.fullscreen == nil {
		c.fullscreen = nopFullscreen{}
	}
	for si := range a.Sections {
		for qi := range a.Sections[si].Questions {
			q := &a.Sections[si].Questions[qi]
			c.questions[q.ID] = q
		}
	}

	c.loop = eventloop.New(clk, deps.Log)
	c.ledger = NewNavigationLedger(clk)

	limits := make([]int, len(a.Sections))
	for i, s := range a.Sections {
		limits[i] = s.TimeLimitSeconds
	}
	c.clock = NewClockEngine(c.loop, a.DurationSeconds, limits, opts.CheckpointInterval, ClockEvents{
		Terminal:       c.isTerminal,
		OverallExpired: c.onOverallExpired,
		SectionExpired: c.onSectionExpired,
		Checkpoint:     c.onCheckpoint,
	})

	icfg := IntegrityConfigFor(a.Proctoring, a.Security)
	if opts.Integrity != nil {
		icfg = *opts.Integrity
	}
	c.integrity = NewIntegrityMonitor(c.loop, icfg, opts.SessionID, opts.ReferenceImage,
		deps.Classifier, deps.Snapshots, IntegrityHooks{
			Terminal:          c.isTerminal,
			Warn:              c.onWarning,
			Terminate:         c.onTermination,
			RequestFullscreen: c.requestFullscreen,
			CameraStream:      func() Stream { return c.monitoring.CameraStream() },
		}, c.log)

	mcfg := MonitoringConfigFor(a.Proctoring)
	if opts.Monitoring != nil {
		mcfg = *opts.Monitoring
	}
	c.monitoring = NewMonitoringSession(c.loop, mcfg, opts.SessionID, deps.Media, deps.Peers, deps.Signaler,
		MonitoringHooks{
			Active:             func() bool { return !c.isTerminal() && !c.closed },
			ScreenShareStopped: c.integrity.ScreenShareStopped,
			StatusChanged:      c.onMonitoringStatus,
			Notify:             c.notifier.Notify,
		}, c.log)

	return c, nil
}

// ID returns the session id.
func (c *ExamController) ID() uuid.UUID { return c.opts.SessionID }

// CandidateID returns the candidate the session belongs to.
func (c *ExamController) CandidateID() string { return c.opts.CandidateID }

// Assessment returns the assessment being taken.
func (c *ExamController) Assessment() *model.Assessment { return c.assessment }

// Done is closed once the session has ended and the submission sink has
// returned, or the session was closed without submitting.
func (c *ExamController) Done() <-chan struct{} { return c.done }

// run executes fn on the loop. A closed loop means the session already
// ended, which callers observe as a no-op.
func (c *ExamController) run(ctx context.Context, fn func() error) error {
	var err error
	if doErr := c.loop.Do(ctx, func() { err = fn() }); doErr != nil {
		if errors.Is(doErr, eventloop.ErrClosed) {
			return nil
		}
		return doErr
	}
	return err
}

// Start begins the clock, integrity checks and media monitoring.
func (c *ExamController) Start(ctx context.Context) error {
	return c.run(ctx, func() error {
		if c.started || c.isTerminal() || c.closed {
			return nil
		}
		c.started = true
		c.startedAt = c.loop.Clock().Now()

		c.ledger.Append(model.NavQuestionView, c.positionDetail())
		c.clock.Start(c.group)
		c.integrity.Start(c.group)
		c.monitoring.Start(c.group)
		if c.assessment.Security.EnforceFullscreen {
			c.fullscreen.RequestFullscreen()
		}
		c.resolveIdentity()

		c.publish("session_started", map[string]any{
			"duration_seconds": c.assessment.DurationSeconds,
			"sections":         len(c.assessment.Sections),
		})
		c.log.Info().Str("assessment_id", c.assessment.ID.String()).Msg("Exam session started")
		return nil
	})
}

// SelectAnswer records or overwrites the candidate's choice for a
// question. It is a no-op once the session is terminal.
func (c *ExamController) SelectAnswer(ctx context.Context, questionID uuid.UUID, option int) error {
	return c.run(ctx, func() error {
		if c.isTerminal() || c.closed {
			return nil
		}
		if !c.started {
			return ErrNotStarted
		}
		q, ok := c.questions[questionID]
		if !ok {
			return ErrUnknownQuestion
		}
		if option < 0 || option >= len(q.Options) {
			return ErrInvalidOption
		}

		c.answers[questionID] = option
		c.ledger.Append(model.NavAnswerChange, fmt.Sprintf("question %s option %d", questionID, option))
		c.integrity.Touch()

		sessionID, journal := c.opts.SessionID, c.journal
		c.background("record answer", journalTimeout, func(ctx context.Context) error {
			return journal.RecordAnswer(ctx, sessionID, questionID, option)
		})
		c.publish("answer_saved", map[string]any{
			"question_id": questionID.String(),
			"answered":    len(c.answers),
			"total":       len(c.questions),
		})
		return nil
	})
}

// GoToNext moves forward one question, crossing into the next section
// when the current one is exhausted.
func (c *ExamController) GoToNext(ctx context.Context) error {
	return c.run(ctx, func() error {
		if c.isTerminal() || c.closed {
			return nil
		}
		if !c.started {
			return ErrNotStarted
		}
		c.integrity.Touch()

		if c.question+1 < len(c.currentSection().Questions) {
			c.question++
			c.ledger.Append(model.NavQuestionView, c.positionDetail())
			return nil
		}
		if c.section+1 < len(c.assessment.Sections) {
			from := c.section
			c.enterSection(c.section+1, 0)
			c.ledger.Append(model.NavSectionChange, fmt.Sprintf("section %d -> %d", from+1, c.section+1))
			return nil
		}
		return ErrAtLastQuestion
	})
}

// GoToPrevious moves back one question, crossing into the previous
// section's last question from question 0.
func (c *ExamController) GoToPrevious(ctx context.Context) error {
	return c.run(ctx, func() error {
		if c.isTerminal() || c.closed {
			return nil
		}
		if !c.started {
			return ErrNotStarted
		}
		c.integrity.Touch()

		if c.question > 0 {
			c.question--
			c.ledger.Append(model.NavQuestionView, c.positionDetail())
			return nil
		}
		if c.section > 0 {
			from := c.section
			prev := c.section - 1
			if !c.clock.SectionOpen(prev) {
				return ErrSectionExpired
			}
			c.enterSection(prev, len(c.assessment.Sections[prev].Questions)-1)
			c.ledger.Append(model.NavSectionChange, fmt.Sprintf("section %d -> %d", from+1, c.section+1))
			return nil
		}
		return ErrAtFirstQuestion
	})
}

// FlagQuestion toggles the review flag on a question of the current
// section and returns the new flag state.
func (c *ExamController) FlagQuestion(ctx context.Context, questionID uuid.UUID) (bool, error) {
	var flagged bool
	err := c.run(ctx, func() error {
		if c.isTerminal() || c.closed {
			return nil
		}
		if !c.started {
			return ErrNotStarted
		}
		if _, ok := c.questions[questionID]; !ok {
			return ErrUnknownQuestion
		}
		flagged = !c.flagged[questionID]
		if flagged {
			c.flagged[questionID] = true
		} else {
			delete(c.flagged, questionID)
		}
		c.ledger.Append(model.NavFlagQuestion, fmt.Sprintf("question %s flagged=%t", questionID, flagged))
		c.integrity.Touch()
		return nil
	})
	return flagged, err
}

// AcknowledgeWarning clears the pending warning dialog.
func (c *ExamController) AcknowledgeWarning(ctx context.Context) error {
	return c.run(ctx, func() error {
		if c.isTerminal() || c.closed {
			return nil
		}
		c.pendingAck = nil
		return nil
	})
}

// Reattached tells the session that the candidate's client connected
// again. Captures lost with the previous connection are re-acquired.
func (c *ExamController) Reattached(ctx context.Context) error {
	return c.run(ctx, func() error {
		if c.isTerminal() || c.closed || !c.started {
			return nil
		}
		c.log.Info().Msg("Candidate client reattached")
		c.monitoring.Resume()
		return nil
	})
}

// Report feeds one environment signal to the integrity monitor.
func (c *ExamController) Report(ctx context.Context, s Signal) error {
	return c.run(ctx, func() error {
		if c.isTerminal() || c.closed || !c.started {
			return nil
		}
		c.integrity.Handle(s)
		return nil
	})
}

// Submit ends the session manually. Only the first call has an effect.
func (c *ExamController) Submit(ctx context.Context) error {
	return c.run(ctx, func() error {
		if c.closed {
			return nil
		}
		c.submit(model.TerminalSubmitted, model.ReasonManual)
		return nil
	})
}

// Snapshot returns the current view. After the session ends it returns
// the final view.
func (c *ExamController) Snapshot(ctx context.Context) (SessionView, error) {
	var v SessionView
	err := c.loop.Do(ctx, func() { v = c.view() })
	if errors.Is(err, eventloop.ErrClosed) {
		if final := c.final.Load(); final != nil {
			return *final, nil
		}
	}
	return v, err
}

type auditRecord struct {
	activities []model.SuspiciousActivity
	navigation []model.NavigationEvent
}

// Audit returns copies of the recorded activities and navigation events.
func (c *ExamController) Audit(ctx context.Context) ([]model.SuspiciousActivity, []model.NavigationEvent, error) {
	var rec auditRecord
	err := c.loop.Do(ctx, func() { rec = c.audit() })
	if errors.Is(err, eventloop.ErrClosed) {
		if last := c.record.Load(); last != nil {
			return last.activities, last.navigation, nil
		}
	}
	return rec.activities, rec.navigation, err
}

func (c *ExamController) audit() auditRecord {
	return auditRecord{activities: c.integrity.Activities(), navigation: c.ledger.Events()}
}

// Close tears the session down without submitting, releasing every
// media handle and scheduled task. Use it when the candidate abandons
// the exam or the server shuts down.
func (c *ExamController) Close() {
	err := c.loop.Do(context.Background(), func() {
		if c.closed {
			return
		}
		c.closed = true
		c.teardown()
		if !c.isTerminal() {
			v := c.view()
			c.final.Store(&v)
			rec := c.audit()
			c.record.Store(&rec)
			c.publish("session_abandoned", nil)
			c.log.Info().Msg("Exam session closed without submission")
			c.finish()
		}
	})
	if err == nil && !c.isTerminalAtomic() {
		c.loop.Close()
	}
}

// isTerminalAtomic is safe off the loop once the loop has stopped
// accepting work or the final view was stored.
func (c *ExamController) isTerminalAtomic() bool {
	final := c.final.Load()
	return final != nil && final.Terminal != model.TerminalNone
}

func (c *ExamController) isTerminal() bool { return c.terminal != model.TerminalNone }

func (c *ExamController) currentSection() *model.Section {
	return &c.assessment.Sections[c.section]
}

func (c *ExamController) currentQuestion() *model.Question {
	return &c.currentSection().Questions[c.question]
}

func (c *ExamController) positionDetail() string {
	return fmt.Sprintf("section %d question %d", c.section+1, c.question+1)
}

// enterSection moves to section i at question q. The section countdown
// resumes where section i left off, or at its full limit on first entry.
func (c *ExamController) enterSection(i, q int) {
	c.section = i
	c.question = q
	c.clock.EnterSection(i)
}

func (c *ExamController) onSectionExpired(section int) {
	if c.isTerminal() || section != c.section {
		return
	}
	c.ledger.Append(model.NavTimerCheck, fmt.Sprintf("section %d time expired", section+1))

	if section+1 >= len(c.assessment.Sections) {
		c.submit(model.TerminalSubmitted, model.ReasonTimeExpired)
		return
	}

	c.enterSection(section+1, 0)
	c.ledger.Append(model.NavSectionChange, fmt.Sprintf("section %d -> %d (time expired)", section+1, c.section+1))
	c.notifier.Notify(Notice{
		Kind:    NoticeSectionAdvanced,
		Title:   "Section time is up",
		Message: fmt.Sprintf("Time for %s has ended. Moving to %s.", c.assessment.Sections[section].Name, c.currentSection().Name),
	})
	c.publish("section_advanced", map[string]any{"section": c.section})
	c.log.Info().Int("section", c.section).Msg("Section time expired, advanced")
}

func (c *ExamController) onOverallExpired() {
	if c.isTerminal() {
		return
	}
	c.ledger.Append(model.NavTimerCheck, "overall time expired")
	c.submit(model.TerminalSubmitted, model.ReasonTimeExpired)
}

func (c *ExamController) onCheckpoint(overall, section int) {
	detail := fmt.Sprintf("overall %s remaining", FormatClock(overall))
	if section >= 0 {
		detail += fmt.Sprintf(", section %s remaining", FormatClock(section))
	}
	c.ledger.Append(model.NavTimerCheck, detail)
	c.publish("timer_check", map[string]any{"overall": overall, "section": section})
}

func (c *ExamController) onWarning(a model.SuspiciousActivity, count int) {
	n := Notice{
		Kind:        NoticeWarning,
		Title:       fmt.Sprintf("Warning %d of %d", count, c.integrity.MaxWarnings()),
		Message:     a.Detail,
		RequiresAck: true,
	}
	if a.Type == model.ActivityFullscreenExit {
		n.Message = fullscreenWarning
	}
	c.pendingAck = &n
	c.notifier.Notify(n)
	c.recordActivity(a, count)
}

func (c *ExamController) onTermination(a model.SuspiciousActivity, count int) {
	c.recordActivity(a, count)
	c.log.Warn().Int("warnings", count).Msg("Warning threshold reached, terminating exam")
	c.submit(model.TerminalTerminated, model.ReasonWarningThreshold)
}

func (c *ExamController) recordActivity(a model.SuspiciousActivity, count int) {
	sessionID, journal := c.opts.SessionID, c.journal
	c.background("record activity", journalTimeout, func(ctx context.Context) error {
		return journal.RecordActivity(ctx, sessionID, a)
	})
	c.publish("suspicious_activity", map[string]any{
		"type":     string(a.Type),
		"severity": string(a.Severity),
		"detail":   a.Detail,
		"warnings": count,
	})
}

func (c *ExamController) requestFullscreen() {
	if !c.isTerminal() {
		c.fullscreen.RequestFullscreen()
	}
}

func (c *ExamController) onMonitoringStatus(st model.MonitoringState) {
	c.publish("monitoring_status", map[string]any{
		"status":        string(st.Status),
		"stream_type":   string(st.StreamType),
		"connection_id": st.ConnectionID,
		"attempts":      st.Attempts,
		"camera_active": st.CameraActive,
		"screen_active": st.ScreenActive,
	})
}

// submit is the single terminal transition. The flag is set before any
// teardown so callbacks fired during teardown observe a final session.
func (c *ExamController) submit(flag model.TerminalFlag, reason model.SubmitReason) {
	if c.isTerminal() {
		return
	}
	c.terminal = flag
	c.reason = reason
	c.finishedAt = c.loop.Clock().Now()
	c.pendingAck = nil
	c.teardown()

	sub := &Submission{
		SessionID:    c.opts.SessionID,
		AssessmentID: c.assessment.ID,
		CandidateID:  c.opts.CandidateID,
		Outcome:      flag,
		Reason:       reason,
		Answers:      make(map[uuid.UUID]int, len(c.answers)),
		Activities:   c.integrity.Activities(),
		Navigation:   c.ledger.Events(),
		WarningCount: c.integrity.Warnings(),
		IPAddress:    c.ip,
		DeviceInfo:   c.opts.DeviceInfo,
		StartedAt:    c.startedAt,
		FinishedAt:   c.finishedAt,
		LastActiveAt: c.integrity.LastActive(),
	}
	for _, a := range sub.Activities {
		if a.Type == model.ActivityFullscreenExit {
			sub.FullscreenExits++
		}
	}
	for id, opt := range c.answers {
		sub.Answers[id] = opt
	}
	for id := range c.flagged {
		sub.Flagged = append(sub.Flagged, id)
	}

	v := c.view()
	c.final.Store(&v)
	c.record.Store(&auditRecord{activities: sub.Activities, navigation: sub.Navigation})

	msg := "Your answers have been submitted."
	switch reason {
	case model.ReasonTimeExpired:
		msg = "Time is up. Your answers have been submitted automatically."
	case model.ReasonWarningThreshold:
		msg = "Your test has ended because the maximum number of warnings was reached."
	}
	c.notifier.Notify(Notice{Kind: NoticeSessionEnded, Title: "Your test has ended", Message: msg})
	c.publish("session_ended", map[string]any{
		"outcome":  string(flag),
		"reason":   string(reason),
		"answered": len(sub.Answers),
		"warnings": sub.WarningCount,
	})
	c.log.Info().
		Str("outcome", string(flag)).
		Str("reason", string(reason)).
		Int("answered", len(sub.Answers)).
		Int("warnings", sub.WarningCount).
		Msg("Exam session ended")

	submitter, onEnded, log := c.submitter, c.opts.OnEnded, c.log
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
		defer cancel()
		err := submitter.Submit(ctx, sub)
		if err != nil {
			log.Error().Err(err).Msg("Failed to hand off submission")
		}
		c.loop.Close()
		c.finish()
		if onEnded != nil {
			onEnded(sub, err)
		}
	}()
}

// teardown cancels every scheduled task and releases all media. Each
// step is idempotent.
func (c *ExamController) teardown() {
	c.group.CancelAll()
	c.clock.Stop()
	c.integrity.Stop()
	c.monitoring.Stop()
}

func (c *ExamController) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *ExamController) resolveIdentity() {
	if c.identity == nil {
		return
	}
	identity, log := c.identity, c.log
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), identityTimeout)
		defer cancel()
		ip, err := identity.ResolveIP(ctx)
		if err != nil {
			log.Debug().Err(err).Msg("Network identity lookup failed")
			return
		}
		c.loop.Post(func() {
			if !c.isTerminal() {
				c.ip = ip
			}
		})
	}()
}

// background runs fn off the loop with a timeout, logging failures.
func (c *ExamController) background(what string, timeout time.Duration, fn func(ctx context.Context) error) {
	log := c.log
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			log.Warn().Err(err).Msgf("Failed to %s", what)
		}
	}()
}

func (c *ExamController) publish(typ string, data map[string]any) {
	c.telemetry.Publish(Event{
		Type:         typ,
		SessionID:    c.opts.SessionID,
		AssessmentID: c.assessment.ID,
		CandidateID:  c.opts.CandidateID,
		At:           c.loop.Clock().Now(),
		Data:         data,
	})
}

func (c *ExamController) view() SessionView {
	sec := c.currentSection()
	q := c.currentQuestion()
	overall, section := c.clock.Remaining()

	v := SessionView{
		SessionID:        c.opts.SessionID,
		AssessmentID:     c.assessment.ID,
		Started:          c.started,
		Terminal:         c.terminal,
		Reason:           c.reason,
		SectionIndex:     c.section,
		SectionName:      sec.Name,
		SectionCount:     len(c.assessment.Sections),
		QuestionIndex:    c.question,
		QuestionCount:    len(sec.Questions),
		Question:         &model.PaperQuestion{ID: q.ID, Text: q.Text, Options: q.Options},
		Flagged:          c.flagged[q.ID],
		OverallRemaining: overall,
		SectionRemaining: section,
		OverallDisplay:   FormatClock(overall),
		Answered:         len(c.answers),
		Total:            len(c.questions),
		Warnings:         c.integrity.Warnings(),
		MaxWarnings:      c.integrity.MaxWarnings(),
		Monitoring:       c.monitoring.State(),
	}
	if section >= 0 {
		v.SectionDisplay = FormatClock(section)
	}
	if opt, ok := c.answers[q.ID]; ok {
		v.SelectedOption = &opt
	}
	for i := 0; i < c.section; i++ {
		v.Position += len(c.assessment.Sections[i].Questions)
	}
	v.Position += c.question + 1
	if v.Total > 0 {
		v.Progress = float64(v.Position) / float64(v.Total) * 100
	}
	if c.pendingAck != nil {
		n := *c.pendingAck
		v.PendingWarning = &n
	}
	return v
}

// FormatClock renders seconds as mm:ss. Minutes are not wrapped into hours.
func FormatClock(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}
