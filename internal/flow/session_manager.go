package flow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/StudyPipe/internal/lock"
	"github.com/BTreeMap/StudyPipe/internal/models"
	"github.com/BTreeMap/StudyPipe/internal/observability"
	"github.com/BTreeMap/StudyPipe/internal/store"
)

// Default tuning for SessionManager.
const (
	DefaultStoreTimeout = 5 * time.Second
	DefaultMaxRetries   = 3
)

// SessionView is the read projection returned by Get.
type SessionView struct {
	Session      *models.Session  `json:"session"`
	CurrentBlock *models.BlockDef `json:"currentBlock,omitempty"`
	Resumable    bool             `json:"resumable"`
}

// SubmitResult is returned by SubmitResponse.
type SubmitResult struct {
	NextBlockID string               `json:"nextBlockId"`
	Status      models.SessionStatus `json:"status"`
}

// SessionManager owns the session state machine and is the only entry point
// used by transports. Every call carries the authenticated participant id.
type SessionManager struct {
	store     store.Store
	gate      *ApplicationGate
	resolver  *BranchResolver
	analytics *AnalyticsCollector
	recorder  *ResponseRecorder
	generator FollowUpGenerator
	locker    lock.Locker
	metrics   *observability.Metrics

	now               func() time.Time
	newID             func() string
	storeTimeout      time.Duration
	generationTimeout time.Duration
	maxRetries        int
}

// Option configures a SessionManager.
type Option func(*SessionManager)

// WithClock injects the engine clock.
func WithClock(now func() time.Time) Option {
	return func(m *SessionManager) { m.now = now }
}

// WithStoreTimeout bounds every store call.
func WithStoreTimeout(d time.Duration) Option {
	return func(m *SessionManager) {
		if d > 0 {
			m.storeTimeout = d
		}
	}
}

// WithLocker replaces the in-process per-session lock.
func WithLocker(l lock.Locker) Option {
	return func(m *SessionManager) { m.locker = l }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *SessionManager) { m.metrics = metrics }
}

// WithFollowUpGenerator sets the generator used for ai_followup blocks.
func WithFollowUpGenerator(g FollowUpGenerator) Option {
	return func(m *SessionManager) { m.generator = g }
}

// WithGenerationTimeout bounds each follow-up generation call. The session
// lock is held while it runs; on timeout the templates are used.
func WithGenerationTimeout(d time.Duration) Option {
	return func(m *SessionManager) {
		if d > 0 {
			m.generationTimeout = d
		}
	}
}

// WithMaxRetries bounds retries after an optimistic concurrency conflict.
func WithMaxRetries(n int) Option {
	return func(m *SessionManager) { m.maxRetries = n }
}

// WithIDGenerator overrides session id generation.
func WithIDGenerator(newID func() string) Option {
	return func(m *SessionManager) { m.newID = newID }
}

// NewSessionManager wires the engine components around st.
func NewSessionManager(st store.Store, opts ...Option) *SessionManager {
	m := &SessionManager{
		store:             st,
		locker:            lock.NewKeyedMutex(),
		now:               time.Now,
		newID:             uuid.NewString,
		storeTimeout:      DefaultStoreTimeout,
		generationTimeout: DefaultGenerationTimeout,
		maxRetries:        DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.gate = NewApplicationGate(timeoutApps{m})
	m.resolver = NewBranchResolver()
	m.analytics = NewAnalyticsCollector(m.now)
	m.recorder = NewResponseRecorder(m.resolver, m.analytics, m.generator, m.now)
	m.recorder.generationTimeout = m.generationTimeout
	slog.Debug("SessionManager created", "storeTimeout", m.storeTimeout, "generationTimeout", m.generationTimeout, "maxRetries", m.maxRetries)
	return m
}

// Start returns the participant's open session for the study, creating one
// when none exists. created reports whether a new session was written.
func (m *SessionManager) Start(ctx context.Context, participantID, studyID string) (*models.Session, bool, error) {
	const op = "SessionManager.Start"
	if err := requireParticipant(op, participantID); err != nil {
		return nil, false, err
	}

	study, err := m.loadStudy(ctx, op, studyID)
	if err != nil {
		return nil, false, err
	}
	if err := m.gate.Authorize(ctx, participantID, studyID); err != nil {
		return nil, false, err
	}

	release, err := m.locker.Lock(ctx, "start:"+participantID+":"+studyID)
	if err != nil {
		return nil, false, transient(op, err)
	}
	defer release()

	if existing, err := m.findOpen(ctx, op, participantID, studyID); err != nil || existing != nil {
		if existing != nil {
			slog.Debug("SessionManager.Start: returning open session", "sessionID", existing.ID, "participantID", participantID, "studyID", studyID)
		}
		return existing, false, err
	}

	graph := NewBlockGraph(*study)
	first, ok := graph.First()
	if !ok {
		return nil, false, branchError(op, "study %s has no blocks", studyID)
	}
	current, err := m.resolver.ResolveEntry(graph, first.ID, map[string]models.Response{})
	if err != nil {
		slog.Error("SessionManager.Start: study entry cannot be resolved", "studyID", studyID, "error", err)
		m.metrics.BranchFailure()
		return nil, false, err
	}
	if current == "" {
		return nil, false, branchError(op, "study %s has no participant-facing block", studyID)
	}

	now := m.now().UTC()
	session := &models.Session{
		ID:             m.newID(),
		StudyID:        studyID,
		ParticipantID:  participantID,
		Status:         models.SessionStatusActive,
		CurrentBlockID: current,
		Responses:      make(map[string]models.Response),
		NextSequence:   1,
		StartedAt:      now,
		UpdatedAt:      now,
	}

	sctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	err = m.store.CreateSession(sctx, session)
	cancel()
	if errors.Is(err, store.ErrOpenSessionExists) {
		// Another replica won the race; hand back its session.
		existing, findErr := m.findOpen(ctx, op, participantID, studyID)
		if findErr == nil && existing == nil {
			findErr = transient(op, err)
		}
		return existing, false, findErr
	}
	if err != nil {
		slog.Error("SessionManager.Start: create failed", "participantID", participantID, "studyID", studyID, "error", err)
		return nil, false, transient(op, err)
	}

	m.metrics.SessionStarted()
	m.metrics.Transition(string(models.SessionStatusActive))
	slog.Info("SessionManager.Start: session created", "sessionID", session.ID, "participantID", participantID, "studyID", studyID, "currentBlockID", current)
	return session, true, nil
}

// Get returns the session together with the block the participant should see.
func (m *SessionManager) Get(ctx context.Context, participantID, sessionID string) (*SessionView, error) {
	const op = "SessionManager.Get"
	if err := requireParticipant(op, participantID); err != nil {
		return nil, err
	}
	session, err := m.loadOwned(ctx, op, participantID, sessionID)
	if err != nil {
		return nil, err
	}
	return m.View(ctx, session)
}

// View pairs session with the block the participant should see next.
// Terminal sessions have no current block.
func (m *SessionManager) View(ctx context.Context, session *models.Session) (*SessionView, error) {
	const op = "SessionManager.View"
	view := &SessionView{Session: session, Resumable: !session.Status.IsTerminal()}
	if session.Status.IsTerminal() {
		return view, nil
	}
	study, err := m.loadStudy(ctx, op, session.StudyID)
	if err != nil {
		return nil, err
	}
	graph := NewBlockGraph(*study).WithFollowUps(session.FollowUps)
	if block, ok := graph.Block(session.CurrentBlockID); ok {
		view.CurrentBlock = &block
	}
	return view, nil
}

// SubmitResponse records an answer to the session's current block and
// advances it. A branch resolution failure keeps the response, marks the
// session failed and returns the error.
func (m *SessionManager) SubmitResponse(ctx context.Context, participantID, sessionID string, sub Submission) (*SubmitResult, error) {
	const op = "SessionManager.SubmitResponse"
	if err := requireParticipant(op, participantID); err != nil {
		return nil, err
	}
	var result *SubmitResult
	var recorded models.BlockType
	completed := false

	err := m.mutate(ctx, op, participantID, sessionID, func(session *models.Session) (bool, error) {
		study, err := m.loadStudy(ctx, op, session.StudyID)
		if err != nil {
			return false, err
		}
		graph := NewBlockGraph(*study).WithFollowUps(session.FollowUps)

		res, err := m.recorder.Record(ctx, session, graph, sub)
		// Reset on every attempt; a conflicting attempt's write never landed.
		recorded = res.BlockType
		if err != nil {
			if KindOf(err) != KindBranchResolution {
				return false, err
			}
			session.Status = models.SessionStatusFailed
			session.Fault = err.Error()
			result = &SubmitResult{Status: session.Status}
			return true, err
		}
		if res.Replayed {
			result = &SubmitResult{NextBlockID: res.NextBlockID, Status: session.Status}
			return false, nil
		}
		if res.Completed {
			now := m.now().UTC()
			session.Status = models.SessionStatusCompleted
			session.CompletedAt = &now
			completed = true
		}
		result = &SubmitResult{NextBlockID: res.NextBlockID, Status: session.Status}
		return true, nil
	})

	if recorded != "" && (err == nil || KindOf(err) == KindBranchResolution) {
		m.metrics.ResponseRecorded(string(recorded))
	}
	switch {
	case err == nil:
	case KindOf(err) == KindBranchResolution && result != nil:
		m.metrics.BranchFailure()
		m.metrics.Transition(string(models.SessionStatusFailed))
		slog.Error("SessionManager.SubmitResponse: study configuration defect, session failed",
			"sessionID", sessionID, "blockID", sub.BlockID, "error", err)
		return nil, err
	default:
		return nil, err
	}

	if completed {
		m.metrics.Transition(string(models.SessionStatusCompleted))
	}
	slog.Info("SessionManager.SubmitResponse", "sessionID", sessionID, "blockID", sub.BlockID, "next", result.NextBlockID, "status", result.Status)
	return result, nil
}

// Pause moves an active session to paused. Pausing a paused session is a no-op.
func (m *SessionManager) Pause(ctx context.Context, participantID, sessionID string) (*models.Session, error) {
	const op = "SessionManager.Pause"
	return m.transition(ctx, op, participantID, sessionID, func(session *models.Session) (bool, error) {
		switch session.Status {
		case models.SessionStatusPaused:
			return false, nil
		case models.SessionStatusActive:
			session.Status = models.SessionStatusPaused
			return true, nil
		default:
			return false, newError(KindInvalidState, op, "cannot pause a %s session", session.Status)
		}
	})
}

// Resume moves a paused session back to active after re-checking approval.
// Resuming an active session is a no-op.
func (m *SessionManager) Resume(ctx context.Context, participantID, sessionID string) (*models.Session, error) {
	const op = "SessionManager.Resume"
	return m.transition(ctx, op, participantID, sessionID, func(session *models.Session) (bool, error) {
		switch session.Status {
		case models.SessionStatusActive:
			return false, nil
		case models.SessionStatusPaused:
			if err := m.gate.Authorize(ctx, session.ParticipantID, session.StudyID); err != nil {
				return false, err
			}
			session.Status = models.SessionStatusActive
			return true, nil
		default:
			return false, newError(KindInvalidState, op, "cannot resume a %s session", session.Status)
		}
	})
}

// Abandon ends an active or paused session on behalf of an operator.
// Participants cannot abandon; they pause. Responses are kept.
func (m *SessionManager) Abandon(ctx context.Context, sessionID string) (*models.Session, error) {
	const op = "SessionManager.Abandon"
	var out *models.Session
	err := m.mutate(ctx, op, "", sessionID, func(session *models.Session) (bool, error) {
		out = session
		return abandonOpen(op)(session)
	})
	if err != nil {
		return nil, err
	}
	m.metrics.Transition(string(models.SessionStatusAbandoned))
	slog.Info(op, "sessionID", sessionID, "participantID", out.ParticipantID, "status", out.Status)
	return out, nil
}

// AbandonIdle abandons sessionID if it is still open and was last updated
// before idleBefore. It reports whether the session was abandoned. Activity
// that lands before the lock is taken keeps the session alive.
func (m *SessionManager) AbandonIdle(ctx context.Context, sessionID string, idleBefore time.Time) (bool, error) {
	const op = "SessionManager.AbandonIdle"
	abandoned := false
	err := m.mutate(ctx, op, "", sessionID, func(session *models.Session) (bool, error) {
		if session.Status.IsTerminal() || !session.UpdatedAt.Before(idleBefore) {
			return false, nil
		}
		changed, err := abandonOpen(op)(session)
		abandoned = changed
		return changed, err
	})
	if err != nil {
		return false, err
	}
	if abandoned {
		m.metrics.Transition(string(models.SessionStatusAbandoned))
		m.metrics.SessionReaped()
	}
	return abandoned, nil
}

func abandonOpen(op string) func(*models.Session) (bool, error) {
	return func(session *models.Session) (bool, error) {
		if session.Status.IsTerminal() {
			return false, newError(KindInvalidState, op, "cannot abandon a %s session", session.Status)
		}
		session.Status = models.SessionStatusAbandoned
		return true, nil
	}
}

// transition runs a status change and returns the resulting session.
func (m *SessionManager) transition(ctx context.Context, op, participantID, sessionID string, apply func(*models.Session) (bool, error)) (*models.Session, error) {
	if err := requireParticipant(op, participantID); err != nil {
		return nil, err
	}
	var out *models.Session
	var changed bool
	err := m.mutate(ctx, op, participantID, sessionID, func(session *models.Session) (bool, error) {
		c, err := apply(session)
		out, changed = session, c
		return c, err
	})
	if err != nil {
		return nil, err
	}
	if changed {
		m.metrics.Transition(string(out.Status))
		slog.Info(op, "sessionID", sessionID, "status", out.Status)
	}
	return out, nil
}

// mutate serializes load, apply and save for one session under the session
// lock, retrying on version conflicts. apply works on a private copy and
// returns whether it must be written; a non-nil error is still written when
// write is true.
func (m *SessionManager) mutate(ctx context.Context, op, participantID, sessionID string, apply func(*models.Session) (bool, error)) error {
	release, err := m.locker.Lock(ctx, "session:"+sessionID)
	if err != nil {
		return transient(op, err)
	}
	defer release()

	for attempt := 0; ; attempt++ {
		session, err := m.loadOwned(ctx, op, participantID, sessionID)
		if err != nil {
			return err
		}
		write, applyErr := apply(session)
		if !write {
			return applyErr
		}
		session.UpdatedAt = m.now().UTC()

		sctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
		err = m.store.UpdateSession(sctx, session)
		cancel()
		switch {
		case err == nil:
			return applyErr
		case errors.Is(err, store.ErrVersionConflict):
			m.metrics.StoreConflict()
			slog.Warn(op+": version conflict, retrying", "sessionID", sessionID, "attempt", attempt+1)
			if attempt+1 >= m.maxRetries {
				return transient(op, err)
			}
		case errors.Is(err, store.ErrSessionNotFound):
			return newError(KindNotFound, op, "session %s not found", sessionID)
		default:
			slog.Error(op+": update failed", "sessionID", sessionID, "error", err)
			return transient(op, err)
		}
	}
}

// loadOwned fetches a session and hides sessions owned by someone else. An
// empty participantID skips the ownership check for internal callers.
func (m *SessionManager) loadOwned(ctx context.Context, op, participantID, sessionID string) (*models.Session, error) {
	sctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()
	session, err := m.store.GetSession(sctx, sessionID)
	if err != nil {
		slog.Error(op+": load failed", "sessionID", sessionID, "error", err)
		return nil, transient(op, err)
	}
	if session == nil || (participantID != "" && session.ParticipantID != participantID) {
		return nil, newError(KindNotFound, op, "session %s not found", sessionID)
	}
	return session, nil
}

func requireParticipant(op, participantID string) error {
	if participantID == "" {
		return newError(KindAuthentication, op, "missing participant identity")
	}
	return nil
}

func (m *SessionManager) loadStudy(ctx context.Context, op, studyID string) (*models.Study, error) {
	sctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()
	study, err := m.store.GetStudy(sctx, studyID)
	if err != nil {
		slog.Error(op+": study load failed", "studyID", studyID, "error", err)
		return nil, transient(op, err)
	}
	if study == nil {
		return nil, newError(KindNotFound, op, "study %s not found", studyID)
	}
	return study, nil
}

func (m *SessionManager) findOpen(ctx context.Context, op, participantID, studyID string) (*models.Session, error) {
	sctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()
	existing, err := m.store.FindOpenSession(sctx, participantID, studyID)
	if err != nil {
		return nil, transient(op, err)
	}
	return existing, nil
}

// timeoutApps applies the store timeout to the gate's reads.
type timeoutApps struct{ m *SessionManager }

func (t timeoutApps) GetLatestApplication(ctx context.Context, participantID, studyID string) (*models.Application, error) {
	sctx, cancel := context.WithTimeout(ctx, t.m.storeTimeout)
	defer cancel()
	return t.m.store.GetLatestApplication(sctx, participantID, studyID)
}

// ListIdle exposes idle open sessions to the reaper.
func (m *SessionManager) ListIdle(ctx context.Context, idleBefore time.Time, limit int) ([]models.Session, error) {
	const op = "SessionManager.ListIdle"
	sctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()
	sessions, err := m.store.ListIdleSessions(sctx, idleBefore, limit)
	if err != nil {
		return nil, transient(op, err)
	}
	return sessions, nil
}

// Now returns the engine clock's current time.
func (m *SessionManager) Now() time.Time { return m.now() }
