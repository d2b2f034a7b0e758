package flow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/StudyPipe/internal/models"
	"github.com/BTreeMap/StudyPipe/internal/observability"
	"github.com/BTreeMap/StudyPipe/internal/store"
	"github.com/BTreeMap/StudyPipe/internal/testutil"
)

type testEngine struct {
	st    *store.InMemoryStore
	clock *testutil.Clock
	m     *SessionManager
}

func newTestEngine(t *testing.T, studies ...models.Study) *testEngine {
	t.Helper()
	st := store.NewInMemoryStore()
	for _, s := range studies {
		testutil.SeedStudy(t, st, s)
	}
	clock := testutil.NewClock(time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC))
	return &testEngine{st: st, clock: clock, m: NewSessionManager(st, WithClock(clock.Now))}
}

func (e *testEngine) approve(t *testing.T, participantID, studyID string) {
	t.Helper()
	testutil.SeedApplication(t, e.st, participantID, studyID, models.ApplicationStatusApproved)
}

func (e *testEngine) start(t *testing.T, participantID, studyID string) *models.Session {
	t.Helper()
	e.approve(t, participantID, studyID)
	session, _, err := e.m.Start(context.Background(), participantID, studyID)
	require.NoError(t, err)
	return session
}

func (e *testEngine) submit(t *testing.T, participantID, sessionID, blockID string, value interface{}) *SubmitResult {
	t.Helper()
	res, err := e.m.SubmitResponse(context.Background(), participantID, sessionID, Submission{BlockID: blockID, Value: value})
	require.NoError(t, err)
	return res
}

func (e *testEngine) load(t *testing.T, sessionID string) *models.Session {
	t.Helper()
	s, err := e.st.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	require.NotNil(t, s)
	return s
}

func TestStartIsIdempotent(t *testing.T) {
	e := newTestEngine(t, testutil.BranchingStudy("s1"))
	e.approve(t, "p1", "s1")
	ctx := context.Background()

	first, created, err := e.m.Start(ctx, "p1", "s1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "welcome", first.CurrentBlockID)
	assert.Equal(t, models.SessionStatusActive, first.Status)

	second, created, err := e.m.Start(ctx, "p1", "s1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	n, err := e.st.CountSessions(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestConcurrentStartsShareOneSession(t *testing.T) {
	e := newTestEngine(t, testutil.BranchingStudy("s1"))
	e.approve(t, "p1", "s1")
	other := NewSessionManager(e.st, WithClock(e.clock.Now))

	ids := make([]string, 8)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := e.m
			if i%2 == 1 {
				m = other
			}
			s, _, err := m.Start(context.Background(), "p1", "s1")
			if assert.NoError(t, err) {
				ids[i] = s.ID
			}
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestStartRequiresApproval(t *testing.T) {
	statuses := []models.ApplicationStatus{"", models.ApplicationStatusPending, models.ApplicationStatusRejected, models.ApplicationStatusWithdrawn}
	for _, status := range statuses {
		t.Run(fmt.Sprintf("status %q", status), func(t *testing.T) {
			e := newTestEngine(t, testutil.BranchingStudy("s1"))
			if status != "" {
				testutil.SeedApplication(t, e.st, "p1", "s1", status)
			}
			_, _, err := e.m.Start(context.Background(), "p1", "s1")
			assert.ErrorIs(t, err, ErrNotApproved)

			n, err := e.st.CountSessions(context.Background(), "s1")
			require.NoError(t, err)
			assert.Equal(t, 0, n)
		})
	}
}

func TestLatestApplicationDecides(t *testing.T) {
	e := newTestEngine(t, testutil.BranchingStudy("s1"))
	testutil.SeedApplication(t, e.st, "p1", "s1", models.ApplicationStatusApproved)
	testutil.SeedApplication(t, e.st, "p1", "s1", models.ApplicationStatusWithdrawn)
	_, _, err := e.m.Start(context.Background(), "p1", "s1")
	assert.ErrorIs(t, err, ErrNotApproved)
}

func TestStartErrors(t *testing.T) {
	e := newTestEngine(t)
	_, _, err := e.m.Start(context.Background(), "p1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = e.m.Start(context.Background(), "", "missing")
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestStartResolvesLeadingBranch(t *testing.T) {
	study := models.Study{ID: "s", Blocks: []models.BlockDef{
		{ID: "router", Type: models.BlockTypeConditionalBranch, BranchRules: &models.BranchRules{DefaultTarget: "intro"}},
		{ID: "hidden", Type: models.BlockTypeWelcome},
		{ID: "intro", Type: models.BlockTypeContextScreen},
	}}
	e := newTestEngine(t, study)
	session := e.start(t, "p1", "s")
	assert.Equal(t, "intro", session.CurrentBlockID)
}

func TestScenarioBranchOnAnswer(t *testing.T) {
	e := newTestEngine(t, testutil.BranchingStudy("s1"))
	session := e.start(t, "p1", "s1")

	res := e.submit(t, "p1", session.ID, "welcome", nil)
	assert.Equal(t, "mc1", res.NextBlockID)

	res = e.submit(t, "p1", session.ID, "mc1", "yes")
	assert.Equal(t, "q_yes", res.NextBlockID)
	assert.Equal(t, models.SessionStatusActive, res.Status)
}

func TestScenarioBlockMismatch(t *testing.T) {
	e := newTestEngine(t, testutil.BranchingStudy("s1"))
	session := e.start(t, "p1", "s1")

	_, err := e.m.SubmitResponse(context.Background(), "p1", session.ID, Submission{BlockID: "q_yes", Value: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBlockMismatch)
	assert.Equal(t, KindBlockMismatch, KindOf(err))
	assert.Equal(t, "welcome", e.load(t, session.ID).CurrentBlockID)
}

func TestScenarioFollowUpsVisitedInOrder(t *testing.T) {
	e := newTestEngine(t, testutil.FollowUpStudy("s1", 2))
	session := e.start(t, "p1", "s1")

	e.submit(t, "p1", session.ID, "welcome", nil)
	res := e.submit(t, "p1", session.ID, "base", "I like it")
	assert.Equal(t, "base::followup::0", res.NextBlockID)

	res = e.submit(t, "p1", session.ID, "base::followup::0", "more detail")
	assert.Equal(t, "base::followup::1", res.NextBlockID)

	res = e.submit(t, "p1", session.ID, "base::followup::1", "even more")
	assert.Equal(t, "scale", res.NextBlockID)

	stored := e.load(t, session.ID)
	require.Contains(t, stored.Responses, "base::followup::1")
	assert.Equal(t, models.BlockTypeAIFollowUpQuestion, stored.Responses["base::followup::1"].BlockType)
}

func TestFollowUpsSurvivePauseResume(t *testing.T) {
	e := newTestEngine(t, testutil.FollowUpStudy("s1", 3))
	ctx := context.Background()
	session := e.start(t, "p1", "s1")
	e.submit(t, "p1", session.ID, "welcome", nil)
	e.submit(t, "p1", session.ID, "base", "answer")

	before := followUpIDs(e.load(t, session.ID).FollowUps["base"])
	assert.Equal(t, []string{"base::followup::0", "base::followup::1", "base::followup::2"}, before)

	_, err := e.m.Pause(ctx, "p1", session.ID)
	require.NoError(t, err)
	_, err = e.m.Resume(ctx, "p1", session.ID)
	require.NoError(t, err)

	view, err := e.m.Get(ctx, "p1", session.ID)
	require.NoError(t, err)
	require.NotNil(t, view.CurrentBlock)
	assert.Equal(t, "base::followup::0", view.CurrentBlock.ID)
	assert.True(t, view.Resumable)
	assert.Equal(t, before, followUpIDs(view.Session.FollowUps["base"]))

	// A manager built from scratch over the same store sees the same blocks.
	fresh := NewSessionManager(e.st, WithClock(e.clock.Now))
	res, err := fresh.SubmitResponse(ctx, "p1", session.ID, Submission{BlockID: "base::followup::0", Value: "x"})
	require.NoError(t, err)
	assert.Equal(t, "base::followup::1", res.NextBlockID)
}

func TestCompletionOnThankYou(t *testing.T) {
	e := newTestEngine(t, testutil.BranchingStudy("s1"))
	ctx := context.Background()
	session := e.start(t, "p1", "s1")
	e.submit(t, "p1", session.ID, "welcome", nil)
	e.submit(t, "p1", session.ID, "mc1", "no")
	res := e.submit(t, "p1", session.ID, "q_no", "not for me")
	assert.Equal(t, "thank_you", res.NextBlockID)
	assert.Equal(t, models.SessionStatusActive, res.Status)

	res = e.submit(t, "p1", session.ID, "thank_you", nil)
	assert.Equal(t, "", res.NextBlockID)
	assert.Equal(t, models.SessionStatusCompleted, res.Status)

	stored := e.load(t, session.ID)
	assert.Equal(t, models.SessionStatusCompleted, stored.Status)
	require.NotNil(t, stored.CompletedAt)
	assert.True(t, stored.CompletedAt.Equal(e.clock.Now()))

	// A retried final submission is answered without error.
	res = e.submit(t, "p1", session.ID, "thank_you", nil)
	assert.Equal(t, models.SessionStatusCompleted, res.Status)

	_, err := e.m.SubmitResponse(ctx, "p1", session.ID, Submission{BlockID: "q_no", Value: "changed"})
	assert.ErrorIs(t, err, ErrInvalidState)

	// A completed session no longer blocks a new one.
	again, created, err := e.m.Start(ctx, "p1", "s1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, session.ID, again.ID)
}

func TestCompletionAtLastStaticBlock(t *testing.T) {
	study := models.Study{ID: "s", Blocks: []models.BlockDef{
		{ID: "q", Type: models.BlockTypeYesNo},
		{ID: "last", Type: models.BlockTypeOpenQuestion},
	}}
	e := newTestEngine(t, study)
	session := e.start(t, "p1", "s")
	e.submit(t, "p1", session.ID, "q", true)
	res := e.submit(t, "p1", session.ID, "last", "done")
	assert.Equal(t, models.SessionStatusCompleted, res.Status)
}

func TestBranchFailureMarksSessionFailed(t *testing.T) {
	study := models.Study{ID: "s", Blocks: []models.BlockDef{
		{ID: "q", Type: models.BlockTypeYesNo, BranchRules: &models.BranchRules{
			Rules: []models.BranchRule{{
				ConditionLogic: models.Condition{Kind: models.ConditionEquals, BlockID: "q", Value: true},
				TargetBlockID:  "end",
			}},
		}},
		{ID: "end", Type: models.BlockTypeThankYou},
	}}
	e := newTestEngine(t, study)
	ctx := context.Background()
	session := e.start(t, "p1", "s")

	_, err := e.m.SubmitResponse(ctx, "p1", session.ID, Submission{BlockID: "q", Value: false})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBranchResolution)

	stored := e.load(t, session.ID)
	assert.Equal(t, models.SessionStatusFailed, stored.Status)
	assert.NotEmpty(t, stored.Fault)
	require.Contains(t, stored.Responses, "q", "the response that triggered the failure is kept")
	assert.Equal(t, false, stored.Responses["q"].Value)

	_, err = e.m.SubmitResponse(ctx, "p1", session.ID, Submission{BlockID: "q", Value: true})
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = e.m.Resume(ctx, "p1", session.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestResubmissionOverwritesValueAndAppendsAnalytics(t *testing.T) {
	study := models.Study{ID: "s", Blocks: []models.BlockDef{
		{ID: "q1", Type: models.BlockTypeOpenQuestion},
		{ID: "q2", Type: models.BlockTypeYesNo},
		{ID: "again", Type: models.BlockTypeConditionalBranch, BranchRules: &models.BranchRules{
			Rules: []models.BranchRule{{
				ConditionLogic: models.Condition{Kind: models.ConditionEquals, BlockID: "q2", Value: true},
				TargetBlockID:  "q1",
			}},
			DefaultTarget: "end",
		}},
		{ID: "end", Type: models.BlockTypeThankYou},
	}}
	e := newTestEngine(t, study)
	session := e.start(t, "p1", "s")

	e.submit(t, "p1", session.ID, "q1", "first")
	res := e.submit(t, "p1", session.ID, "q2", true)
	assert.Equal(t, "q1", res.NextBlockID)
	e.submit(t, "p1", session.ID, "q1", "second")

	stored := e.load(t, session.ID)
	resp := stored.Responses["q1"]
	assert.Equal(t, "second", resp.Value)
	assert.Equal(t, 2, resp.SubmissionCount)
	require.Len(t, resp.Analytics, 2)
	assert.Less(t, resp.Analytics[0].Sequence, resp.Analytics[1].Sequence)
}

func TestConcurrentDuplicateSubmissions(t *testing.T) {
	e := newTestEngine(t, testutil.BranchingStudy("s1"))
	// A second manager over the same store has its own in-process lock, so
	// cross-manager races are settled by the version check.
	replica := NewSessionManager(e.st, WithClock(e.clock.Now))
	session := e.start(t, "p1", "s1")
	e.submit(t, "p1", session.ID, "welcome", nil)

	var wg sync.WaitGroup
	results := make([]*SubmitResult, 12)
	errs := make([]error, len(results))
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := e.m
			if i%3 == 0 {
				m = replica
			}
			results[i], errs[i] = m.SubmitResponse(context.Background(), "p1", session.ID, Submission{
				BlockID: "mc1",
				Value:   "yes",
				Analytics: []models.Event{
					{Type: models.EventBlockStart},
					{Type: models.EventInteraction, Data: map[string]interface{}{"i": i}},
				},
			})
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, "q_yes", results[i].NextBlockID)
	}

	stored := e.load(t, session.ID)
	assert.Equal(t, "q_yes", stored.CurrentBlockID)
	assert.Equal(t, 1, stored.Responses["mc1"].SubmissionCount)

	var seqs []int64
	for _, resp := range stored.Responses {
		for _, ev := range resp.Analytics {
			seqs = append(seqs, ev.Sequence)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for i, s := range seqs {
		assert.Equal(t, int64(i+1), s, "sequence numbers are contiguous and unique")
	}
	assert.Equal(t, int64(len(seqs)+1), stored.NextSequence)
}

func TestSequenceMonotonicAcrossBlocks(t *testing.T) {
	e := newTestEngine(t, testutil.BranchingStudy("s1"))
	session := e.start(t, "p1", "s1")
	for _, step := range []struct {
		block string
		value interface{}
	}{{"welcome", nil}, {"mc1", "yes"}, {"q_yes", "ok"}, {"thank_you", nil}} {
		_, err := e.m.SubmitResponse(context.Background(), "p1", session.ID, Submission{
			BlockID:   step.block,
			Value:     step.value,
			Analytics: []models.Event{{Type: models.EventBlockStart}, {Type: models.EventInteraction}},
		})
		require.NoError(t, err)
	}

	stored := e.load(t, session.ID)
	last := int64(0)
	for _, block := range []string{"welcome", "mc1", "q_yes", "thank_you"} {
		for _, ev := range stored.Responses[block].Analytics {
			assert.Greater(t, ev.Sequence, last)
			last = ev.Sequence
		}
	}
}

func TestPauseResumeAbandon(t *testing.T) {
	e := newTestEngine(t, testutil.BranchingStudy("s1"))
	ctx := context.Background()
	session := e.start(t, "p1", "s1")
	e.submit(t, "p1", session.ID, "welcome", nil)

	paused, err := e.m.Pause(ctx, "p1", session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusPaused, paused.Status)

	again, err := e.m.Pause(ctx, "p1", session.ID)
	require.NoError(t, err, "pausing a paused session is a no-op")
	assert.Equal(t, paused.Version, again.Version)

	_, err = e.m.SubmitResponse(ctx, "p1", session.ID, Submission{BlockID: "mc1", Value: "yes"})
	assert.ErrorIs(t, err, ErrInvalidState)

	resumed, err := e.m.Resume(ctx, "p1", session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusActive, resumed.Status)
	assert.Equal(t, "mc1", resumed.CurrentBlockID)

	_, err = e.m.Resume(ctx, "p1", session.ID)
	require.NoError(t, err, "resuming an active session is a no-op")

	abandoned, err := e.m.Abandon(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusAbandoned, abandoned.Status)
	assert.Contains(t, abandoned.Responses, "welcome")

	_, err = e.m.Pause(ctx, "p1", session.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = e.m.Abandon(ctx, session.ID)
	assert.ErrorIs(t, err, ErrInvalidState)

	view, err := e.m.Get(ctx, "p1", session.ID)
	require.NoError(t, err)
	assert.False(t, view.Resumable)
	assert.Nil(t, view.CurrentBlock)
}

func TestResumeRechecksApproval(t *testing.T) {
	e := newTestEngine(t, testutil.BranchingStudy("s1"))
	ctx := context.Background()
	session := e.start(t, "p1", "s1")
	_, err := e.m.Pause(ctx, "p1", session.ID)
	require.NoError(t, err)

	testutil.SeedApplication(t, e.st, "p1", "s1", models.ApplicationStatusWithdrawn)
	_, err = e.m.Resume(ctx, "p1", session.ID)
	assert.ErrorIs(t, err, ErrNotApproved)
	assert.Equal(t, models.SessionStatusPaused, e.load(t, session.ID).Status)
}

func TestRevokedApprovalKeepsActiveSession(t *testing.T) {
	e := newTestEngine(t, testutil.BranchingStudy("s1"))
	session := e.start(t, "p1", "s1")
	testutil.SeedApplication(t, e.st, "p1", "s1", models.ApplicationStatusRejected)

	res := e.submit(t, "p1", session.ID, "welcome", nil)
	assert.Equal(t, "mc1", res.NextBlockID)
}

func TestSessionsAreScopedToOwner(t *testing.T) {
	e := newTestEngine(t, testutil.BranchingStudy("s1"))
	ctx := context.Background()
	session := e.start(t, "p1", "s1")

	_, err := e.m.Get(ctx, "p2", session.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = e.m.SubmitResponse(ctx, "p2", session.ID, Submission{BlockID: "welcome"})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = e.m.Pause(ctx, "p2", session.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = e.m.Get(ctx, "p1", "no-such-session")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = e.m.Get(ctx, "", session.ID)
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestBadShapeLeavesSessionUntouched(t *testing.T) {
	e := newTestEngine(t, testutil.BranchingStudy("s1"))
	session := e.start(t, "p1", "s1")
	e.submit(t, "p1", session.ID, "welcome", nil)
	before := e.load(t, session.ID)

	_, err := e.m.SubmitResponse(context.Background(), "p1", session.ID, Submission{BlockID: "mc1", Value: "maybe"})
	assert.ErrorIs(t, err, ErrBadShape)

	_, err = e.m.SubmitResponse(context.Background(), "p1", session.ID, Submission{
		BlockID: "mc1", Value: "yes", Analytics: []models.Event{{Type: "hover"}},
	})
	assert.ErrorIs(t, err, ErrBadShape)

	after := e.load(t, session.ID)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.NextSequence, after.NextSequence)
}

// flakyStore fails or stalls selected calls.
type flakyStore struct {
	*store.InMemoryStore
	failStudy  error
	stallStudy bool
}

func (f *flakyStore) GetStudy(ctx context.Context, id string) (*models.Study, error) {
	if f.stallStudy {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.failStudy != nil {
		return nil, f.failStudy
	}
	return f.InMemoryStore.GetStudy(ctx, id)
}

func TestStoreFailuresAreTransient(t *testing.T) {
	mem := store.NewInMemoryStore()
	testutil.SeedStudy(t, mem, testutil.BranchingStudy("s1"))
	testutil.SeedApplication(t, mem, "p1", "s1", models.ApplicationStatusApproved)

	fs := &flakyStore{InMemoryStore: mem, failStudy: errors.New("connection reset")}
	m := NewSessionManager(fs)
	_, _, err := m.Start(context.Background(), "p1", "s1")
	assert.ErrorIs(t, err, ErrTransient)

	fs.failStudy = nil
	fs.stallStudy = true
	m = NewSessionManager(fs, WithStoreTimeout(20*time.Millisecond))
	began := time.Now()
	_, _, err = m.Start(context.Background(), "p1", "s1")
	assert.ErrorIs(t, err, ErrTransient)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(began), 2*time.Second)
}

func TestAbandonIsAdministrative(t *testing.T) {
	e := newTestEngine(t, testutil.BranchingStudy("s1"))
	ctx := context.Background()
	session := e.start(t, "p1", "s1")
	e.submit(t, "p1", session.ID, "welcome", nil)

	abandoned, err := e.m.Abandon(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "p1", abandoned.ParticipantID)
	assert.Equal(t, models.SessionStatusAbandoned, abandoned.Status)

	_, err = e.m.Abandon(ctx, "no-such-session")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResponseMetricsByBlockType(t *testing.T) {
	st := store.NewInMemoryStore()
	testutil.SeedStudy(t, st, testutil.BranchingStudy("s1"))
	testutil.SeedApplication(t, st, "p1", "s1", models.ApplicationStatusApproved)
	metrics := observability.New()
	m := NewSessionManager(st, WithMetrics(metrics))
	ctx := context.Background()

	session, _, err := m.Start(ctx, "p1", "s1")
	require.NoError(t, err)
	for _, sub := range []Submission{
		{BlockID: "welcome"},
		{BlockID: "mc1", Value: "yes"},
		{BlockID: "mc1", Value: "yes"},
	} {
		_, err := m.SubmitResponse(ctx, "p1", session.ID, sub)
		require.NoError(t, err)
	}
	_, err = m.SubmitResponse(ctx, "p1", session.ID, Submission{BlockID: "welcome", Value: "changed"})
	assert.ErrorIs(t, err, ErrBlockMismatch)

	expected := `
# HELP studypipe_responses_recorded_total Responses recorded by block type.
# TYPE studypipe_responses_recorded_total counter
studypipe_responses_recorded_total{block_type="multiple_choice"} 1
studypipe_responses_recorded_total{block_type="welcome"} 1
`
	assert.NoError(t, promtestutil.GatherAndCompare(metrics.Registry(), strings.NewReader(expected), "studypipe_responses_recorded_total"),
		"replays and rejected submissions are not counted")
}

func TestWithIDGenerator(t *testing.T) {
	st := store.NewInMemoryStore()
	testutil.SeedStudy(t, st, testutil.BranchingStudy("s1"))
	testutil.SeedApplication(t, st, "p1", "s1", models.ApplicationStatusApproved)
	m := NewSessionManager(st, WithIDGenerator(func() string { return "session-fixed" }))

	session, created, err := m.Start(context.Background(), "p1", "s1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "session-fixed", session.ID)
}

// conflictingStore rejects every session write with a version conflict.
type conflictingStore struct {
	*store.InMemoryStore
	updates atomic.Int32
}

func (c *conflictingStore) UpdateSession(ctx context.Context, session *models.Session) error {
	c.updates.Add(1)
	return store.ErrVersionConflict
}

func TestWithMaxRetriesBoundsConflicts(t *testing.T) {
	mem := store.NewInMemoryStore()
	testutil.SeedStudy(t, mem, testutil.BranchingStudy("s1"))
	testutil.SeedApplication(t, mem, "p1", "s1", models.ApplicationStatusApproved)
	cs := &conflictingStore{InMemoryStore: mem}
	m := NewSessionManager(cs, WithMaxRetries(5))
	ctx := context.Background()

	session, _, err := m.Start(ctx, "p1", "s1")
	require.NoError(t, err)

	_, err = m.SubmitResponse(ctx, "p1", session.ID, Submission{BlockID: "welcome"})
	assert.ErrorIs(t, err, ErrTransient)
	assert.ErrorIs(t, err, store.ErrVersionConflict)
	assert.Equal(t, int32(5), cs.updates.Load())

	stored, err := mem.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "welcome", stored.CurrentBlockID)
}
