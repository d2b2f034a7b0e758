package flow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/StudyPipe/internal/models"
	"github.com/BTreeMap/StudyPipe/internal/store"
	"github.com/BTreeMap/StudyPipe/internal/testutil"
)

type failingGenerator struct{}

func (failingGenerator) Generate(ctx context.Context, base models.BlockDef, answer string) ([]models.BlockDef, error) {
	return nil, errors.New("model unavailable")
}

func newRecorderFixture(t *testing.T, study models.Study, gen FollowUpGenerator) (*ResponseRecorder, *BlockGraph, *models.Session) {
	t.Helper()
	clock := testutil.NewClock(time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC))
	r := NewResponseRecorder(NewBranchResolver(), NewAnalyticsCollector(clock.Now), gen, clock.Now)
	first, ok := NewBlockGraph(study).First()
	require.True(t, ok)
	session := &models.Session{
		ID:             "sess",
		StudyID:        study.ID,
		Status:         models.SessionStatusActive,
		CurrentBlockID: first.ID,
		Responses:      map[string]models.Response{},
		NextSequence:   1,
	}
	return r, NewBlockGraph(study), session
}

func TestRecordReplaysDuplicateSubmission(t *testing.T) {
	r, g, session := newRecorderFixture(t, testutil.BranchingStudy("s"), nil)
	ctx := context.Background()

	_, err := r.Record(ctx, session, g, Submission{BlockID: "welcome"})
	require.NoError(t, err)
	res, err := r.Record(ctx, session, g, Submission{BlockID: "mc1", Value: "yes"})
	require.NoError(t, err)
	assert.Equal(t, RecordResult{NextBlockID: "q_yes", BlockType: models.BlockTypeMultipleChoice}, res)
	seq := session.NextSequence

	res, err = r.Record(ctx, session, g, Submission{BlockID: "mc1", Value: "yes"})
	require.NoError(t, err)
	assert.Equal(t, RecordResult{NextBlockID: "q_yes", Replayed: true}, res)
	assert.Equal(t, 1, session.Responses["mc1"].SubmissionCount)
	assert.Equal(t, seq, session.NextSequence)
	assert.Equal(t, "q_yes", session.CurrentBlockID)

	_, err = r.Record(ctx, session, g, Submission{BlockID: "mc1", Value: "no"})
	assert.ErrorIs(t, err, ErrBlockMismatch)
}

func TestRecordTerminalBlock(t *testing.T) {
	r, g, session := newRecorderFixture(t, testutil.BranchingStudy("s"), nil)
	ctx := context.Background()
	for _, sub := range []Submission{
		{BlockID: "welcome"},
		{BlockID: "mc1", Value: "yes"},
		{BlockID: "q_yes", Value: "because"},
	} {
		_, err := r.Record(ctx, session, g, sub)
		require.NoError(t, err)
	}

	res, err := r.Record(ctx, session, g, Submission{BlockID: "thank_you"})
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Empty(t, res.NextBlockID)
	assert.Contains(t, session.Responses, "thank_you")

	session.Status = models.SessionStatusCompleted
	res, err = r.Record(ctx, session, g, Submission{BlockID: "thank_you"})
	require.NoError(t, err)
	assert.Equal(t, RecordResult{Completed: true, Replayed: true}, res)

	_, err = r.Record(ctx, session, g, Submission{BlockID: "q_no", Value: "late"})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRecordRequiresActiveSession(t *testing.T) {
	r, g, session := newRecorderFixture(t, testutil.BranchingStudy("s"), nil)
	session.Status = models.SessionStatusPaused
	_, err := r.Record(context.Background(), session, g, Submission{BlockID: "welcome"})
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Empty(t, session.Responses)
}

func TestRecordFallsBackToTemplatesWhenGeneratorFails(t *testing.T) {
	r, g, session := newRecorderFixture(t, testutil.FollowUpStudy("s", 2), failingGenerator{})
	ctx := context.Background()

	_, err := r.Record(ctx, session, g, Submission{BlockID: "welcome"})
	require.NoError(t, err)
	res, err := r.Record(ctx, session, g, Submission{BlockID: "base", Value: "price"})
	require.NoError(t, err)

	assert.Equal(t, "base::followup::0", res.NextBlockID)
	require.Len(t, session.FollowUps["base"], 2)
	assert.Contains(t, session.FollowUps["base"][0].Settings.String(models.SettingPrompt), "price")
}

// stalledGenerator blocks until its context ends.
type stalledGenerator struct{}

func (stalledGenerator) Generate(ctx context.Context, base models.BlockDef, answer string) ([]models.BlockDef, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRecordBoundsSlowGenerator(t *testing.T) {
	r, g, session := newRecorderFixture(t, testutil.FollowUpStudy("s", 2), stalledGenerator{})
	r.generationTimeout = 20 * time.Millisecond
	ctx := context.Background()

	_, err := r.Record(ctx, session, g, Submission{BlockID: "welcome"})
	require.NoError(t, err)
	began := time.Now()
	res, err := r.Record(ctx, session, g, Submission{BlockID: "base", Value: "price"})
	require.NoError(t, err)
	assert.Less(t, time.Since(began), 2*time.Second)

	assert.Equal(t, "base::followup::0", res.NextBlockID)
	assert.Equal(t, models.BlockTypeAIFollowUp, res.BlockType)
	require.Len(t, session.FollowUps["base"], 2, "templates replace the timed out generation")
}

func TestWithGenerationTimeoutReachesRecorder(t *testing.T) {
	m := NewSessionManager(store.NewInMemoryStore(), WithGenerationTimeout(3*time.Second))
	assert.Equal(t, 3*time.Second, m.recorder.generationTimeout)

	m = NewSessionManager(store.NewInMemoryStore())
	assert.Equal(t, DefaultGenerationTimeout, m.recorder.generationTimeout)
}
