package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/BTreeMap/StudyPipe/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(id, participantID, studyID string, updatedAt time.Time) *models.Session {
	return &models.Session{
		ID:             id,
		StudyID:        studyID,
		ParticipantID:  participantID,
		Status:         models.SessionStatusActive,
		CurrentBlockID: "welcome",
		Responses:      map[string]models.Response{},
		StartedAt:      updatedAt,
		UpdatedAt:      updatedAt,
	}
}

// runStoreConformance exercises the Store contract against any backend.
func runStoreConformance(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("study round trip", func(t *testing.T) {
		s := newStore(t)
		study := models.Study{
			ID:    "study-1",
			Title: "Coffee habits",
			Blocks: []models.BlockDef{
				{ID: "welcome", Type: models.BlockTypeWelcome},
				{ID: "mc1", Type: models.BlockTypeMultipleChoice, Order: 1,
					Settings: models.Settings{"options": []interface{}{"yes", "no"}},
					BranchRules: &models.BranchRules{
						Rules: []models.BranchRule{{
							ConditionLogic: models.Condition{Kind: models.ConditionEquals, BlockID: "mc1", Value: "yes"},
							TargetBlockID:  "thanks",
						}},
						DefaultTarget: "thanks",
					}},
				{ID: "thanks", Type: models.BlockTypeThankYou, Order: 2},
			},
		}
		require.NoError(t, s.SaveStudy(ctx, study))

		got, err := s.GetStudy(ctx, "study-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "Coffee habits", got.Title)
		require.Len(t, got.Blocks, 3)
		assert.Equal(t, []string{"yes", "no"}, got.Blocks[1].Settings.Strings("options"))
		require.NotNil(t, got.Blocks[1].BranchRules)
		assert.Equal(t, "thanks", got.Blocks[1].BranchRules.DefaultTarget)

		missing, err := s.GetStudy(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("latest application wins", func(t *testing.T) {
		s := newStore(t)
		base := time.Now().UTC().Add(-time.Hour)
		require.NoError(t, s.SaveApplication(ctx, models.Application{
			ID: "app-1", ParticipantID: "p1", StudyID: "s1", Status: models.ApplicationStatusApproved,
			CreatedAt: base, UpdatedAt: base,
		}))
		require.NoError(t, s.SaveApplication(ctx, models.Application{
			ID: "app-2", ParticipantID: "p1", StudyID: "s1", Status: models.ApplicationStatusWithdrawn,
			CreatedAt: base.Add(time.Minute), UpdatedAt: base.Add(time.Minute),
		}))

		app, err := s.GetLatestApplication(ctx, "p1", "s1")
		require.NoError(t, err)
		require.NotNil(t, app)
		assert.Equal(t, "app-2", app.ID)
		assert.Equal(t, models.ApplicationStatusWithdrawn, app.Status)

		none, err := s.GetLatestApplication(ctx, "p2", "s1")
		require.NoError(t, err)
		assert.Nil(t, none)
	})

	t.Run("one open session per pair", func(t *testing.T) {
		s := newStore(t)
		now := time.Now().UTC()
		first := newTestSession("sess-1", "p1", "s1", now)
		require.NoError(t, s.CreateSession(ctx, first))
		assert.Equal(t, int64(1), first.Version)

		dup := newTestSession("sess-2", "p1", "s1", now)
		assert.ErrorIs(t, s.CreateSession(ctx, dup), ErrOpenSessionExists)

		open, err := s.FindOpenSession(ctx, "p1", "s1")
		require.NoError(t, err)
		require.NotNil(t, open)
		assert.Equal(t, "sess-1", open.ID)

		// Once terminal, a new session may be created for the pair.
		first.Status = models.SessionStatusCompleted
		completedAt := now
		first.CompletedAt = &completedAt
		require.NoError(t, s.UpdateSession(ctx, first))
		require.NoError(t, s.CreateSession(ctx, dup))

		n, err := s.CountSessions(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("optimistic version check", func(t *testing.T) {
		s := newStore(t)
		now := time.Now().UTC()
		sess := newTestSession("sess-v", "p1", "s1", now)
		require.NoError(t, s.CreateSession(ctx, sess))

		a, err := s.GetSession(ctx, "sess-v")
		require.NoError(t, err)
		b, err := s.GetSession(ctx, "sess-v")
		require.NoError(t, err)

		a.CurrentBlockID = "q1"
		a.NextSequence = 3
		a.Responses["welcome"] = models.Response{
			BlockID: "welcome", BlockType: models.BlockTypeWelcome,
			Analytics: []models.Event{{Type: models.EventBlockComplete, Timestamp: now, Sequence: 1}},
		}
		require.NoError(t, s.UpdateSession(ctx, a))
		assert.Equal(t, int64(2), a.Version)

		b.CurrentBlockID = "q2"
		assert.ErrorIs(t, s.UpdateSession(ctx, b), ErrVersionConflict)

		got, err := s.GetSession(ctx, "sess-v")
		require.NoError(t, err)
		assert.Equal(t, "q1", got.CurrentBlockID)
		assert.Equal(t, int64(3), got.NextSequence)
		require.Contains(t, got.Responses, "welcome")
		assert.Equal(t, int64(1), got.Responses["welcome"].Analytics[0].Sequence)

		ghost := newTestSession("ghost", "p9", "s9", now)
		ghost.Version = 1
		assert.ErrorIs(t, s.UpdateSession(ctx, ghost), ErrSessionNotFound)
	})

	t.Run("idle sessions", func(t *testing.T) {
		s := newStore(t)
		now := time.Now().UTC()
		require.NoError(t, s.CreateSession(ctx, newTestSession("old", "p1", "s1", now.Add(-2*time.Hour))))
		require.NoError(t, s.CreateSession(ctx, newTestSession("fresh", "p2", "s1", now)))
		done := newTestSession("done", "p3", "s1", now.Add(-3*time.Hour))
		done.Status = models.SessionStatusCompleted
		require.NoError(t, s.CreateSession(ctx, done))

		idle, err := s.ListIdleSessions(ctx, now.Add(-time.Hour), 10)
		require.NoError(t, err)
		require.Len(t, idle, 1)
		assert.Equal(t, "old", idle[0].ID)
	})

	t.Run("concurrent creates settle on one session", func(t *testing.T) {
		s := newStore(t)
		now := time.Now().UTC()
		var wg sync.WaitGroup
		var mu sync.Mutex
		created := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := s.CreateSession(ctx, newTestSession(fmt.Sprintf("race-%d", i), "p1", "s-race", now))
				if err == nil {
					mu.Lock()
					created++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, created)
	})
}

func TestInMemoryStore(t *testing.T) {
	runStoreConformance(t, func(t *testing.T) Store {
		return NewInMemoryStore()
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreConformance(t, func(t *testing.T) Store {
		dbPath := filepath.Join(t.TempDir(), "nested", "studypipe.db")
		s, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "studypipe.db")

	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	require.NoError(t, err)
	sess := newTestSession("sess-r", "p1", "s1", time.Now().UTC())
	sess.FollowUps = map[string][]models.BlockDef{
		"why": {{ID: "why::followup::0", Type: models.BlockTypeAIFollowUpQuestion}},
	}
	require.NoError(t, s1.CreateSession(ctx, sess))
	require.NoError(t, s1.Close())

	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	require.NoError(t, err)
	defer s2.Close()
	got, err := s2.GetSession(ctx, "sess-r")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Len(t, got.FollowUps["why"], 1)
	assert.Equal(t, "why::followup::0", got.FollowUps["why"][0].ID)
}

func TestPostgresStore(t *testing.T) {
	// Requires a running PostgreSQL instance; set DATABASE_URL to a scratch database.
	connStr := getenvOrSkip(t, "DATABASE_URL")
	runStoreConformance(t, func(t *testing.T) Store {
		pgStore, err := NewPostgresStore(WithPostgresDSN(connStr))
		if err != nil {
			t.Skipf("Postgres not available: %v", err)
		}
		pgStore.db.Exec("DELETE FROM sessions")
		pgStore.db.Exec("DELETE FROM applications")
		pgStore.db.Exec("DELETE FROM studies")
		t.Cleanup(func() { pgStore.Close() })
		return pgStore
	})
}

func TestDetectDSNType(t *testing.T) {
	assert.Equal(t, DSNTypePostgres, DetectDSNType("postgres://u:p@localhost/db"))
	assert.Equal(t, DSNTypePostgres, DetectDSNType("host=localhost dbname=studypipe"))
	assert.Equal(t, DSNTypeSQLite, DetectDSNType("/var/lib/studypipe/studypipe.db"))
}

func getenvOrSkip(t *testing.T, key string) string {
	v := ""
	if val, ok := syscall.Getenv(key); ok {
		v = val
	}
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}
