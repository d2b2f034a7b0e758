// Package store provides storage backends for StudyPipe.
//
// It includes an in-memory store for tests and local runs plus SQLite and
// PostgreSQL stores for persistent deployments. All backends enforce at most
// one non-terminal session per (participant, study) pair and optimistic
// concurrency on session updates.
package store

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/StudyPipe/internal/models"
)

var (
	// ErrVersionConflict is returned by UpdateSession when the stored version
	// no longer matches the version the caller loaded.
	ErrVersionConflict = errors.New("session version conflict")
	// ErrOpenSessionExists is returned by CreateSession when the pair already
	// has an active or paused session.
	ErrOpenSessionExists = errors.New("open session already exists for participant and study")
	// ErrSessionNotFound is returned by UpdateSession when the row is missing.
	ErrSessionNotFound = errors.New("session not found")
)

// Store is the persistence contract used by the session engine. Getters
// return (nil, nil) when the record does not exist.
type Store interface {
	SaveStudy(ctx context.Context, study models.Study) error
	GetStudy(ctx context.Context, studyID string) (*models.Study, error)

	SaveApplication(ctx context.Context, app models.Application) error
	// GetLatestApplication returns the most recently updated application for the pair.
	GetLatestApplication(ctx context.Context, participantID, studyID string) (*models.Application, error)

	// CreateSession inserts a new session with version 1.
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	// FindOpenSession returns the active or paused session for the pair.
	FindOpenSession(ctx context.Context, participantID, studyID string) (*models.Session, error)
	// UpdateSession writes the session if its Version matches the stored one
	// and increments Version on success.
	UpdateSession(ctx context.Context, session *models.Session) error
	// ListIdleSessions returns active or paused sessions last updated before idleBefore.
	ListIdleSessions(ctx context.Context, idleBefore time.Time, limit int) ([]models.Session, error)
	// CountSessions returns how many sessions reference the study.
	CountSessions(ctx context.Context, studyID string) (int, error)

	Close() error
}

// Opts holds configuration for store backends.
type Opts struct {
	DSN string
}

// Option configures a store backend.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// InMemoryStore is a mutex-guarded map store. Sessions are deep-copied on
// the way in and out so callers never share state with the store.
type InMemoryStore struct {
	mu           sync.RWMutex
	studies      map[string]models.Study
	applications map[string]models.Application
	sessions     map[string]*models.Session
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		studies:      make(map[string]models.Study),
		applications: make(map[string]models.Application),
		sessions:     make(map[string]*models.Session),
	}
}

func (s *InMemoryStore) SaveStudy(ctx context.Context, study models.Study) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := s.studies[study.ID]; ok {
		study.CreatedAt = existing.CreatedAt
	} else if study.CreatedAt.IsZero() {
		study.CreatedAt = now
	}
	study.UpdatedAt = now
	s.studies[study.ID] = study
	slog.Debug("InMemoryStore.SaveStudy", "studyID", study.ID, "blocks", len(study.Blocks))
	return nil
}

func (s *InMemoryStore) GetStudy(ctx context.Context, studyID string) (*models.Study, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	study, ok := s.studies[studyID]
	if !ok {
		return nil, nil
	}
	return &study, nil
}

func (s *InMemoryStore) SaveApplication(ctx context.Context, app models.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if app.CreatedAt.IsZero() {
		app.CreatedAt = now
	}
	if app.UpdatedAt.IsZero() {
		app.UpdatedAt = now
	}
	s.applications[app.ID] = app
	return nil
}

func (s *InMemoryStore) GetLatestApplication(ctx context.Context, participantID, studyID string) (*models.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *models.Application
	for _, app := range s.applications {
		if app.ParticipantID != participantID || app.StudyID != studyID {
			continue
		}
		if latest == nil || app.UpdatedAt.After(latest.UpdatedAt) {
			a := app
			latest = &a
		}
	}
	return latest, nil
}

func (s *InMemoryStore) CreateSession(ctx context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.sessions {
		if existing.ParticipantID == session.ParticipantID && existing.StudyID == session.StudyID && !existing.Status.IsTerminal() {
			return ErrOpenSessionExists
		}
	}
	session.Version = 1
	stored, err := session.Clone()
	if err != nil {
		return err
	}
	s.sessions[session.ID] = stored
	slog.Debug("InMemoryStore.CreateSession", "sessionID", session.ID)
	return nil
}

func (s *InMemoryStore) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return stored.Clone()
}

func (s *InMemoryStore) FindOpenSession(ctx context.Context, participantID, studyID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, existing := range s.sessions {
		if existing.ParticipantID == participantID && existing.StudyID == studyID && !existing.Status.IsTerminal() {
			return existing.Clone()
		}
	}
	return nil, nil
}

func (s *InMemoryStore) UpdateSession(ctx context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.sessions[session.ID]
	if !ok {
		return ErrSessionNotFound
	}
	if stored.Version != session.Version {
		return ErrVersionConflict
	}
	session.Version++
	updated, err := session.Clone()
	if err != nil {
		session.Version--
		return err
	}
	s.sessions[session.ID] = updated
	return nil
}

func (s *InMemoryStore) ListIdleSessions(ctx context.Context, idleBefore time.Time, limit int) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var idle []models.Session
	for _, existing := range s.sessions {
		if existing.Status.IsTerminal() || !existing.UpdatedAt.Before(idleBefore) {
			continue
		}
		c, err := existing.Clone()
		if err != nil {
			return nil, err
		}
		idle = append(idle, *c)
	}
	sort.Slice(idle, func(i, j int) bool { return idle[i].UpdatedAt.Before(idle[j].UpdatedAt) })
	if limit > 0 && len(idle) > limit {
		idle = idle[:limit]
	}
	return idle, nil
}

func (s *InMemoryStore) CountSessions(ctx context.Context, studyID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, existing := range s.sessions {
		if existing.StudyID == studyID {
			n++
		}
	}
	return n, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}

// Open selects a backend from the DSN: empty uses memory, Postgres URLs use
// PostgresStore, anything else is treated as an SQLite file path.
func Open(dsn string) (Store, error) {
	switch {
	case dsn == "":
		slog.Warn("No database DSN provided, using in-memory store; sessions will not survive restarts")
		return NewInMemoryStore(), nil
	case DetectDSNType(dsn) == DSNTypePostgres:
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return NewPostgresStore(WithPostgresDSN(dsn))
	default:
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
		return NewSQLiteStore(WithSQLiteDSN(dsn))
	}
}
