// Package store provides storage backends for StudyPipe.
//
// This file implements an SQLite-backed store for studies, applications and sessions.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/StudyPipe/internal/models"
	"github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY under
	// concurrent submissions and keeps the optimistic version check exact.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveStudy(ctx context.Context, study models.Study) error {
	blocksJSON, err := json.Marshal(study.Blocks)
	if err != nil {
		return fmt.Errorf("failed to marshal blocks for study %s: %w", study.ID, err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO studies (id, title, blocks_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			blocks_json = excluded.blocks_json,
			updated_at = excluded.updated_at`,
		study.ID, study.Title, string(blocksJSON), now, now)
	if err != nil {
		slog.Error("SQLiteStore SaveStudy failed", "error", err, "studyID", study.ID)
		return fmt.Errorf("failed to save study %s: %w", study.ID, err)
	}
	slog.Debug("SQLiteStore SaveStudy succeeded", "studyID", study.ID, "blocks", len(study.Blocks))
	return nil
}

func (s *SQLiteStore) GetStudy(ctx context.Context, studyID string) (*models.Study, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, title, blocks_json, created_at, updated_at FROM studies WHERE id = ?`, studyID)
	st, err := scanStudy(row)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetStudy not found", "studyID", studyID)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetStudy failed", "error", err, "studyID", studyID)
		return nil, err
	}
	return st, nil
}

func (s *SQLiteStore) SaveApplication(ctx context.Context, app models.Application) error {
	now := time.Now().UTC()
	if app.CreatedAt.IsZero() {
		app.CreatedAt = now
	}
	if app.UpdatedAt.IsZero() {
		app.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO applications (id, participant_id, study_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at`,
		app.ID, app.ParticipantID, app.StudyID, string(app.Status), app.CreatedAt.UTC(), app.UpdatedAt.UTC())
	if err != nil {
		slog.Error("SQLiteStore SaveApplication failed", "error", err, "applicationID", app.ID)
		return fmt.Errorf("failed to save application %s: %w", app.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetLatestApplication(ctx context.Context, participantID, studyID string) (*models.Application, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, participant_id, study_id, status, created_at, updated_at
		FROM applications WHERE participant_id = ? AND study_id = ?
		ORDER BY updated_at DESC LIMIT 1`, participantID, studyID)
	app, err := scanApplication(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetLatestApplication failed", "error", err, "participantID", participantID, "studyID", studyID)
		return nil, err
	}
	return app, nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, session *models.Session) error {
	stateJSON, err := session.StateJSON()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, study_id, participant_id, status, current_block_id, state_json, version, started_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?, ?)`,
		session.ID, session.StudyID, session.ParticipantID, string(session.Status), session.CurrentBlockID,
		stateJSON, session.StartedAt.UTC(), session.UpdatedAt.UTC(), nullTime(session.CompletedAt))
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return ErrOpenSessionExists
		}
		slog.Error("SQLiteStore CreateSession failed", "error", err, "sessionID", session.ID)
		return fmt.Errorf("failed to insert session %s: %w", session.ID, err)
	}
	session.Version = 1
	slog.Debug("SQLiteStore CreateSession succeeded", "sessionID", session.ID, "studyID", session.StudyID)
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetSession failed", "error", err, "sessionID", sessionID)
		return nil, err
	}
	return sess, nil
}

func (s *SQLiteStore) FindOpenSession(ctx context.Context, participantID, studyID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE participant_id = ? AND study_id = ? AND status IN ('active', 'paused')`, participantID, studyID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore FindOpenSession failed", "error", err, "participantID", participantID, "studyID", studyID)
		return nil, err
	}
	return sess, nil
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, session *models.Session) error {
	stateJSON, err := session.StateJSON()
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, current_block_id = ?, state_json = ?, version = version + 1,
			updated_at = ?, completed_at = ?
		WHERE id = ? AND version = ?`,
		string(session.Status), session.CurrentBlockID, stateJSON, session.UpdatedAt.UTC(),
		nullTime(session.CompletedAt), session.ID, session.Version)
	if err != nil {
		slog.Error("SQLiteStore UpdateSession failed", "error", err, "sessionID", session.ID)
		return fmt.Errorf("failed to update session %s: %w", session.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session rows affected check failed: %w", err)
	}
	if n == 0 {
		return s.classifyMissedUpdate(ctx, session.ID)
	}
	session.Version++
	return nil
}

// classifyMissedUpdate tells a stale version apart from a missing row.
func (s *SQLiteStore) classifyMissedUpdate(ctx context.Context, sessionID string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sessionID).Scan(&one)
	if err == sql.ErrNoRows {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("session existence check failed: %w", err)
	}
	return ErrVersionConflict
}

func (s *SQLiteStore) ListIdleSessions(ctx context.Context, idleBefore time.Time, limit int) ([]models.Session, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE status IN ('active', 'paused') AND updated_at < ?
		ORDER BY updated_at ASC LIMIT ?`, idleBefore.UTC(), limit)
	if err != nil {
		slog.Error("SQLiteStore ListIdleSessions query failed", "error", err)
		return nil, fmt.Errorf("failed to query idle sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (s *SQLiteStore) CountSessions(ctx context.Context, studyID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE study_id = ?`, studyID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count sessions for study %s: %w", studyID, err)
	}
	return n, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	} else {
		slog.Debug("SQLite database connection closed successfully")
	}
	return err
}
