// Package store provides storage backends for StudyPipe.
//
// This file implements a PostgreSQL-backed store for studies, applications and sessions.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/StudyPipe/internal/models"
	"github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) SaveStudy(ctx context.Context, study models.Study) error {
	blocksJSON, err := json.Marshal(study.Blocks)
	if err != nil {
		return fmt.Errorf("failed to marshal blocks for study %s: %w", study.ID, err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO studies (id, title, blocks_json, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			blocks_json = EXCLUDED.blocks_json,
			updated_at = EXCLUDED.updated_at`,
		study.ID, study.Title, string(blocksJSON), now, now)
	if err != nil {
		slog.Error("PostgresStore SaveStudy failed", "error", err, "studyID", study.ID)
		return fmt.Errorf("failed to save study %s: %w", study.ID, err)
	}
	slog.Debug("PostgresStore SaveStudy succeeded", "studyID", study.ID, "blocks", len(study.Blocks))
	return nil
}

func (s *PostgresStore) GetStudy(ctx context.Context, studyID string) (*models.Study, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, title, blocks_json, created_at, updated_at FROM studies WHERE id = $1`, studyID)
	st, err := scanStudy(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetStudy failed", "error", err, "studyID", studyID)
		return nil, err
	}
	return st, nil
}

func (s *PostgresStore) SaveApplication(ctx context.Context, app models.Application) error {
	now := time.Now().UTC()
	if app.CreatedAt.IsZero() {
		app.CreatedAt = now
	}
	if app.UpdatedAt.IsZero() {
		app.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO applications (id, participant_id, study_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		app.ID, app.ParticipantID, app.StudyID, string(app.Status), app.CreatedAt.UTC(), app.UpdatedAt.UTC())
	if err != nil {
		slog.Error("PostgresStore SaveApplication failed", "error", err, "applicationID", app.ID)
		return fmt.Errorf("failed to save application %s: %w", app.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetLatestApplication(ctx context.Context, participantID, studyID string) (*models.Application, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, participant_id, study_id, status, created_at, updated_at
		FROM applications WHERE participant_id = $1 AND study_id = $2
		ORDER BY updated_at DESC LIMIT 1`, participantID, studyID)
	app, err := scanApplication(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetLatestApplication failed", "error", err, "participantID", participantID, "studyID", studyID)
		return nil, err
	}
	return app, nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, session *models.Session) error {
	stateJSON, err := session.StateJSON()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, study_id, participant_id, status, current_block_id, state_json, version, started_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $8, $9)`,
		session.ID, session.StudyID, session.ParticipantID, string(session.Status), session.CurrentBlockID,
		stateJSON, session.StartedAt.UTC(), session.UpdatedAt.UTC(), nullTime(session.CompletedAt))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation {
			return ErrOpenSessionExists
		}
		slog.Error("PostgresStore CreateSession failed", "error", err, "sessionID", session.ID)
		return fmt.Errorf("failed to insert session %s: %w", session.ID, err)
	}
	session.Version = 1
	slog.Debug("PostgresStore CreateSession succeeded", "sessionID", session.ID, "studyID", session.StudyID)
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, sessionID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetSession failed", "error", err, "sessionID", sessionID)
		return nil, err
	}
	return sess, nil
}

func (s *PostgresStore) FindOpenSession(ctx context.Context, participantID, studyID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE participant_id = $1 AND study_id = $2 AND status IN ('active', 'paused')`, participantID, studyID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore FindOpenSession failed", "error", err, "participantID", participantID, "studyID", studyID)
		return nil, err
	}
	return sess, nil
}

func (s *PostgresStore) UpdateSession(ctx context.Context, session *models.Session) error {
	stateJSON, err := session.StateJSON()
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = $1, current_block_id = $2, state_json = $3, version = version + 1,
			updated_at = $4, completed_at = $5
		WHERE id = $6 AND version = $7`,
		string(session.Status), session.CurrentBlockID, stateJSON, session.UpdatedAt.UTC(),
		nullTime(session.CompletedAt), session.ID, session.Version)
	if err != nil {
		slog.Error("PostgresStore UpdateSession failed", "error", err, "sessionID", session.ID)
		return fmt.Errorf("failed to update session %s: %w", session.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session rows affected check failed: %w", err)
	}
	if n == 0 {
		var one int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = $1`, session.ID).Scan(&one)
		if err == sql.ErrNoRows {
			return ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("session existence check failed: %w", err)
		}
		return ErrVersionConflict
	}
	session.Version++
	return nil
}

func (s *PostgresStore) ListIdleSessions(ctx context.Context, idleBefore time.Time, limit int) ([]models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE status IN ('active', 'paused') AND updated_at < $1
		ORDER BY updated_at ASC`
	args := []interface{}{idleBefore.UTC()}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("PostgresStore ListIdleSessions query failed", "error", err)
		return nil, fmt.Errorf("failed to query idle sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (s *PostgresStore) CountSessions(ctx context.Context, studyID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE study_id = $1`, studyID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count sessions for study %s: %w", studyID, err)
	}
	return n, nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	} else {
		slog.Debug("PostgreSQL database connection closed successfully")
	}
	return err
}
