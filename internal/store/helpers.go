package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/StudyPipe/internal/models"
)

// DSN types returned by DetectDSNType.
const (
	DSNTypePostgres = "postgres"
	DSNTypeSQLite   = "sqlite"
)

// DetectDSNType classifies a DSN as PostgreSQL or SQLite.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return DSNTypePostgres
	}
	return DSNTypeSQLite
}

// sessionColumns is the column list shared by every session SELECT.
const sessionColumns = `id, study_id, participant_id, status, current_block_id, state_json, version, started_at, updated_at, completed_at`

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanSession scans a Session from a row selected with sessionColumns.
func scanSession(row rowScanner) (*models.Session, error) {
	var s models.Session
	var status, stateJSON string
	var completedAt sql.NullTime
	err := row.Scan(
		&s.ID, &s.StudyID, &s.ParticipantID, &status, &s.CurrentBlockID, &stateJSON,
		&s.Version, &s.StartedAt, &s.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Status = models.SessionStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		s.CompletedAt = &t
	}
	if err := s.LoadStateJSON(stateJSON); err != nil {
		return nil, fmt.Errorf("session %s: %w", s.ID, err)
	}
	return &s, nil
}

// scanSessions drains rows into a slice.
func scanSessions(rows *sql.Rows) ([]models.Session, error) {
	var sessions []models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session failed: %w", err)
		}
		sessions = append(sessions, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions failed: %w", err)
	}
	return sessions, nil
}

// scanApplication scans an Application row.
func scanApplication(row rowScanner) (*models.Application, error) {
	var a models.Application
	var status string
	if err := row.Scan(&a.ID, &a.ParticipantID, &a.StudyID, &status, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Status = models.ApplicationStatus(status)
	return &a, nil
}

// scanStudy scans a Study row whose blocks are stored as JSON.
func scanStudy(row rowScanner) (*models.Study, error) {
	var st models.Study
	var blocksJSON string
	if err := row.Scan(&st.ID, &st.Title, &blocksJSON, &st.CreatedAt, &st.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(blocksJSON), &st.Blocks); err != nil {
		return nil, fmt.Errorf("study %s: failed to unmarshal blocks: %w", st.ID, err)
	}
	return &st, nil
}

// nullTime converts an optional time into a nullable column value.
func nullTime(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC()
}
