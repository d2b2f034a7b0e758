// Package models defines session, response and application structures.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// SessionStatus is the lifecycle state of a participant session.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusPaused    SessionStatus = "paused"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusAbandoned SessionStatus = "abandoned"
	// SessionStatusFailed marks a session halted by a study configuration
	// defect (no branch rule matched and no default target).
	SessionStatusFailed SessionStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed out of s.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusAbandoned, SessionStatusFailed:
		return true
	default:
		return false
	}
}

// ApplicationStatus is the review state of a participant's application.
type ApplicationStatus string

const (
	ApplicationStatusPending   ApplicationStatus = "pending"
	ApplicationStatusApproved  ApplicationStatus = "approved"
	ApplicationStatusRejected  ApplicationStatus = "rejected"
	ApplicationStatusWithdrawn ApplicationStatus = "withdrawn"
)

// Application is a participant's request to join a study. It is owned by the
// review workflow; the session engine only reads it.
type Application struct {
	ID            string            `json:"id" yaml:"id"`
	ParticipantID string            `json:"participant_id" yaml:"participant_id"`
	StudyID       string            `json:"study_id" yaml:"study_id"`
	Status        ApplicationStatus `json:"status" yaml:"status"`
	CreatedAt     time.Time         `json:"created_at" yaml:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at" yaml:"updated_at"`
}

// EventType enumerates analytics event kinds.
type EventType string

const (
	EventBlockStart    EventType = "block_start"
	EventInteraction   EventType = "interaction"
	EventBlockComplete EventType = "block_complete"
)

// IsValidEventType reports whether t is a known analytics event type.
func IsValidEventType(t EventType) bool {
	switch t {
	case EventBlockStart, EventInteraction, EventBlockComplete:
		return true
	default:
		return false
	}
}

// Event is one timestamped interaction record. Sequence is assigned by the
// engine and increases monotonically across the whole session.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Sequence  int64                  `json:"sequence"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// ResponseMetadata summarises how the participant interacted with a block.
type ResponseMetadata struct {
	TimeSpentMs      int64 `json:"timeSpentMs"`
	InteractionCount int   `json:"interactionCount"`
}

// Response is the recorded answer for one block. Resubmission overwrites
// Value and Metadata and appends to Analytics.
type Response struct {
	BlockID         string           `json:"blockId"`
	BlockType       BlockType        `json:"blockType"`
	Value           interface{}      `json:"value"`
	Metadata        ResponseMetadata `json:"metadata"`
	Analytics       []Event          `json:"analytics"`
	SubmittedAt     time.Time        `json:"submittedAt"`
	SubmissionCount int              `json:"submissionCount"`
}

// Session is one participant's run through a study's blocks.
type Session struct {
	ID             string                `json:"id"`
	StudyID        string                `json:"study_id"`
	ParticipantID  string                `json:"participant_id"`
	Status         SessionStatus         `json:"status"`
	CurrentBlockID string                `json:"current_block_id"`
	Responses      map[string]Response   `json:"responses"`
	FollowUps      map[string][]BlockDef `json:"follow_ups,omitempty"`
	NextSequence   int64                 `json:"next_sequence"`
	Fault          string                `json:"fault,omitempty"`
	Version        int64                 `json:"version"`
	StartedAt      time.Time             `json:"started_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
	CompletedAt    *time.Time            `json:"completed_at,omitempty"`
}

// sessionState is the serialized portion of a session that is stored as a
// single JSON document next to the indexed columns.
type sessionState struct {
	Responses    map[string]Response   `json:"responses"`
	FollowUps    map[string][]BlockDef `json:"follow_ups,omitempty"`
	NextSequence int64                 `json:"next_sequence"`
	Fault        string                `json:"fault,omitempty"`
}

// StateJSON serializes the responses, follow-ups and sequence counter.
func (s *Session) StateJSON() (string, error) {
	b, err := json.Marshal(sessionState{
		Responses:    s.Responses,
		FollowUps:    s.FollowUps,
		NextSequence: s.NextSequence,
		Fault:        s.Fault,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal session state: %w", err)
	}
	return string(b), nil
}

// LoadStateJSON restores the fields written by StateJSON.
func (s *Session) LoadStateJSON(raw string) error {
	var st sessionState
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			return fmt.Errorf("failed to unmarshal session state: %w", err)
		}
	}
	if st.Responses == nil {
		st.Responses = make(map[string]Response)
	}
	s.Responses = st.Responses
	s.FollowUps = st.FollowUps
	s.NextSequence = st.NextSequence
	s.Fault = st.Fault
	return nil
}

// Clone returns a deep copy so callers can mutate a session without
// affecting the stored original.
func (s *Session) Clone() (*Session, error) {
	raw, err := s.StateJSON()
	if err != nil {
		return nil, err
	}
	c := *s
	if err := c.LoadStateJSON(raw); err != nil {
		return nil, err
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c, nil
}
