// Package testutil provides common fixtures and helpers for StudyPipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/StudyPipe/internal/models"
	"github.com/BTreeMap/StudyPipe/internal/store"
)

// ParticipantHeader carries the authenticated participant id on HTTP requests.
const ParticipantHeader = "X-Participant-ID"

// Clock is a manually advanced clock for deterministic time-based tests.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock fixed at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// BranchingStudy returns the welcome → mc1 → (q_yes | q_no) → thank_you study.
func BranchingStudy(id string) models.Study {
	return models.Study{
		ID:    id,
		Title: "Branching study",
		Blocks: []models.BlockDef{
			{ID: "welcome", Type: models.BlockTypeWelcome, Order: 0},
			{ID: "mc1", Type: models.BlockTypeMultipleChoice, Order: 1,
				Settings: models.Settings{models.SettingOptions: []interface{}{"yes", "no"}},
				BranchRules: &models.BranchRules{
					Rules: []models.BranchRule{{
						ConditionLogic: models.Condition{Kind: models.ConditionEquals, BlockID: "mc1", Value: "yes"},
						TargetBlockID:  "q_yes",
					}},
					DefaultTarget: "q_no",
				}},
			{ID: "q_yes", Type: models.BlockTypeOpenQuestion, Order: 2,
				BranchRules: &models.BranchRules{DefaultTarget: "thank_you"}},
			{ID: "q_no", Type: models.BlockTypeOpenQuestion, Order: 3},
			{ID: "thank_you", Type: models.BlockTypeThankYou, Order: 4},
		},
	}
}

// FollowUpStudy returns a study whose "base" block generates count follow-ups.
func FollowUpStudy(id string, count int) models.Study {
	return models.Study{
		ID:    id,
		Title: "Follow-up study",
		Blocks: []models.BlockDef{
			{ID: "welcome", Type: models.BlockTypeWelcome, Order: 0},
			{ID: "base", Type: models.BlockTypeAIFollowUp, Order: 1,
				Settings: models.Settings{
					models.SettingBaseQuestion:  "Why?",
					models.SettingFollowUpCount: count,
				}},
			{ID: "scale", Type: models.BlockTypeOpinionScale, Order: 2,
				Settings: models.Settings{models.SettingMin: 1, models.SettingMax: 7}},
			{ID: "thank_you", Type: models.BlockTypeThankYou, Order: 3},
		},
	}
}

// SeedStudy saves study into st and fails the test on error.
func SeedStudy(t *testing.T, st store.Store, study models.Study) {
	t.Helper()
	if err := st.SaveStudy(context.Background(), study); err != nil {
		t.Fatalf("failed to seed study %s: %v", study.ID, err)
	}
}

var applicationSeq int64

// SeedApplication records an application with the given status. Later calls
// for the same pair are strictly newer.
func SeedApplication(t *testing.T, st store.Store, participantID, studyID string, status models.ApplicationStatus) {
	t.Helper()
	seq := atomic.AddInt64(&applicationSeq, 1)
	now := time.Now().UTC().Add(time.Duration(seq) * time.Millisecond)
	app := models.Application{
		ID:            participantID + ":" + studyID + ":" + strconv.FormatInt(seq, 10),
		ParticipantID: participantID,
		StudyID:       studyID,
		Status:        status,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := st.SaveApplication(context.Background(), app); err != nil {
		t.Fatalf("failed to seed application: %v", err)
	}
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes the JSON envelope and validates its status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates a request with an optional JSON body and, when
// participantID is non-empty, the participant header.
func CreateHTTPRequest(t *testing.T, method, url, participantID string, body interface{}) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		reqBody = bytes.NewBuffer(MustMarshalJSON(t, body))
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if participantID != "" {
		req.Header.Set(ParticipantHeader, participantID)
	}
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
