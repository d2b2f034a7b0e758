package flow

import (
	"time"

	"github.com/BTreeMap/StudyPipe/internal/models"
)

// AnalyticsCollector stamps client analytics batches with the session's
// monotonic sequence numbers.
type AnalyticsCollector struct {
	now func() time.Time
}

// NewAnalyticsCollector creates a collector using now as the engine clock.
func NewAnalyticsCollector(now func() time.Time) *AnalyticsCollector {
	if now == nil {
		now = time.Now
	}
	return &AnalyticsCollector{now: now}
}

// Stamp validates a batch and assigns sequence numbers in arrival order,
// advancing session.NextSequence. A block_complete event is appended when
// the batch lacks one. The session is only modified when the batch is valid.
func (a *AnalyticsCollector) Stamp(session *models.Session, blockID string, events []models.Event) ([]models.Event, error) {
	const op = "AnalyticsCollector.Stamp"
	for i, ev := range events {
		if !models.IsValidEventType(ev.Type) {
			return nil, badShape(op, "event %d on block %s has unknown type %q", i, blockID, ev.Type)
		}
	}

	next := session.NextSequence
	if next < 1 {
		next = 1
	}
	now := a.now().UTC()
	out := make([]models.Event, 0, len(events)+1)
	hasComplete := false
	for _, ev := range events {
		if ev.Timestamp.IsZero() {
			ev.Timestamp = now
		}
		ev.Sequence = next
		next++
		if ev.Type == models.EventBlockComplete {
			hasComplete = true
		}
		out = append(out, ev)
	}
	if !hasComplete {
		out = append(out, models.Event{
			Type:      models.EventBlockComplete,
			Timestamp: now,
			Sequence:  next,
			Data:      map[string]interface{}{"source": "server", "blockId": blockID},
		})
		next++
	}
	session.NextSequence = next
	return out, nil
}

// DeriveMetadata computes response metadata from a stamped batch. Values the
// client supplied take precedence.
func DeriveMetadata(client *models.ResponseMetadata, events []models.Event) models.ResponseMetadata {
	var md models.ResponseMetadata
	var first, last time.Time
	for _, ev := range events {
		if ev.Type == models.EventInteraction {
			md.InteractionCount++
		}
		if first.IsZero() || ev.Timestamp.Before(first) {
			first = ev.Timestamp
		}
		if ev.Timestamp.After(last) {
			last = ev.Timestamp
		}
	}
	if !first.IsZero() {
		md.TimeSpentMs = last.Sub(first).Milliseconds()
	}
	if client != nil {
		if client.TimeSpentMs > 0 {
			md.TimeSpentMs = client.TimeSpentMs
		}
		if client.InteractionCount > 0 {
			md.InteractionCount = client.InteractionCount
		}
	}
	return md
}
