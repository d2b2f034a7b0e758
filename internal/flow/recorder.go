package flow

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/StudyPipe/internal/models"
)

// Submission is a participant's answer to the current block.
type Submission struct {
	BlockID   string                   `json:"blockId"`
	Value     interface{}              `json:"value"`
	Metadata  *models.ResponseMetadata `json:"metadata,omitempty"`
	Analytics []models.Event           `json:"analytics,omitempty"`
}

// RecordResult describes where traversal goes after a recorded submission.
type RecordResult struct {
	NextBlockID string
	// BlockType is the type of the block whose response was written. It is
	// empty for replays.
	BlockType models.BlockType
	Completed bool
	// Replayed is set when sub repeats an already recorded answer; nothing
	// on the session changed.
	Replayed bool
}

// ResponseRecorder validates a submission against the current block, upserts
// the response and advances the session's cursor. It mutates the session it
// is given; callers pass a copy and persist it as one write.
type ResponseRecorder struct {
	resolver  *BranchResolver
	analytics *AnalyticsCollector
	generator FollowUpGenerator
	now       func() time.Time
	// generationTimeout bounds one follow-up generation call, which runs
	// while the session lock is held.
	generationTimeout time.Duration
}

// DefaultGenerationTimeout bounds follow-up generation before the templates
// take over.
const DefaultGenerationTimeout = 10 * time.Second

// NewResponseRecorder creates a recorder. A nil generator uses templates.
func NewResponseRecorder(resolver *BranchResolver, analytics *AnalyticsCollector, generator FollowUpGenerator, now func() time.Time) *ResponseRecorder {
	if generator == nil {
		generator = TemplateFollowUpGenerator{}
	}
	if now == nil {
		now = time.Now
	}
	return &ResponseRecorder{
		resolver:          resolver,
		analytics:         analytics,
		generator:         generator,
		now:               now,
		generationTimeout: DefaultGenerationTimeout,
	}
}

// Record applies sub to session. On a BranchResolutionError the response is
// already recorded on session and the error is returned for the caller to
// mark the session failed.
func (r *ResponseRecorder) Record(ctx context.Context, session *models.Session, graph *BlockGraph, sub Submission) (RecordResult, error) {
	const op = "ResponseRecorder.Record"

	if sub.BlockID != session.CurrentBlockID || session.Status == models.SessionStatusCompleted {
		if res, ok := r.replay(session, graph, sub); ok {
			slog.Debug("ResponseRecorder.Record: duplicate submission", "sessionID", session.ID, "blockID", sub.BlockID)
			return res, nil
		}
	}
	if session.Status != models.SessionStatusActive {
		return RecordResult{}, newError(KindInvalidState, op, "session is %s, responses are only accepted while active", session.Status)
	}
	if sub.BlockID != session.CurrentBlockID {
		return RecordResult{}, newError(KindBlockMismatch, op, "submitted block %s is not the current block %s", sub.BlockID, session.CurrentBlockID)
	}
	block, ok := graph.Block(sub.BlockID)
	if !ok {
		return RecordResult{}, branchError(op, "current block %s is not part of study %s", sub.BlockID, graph.StudyID())
	}
	if err := ValidateValue(block, sub.Value); err != nil {
		return RecordResult{}, err
	}
	events, err := r.analytics.Stamp(session, block.ID, sub.Analytics)
	if err != nil {
		return RecordResult{}, err
	}

	now := r.now().UTC()
	resp, existed := session.Responses[block.ID]
	if !existed {
		resp = models.Response{BlockID: block.ID, BlockType: block.Type}
	}
	resp.Value = sub.Value
	resp.Metadata = DeriveMetadata(sub.Metadata, events)
	resp.Analytics = append(resp.Analytics, events...)
	resp.SubmittedAt = now
	resp.SubmissionCount++
	if session.Responses == nil {
		session.Responses = make(map[string]models.Response)
	}
	session.Responses[block.ID] = resp

	if block.Type == models.BlockTypeAIFollowUp && len(session.FollowUps[block.ID]) == 0 {
		graph = r.generateFollowUps(ctx, session, graph, block, sub.Value)
	}

	if block.Type == models.BlockTypeThankYou {
		slog.Debug("ResponseRecorder.Record: terminal block answered", "sessionID", session.ID, "blockID", block.ID)
		return RecordResult{BlockType: block.Type, Completed: true}, nil
	}

	next, err := r.resolver.ResolvePass(graph, block, session.Responses)
	if err != nil {
		slog.Debug("ResponseRecorder.Record: branch resolution failed", "sessionID", session.ID, "blockID", block.ID, "rules", describeRules(block.BranchRules))
		return RecordResult{BlockType: block.Type}, err
	}
	if next == "" {
		return RecordResult{BlockType: block.Type, Completed: true}, nil
	}
	session.CurrentBlockID = next
	slog.Debug("ResponseRecorder.Record", "sessionID", session.ID, "blockID", block.ID, "next", next, "resubmission", existed)
	return RecordResult{NextBlockID: next, BlockType: block.Type}, nil
}

// replay recognizes a retried submission: same block, same value, already
// recorded. It answers with the same next block without touching the session.
func (r *ResponseRecorder) replay(session *models.Session, graph *BlockGraph, sub Submission) (RecordResult, bool) {
	if session.Status != models.SessionStatusActive && session.Status != models.SessionStatusCompleted {
		return RecordResult{}, false
	}
	prev, ok := session.Responses[sub.BlockID]
	if !ok || !valuesEqual(prev.Value, sub.Value) {
		return RecordResult{}, false
	}
	if session.Status == models.SessionStatusCompleted {
		return RecordResult{Completed: true, Replayed: true}, true
	}
	block, ok := graph.Block(sub.BlockID)
	if !ok {
		return RecordResult{}, false
	}
	next, err := r.resolver.ResolvePass(graph, block, session.Responses)
	if err != nil || next == "" {
		return RecordResult{}, false
	}
	return RecordResult{NextBlockID: next, Replayed: true}, true
}

func (r *ResponseRecorder) generateFollowUps(ctx context.Context, session *models.Session, graph *BlockGraph, base models.BlockDef, value interface{}) *BlockGraph {
	answer, _ := value.(string)
	gctx, cancel := context.WithTimeout(ctx, r.generationTimeout)
	blocks, err := r.generator.Generate(gctx, base, answer)
	cancel()
	if err != nil {
		slog.Warn("ResponseRecorder.generateFollowUps: generator failed, using templates", "sessionID", session.ID, "blockID", base.ID, "error", err)
		blocks, _ = TemplateFollowUpGenerator{}.Generate(ctx, base, answer)
	}
	if len(blocks) == 0 {
		return graph
	}
	if session.FollowUps == nil {
		session.FollowUps = make(map[string][]models.BlockDef)
	}
	session.FollowUps[base.ID] = blocks
	slog.Info("ResponseRecorder.generateFollowUps", "sessionID", session.ID, "blockID", base.ID, "count", len(blocks))
	return graph.WithFollowUps(session.FollowUps)
}
