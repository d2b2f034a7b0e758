package flow

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/BTreeMap/StudyPipe/internal/models"
)

// BranchResolver computes the next block from a decision table of ordered
// predicates plus a default. It holds no state, so the same inputs always
// produce the same answer.
type BranchResolver struct{}

// NewBranchResolver creates a BranchResolver.
func NewBranchResolver() *BranchResolver {
	return &BranchResolver{}
}

// Resolve returns the id of the block that follows block, or "" when the
// study ends after it.
//
// A base ai_followup block with generated follow-ups continues into its
// first follow-up; the last follow-up is resolved with the base block's rules.
func (r *BranchResolver) Resolve(g *BlockGraph, block models.BlockDef, responses map[string]models.Response) (string, error) {
	const op = "BranchResolver.Resolve"

	if fus := g.FollowUpsOf(block.ID); len(fus) > 0 {
		return fus[0], nil
	}

	rulesBlock := block
	if baseID, ok := g.BaseOf(block.ID); ok {
		fus := g.FollowUpsOf(baseID)
		for i, id := range fus {
			if id == block.ID && i+1 < len(fus) {
				return fus[i+1], nil
			}
		}
		base, ok := g.Block(baseID)
		if !ok {
			return "", branchError(op, "follow-up %s has no base block %s", block.ID, baseID)
		}
		rulesBlock = base
	}

	if rulesBlock.BranchRules == nil {
		return g.StaticNext(block.ID), nil
	}

	target := ""
	for _, rule := range rulesBlock.BranchRules.Rules {
		if EvaluateCondition(rule.ConditionLogic, responses) {
			target = rule.TargetBlockID
			break
		}
	}
	if target == "" {
		target = rulesBlock.BranchRules.DefaultTarget
	}
	if target == "" {
		return "", branchError(op, "no branch rule matched on block %s and no default target is set", rulesBlock.ID)
	}
	if _, ok := g.Block(target); !ok {
		return "", branchError(op, "block %s targets unknown block %s", rulesBlock.ID, target)
	}
	return target, nil
}

// ResolvePass resolves the next participant-facing block after from. Any
// conditional_branch blocks along the way are resolved in the same pass; a
// pass that would revisit a block fails instead of looping.
func (r *BranchResolver) ResolvePass(g *BlockGraph, from models.BlockDef, responses map[string]models.Response) (string, error) {
	next, err := r.Resolve(g, from, responses)
	if err != nil {
		return "", err
	}
	return r.skipBranches(g, next, map[string]bool{from.ID: true}, responses)
}

// ResolveEntry returns id itself unless it is a conditional_branch block, in
// which case it is resolved forward to the first participant-facing block.
func (r *BranchResolver) ResolveEntry(g *BlockGraph, id string, responses map[string]models.Response) (string, error) {
	return r.skipBranches(g, id, map[string]bool{}, responses)
}

func (r *BranchResolver) skipBranches(g *BlockGraph, next string, visited map[string]bool, responses map[string]models.Response) (string, error) {
	const op = "BranchResolver.ResolvePass"
	for next != "" {
		if visited[next] {
			return "", branchError(op, "branch rules revisit block %s within one pass", next)
		}
		block, ok := g.Block(next)
		if !ok {
			return "", branchError(op, "resolved to unknown block %s", next)
		}
		if block.Type != models.BlockTypeConditionalBranch {
			return next, nil
		}
		visited[next] = true
		resolved, err := r.Resolve(g, block, responses)
		if err != nil {
			return "", err
		}
		next = resolved
	}
	return "", nil
}

// EvaluateCondition reports whether cond holds against the recorded
// responses. A condition over an unanswered block never holds.
func EvaluateCondition(cond models.Condition, responses map[string]models.Response) bool {
	resp, ok := responses[cond.BlockID]
	if !ok {
		return false
	}
	switch cond.Kind {
	case models.ConditionEquals:
		return valuesEqual(resp.Value, cond.Value)
	case models.ConditionContains:
		return valueContains(resp.Value, cond.Value)
	case models.ConditionThresholdGte:
		got, ok := models.ToFloat(resp.Value)
		if !ok {
			return false
		}
		want, ok := models.ToFloat(cond.Value)
		if !ok {
			return false
		}
		return got >= want
	default:
		return false
	}
}

func valuesEqual(a, b interface{}) bool {
	if fa, ok := models.ToFloat(a); ok {
		fb, ok := models.ToFloat(b)
		return ok && fa == fb
	}
	la, aList := asList(a)
	lb, bList := asList(b)
	if aList || bList {
		if !aList || !bList || len(la) != len(lb) {
			return false
		}
		for i := range la {
			if !valuesEqual(la[i], lb[i]) {
				return false
			}
		}
		return true
	}
	ma, aMap := a.(map[string]interface{})
	mb, bMap := b.(map[string]interface{})
	if aMap && bMap {
		if len(ma) != len(mb) {
			return false
		}
		for k, va := range ma {
			vb, ok := mb[k]
			if !ok || !valuesEqual(va, vb) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

func valueContains(haystack, needle interface{}) bool {
	switch h := haystack.(type) {
	case string:
		n, ok := needle.(string)
		return ok && strings.Contains(strings.ToLower(h), strings.ToLower(n))
	case map[string]interface{}:
		n, ok := needle.(string)
		if !ok {
			return false
		}
		_, found := h[n]
		return found
	}
	if list, ok := asList(haystack); ok {
		for _, item := range list {
			if valuesEqual(item, needle) {
				return true
			}
		}
	}
	return false
}

func asList(v interface{}) ([]interface{}, bool) {
	switch l := v.(type) {
	case []interface{}:
		return l, true
	case []string:
		out := make([]interface{}, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}

// describeRules renders a rule table for log output.
func describeRules(rules *models.BranchRules) string {
	if rules == nil {
		return "static"
	}
	parts := make([]string, 0, len(rules.Rules)+1)
	for _, r := range rules.Rules {
		parts = append(parts, fmt.Sprintf("%s(%s,%v)->%s", r.ConditionLogic.Kind, r.ConditionLogic.BlockID, r.ConditionLogic.Value, r.TargetBlockID))
	}
	parts = append(parts, "default->"+rules.DefaultTarget)
	return strings.Join(parts, "; ")
}
