package flow

import (
	"fmt"

	"github.com/BTreeMap/StudyPipe/internal/models"
)

// ValidateStudy checks a study definition before it is accepted: unique,
// well-formed block ids, known block types, branch targets that exist and
// conditional_branch blocks that cannot loop among themselves.
func ValidateStudy(study models.Study) error {
	if study.ID == "" {
		return models.ErrEmptyStudyID
	}
	if len(study.Blocks) == 0 {
		return models.ErrNoBlocks
	}

	ids := make(map[string]bool, len(study.Blocks))
	for _, b := range study.Blocks {
		if b.ID == "" {
			return models.ErrEmptyBlockID
		}
		if IsFollowUpID(b.ID) {
			return fmt.Errorf("%w: %s", models.ErrReservedBlockID, b.ID)
		}
		if ids[b.ID] {
			return fmt.Errorf("%w: %s", models.ErrDuplicateBlockID, b.ID)
		}
		if !models.IsValidBlockType(b.Type) {
			return fmt.Errorf("%w: %s on block %s", models.ErrInvalidBlockType, b.Type, b.ID)
		}
		ids[b.ID] = true
	}

	for _, b := range study.Blocks {
		if b.Type == models.BlockTypeAIFollowUp && b.Settings.Int(models.SettingFollowUpCount, 0) <= 0 {
			return fmt.Errorf("%w: %s", models.ErrInvalidFollowUp, b.ID)
		}
		if b.Type == models.BlockTypeConditionalBranch &&
			(b.BranchRules == nil || (len(b.BranchRules.Rules) == 0 && b.BranchRules.DefaultTarget == "")) {
			return fmt.Errorf("%w: %s", models.ErrEmptyBranchRules, b.ID)
		}
		if b.BranchRules == nil {
			continue
		}
		for _, r := range b.BranchRules.Rules {
			if err := validateCondition(r.ConditionLogic, ids); err != nil {
				return fmt.Errorf("block %s: %w", b.ID, err)
			}
			if !ids[r.TargetBlockID] {
				return fmt.Errorf("%w: %s -> %s", models.ErrUnknownBranchBlock, b.ID, r.TargetBlockID)
			}
		}
		if t := b.BranchRules.DefaultTarget; t != "" && !ids[t] {
			return fmt.Errorf("%w: %s -> %s", models.ErrUnknownBranchBlock, b.ID, t)
		}
	}

	if cycle := findBranchCycle(study); cycle != nil {
		return fmt.Errorf("%w: %v", models.ErrBranchCycle, cycle)
	}
	return nil
}

func validateCondition(c models.Condition, ids map[string]bool) error {
	switch c.Kind {
	case models.ConditionEquals, models.ConditionContains:
	case models.ConditionThresholdGte:
		if _, ok := models.ToFloat(c.Value); !ok {
			return fmt.Errorf("%w: threshold_gte needs a numeric value", models.ErrInvalidCondition)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", models.ErrInvalidCondition, c.Kind)
	}
	if !ids[c.BlockID] {
		return fmt.Errorf("%w: condition references unknown block %s", models.ErrInvalidCondition, c.BlockID)
	}
	return nil
}

// findBranchCycle runs a depth-first search over the edges between
// conditional_branch blocks and returns the first cycle found, if any.
// Loops that pass through a participant-facing block are allowed here and
// caught per pass at runtime.
func findBranchCycle(study models.Study) []string {
	g := NewBlockGraph(study)
	edges := make(map[string][]string)
	for _, b := range study.Blocks {
		if b.Type != models.BlockTypeConditionalBranch {
			continue
		}
		var targets []string
		if b.BranchRules != nil {
			for _, r := range b.BranchRules.Rules {
				targets = append(targets, r.TargetBlockID)
			}
			if b.BranchRules.DefaultTarget != "" {
				targets = append(targets, b.BranchRules.DefaultTarget)
			}
		} else if next := g.StaticNext(b.ID); next != "" {
			targets = append(targets, next)
		}
		for _, t := range targets {
			if tb, ok := g.Block(t); ok && tb.Type == models.BlockTypeConditionalBranch {
				edges[b.ID] = append(edges[b.ID], t)
			}
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int)
	var path []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		state[id] = visiting
		path = append(path, id)
		for _, next := range edges[id] {
			switch state[next] {
			case visiting:
				for i, p := range path {
					if p == next {
						cycle = append(append([]string{}, path[i:]...), next)
						break
					}
				}
				return true
			case unvisited:
				if visit(next) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		state[id] = done
		return false
	}

	for _, b := range study.Blocks {
		if b.Type == models.BlockTypeConditionalBranch && state[b.ID] == unvisited {
			if visit(b.ID) {
				return cycle
			}
		}
	}
	return nil
}
