// Package models defines study and block definitions for StudyPipe.
package models

import (
	"encoding/json"
	"errors"
	"math"
	"time"
)

// BlockType enumerates the kinds of researcher-authored blocks.
type BlockType string

const (
	BlockTypeWelcome           BlockType = "welcome"
	BlockTypeContextScreen     BlockType = "context_screen"
	BlockTypeMultipleChoice    BlockType = "multiple_choice"
	BlockTypeOpenQuestion      BlockType = "open_question"
	BlockTypeOpinionScale      BlockType = "opinion_scale"
	BlockTypeYesNo             BlockType = "yes_no"
	BlockTypeRanking           BlockType = "ranking"
	BlockTypeCardSort          BlockType = "card_sort"
	BlockTypeConditionalBranch BlockType = "conditional_branch"
	BlockTypeAIFollowUp        BlockType = "ai_followup"
	BlockTypeThankYou          BlockType = "thank_you"

	// BlockTypeAIFollowUpQuestion is never authored; the engine synthesizes
	// blocks of this type after an ai_followup base block.
	BlockTypeAIFollowUpQuestion BlockType = "ai_followup_question"
)

// IsValidBlockType reports whether t may appear in an authored study.
func IsValidBlockType(t BlockType) bool {
	switch t {
	case BlockTypeWelcome, BlockTypeContextScreen, BlockTypeMultipleChoice,
		BlockTypeOpenQuestion, BlockTypeOpinionScale, BlockTypeYesNo,
		BlockTypeRanking, BlockTypeCardSort, BlockTypeConditionalBranch,
		BlockTypeAIFollowUp, BlockTypeThankYou:
		return true
	default:
		return false
	}
}

// Settings keys shared by several block types.
const (
	SettingOptions               = "options"
	SettingAllowMultiple         = "allowMultiple"
	SettingRequired              = "required"
	SettingMaxLength             = "maxLength"
	SettingMin                   = "min"
	SettingMax                   = "max"
	SettingStep                  = "step"
	SettingCards                 = "cards"
	SettingCategories            = "categories"
	SettingAllowCustomCategories = "allowCustomCategories"
	SettingBaseQuestion          = "baseQuestion"
	SettingFollowUpCount         = "followUpCount"
	SettingPrompt                = "prompt"
	SettingBaseBlockID           = "baseBlockId"
	SettingIndex                 = "index"
)

// Study is an ordered sequence of block definitions authored by a researcher.
type Study struct {
	ID        string     `json:"id" yaml:"id"`
	Title     string     `json:"title,omitempty" yaml:"title"`
	Blocks    []BlockDef `json:"blocks" yaml:"blocks"`
	CreatedAt time.Time  `json:"created_at" yaml:"-"`
	UpdatedAt time.Time  `json:"updated_at" yaml:"-"`
}

// BlockDef is one unit of researcher-authored content or interaction.
// Order is informational; traversal follows the slice order and branch rules.
type BlockDef struct {
	ID          string       `json:"id" yaml:"id"`
	Type        BlockType    `json:"type" yaml:"type"`
	Order       int          `json:"order" yaml:"order"`
	Settings    Settings     `json:"settings,omitempty" yaml:"settings"`
	BranchRules *BranchRules `json:"branchRules,omitempty" yaml:"branchRules"`
}

// BranchRules is an ordered decision table evaluated after a block is answered.
type BranchRules struct {
	Rules         []BranchRule `json:"rules,omitempty" yaml:"rules"`
	DefaultTarget string       `json:"defaultTarget,omitempty" yaml:"defaultTarget"`
}

// BranchRule redirects traversal to TargetBlockID when its condition holds.
type BranchRule struct {
	ConditionLogic Condition `json:"conditionLogic" yaml:"conditionLogic"`
	TargetBlockID  string    `json:"targetBlockId" yaml:"targetBlockId"`
}

// ConditionKind enumerates the supported predicates over prior responses.
type ConditionKind string

const (
	ConditionEquals       ConditionKind = "equals"
	ConditionContains     ConditionKind = "contains"
	ConditionThresholdGte ConditionKind = "threshold_gte"
)

// Condition is a predicate over the response recorded for BlockID.
type Condition struct {
	Kind    ConditionKind `json:"kind" yaml:"kind"`
	BlockID string        `json:"blockId" yaml:"blockId"`
	Value   interface{}   `json:"value" yaml:"value"`
}

// Settings holds type-specific block configuration. Values arrive from JSON
// or YAML, so numeric accessors accept any numeric representation.
type Settings map[string]interface{}

// String returns a string setting or "".
func (s Settings) String(key string) string {
	if v, ok := s[key].(string); ok {
		return v
	}
	return ""
}

// Bool returns a boolean setting or false.
func (s Settings) Bool(key string) bool {
	if v, ok := s[key].(bool); ok {
		return v
	}
	return false
}

// Number returns a numeric setting and whether it was present and numeric.
func (s Settings) Number(key string) (float64, bool) {
	v, ok := s[key]
	if !ok {
		return 0, false
	}
	return ToFloat(v)
}

// Int returns an integral setting or def when absent or non-numeric.
func (s Settings) Int(key string, def int) int {
	f, ok := s.Number(key)
	if !ok || f != math.Trunc(f) {
		return def
	}
	return int(f)
}

// Strings returns a list-of-strings setting, skipping non-string entries.
func (s Settings) Strings(key string) []string {
	switch v := s[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

// ToFloat converts the numeric representations produced by encoding/json,
// yaml.v3 and Go literals into a float64.
func ToFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Validation errors for study definitions.
var (
	ErrEmptyStudyID       = errors.New("study id cannot be empty")
	ErrNoBlocks           = errors.New("study must contain at least one block")
	ErrEmptyBlockID       = errors.New("block id cannot be empty")
	ErrDuplicateBlockID   = errors.New("duplicate block id")
	ErrInvalidBlockType   = errors.New("invalid block type")
	ErrReservedBlockID    = errors.New("block id uses the reserved follow-up separator")
	ErrUnknownBranchBlock = errors.New("branch rule references unknown block")
	ErrEmptyBranchRules   = errors.New("conditional_branch block requires rules or a default target")
	ErrInvalidCondition   = errors.New("invalid branch condition")
	ErrBranchCycle        = errors.New("conditional_branch blocks form a cycle")
	ErrInvalidFollowUp    = errors.New("ai_followup block requires a positive followUpCount")
)
