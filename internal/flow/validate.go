package flow

import (
	"math"
	"unicode/utf8"

	"github.com/BTreeMap/StudyPipe/internal/models"
)

// ValidateValue checks that value has the shape block's type requires.
func ValidateValue(block models.BlockDef, value interface{}) error {
	const op = "ValidateValue"
	s := block.Settings

	switch block.Type {
	case models.BlockTypeWelcome, models.BlockTypeContextScreen, models.BlockTypeThankYou:
		return nil

	case models.BlockTypeMultipleChoice:
		options := s.Strings(models.SettingOptions)
		if s.Bool(models.SettingAllowMultiple) {
			if list, ok := asList(value); ok {
				if len(list) == 0 && s.Bool(models.SettingRequired) {
					return badShape(op, "block %s requires at least one option", block.ID)
				}
				seen := make(map[string]bool, len(list))
				for _, item := range list {
					str, ok := item.(string)
					if !ok || !contains(options, str) {
						return badShape(op, "block %s: %v is not one of the options", block.ID, item)
					}
					if seen[str] {
						return badShape(op, "block %s: option %q selected twice", block.ID, str)
					}
					seen[str] = true
				}
				return nil
			}
		}
		str, ok := value.(string)
		if !ok {
			return badShape(op, "block %s expects an option string", block.ID)
		}
		if !contains(options, str) {
			return badShape(op, "block %s: %q is not one of the options", block.ID, str)
		}
		return nil

	case models.BlockTypeOpenQuestion, models.BlockTypeAIFollowUp, models.BlockTypeAIFollowUpQuestion:
		if value == nil {
			if s.Bool(models.SettingRequired) {
				return badShape(op, "block %s requires an answer", block.ID)
			}
			return nil
		}
		str, ok := value.(string)
		if !ok {
			return badShape(op, "block %s expects text", block.ID)
		}
		if s.Bool(models.SettingRequired) && str == "" {
			return badShape(op, "block %s requires an answer", block.ID)
		}
		if max := s.Int(models.SettingMaxLength, 0); max > 0 && utf8.RuneCountInString(str) > max {
			return badShape(op, "block %s answer exceeds %d characters", block.ID, max)
		}
		return nil

	case models.BlockTypeOpinionScale:
		n, ok := models.ToFloat(value)
		if !ok {
			return badShape(op, "block %s expects a number", block.ID)
		}
		min, hasMin := s.Number(models.SettingMin)
		if !hasMin {
			min = 1
		}
		max, hasMax := s.Number(models.SettingMax)
		if !hasMax {
			max = 5
		}
		if n < min || n > max {
			return badShape(op, "block %s: %v is outside %v..%v", block.ID, n, min, max)
		}
		step, hasStep := s.Number(models.SettingStep)
		switch {
		case !hasStep:
			if n != math.Trunc(n) {
				return badShape(op, "block %s expects a whole number", block.ID)
			}
		case step > 0:
			k := (n - min) / step
			if math.Abs(k-math.Round(k)) > 1e-9 {
				return badShape(op, "block %s: %v is not on a step of %v", block.ID, n, step)
			}
		}
		return nil

	case models.BlockTypeYesNo:
		if _, ok := value.(bool); !ok {
			return badShape(op, "block %s expects true or false", block.ID)
		}
		return nil

	case models.BlockTypeRanking:
		options := s.Strings(models.SettingOptions)
		list, ok := asList(value)
		if !ok || len(list) != len(options) {
			return badShape(op, "block %s expects a ranking of all %d options", block.ID, len(options))
		}
		seen := make(map[string]bool, len(list))
		for _, item := range list {
			str, ok := item.(string)
			if !ok || !contains(options, str) || seen[str] {
				return badShape(op, "block %s: ranking must list each option exactly once", block.ID)
			}
			seen[str] = true
		}
		return nil

	case models.BlockTypeCardSort:
		sorted, ok := value.(map[string]interface{})
		if !ok {
			return badShape(op, "block %s expects an object of category to cards", block.ID)
		}
		cards := s.Strings(models.SettingCards)
		categories := s.Strings(models.SettingCategories)
		custom := s.Bool(models.SettingAllowCustomCategories)
		placed := make(map[string]bool, len(cards))
		for category, raw := range sorted {
			if !custom && !contains(categories, category) {
				return badShape(op, "block %s: unknown category %q", block.ID, category)
			}
			list, ok := asList(raw)
			if !ok {
				return badShape(op, "block %s: category %q must hold a list of cards", block.ID, category)
			}
			for _, item := range list {
				card, ok := item.(string)
				if !ok || !contains(cards, card) {
					return badShape(op, "block %s: %v is not a card", block.ID, item)
				}
				if placed[card] {
					return badShape(op, "block %s: card %q placed more than once", block.ID, card)
				}
				placed[card] = true
			}
		}
		return nil

	case models.BlockTypeConditionalBranch:
		return badShape(op, "block %s is resolved by the engine and cannot be answered", block.ID)

	default:
		return badShape(op, "block %s has unsupported type %q", block.ID, block.Type)
	}
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
