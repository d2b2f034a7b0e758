package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/StudyPipe/internal/models"
)

// FollowUpGenerator synthesizes the follow-up question blocks that follow an
// ai_followup base block once it has been answered.
type FollowUpGenerator interface {
	Generate(ctx context.Context, base models.BlockDef, answer string) ([]models.BlockDef, error)
}

// PromptGenerator produces free text from a system and user prompt.
// *genai.Client satisfies it.
type PromptGenerator interface {
	GeneratePrompt(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

var followUpTemplates = []string{
	"You answered: %q. Could you tell us more about that?",
	"What is the main reason behind your answer to %q?",
	"Can you describe a concrete example related to %q?",
}

// TemplateFollowUpGenerator produces deterministic follow-up text.
type TemplateFollowUpGenerator struct{}

// Generate implements FollowUpGenerator.
func (TemplateFollowUpGenerator) Generate(ctx context.Context, base models.BlockDef, answer string) ([]models.BlockDef, error) {
	count := base.Settings.Int(models.SettingFollowUpCount, 0)
	blocks := make([]models.BlockDef, 0, count)
	for i := 0; i < count; i++ {
		blocks = append(blocks, followUpBlock(base, i, templatePrompt(base, answer, i)))
	}
	return blocks, nil
}

func templatePrompt(base models.BlockDef, answer string, i int) string {
	subject := strings.TrimSpace(answer)
	if subject == "" {
		subject = base.Settings.String(models.SettingBaseQuestion)
	}
	return fmt.Sprintf(followUpTemplates[i%len(followUpTemplates)], subject)
}

func followUpBlock(base models.BlockDef, i int, prompt string) models.BlockDef {
	return models.BlockDef{
		ID:    FollowUpID(base.ID, i),
		Type:  models.BlockTypeAIFollowUpQuestion,
		Order: base.Order,
		Settings: models.Settings{
			models.SettingPrompt:      prompt,
			models.SettingBaseBlockID: base.ID,
			models.SettingIndex:       i,
		},
	}
}

const followUpSystemPrompt = `You write short, neutral follow-up questions for a research interview.
Return exactly one question per line, with no numbering and no extra text.`

// GenAIFollowUpGenerator asks a language model for follow-up text. Block ids
// stay deterministic; any question the model fails to provide falls back to
// the template text.
type GenAIFollowUpGenerator struct {
	client   PromptGenerator
	fallback TemplateFollowUpGenerator
}

// NewGenAIFollowUpGenerator creates a generator backed by client.
func NewGenAIFollowUpGenerator(client PromptGenerator) *GenAIFollowUpGenerator {
	return &GenAIFollowUpGenerator{client: client}
}

// Generate implements FollowUpGenerator.
func (g *GenAIFollowUpGenerator) Generate(ctx context.Context, base models.BlockDef, answer string) ([]models.BlockDef, error) {
	count := base.Settings.Int(models.SettingFollowUpCount, 0)
	if count <= 0 {
		return nil, nil
	}
	if g.client == nil {
		return g.fallback.Generate(ctx, base, answer)
	}

	userPrompt := fmt.Sprintf("Original question: %s\nParticipant answer: %s\nWrite %d follow-up questions.",
		base.Settings.String(models.SettingBaseQuestion), answer, count)
	if hint := base.Settings.String(models.SettingPrompt); hint != "" {
		userPrompt += "\nResearcher guidance: " + hint
	}

	text, err := g.client.GeneratePrompt(ctx, followUpSystemPrompt, userPrompt)
	if err != nil {
		slog.Warn("GenAIFollowUpGenerator.Generate: model call failed, using templates", "blockID", base.ID, "error", err)
		return g.fallback.Generate(ctx, base, answer)
	}

	var questions []string
	for _, line := range strings.Split(text, "\n") {
		if q := strings.TrimSpace(line); q != "" {
			questions = append(questions, q)
		}
	}

	blocks := make([]models.BlockDef, 0, count)
	for i := 0; i < count; i++ {
		prompt := templatePrompt(base, answer, i)
		if i < len(questions) {
			prompt = questions[i]
		}
		blocks = append(blocks, followUpBlock(base, i, prompt))
	}
	slog.Debug("GenAIFollowUpGenerator.Generate", "blockID", base.ID, "generated", len(questions), "count", count)
	return blocks, nil
}
