package story

import (
	"context"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/taleweaver/taleweaver/internal/llm"
	"github.com/taleweaver/taleweaver/internal/prompts"
)

// TextGenerator is the text-model dependency of the engine. *llm.Client
// satisfies it; tests script it.
type TextGenerator interface {
	GenerateText(ctx context.Context, req llm.TextRequest) (string, error)
}

// ImageGenerator is the image-model dependency of the image pipeline.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, req llm.ImageRequest) (string, error)
}

// Fallback content for degradable side agents. The narrator itself never
// falls back; its failures fail the turn.
const (
	// SafetyFallbackText replaces a story beat the validator rejected.
	SafetyFallbackText = "The story drifts into a gentle dream for a moment. When you look again, everything around you is calm and friendly, and your next step is yours to choose."

	// FunNuggetFallback stands in when the fun fact call fails.
	FunNuggetFallback = "Did you know? Honey never spoils, even after a thousand years."

	// StyleGuideFallback keeps illustrations coherent when the style guide
	// call fails at session start.
	StyleGuideFallback = "Soft watercolor illustration with warm pastel colors, gentle outlines, and a cozy storybook mood."
)

// NarratorResponse is the structured output contract of the narrator model.
type NarratorResponse struct {
	StoryText         string           `json:"story_text"`
	ImagePrompt       string           `json:"image_prompt,omitempty"`
	Choice1           string           `json:"choice_1"`
	Choice2           string           `json:"choice_2"`
	Choice3           string           `json:"choice_3"`
	CharactersInScene []SceneCharacter `json:"characters_in_scene,omitempty"`
}

// Choices returns the three choices as a slice.
func (r *NarratorResponse) Choices() []string {
	return []string{r.Choice1, r.Choice2, r.Choice3}
}

// ParseNarratorResponse decodes the narrator output. Markdown code fences
// around the JSON are tolerated; anything else malformed is fatal to the
// turn.
func ParseNarratorResponse(raw string) (*NarratorResponse, error) {
	cleaned := stripFences(raw)

	var resp NarratorResponse
	if err := json.Unmarshal([]byte(cleaned), &resp); err != nil {
		return nil, &ParseError{Agent: prompts.AgentNarrator, Raw: truncate(raw, 500), Err: err}
	}
	if strings.TrimSpace(resp.StoryText) == "" {
		return nil, &ParseError{Agent: prompts.AgentNarrator, Raw: truncate(raw, 500), Err: errMissingField("story_text")}
	}
	for i, choice := range resp.Choices() {
		if strings.TrimSpace(choice) == "" {
			return nil, &ParseError{Agent: prompts.AgentNarrator, Raw: truncate(raw, 500), Err: errMissingChoice(i + 1)}
		}
	}
	return &resp, nil
}

func errMissingField(name string) error { return fmt.Errorf("missing %s", name) }

func errMissingChoice(n int) error { return fmt.Errorf("missing choice_%d", n) }

// stripFences removes a surrounding markdown code fence, if any.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// narratorSchema constrains the narrator's JSON output server-side.
func narratorSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"story_text":   {Type: genai.TypeString},
			"image_prompt": {Type: genai.TypeString},
			"choice_1":     {Type: genai.TypeString},
			"choice_2":     {Type: genai.TypeString},
			"choice_3":     {Type: genai.TypeString},
			"characters_in_scene": {
				Type: genai.TypeArray,
				Items: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"name":        {Type: genai.TypeString},
						"description": {Type: genai.TypeString},
					},
					Required: []string{"name"},
				},
			},
		},
		Required: []string{"story_text", "choice_1", "choice_2", "choice_3"},
	}
}

// Generator runs the per-turn model calls: the narrator plus the degradable
// side agents (safety validator, fun nugget, style guide).
type Generator struct {
	reg    *prompts.Registry
	llm    TextGenerator
	logger zerolog.Logger
}

// NewGenerator creates a story generator.
func NewGenerator(reg *prompts.Registry, gen TextGenerator, logger zerolog.Logger) *Generator {
	return &Generator{
		reg:    reg,
		llm:    gen,
		logger: logger.With().Str("component", "generator").Logger(),
	}
}

// Narrate renders the named narrator template with vars and runs the
// narrator model. Generation and parse failures are fatal to the turn.
func (g *Generator) Narrate(ctx context.Context, templateName string, vars map[string]any) (*NarratorResponse, error) {
	model, err := g.reg.Model(prompts.AgentNarrator)
	if err != nil {
		return nil, err
	}
	prompt, err := g.reg.Render(templateName, vars)
	if err != nil {
		return nil, err
	}

	raw, err := g.llm.GenerateText(ctx, llm.TextRequest{
		Model:      model,
		Prompt:     prompt,
		Sampling:   g.reg.Sampling(prompts.AgentNarrator),
		JSONOutput: true,
		Schema:     narratorSchema(),
	})
	if err != nil {
		return nil, &GenerationError{Agent: prompts.AgentNarrator, Model: model, Err: err}
	}

	return ParseNarratorResponse(raw)
}

// ValidateSafety classifies story text as child-appropriate. The check fails
// open: a broken validator never blocks the story.
func (g *Generator) ValidateSafety(ctx context.Context, storyText string) bool {
	out, err := g.sideCall(ctx, prompts.AgentValidator, prompts.PromptValidator,
		map[string]any{"StoryText": storyText})
	if err != nil {
		g.logger.Warn().Err(err).Msg("Safety validator failed, passing text through")
		return true
	}
	verdict := strings.ToUpper(strings.TrimSpace(out))
	return !strings.Contains(verdict, "UNSAFE")
}

// FunNugget produces the per-turn fun fact. Failures degrade to a fixed
// fallback.
func (g *Generator) FunNugget(ctx context.Context, storyContext string) string {
	out, err := g.sideCall(ctx, prompts.AgentFunNugget, prompts.PromptFunNugget,
		map[string]any{"Context": storyContext})
	if err != nil {
		g.logger.Warn().Err(err).Msg("Fun nugget failed, using fallback")
		return FunNuggetFallback
	}
	return strings.TrimSpace(out)
}

// StyleGuide produces the session-wide illustration style, generated once at
// adventure start. Failures degrade to the watercolor fallback.
func (g *Generator) StyleGuide(ctx context.Context, name, description, theme string) string {
	out, err := g.sideCall(ctx, prompts.AgentStyleGuide, prompts.PromptStyleGuide, map[string]any{
		"ProtagonistName":        name,
		"ProtagonistDescription": description,
		"Theme":                  theme,
	})
	if err != nil {
		g.logger.Warn().Err(err).Msg("Style guide failed, using fallback")
		return StyleGuideFallback
	}
	return strings.TrimSpace(out)
}

func (g *Generator) sideCall(ctx context.Context, agent, promptName string, vars map[string]any) (string, error) {
	model, err := g.reg.Model(agent)
	if err != nil {
		return "", err
	}
	prompt, err := g.reg.Render(promptName, vars)
	if err != nil {
		return "", err
	}
	out, err := g.llm.GenerateText(ctx, llm.TextRequest{
		Model:    model,
		Prompt:   prompt,
		Sampling: g.reg.Sampling(agent),
	})
	if err != nil {
		return "", &GenerationError{Agent: agent, Model: model, Err: err}
	}
	return out, nil
}
