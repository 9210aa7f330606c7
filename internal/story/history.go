package story

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tiktoken-go/tokenizer"

	"github.com/taleweaver/taleweaver/internal/llm"
	"github.com/taleweaver/taleweaver/internal/prompts"
	"github.com/taleweaver/taleweaver/pkg/models"
)

// summaryFallback stands in for a failed summarization call so the story can
// continue with a bounded prompt.
const summaryFallback = "(Earlier adventures happened here, but the chronicle pages are smudged.)"

// Compactor bounds prompt growth: every summarization interval the older
// turns are folded into a rolling summary and only recent turns are rendered
// verbatim.
type Compactor struct {
	reg    *prompts.Registry
	llm    TextGenerator
	codec  tokenizer.Codec
	logger zerolog.Logger
}

// NewCompactor creates a history compactor.
func NewCompactor(reg *prompts.Registry, gen TextGenerator, logger zerolog.Logger) (*Compactor, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	return &Compactor{
		reg:    reg,
		llm:    gen,
		codec:  codec,
		logger: logger.With().Str("component", "compactor").Logger(),
	}, nil
}

// ShouldCompact reports whether the summary must be refreshed before the
// round's prompt is built. It fires on interval boundaries once more turns
// exist than the recent window keeps, or whenever the rendered history
// exceeds the token budget.
func (c *Compactor) ShouldCompact(round, turnCount int, rendered string) bool {
	m := c.reg.Mechanics()
	if turnCount <= m.RecentTurnsToKeep {
		return false
	}
	if round%m.SummarizationInterval == 0 {
		return true
	}
	return m.MaxHistoryTokens > 0 && c.PromptTokens(rendered) > m.MaxHistoryTokens
}

// Render builds the narrator-facing history string: the rolling summary (when
// present) separated by "---" from the verbatim recent turns. Turns already
// folded into the summary are excluded.
func (c *Compactor) Render(summary string, summarizedThrough int, turns []models.Turn) string {
	var sb strings.Builder
	if summary != "" {
		sb.WriteString(summary)
		sb.WriteString("\n---\n")
	}
	first := true
	for _, t := range turns {
		if t.Round <= summarizedThrough {
			continue
		}
		if !first {
			sb.WriteByte('\n')
		}
		first = false
		if t.ChoiceMade != "" {
			sb.WriteString("[choice]: ")
			sb.WriteString(t.ChoiceMade)
			sb.WriteByte('\n')
		}
		sb.WriteString(t.StoryText)
	}
	return sb.String()
}

// Compact folds every turn outside the recent window into the rolling
// summary. It returns the new summary and watermark. A summarizer failure
// degrades to a placeholder line rather than failing the turn.
func (c *Compactor) Compact(ctx context.Context, summary string, summarizedThrough int, turns []models.Turn) (string, int) {
	m := c.reg.Mechanics()
	if len(turns) <= m.RecentTurnsToKeep {
		return summary, summarizedThrough
	}

	cutoff := turns[len(turns)-m.RecentTurnsToKeep-1].Round
	episodes := c.Render("", summarizedThrough, turnsThrough(turns, cutoff))
	if episodes == "" {
		return summary, summarizedThrough
	}

	condensed, err := c.summarize(ctx, episodes)
	if err != nil {
		c.logger.Warn().Err(err).Int("through_round", cutoff).
			Msg("Summarization failed, using placeholder")
		condensed = summaryFallback
	}

	if summary != "" {
		condensed = summary + "\n" + condensed
	}

	if n, err := c.codec.Count(condensed); err == nil {
		c.logger.Debug().Int("summary_tokens", n).Int("through_round", cutoff).Msg("History compacted")
	}
	return condensed, cutoff
}

// PromptTokens counts tokens the way the narrator model would, for logging
// and prompt budget checks.
func (c *Compactor) PromptTokens(s string) int {
	n, err := c.codec.Count(s)
	if err != nil {
		return len(s) / 4
	}
	return n
}

func (c *Compactor) summarize(ctx context.Context, episodes string) (string, error) {
	model, err := c.reg.Model(prompts.AgentSummarizer)
	if err != nil {
		return "", err
	}
	prompt, err := c.reg.Render(prompts.PromptSummarizer, map[string]any{"History": episodes})
	if err != nil {
		return "", err
	}
	out, err := c.llm.GenerateText(ctx, llm.TextRequest{
		Model:    model,
		Prompt:   prompt,
		Sampling: c.reg.Sampling(prompts.AgentSummarizer),
	})
	if err != nil {
		return "", &GenerationError{Agent: prompts.AgentSummarizer, Model: model, Err: err}
	}
	return strings.TrimSpace(out), nil
}

func turnsThrough(turns []models.Turn, round int) []models.Turn {
	for i, t := range turns {
		if t.Round > round {
			return turns[:i]
		}
	}
	return turns
}
