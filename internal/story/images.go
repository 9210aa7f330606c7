package story

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/taleweaver/taleweaver/internal/llm"
	"github.com/taleweaver/taleweaver/internal/prompts"
	"github.com/taleweaver/taleweaver/pkg/models"
)

// Image pipeline constants.
const (
	imageAspectRatio = "4:3"

	// minChoicePromptLen rejects degenerate illustration briefs before they
	// reach the image model.
	minChoicePromptLen = 10

	defaultIntensity = 3
)

// Image job error types surfaced in the pending mailbox.
const (
	imageErrInvalidPrompt = "invalid_prompt"
	imageErrGeneration    = "generation_error"
)

// ImagePipeline turns a chosen story beat into an illustration. It runs in
// the background of a turn; its failures never fail the turn.
type ImagePipeline struct {
	store  SessionStore
	reg    *prompts.Registry
	text   TextGenerator
	image  ImageGenerator
	logger zerolog.Logger
}

// NewImagePipeline creates an image pipeline.
func NewImagePipeline(store SessionStore, reg *prompts.Registry, text TextGenerator, image ImageGenerator, logger zerolog.Logger) *ImagePipeline {
	return &ImagePipeline{
		store:  store,
		reg:    reg,
		text:   text,
		image:  image,
		logger: logger.With().Str("component", "images").Logger(),
	}
}

// ImageJob describes one illustration request.
type ImageJob struct {
	SessionID  string
	Round      int
	Choice     string // empty on the opening scene
	StoryText  string
	StyleGuide string
	Registry   []models.Character
	SceneNames []string
}

// Generate runs the full image sub-pipeline for a job. It records progress
// and the terminal state in the session's pending image mailbox and never
// returns an error; callers run it in a goroutine.
func (p *ImagePipeline) Generate(ctx context.Context, job ImageJob) {
	log := p.logger.With().Str("session_id", job.SessionID).Int("round", job.Round).Logger()

	pending := &models.PendingImage{
		Status:    models.ImageGenerating,
		Round:     job.Round,
		StartedAt: time.Now(),
	}
	if err := p.store.SetPendingImage(ctx, job.SessionID, pending); err != nil {
		log.Error().Err(err).Msg("Failed to open image job mailbox")
		return
	}

	brief, err := p.choicePrompt(ctx, job)
	if err != nil {
		log.Warn().Err(err).Msg("Illustration brief failed")
		p.fail(ctx, job, pending, imageErrGeneration, err.Error())
		return
	}
	if len(strings.TrimSpace(brief)) < minChoicePromptLen {
		log.Warn().Str("brief", brief).Msg("Illustration brief too short")
		p.fail(ctx, job, pending, imageErrInvalidPrompt, "illustration brief too short")
		return
	}

	intensity := p.sceneIntensity(ctx, job.StoryText)
	finalPrompt := p.composePrompt(brief, job, intensity)

	model, err := p.reg.Model(prompts.AgentImage)
	if err != nil {
		p.fail(ctx, job, pending, imageErrGeneration, err.Error())
		return
	}

	url, err := p.image.GenerateImage(ctx, llm.ImageRequest{
		Model:       model,
		Prompt:      finalPrompt,
		AspectRatio: imageAspectRatio,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Image generation failed")
		p.fail(ctx, job, pending, imageErrGeneration, err.Error())
		return
	}

	if err := p.store.SetTurnImage(ctx, job.SessionID, job.Round, url); err != nil {
		log.Error().Err(err).Msg("Failed to attach image to turn")
	}

	now := time.Now()
	pending.Status = models.ImageReady
	pending.ImageURL = url
	pending.CompletedAt = &now
	rec := &models.ImageRecord{
		Round:             job.Round,
		ChoiceMade:        job.Choice,
		URL:               url,
		PromptUsed:        finalPrompt,
		CharactersInScene: job.SceneNames,
	}
	if err := p.store.RecordImageResult(ctx, job.SessionID, pending, rec); err != nil {
		log.Error().Err(err).Msg("Failed to record image result")
		return
	}
	log.Info().Int("prompt_len", len(finalPrompt)).Msg("Illustration ready")
}

func (p *ImagePipeline) fail(ctx context.Context, job ImageJob, pending *models.PendingImage, errType, msg string) {
	now := time.Now()
	pending.Status = models.ImageFailed
	pending.CompletedAt = &now
	pending.Error = msg
	pending.ErrorType = errType
	if err := p.store.RecordImageResult(ctx, job.SessionID, pending, nil); err != nil {
		p.logger.Error().Err(err).Str("session_id", job.SessionID).Msg("Failed to record image failure")
	}
}

// choicePrompt asks the choice-image agent for a concrete illustration brief.
func (p *ImagePipeline) choicePrompt(ctx context.Context, job ImageJob) (string, error) {
	model, err := p.reg.Model(prompts.AgentChoiceImage)
	if err != nil {
		return "", err
	}
	prompt, err := p.reg.Render(prompts.PromptChoiceImage, map[string]any{
		"Choice":     job.Choice,
		"StoryText":  job.StoryText,
		"Characters": SceneDescriptions(job.Registry, job.SceneNames),
	})
	if err != nil {
		return "", err
	}
	out, err := p.text.GenerateText(ctx, llm.TextRequest{
		Model:    model,
		Prompt:   prompt,
		Sampling: p.reg.Sampling(prompts.AgentChoiceImage),
	})
	if err != nil {
		return "", &GenerationError{Agent: prompts.AgentChoiceImage, Model: model, Err: err}
	}
	return strings.TrimSpace(out), nil
}

// sceneIntensity rates the scene 1..5 for lighting selection. Any failure
// falls back to the middle of the scale.
func (p *ImagePipeline) sceneIntensity(ctx context.Context, storyText string) int {
	model, err := p.reg.Model(prompts.AgentSceneAnalyzer)
	if err != nil {
		return defaultIntensity
	}
	prompt, err := p.reg.Render(prompts.PromptSceneIntensity, map[string]any{"StoryText": storyText})
	if err != nil {
		return defaultIntensity
	}
	out, err := p.text.GenerateText(ctx, llm.TextRequest{
		Model:    model,
		Prompt:   prompt,
		Sampling: p.reg.Sampling(prompts.AgentSceneAnalyzer),
	})
	if err != nil {
		p.logger.Debug().Err(err).Msg("Scene intensity failed, using default")
		return defaultIntensity
	}

	var parsed struct {
		IntensityLevel int `json:"intensity_level"`
	}
	if err := json.Unmarshal([]byte(stripFences(out)), &parsed); err != nil {
		p.logger.Debug().Err(err).Str("raw", truncate(out, 100)).Msg("Unparseable intensity, using default")
		return defaultIntensity
	}
	if parsed.IntensityLevel < 1 || parsed.IntensityLevel > 5 {
		return defaultIntensity
	}
	return parsed.IntensityLevel
}

// composePrompt assembles the final image prompt: brief, session style,
// character descriptions for consistency, and stylistic variance.
func (p *ImagePipeline) composePrompt(brief string, job ImageJob, intensity int) string {
	var sb strings.Builder
	sb.WriteString(brief)

	if job.StyleGuide != "" {
		sb.WriteString("\n\nStyle: ")
		sb.WriteString(job.StyleGuide)
	}
	if chars := SceneDescriptions(job.Registry, job.SceneNames); chars != "" {
		sb.WriteString("\nCharacters: ")
		sb.WriteString(chars)
	}

	perspective, framing, lighting := p.pickVariance(intensity)
	if perspective != "" {
		sb.WriteString("\nPerspective: ")
		sb.WriteString(perspective)
	}
	if framing != "" {
		sb.WriteString("\nFraming: ")
		sb.WriteString(framing)
	}
	if lighting != "" {
		sb.WriteString("\nLighting: ")
		sb.WriteString(lighting)
	}
	sb.WriteString("\nNo text, no speech bubbles.")
	return sb.String()
}

// pickVariance draws perspective and framing uniformly and lighting from the
// intensity band: calm scenes light softly, thrilling scenes dramatically.
func (p *ImagePipeline) pickVariance(intensity int) (perspective, framing, lighting string) {
	v := p.reg.Variance()
	perspective = p.pick(v.Perspectives)
	framing = p.pick(v.Framing)
	switch {
	case intensity <= 2:
		lighting = p.pick(v.Lighting.Low)
	case intensity <= 3:
		lighting = p.pick(v.Lighting.Medium)
	default:
		lighting = p.pick(v.Lighting.High)
	}
	return perspective, framing, lighting
}

// pick draws from the shared package source, which is safe for the
// concurrent image jobs of different sessions.
func (p *ImagePipeline) pick(pool []string) string {
	if len(pool) == 0 {
		return ""
	}
	return pool[rand.IntN(len(pool))]
}
