// Package llm wraps the Gemini API behind small text and image generation
// calls with per-kind rate limiting.
package llm

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/taleweaver/taleweaver/internal/prompts"
)

// Config holds client configuration.
type Config struct {
	APIKey              string
	TextRequestsPerMin  int
	ImageRequestsPerMin int
}

// Client is a rate-limited Gemini API client. Text and image calls draw from
// separate limiters because image quota is much tighter.
type Client struct {
	genai        *genai.Client
	textLimiter  *rate.Limiter
	imageLimiter *rate.Limiter
	logger       zerolog.Logger
}

// NewClient creates a Gemini client.
func NewClient(ctx context.Context, cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	textRPM := cfg.TextRequestsPerMin
	if textRPM <= 0 {
		textRPM = 60
	}
	imageRPM := cfg.ImageRequestsPerMin
	if imageRPM <= 0 {
		imageRPM = 20
	}

	return &Client{
		genai:        gc,
		textLimiter:  rate.NewLimiter(rate.Limit(float64(textRPM)/60.0), 2),
		imageLimiter: rate.NewLimiter(rate.Limit(float64(imageRPM)/60.0), 1),
		logger:       logger.With().Str("component", "llm").Logger(),
	}, nil
}

// TextRequest describes one text generation call.
type TextRequest struct {
	Model    string
	Prompt   string
	Sampling prompts.SamplingParams

	// JSONOutput requests application/json output, constrained by Schema
	// when set.
	JSONOutput bool
	Schema     *genai.Schema
}

// GenerateText runs a single text generation call and returns the raw model
// output.
func (c *Client) GenerateText(ctx context.Context, req TextRequest) (string, error) {
	if err := c.textLimiter.Wait(ctx); err != nil {
		return "", err
	}

	cfg := &genai.GenerateContentConfig{
		Temperature: req.Sampling.Temperature,
		TopP:        req.Sampling.TopP,
	}
	if req.Sampling.MaxTokens > 0 {
		cfg.MaxOutputTokens = req.Sampling.MaxTokens
	}
	if req.JSONOutput {
		cfg.ResponseMIMEType = "application/json"
		cfg.ResponseSchema = req.Schema
	}

	c.logger.Debug().Str("model", req.Model).Int("prompt_len", len(req.Prompt)).Msg("text request")

	resp, err := c.genai.Models.GenerateContent(ctx, req.Model, genai.Text(req.Prompt), cfg)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("model %s returned no text", req.Model)
	}
	return text, nil
}

// ImageRequest describes one image generation call.
type ImageRequest struct {
	Model       string
	Prompt      string
	AspectRatio string
}

// GenerateImage runs a single image generation call and returns the image as
// a data URL.
func (c *Client) GenerateImage(ctx context.Context, req ImageRequest) (string, error) {
	if err := c.imageLimiter.Wait(ctx); err != nil {
		return "", err
	}

	cfg := &genai.GenerateContentConfig{
		ResponseModalities: []string{"IMAGE", "TEXT"},
	}
	if req.AspectRatio != "" {
		cfg.ImageConfig = &genai.ImageConfig{AspectRatio: req.AspectRatio}
	}

	c.logger.Debug().Str("model", req.Model).Int("prompt_len", len(req.Prompt)).Msg("image request")

	resp, err := c.genai.Models.GenerateContent(ctx, req.Model, genai.Text(req.Prompt), cfg)
	if err != nil {
		return "", fmt.Errorf("generate image: %w", err)
	}

	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			mime := part.InlineData.MIMEType
			if mime == "" {
				mime = "image/png"
			}
			encoded := base64.StdEncoding.EncodeToString(part.InlineData.Data)
			return fmt.Sprintf("data:%s;base64,%s", mime, encoded), nil
		}
	}
	return "", fmt.Errorf("model %s returned no inline image data", req.Model)
}
