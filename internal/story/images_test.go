package story

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taleweaver/taleweaver/internal/llm"
	"github.com/taleweaver/taleweaver/internal/prompts"
	"github.com/taleweaver/taleweaver/pkg/models"
)

func newImageFixture(t *testing.T, text *fakeText, image *fakeImage) (*ImagePipeline, *memStore, ImageJob) {
	t.Helper()
	reg, err := prompts.Load("")
	require.NoError(t, err)

	store := newMemStore()
	now := time.Now()
	sess := &models.Session{
		ID:     "sess-1",
		UserID: "user-1",
		Status: models.StatusReady,
		Round:  1,
		Turns: []models.Turn{{
			Round:       1,
			StoryText:   "Mira stepped into the glade.",
			StartedAt:   now,
			CompletedAt: &now,
		}},
		Registry: []models.Character{
			{Name: "Mira", Description: "a curious fox with a red scarf", FirstSeenRound: 1, LastSeenRound: 1},
		},
	}
	require.NoError(t, store.CreateSession(context.Background(), sess))

	job := ImageJob{
		SessionID:  "sess-1",
		Round:      1,
		Choice:     "",
		StoryText:  "Mira stepped into the glade.",
		StyleGuide: "Soft watercolor, warm pastels.",
		Registry:   sess.Registry,
		SceneNames: []string{"Mira"},
	}
	return NewImagePipeline(store, reg, text, image, zerolog.Nop()), store, job
}

func TestImagePipelineSuccess(t *testing.T) {
	var captured llm.ImageRequest
	image := &fakeImage{fn: func(_ int, req llm.ImageRequest) (string, error) {
		captured = req
		return "data:image/png;base64,aGk=", nil
	}}
	p, store, job := newImageFixture(t, &fakeText{}, image)

	p.Generate(context.Background(), job)

	sess := store.get("sess-1")
	require.NotNil(t, sess.PendingImage)
	assert.Equal(t, models.ImageReady, sess.PendingImage.Status)
	assert.Equal(t, "data:image/png;base64,aGk=", sess.PendingImage.ImageURL)
	assert.NotNil(t, sess.PendingImage.CompletedAt)

	assert.Equal(t, "data:image/png;base64,aGk=", sess.Turns[0].ImageURL)

	require.Len(t, sess.ImageHistory, 1)
	assert.Equal(t, 1, sess.ImageHistory[0].Round)
	assert.Equal(t, []string{"Mira"}, sess.ImageHistory[0].CharactersInScene)

	assert.Equal(t, "4:3", captured.AspectRatio)
	assert.Contains(t, captured.Prompt, "Soft watercolor, warm pastels.")
	assert.Contains(t, captured.Prompt, "Mira: a curious fox with a red scarf")
	assert.Contains(t, captured.Prompt, "Lighting: ")
	assert.Contains(t, captured.Prompt, "No text, no speech bubbles.")
}

func TestImagePipelineRejectsShortBrief(t *testing.T) {
	text := &fakeText{side: map[string]func(req llm.TextRequest) (string, error){
		"choice_image": func(llm.TextRequest) (string, error) {
			return "  ok  ", nil
		},
	}}
	image := &fakeImage{}
	p, store, job := newImageFixture(t, text, image)

	p.Generate(context.Background(), job)

	sess := store.get("sess-1")
	require.NotNil(t, sess.PendingImage)
	assert.Equal(t, models.ImageFailed, sess.PendingImage.Status)
	assert.Equal(t, imageErrInvalidPrompt, sess.PendingImage.ErrorType)
	assert.Empty(t, sess.Turns[0].ImageURL)
	assert.Empty(t, sess.ImageHistory)
	assert.Zero(t, image.calls)
}

func TestImagePipelineBriefFailure(t *testing.T) {
	text := &fakeText{side: map[string]func(req llm.TextRequest) (string, error){
		"choice_image": func(llm.TextRequest) (string, error) {
			return "", fmt.Errorf("upstream 503")
		},
	}}
	p, store, job := newImageFixture(t, text, &fakeImage{})

	p.Generate(context.Background(), job)

	sess := store.get("sess-1")
	assert.Equal(t, models.ImageFailed, sess.PendingImage.Status)
	assert.Equal(t, imageErrGeneration, sess.PendingImage.ErrorType)
}

func TestImagePipelineModelFailureKeepsTurn(t *testing.T) {
	image := &fakeImage{fn: func(int, llm.ImageRequest) (string, error) {
		return "", fmt.Errorf("image quota exhausted")
	}}
	p, store, job := newImageFixture(t, &fakeText{}, image)

	p.Generate(context.Background(), job)

	sess := store.get("sess-1")
	assert.Equal(t, models.ImageFailed, sess.PendingImage.Status)
	assert.Equal(t, models.StatusReady, sess.Status)
	assert.Equal(t, "Mira stepped into the glade.", sess.Turns[0].StoryText)
	assert.Empty(t, sess.ImageHistory)
}

func TestSceneIntensityDefaultOnGarbage(t *testing.T) {
	for name, out := range map[string]string{
		"not json":     "pretty intense",
		"out of range": `{"intensity_level": 9}`,
		"zero":         `{"intensity_level": 0}`,
	} {
		t.Run(name, func(t *testing.T) {
			text := &fakeText{side: map[string]func(req llm.TextRequest) (string, error){
				"scene_intensity": func(llm.TextRequest) (string, error) { return out, nil },
			}}
			p, _, _ := newImageFixture(t, text, &fakeImage{})
			assert.Equal(t, defaultIntensity, p.sceneIntensity(context.Background(), "x"))
		})
	}
}

func TestSceneIntensityStripsFences(t *testing.T) {
	text := &fakeText{side: map[string]func(req llm.TextRequest) (string, error){
		"scene_intensity": func(llm.TextRequest) (string, error) {
			return "```json\n{\"intensity_level\": 5}\n```", nil
		},
	}}
	p, _, _ := newImageFixture(t, text, &fakeImage{})
	assert.Equal(t, 5, p.sceneIntensity(context.Background(), "a dragon roars"))
}

func TestPickVarianceLightingBands(t *testing.T) {
	p, _, _ := newImageFixture(t, &fakeText{}, &fakeImage{})
	v := p.reg.Variance()

	for i := 0; i < 50; i++ {
		_, _, low := p.pickVariance(1)
		assert.Contains(t, v.Lighting.Low, low)

		_, _, mid := p.pickVariance(3)
		assert.Contains(t, v.Lighting.Medium, mid)

		perspective, framing, high := p.pickVariance(5)
		assert.Contains(t, v.Lighting.High, high)
		assert.Contains(t, v.Perspectives, perspective)
		assert.Contains(t, v.Framing, framing)
	}
}

// Image jobs for different sessions draw variance concurrently.
func TestPickVarianceSafeForConcurrentJobs(t *testing.T) {
	p, _, _ := newImageFixture(t, &fakeText{}, &fakeImage{})
	v := p.reg.Variance()

	valid := make(map[string]bool)
	for _, pool := range [][]string{v.Lighting.Low, v.Lighting.Medium, v.Lighting.High} {
		for _, s := range pool {
			valid[s] = true
		}
	}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_, _, lighting := p.pickVariance(1 + (g+i)%5)
				if !valid[lighting] {
					t.Errorf("unexpected lighting %q", lighting)
				}
			}
		}(g)
	}
	wg.Wait()
}
