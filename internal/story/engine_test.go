package story

import (
	"context"
	"fmt"
	"strings"
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

func newTestEngine(t *testing.T, text *fakeText, image *fakeImage) (*Engine, *memStore) {
	t.Helper()
	reg, err := prompts.Load("")
	require.NoError(t, err)

	store := newMemStore()
	e, err := NewEngine(store, reg, text, image, zerolog.Nop())
	require.NoError(t, err)
	return e, store
}

func startRequest() StartRequest {
	return StartRequest{
		UserID:                 "user-1",
		ProtagonistName:        "Mira",
		ProtagonistDescription: "a curious fox with a red scarf",
		Theme:                  "an enchanted forest",
	}
}

// defaultNarrator answers every narrator call with a fresh scene featuring
// the protagonist.
func defaultNarrator(call int, _ llm.TextRequest) (string, error) {
	return narratorJSON(fmt.Sprintf("Scene %d unfolds.", call),
		SceneCharacter{Name: "Mira", Description: "a curious fox with a red scarf"}), nil
}

func TestStartAdventureGeneratesOpening(t *testing.T) {
	text := &fakeText{narrate: defaultNarrator}
	e, store := newTestEngine(t, text, &fakeImage{})
	ctx := context.Background()

	id, err := e.StartAdventure(ctx, startRequest())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	// The caller sees generating until the background job lands.
	res, err := e.Status(ctx, id)
	require.NoError(t, err)
	if res.Status == models.StatusGenerating {
		assert.Nil(t, res.Step)
	}

	e.Wait()

	res, err = e.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, res.Status)
	require.NotNil(t, res.Step)
	assert.Equal(t, 1, res.Step.Round)
	assert.Equal(t, "Scene 1 unfolds.", res.Step.StoryText)
	assert.Len(t, res.Step.Choices, 3)
	assert.NotEmpty(t, res.Step.FunNugget)

	sess := store.get(id)
	assert.NotEmpty(t, sess.StyleGuide)
	require.Len(t, sess.Registry, 1)
	assert.Equal(t, "Mira", sess.Registry[0].Name)

	// The opening illustration ran too.
	require.NotNil(t, sess.PendingImage)
	assert.Equal(t, models.ImageReady, sess.PendingImage.Status)
	assert.NotEmpty(t, sess.Turns[0].ImageURL)
}

func TestStartAdventureValidation(t *testing.T) {
	e, _ := newTestEngine(t, &fakeText{}, &fakeImage{})
	ctx := context.Background()

	cases := map[string]StartRequest{
		"missing user": {ProtagonistName: "Mira"},
		"missing name": {UserID: "u"},
		"long name":    {UserID: "u", ProtagonistName: strings.Repeat("x", MaxNameLen+1)},
		"long desc":    {UserID: "u", ProtagonistName: "Mira", ProtagonistDescription: strings.Repeat("x", MaxDescLen+1)},
		"long theme":   {UserID: "u", ProtagonistName: "Mira", Theme: strings.Repeat("x", MaxThemeLen+1)},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := e.StartAdventure(ctx, req)
			require.Error(t, err)
			assert.Equal(t, CodeValidation, ErrorCode(err))
		})
	}
}

func TestProcessTurnAdvancesStory(t *testing.T) {
	text := &fakeText{narrate: defaultNarrator}
	e, store := newTestEngine(t, text, &fakeImage{})
	ctx := context.Background()

	id, err := e.StartAdventure(ctx, startRequest())
	require.NoError(t, err)
	e.Wait()

	step, err := e.ProcessTurn(ctx, id, "I follow the path")
	require.NoError(t, err)
	assert.Equal(t, 2, step.Round)
	assert.Equal(t, "Scene 2 unfolds.", step.StoryText)
	assert.Equal(t, []string{"I follow the path"}, step.ChoicesHistory)

	e.Wait()
	sess := store.get(id)
	assert.Equal(t, 2, sess.Round)
	assert.Equal(t, models.StatusReady, sess.Status)
	assert.Equal(t, "I follow the path", sess.Turns[1].ChoiceMade)
	assert.Equal(t, 2, sess.Registry[0].LastSeenRound)
}

func TestProcessTurnValidation(t *testing.T) {
	e, _ := newTestEngine(t, &fakeText{}, &fakeImage{})
	ctx := context.Background()

	_, err := e.ProcessTurn(ctx, "whatever", "")
	require.Error(t, err)
	assert.Equal(t, CodeValidation, ErrorCode(err))

	_, err = e.ProcessTurn(ctx, "whatever", strings.Repeat("x", MaxChoiceLen+1))
	require.Error(t, err)
	assert.Equal(t, CodeValidation, ErrorCode(err))

	_, err = e.ProcessTurn(ctx, "missing-session", "I look around")
	require.Error(t, err)
	assert.Equal(t, CodeSessionNotFound, ErrorCode(err))
}

// A generating status left behind by a crashed process must not wedge the
// session: with no live job holding the session lock, both the turn path and
// the status poll recover it.
func TestStaleGeneratingSessionRecovers(t *testing.T) {
	text := &fakeText{narrate: defaultNarrator}
	e, store := newTestEngine(t, text, &fakeImage{})
	ctx := context.Background()

	id, err := e.StartAdventure(ctx, startRequest())
	require.NoError(t, err)
	e.Wait()

	_, err = store.SetStatus(ctx, id, models.StatusGenerating)
	require.NoError(t, err)

	step, err := e.ProcessTurn(ctx, id, "I look around")
	require.NoError(t, err)
	assert.Equal(t, 2, step.Round)
	e.Wait()

	_, err = store.SetStatus(ctx, id, models.StatusGenerating)
	require.NoError(t, err)

	res, err := e.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, res.Status)
	require.NotNil(t, res.Step)
	assert.Equal(t, 2, res.Step.Round)
}

func TestStaleGeneratingWithNoTurnsBecomesError(t *testing.T) {
	e, store := newTestEngine(t, &fakeText{}, &fakeImage{})
	ctx := context.Background()

	require.NoError(t, store.CreateSession(ctx, &models.Session{
		ID:     "stuck",
		UserID: "user-1",
		Status: models.StatusGenerating,
	}))

	res, err := e.Status(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, res.Status)
	assert.Nil(t, res.Step)
}

// While a background turn actually holds the session lock, new turns are
// rejected and the status poll keeps reporting generating.
func TestTurnRejectedWhileJobInFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	text := &fakeText{narrate: func(call int, req llm.TextRequest) (string, error) {
		if call == 2 {
			close(started)
			<-release
		}
		return defaultNarrator(call, req)
	}}
	e, store := newTestEngine(t, text, &fakeImage{})
	ctx := context.Background()

	id, err := e.StartAdventure(ctx, startRequest())
	require.NoError(t, err)
	e.Wait()

	require.NoError(t, e.ProcessTurnAsync(ctx, id, "I look around"))
	<-started

	_, err = e.ProcessTurn(ctx, id, "I call out")
	require.Error(t, err)
	assert.Equal(t, CodeValidation, ErrorCode(err))

	err = e.ProcessTurnAsync(ctx, id, "I call out")
	require.Error(t, err)
	assert.Equal(t, CodeValidation, ErrorCode(err))

	res, err := e.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusGenerating, res.Status)

	close(release)
	e.Wait()
	assert.Equal(t, 2, store.get(id).Round)
}

func TestFirstStoryLoadFailureMarksError(t *testing.T) {
	e, store := newTestEngine(t, &fakeText{}, &fakeImage{})
	ctx := context.Background()

	var mu sync.Mutex
	var got []models.SessionStatus
	e.SetNotifier(func(_ string, status models.SessionStatus) {
		mu.Lock()
		got = append(got, status)
		mu.Unlock()
	})

	require.NoError(t, store.CreateSession(ctx, &models.Session{
		ID:     "sess-load",
		UserID: "user-1",
		Status: models.StatusGenerating,
	}))
	store.failGets(fmt.Errorf("connection reset"))
	e.generateFirstStory(ctx, "sess-load")
	store.failGets(nil)

	sess := store.get("sess-load")
	assert.Equal(t, models.StatusError, sess.Status)
	assert.NotEmpty(t, sess.ErrorMessage)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, got, models.StatusError)
}

func TestNarratorFailureMarksErrorAndRetryRecovers(t *testing.T) {
	text := &fakeText{narrate: func(call int, req llm.TextRequest) (string, error) {
		if call == 2 {
			return "", fmt.Errorf("upstream 503")
		}
		return defaultNarrator(call, req)
	}}
	e, store := newTestEngine(t, text, &fakeImage{})
	ctx := context.Background()

	id, err := e.StartAdventure(ctx, startRequest())
	require.NoError(t, err)
	e.Wait()

	_, err = e.ProcessTurn(ctx, id, "I follow the path")
	require.Error(t, err)
	assert.Equal(t, CodeGeneration, ErrorCode(err))

	sess := store.get(id)
	assert.Equal(t, models.StatusError, sess.Status)
	assert.NotEmpty(t, sess.ErrorMessage)
	assert.Equal(t, 1, sess.Round)

	// Retry succeeds and rounds stay gapless.
	step, err := e.ProcessTurn(ctx, id, "I follow the path")
	require.NoError(t, err)
	assert.Equal(t, 2, step.Round)

	sess = store.get(id)
	assert.Equal(t, models.StatusReady, sess.Status)
	assert.Empty(t, sess.ErrorMessage)
	for i, turn := range sess.Turns {
		assert.Equal(t, i+1, turn.Round)
	}
}

func TestNarratorParseFailureIsFatal(t *testing.T) {
	text := &fakeText{narrate: func(call int, req llm.TextRequest) (string, error) {
		if call == 2 {
			return "this is not json", nil
		}
		return defaultNarrator(call, req)
	}}
	e, store := newTestEngine(t, text, &fakeImage{})
	ctx := context.Background()

	id, err := e.StartAdventure(ctx, startRequest())
	require.NoError(t, err)
	e.Wait()

	_, err = e.ProcessTurn(ctx, id, "I call out")
	require.Error(t, err)
	assert.Equal(t, CodeParse, ErrorCode(err))
	assert.Equal(t, models.StatusError, store.get(id).Status)
}

func TestUnsafeStoryTextReplaced(t *testing.T) {
	text := &fakeText{
		narrate: defaultNarrator,
		side: map[string]func(req llm.TextRequest) (string, error){
			"validator": func(llm.TextRequest) (string, error) { return "UNSAFE", nil },
		},
	}
	e, store := newTestEngine(t, text, &fakeImage{})
	ctx := context.Background()

	id, err := e.StartAdventure(ctx, startRequest())
	require.NoError(t, err)
	e.Wait()

	sess := store.get(id)
	assert.Equal(t, SafetyFallbackText, sess.Turns[0].StoryText)
	// The turn still completes normally.
	assert.Equal(t, models.StatusReady, sess.Status)
	assert.Len(t, sess.Turns[0].Choices, 3)
}

func TestRecoveryPrunesIncompleteTurns(t *testing.T) {
	text := &fakeText{narrate: defaultNarrator}
	e, store := newTestEngine(t, text, &fakeImage{})
	ctx := context.Background()

	id, err := e.StartAdventure(ctx, startRequest())
	require.NoError(t, err)
	e.Wait()

	// Simulate a crash mid-write: a second turn without completed_at and a
	// round counter that ran ahead.
	store.mu.Lock()
	sess := store.sessions[id]
	sess.Turns = append(sess.Turns, models.Turn{Round: 2, StoryText: "partial", StartedAt: time.Now()})
	sess.Round = 2
	store.mu.Unlock()

	res, err := e.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, res.Status)
	require.NotNil(t, res.Step)
	assert.Equal(t, 1, res.Step.Round)

	sess = store.get(id)
	require.Len(t, sess.Turns, 1)
	assert.Equal(t, 1, sess.Round)

	// Recovery is idempotent.
	res, err = e.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, res.Status)

	// The next turn lands on a gapless round.
	step, err := e.ProcessTurn(ctx, id, "I look around")
	require.NoError(t, err)
	assert.Equal(t, 2, step.Round)
}

func TestRecoveryWithNoCompleteTurnsMarksError(t *testing.T) {
	text := &fakeText{narrate: defaultNarrator}
	e, store := newTestEngine(t, text, &fakeImage{})
	ctx := context.Background()

	id, err := e.StartAdventure(ctx, startRequest())
	require.NoError(t, err)
	e.Wait()

	store.mu.Lock()
	sess := store.sessions[id]
	sess.Turns = []models.Turn{{Round: 1, StoryText: "partial", StartedAt: time.Now()}}
	sess.Round = 1
	store.mu.Unlock()

	res, err := e.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, res.Status)
	assert.Nil(t, res.Step)

	sess = store.get(id)
	assert.Empty(t, sess.Turns)
	assert.Equal(t, 0, sess.Round)
}

func TestCompactionAtIntervalBoundary(t *testing.T) {
	promptsByRound := make(map[int]string)
	text := &fakeText{narrate: func(call int, req llm.TextRequest) (string, error) {
		promptsByRound[call] = req.Prompt
		return narratorJSON(fmt.Sprintf("Scene %d unfolds.", call)), nil
	}}
	e, store := newTestEngine(t, text, &fakeImage{})
	ctx := context.Background()

	id, err := e.StartAdventure(ctx, startRequest())
	require.NoError(t, err)
	e.Wait()

	for round := 2; round <= 10; round++ {
		_, err := e.ProcessTurn(ctx, id, fmt.Sprintf("choice %d", round))
		require.NoError(t, err)
	}
	e.Wait()

	sess := store.get(id)
	assert.NotEmpty(t, sess.Summary)
	assert.Equal(t, 4, sess.SummarizedThrough)
	assert.Len(t, sess.Turns, 10)

	// The summary is refreshed before the boundary round's prompt is built,
	// so round 10 already narrates from the summary plus the recent window.
	p10 := promptsByRound[10]
	assert.Contains(t, p10, sess.Summary)
	for round := 1; round <= 4; round++ {
		assert.NotContains(t, p10, fmt.Sprintf("Scene %d unfolds.", round))
	}
	assert.Contains(t, p10, "Scene 5 unfolds.")
	assert.Contains(t, p10, "Scene 9 unfolds.")

	// Between boundaries the watermark holds and the window slides.
	_, err = e.ProcessTurn(ctx, id, "choice 11")
	require.NoError(t, err)
	p11 := promptsByRound[11]
	assert.Contains(t, p11, sess.Summary)
	assert.NotContains(t, p11, "Scene 3 unfolds.")
	assert.Contains(t, p11, "Scene 8 unfolds.")
}

// The fun nugget runs alongside the narrator, so its seed is the story so
// far, never the scene being narrated.
func TestFunNuggetRunsOnHistoryNotCurrentScene(t *testing.T) {
	var mu sync.Mutex
	var nuggetPrompts []string
	text := &fakeText{
		narrate: defaultNarrator,
		side: map[string]func(req llm.TextRequest) (string, error){
			"fun_nugget": func(req llm.TextRequest) (string, error) {
				mu.Lock()
				nuggetPrompts = append(nuggetPrompts, req.Prompt)
				mu.Unlock()
				return "Foxes use the earth's magnetic field to hunt.", nil
			},
		},
	}
	e, _ := newTestEngine(t, text, &fakeImage{})
	ctx := context.Background()

	id, err := e.StartAdventure(ctx, startRequest())
	require.NoError(t, err)
	e.Wait()

	_, err = e.ProcessTurn(ctx, id, "I follow the path")
	require.NoError(t, err)
	e.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, nuggetPrompts, 2)
	// Round 1 has no history yet, so the theme seeds the nugget.
	assert.Contains(t, nuggetPrompts[0], "an enchanted forest")
	// Round 2 is seeded from round 1, not from the scene being narrated.
	assert.Contains(t, nuggetPrompts[1], "Scene 1 unfolds.")
	assert.NotContains(t, nuggetPrompts[1], "Scene 2 unfolds.")
}

func TestProcessTurnAsync(t *testing.T) {
	text := &fakeText{narrate: defaultNarrator}
	e, store := newTestEngine(t, text, &fakeImage{})
	ctx := context.Background()

	id, err := e.StartAdventure(ctx, startRequest())
	require.NoError(t, err)
	e.Wait()

	require.NoError(t, e.ProcessTurnAsync(ctx, id, "I look around"))
	e.Wait()

	sess := store.get(id)
	assert.Equal(t, models.StatusReady, sess.Status)
	assert.Equal(t, 2, sess.Round)

	err = e.ProcessTurnAsync(ctx, "missing", "I look around")
	require.Error(t, err)
	assert.Equal(t, CodeSessionNotFound, ErrorCode(err))
}

func TestImageStatusLifecycle(t *testing.T) {
	text := &fakeText{narrate: defaultNarrator}
	e, _ := newTestEngine(t, text, &fakeImage{})
	ctx := context.Background()

	id, err := e.StartAdventure(ctx, startRequest())
	require.NoError(t, err)
	e.Wait()

	res, err := e.ImageStatus(ctx, id, 1)
	require.NoError(t, err)
	assert.Equal(t, models.ImageReady, res.Status)
	assert.NotEmpty(t, res.ImageURL)

	// A later round pushes round 1 out of the pending mailbox; the durable
	// history still answers.
	_, err = e.ProcessTurn(ctx, id, "I look around")
	require.NoError(t, err)
	e.Wait()

	res, err = e.ImageStatus(ctx, id, 1)
	require.NoError(t, err)
	assert.Equal(t, models.ImageReady, res.Status)
	assert.NotEmpty(t, res.ImageURL)

	res, err = e.ImageStatus(ctx, id, 99)
	require.NoError(t, err)
	assert.Equal(t, models.ImageStatusNotFound, res.Status)

	_, err = e.ImageStatus(ctx, "missing", 1)
	require.Error(t, err)
	assert.Equal(t, CodeSessionNotFound, ErrorCode(err))
}

func TestImageFailureDoesNotAffectSession(t *testing.T) {
	text := &fakeText{narrate: defaultNarrator}
	image := &fakeImage{fn: func(int, llm.ImageRequest) (string, error) {
		return "", fmt.Errorf("image quota exhausted")
	}}
	e, store := newTestEngine(t, text, image)
	ctx := context.Background()

	id, err := e.StartAdventure(ctx, startRequest())
	require.NoError(t, err)
	e.Wait()

	sess := store.get(id)
	assert.Equal(t, models.StatusReady, sess.Status)
	require.NotNil(t, sess.PendingImage)
	assert.Equal(t, models.ImageFailed, sess.PendingImage.Status)

	res, err := e.ImageStatus(ctx, id, 1)
	require.NoError(t, err)
	assert.Equal(t, models.ImageFailed, res.Status)
	assert.NotEmpty(t, res.Error)
}

func TestListUserSessionsRequiresUser(t *testing.T) {
	e, _ := newTestEngine(t, &fakeText{}, &fakeImage{})

	_, err := e.ListUserSessions(context.Background(), "  ", 50)
	require.Error(t, err)
	assert.Equal(t, CodeValidation, ErrorCode(err))
}

func TestNotifierReceivesTransitions(t *testing.T) {
	text := &fakeText{narrate: defaultNarrator}
	e, _ := newTestEngine(t, text, &fakeImage{})
	ctx := context.Background()

	var mu sync.Mutex
	var got []models.SessionStatus
	e.SetNotifier(func(_ string, status models.SessionStatus) {
		mu.Lock()
		got = append(got, status)
		mu.Unlock()
	})

	id, err := e.StartAdventure(ctx, startRequest())
	require.NoError(t, err)
	e.Wait()

	require.NoError(t, e.ProcessTurnAsync(ctx, id, "I look around"))
	e.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, got, models.StatusReady)
	assert.Contains(t, got, models.StatusGenerating)
}
