package story

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/taleweaver/taleweaver/internal/prompts"
	"github.com/taleweaver/taleweaver/pkg/models"
)

// Input bounds enforced before any model call.
const (
	MaxNameLen   = 100
	MaxDescLen   = 200
	MaxThemeLen  = 200
	MaxChoiceLen = 500

	// backgroundJobTimeout bounds a detached first-story, turn, or image job.
	backgroundJobTimeout = 3 * time.Minute
)

// Notifier receives session status transitions, for push channels like SSE.
type Notifier func(sessionID string, status models.SessionStatus)

// Engine orchestrates sessions: the status state machine, the turn pipeline,
// history compaction, crash recovery, and the async image sub-pipeline.
type Engine struct {
	store   SessionStore
	reg     *prompts.Registry
	gen     *Generator
	compact *Compactor
	images  *ImagePipeline
	logger  zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	notifyMu sync.RWMutex
	notify   Notifier

	// jobs tracks detached background work so tests and shutdown can drain.
	jobs sync.WaitGroup
}

// NewEngine wires the engine from its parts.
func NewEngine(store SessionStore, reg *prompts.Registry, text TextGenerator, image ImageGenerator, logger zerolog.Logger) (*Engine, error) {
	compact, err := NewCompactor(reg, text, logger)
	if err != nil {
		return nil, err
	}
	return &Engine{
		store:   store,
		reg:     reg,
		gen:     NewGenerator(reg, text, logger),
		compact: compact,
		images:  NewImagePipeline(store, reg, text, image, logger),
		logger:  logger.With().Str("component", "engine").Logger(),
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

// SetNotifier installs the status transition hook.
func (e *Engine) SetNotifier(n Notifier) {
	e.notifyMu.Lock()
	e.notify = n
	e.notifyMu.Unlock()
}

func (e *Engine) notifyStatus(sessionID string, status models.SessionStatus) {
	e.notifyMu.RLock()
	n := e.notify
	e.notifyMu.RUnlock()
	if n != nil {
		n(sessionID, status)
	}
}

// Wait blocks until all detached background jobs finish.
func (e *Engine) Wait() {
	e.jobs.Wait()
}

// sessionLock returns the mutex serializing work on one session. Concurrent
// turns on different sessions proceed independently.
func (e *Engine) sessionLock(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	return l
}

func (e *Engine) lockSession(id string) func() {
	l := e.sessionLock(id)
	l.Lock()
	return l.Unlock
}

// tryLockSession acquires the session lock only when no other work holds it.
// A held lock means a turn or first-story job is in flight right now; a free
// lock combined with a durable generating status means that job died with its
// process and the session needs recovery.
func (e *Engine) tryLockSession(id string) (func(), bool) {
	l := e.sessionLock(id)
	if !l.TryLock() {
		return nil, false
	}
	return l.Unlock, true
}

// StartRequest describes a new adventure.
type StartRequest struct {
	UserID                 string
	ProtagonistName        string
	ProtagonistDescription string
	Theme                  string
}

func (r *StartRequest) validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return &ValidationError{Field: "user_id", Reason: "required"}
	}
	name := strings.TrimSpace(r.ProtagonistName)
	if name == "" {
		return &ValidationError{Field: "protagonist_name", Reason: "required"}
	}
	if len(name) > MaxNameLen {
		return &ValidationError{Field: "protagonist_name", Reason: fmt.Sprintf("longer than %d characters", MaxNameLen)}
	}
	if len(r.ProtagonistDescription) > MaxDescLen {
		return &ValidationError{Field: "protagonist_description", Reason: fmt.Sprintf("longer than %d characters", MaxDescLen)}
	}
	if len(r.Theme) > MaxThemeLen {
		return &ValidationError{Field: "theme", Reason: fmt.Sprintf("longer than %d characters", MaxThemeLen)}
	}
	return nil
}

// StartAdventure creates a session in status generating and kicks off the
// opening scene in the background. The caller polls the status endpoint.
func (e *Engine) StartAdventure(ctx context.Context, req StartRequest) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}

	sess := &models.Session{
		ID:                     uuid.NewString(),
		UserID:                 strings.TrimSpace(req.UserID),
		ProtagonistName:        strings.TrimSpace(req.ProtagonistName),
		ProtagonistDescription: strings.TrimSpace(req.ProtagonistDescription),
		Theme:                  strings.TrimSpace(req.Theme),
		Status:                 models.StatusGenerating,
	}
	if err := e.store.CreateSession(ctx, sess); err != nil {
		return "", err
	}

	e.logger.Info().Str("session_id", sess.ID).Str("user_id", sess.UserID).Msg("Adventure started")

	// The session lock is held from creation until the job finishes, so a
	// generating status with a free lock always means a crashed job, never a
	// job about to start.
	unlock := e.lockSession(sess.ID)
	e.detach(func(jobCtx context.Context) {
		defer unlock()
		e.generateFirstStory(jobCtx, sess.ID)
	})
	return sess.ID, nil
}

// generateFirstStory produces the style guide and the opening scene. The
// caller holds the session lock.
func (e *Engine) generateFirstStory(ctx context.Context, sessionID string) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil || sess == nil {
		e.logger.Error().Err(err).Str("session_id", sessionID).Msg("First story: session load failed")
		if merr := e.store.MarkError(ctx, sessionID, "failed to load session"); merr != nil {
			e.logger.Error().Err(merr).Str("session_id", sessionID).Msg("Failed to mark session error")
		}
		e.notifyStatus(sessionID, models.StatusError)
		return
	}

	// The style guide is generated once and reused for every illustration.
	sess.StyleGuide = e.gen.StyleGuide(ctx, sess.ProtagonistName, sess.ProtagonistDescription, sess.Theme)
	if err := e.store.SetStyleGuide(ctx, sess.ID, sess.StyleGuide); err != nil {
		e.logger.Error().Err(err).Str("session_id", sessionID).Msg("Failed to store style guide")
	}

	if err := e.runTurn(ctx, sess, ""); err != nil {
		e.logger.Error().Err(err).Str("session_id", sessionID).Msg("First story failed")
	}
}

// ProcessTurn advances the story by one round and returns the new step. The
// session is locked for the duration; recovery runs first if a previous write
// was interrupted.
func (e *Engine) ProcessTurn(ctx context.Context, sessionID, choice string) (*models.Step, error) {
	choice = strings.TrimSpace(choice)
	if choice == "" {
		return nil, &ValidationError{Field: "choice", Reason: "required"}
	}
	if len(choice) > MaxChoiceLen {
		return nil, &ValidationError{Field: "choice", Reason: fmt.Sprintf("longer than %d characters", MaxChoiceLen)}
	}

	unlock, ok := e.tryLockSession(sessionID)
	if !ok {
		return nil, &ValidationError{Field: "session", Reason: "a turn is already being generated"}
	}
	defer unlock()

	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, &NotFoundError{SessionID: sessionID}
	}

	// Recovery runs before any status gate. It also clears a generating
	// status left behind by a crashed process; holding the lock proves no
	// live job owns this session.
	sess, err = e.recover(ctx, sess)
	if err != nil {
		return nil, err
	}

	if err := e.runTurn(ctx, sess, choice); err != nil {
		return nil, err
	}

	fresh, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return StepFromSession(fresh), nil
}

// ProcessTurnAsync validates and flips the session to generating, then runs
// the turn detached. The caller polls the status endpoint.
func (e *Engine) ProcessTurnAsync(ctx context.Context, sessionID, choice string) error {
	choice = strings.TrimSpace(choice)
	if choice == "" {
		return &ValidationError{Field: "choice", Reason: "required"}
	}
	if len(choice) > MaxChoiceLen {
		return &ValidationError{Field: "choice", Reason: fmt.Sprintf("longer than %d characters", MaxChoiceLen)}
	}

	unlock, ok := e.tryLockSession(sessionID)
	if !ok {
		return &ValidationError{Field: "session", Reason: "a turn is already being generated"}
	}

	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		unlock()
		return err
	}
	if sess == nil {
		unlock()
		return &NotFoundError{SessionID: sessionID}
	}
	sess, err = e.recover(ctx, sess)
	if err != nil {
		unlock()
		return err
	}

	if _, err := e.store.SetStatus(ctx, sessionID, models.StatusGenerating); err != nil {
		unlock()
		return err
	}
	e.notifyStatus(sessionID, models.StatusGenerating)

	// The job inherits the session lock held since validation, so no second
	// turn can slip in between the accept and the background work.
	e.detach(func(jobCtx context.Context) {
		defer unlock()
		if err := e.runTurn(jobCtx, sess, choice); err != nil {
			e.logger.Error().Err(err).Str("session_id", sessionID).Msg("Async turn failed")
		}
	})
	return nil
}

// runTurn executes the turn pipeline against a loaded session. On success
// the turn is durably appended, the session is ready, and the image job is
// detached. On failure the session is marked error.
func (e *Engine) runTurn(ctx context.Context, sess *models.Session, choice string) error {
	round := sess.Round + 1
	started := time.Now()
	log := e.logger.With().Str("session_id", sess.ID).Int("round", round).Logger()

	// The summary is refreshed before the prompt is built, so the triggering
	// round already narrates from the compacted history.
	summary, through := sess.Summary, sess.SummarizedThrough
	history := e.compact.Render(summary, through, sess.Turns)
	if e.compact.ShouldCompact(round, len(sess.Turns), history) {
		summary, through = e.compact.Compact(ctx, summary, through, sess.Turns)
		history = e.compact.Render(summary, through, sess.Turns)
	}
	log.Debug().Int("history_tokens", e.compact.PromptTokens(history)).Msg("Turn started")

	templateName := prompts.PromptNarrator
	vars := map[string]any{
		"History":           history,
		"Choice":            choice,
		"Wildcard":          e.reg.RandomWildcard(),
		"CharacterRegistry": FormatRegistry(sess.Registry),
	}
	if round == 1 {
		templateName = prompts.PromptOpening
		vars = map[string]any{
			"ProtagonistName":        sess.ProtagonistName,
			"ProtagonistDescription": sess.ProtagonistDescription,
			"Theme":                  sess.Theme,
		}
	}

	// The fun nugget does not need the new scene, so it runs alongside the
	// narrator, seeded from the story so far.
	nuggetSeed := history
	if round == 1 {
		nuggetSeed = sess.Theme
	}
	var nugget string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		nugget = e.gen.FunNugget(gctx, nuggetSeed)
		return nil
	})

	resp, err := e.gen.Narrate(ctx, templateName, vars)
	_ = g.Wait()
	if err != nil {
		log.Error().Err(err).Msg("Narration failed")
		if merr := e.store.MarkError(ctx, sess.ID, err.Error()); merr != nil {
			log.Error().Err(merr).Msg("Failed to mark session error")
		}
		e.notifyStatus(sess.ID, models.StatusError)
		return err
	}

	if !e.gen.ValidateSafety(ctx, resp.StoryText) {
		log.Warn().Msg("Story text rejected by validator, using fallback")
		resp.StoryText = SafetyFallbackText
	}

	registry, sceneNames := MergeCharacters(sess.Registry, resp.CharactersInScene, round, log)

	completed := time.Now()
	turn := &models.Turn{
		Round:       round,
		ChoiceMade:  choice,
		StoryText:   resp.StoryText,
		Choices:     resp.Choices(),
		FunNugget:   nugget,
		StartedAt:   started,
		CompletedAt: &completed,
	}
	if err := e.store.AppendTurn(ctx, sess.ID, turn, registry, summary, through); err != nil {
		log.Error().Err(err).Msg("Turn persist failed")
		if merr := e.store.MarkError(ctx, sess.ID, "failed to save turn"); merr != nil {
			log.Error().Err(merr).Msg("Failed to mark session error")
		}
		e.notifyStatus(sess.ID, models.StatusError)
		return err
	}
	e.notifyStatus(sess.ID, models.StatusReady)
	log.Info().Dur("took", completed.Sub(started)).Msg("Turn complete")

	job := ImageJob{
		SessionID:  sess.ID,
		Round:      round,
		Choice:     choice,
		StoryText:  resp.StoryText,
		StyleGuide: sess.StyleGuide,
		Registry:   registry,
		SceneNames: sceneNames,
	}
	e.detach(func(jobCtx context.Context) {
		e.images.Generate(jobCtx, job)
	})
	return nil
}

// recover prunes turns interrupted mid-write and resets round and status.
// A session with no surviving turns becomes an error session; otherwise it is
// ready at the last complete round. A generating status with no live job is
// recovered the same way. Already-consistent sessions pass through untouched.
func (e *Engine) recover(ctx context.Context, sess *models.Session) (*models.Session, error) {
	complete := 0
	for _, t := range sess.Turns {
		if t.Complete() {
			complete++
		}
	}
	if complete == len(sess.Turns) && sess.Round == complete && sess.Status != models.StatusGenerating {
		return sess, nil
	}

	status := models.StatusReady
	if complete == 0 {
		status = models.StatusError
	}
	e.logger.Warn().Str("session_id", sess.ID).
		Int("dropped", len(sess.Turns)-complete).Int("round", complete).
		Msg("Recovering interrupted session")

	if err := e.store.ApplyRecovery(ctx, sess.ID, complete, status); err != nil {
		return nil, err
	}
	e.notifyStatus(sess.ID, status)
	fresh, err := e.store.GetSession(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	if fresh == nil {
		return nil, &NotFoundError{SessionID: sess.ID}
	}
	return fresh, nil
}

// StatusResult is the poll answer for an async start or turn.
type StatusResult struct {
	Status       models.SessionStatus `json:"status"`
	Step         *models.Step         `json:"step,omitempty"`
	ErrorMessage string               `json:"error,omitempty"`
}

// Status reports the session state machine, including the latest step when
// ready. Interrupted sessions are recovered on read.
func (e *Engine) Status(ctx context.Context, sessionID string) (*StatusResult, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, &NotFoundError{SessionID: sessionID}
	}

	if sess.Status == models.StatusGenerating {
		// A free session lock while the status says generating means the job
		// died with its process; recover instead of reporting generating
		// forever. A held lock means real work is in flight.
		if unlock, ok := e.tryLockSession(sessionID); ok {
			sess, err = e.store.GetSession(ctx, sessionID)
			if err == nil && sess != nil && sess.Status == models.StatusGenerating {
				sess, err = e.recover(ctx, sess)
			}
			unlock()
			if err != nil {
				return nil, err
			}
			if sess == nil {
				return nil, &NotFoundError{SessionID: sessionID}
			}
		}
	} else {
		sess, err = e.recover(ctx, sess)
		if err != nil {
			return nil, err
		}
	}

	res := &StatusResult{Status: sess.Status, ErrorMessage: sess.ErrorMessage}
	if sess.Status == models.StatusReady {
		res.Step = StepFromSession(sess)
	}
	return res, nil
}

// GetSession loads the full session, recovering it first when inconsistent.
func (e *Engine) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, &NotFoundError{SessionID: sessionID}
	}
	if sess.Status == models.StatusGenerating {
		return sess, nil
	}
	return e.recover(ctx, sess)
}

// ImageStatus answers the image poll for a round. The pending mailbox only
// covers the most recent job, so older rounds fall back to the durable image
// history.
func (e *Engine) ImageStatus(ctx context.Context, sessionID string, round int) (*models.ImageStatusResult, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, &NotFoundError{SessionID: sessionID}
	}

	if p := sess.PendingImage; p != nil && p.Round == round {
		res := &models.ImageStatusResult{
			Status:   p.Status,
			Round:    p.Round,
			ImageURL: p.ImageURL,
		}
		if p.Status == models.ImageFailed {
			res.Error = p.Error
			res.ErrorType = p.ErrorType
		}
		if p.Status == models.ImageGenerating {
			res.RetryAfter = 2
		}
		return res, nil
	}

	for _, rec := range sess.ImageHistory {
		if rec.Round == round {
			return &models.ImageStatusResult{
				Status:   models.ImageReady,
				Round:    round,
				ImageURL: rec.URL,
			}, nil
		}
	}

	return &models.ImageStatusResult{Status: models.ImageStatusNotFound, Round: round}, nil
}

// ListUserSessions returns the user's recent sessions, newest first.
func (e *Engine) ListUserSessions(ctx context.Context, userID string, limit int) ([]models.SessionSummary, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, &ValidationError{Field: "user_id", Reason: "required"}
	}
	return e.store.ListUserSessions(ctx, userID, limit)
}

// StepFromSession projects the latest turn into a client-facing step.
func StepFromSession(sess *models.Session) *models.Step {
	last := sess.LastTurn()
	if last == nil {
		return nil
	}
	return &models.Step{
		Round:          last.Round,
		StoryText:      last.StoryText,
		ImageURL:       last.ImageURL,
		Choices:        last.Choices,
		FunNugget:      last.FunNugget,
		ChoicesHistory: sess.ChoicesMade(),
	}
}

// detach runs fn on a fresh, time-bounded context so it outlives the HTTP
// request that triggered it.
func (e *Engine) detach(fn func(ctx context.Context)) {
	e.jobs.Add(1)
	go func() {
		defer e.jobs.Done()
		ctx, cancel := context.WithTimeout(context.Background(), backgroundJobTimeout)
		defer cancel()
		fn(ctx)
	}()
}
