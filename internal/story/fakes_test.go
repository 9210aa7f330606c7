package story

import (
	"context"
	"fmt"
	"strings"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/taleweaver/taleweaver/internal/llm"
	"github.com/taleweaver/taleweaver/pkg/models"
)

// memStore is an in-memory SessionStore for engine tests.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	getErr   error
}

var _ SessionStore = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]*models.Session)}
}

func (m *memStore) get(id string) *models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneSession(m.sessions[id])
}

func cloneSession(s *models.Session) *models.Session {
	if s == nil {
		return nil
	}
	b, _ := json.Marshal(s)
	var out models.Session
	_ = json.Unmarshal(b, &out)
	return &out
}

func (m *memStore) CreateSession(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("duplicate session %s", s.ID)
	}
	m.sessions[s.ID] = cloneSession(s)
	return nil
}

func (m *memStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	m.mu.Lock()
	err := m.getErr
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return m.get(id), nil
}

// failGets makes every subsequent GetSession return err until reset with nil.
func (m *memStore) failGets(err error) {
	m.mu.Lock()
	m.getErr = err
	m.mu.Unlock()
}

func (m *memStore) SetStatus(_ context.Context, id string, status models.SessionStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false, nil
	}
	s.Status = status
	return true, nil
}

func (m *memStore) MarkError(_ context.Context, id, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.Status = models.StatusError
		s.ErrorMessage = msg
	}
	return nil
}

func (m *memStore) SetStyleGuide(_ context.Context, id, styleGuide string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.StyleGuide = styleGuide
	}
	return nil
}

func (m *memStore) AppendTurn(_ context.Context, id string, turn *models.Turn, registry []models.Character, summary string, summarizedThrough int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}
	for _, t := range s.Turns {
		if t.Round == turn.Round {
			return fmt.Errorf("duplicate round %d", turn.Round)
		}
	}
	s.Turns = append(s.Turns, *turn)
	s.Registry = registry
	s.Summary = summary
	s.SummarizedThrough = summarizedThrough
	s.Round = turn.Round
	s.Status = models.StatusReady
	s.ErrorMessage = ""
	return nil
}

func (m *memStore) ApplyRecovery(_ context.Context, id string, round int, status models.SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}
	var kept []models.Turn
	for _, t := range s.Turns {
		if t.Complete() {
			kept = append(kept, t)
		}
	}
	s.Turns = kept
	s.Round = round
	s.Status = status
	return nil
}

func (m *memStore) SetTurnImage(_ context.Context, id string, round int, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}
	for i := range s.Turns {
		if s.Turns[i].Round == round {
			s.Turns[i].ImageURL = url
			return nil
		}
	}
	return fmt.Errorf("round %d not found", round)
}

func (m *memStore) SetPendingImage(_ context.Context, id string, p *models.PendingImage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}
	cp := *p
	s.PendingImage = &cp
	return nil
}

func (m *memStore) RecordImageResult(_ context.Context, id string, p *models.PendingImage, rec *models.ImageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}
	cp := *p
	s.PendingImage = &cp
	if rec != nil {
		s.ImageHistory = append(s.ImageHistory, *rec)
	}
	return nil
}

func (m *memStore) ListUserSessions(_ context.Context, userID string, limit int) ([]models.SessionSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.SessionSummary
	for _, s := range m.sessions {
		if s.UserID != userID {
			continue
		}
		out = append(out, models.SessionSummary{
			SessionID:       s.ID,
			ProtagonistName: s.ProtagonistName,
			Theme:           s.Theme,
			Round:           s.Round,
		})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// fakeText routes generation calls to per-agent handlers keyed on prompt
// content from the default templates.
type fakeText struct {
	mu       sync.Mutex
	narrate  func(call int, req llm.TextRequest) (string, error)
	side     map[string]func(req llm.TextRequest) (string, error)
	narrates int
}

var _ TextGenerator = (*fakeText)(nil)

func (f *fakeText) GenerateText(_ context.Context, req llm.TextRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if req.JSONOutput {
		f.narrates++
		if f.narrate == nil {
			return "", fmt.Errorf("unexpected narrator call")
		}
		return f.narrate(f.narrates, req)
	}

	agent := classifyPrompt(req.Prompt)
	if h, ok := f.side[agent]; ok {
		return h(req)
	}
	switch agent {
	case "validator":
		return "SAFE", nil
	case "fun_nugget":
		return "Snails can sleep for three years.", nil
	case "style_guide":
		return "Bright gouache with thick outlines.", nil
	case "summarizer":
		return "Earlier, the hero explored and made friends.", nil
	case "scene_intensity":
		return `{"intensity_level": 2}`, nil
	case "choice_image":
		return "The hero steps into a sunlit glade, smiling.", nil
	}
	return "", fmt.Errorf("unrecognized prompt: %s", req.Prompt[:min(60, len(req.Prompt))])
}

func classifyPrompt(p string) string {
	switch {
	case strings.Contains(p, "content reviewer"):
		return "validator"
	case strings.Contains(p, "fun fact"):
		return "fun_nugget"
	case strings.Contains(p, "visual style guide"):
		return "style_guide"
	case strings.Contains(p, "Condense"):
		return "summarizer"
	case strings.Contains(p, "Rate the intensity"):
		return "scene_intensity"
	case strings.Contains(p, "illustration brief"):
		return "choice_image"
	}
	return "unknown"
}

// narratorJSON builds a well-formed narrator payload.
func narratorJSON(storyText string, chars ...SceneCharacter) string {
	resp := NarratorResponse{
		StoryText:         storyText,
		Choice1:           "I follow the path",
		Choice2:           "I look around",
		Choice3:           "I call out",
		CharactersInScene: chars,
	}
	b, _ := json.Marshal(resp)
	return string(b)
}

// fakeImage scripts the image model.
type fakeImage struct {
	mu    sync.Mutex
	fn    func(call int, req llm.ImageRequest) (string, error)
	calls int
}

var _ ImageGenerator = (*fakeImage)(nil)

func (f *fakeImage) GenerateImage(_ context.Context, req llm.ImageRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fn == nil {
		return "data:image/png;base64,ZmFrZQ==", nil
	}
	return f.fn(f.calls, req)
}
