// Package models contains domain models for taleweaver.
package models

import "time"

// SessionStatus represents the generation status of a story session.
type SessionStatus string

const (
	StatusGenerating SessionStatus = "generating"
	StatusReady      SessionStatus = "ready"
	StatusError      SessionStatus = "error"
)

// ImageStatus represents the status of an asynchronous illustration job.
type ImageStatus string

const (
	ImageGenerating ImageStatus = "generating"
	ImageReady      ImageStatus = "ready"
	ImageFailed     ImageStatus = "failed"
)

// Turn is one round-trip of story text and choices for a session.
// CompletedAt is the completeness sentinel: a nil CompletedAt marks a turn
// that was interrupted mid-write and must be pruned by recovery.
type Turn struct {
	Round       int        `json:"round"`
	ChoiceMade  string     `json:"choice_made,omitempty"`
	StoryText   string     `json:"story_text"`
	Choices     []string   `json:"choices"`
	ImageURL    string     `json:"image_url,omitempty"`
	FunNugget   string     `json:"fun_nugget,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Complete reports whether the turn finished generation. The illustration is
// not part of completeness; ImageURL is back-filled asynchronously.
func (t *Turn) Complete() bool {
	return t.CompletedAt != nil
}

// Character is a recurring cast member with a persistent visual description.
// Description is set when the character is first observed and never changes;
// only LastSeenRound advances on later appearances.
type Character struct {
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	FirstSeenRound int    `json:"first_seen_round"`
	LastSeenRound  int    `json:"last_seen_round"`
}

// PendingImage is the single-slot status mailbox for the in-flight or most
// recently finished illustration job. Each new job overwrites it.
type PendingImage struct {
	Status      ImageStatus `json:"status"`
	Round       int         `json:"round"`
	ImageURL    string      `json:"image_url,omitempty"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Error       string      `json:"error,omitempty"`
	ErrorType   string      `json:"error_type,omitempty"`
}

// ImageRecord is the durable record of one generated illustration.
type ImageRecord struct {
	Round             int      `json:"round"`
	ChoiceMade        string   `json:"choice_made"`
	URL               string   `json:"url"`
	PromptUsed        string   `json:"prompt_used"`
	CharactersInScene []string `json:"characters_in_scene,omitempty"`
}

// Session is the persistent record of one ongoing story for one user.
type Session struct {
	ID                     string        `json:"session_id"`
	UserID                 string        `json:"user_id"`
	ProtagonistName        string        `json:"protagonist_name"`
	ProtagonistDescription string        `json:"protagonist_description"`
	Theme                  string        `json:"theme"`
	Status                 SessionStatus `json:"status"`
	ErrorMessage           string        `json:"error_message,omitempty"`
	Round                  int           `json:"round"`
	Summary                string        `json:"summary,omitempty"`
	SummarizedThrough      int           `json:"summarized_through,omitempty"`
	StyleGuide             string        `json:"style_guide,omitempty"`
	Turns                  []Turn        `json:"turns"`
	Registry               []Character   `json:"character_registry,omitempty"`
	PendingImage           *PendingImage `json:"pending_image,omitempty"`
	ImageHistory           []ImageRecord `json:"image_history,omitempty"`
	CreatedAt              time.Time     `json:"created_at"`
	UpdatedAt              time.Time     `json:"updated_at"`
}

// LastTurn returns the most recent turn, or nil for a fresh session.
func (s *Session) LastTurn() *Turn {
	if len(s.Turns) == 0 {
		return nil
	}
	return &s.Turns[len(s.Turns)-1]
}

// ChoicesMade returns every non-empty choice in round order, for journey
// recaps in step responses.
func (s *Session) ChoicesMade() []string {
	var out []string
	for _, t := range s.Turns {
		if t.ChoiceMade != "" {
			out = append(out, t.ChoiceMade)
		}
	}
	return out
}

// SessionSummary is the listing projection for a user's recent sessions.
type SessionSummary struct {
	SessionID       string    `json:"session_id"`
	ProtagonistName string    `json:"protagonist_name"`
	Theme           string    `json:"theme"`
	Round           int       `json:"round"`
	FirstImageURL   string    `json:"first_image_url,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
