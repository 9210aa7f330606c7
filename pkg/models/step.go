package models

// Step is one client-visible step of the adventure: the new story segment,
// its choices, and journey metadata. ImageURL is empty while the illustration
// is still being generated; clients poll the image endpoint per round.
type Step struct {
	StoryText      string   `json:"story_text"`
	ImageURL       string   `json:"image_url,omitempty"`
	Choices        []string `json:"choices"`
	FunNugget      string   `json:"fun_nugget,omitempty"`
	ChoicesHistory []string `json:"choices_history"`
	Round          int      `json:"round_number"`
	Warnings       []string `json:"warnings,omitempty"`
}

// ImageStatusResult is the polling view of one round's illustration job.
type ImageStatusResult struct {
	Status     ImageStatus `json:"status"`
	Round      int         `json:"round"`
	ImageURL   string      `json:"image_url,omitempty"`
	Error      string      `json:"error,omitempty"`
	ErrorType  string      `json:"error_type,omitempty"`
	RetryAfter int         `json:"retry_after,omitempty"`
}

// ImageStatusNotFound is reported when no illustration job exists for the
// requested round.
const ImageStatusNotFound ImageStatus = "not_found"
