package story

import (
	"context"

	"github.com/taleweaver/taleweaver/pkg/models"
)

// SessionStore is the persistence boundary for the story engine. All lookups
// by id use the public session id. Not-found lookups return (nil, nil) rather
// than an error.
type SessionStore interface {
	// CreateSession persists a new session. The session keeps whatever status
	// the caller set; new adventures start as StatusGenerating.
	CreateSession(ctx context.Context, s *models.Session) error

	// GetSession loads the full session document including turns, registry,
	// pending image and image history. Returns (nil, nil) when absent.
	GetSession(ctx context.Context, id string) (*models.Session, error)

	// SetStatus updates the session status. The bool reports whether a row
	// was actually updated.
	SetStatus(ctx context.Context, id string, status models.SessionStatus) (bool, error)

	// MarkError sets status to error and records the message.
	MarkError(ctx context.Context, id, msg string) error

	// SetStyleGuide stores the session-wide illustration style.
	SetStyleGuide(ctx context.Context, id, styleGuide string) error

	// AppendTurn writes a completed turn, merges the character registry and
	// updates round, summary and status in a single transaction. Existing
	// character descriptions are never overwritten; only last_seen_round
	// advances for returning characters. summarizedThrough is the highest
	// round folded into summary; turns at or below it are never re-rendered
	// as raw history.
	AppendTurn(ctx context.Context, id string, turn *models.Turn, registry []models.Character, summary string, summarizedThrough int) error

	// ApplyRecovery prunes incomplete turns and resets round and status in a
	// single transaction.
	ApplyRecovery(ctx context.Context, id string, round int, status models.SessionStatus) error

	// SetTurnImage back-fills the illustration URL on the turn for round.
	SetTurnImage(ctx context.Context, id string, round int, url string) error

	// SetPendingImage overwrites the pending image mailbox.
	SetPendingImage(ctx context.Context, id string, p *models.PendingImage) error

	// RecordImageResult writes the terminal pending image state and, when rec
	// is non-nil, appends the durable image record in the same transaction.
	RecordImageResult(ctx context.Context, id string, p *models.PendingImage, rec *models.ImageRecord) error

	// ListUserSessions returns the user's most recently updated sessions,
	// newest first, capped at limit.
	ListUserSessions(ctx context.Context, userID string, limit int) ([]models.SessionSummary, error)
}
