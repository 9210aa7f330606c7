// Package db provides the GORM-backed session store for taleweaver.
package db

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"gorm.io/gorm"

	"github.com/taleweaver/taleweaver/pkg/models"
)

// GORM models. Timestamps are stored as RFC3339 strings plus epoch millis,
// with the epoch carrying the sortable index.

// GameSession is the persistent session document.
type GameSession struct {
	ID       int64  `gorm:"primaryKey;autoIncrement"`
	PublicID string `gorm:"uniqueIndex;not null"`
	UserID   string `gorm:"index;not null"`

	ProtagonistName        string `gorm:"not null"`
	ProtagonistDescription string `gorm:"type:text"`
	Theme                  string `gorm:"type:text"`

	Status       string `gorm:"type:text;check:status IN ('generating', 'ready', 'error');default:'generating';index"`
	ErrorMessage sql.NullString

	Round             int    `gorm:"default:0"`
	Summary           string `gorm:"type:text"`
	SummarizedThrough int    `gorm:"default:0"`
	StyleGuide        string `gorm:"type:text"`

	PendingImage pendingImageColumn `gorm:"type:text"`

	// LegacyHistory carries the flat transcript of pre-turn-schema sessions
	// until cmd/migrate rewrites them.
	LegacyHistory models.JSONStringArray `gorm:"type:text"`
	MigratedAt    sql.NullString

	CreatedAt      string `gorm:"not null"`
	CreatedAtEpoch int64  `gorm:"not null"`
	UpdatedAt      string `gorm:"not null"`
	UpdatedAtEpoch int64  `gorm:"index:idx_sessions_updated,sort:desc;not null"`
}

func (GameSession) TableName() string { return "game_sessions" }

// BeforeCreate hook to ensure timestamps are set.
func (s *GameSession) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if s.CreatedAtEpoch == 0 {
		s.CreatedAtEpoch = now.UnixMilli()
	}
	if s.CreatedAt == "" {
		s.CreatedAt = now.Format(time.RFC3339)
	}
	if s.UpdatedAtEpoch == 0 {
		s.UpdatedAtEpoch = now.UnixMilli()
	}
	if s.UpdatedAt == "" {
		s.UpdatedAt = now.Format(time.RFC3339)
	}
	return nil
}

// GameTurn is one story round. completed_at IS NULL marks an interrupted
// write; recovery prunes such rows.
type GameTurn struct {
	ID        int64 `gorm:"primaryKey;autoIncrement"`
	SessionID int64 `gorm:"index;uniqueIndex:idx_turns_session_round,priority:1;not null"`
	Round     int   `gorm:"uniqueIndex:idx_turns_session_round,priority:2;not null"`

	ChoiceMade sql.NullString         `gorm:"type:text"`
	StoryText  string                 `gorm:"type:text;not null"`
	Choices    models.JSONStringArray `gorm:"type:text"`
	ImageURL   sql.NullString         `gorm:"type:text"`
	FunNugget  sql.NullString         `gorm:"type:text"`

	StartedAt        string `gorm:"not null"`
	StartedAtEpoch   int64  `gorm:"not null"`
	CompletedAt      sql.NullString
	CompletedAtEpoch sql.NullInt64
}

func (GameTurn) TableName() string { return "game_turns" }

// GameCharacter is one cast member of a session's character registry.
// The (session_id, name) key plus conflict handling in the store keeps the
// description immutable after first write.
type GameCharacter struct {
	ID             int64          `gorm:"primaryKey;autoIncrement"`
	SessionID      int64          `gorm:"index;uniqueIndex:idx_characters_session_name,priority:1;not null"`
	Name           string         `gorm:"uniqueIndex:idx_characters_session_name,priority:2;not null"`
	Description    sql.NullString `gorm:"type:text"`
	FirstSeenRound int            `gorm:"not null"`
	LastSeenRound  int            `gorm:"not null"`
}

func (GameCharacter) TableName() string { return "game_characters" }

// GameImage is the durable record of one generated illustration.
type GameImage struct {
	ID                int64                  `gorm:"primaryKey;autoIncrement"`
	SessionID         int64                  `gorm:"index;not null"`
	Round             int                    `gorm:"not null"`
	ChoiceMade        string                 `gorm:"type:text"`
	URL               string                 `gorm:"type:text;not null"`
	PromptUsed        string                 `gorm:"type:text"`
	CharactersInScene models.JSONStringArray `gorm:"type:text"`
	CreatedAt         string                 `gorm:"not null"`
	CreatedAtEpoch    int64                  `gorm:"not null"`
}

func (GameImage) TableName() string { return "game_images" }

// BeforeCreate hook to ensure timestamps are set.
func (i *GameImage) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if i.CreatedAtEpoch == 0 {
		i.CreatedAtEpoch = now.UnixMilli()
	}
	if i.CreatedAt == "" {
		i.CreatedAt = now.Format(time.RFC3339)
	}
	return nil
}

// pendingImageColumn stores the pending-image mailbox as a JSON text column.
type pendingImageColumn struct {
	*models.PendingImage
}

// Value implements driver.Valuer.
func (c pendingImageColumn) Value() (driver.Value, error) {
	if c.PendingImage == nil {
		return nil, nil
	}
	b, err := json.Marshal(c.PendingImage)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (c *pendingImageColumn) Scan(src any) error {
	if src == nil {
		c.PendingImage = nil
		return nil
	}
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into pendingImageColumn", src)
	}
	if len(b) == 0 {
		c.PendingImage = nil
		return nil
	}
	var p models.PendingImage
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	c.PendingImage = &p
	return nil
}
