package db

import (
	"context"
	"database/sql"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/taleweaver/taleweaver/internal/story"
	"github.com/taleweaver/taleweaver/pkg/models"
)

// SessionStore provides session persistence backed by GORM.
type SessionStore struct {
	db *gorm.DB
}

var _ story.SessionStore = (*SessionStore)(nil)

// NewSessionStore creates a session store on top of an open Store.
func NewSessionStore(store *Store) *SessionStore {
	return &SessionStore{db: store.DB}
}

// CreateSession persists a new session document.
func (s *SessionStore) CreateSession(ctx context.Context, sess *models.Session) error {
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = sess.CreatedAt

	row := &GameSession{
		PublicID:               sess.ID,
		UserID:                 sess.UserID,
		ProtagonistName:        sess.ProtagonistName,
		ProtagonistDescription: sess.ProtagonistDescription,
		Theme:                  sess.Theme,
		Status:                 string(sess.Status),
		Round:                  sess.Round,
		Summary:                sess.Summary,
		StyleGuide:             sess.StyleGuide,
		PendingImage:           pendingImageColumn{sess.PendingImage},
		CreatedAt:              sess.CreatedAt.Format(time.RFC3339),
		CreatedAtEpoch:         sess.CreatedAt.UnixMilli(),
		UpdatedAt:              sess.UpdatedAt.Format(time.RFC3339),
		UpdatedAtEpoch:         sess.UpdatedAt.UnixMilli(),
	}
	return s.db.WithContext(ctx).Create(row).Error
}

// GetSession loads the full session document. Returns (nil, nil) when the
// session does not exist.
func (s *SessionStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row, err := s.sessionRow(ctx, s.db, id)
	if err != nil || row == nil {
		return nil, err
	}

	sess := &models.Session{
		ID:                     row.PublicID,
		UserID:                 row.UserID,
		ProtagonistName:        row.ProtagonistName,
		ProtagonistDescription: row.ProtagonistDescription,
		Theme:                  row.Theme,
		Status:                 models.SessionStatus(row.Status),
		ErrorMessage:           row.ErrorMessage.String,
		Round:                  row.Round,
		Summary:                row.Summary,
		SummarizedThrough:      row.SummarizedThrough,
		StyleGuide:             row.StyleGuide,
		PendingImage:           row.PendingImage.PendingImage,
		CreatedAt:              time.UnixMilli(row.CreatedAtEpoch),
		UpdatedAt:              time.UnixMilli(row.UpdatedAtEpoch),
	}

	var turns []GameTurn
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", row.ID).
		Order("round ASC").
		Find(&turns).Error; err != nil {
		return nil, err
	}
	for i := range turns {
		sess.Turns = append(sess.Turns, toModelTurn(&turns[i]))
	}

	var chars []GameCharacter
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", row.ID).
		Order("first_seen_round ASC, name ASC").
		Find(&chars).Error; err != nil {
		return nil, err
	}
	for _, c := range chars {
		sess.Registry = append(sess.Registry, models.Character{
			Name:           c.Name,
			Description:    c.Description.String,
			FirstSeenRound: c.FirstSeenRound,
			LastSeenRound:  c.LastSeenRound,
		})
	}

	var images []GameImage
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", row.ID).
		Order("round ASC").
		Find(&images).Error; err != nil {
		return nil, err
	}
	for _, img := range images {
		sess.ImageHistory = append(sess.ImageHistory, models.ImageRecord{
			Round:             img.Round,
			ChoiceMade:        img.ChoiceMade,
			URL:               img.URL,
			PromptUsed:        img.PromptUsed,
			CharactersInScene: []string(img.CharactersInScene),
		})
	}

	return sess, nil
}

// SetStatus updates the session status. The bool reports whether a row was
// updated.
func (s *SessionStore) SetStatus(ctx context.Context, id string, status models.SessionStatus) (bool, error) {
	res := s.db.WithContext(ctx).Model(&GameSession{}).
		Where("public_id = ?", id).
		Updates(touched(map[string]any{"status": string(status)}))
	return res.RowsAffected > 0, res.Error
}

// MarkError sets status to error and records the message.
func (s *SessionStore) MarkError(ctx context.Context, id, msg string) error {
	return s.db.WithContext(ctx).Model(&GameSession{}).
		Where("public_id = ?", id).
		Updates(touched(map[string]any{
			"status":        string(models.StatusError),
			"error_message": msg,
		})).Error
}

// SetStyleGuide stores the session-wide illustration style.
func (s *SessionStore) SetStyleGuide(ctx context.Context, id, styleGuide string) error {
	return s.db.WithContext(ctx).Model(&GameSession{}).
		Where("public_id = ?", id).
		Updates(touched(map[string]any{"style_guide": styleGuide})).Error
}

// AppendTurn writes a completed turn, merges the character registry and
// updates round, summary and status in one transaction.
func (s *SessionStore) AppendTurn(ctx context.Context, id string, turn *models.Turn, registry []models.Character, summary string, summarizedThrough int) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.sessionRow(ctx, tx, id)
		if err != nil {
			return err
		}
		if row == nil {
			return gorm.ErrRecordNotFound
		}

		dbTurn := &GameTurn{
			SessionID:      row.ID,
			Round:          turn.Round,
			ChoiceMade:     nullString(turn.ChoiceMade),
			StoryText:      turn.StoryText,
			Choices:        models.JSONStringArray(turn.Choices),
			ImageURL:       nullString(turn.ImageURL),
			FunNugget:      nullString(turn.FunNugget),
			StartedAt:      turn.StartedAt.Format(time.RFC3339),
			StartedAtEpoch: turn.StartedAt.UnixMilli(),
		}
		if turn.CompletedAt != nil {
			dbTurn.CompletedAt = nullString(turn.CompletedAt.Format(time.RFC3339))
			dbTurn.CompletedAtEpoch = sql.NullInt64{Int64: turn.CompletedAt.UnixMilli(), Valid: true}
		}
		if err := tx.Create(dbTurn).Error; err != nil {
			return err
		}

		// Descriptions are write-once: on conflict only last_seen_round moves.
		for _, c := range registry {
			dbChar := &GameCharacter{
				SessionID:      row.ID,
				Name:           c.Name,
				Description:    nullString(c.Description),
				FirstSeenRound: c.FirstSeenRound,
				LastSeenRound:  c.LastSeenRound,
			}
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "session_id"}, {Name: "name"}},
				DoUpdates: clause.Assignments(map[string]any{
					"last_seen_round": c.LastSeenRound,
				}),
			}).Create(dbChar).Error
			if err != nil {
				return err
			}
		}

		return tx.Model(&GameSession{}).
			Where("id = ?", row.ID).
			Updates(touched(map[string]any{
				"round":              turn.Round,
				"status":             string(models.StatusReady),
				"error_message":      nil,
				"summary":            summary,
				"summarized_through": summarizedThrough,
			})).Error
	})
}

// ApplyRecovery prunes incomplete turns and resets round and status in one
// transaction.
func (s *SessionStore) ApplyRecovery(ctx context.Context, id string, round int, status models.SessionStatus) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.sessionRow(ctx, tx, id)
		if err != nil {
			return err
		}
		if row == nil {
			return gorm.ErrRecordNotFound
		}

		if err := tx.
			Where("session_id = ? AND completed_at IS NULL", row.ID).
			Delete(&GameTurn{}).Error; err != nil {
			return err
		}

		return tx.Model(&GameSession{}).
			Where("id = ?", row.ID).
			Updates(touched(map[string]any{
				"round":  round,
				"status": string(status),
			})).Error
	})
}

// SetTurnImage back-fills the illustration URL on the turn for round.
func (s *SessionStore) SetTurnImage(ctx context.Context, id string, round int, url string) error {
	row, err := s.sessionRow(ctx, s.db, id)
	if err != nil {
		return err
	}
	if row == nil {
		return gorm.ErrRecordNotFound
	}
	return s.db.WithContext(ctx).Model(&GameTurn{}).
		Where("session_id = ? AND round = ?", row.ID, round).
		Update("image_url", url).Error
}

// SetPendingImage overwrites the pending image mailbox.
func (s *SessionStore) SetPendingImage(ctx context.Context, id string, p *models.PendingImage) error {
	return s.db.WithContext(ctx).Model(&GameSession{}).
		Where("public_id = ?", id).
		Updates(touched(map[string]any{
			"pending_image": pendingImageColumn{p},
		})).Error
}

// RecordImageResult writes the terminal pending image state and, when rec is
// non-nil, appends the durable image record in one transaction.
func (s *SessionStore) RecordImageResult(ctx context.Context, id string, p *models.PendingImage, rec *models.ImageRecord) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.sessionRow(ctx, tx, id)
		if err != nil {
			return err
		}
		if row == nil {
			return gorm.ErrRecordNotFound
		}

		err = tx.Model(&GameSession{}).
			Where("id = ?", row.ID).
			Updates(touched(map[string]any{
				"pending_image": pendingImageColumn{p},
			})).Error
		if err != nil {
			return err
		}

		if rec == nil {
			return nil
		}
		return tx.Create(&GameImage{
			SessionID:         row.ID,
			Round:             rec.Round,
			ChoiceMade:        rec.ChoiceMade,
			URL:               rec.URL,
			PromptUsed:        rec.PromptUsed,
			CharactersInScene: models.JSONStringArray(rec.CharactersInScene),
		}).Error
	})
}

// ListUserSessions returns the user's most recently updated sessions, newest
// first, capped at limit.
func (s *SessionStore) ListUserSessions(ctx context.Context, userID string, limit int) ([]models.SessionSummary, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows []GameSession
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at_epoch DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]models.SessionSummary, 0, len(rows))
	for _, row := range rows {
		summary := models.SessionSummary{
			SessionID:       row.PublicID,
			ProtagonistName: row.ProtagonistName,
			Theme:           row.Theme,
			Round:           row.Round,
			CreatedAt:       time.UnixMilli(row.CreatedAtEpoch),
			UpdatedAt:       time.UnixMilli(row.UpdatedAtEpoch),
		}

		var first GameImage
		err := s.db.WithContext(ctx).
			Where("session_id = ?", row.ID).
			Order("round ASC").
			First(&first).Error
		if err == nil {
			summary.FirstImageURL = first.URL
		} else if err != gorm.ErrRecordNotFound {
			return nil, err
		}

		out = append(out, summary)
	}
	return out, nil
}

// sessionRow fetches the raw session row by public id. Returns (nil, nil)
// when absent.
func (s *SessionStore) sessionRow(ctx context.Context, tx *gorm.DB, publicID string) (*GameSession, error) {
	var row GameSession
	err := tx.WithContext(ctx).Where("public_id = ?", publicID).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func toModelTurn(t *GameTurn) models.Turn {
	turn := models.Turn{
		Round:      t.Round,
		ChoiceMade: t.ChoiceMade.String,
		StoryText:  t.StoryText,
		Choices:    []string(t.Choices),
		ImageURL:   t.ImageURL.String,
		FunNugget:  t.FunNugget.String,
		StartedAt:  time.UnixMilli(t.StartedAtEpoch),
	}
	if t.CompletedAtEpoch.Valid {
		done := time.UnixMilli(t.CompletedAtEpoch.Int64)
		turn.CompletedAt = &done
	}
	return turn
}

// touched adds the updated_at columns to an update set.
func touched(updates map[string]any) map[string]any {
	now := time.Now()
	updates["updated_at"] = now.Format(time.RFC3339)
	updates["updated_at_epoch"] = now.UnixMilli()
	return updates
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
