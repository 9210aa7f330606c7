package db

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/taleweaver/taleweaver/pkg/models"
)

// legacyChoicePrefix marks a choice line in a flat legacy transcript.
const legacyChoicePrefix = "[choice]: "

// LegacyMigration reports the outcome for one legacy session.
type LegacyMigration struct {
	SessionID string
	Turns     int
	Skipped   string // non-empty reason when nothing was migrated
}

// MigrateLegacySessions converts flat legacy transcripts into turn rows.
// A legacy transcript alternates optional "[choice]: ..." lines with story
// text; each story line becomes one turn carrying the preceding choice.
// With apply false nothing is written; the report shows what would happen.
func (s *SessionStore) MigrateLegacySessions(ctx context.Context, apply bool) ([]LegacyMigration, error) {
	var rows []GameSession
	err := s.db.WithContext(ctx).
		Where("migrated_at IS NULL AND legacy_history IS NOT NULL AND legacy_history NOT IN ('', '[]')").
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]LegacyMigration, 0, len(rows))
	for _, row := range rows {
		report := LegacyMigration{SessionID: row.PublicID}

		turns := PairLegacyHistory(row.LegacyHistory)
		if len(turns) == 0 {
			report.Skipped = "no story lines in legacy history"
			out = append(out, report)
			continue
		}

		var existing int64
		if err := s.db.WithContext(ctx).Model(&GameTurn{}).
			Where("session_id = ?", row.ID).Count(&existing).Error; err != nil {
			return nil, err
		}
		if existing > 0 {
			report.Skipped = "session already has turns"
			out = append(out, report)
			continue
		}

		report.Turns = len(turns)
		if apply {
			if err := s.applyLegacyMigration(ctx, row.ID, turns); err != nil {
				return nil, err
			}
		}
		out = append(out, report)
	}
	return out, nil
}

func (s *SessionStore) applyLegacyMigration(ctx context.Context, sessionID int64, turns []models.Turn) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		for _, t := range turns {
			row := &GameTurn{
				SessionID:      sessionID,
				Round:          t.Round,
				ChoiceMade:     nullString(t.ChoiceMade),
				StoryText:      t.StoryText,
				StartedAt:      now.Format(time.RFC3339),
				StartedAtEpoch: now.UnixMilli(),
			}
			row.CompletedAt = nullString(now.Format(time.RFC3339))
			row.CompletedAtEpoch.Int64 = now.UnixMilli()
			row.CompletedAtEpoch.Valid = true
			if err := tx.Create(row).Error; err != nil {
				return err
			}
		}
		return tx.Model(&GameSession{}).
			Where("id = ?", sessionID).
			Updates(touched(map[string]any{
				"round":       len(turns),
				"migrated_at": now.Format(time.RFC3339),
			})).Error
	})
}

// PairLegacyHistory folds transcript lines into turns. A choice line applies
// to the next story line; a trailing choice with no story after it is
// dropped. Blank lines are ignored.
func PairLegacyHistory(lines []string) []models.Turn {
	var turns []models.Turn
	var pendingChoice string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, legacyChoicePrefix) {
			pendingChoice = strings.TrimSpace(strings.TrimPrefix(line, legacyChoicePrefix))
			continue
		}
		turns = append(turns, models.Turn{
			Round:      len(turns) + 1,
			ChoiceMade: pendingChoice,
			StoryText:  line,
		})
		pendingChoice = ""
	}
	return turns
}
