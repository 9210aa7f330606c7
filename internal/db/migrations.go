package db

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations runs all database migrations using gormigrate.
func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: Core tables
		{
			ID: "001_core_tables",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&GameSession{}); err != nil {
					return err
				}
				if err := tx.AutoMigrate(&GameTurn{}); err != nil {
					return err
				}
				return tx.AutoMigrate(&GameCharacter{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("game_sessions", "game_turns", "game_characters")
			},
		},

		// Migration 002: Durable image history
		{
			ID: "002_image_history",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&GameImage{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("game_images")
			},
		},
	})

	return m.Migrate()
}
