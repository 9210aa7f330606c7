// Package main converts flat legacy story transcripts into turn rows.
// It is a dry run by default; pass -apply to write.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/taleweaver/taleweaver/internal/config"
	"github.com/taleweaver/taleweaver/internal/db"
	"gorm.io/gorm/logger"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (optional)")
	apply := flag.Bool("apply", false, "Write changes (default: dry run)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	store, err := db.NewStore(db.Config{
		Driver:   cfg.DBDriver,
		Path:     cfg.DBPath,
		DSN:      cfg.DBDSN,
		MaxConns: cfg.MaxConns,
		LogLevel: logger.Silent,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer store.Close()

	mode := "dry run"
	if *apply {
		mode = "apply"
	}
	log.Info().Str("mode", mode).Msg("Scanning for legacy sessions")

	report, err := db.NewSessionStore(store).MigrateLegacySessions(context.Background(), *apply)
	if err != nil {
		log.Fatal().Err(err).Msg("Migration failed")
	}

	migrated := 0
	for _, r := range report {
		if r.Skipped != "" {
			log.Warn().Str("session_id", r.SessionID).Str("reason", r.Skipped).Msg("Skipped")
			continue
		}
		migrated++
		log.Info().Str("session_id", r.SessionID).Int("turns", r.Turns).Msg("Converted")
	}

	log.Info().Int("sessions", migrated).Int("skipped", len(report)-migrated).Str("mode", mode).
		Msg("Migration complete")
	if !*apply && migrated > 0 {
		log.Info().Msg("Re-run with -apply to write these changes")
	}
}
