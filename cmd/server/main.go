// Package main provides the taleweaver HTTP server entry point.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/taleweaver/taleweaver/internal/config"
	"github.com/taleweaver/taleweaver/internal/db"
	"github.com/taleweaver/taleweaver/internal/llm"
	"github.com/taleweaver/taleweaver/internal/prompts"
	"github.com/taleweaver/taleweaver/internal/story"
	"github.com/taleweaver/taleweaver/internal/worker"
	"gorm.io/gorm/logger"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	configPath := flag.String("config", "", "Path to config file (optional)")
	listenAddr := flag.String("listen", "", "Listen address (overrides config)")
	promptsPath := flag.String("prompts", "", "Path to prompts config (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *promptsPath != "" {
		cfg.PromptsPath = *promptsPath
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug || cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("Shutting down")
		cancel()
	}()

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

	reg, err := prompts.Load(cfg.PromptsPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load prompts config")
	}
	go func() {
		if err := reg.Watch(ctx); err != nil {
			log.Warn().Err(err).Msg("Prompt config watcher stopped")
		}
	}()

	client, err := llm.NewClient(ctx, llm.Config{
		APIKey:              cfg.GeminiAPIKey,
		TextRequestsPerMin:  cfg.TextRequestsPerMin,
		ImageRequestsPerMin: cfg.ImageRequestsPerMin,
	}, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create LLM client")
	}

	engine, err := story.NewEngine(db.NewSessionStore(store), reg, client, client, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create story engine")
	}

	svc := worker.NewService(Version, cfg, store, engine, log.Logger)
	log.Info().Str("version", Version).Str("db", cfg.DBDriver).Msg("Starting taleweaver")

	if err := svc.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server error")
	}
}
