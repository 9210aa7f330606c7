// Package worker provides the HTTP service for taleweaver: routing, request
// handling, status caching, and the SSE push channel.
package worker

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	cache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/taleweaver/taleweaver/internal/config"
	"github.com/taleweaver/taleweaver/internal/db"
	"github.com/taleweaver/taleweaver/internal/story"
	"github.com/taleweaver/taleweaver/internal/worker/sse"
	"github.com/taleweaver/taleweaver/pkg/models"
)

// Service is the HTTP front of the story engine.
type Service struct {
	version     string
	cfg         *config.Config
	store       *db.Store
	engine      *story.Engine
	broadcaster *sse.Broadcaster

	// statusCache absorbs poll bursts between status transitions.
	statusCache *cache.Cache

	router    *chi.Mux
	logger    zerolog.Logger
	ready     atomic.Bool
	startTime time.Time
}

// NewService wires the service and its routes.
func NewService(version string, cfg *config.Config, store *db.Store, engine *story.Engine, logger zerolog.Logger) *Service {
	ttl := cfg.StatusCacheTTL
	if ttl <= 0 {
		ttl = 2 * time.Second
	}

	s := &Service{
		version:     version,
		cfg:         cfg,
		store:       store,
		engine:      engine,
		broadcaster: sse.NewBroadcaster(),
		statusCache: cache.New(ttl, time.Minute),
		router:      chi.NewRouter(),
		logger:      logger.With().Str("component", "worker").Logger(),
		startTime:   time.Now(),
	}

	// Status transitions invalidate the poll cache and feed the push channel.
	engine.SetNotifier(func(sessionID string, status models.SessionStatus) {
		s.statusCache.Delete(sessionID)
		s.broadcaster.Broadcast(sse.Event{
			Type:      "status",
			SessionID: sessionID,
			Status:    string(status),
		})
	})

	s.setupRoutes()
	s.ready.Store(true)
	return s
}

func (s *Service) setupRoutes() {
	s.router.Use(middleware.Recoverer)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/events", s.broadcaster.HandleSSE)

		r.Route("/adventure", func(r chi.Router) {
			r.Post("/start", s.handleStart)
			r.Post("/turn", s.handleTurn)
			r.Post("/turn/async", s.handleTurnAsync)
			r.Get("/status/{sessionID}", s.handleStatus)
			r.Get("/session/{sessionID}", s.handleSession)
			r.Get("/image/{sessionID}/{round}", s.handleImageStatus)
		})

		r.Get("/user/{userID}/sessions", s.handleUserSessions)
	})
}

// Router exposes the handler for tests and embedding.
func (s *Service) Router() http.Handler {
	return s.router
}

// Start serves HTTP until ctx is cancelled, then drains connections and
// outstanding background jobs.
func (s *Service) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.ListenAddr).Str("version", s.version).Msg("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.ready.Store(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}

	s.logger.Info().Msg("Draining background jobs")
	s.engine.Wait()
	return nil
}
