package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MikeSquared-Agency/persona/internal/finetune"
	"github.com/MikeSquared-Agency/persona/internal/hermes"
	"github.com/MikeSquared-Agency/persona/internal/learner"
	"github.com/MikeSquared-Agency/persona/internal/pipeline"
	"github.com/MikeSquared-Agency/persona/internal/store"
	"github.com/MikeSquared-Agency/persona/internal/training"
	"github.com/MikeSquared-Agency/persona/internal/versions"
)

// Preflight reports whether LLM-backed operations can run at all.
type Preflight interface {
	Ready() error
}

type Deps struct {
	Store     store.Repository
	Sessions  *training.Manager
	Pipeline  *pipeline.Pipeline
	Versions  *versions.Service
	Learner   *learner.Learner
	FineTune  *finetune.Service
	Bus       hermes.Bus
	LLM       Preflight
	JWTSecret string
	Logger    *slog.Logger
}

type Server struct {
	router *chi.Mux
	deps   Deps
	logger *slog.Logger
	http   *http.Server

	// background training runs started by the API
	runs sync.WaitGroup
}

func NewServer(port int, d Deps) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router: router,
		deps:   d,
		logger: d.Logger,
		http: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	router.Get("/health", s.health)
	router.Handle("/metrics", promhttp.Handler())

	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/persona/status", s.status)

		r.Group(func(r chi.Router) {
			r.Use(authMiddleware(d.JWTSecret))

			r.Post("/avatars", s.createAvatar)
			r.Route("/avatars/{avatarID}", func(r chi.Router) {
				r.Get("/", s.getAvatar)
				r.Patch("/", s.updateAvatar)
				r.Get("/stats", s.avatarStats)
				r.Get("/system-prompt", s.systemPrompt)

				r.Post("/training", s.startTraining)
				r.Get("/training", s.listTraining)

				r.Get("/versions", s.listVersions)
				r.Post("/versions", s.createVersion)

				r.Post("/turns", s.recordTurn)
				r.Post("/feedback", s.recordFeedback)
				r.Get("/patterns", s.listPatterns)
				r.Post("/patterns/compact", s.compactPatterns)

				r.Post("/finetune", s.startFineTune)
				r.Get("/finetune", s.listFineTunes)
			})

			r.Get("/training/{sessionID}", s.getTraining)
			r.Get("/training/{sessionID}/progress", s.trainingProgress)

			r.Route("/versions/{versionID}", func(r chi.Router) {
				r.Get("/", s.getVersion)
				r.Delete("/", s.deleteVersion)
				r.Get("/lineage", s.versionLineage)
				r.Post("/activate", s.activateVersion)
				r.Patch("/prompt", s.updateVersionPrompt)
				r.Post("/modify", s.modifyVersion)
			})

			r.Post("/finetune/{jobID}/cancel", s.cancelFineTune)
		})
	})

	return s
}

func (s *Server) Start() error {
	s.logger.Info("API server starting", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight training runs.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("shutdown deadline reached with training runs still in flight")
	}
	return err
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	llm := "ready"
	if s.deps.LLM == nil || s.deps.LLM.Ready() != nil {
		llm = "missing_api_key"
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "persona",
		"status":  "ok",
		"llm":     llm,
	})
}
