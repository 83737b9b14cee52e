package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MikeSquared-Agency/persona/internal/analysis"
	"github.com/MikeSquared-Agency/persona/internal/api"
	"github.com/MikeSquared-Agency/persona/internal/blob"
	"github.com/MikeSquared-Agency/persona/internal/config"
	"github.com/MikeSquared-Agency/persona/internal/extractor"
	"github.com/MikeSquared-Agency/persona/internal/finetune"
	"github.com/MikeSquared-Agency/persona/internal/hermes"
	"github.com/MikeSquared-Agency/persona/internal/learner"
	"github.com/MikeSquared-Agency/persona/internal/notify"
	"github.com/MikeSquared-Agency/persona/internal/openai"
	"github.com/MikeSquared-Agency/persona/internal/pipeline"
	"github.com/MikeSquared-Agency/persona/internal/promptcache"
	"github.com/MikeSquared-Agency/persona/internal/store"
	"github.com/MikeSquared-Agency/persona/internal/synthesis"
	"github.com/MikeSquared-Agency/persona/internal/training"
	"github.com/MikeSquared-Agency/persona/internal/versions"
)

func main() {
	cfg, cfgErr := config.Load()
	setupLogging(cfg.LogLevel)
	if cfgErr != nil {
		slog.Warn("config file ignored", "error", cfgErr)
	}

	slog.Info("persona starting", "port", cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	var repo store.Repository
	if cfg.DatabaseURL != "" {
		db, err := store.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		if err := db.Migrate(ctx); err != nil {
			slog.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}
		repo = db
		slog.Info("database connected")
	} else {
		repo = store.NewMemStore()
		slog.Warn("DATABASE_URL not set, using in-memory store")
	}
	defer repo.Close()

	// NATS/Hermes
	var bus hermes.Bus
	if cfg.NatsURL != "" {
		hc, err := hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, slog.Default())
		if err != nil {
			slog.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer hc.Close()
		bus = hc
		slog.Info("NATS connected", "url", cfg.NatsURL)
	} else {
		bus = hermes.NewLocal()
		slog.Warn("NATS_URL not set, events stay in process")
	}

	// Prompt cache
	var cache promptcache.Cache = promptcache.Nop{}
	if cfg.RedisAddr != "" {
		rc, err := promptcache.NewRedis(cfg.RedisAddr, cfg.PromptCacheTTL, slog.Default())
		if err != nil {
			slog.Warn("redis unavailable, prompt cache disabled", "error", err)
		} else {
			defer rc.Close()
			cache = rc
			slog.Info("prompt cache ready", "addr", cfg.RedisAddr, "ttl", cfg.PromptCacheTTL)
		}
	}

	// Upload storage
	var blobs blob.Store
	if cfg.GCSBucket != "" {
		gcs, err := blob.NewGCS(ctx, cfg.GCSBucket)
		if err != nil {
			slog.Error("failed to open GCS bucket", "bucket", cfg.GCSBucket, "error", err)
			os.Exit(1)
		}
		defer gcs.Close()
		blobs = gcs
		slog.Info("upload storage ready", "bucket", cfg.GCSBucket)
	} else {
		fs, err := blob.NewFS(cfg.BlobDir)
		if err != nil {
			slog.Error("failed to prepare upload directory", "dir", cfg.BlobDir, "error", err)
			os.Exit(1)
		}
		blobs = fs
		slog.Info("upload storage ready", "dir", cfg.BlobDir)
	}

	// OpenAI client. Without a key the service still serves profiles and versions;
	// training and fine-tuning answer 412.
	llm := openai.NewClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL)
	if err := llm.Ready(); err != nil {
		slog.Warn("OPENAI_API_KEY not set, LLM features disabled")
	}

	syn := synthesis.New(llm, cfg.ChatModel, slog.Default())
	versionSvc := versions.NewService(repo, cache, bus, syn, slog.Default())

	lrn := learner.New(repo, learner.Options{}, slog.Default())
	versionSvc.SetHintSource(lrn)
	unsubscribe, err := bus.Subscribe(hermes.SubjectChatTurn, lrn.HandleChatTurn)
	if err != nil {
		slog.Error("failed to subscribe to chat turns", "error", err)
		os.Exit(1)
	}
	defer unsubscribe()

	sessions := training.NewManager(repo, slog.Default())
	pl := pipeline.New(
		sessions,
		blobs,
		extractor.New(llm, blobs, repo, cfg.VisionModel, slog.Default()),
		analysis.New(llm, cfg.ChatModel, slog.Default()),
		syn,
		versionSvc,
		bus,
		slog.Default(),
	)

	// Slack summaries (optional)
	if cfg.SlackBotToken != "" && cfg.SlackChannel != "" {
		pl.SetNotifier(notify.NewPoster(cfg.SlackBotToken, cfg.SlackChannel, slog.Default()))
		slog.Info("slack notifications ready", "channel", cfg.SlackChannel)
	}

	ft := finetune.NewService(repo, llm, versionSvc, bus, cfg.FineTuneBaseModel, slog.Default())
	go finetune.NewPoller(ft, cfg.FineTunePollInterval, slog.Default()).Run(ctx)

	// HTTP API
	if cfg.JWTSecret == "" {
		slog.Warn("JWT_SECRET not set, trusting X-User-ID header")
	}
	srv := api.NewServer(cfg.Port, api.Deps{
		Store:     repo,
		Sessions:  sessions,
		Pipeline:  pl,
		Versions:  versionSvc,
		Learner:   lrn,
		FineTune:  ft,
		Bus:       bus,
		LLM:       llm,
		JWTSecret: cfg.JWTSecret,
		Logger:    slog.Default(),
	})
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("persona ready", "port", cfg.Port)

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown error", "error", err)
	}
	cancel()
	lrn.Wait()
	slog.Info("persona stopped")
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
