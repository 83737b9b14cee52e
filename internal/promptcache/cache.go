package promptcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/MikeSquared-Agency/persona/internal/metrics"
)

// Entry is a resolved system prompt. VersionID is uuid.Nil unless the prompt came from the
// avatar's active version.
type Entry struct {
	Prompt    string    `json:"prompt"`
	VersionID uuid.UUID `json:"version_id"`
}

// Cache holds resolved avatar system prompts. Failures are logged and treated as misses.
type Cache interface {
	Get(ctx context.Context, avatarID uuid.UUID) (Entry, bool)
	Set(ctx context.Context, avatarID uuid.UUID, e Entry)
	Invalidate(ctx context.Context, avatarID uuid.UUID)
}

// Nop never caches.
type Nop struct{}

func (Nop) Get(context.Context, uuid.UUID) (Entry, bool) { return Entry{}, false }
func (Nop) Set(context.Context, uuid.UUID, Entry)        {}
func (Nop) Invalidate(context.Context, uuid.UUID)        {}

type Redis struct {
	rdb    *goredis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedis(addr string, ttl time.Duration, logger *slog.Logger) (*Redis, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{rdb: rdb, ttl: ttl, logger: logger}, nil
}

func key(avatarID uuid.UUID) string {
	return "persona:system_prompt:" + avatarID.String()
}

func (r *Redis) Get(ctx context.Context, avatarID uuid.UUID) (Entry, bool) {
	raw, err := r.rdb.Get(ctx, key(avatarID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		metrics.PromptCacheTotal.WithLabelValues("miss").Inc()
		return Entry{}, false
	}
	if err != nil {
		metrics.PromptCacheTotal.WithLabelValues("error").Inc()
		r.logger.Warn("prompt cache get failed", "avatar_id", avatarID, "error", err)
		return Entry{}, false
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		metrics.PromptCacheTotal.WithLabelValues("error").Inc()
		r.logger.Warn("prompt cache entry corrupt", "avatar_id", avatarID, "error", err)
		return Entry{}, false
	}
	metrics.PromptCacheTotal.WithLabelValues("hit").Inc()
	return e, true
}

func (r *Redis) Set(ctx context.Context, avatarID uuid.UUID, e Entry) {
	raw, err := json.Marshal(e)
	if err != nil {
		r.logger.Warn("prompt cache encode failed", "avatar_id", avatarID, "error", err)
		return
	}
	if err := r.rdb.Set(ctx, key(avatarID), raw, r.ttl).Err(); err != nil {
		r.logger.Warn("prompt cache set failed", "avatar_id", avatarID, "error", err)
	}
}

func (r *Redis) Invalidate(ctx context.Context, avatarID uuid.UUID) {
	if err := r.rdb.Del(ctx, key(avatarID)).Err(); err != nil {
		r.logger.Warn("prompt cache invalidate failed", "avatar_id", avatarID, "error", err)
	}
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
