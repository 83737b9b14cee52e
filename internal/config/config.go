package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port        int    `yaml:"port"`
	DatabaseURL string `yaml:"database_url"`
	LogLevel    string `yaml:"log_level"`

	OpenAIAPIKey      string `yaml:"openai_api_key"`
	OpenAIBaseURL     string `yaml:"openai_base_url"`
	ChatModel         string `yaml:"chat_model"`
	VisionModel       string `yaml:"vision_model"`
	FineTuneBaseModel string `yaml:"finetune_base_model"`

	NatsURL   string `yaml:"nats_url"`
	NatsToken string `yaml:"nats_token"`

	RedisAddr      string        `yaml:"redis_addr"`
	PromptCacheTTL time.Duration `yaml:"prompt_cache_ttl"`

	BlobDir   string `yaml:"blob_dir"`
	GCSBucket string `yaml:"gcs_bucket"`

	JWTSecret string `yaml:"jwt_secret"`

	SlackBotToken string `yaml:"slack_bot_token"`
	SlackChannel  string `yaml:"slack_channel"`

	FineTunePollInterval time.Duration `yaml:"finetune_poll_interval"`
}

func defaults() Config {
	return Config{
		Port:                 8760,
		LogLevel:             "info",
		OpenAIBaseURL:        "https://api.openai.com",
		ChatModel:            "gpt-4o-mini",
		VisionModel:          "gpt-4o",
		FineTuneBaseModel:    "gpt-4o-mini-2024-07-18",
		PromptCacheTTL:       10 * time.Minute,
		BlobDir:              "./data/blobs",
		FineTunePollInterval: 30 * time.Second,
	}
}

// Load reads PERSONA_CONFIG_FILE (if set) and then applies environment overrides.
// A broken config file is reported but does not stop the service; env and defaults still apply.
func Load() (Config, error) {
	cfg := defaults()

	var fileErr error
	if path := os.Getenv("PERSONA_CONFIG_FILE"); path != "" {
		fileErr = loadFile(path, &cfg)
	}

	cfg.Port = envInt("PERSONA_PORT", cfg.Port)
	cfg.DatabaseURL = envStr("DATABASE_URL", cfg.DatabaseURL)
	cfg.LogLevel = envStr("LOG_LEVEL", cfg.LogLevel)
	cfg.OpenAIAPIKey = envStr("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.OpenAIBaseURL = envStr("OPENAI_BASE_URL", cfg.OpenAIBaseURL)
	cfg.ChatModel = envStr("PERSONA_CHAT_MODEL", cfg.ChatModel)
	cfg.VisionModel = envStr("PERSONA_VISION_MODEL", cfg.VisionModel)
	cfg.FineTuneBaseModel = envStr("PERSONA_FINETUNE_BASE_MODEL", cfg.FineTuneBaseModel)
	cfg.NatsURL = envStr("NATS_URL", cfg.NatsURL)
	cfg.NatsToken = envStr("NATS_TOKEN", cfg.NatsToken)
	cfg.RedisAddr = envStr("REDIS_ADDR", cfg.RedisAddr)
	cfg.PromptCacheTTL = envDuration("PERSONA_PROMPT_CACHE_TTL", cfg.PromptCacheTTL)
	cfg.BlobDir = envStr("PERSONA_BLOB_DIR", cfg.BlobDir)
	cfg.GCSBucket = envStr("PERSONA_GCS_BUCKET", cfg.GCSBucket)
	cfg.JWTSecret = envStr("JWT_SECRET", cfg.JWTSecret)
	cfg.SlackBotToken = envStr("SLACK_BOT_TOKEN", cfg.SlackBotToken)
	cfg.SlackChannel = envStr("SLACK_TRAINING_CHANNEL", cfg.SlackChannel)
	cfg.FineTunePollInterval = envDuration("PERSONA_FINETUNE_POLL_INTERVAL", cfg.FineTunePollInterval)

	return cfg, fileErr
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
