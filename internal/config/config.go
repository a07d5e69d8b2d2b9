package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type ServerEnv struct {
	Env        string `envconfig:"ENV" default:"local"`
	ServerPort string `envconfig:"HTTP_PORT" default:"8080"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`

	// Comma separated; "*" allows any origin.
	CORSOrigins []string `envconfig:"CORS_ORIGINS" default:"*"`
}

type RedisEnv struct {
	RedisAddr string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPass string `envconfig:"REDIS_PASSWORD"`
	RedisDB   int    `envconfig:"REDIS_DB" default:"0"`
}

type DispatchEnv struct {
	AsyncThreshold   int           `envconfig:"ASYNC_THRESHOLD" default:"5"`
	SyncTimeout      time.Duration `envconfig:"SYNC_TIMEOUT" default:"60s"`
	WorkerCount      int           `envconfig:"WORKER_COUNT" default:"3"`
	LocalWorkerCount int           `envconfig:"LOCAL_WORKER_COUNT" default:"4"`
	LocalQueueSize   int           `envconfig:"LOCAL_QUEUE_SIZE" default:"100"`
	TaskTimeLimit    time.Duration `envconfig:"TASK_TIME_LIMIT" default:"30m"`
	StaleAfter       time.Duration `envconfig:"STALE_AFTER" default:"35m"`
	SweepInterval    time.Duration `envconfig:"SWEEP_INTERVAL" default:"1m"`
	TaskRetention    time.Duration `envconfig:"TASK_RETENTION" default:"24h"`
}

type StoreEnv struct {
	// Backend for task records: redis, bolt, sqlite or memory.
	Backend string `envconfig:"STORE_BACKEND" default:"redis"`
	Path    string `envconfig:"STORE_PATH" default:"taskdispatch.db"`
}

type StorageEnv struct {
	Type     string `envconfig:"STORAGE_TYPE" default:"local"`
	BaseDir  string `envconfig:"STORAGE_BASE_DIR" default:".taskdispatch/data"`
	S3Bucket string `envconfig:"S3_BUCKET"`
	S3Prefix string `envconfig:"S3_PREFIX" default:"taskdispatch/"`
	S3Region string `envconfig:"S3_REGION" default:"us-east-1"`
}

type ProviderEnv struct {
	OpenAIKey     string `envconfig:"OPENAI_API_KEY"`
	OpenAIModel   string `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
	OpenAIBaseURL string `envconfig:"OPENAI_BASE_URL"`

	TwitterEndpoint   string `envconfig:"TWITTER_ENDPOINT" default:"https://api.twitter.com/2/tweets"`
	TwitterToken      string `envconfig:"TWITTER_TOKEN"`
	FacebookEndpoint  string `envconfig:"FACEBOOK_ENDPOINT"`
	FacebookToken     string `envconfig:"FACEBOOK_TOKEN"`
	InstagramEndpoint string `envconfig:"INSTAGRAM_ENDPOINT"`
	InstagramToken    string `envconfig:"INSTAGRAM_TOKEN"`
	PinterestEndpoint string `envconfig:"PINTEREST_ENDPOINT" default:"https://api.pinterest.com/v5/pins"`
	PinterestToken    string `envconfig:"PINTEREST_TOKEN"`

	AnalyticsEndpoint string `envconfig:"ANALYTICS_ENDPOINT"`
	AnalyticsToken    string `envconfig:"ANALYTICS_TOKEN"`

	ProviderTimeout time.Duration `envconfig:"PROVIDER_TIMEOUT" default:"45s"`
}

type Config struct {
	ServerEnv
	RedisEnv
	DispatchEnv
	StoreEnv
	StorageEnv
	ProviderEnv
}

const namespace = "DISPATCH"

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(namespace, &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.AsyncThreshold < 0 {
		return nil, fmt.Errorf("load config: ASYNC_THRESHOLD must be >= 0")
	}
	// The sweep fails RUNNING tasks older than STALE_AFTER, so it must not
	// catch tasks still inside their time limit.
	if cfg.StaleAfter <= cfg.TaskTimeLimit {
		return nil, fmt.Errorf("load config: STALE_AFTER (%s) must exceed TASK_TIME_LIMIT (%s)", cfg.StaleAfter, cfg.TaskTimeLimit)
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if cfg.LocalWorkerCount <= 0 {
		cfg.LocalWorkerCount = 1
	}
	return &cfg, nil
}

func (e *ServerEnv) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(e.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
