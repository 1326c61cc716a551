package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	TZ     string `envconfig:"TZ" default:"Asia/Shanghai"`

	PGDSN      string `envconfig:"PG_DSN"`
	PGMaxConns int32  `envconfig:"PG_MAX_CONNS" default:"10"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	HTTPAddr    string `envconfig:"HTTP_ADDR" default:":8080"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	RulesPath string `envconfig:"RULES_PATH"`

	OpenAI struct {
		APIKey        string        `envconfig:"OPENAI_API_KEY"`
		BaseURL       string        `envconfig:"OPENAI_BASE_URL"`
		Model         string        `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
		Timeout       time.Duration `envconfig:"OPENAI_TIMEOUT" default:"60s"`
		MaxMessages   int           `envconfig:"OPENAI_CHUNK_MESSAGES" default:"200"`
		MaxBytes      int           `envconfig:"OPENAI_CHUNK_BYTES" default:"24000"`
		SchemaRetries int           `envconfig:"OPENAI_SCHEMA_RETRIES" default:"2"`
		CacheTTL      time.Duration `envconfig:"OPENAI_CACHE_TTL" default:"168h"`
	} `envconfig:""`

	Pipeline struct {
		Workers         int           `envconfig:"PIPELINE_WORKERS" default:"2"`
		Delay           time.Duration `envconfig:"PIPELINE_DELAY" default:"0s"`
		DisableAI       bool          `envconfig:"PIPELINE_DISABLE_AI" default:"false"`
		ResolutionMins  int           `envconfig:"PIPELINE_RESOLUTION_WINDOW_MINUTES" default:"0"`
		CoachNames      []string      `envconfig:"PIPELINE_COACH_NAMES"`
		RetryBase       time.Duration `envconfig:"PIPELINE_RETRY_BASE" default:"1m"`
		RetryMaxDelay   time.Duration `envconfig:"PIPELINE_RETRY_MAX_DELAY" default:"1h"`
		RetryMax        int           `envconfig:"PIPELINE_RETRY_MAX" default:"5"`
		SweepBatch      int           `envconfig:"PIPELINE_SWEEP_BATCH" default:"50"`
		MaxErrorDetails int           `envconfig:"PIPELINE_MAX_ERROR_DETAILS" default:"50"`
		RunInterval     time.Duration `envconfig:"PIPELINE_RUN_INTERVAL" default:"5m"`
		SweepInterval   time.Duration `envconfig:"PIPELINE_SWEEP_INTERVAL" default:"1m"`
		StaleAfter      time.Duration `envconfig:"PIPELINE_STALE_AFTER" default:"30m"`
	} `envconfig:""`

	Telegram struct {
		Token  string `envconfig:"TG_BOT_TOKEN"`
		ChatID int64  `envconfig:"TG_NOTIFY_CHAT_ID"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения. Файл .env, если он есть, читается первым
// и не перекрывает уже заданные переменные.
func Load() (AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return AppConfig{}, fmt.Errorf("чтение .env: %w", err)
	}
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("не удалось загрузить конфиг: %w", err)
	}
	if _, err := cfg.Location(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// Location возвращает часовой пояс переписок.
func (c AppConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.TZ)
	if err != nil {
		return nil, fmt.Errorf("часовой пояс %q: %w", c.TZ, err)
	}
	return loc, nil
}

// ResolutionWindow окно поиска ответа на вопрос, ноль означает значение из набора правил.
func (c AppConfig) ResolutionWindow() time.Duration {
	return time.Duration(c.Pipeline.ResolutionMins) * time.Minute
}
