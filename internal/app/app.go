// Package app собирает зависимости конвейера из конфигурации.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"chatlog-pipeline/internal/adapters/aiextract"
	"chatlog-pipeline/internal/adapters/preprocess"
	"chatlog-pipeline/internal/adapters/repo"
	"chatlog-pipeline/internal/adapters/rules"
	"chatlog-pipeline/internal/domain"
	"chatlog-pipeline/internal/infra/cache"
	"chatlog-pipeline/internal/infra/config"
	"chatlog-pipeline/internal/infra/db"
	logpkg "chatlog-pipeline/internal/infra/log"
	"chatlog-pipeline/internal/infra/openai"
	"chatlog-pipeline/internal/usecase/ingest"
	"chatlog-pipeline/internal/usecase/pipeline"
	"chatlog-pipeline/internal/usecase/writer"
)

// App держит собранные сервисы и открытые соединения.
type App struct {
	Config   config.AppConfig
	Location *time.Location
	Repo     *repo.Postgres
	Ingest   *ingest.Service
	Writer   *writer.Writer
	Pipeline *pipeline.Service

	pool  *pgxpool.Pool
	redis *redis.Client
}

// Build подключается к БД и при наличии адреса к Redis, применяет миграции
// и собирает конвейер. Без OPENAI_API_KEY модель не вызывается.
func Build(ctx context.Context, cfg config.AppConfig, logger zerolog.Logger) (*App, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	pool, err := db.Connect(cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Location: loc, pool: pool}
	if _, err := db.Migrate(ctx, pool, logpkg.Component(logger, "db")); err != nil {
		a.Close()
		return nil, err
	}

	pack, err := rules.LoadFile(cfg.RulesPath)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("набор правил: %w", err)
	}
	ruleExtractor := rules.NewExtractor(pack, rules.Options{
		Window:     cfg.ResolutionWindow(),
		CoachNames: cfg.Pipeline.CoachNames,
	})

	var ai domain.AIExtractor
	if cfg.OpenAI.APIKey != "" && !cfg.Pipeline.DisableAI {
		var llmCache domain.Cache
		if cfg.RedisAddr != "" {
			client, err := cache.Connect(ctx, cfg.RedisAddr)
			if err != nil {
				logger.Warn().Err(err).Msg("app: redis недоступен, кэш ответов модели отключён")
			} else {
				a.redis = client
				llmCache = cache.NewRedis(client, "chatlog:llm:")
			}
		}
		ai = aiextract.New(openai.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Timeout), aiextract.Options{
			Model:         cfg.OpenAI.Model,
			Timeout:       cfg.OpenAI.Timeout,
			MaxMessages:   cfg.OpenAI.MaxMessages,
			MaxBytes:      cfg.OpenAI.MaxBytes,
			SchemaRetries: cfg.OpenAI.SchemaRetries,
			Location:      loc,
			Cache:         llmCache,
			CacheTTL:      cfg.OpenAI.CacheTTL,
		}, logpkg.Component(logger, "aiextract"))
	} else {
		logger.Info().Msg("app: извлечение моделью отключено, работают только правила")
	}

	a.Repo = repo.NewPostgres(pool)
	a.Ingest = ingest.NewService(a.Repo, loc, logpkg.Component(logger, "ingest"))
	a.Writer = writer.New(a.Repo, logpkg.Component(logger, "writer"))
	a.Pipeline = pipeline.New(pipeline.Deps{
		Records: a.Repo,
		Retries: a.Repo,
		Runs:    a.Repo,
		Parser:  preprocess.New(loc),
		Rules:   ruleExtractor,
		AI:      ai,
		Writer:  a.Writer,
	}, pipeline.Options{
		Workers:         cfg.Pipeline.Workers,
		RetryBase:       cfg.Pipeline.RetryBase,
		RetryMaxDelay:   cfg.Pipeline.RetryMaxDelay,
		RetryMax:        cfg.Pipeline.RetryMax,
		SweepBatch:      cfg.Pipeline.SweepBatch,
		MaxErrorDetails: cfg.Pipeline.MaxErrorDetails,
		DisableAI:       cfg.Pipeline.DisableAI,
	}, logpkg.Component(logger, "pipeline"))
	return a, nil
}

// Close закрывает соединения.
func (a *App) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
