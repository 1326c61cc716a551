package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"chatlog-pipeline/internal/adapters/telegram"
	"chatlog-pipeline/internal/app"
	"chatlog-pipeline/internal/domain"
	"chatlog-pipeline/internal/infra/config"
	httpinfra "chatlog-pipeline/internal/infra/http"
	logpkg "chatlog-pipeline/internal/infra/log"
	"chatlog-pipeline/internal/infra/metrics"
	"chatlog-pipeline/internal/usecase/pipeline"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logpkg.NewLogger("prod")
		bootLog.Fatal().Err(err).Msg("worker: конфигурация")
	}
	logger := logpkg.NewLogger(cfg.AppEnv)
	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: не удалось собрать конвейер")
	}
	defer a.Close()

	var notifier domain.Notifier
	if cfg.Telegram.Token != "" && cfg.Telegram.ChatID != 0 {
		bot, err := telegram.Connect(cfg.Telegram.Token)
		if err != nil {
			logger.Error().Err(err).Msg("worker: уведомления в Telegram отключены")
		} else {
			notifier = telegram.NewNotifier(bot, cfg.Telegram.ChatID, logpkg.Component(logger, "telegram"))
		}
	}

	if cfg.MetricsAddr != "" && cfg.MetricsAddr != cfg.HTTPAddr {
		metrics.StartServer(ctx, logger, cfg.MetricsAddr)
	}

	srv := httpinfra.NewServer(logpkg.Component(logger, "http"))
	mountAdmin(srv.Router, a.Pipeline, a.Repo, logger)
	go func() {
		if err := srv.Start(cfg.HTTPAddr); err != nil {
			logger.Error().Err(err).Msg("worker: http сервер остановлен")
			stop()
		}
	}()

	w := &worker{
		pipeline:   a.Pipeline,
		notifier:   notifier,
		staleAfter: cfg.Pipeline.StaleAfter,
		delay:      cfg.Pipeline.Delay,
		log:        logger,
	}
	w.loop(ctx, cfg.Pipeline.RunInterval, cfg.Pipeline.SweepInterval)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("worker: остановка http сервера")
	}
	logger.Info().Msg("worker: остановлен")
}

type batchRunner interface {
	Run(ctx context.Context, opts pipeline.RunOptions) (pipeline.RunSummary, error)
	SweepRetries(ctx context.Context) (pipeline.SweepSummary, error)
	RecoverStale(ctx context.Context, olderThan time.Duration) (int, error)
}

type worker struct {
	pipeline   batchRunner
	notifier   domain.Notifier
	staleAfter time.Duration
	delay      time.Duration
	log        zerolog.Logger
}

// loop выполняет пакетные запуски и проход по очереди повторов до отмены ctx.
func (w *worker) loop(ctx context.Context, runEvery, sweepEvery time.Duration) {
	if runEvery <= 0 {
		runEvery = 5 * time.Minute
	}
	if sweepEvery <= 0 {
		sweepEvery = time.Minute
	}
	runTicker := time.NewTicker(runEvery)
	defer runTicker.Stop()
	sweepTicker := time.NewTicker(sweepEvery)
	defer sweepTicker.Stop()

	w.log.Info().Dur("run_interval", runEvery).Dur("sweep_interval", sweepEvery).Msg("worker: запущен")
	w.tickRun(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-runTicker.C:
			w.tickRun(ctx)
		case <-sweepTicker.C:
			w.tickSweep(ctx)
		}
	}
}

func (w *worker) tickRun(ctx context.Context) {
	if w.staleAfter > 0 {
		if _, err := w.pipeline.RecoverStale(ctx, w.staleAfter); err != nil {
			w.log.Error().Err(err).Msg("worker: проверка зависших выгрузок")
		}
	}
	summary, err := w.pipeline.Run(ctx, pipeline.RunOptions{Delay: w.delay})
	if err != nil {
		w.log.Error().Err(err).Msg("worker: пакетный запуск")
		return
	}
	if summary.Processed+summary.Failed+summary.RetryQueued == 0 {
		return
	}
	w.notify(ctx, summary)
}

func (w *worker) tickSweep(ctx context.Context) {
	if _, err := w.pipeline.SweepRetries(ctx); err != nil {
		w.log.Error().Err(err).Msg("worker: очередь повторов")
	}
}

func (w *worker) notify(ctx context.Context, summary pipeline.RunSummary) {
	if w.notifier == nil {
		return
	}
	if err := w.notifier.Notify(context.WithoutCancel(ctx), pipeline.FormatSummary(summary)); err != nil {
		w.log.Error().Err(err).Str("run_id", summary.RunID).Msg("worker: уведомление не отправлено")
	}
}
