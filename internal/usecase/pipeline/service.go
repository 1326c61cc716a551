// Package pipeline проводит выгрузки через разбор, извлечение фактов и запись результатов.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatlog-pipeline/internal/domain"
	"chatlog-pipeline/internal/infra/metrics"
)

// RecordWriter сохраняет результат обработки одной выгрузки.
type RecordWriter interface {
	Write(ctx context.Context, rec domain.IngestionRecord, messages []domain.StructuredMessage, result domain.ExtractionResult) error
}

// Deps зависимости конвейера. AI и Runs могут быть nil.
type Deps struct {
	Records domain.IngestionRepo
	Retries domain.RetryQueueRepo
	Runs    domain.RunRepo
	Parser  domain.Preprocessor
	Rules   domain.RuleExtractor
	AI      domain.AIExtractor
	Writer  RecordWriter
}

// Options общие настройки конвейера.
type Options struct {
	Workers         int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	RetryMax        int
	SweepBatch      int
	MaxErrorDetails int
	DisableAI       bool
	Now             func() time.Time
}

// RunOptions параметры одного пакетного запуска.
type RunOptions struct {
	Force     bool
	DryRun    bool
	Limit     int
	Workers   int
	Delay     time.Duration
	DisableAI bool
}

// Service оркестратор обработки выгрузок.
type Service struct {
	records domain.IngestionRepo
	retries domain.RetryQueueRepo
	runs    domain.RunRepo
	parser  domain.Preprocessor
	rules   domain.RuleExtractor
	ai      domain.AIExtractor
	writer  RecordWriter
	opts    Options
	log     zerolog.Logger
}

// New создаёт оркестратор.
func New(deps Deps, opts Options, logger zerolog.Logger) *Service {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = time.Minute
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = time.Hour
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 5
	}
	if opts.SweepBatch <= 0 {
		opts.SweepBatch = 50
	}
	if opts.MaxErrorDetails <= 0 {
		opts.MaxErrorDetails = 50
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		records: deps.Records,
		retries: deps.Retries,
		runs:    deps.Runs,
		parser:  deps.Parser,
		rules:   deps.Rules,
		ai:      deps.AI,
		writer:  deps.Writer,
		opts:    opts,
		log:     logger,
	}
}

// Run обрабатывает все выгрузки в статусе pending пулом обработчиков.
// Отмена ctx прекращает захват новых выгрузок, начатые дорабатываются.
func (s *Service) Run(ctx context.Context, opts RunOptions) (RunSummary, error) {
	if opts.Workers <= 0 {
		opts.Workers = s.opts.Workers
	}
	sum := newCollector(domain.RunKindBatch, opts.DryRun, s.opts.MaxErrorDetails, s.opts.Now())
	log := s.log.With().Str("run_id", sum.id).Bool("dry_run", opts.DryRun).Logger()

	candidates, err := s.candidates(ctx, opts)
	if err != nil {
		return RunSummary{}, err
	}
	log.Info().Int("candidates", len(candidates)).Int("workers", opts.Workers).Msg("pipeline: запуск обработки")

	queue := make(chan domain.IngestionRecord)
	lim := &limiter{limit: opts.Limit}
	var wg sync.WaitGroup
	for i := 0; i < opts.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			s.work(ctx, queue, opts, lim, sum, log.With().Int("worker", worker).Logger())
		}(i + 1)
	}

feed:
	for _, rec := range candidates {
		select {
		case <-ctx.Done():
			break feed
		case queue <- rec:
		}
	}
	close(queue)
	wg.Wait()

	summary := sum.finish(s.opts.Now())
	s.recordRun(ctx, summary, log)
	log.Info().
		Int("processed", summary.Processed).
		Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).
		Int("retry_queued", summary.RetryQueued).
		Msg("pipeline: обработка завершена")
	return summary, nil
}

func (s *Service) work(ctx context.Context, queue <-chan domain.IngestionRecord, opts RunOptions, lim *limiter, sum *collector, log zerolog.Logger) {
	for rec := range queue {
		if ctx.Err() != nil || !lim.reserve() {
			continue
		}
		detached := context.WithoutCancel(ctx)
		if !opts.DryRun {
			if rec.Status == domain.StatusProcessed && !s.reopen(detached, rec, sum, log) {
				lim.release()
				continue
			}
			claimed, ok := s.claim(detached, rec, sum, log)
			if !ok {
				lim.release()
				continue
			}
			rec = claimed
		}
		s.handle(detached, rec, opts, sum, log)
		if opts.Delay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(opts.Delay):
			}
		}
	}
}

func (s *Service) claim(ctx context.Context, rec domain.IngestionRecord, sum *collector, log zerolog.Logger) (domain.IngestionRecord, bool) {
	err := s.records.TransitionIngestion(ctx, rec.ID, domain.StatusPending, domain.StatusProcessing, "")
	if err != nil {
		if domain.IsConflict(err) {
			metrics.IncClaimConflict()
			log.Debug().Int64("record_id", rec.ID).Msg("pipeline: выгрузка уже захвачена")
			sum.skip()
			return domain.IngestionRecord{}, false
		}
		log.Error().Err(err).Int64("record_id", rec.ID).Msg("pipeline: не удалось захватить выгрузку")
		sum.fail(rec.FileName, err, true)
		return domain.IngestionRecord{}, false
	}
	fresh, err := s.records.GetIngestion(ctx, rec.ID)
	if err != nil {
		log.Error().Err(err).Int64("record_id", rec.ID).Msg("pipeline: не удалось перечитать выгрузку")
		s.markFailed(ctx, rec.ID, err, log)
		sum.fail(rec.FileName, err, true)
		return domain.IngestionRecord{}, false
	}
	return fresh, true
}

func (s *Service) candidates(ctx context.Context, opts RunOptions) ([]domain.IngestionRecord, error) {
	pending, err := s.records.ListIngestionsByStatus(ctx, domain.StatusPending, 0)
	if err != nil {
		return nil, err
	}
	if opts.Force {
		processed, err := s.records.ListIngestionsByStatus(ctx, domain.StatusProcessed, 0)
		if err != nil {
			return nil, err
		}
		pending = append(pending, processed...)
	}
	return pending, nil
}

// reopen возвращает обработанную выгрузку в pending перед захватом при принудительном запуске.
// Выгрузки сверх limit не трогаются.
func (s *Service) reopen(ctx context.Context, rec domain.IngestionRecord, sum *collector, log zerolog.Logger) bool {
	err := s.records.TransitionIngestion(ctx, rec.ID, domain.StatusProcessed, domain.StatusPending, "")
	switch {
	case err == nil:
		return true
	case domain.IsConflict(err):
		log.Debug().Int64("record_id", rec.ID).Msg("pipeline: выгрузка уже изменилась, пропускаем")
		sum.skip()
	default:
		log.Error().Err(err).Int64("record_id", rec.ID).Msg("pipeline: не удалось вернуть выгрузку в очередь")
		sum.fail(rec.FileName, err, true)
	}
	return false
}

func (s *Service) recordRun(ctx context.Context, summary RunSummary, log zerolog.Logger) {
	if s.runs == nil || summary.DryRun {
		return
	}
	if err := s.runs.RecordRun(context.WithoutCancel(ctx), summary.Report()); err != nil {
		log.Warn().Err(err).Msg("pipeline: не удалось сохранить отчёт о запуске")
	}
}

// ListByStatus возвращает выгрузки в указанном статусе.
func (s *Service) ListByStatus(ctx context.Context, status domain.IngestionStatus, limit int) ([]domain.IngestionRecord, error) {
	return s.records.ListIngestionsByStatus(ctx, status, limit)
}

type limiter struct {
	mu    sync.Mutex
	limit int
	taken int
}

func (l *limiter) reserve() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limit > 0 && l.taken >= l.limit {
		return false
	}
	l.taken++
	return true
}

func (l *limiter) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.taken > 0 {
		l.taken--
	}
}
