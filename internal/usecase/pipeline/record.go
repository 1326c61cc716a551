package pipeline

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"chatlog-pipeline/internal/domain"
	"chatlog-pipeline/internal/infra/metrics"
)

type recordOutcome int

const (
	outcomeProcessed recordOutcome = iota
	outcomeSkipped
	outcomeRetry
	outcomeFailed
)

func (o recordOutcome) String() string {
	switch o {
	case outcomeProcessed:
		return "processed"
	case outcomeSkipped:
		return "skipped"
	case outcomeRetry:
		return "retry"
	default:
		return "failed"
	}
}

const maxReasonRunes = 500

// handle обрабатывает уже захваченную выгрузку и переводит её в итоговый статус.
func (s *Service) handle(ctx context.Context, rec domain.IngestionRecord, opts RunOptions, sum *collector, log zerolog.Logger) (recordOutcome, error) {
	start := time.Now()
	recLog := log.With().Int64("record_id", rec.ID).Str("file", rec.FileName).Logger()

	result, err := s.process(ctx, rec, opts)
	outcome := outcomeProcessed
	switch {
	case err == nil:
		totals := result.Totals()
		sum.processed(totals)
		if !opts.DryRun {
			metrics.ObserveFacts(string(result.Confidence), totals)
		}
		recLog.Info().Interface("totals", totals).Msg("pipeline: выгрузка обработана")
	case domain.IsConflict(err):
		outcome = outcomeSkipped
		sum.skip()
		recLog.Info().Msg("pipeline: выгрузка изменилась во время обработки, пропускаем")
	case opts.DryRun:
		outcome = outcomeFailed
		sum.fail(rec.FileName, err, domain.IsPermanent(err))
		recLog.Warn().Err(err).Msg("pipeline: пробный прогон завершился ошибкой")
	case domain.IsTransient(err):
		outcome = outcomeRetry
		s.markFailed(ctx, rec.ID, err, recLog)
		queued := s.enqueueRetry(ctx, rec.ID, err, recLog)
		sum.retry(rec.FileName, err, queued)
		recLog.Warn().Err(err).Bool("queued", queued).Msg("pipeline: временная ошибка, выгрузка поставлена в очередь повторов")
	default:
		outcome = outcomeFailed
		s.markFailed(ctx, rec.ID, err, recLog)
		sum.fail(rec.FileName, err, true)
		recLog.Error().Err(err).Msg("pipeline: выгрузка не обработана")
	}
	metrics.ObserveRecord(outcome.String(), time.Since(start))
	return outcome, err
}

// process выполняет разбор, извлечение и запись одной выгрузки.
func (s *Service) process(ctx context.Context, rec domain.IngestionRecord, opts RunOptions) (domain.ExtractionResult, error) {
	messages, err := s.parser.Parse(rec.RawContent, rec.Key.Date)
	if err != nil {
		return domain.ExtractionResult{}, err
	}
	result := s.rules.Extract(messages)
	if s.ai != nil && !opts.DisableAI && !s.opts.DisableAI {
		llm, err := s.ai.Extract(ctx, messages)
		if err != nil {
			return domain.ExtractionResult{}, err
		}
		result = Merge(result, llm)
	}
	if opts.DryRun {
		return result, nil
	}
	if err := s.writer.Write(ctx, rec, messages, result); err != nil {
		return domain.ExtractionResult{}, err
	}
	return result, nil
}

func (s *Service) markFailed(ctx context.Context, id int64, cause error, log zerolog.Logger) {
	err := s.records.TransitionIngestion(ctx, id, domain.StatusProcessing, domain.StatusFailed, reason(cause))
	if err != nil {
		log.Error().Err(err).Msg("pipeline: не удалось перевести выгрузку в failed")
	}
}

func (s *Service) enqueueRetry(ctx context.Context, id int64, cause error, log zerolog.Logger) bool {
	next := s.opts.Now().Add(s.backoff(0))
	if _, err := s.retries.EnqueueRetry(ctx, id, reason(cause), next); err != nil {
		log.Error().Err(err).Msg("pipeline: не удалось поставить выгрузку в очередь повторов")
		return false
	}
	metrics.IncRetryEvent("queued")
	return true
}

// backoff возвращает задержку перед попыткой attempts: base<<attempts, но не больше RetryMaxDelay.
func (s *Service) backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 30 {
		return s.opts.RetryMaxDelay
	}
	d := s.opts.RetryBase << attempts
	if d <= 0 || d > s.opts.RetryMaxDelay {
		return s.opts.RetryMaxDelay
	}
	return d
}

func reason(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if utf8.RuneCountInString(msg) <= maxReasonRunes {
		return msg
	}
	runes := []rune(msg)
	return string(runes[:maxReasonRunes]) + "…"
}
