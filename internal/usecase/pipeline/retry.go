package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"chatlog-pipeline/internal/domain"
	"chatlog-pipeline/internal/infra/metrics"
)

// ErrRecordBusy выгрузка уже обрабатывается другим обработчиком.
var ErrRecordBusy = errors.New("выгрузка уже обрабатывается")

// ReprocessResult итог ручной повторной обработки.
type ReprocessResult struct {
	OK    bool
	Error string
}

// ReprocessOne явно сбрасывает выгрузку в pending и обрабатывает её.
// Ошибка возвращается только при сбое доступа к хранилищу, сбой обработки попадает в Error.
func (s *Service) ReprocessOne(ctx context.Context, id int64) (ReprocessResult, error) {
	rec, err := s.records.GetIngestion(ctx, id)
	if err != nil {
		return ReprocessResult{}, fmt.Errorf("выгрузка %d: %w", id, err)
	}
	log := s.log.With().Int64("record_id", id).Str("file", rec.FileName).Logger()

	switch rec.Status {
	case domain.StatusProcessing:
		return ReprocessResult{Error: ErrRecordBusy.Error()}, nil
	case domain.StatusProcessed, domain.StatusFailed:
		if err := s.records.TransitionIngestion(ctx, id, rec.Status, domain.StatusPending, ""); err != nil {
			if domain.IsConflict(err) {
				return ReprocessResult{Error: ErrRecordBusy.Error()}, nil
			}
			return ReprocessResult{}, err
		}
	}

	sum := newCollector(domain.RunKindReprocess, false, s.opts.MaxErrorDetails, s.opts.Now())
	log = log.With().Str("run_id", sum.id).Logger()
	detached := context.WithoutCancel(ctx)
	claimed, ok := s.claim(detached, rec, sum, log)
	if !ok {
		summary := sum.finish(s.opts.Now())
		if len(summary.Errors) > 0 {
			return ReprocessResult{Error: summary.Errors[0].Error}, nil
		}
		return ReprocessResult{Error: ErrRecordBusy.Error()}, nil
	}
	outcome, procErr := s.handle(detached, claimed, RunOptions{}, sum, log)
	summary := sum.finish(s.opts.Now())
	s.recordRun(ctx, summary, log)
	if outcome == outcomeProcessed {
		return ReprocessResult{OK: true}, nil
	}
	if procErr == nil {
		procErr = ErrRecordBusy
	}
	return ReprocessResult{Error: reason(procErr)}, nil
}

// ReprocessByFileName находит выгрузку по имени файла и обрабатывает её заново.
func (s *Service) ReprocessByFileName(ctx context.Context, fileName string) (ReprocessResult, error) {
	rec, err := s.records.FindIngestionByFileName(ctx, fileName)
	if err != nil {
		return ReprocessResult{}, fmt.Errorf("выгрузка %q: %w", fileName, err)
	}
	return s.ReprocessOne(ctx, rec.ID)
}

// SweepSummary итог прохода по очереди повторов.
type SweepSummary struct {
	Claimed     int
	Done        int
	Rescheduled int
	Failed      int
}

// SweepRetries обрабатывает наступившие записи очереди повторов.
func (s *Service) SweepRetries(ctx context.Context) (SweepSummary, error) {
	var out SweepSummary
	due, err := s.retries.ListDueRetries(ctx, s.opts.Now(), s.opts.SweepBatch)
	if err != nil {
		return out, fmt.Errorf("очередь повторов: %w", err)
	}
	sum := newCollector(domain.RunKindRetry, false, s.opts.MaxErrorDetails, s.opts.Now())
	log := s.log.With().Str("run_id", sum.id).Logger()
	for _, entry := range due {
		if ctx.Err() != nil {
			break
		}
		if err := s.retries.ClaimRetry(ctx, entry.ID); err != nil {
			if !domain.IsConflict(err) {
				log.Error().Err(err).Int64("retry_id", entry.ID).Msg("pipeline: не удалось захватить повтор")
			}
			continue
		}
		out.Claimed++
		entryLog := log.With().
			Int64("retry_id", entry.ID).
			Int64("record_id", entry.SourceRecordID).
			Int("attempt", entry.Attempts+1).
			Logger()
		switch s.sweepOne(context.WithoutCancel(ctx), entry, sum, entryLog) {
		case retryDone:
			out.Done++
		case retryRescheduled:
			out.Rescheduled++
		case retryGaveUp:
			out.Failed++
		}
	}
	if out.Claimed > 0 {
		s.recordRun(ctx, sum.finish(s.opts.Now()), log)
		log.Info().
			Int("claimed", out.Claimed).
			Int("done", out.Done).
			Int("rescheduled", out.Rescheduled).
			Int("failed", out.Failed).
			Msg("pipeline: очередь повторов обработана")
	}
	return out, nil
}

type retryOutcome int

const (
	retryDone retryOutcome = iota
	retryRescheduled
	retryGaveUp
)

func (s *Service) sweepOne(ctx context.Context, entry domain.RetryEntry, sum *collector, log zerolog.Logger) retryOutcome {
	rec, err := s.records.GetIngestion(ctx, entry.SourceRecordID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return s.giveUp(ctx, entry, err, log)
		}
		return s.reschedule(ctx, entry, err, log)
	}

	switch rec.Status {
	case domain.StatusProcessed:
		return s.completeRetry(ctx, entry, log)
	case domain.StatusProcessing:
		return s.reschedule(ctx, entry, ErrRecordBusy, log)
	case domain.StatusFailed:
		if err := s.records.TransitionIngestion(ctx, rec.ID, domain.StatusFailed, domain.StatusPending, ""); err != nil {
			return s.reschedule(ctx, entry, err, log)
		}
	}
	if err := s.records.TransitionIngestion(ctx, rec.ID, domain.StatusPending, domain.StatusProcessing, ""); err != nil {
		if domain.IsConflict(err) {
			metrics.IncClaimConflict()
		}
		return s.reschedule(ctx, entry, err, log)
	}
	rec, err = s.records.GetIngestion(ctx, rec.ID)
	if err != nil {
		s.markFailed(ctx, entry.SourceRecordID, err, log)
		return s.reschedule(ctx, entry, err, log)
	}

	start := time.Now()
	result, err := s.process(ctx, rec, RunOptions{})
	switch {
	case err == nil:
		totals := result.Totals()
		sum.processed(totals)
		metrics.ObserveFacts(string(result.Confidence), totals)
		metrics.ObserveRecord(outcomeProcessed.String(), time.Since(start))
		log.Info().Msg("pipeline: повтор выполнен")
		return s.completeRetry(ctx, entry, log)
	case domain.IsConflict(err):
		sum.skip()
		metrics.ObserveRecord(outcomeSkipped.String(), time.Since(start))
		return s.completeRetry(ctx, entry, log)
	case domain.IsTransient(err) && entry.Attempts+1 < s.opts.RetryMax:
		s.markFailed(ctx, rec.ID, err, log)
		sum.retry(rec.FileName, err, true)
		metrics.ObserveRecord(outcomeRetry.String(), time.Since(start))
		return s.reschedule(ctx, entry, err, log)
	default:
		s.markFailed(ctx, rec.ID, err, log)
		sum.fail(rec.FileName, err, true)
		metrics.ObserveRecord(outcomeFailed.String(), time.Since(start))
		return s.giveUp(ctx, entry, err, log)
	}
}

func (s *Service) completeRetry(ctx context.Context, entry domain.RetryEntry, log zerolog.Logger) retryOutcome {
	if err := s.retries.CompleteRetry(ctx, entry.ID); err != nil {
		log.Error().Err(err).Msg("pipeline: не удалось закрыть повтор")
	}
	metrics.IncRetryEvent("done")
	return retryDone
}

func (s *Service) reschedule(ctx context.Context, entry domain.RetryEntry, cause error, log zerolog.Logger) retryOutcome {
	next := s.opts.Now().Add(s.backoff(entry.Attempts + 1))
	if err := s.retries.RescheduleRetry(ctx, entry.ID, reason(cause), next); err != nil {
		log.Error().Err(err).Msg("pipeline: не удалось перенести повтор")
	}
	metrics.IncRetryEvent("rescheduled")
	log.Warn().Err(cause).Time("next_attempt", next).Msg("pipeline: повтор перенесён")
	return retryRescheduled
}

func (s *Service) giveUp(ctx context.Context, entry domain.RetryEntry, cause error, log zerolog.Logger) retryOutcome {
	if err := s.retries.FailRetry(ctx, entry.ID, reason(cause)); err != nil {
		log.Error().Err(err).Msg("pipeline: не удалось закрыть повтор с ошибкой")
	}
	metrics.IncRetryEvent("failed")
	log.Error().Err(cause).Msg("pipeline: повторы исчерпаны")
	return retryGaveUp
}

// RecoverStale переводит выгрузки, застрявшие в processing дольше olderThan, в failed
// и ставит их в очередь повторов.
func (s *Service) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	stale, err := s.records.ListStaleProcessing(ctx, s.opts.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("поиск зависших выгрузок: %w", err)
	}
	recovered := 0
	for _, rec := range stale {
		cause := &domain.TransientError{Op: "recover", Err: fmt.Errorf("обработка не завершилась за %s", olderThan)}
		err := s.records.TransitionIngestion(ctx, rec.ID, domain.StatusProcessing, domain.StatusFailed, reason(cause))
		if err != nil {
			if !domain.IsConflict(err) {
				s.log.Error().Err(err).Int64("record_id", rec.ID).Msg("pipeline: не удалось освободить зависшую выгрузку")
			}
			continue
		}
		if s.enqueueRetry(ctx, rec.ID, cause, s.log.With().Int64("record_id", rec.ID).Logger()) {
			recovered++
		}
	}
	if recovered > 0 {
		s.log.Warn().Int("recovered", recovered).Msg("pipeline: зависшие выгрузки возвращены в очередь повторов")
	}
	return recovered, nil
}
