package repo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"chatlog-pipeline/internal/domain"
	"chatlog-pipeline/internal/infra/metrics"
)

const retryColumns = `id, source_record_id, status, error, attempts, next_attempt_at, created_at, updated_at`

func scanRetry(row pgx.Row) (domain.RetryEntry, error) {
	var (
		e      domain.RetryEntry
		status string
	)
	if err := row.Scan(&e.ID, &e.SourceRecordID, &status, &e.Error, &e.Attempts, &e.NextAttemptAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.RetryEntry{}, domain.ErrNotFound
		}
		return domain.RetryEntry{}, err
	}
	e.Status = domain.RetryStatus(status)
	return e, nil
}

func collectRetries(rows pgx.Rows) ([]domain.RetryEntry, error) {
	defer rows.Close()
	var out []domain.RetryEntry
	for rows.Next() {
		e, err := scanRetry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// EnqueueRetry реализует domain.RetryQueueRepo.
func (p *Postgres) EnqueueRetry(ctx context.Context, sourceID int64, reason string, nextAttempt time.Time) (domain.RetryEntry, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	entry, err := scanRetry(p.pool.QueryRow(ctx, `
INSERT INTO retry_queue (source_record_id, error, next_attempt_at)
VALUES ($1, $2, $3)
ON CONFLICT (source_record_id) WHERE status IN ('pending', 'processing') DO UPDATE
SET status = 'pending',
    error = EXCLUDED.error,
    next_attempt_at = EXCLUDED.next_attempt_at,
    updated_at = now()
RETURNING `+retryColumns+`
`, sourceID, reason, nextAttempt))
	metrics.ObserveNetworkRequest("postgres", "enqueue_retry", "retry_queue", start, err)
	return entry, err
}

// ListDueRetries реализует domain.RetryQueueRepo.
func (p *Postgres) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]domain.RetryEntry, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+retryColumns+`
FROM retry_queue
WHERE status = 'pending' AND next_attempt_at <= $1
ORDER BY next_attempt_at, id
LIMIT NULLIF($2::int, 0)
`, now, limit)
	metrics.ObserveNetworkRequest("postgres", "list_due_retries", "retry_queue", start, err)
	if err != nil {
		return nil, err
	}
	return collectRetries(rows)
}

// ListRetries реализует domain.RetryQueueRepo. Пустой статус возвращает все записи.
func (p *Postgres) ListRetries(ctx context.Context, status domain.RetryStatus, limit int) ([]domain.RetryEntry, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+retryColumns+`
FROM retry_queue
WHERE $1::text = '' OR status = $1::text
ORDER BY id
LIMIT NULLIF($2::int, 0)
`, string(status), limit)
	metrics.ObserveNetworkRequest("postgres", "list_retries", "retry_queue", start, err)
	if err != nil {
		return nil, err
	}
	return collectRetries(rows)
}

func (p *Postgres) updateRetry(ctx context.Context, op, query string, args ...any) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, query, args...)
	metrics.ObserveNetworkRequest("postgres", op, "retry_queue", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return missingOrConflict(ctx, p.pool, "retry_queue", args[0].(int64))
	}
	return nil
}

// ClaimRetry реализует domain.RetryQueueRepo.
func (p *Postgres) ClaimRetry(ctx context.Context, id int64) error {
	return p.updateRetry(ctx, "claim_retry", `
UPDATE retry_queue SET status = 'processing', updated_at = now()
WHERE id = $1 AND status = 'pending'
`, id)
}

// CompleteRetry реализует domain.RetryQueueRepo.
func (p *Postgres) CompleteRetry(ctx context.Context, id int64) error {
	return p.updateRetry(ctx, "complete_retry", `
UPDATE retry_queue SET status = 'done', updated_at = now()
WHERE id = $1
`, id)
}

// RescheduleRetry реализует domain.RetryQueueRepo.
func (p *Postgres) RescheduleRetry(ctx context.Context, id int64, reason string, nextAttempt time.Time) error {
	return p.updateRetry(ctx, "reschedule_retry", `
UPDATE retry_queue
SET status = 'pending', attempts = attempts + 1, error = $2, next_attempt_at = $3, updated_at = now()
WHERE id = $1
`, id, reason, nextAttempt)
}

// FailRetry реализует domain.RetryQueueRepo.
func (p *Postgres) FailRetry(ctx context.Context, id int64, reason string) error {
	return p.updateRetry(ctx, "fail_retry", `
UPDATE retry_queue
SET status = 'failed', attempts = attempts + 1, error = $2, updated_at = now()
WHERE id = $1
`, id, reason)
}

// RecordRun реализует domain.RunRepo. Повторная запись того же запуска игнорируется.
func (p *Postgres) RecordRun(ctx context.Context, run domain.RunReport) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	totals, err := json.Marshal(run.Totals)
	if err != nil {
		return err
	}
	if run.Errors == nil {
		run.Errors = []domain.RunError{}
	}
	errs, err := json.Marshal(run.Errors)
	if err != nil {
		return err
	}

	start := time.Now()
	_, err = p.pool.Exec(ctx, `
INSERT INTO pipeline_runs (id, kind, started_at, finished_at, processed, failed, skipped, retry_queued, dry_run,
    totals, errors)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11::jsonb)
`, run.ID, string(run.Kind), run.StartedAt, run.FinishedAt, run.Processed, run.Failed, run.Skipped,
		run.RetryQueued, run.DryRun, string(totals), string(errs))
	metrics.ObserveNetworkRequest("postgres", "insert_run", "pipeline_runs", start, err)
	if isUniqueViolation(err) {
		return nil
	}
	return err
}

// ListRuns реализует domain.RunRepo, последние запуски первыми.
func (p *Postgres) ListRuns(ctx context.Context, limit int) ([]domain.RunReport, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id::text, kind, started_at, finished_at, processed, failed, skipped, retry_queued, dry_run, totals, errors
FROM pipeline_runs
ORDER BY started_at DESC
LIMIT NULLIF($1::int, 0)
`, limit)
	metrics.ObserveNetworkRequest("postgres", "list_runs", "pipeline_runs", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.RunReport
	for rows.Next() {
		var (
			run          domain.RunReport
			kind         string
			totals, errs []byte
		)
		if err := rows.Scan(&run.ID, &kind, &run.StartedAt, &run.FinishedAt, &run.Processed, &run.Failed,
			&run.Skipped, &run.RetryQueued, &run.DryRun, &totals, &errs); err != nil {
			return nil, err
		}
		run.Kind = domain.RunKind(kind)
		if err := json.Unmarshal(totals, &run.Totals); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(errs, &run.Errors); err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}
