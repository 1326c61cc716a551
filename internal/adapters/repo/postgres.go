package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"chatlog-pipeline/internal/domain"
	"chatlog-pipeline/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.IngestionRepo  = (*Postgres)(nil)
	_ domain.DerivedStore   = (*Postgres)(nil)
	_ domain.RetryQueueRepo = (*Postgres)(nil)
	_ domain.RunRepo        = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (p *Postgres) connCtxWithParent(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return p.connCtx()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id != 0}
}

const ingestionColumns = `id, product_line, period, group_name, chat_date, file_name, raw_content, content_hash,
       message_count, status, status_reason, processed_at, created_at, updated_at`

func scanIngestion(row pgx.Row) (domain.IngestionRecord, error) {
	var (
		rec       domain.IngestionRecord
		status    string
		processed sql.NullTime
	)
	err := row.Scan(
		&rec.ID,
		&rec.Key.ProductLine,
		&rec.Key.Period,
		&rec.Key.Group,
		&rec.Key.Date,
		&rec.FileName,
		&rec.RawContent,
		&rec.ContentHash,
		&rec.MessageCount,
		&status,
		&rec.StatusReason,
		&processed,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.IngestionRecord{}, domain.ErrNotFound
		}
		return domain.IngestionRecord{}, err
	}
	rec.Status = domain.IngestionStatus(status)
	if processed.Valid {
		ts := processed.Time
		rec.ProcessedAt = &ts
	}
	return rec, nil
}

func collectIngestions(rows pgx.Rows) ([]domain.IngestionRecord, error) {
	defer rows.Close()
	var out []domain.IngestionRecord
	for rows.Next() {
		rec, err := scanIngestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpsertIngestion реализует domain.IngestionRepo.
func (p *Postgres) UpsertIngestion(ctx context.Context, rec domain.IngestionRecord) (int64, bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var id int64
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO ingestion_records (product_line, period, group_name, chat_date, file_name, raw_content, content_hash)
VALUES ($1, $2, $3, $4::date, $5, $6, $7)
ON CONFLICT (product_line, period, group_name, chat_date) DO UPDATE
SET file_name = EXCLUDED.file_name,
    raw_content = EXCLUDED.raw_content,
    content_hash = EXCLUDED.content_hash,
    message_count = 0,
    status = 'pending',
    status_reason = '',
    processed_at = NULL,
    updated_at = now()
WHERE ingestion_records.content_hash <> EXCLUDED.content_hash
RETURNING id
`, rec.Key.ProductLine, rec.Key.Period, rec.Key.Group, rec.Key.DateString(), rec.FileName, rec.RawContent, rec.ContentHash).Scan(&id)
	metrics.ObserveNetworkRequest("postgres", "upsert_ingestion", "ingestion_records", start, err)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, err
	}

	// Хеш совпал, строка не обновлялась.
	start = time.Now()
	err = p.pool.QueryRow(ctx, `
SELECT id FROM ingestion_records
WHERE product_line = $1 AND period = $2 AND group_name = $3 AND chat_date = $4::date
`, rec.Key.ProductLine, rec.Key.Period, rec.Key.Group, rec.Key.DateString()).Scan(&id)
	metrics.ObserveNetworkRequest("postgres", "select_ingestion_by_key", "ingestion_records", start, err)
	if err != nil {
		return 0, false, err
	}
	return id, false, nil
}

// GetIngestion реализует domain.IngestionRepo.
func (p *Postgres) GetIngestion(ctx context.Context, id int64) (domain.IngestionRecord, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rec, err := scanIngestion(p.pool.QueryRow(ctx, `SELECT `+ingestionColumns+` FROM ingestion_records WHERE id = $1`, id))
	metrics.ObserveNetworkRequest("postgres", "select_ingestion", "ingestion_records", start, ignoreNotFound(err))
	return rec, err
}

// FindIngestionByFileName реализует domain.IngestionRepo. При нескольких совпадениях берётся последняя запись.
func (p *Postgres) FindIngestionByFileName(ctx context.Context, fileName string) (domain.IngestionRecord, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rec, err := scanIngestion(p.pool.QueryRow(ctx, `
SELECT `+ingestionColumns+`
FROM ingestion_records
WHERE file_name = $1
ORDER BY id DESC
LIMIT 1
`, fileName))
	metrics.ObserveNetworkRequest("postgres", "select_ingestion_by_file", "ingestion_records", start, ignoreNotFound(err))
	return rec, err
}

// ListIngestionsByStatus реализует domain.IngestionRepo.
func (p *Postgres) ListIngestionsByStatus(ctx context.Context, status domain.IngestionStatus, limit int) ([]domain.IngestionRecord, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+ingestionColumns+`
FROM ingestion_records
WHERE status = $1
ORDER BY id
LIMIT NULLIF($2::int, 0)
`, string(status), limit)
	metrics.ObserveNetworkRequest("postgres", "list_ingestions", "ingestion_records", start, err)
	if err != nil {
		return nil, err
	}
	return collectIngestions(rows)
}

// TransitionIngestion реализует domain.IngestionRepo.
func (p *Postgres) TransitionIngestion(ctx context.Context, id int64, from, to domain.IngestionStatus, reason string) error {
	if err := domain.CheckTransition(from, to); err != nil {
		return err
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE ingestion_records
SET status = $3, status_reason = $4, updated_at = now()
WHERE id = $1 AND status = $2
`, id, string(from), string(to), reason)
	metrics.ObserveNetworkRequest("postgres", "transition_ingestion", "ingestion_records", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return missingOrConflict(ctx, p.pool, "ingestion_records", id)
	}
	return nil
}

// ListStaleProcessing реализует domain.IngestionRepo.
func (p *Postgres) ListStaleProcessing(ctx context.Context, before time.Time) ([]domain.IngestionRecord, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+ingestionColumns+`
FROM ingestion_records
WHERE status = 'processing' AND updated_at < $1
ORDER BY id
`, before)
	metrics.ObserveNetworkRequest("postgres", "list_stale_ingestions", "ingestion_records", start, err)
	if err != nil {
		return nil, err
	}
	return collectIngestions(rows)
}

type querier interface {
	QueryRow(ctx context.Context, query string, args ...any) pgx.Row
}

// missingOrConflict различает отсутствующую запись и проигранную гонку за статус.
func missingOrConflict(ctx context.Context, q querier, table string, id int64) error {
	var exists bool
	start := time.Now()
	err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists)
	metrics.ObserveNetworkRequest("postgres", "exists", table, start, err)
	if err != nil {
		return err
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrConcurrencyConflict
}

func ignoreNotFound(err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return err
}
