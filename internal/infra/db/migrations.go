package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"chatlog-pipeline/internal/infra/metrics"
)

// Migration один шаг изменения схемы.
type Migration struct {
	Version     int
	Description string
	Up          func(ctx context.Context, tx pgx.Tx) error
}

func execSQL(query string) func(ctx context.Context, tx pgx.Tx) error {
	return func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, query)
		return err
	}
}

// migrations упорядоченный список миграций. Новые добавляются в конец со следующей версией.
var migrations = []Migration{
	{
		Version:     1,
		Description: "выгрузки и статусы обработки",
		Up: execSQL(`
CREATE TABLE IF NOT EXISTS ingestion_records (
    id BIGSERIAL PRIMARY KEY,
    product_line TEXT NOT NULL,
    period TEXT NOT NULL,
    group_name TEXT NOT NULL,
    chat_date DATE NOT NULL,
    file_name TEXT NOT NULL,
    raw_content TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    message_count INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'pending'
        CHECK (status IN ('pending', 'processing', 'processed', 'failed')),
    status_reason TEXT NOT NULL DEFAULT '',
    processed_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (product_line, period, group_name, chat_date)
);

CREATE INDEX IF NOT EXISTS idx_ingestion_records_status ON ingestion_records(status, id);
CREATE INDEX IF NOT EXISTS idx_ingestion_records_file_name ON ingestion_records(file_name);
`),
	},
	{
		Version:     2,
		Description: "участники и алиасы",
		Up: execSQL(`
CREATE TABLE IF NOT EXISTS members (
    id BIGSERIAL PRIMARY KEY,
    display_name TEXT NOT NULL,
    normalized_nickname TEXT NOT NULL,
    role TEXT NOT NULL DEFAULT 'member' CHECK (role IN ('member', 'volunteer', 'coach')),
    product_line TEXT NOT NULL DEFAULT '',
    period TEXT NOT NULL DEFAULT '',
    active BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS uniq_members_active_nickname
    ON members(normalized_nickname) WHERE active;

CREATE TABLE IF NOT EXISTS member_aliases (
    alias TEXT PRIMARY KEY,
    member_id BIGINT NOT NULL REFERENCES members(id),
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_member_aliases_member ON member_aliases(member_id);
`),
	},
	{
		Version:     3,
		Description: "извлечённые факты",
		Up: execSQL(`
CREATE TABLE IF NOT EXISTS question_answers (
    id BIGSERIAL PRIMARY KEY,
    source_log_id BIGINT NOT NULL REFERENCES ingestion_records(id) ON DELETE CASCADE,
    question TEXT NOT NULL,
    asker_name TEXT NOT NULL,
    asker_member_id BIGINT REFERENCES members(id),
    question_time TIMESTAMPTZ NOT NULL,
    answerer_name TEXT,
    answerer_member_id BIGINT REFERENCES members(id),
    answer TEXT NOT NULL DEFAULT '',
    answer_time TIMESTAMPTZ,
    is_resolved BOOLEAN NOT NULL DEFAULT FALSE,
    response_minutes INTEGER,
    confidence TEXT NOT NULL,
    is_verified BOOLEAN NOT NULL DEFAULT FALSE,
    CHECK (NOT is_resolved OR (answerer_name IS NOT NULL AND response_minutes IS NOT NULL))
);

CREATE TABLE IF NOT EXISTS good_news (
    id BIGSERIAL PRIMARY KEY,
    source_log_id BIGINT NOT NULL REFERENCES ingestion_records(id) ON DELETE CASCADE,
    author TEXT NOT NULL,
    member_id BIGINT REFERENCES members(id),
    content TEXT NOT NULL,
    category TEXT NOT NULL CHECK (category IN ('milestone', 'revenue', 'growth', 'other')),
    amount DOUBLE PRECISION,
    currency TEXT NOT NULL DEFAULT '',
    revenue_level TEXT NOT NULL DEFAULT '',
    tags TEXT[],
    posted_at TIMESTAMPTZ NOT NULL,
    confidence TEXT NOT NULL,
    is_verified BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS koc_contributions (
    id BIGSERIAL PRIMARY KEY,
    source_log_id BIGINT NOT NULL REFERENCES ingestion_records(id) ON DELETE CASCADE,
    author TEXT NOT NULL,
    member_id BIGINT REFERENCES members(id),
    content TEXT NOT NULL,
    model TEXT,
    core_deed TEXT,
    member_name TEXT,
    niche TEXT,
    result TEXT,
    link TEXT,
    tags TEXT[],
    posted_at TIMESTAMPTZ NOT NULL,
    confidence TEXT NOT NULL,
    is_verified BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS star_students (
    id BIGSERIAL PRIMARY KEY,
    source_log_id BIGINT NOT NULL REFERENCES ingestion_records(id) ON DELETE CASCADE,
    author TEXT NOT NULL,
    member_id BIGINT REFERENCES members(id),
    content TEXT NOT NULL,
    achievement TEXT NOT NULL DEFAULT '',
    revenue_level TEXT NOT NULL DEFAULT '',
    tags TEXT[],
    posted_at TIMESTAMPTZ NOT NULL,
    confidence TEXT NOT NULL,
    is_verified BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS idx_question_answers_source ON question_answers(source_log_id);
CREATE INDEX IF NOT EXISTS idx_good_news_source ON good_news(source_log_id);
CREATE INDEX IF NOT EXISTS idx_koc_contributions_source ON koc_contributions(source_log_id);
CREATE INDEX IF NOT EXISTS idx_star_students_source ON star_students(source_log_id);
`),
	},
	{
		Version:     4,
		Description: "журнал сообщений и сводки",
		Up: execSQL(`
CREATE TABLE IF NOT EXISTS chat_messages (
    source_log_id BIGINT NOT NULL REFERENCES ingestion_records(id) ON DELETE CASCADE,
    ordinal INTEGER NOT NULL,
    author TEXT NOT NULL,
    author_id TEXT NOT NULL DEFAULT '',
    member_id BIGINT REFERENCES members(id),
    sent_at TIMESTAMPTZ NOT NULL,
    body TEXT NOT NULL,
    message_type TEXT NOT NULL,
    quotes TEXT[],
    tags JSONB NOT NULL DEFAULT '[]',
    PRIMARY KEY (source_log_id, ordinal)
);

CREATE INDEX IF NOT EXISTS idx_chat_messages_member ON chat_messages(member_id);

CREATE TABLE IF NOT EXISTS daily_aggregates (
    product_line TEXT NOT NULL,
    period TEXT NOT NULL,
    group_name TEXT NOT NULL,
    chat_date DATE NOT NULL,
    source_log_id BIGINT NOT NULL REFERENCES ingestion_records(id) ON DELETE CASCADE,
    message_count INTEGER NOT NULL DEFAULT 0,
    question_count INTEGER NOT NULL DEFAULT 0,
    answer_count INTEGER NOT NULL DEFAULT 0,
    good_news_count INTEGER NOT NULL DEFAULT 0,
    koc_count INTEGER NOT NULL DEFAULT 0,
    star_count INTEGER NOT NULL DEFAULT 0,
    active_members INTEGER NOT NULL DEFAULT 0,
    avg_response_minutes DOUBLE PRECISION,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (product_line, period, group_name, chat_date)
);

CREATE TABLE IF NOT EXISTS member_stats (
    member_id BIGINT PRIMARY KEY REFERENCES members(id),
    messages INTEGER NOT NULL DEFAULT 0,
    questions_asked INTEGER NOT NULL DEFAULT 0,
    answers_given INTEGER NOT NULL DEFAULT 0,
    good_news INTEGER NOT NULL DEFAULT 0,
    koc_count INTEGER NOT NULL DEFAULT 0,
    star_count INTEGER NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`),
	},
	{
		Version:     5,
		Description: "очередь повторов и журнал запусков",
		Up: execSQL(`
CREATE TABLE IF NOT EXISTS retry_queue (
    id BIGSERIAL PRIMARY KEY,
    source_record_id BIGINT NOT NULL REFERENCES ingestion_records(id) ON DELETE CASCADE,
    status TEXT NOT NULL DEFAULT 'pending'
        CHECK (status IN ('pending', 'processing', 'done', 'failed')),
    error TEXT NOT NULL DEFAULT '',
    attempts INTEGER NOT NULL DEFAULT 0,
    next_attempt_at TIMESTAMPTZ NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS uniq_retry_queue_active_source
    ON retry_queue(source_record_id) WHERE status IN ('pending', 'processing');
CREATE INDEX IF NOT EXISTS idx_retry_queue_due ON retry_queue(status, next_attempt_at);

CREATE TABLE IF NOT EXISTS pipeline_runs (
    id UUID PRIMARY KEY,
    kind TEXT NOT NULL,
    started_at TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ NOT NULL,
    processed INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0,
    skipped INTEGER NOT NULL DEFAULT 0,
    retry_queued INTEGER NOT NULL DEFAULT 0,
    dry_run BOOLEAN NOT NULL DEFAULT FALSE,
    totals JSONB NOT NULL DEFAULT '{}',
    errors JSONB NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_pipeline_runs_started ON pipeline_runs(started_at DESC);
`),
	},
}

// LatestVersion возвращает номер последней миграции.
func LatestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}

// Migrate применяет недостающие миграции, каждую в своей транзакции.
// Возвращает число применённых шагов.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger zerolog.Logger) (int, error) {
	start := time.Now()
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    description TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)
`)
	metrics.ObserveNetworkRequest("postgres", "create_table", "schema_migrations", start, err)
	if err != nil {
		return 0, fmt.Errorf("таблица миграций: %w", err)
	}

	var current int
	start = time.Now()
	err = pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current)
	metrics.ObserveNetworkRequest("postgres", "select_version", "schema_migrations", start, err)
	if err != nil {
		return 0, fmt.Errorf("текущая версия схемы: %w", err)
	}

	applied := 0
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := apply(ctx, pool, m); err != nil {
			return applied, fmt.Errorf("миграция %d (%s): %w", m.Version, m.Description, err)
		}
		applied++
		logger.Info().Int("version", m.Version).Str("description", m.Description).Msg("db: миграция применена")
	}
	return applied, nil
}

func apply(ctx context.Context, pool *pgxpool.Pool, m Migration) error {
	start := time.Now()
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "schema_migrations", start, err)
	if err != nil {
		return err
	}
	if err := applyTx(ctx, tx, m); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func applyTx(ctx context.Context, tx pgx.Tx, m Migration) error {
	// Параллельный migrate ждёт на блокировке и затем видит уже применённую версию.
	if _, err := tx.Exec(ctx, `LOCK TABLE schema_migrations IN EXCLUSIVE MODE`); err != nil {
		return err
	}
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, m.Version).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return nil
	}
	if err := m.Up(ctx, tx); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, description) VALUES ($1, $2)`, m.Version, m.Description)
	return err
}
