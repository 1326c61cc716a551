package domain

import (
	"context"
	"time"
)

// IngestionRepo хранит выгрузки переписки и управляет их статусом.
type IngestionRepo interface {
	// UpsertIngestion создаёт или обновляет запись по естественному ключу.
	// При совпадении хеша содержимого запись не меняется и changed=false.
	UpsertIngestion(ctx context.Context, rec IngestionRecord) (id int64, changed bool, err error)
	GetIngestion(ctx context.Context, id int64) (IngestionRecord, error)
	FindIngestionByFileName(ctx context.Context, fileName string) (IngestionRecord, error)
	// ListIngestionsByStatus возвращает записи по статусу, limit<=0 без ограничения.
	ListIngestionsByStatus(ctx context.Context, status IngestionStatus, limit int) ([]IngestionRecord, error)
	// TransitionIngestion выполняет условный переход from -> to.
	// Если запись уже не в статусе from, возвращает ErrConcurrencyConflict.
	TransitionIngestion(ctx context.Context, id int64, from, to IngestionStatus, reason string) error
	// ListStaleProcessing возвращает записи, застрявшие в processing дольше before.
	ListStaleProcessing(ctx context.Context, before time.Time) ([]IngestionRecord, error)
}

// DerivedStore открывает транзакции для записи производных данных.
type DerivedStore interface {
	WithinTx(ctx context.Context, fn func(tx DerivedTx) error) error
}

// DerivedTx операции внутри одной транзакции записи результатов.
type DerivedTx interface {
	// ResolveMember находит участника по нормализованному нику или алиасу, создаёт при отсутствии.
	ResolveMember(ctx context.Context, member MemberIdentity) (MemberIdentity, error)
	ListFacts(ctx context.Context, sourceID int64) (ExtractionResult, error)
	DeleteFacts(ctx context.Context, sourceID int64) error
	InsertFacts(ctx context.Context, sourceID int64, result ExtractionResult) error
	ReplaceMessages(ctx context.Context, sourceID int64, messages []AuditMessage) error
	// MessageMembers возвращает участников, чьи сообщения сохранены для выгрузки.
	MessageMembers(ctx context.Context, sourceID int64) ([]int64, error)
	UpsertDailyAggregate(ctx context.Context, agg DailyAggregate) error
	RecomputeMemberStats(ctx context.Context, memberIDs []int64) error
	// CompleteIngestion переводит запись processing -> processed.
	CompleteIngestion(ctx context.Context, id int64, messageCount int, processedAt time.Time) error
	// MergeMembers переносит данные дубликата на основного участника и сохраняет алиас.
	MergeMembers(ctx context.Context, keepID, duplicateID int64) ([]int64, error)
}

// RetryQueueRepo очередь повторной обработки временных сбоев.
type RetryQueueRepo interface {
	// EnqueueRetry ставит запись в очередь. Активная запись на тот же источник обновляется.
	EnqueueRetry(ctx context.Context, sourceID int64, reason string, nextAttempt time.Time) (RetryEntry, error)
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]RetryEntry, error)
	ListRetries(ctx context.Context, status RetryStatus, limit int) ([]RetryEntry, error)
	// ClaimRetry переводит pending -> processing, иначе ErrConcurrencyConflict.
	ClaimRetry(ctx context.Context, id int64) error
	CompleteRetry(ctx context.Context, id int64) error
	RescheduleRetry(ctx context.Context, id int64, reason string, nextAttempt time.Time) error
	FailRetry(ctx context.Context, id int64, reason string) error
}

// RunRepo сохраняет отчёты о запусках.
type RunRepo interface {
	RecordRun(ctx context.Context, run RunReport) error
	ListRuns(ctx context.Context, limit int) ([]RunReport, error)
}

// Preprocessor разбирает текст выгрузки на сообщения.
type Preprocessor interface {
	Parse(raw string, date time.Time) ([]StructuredMessage, error)
}

// RuleExtractor детерминированно извлекает факты.
type RuleExtractor interface {
	Extract(messages []StructuredMessage) ExtractionResult
}

// AIExtractor извлекает факты с помощью языковой модели.
type AIExtractor interface {
	Extract(ctx context.Context, messages []StructuredMessage) (ExtractionResult, error)
}

// Cache используется для простых TTL-хранилищ.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get возвращает ok=false при отсутствии ключа.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
}

// Notifier отправляет текстовые уведомления операторам.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}
