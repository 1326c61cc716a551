// Package writer сохраняет результат обработки одной выгрузки целиком в одной транзакции.
package writer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"chatlog-pipeline/internal/domain"
)

// Writer заменяет производные данные выгрузки и пересчитывает сводки.
type Writer struct {
	store domain.DerivedStore
	now   func() time.Time
	log   zerolog.Logger
}

// New создаёт writer поверх хранилища производных данных.
func New(store domain.DerivedStore, logger zerolog.Logger) *Writer {
	return &Writer{store: store, now: time.Now, log: logger}
}

// Write сохраняет факты и журнал сообщений выгрузки и переводит её в processed.
// Подтверждённые вручную факты переносятся без изменений.
// Проигранная гонка за статус возвращается как domain.ErrConcurrencyConflict,
// остальные сбои как *domain.PersistenceError.
func (w *Writer) Write(ctx context.Context, rec domain.IngestionRecord, messages []domain.StructuredMessage, result domain.ExtractionResult) error {
	err := w.store.WithinTx(ctx, func(tx domain.DerivedTx) error {
		return w.write(ctx, tx, rec, messages, result)
	})
	if err == nil {
		return nil
	}
	if domain.IsConflict(err) {
		return err
	}
	var persistErr *domain.PersistenceError
	if errors.As(err, &persistErr) {
		return err
	}
	return &domain.PersistenceError{Op: "write", Err: err}
}

func (w *Writer) write(ctx context.Context, tx domain.DerivedTx, rec domain.IngestionRecord, messages []domain.StructuredMessage, result domain.ExtractionResult) error {
	existing, err := tx.ListFacts(ctx, rec.ID)
	if err != nil {
		return &domain.PersistenceError{Op: "list facts", Err: err}
	}
	final := carryVerified(existing, result)

	members := newResolver(tx, rec.Key)
	if err := members.resolveFacts(ctx, &final); err != nil {
		return &domain.PersistenceError{Op: "resolve members", Err: err}
	}
	audit, err := members.resolveMessages(ctx, messages, final.Tags)
	if err != nil {
		return &domain.PersistenceError{Op: "resolve members", Err: err}
	}

	previous, err := tx.MessageMembers(ctx, rec.ID)
	if err != nil {
		return &domain.PersistenceError{Op: "message members", Err: err}
	}
	touched := collectMembers(existing, previous)

	if err := tx.DeleteFacts(ctx, rec.ID); err != nil {
		return &domain.PersistenceError{Op: "delete facts", Err: err}
	}
	if err := tx.InsertFacts(ctx, rec.ID, final); err != nil {
		return &domain.PersistenceError{Op: "insert facts", Err: err}
	}
	if err := tx.ReplaceMessages(ctx, rec.ID, audit); err != nil {
		return &domain.PersistenceError{Op: "replace messages", Err: err}
	}

	now := w.now()
	agg := Aggregate(rec, audit, final)
	agg.UpdatedAt = now
	if err := tx.UpsertDailyAggregate(ctx, agg); err != nil {
		return &domain.PersistenceError{Op: "daily aggregate", Err: err}
	}

	ids := mergeIDs(touched, collectMembers(final, memberIDs(audit)))
	if err := tx.RecomputeMemberStats(ctx, ids); err != nil {
		return &domain.PersistenceError{Op: "member stats", Err: err}
	}

	if err := tx.CompleteIngestion(ctx, rec.ID, len(messages), now); err != nil {
		if domain.IsConflict(err) {
			return err
		}
		return &domain.PersistenceError{Op: "complete ingestion", Err: err}
	}
	w.log.Debug().
		Int64("record_id", rec.ID).
		Int("messages", len(messages)).
		Int("members", len(ids)).
		Msg("writer: выгрузка сохранена")
	return nil
}

// MergeMembers объединяет дубликат с основным участником и пересчитывает их статистику.
func (w *Writer) MergeMembers(ctx context.Context, keepID, duplicateID int64) error {
	err := w.store.WithinTx(ctx, func(tx domain.DerivedTx) error {
		touched, err := tx.MergeMembers(ctx, keepID, duplicateID)
		if err != nil {
			return err
		}
		return tx.RecomputeMemberStats(ctx, touched)
	})
	if err != nil {
		return fmt.Errorf("объединение участников %d <- %d: %w", keepID, duplicateID, err)
	}
	w.log.Info().Int64("keep_id", keepID).Int64("duplicate_id", duplicateID).Msg("writer: участники объединены")
	return nil
}

// Aggregate считает дневную сводку заново по итоговому набору фактов.
func Aggregate(rec domain.IngestionRecord, messages []domain.AuditMessage, facts domain.ExtractionResult) domain.DailyAggregate {
	agg := domain.DailyAggregate{
		Key:           rec.Key,
		SourceLogID:   rec.ID,
		MessageCount:  len(messages),
		QuestionCount: len(facts.Questions),
		GoodNewsCount: len(facts.GoodNews),
		KocCount:      len(facts.Koc),
		StarCount:     len(facts.Stars),
		ActiveMembers: len(memberIDs(messages)),
	}
	var total, resolved int
	for _, q := range facts.Questions {
		if !q.IsResolved {
			continue
		}
		agg.AnswerCount++
		if q.ResponseMinutes != nil {
			total += *q.ResponseMinutes
			resolved++
		}
	}
	if resolved > 0 {
		avg := float64(total) / float64(resolved)
		agg.AvgResponseMinutes = &avg
	}
	return agg
}

func carryVerified(existing, fresh domain.ExtractionResult) domain.ExtractionResult {
	out := domain.ExtractionResult{Confidence: fresh.Confidence, Tags: fresh.Tags}
	out.Questions = carry(existing.Questions, fresh.Questions,
		func(q domain.QuestionAnswer) bool { return q.IsVerified },
		func(q domain.QuestionAnswer) string { return q.Key() })
	out.GoodNews = carry(existing.GoodNews, fresh.GoodNews,
		func(g domain.GoodNewsItem) bool { return g.IsVerified },
		func(g domain.GoodNewsItem) string { return g.Key() })
	out.Koc = carry(existing.Koc, fresh.Koc,
		func(k domain.KocContribution) bool { return k.IsVerified },
		func(k domain.KocContribution) string { return k.Key() })
	out.Stars = carry(existing.Stars, fresh.Stars,
		func(s domain.StarStudentRecord) bool { return s.IsVerified },
		func(s domain.StarStudentRecord) string { return s.Key() })
	return out
}

func carry[T any](existing, fresh []T, verified func(T) bool, key func(T) string) []T {
	var out []T
	kept := map[string]struct{}{}
	for _, item := range existing {
		if verified(item) {
			out = append(out, item)
			kept[key(item)] = struct{}{}
		}
	}
	for _, item := range fresh {
		if _, dup := kept[key(item)]; dup {
			continue
		}
		out = append(out, item)
	}
	return out
}

func collectMembers(facts domain.ExtractionResult, extra []int64) []int64 {
	ids := append([]int64(nil), extra...)
	for _, q := range facts.Questions {
		ids = append(ids, q.AskerMemberID, q.AnswererMemberID)
	}
	for _, g := range facts.GoodNews {
		ids = append(ids, g.MemberID)
	}
	for _, k := range facts.Koc {
		ids = append(ids, k.MemberID)
	}
	for _, s := range facts.Stars {
		ids = append(ids, s.MemberID)
	}
	return mergeIDs(ids)
}

func memberIDs(messages []domain.AuditMessage) []int64 {
	ids := make([]int64, 0, len(messages))
	for _, msg := range messages {
		ids = append(ids, msg.MemberID)
	}
	return mergeIDs(ids)
}

func mergeIDs(groups ...[]int64) []int64 {
	seen := map[int64]struct{}{}
	var out []int64
	for _, group := range groups {
		for _, id := range group {
			if id == 0 {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
