package writer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"chatlog-pipeline/internal/adapters/repo"
	"chatlog-pipeline/internal/domain"
)

var day = time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }
func intPtr(v int) *int       { return &v }

func claimedRecord(t *testing.T, store *repo.Memory) domain.IngestionRecord {
	t.Helper()
	ctx := context.Background()
	id, _, err := store.UpsertIngestion(ctx, domain.IngestionRecord{
		Key:         domain.IngestionKey{ProductLine: "sideline", Period: "p3", Group: "g1", Date: day},
		FileName:    "sideline_p3_g1_2024-03-15.txt",
		RawContent:  "raw",
		ContentHash: "hash",
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.TransitionIngestion(ctx, id, domain.StatusPending, domain.StatusProcessing, ""); err != nil {
		t.Fatalf("claim: %v", err)
	}
	rec, _ := store.GetIngestion(ctx, id)
	return rec
}

func reclaim(t *testing.T, store *repo.Memory, id int64) {
	t.Helper()
	ctx := context.Background()
	if err := store.TransitionIngestion(ctx, id, domain.StatusProcessed, domain.StatusPending, ""); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := store.TransitionIngestion(ctx, id, domain.StatusPending, domain.StatusProcessing, ""); err != nil {
		t.Fatalf("claim: %v", err)
	}
}

func sampleInput() ([]domain.StructuredMessage, domain.ExtractionResult) {
	base := day.Add(10*time.Hour + time.Minute + 2*time.Second)
	answerAt := base.Add(14*time.Minute + 28*time.Second)
	messages := []domain.StructuredMessage{
		{Ordinal: 0, Author: "A", Timestamp: base, Body: "怎么部署？", Type: domain.MessageText},
		{Ordinal: 1, Author: "B（教练）", Timestamp: answerAt, Body: "谢谢，已经部署成功", Type: domain.MessageText},
		{Ordinal: 2, Author: "C", Timestamp: base.Add(time.Hour), Body: "出单了，收入500美金", Type: domain.MessageText},
	}
	amount := 500.0
	result := domain.ExtractionResult{
		Confidence: domain.ConfidenceRule,
		Questions: []domain.QuestionAnswer{{
			Question: "怎么部署？", AskerName: "A", QuestionTime: base,
			AnswererName: strPtr("B（教练）"), Answer: "谢谢，已经部署成功", AnswerTime: &answerAt,
			IsResolved: true, ResponseMinutes: intPtr(14), Confidence: domain.ConfidenceRule,
		}},
		GoodNews: []domain.GoodNewsItem{{
			Author: "C", Content: "出单了，收入500美金", Category: domain.GoodNewsRevenue,
			Amount: &amount, Currency: "USD", PostedAt: base.Add(time.Hour), Confidence: domain.ConfidenceRule,
		}},
		Tags: []domain.MessageTag{{Ordinal: 2, Dimension: domain.TagSentiment, Value: "positive"}},
	}
	return messages, result
}

func TestWriteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemory()
	w := New(store, zerolog.Nop())
	rec := claimedRecord(t, store)
	messages, result := sampleInput()

	if err := w.Write(ctx, rec, messages, result); err != nil {
		t.Fatalf("первая запись: %v", err)
	}
	first := store.Facts(rec.ID)

	reclaim(t, store, rec.ID)
	if err := w.Write(ctx, rec, messages, result); err != nil {
		t.Fatalf("повторная запись: %v", err)
	}
	second := store.Facts(rec.ID)

	if len(first.Questions) != 1 || len(second.Questions) != 1 || len(second.GoodNews) != 1 {
		t.Fatalf("факты не должны дублироваться: %+v", second)
	}
	if first.Questions[0].Key() != second.Questions[0].Key() || first.GoodNews[0].Key() != second.GoodNews[0].Key() {
		t.Fatalf("набор фактов должен совпадать")
	}
	if aggs := store.DailyAggregates(); len(aggs) != 1 {
		t.Fatalf("ожидали одну дневную сводку, получили %d", len(aggs))
	}
	if members := store.Members(); len(members) != 3 {
		t.Fatalf("ожидали трёх участников, получили %d", len(members))
	}

	updated, _ := store.GetIngestion(ctx, rec.ID)
	if updated.Status != domain.StatusProcessed || updated.ProcessedAt == nil || updated.MessageCount != 3 {
		t.Fatalf("ожидали processed с числом сообщений: %+v", updated)
	}
	audit := store.Messages(rec.ID)
	if len(audit) != 3 || len(audit[2].Tags) != 1 || audit[2].MemberID == 0 {
		t.Fatalf("журнал сообщений должен содержать участников и теги: %+v", audit)
	}
}

func TestAggregateFromScratch(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemory()
	w := New(store, zerolog.Nop())
	rec := claimedRecord(t, store)
	messages, result := sampleInput()
	if err := w.Write(ctx, rec, messages, result); err != nil {
		t.Fatalf("write: %v", err)
	}
	agg := store.DailyAggregates()[0]
	if agg.MessageCount != 3 || agg.QuestionCount != 1 || agg.AnswerCount != 1 || agg.GoodNewsCount != 1 || agg.ActiveMembers != 3 {
		t.Fatalf("неожиданная сводка: %+v", agg)
	}
	if agg.AvgResponseMinutes == nil || *agg.AvgResponseMinutes != 14 {
		t.Fatalf("ожидали среднее время ответа 14")
	}

	reclaim(t, store, rec.ID)
	result.GoodNews = nil
	result.Questions[0].IsResolved = false
	result.Questions[0].AnswererName = nil
	result.Questions[0].ResponseMinutes = nil
	if err := w.Write(ctx, rec, messages[:1], result); err != nil {
		t.Fatalf("write: %v", err)
	}
	aggs := store.DailyAggregates()
	if len(aggs) != 1 {
		t.Fatalf("ожидали одну сводку, получили %d", len(aggs))
	}
	if aggs[0].GoodNewsCount != 0 || aggs[0].AnswerCount != 0 || aggs[0].AvgResponseMinutes != nil || aggs[0].MessageCount != 1 {
		t.Fatalf("сводка должна пересчитываться заново: %+v", aggs[0])
	}
}

func TestWritePreservesVerified(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemory()
	w := New(store, zerolog.Nop())
	rec := claimedRecord(t, store)
	messages, result := sampleInput()
	manual := domain.GoodNewsItem{Author: "D", Content: "首单达成", Category: domain.GoodNewsMilestone, PostedAt: day, Confidence: domain.ConfidenceRule}
	result.GoodNews = append(result.GoodNews, manual)
	if err := w.Write(ctx, rec, messages, result); err != nil {
		t.Fatalf("write: %v", err)
	}
	store.UpdateFacts(rec.ID, func(res *domain.ExtractionResult) {
		for i := range res.GoodNews {
			res.GoodNews[i].IsVerified = true
			res.GoodNews[i].Category = domain.GoodNewsOther
		}
	})

	reclaim(t, store, rec.ID)
	fresh := result
	fresh.GoodNews = fresh.GoodNews[:1]
	if err := w.Write(ctx, rec, messages, fresh); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := store.Facts(rec.ID).GoodNews
	if len(got) != 2 {
		t.Fatalf("подтверждённые записи должны сохраняться без дублей, получили %d", len(got))
	}
	for _, g := range got {
		if !g.IsVerified || g.Category != domain.GoodNewsOther {
			t.Fatalf("подтверждённая запись перезаписана: %+v", g)
		}
	}
}

func TestWriteRollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemory()
	w := New(store, zerolog.Nop())
	rec := claimedRecord(t, store)
	messages, result := sampleInput()
	if err := w.Write(ctx, rec, messages, result); err != nil {
		t.Fatalf("write: %v", err)
	}
	reclaim(t, store, rec.ID)

	store.FailOn("recompute_member_stats", errors.New("disk full"))
	result.GoodNews = nil
	err := w.Write(ctx, rec, messages, result)
	var persistErr *domain.PersistenceError
	if !errors.As(err, &persistErr) {
		t.Fatalf("ожидали PersistenceError, получили %v", err)
	}
	if got := store.Facts(rec.ID); len(got.GoodNews) != 1 {
		t.Fatalf("данные прошлого запуска должны сохраниться")
	}
	current, _ := store.GetIngestion(ctx, rec.ID)
	if current.Status != domain.StatusProcessing {
		t.Fatalf("статус не должен меняться при откате, получили %s", current.Status)
	}
}

func TestWriteLostClaimIsConflict(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemory()
	w := New(store, zerolog.Nop())
	rec := claimedRecord(t, store)
	if err := store.TransitionIngestion(ctx, rec.ID, domain.StatusProcessing, domain.StatusFailed, "recovered"); err != nil {
		t.Fatalf("transition: %v", err)
	}
	messages, result := sampleInput()
	err := w.Write(ctx, rec, messages, result)
	if !domain.IsConflict(err) {
		t.Fatalf("ожидали конфликт, получили %v", err)
	}
	if got := store.Facts(rec.ID); len(got.Questions) != 0 {
		t.Fatalf("при конфликте ничего не должно сохраниться")
	}
}

func TestMemberStatsFollowRemovedRows(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemory()
	w := New(store, zerolog.Nop())
	rec := claimedRecord(t, store)
	messages, result := sampleInput()
	if err := w.Write(ctx, rec, messages, result); err != nil {
		t.Fatalf("write: %v", err)
	}
	var authorC int64
	for _, m := range store.Members() {
		if m.NormalizedNickname == "c" {
			authorC = m.ID
		}
	}
	if stats, _ := store.MemberStats(authorC); stats.GoodNews != 1 || stats.Messages != 1 {
		t.Fatalf("неожиданная статистика: %+v", stats)
	}

	reclaim(t, store, rec.ID)
	result.GoodNews = nil
	if err := w.Write(ctx, rec, messages[:2], result); err != nil {
		t.Fatalf("write: %v", err)
	}
	if stats, _ := store.MemberStats(authorC); stats.GoodNews != 0 || stats.Messages != 0 {
		t.Fatalf("статистика удалённых строк должна пересчитываться: %+v", stats)
	}
}

func TestMergeMembers(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemory()
	w := New(store, zerolog.Nop())
	rec := claimedRecord(t, store)
	messages, result := sampleInput()
	if err := w.Write(ctx, rec, messages, result); err != nil {
		t.Fatalf("write: %v", err)
	}
	members := store.Members()
	if err := w.MergeMembers(ctx, members[0].ID, members[2].ID); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if err := w.MergeMembers(ctx, members[0].ID, 999); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("ожидали ErrNotFound, получили %v", err)
	}
	stats, _ := store.MemberStats(members[0].ID)
	if stats.Messages != 2 {
		t.Fatalf("сообщения дубликата должны перейти к основному участнику: %+v", stats)
	}
}
