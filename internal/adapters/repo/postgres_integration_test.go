//go:build integration_pg
// +build integration_pg

package repo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"chatlog-pipeline/internal/domain"
	"chatlog-pipeline/internal/infra/db"
)

func startPostgres(t *testing.T) (dsn string, stop func()) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)

	req := tc.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "postgres",
			"POSTGRES_PASSWORD": "postgres",
			"POSTGRES_DB":       "chatlog",
		},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("5432/tcp"),
			wait.ForLog("database system is ready to accept connections"),
		).WithDeadline(2 * time.Minute),
	}
	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		cancel()
		t.Fatalf("не удалось запустить postgres: %v", err)
	}

	host, err := c.Host(ctx)
	if err != nil {
		_ = c.Terminate(context.Background())
		cancel()
		t.Fatalf("не удалось получить хост контейнера: %v", err)
	}
	mapped, err := c.MappedPort(ctx, "5432/tcp")
	if err != nil {
		_ = c.Terminate(context.Background())
		cancel()
		t.Fatalf("не удалось получить порт контейнера: %v", err)
	}

	dsn = fmt.Sprintf("postgres://postgres:postgres@%s:%s/chatlog?sslmode=disable", host, mapped.Port())
	stop = func() {
		_ = c.Terminate(context.Background())
		cancel()
	}
	return dsn, stop
}

func newTestPostgres(t *testing.T) (*Postgres, *pgxpool.Pool) {
	t.Helper()
	dsn, stop := startPostgres(t)
	t.Cleanup(stop)

	var (
		pool *pgxpool.Pool
		err  error
	)
	// Сразу после старта контейнер может ещё перезапускать сервер.
	for attempt := 0; attempt < 10; attempt++ {
		pool, err = db.Connect(dsn, 10)
		if err == nil {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("подключение: %v", err)
	}
	t.Cleanup(pool.Close)

	applied, err := db.Migrate(context.Background(), pool, zerolog.Nop())
	if err != nil {
		t.Fatalf("миграции: %v", err)
	}
	if applied != db.LatestVersion() {
		t.Fatalf("ожидали %d миграций, применено %d", db.LatestVersion(), applied)
	}
	again, err := db.Migrate(context.Background(), pool, zerolog.Nop())
	if err != nil || again != 0 {
		t.Fatalf("повторный migrate ничего не применяет: %d %v", again, err)
	}
	return NewPostgres(pool), pool
}

func sampleRecord(hash string) domain.IngestionRecord {
	return domain.IngestionRecord{
		Key: domain.IngestionKey{
			ProductLine: "sideline",
			Period:      "p3",
			Group:       "g1",
			Date:        time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
		},
		FileName:    "sideline_p3_g1_2024-03-15.txt",
		RawContent:  "A 10:00:00\n你好\n",
		ContentHash: hash,
	}
}

func TestPostgresIngestionLifecycle_Integration(t *testing.T) {
	pg, _ := newTestPostgres(t)
	ctx := context.Background()

	id, changed, err := pg.UpsertIngestion(ctx, sampleRecord("h1"))
	if err != nil || !changed {
		t.Fatalf("первая загрузка: %v changed=%v", err, changed)
	}
	sameID, changed, err := pg.UpsertIngestion(ctx, sampleRecord("h1"))
	if err != nil || changed || sameID != id {
		t.Fatalf("тот же хеш ничего не меняет: id=%d changed=%v err=%v", sameID, changed, err)
	}

	if err := pg.TransitionIngestion(ctx, id, domain.StatusPending, domain.StatusProcessing, ""); err != nil {
		t.Fatalf("захват: %v", err)
	}
	err = pg.TransitionIngestion(ctx, id, domain.StatusPending, domain.StatusProcessing, "")
	if !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Fatalf("повторный захват должен дать конфликт, получили %v", err)
	}
	if err := pg.TransitionIngestion(ctx, 9999, domain.StatusPending, domain.StatusProcessing, ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("ожидали ErrNotFound, получили %v", err)
	}

	if _, changed, err := pg.UpsertIngestion(ctx, sampleRecord("h2")); err != nil || !changed {
		t.Fatalf("новое содержимое: %v changed=%v", err, changed)
	}
	rec, err := pg.GetIngestion(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != domain.StatusPending || rec.ContentHash != "h2" || rec.Key.DateString() != "2024-03-15" {
		t.Fatalf("новое содержимое сбрасывает статус: %+v", rec)
	}
	byName, err := pg.FindIngestionByFileName(ctx, rec.FileName)
	if err != nil || byName.ID != id {
		t.Fatalf("поиск по имени: %+v %v", byName, err)
	}
	pending, err := pg.ListIngestionsByStatus(ctx, domain.StatusPending, 0)
	if err != nil || len(pending) != 1 {
		t.Fatalf("ожидали одну запись в pending: %d %v", len(pending), err)
	}
}

func TestPostgresDerivedWriteAndRollback_Integration(t *testing.T) {
	pg, pool := newTestPostgres(t)
	ctx := context.Background()

	id, _, err := pg.UpsertIngestion(ctx, sampleRecord("h1"))
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := pg.TransitionIngestion(ctx, id, domain.StatusPending, domain.StatusProcessing, ""); err != nil {
		t.Fatalf("claim: %v", err)
	}

	at := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	answered := at.Add(14 * time.Minute)
	answerer := "B"
	minutes := 14
	amount := 500.0

	err = pg.WithinTx(ctx, func(tx domain.DerivedTx) error {
		asker, err := tx.ResolveMember(ctx, domain.MemberIdentity{DisplayName: "A", NormalizedNickname: "a"})
		if err != nil {
			return err
		}
		coach, err := tx.ResolveMember(ctx, domain.MemberIdentity{DisplayName: "B（教练）", NormalizedNickname: "b", Role: domain.RoleCoach})
		if err != nil {
			return err
		}
		result := domain.ExtractionResult{
			Questions: []domain.QuestionAnswer{{
				Question: "怎么部署？", AskerName: "A", AskerMemberID: asker.ID, QuestionTime: at,
				AnswererName: &answerer, AnswererMemberID: coach.ID, Answer: "这样", AnswerTime: &answered,
				IsResolved: true, ResponseMinutes: &minutes, Confidence: domain.ConfidenceRule,
			}},
			GoodNews: []domain.GoodNewsItem{{
				Author: "A", MemberID: asker.ID, Content: "出单了", Category: domain.GoodNewsRevenue,
				Amount: &amount, Currency: "USD", PostedAt: at, Confidence: domain.ConfidenceRule,
			}},
		}
		if err := tx.InsertFacts(ctx, id, result); err != nil {
			return err
		}
		messages := []domain.AuditMessage{{
			StructuredMessage: domain.StructuredMessage{Ordinal: 0, Author: "A", Timestamp: at, Body: "怎么部署？", Type: domain.MessageText},
			MemberID:          asker.ID,
			Tags:              []domain.MessageTag{{Ordinal: 0, Dimension: domain.TagIntent, Value: "ask"}},
		}}
		if err := tx.ReplaceMessages(ctx, id, messages); err != nil {
			return err
		}
		if err := tx.RecomputeMemberStats(ctx, []int64{asker.ID, coach.ID}); err != nil {
			return err
		}
		return tx.CompleteIngestion(ctx, id, 1, at)
	})
	if err != nil {
		t.Fatalf("запись: %v", err)
	}

	var facts domain.ExtractionResult
	_ = pg.WithinTx(ctx, func(tx domain.DerivedTx) error {
		facts, err = tx.ListFacts(ctx, id)
		return err
	})
	if len(facts.Questions) != 1 || *facts.Questions[0].ResponseMinutes != 14 || len(facts.GoodNews) != 1 || len(facts.Tags) != 1 {
		t.Fatalf("неожиданные факты: %+v", facts)
	}
	if *facts.GoodNews[0].Amount != 500 {
		t.Fatalf("сумма не сохранилась: %+v", facts.GoodNews[0])
	}

	var answers int
	if err := pool.QueryRow(ctx, `SELECT answers_given FROM member_stats m JOIN members u ON u.id = m.member_id WHERE u.normalized_nickname = 'b'`).Scan(&answers); err != nil || answers != 1 {
		t.Fatalf("статистика отвечающего: %d %v", answers, err)
	}

	boom := errors.New("boom")
	err = pg.WithinTx(ctx, func(tx domain.DerivedTx) error {
		if err := tx.DeleteFacts(ctx, id); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("ожидали ошибку fn, получили %v", err)
	}
	var count int
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM question_answers WHERE source_log_id = $1`, id).Scan(&count); err != nil || count != 1 {
		t.Fatalf("откат должен сохранить факты: %d %v", count, err)
	}
}

func TestPostgresResolveMemberConcurrent_Integration(t *testing.T) {
	pg, pool := newTestPostgres(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]int64, 8)
	errs := make([]error, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = pg.WithinTx(ctx, func(tx domain.DerivedTx) error {
				m, err := tx.ResolveMember(ctx, domain.MemberIdentity{DisplayName: "小王", NormalizedNickname: "小王"})
				ids[i] = m.ID
				return err
			})
		}(i)
	}
	wg.Wait()
	for i := range ids {
		if errs[i] != nil {
			t.Fatalf("resolve %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("все обработчики должны получить одного участника: %v", ids)
		}
	}
	var members int
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM members`).Scan(&members); err != nil || members != 1 {
		t.Fatalf("ожидали одного участника: %d %v", members, err)
	}
}

func TestPostgresRetryQueue_Integration(t *testing.T) {
	pg, _ := newTestPostgres(t)
	ctx := context.Background()

	id, _, err := pg.UpsertIngestion(ctx, sampleRecord("h1"))
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	now := time.Now().UTC().Truncate(time.Second)
	first, err := pg.EnqueueRetry(ctx, id, "timeout", now.Add(-time.Second))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	second, err := pg.EnqueueRetry(ctx, id, "timeout again", now.Add(-time.Second))
	if err != nil || second.ID != first.ID || second.Error != "timeout again" {
		t.Fatalf("активная запись обновляется: %+v %v", second, err)
	}

	due, err := pg.ListDueRetries(ctx, now, 10)
	if err != nil || len(due) != 1 {
		t.Fatalf("ожидали один повтор: %d %v", len(due), err)
	}
	if err := pg.ClaimRetry(ctx, first.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := pg.ClaimRetry(ctx, first.ID); !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Fatalf("повторный захват: %v", err)
	}
	if err := pg.RescheduleRetry(ctx, first.ID, "503", now.Add(time.Minute)); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if due, _ := pg.ListDueRetries(ctx, now, 10); len(due) != 0 {
		t.Fatalf("перенесённый повтор ещё не наступил")
	}
	if err := pg.FailRetry(ctx, first.ID, "exhausted"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	failed, err := pg.ListRetries(ctx, domain.RetryFailed, 0)
	if err != nil || len(failed) != 1 || failed[0].Attempts != 2 {
		t.Fatalf("неожиданная очередь: %+v %v", failed, err)
	}

	report := domain.RunReport{
		ID:        "1b4e28ba-2fa1-11d2-883f-0016d3cca427",
		Kind:      domain.RunKindRetry,
		StartedAt: now,
		Totals:    map[string]int{domain.CategoryQuestions: 2},
		Errors:    []domain.RunError{{FileName: "a.txt", Error: "boom"}},
	}
	report.FinishedAt = now.Add(time.Second)
	if err := pg.RecordRun(ctx, report); err != nil {
		t.Fatalf("record run: %v", err)
	}
	if err := pg.RecordRun(ctx, report); err != nil {
		t.Fatalf("повторная запись запуска игнорируется: %v", err)
	}
	runs, err := pg.ListRuns(ctx, 5)
	if err != nil || len(runs) != 1 || runs[0].Totals[domain.CategoryQuestions] != 2 || runs[0].Errors[0].FileName != "a.txt" {
		t.Fatalf("неожиданный журнал запусков: %+v %v", runs, err)
	}
}
