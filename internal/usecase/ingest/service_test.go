package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"chatlog-pipeline/internal/adapters/repo"
	"chatlog-pipeline/internal/domain"
)

func TestParseFileName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    domain.IngestionKey
		wantErr bool
	}{
		{
			name:  "simple",
			input: "sideline_p3_g1_2024-03-15.txt",
			want:  domain.IngestionKey{ProductLine: "sideline", Period: "p3", Group: "g1", Date: time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)},
		},
		{
			name:  "group with underscore",
			input: "/tmp/exports/副业_3期_一组_b_2024-03-16.txt",
			want:  domain.IngestionKey{ProductLine: "副业", Period: "3期", Group: "一组_b", Date: time.Date(2024, 3, 16, 0, 0, 0, 0, time.UTC)},
		},
		{name: "no date", input: "sideline_p3_g1.txt", wantErr: true},
		{name: "bad date", input: "sideline_p3_g1_2024-13-40.txt", wantErr: true},
		{name: "wrong extension", input: "sideline_p3_g1_2024-03-15.csv", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFileName(tt.input, time.UTC)
			if tt.wantErr {
				if !errors.Is(err, ErrFileNameInvalid) {
					t.Fatalf("ожидали ErrFileNameInvalid, получили %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("не ожидали ошибку: %v", err)
			}
			if got.String() != tt.want.String() {
				t.Fatalf("ожидали %s, получили %s", tt.want, got)
			}
		})
	}
}

func TestIngestContentHashShortCircuit(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemory()
	svc := NewService(store, time.UTC, zerolog.Nop())
	req := Request{
		ProductLine: "sideline",
		Period:      "p3",
		Group:       "g1",
		Date:        time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
		Content:     "A 10:01:02\n怎么部署？\n",
	}

	first, err := svc.Ingest(ctx, req)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !first.Changed {
		t.Fatalf("первая загрузка должна создавать запись")
	}

	if err := store.TransitionIngestion(ctx, first.ID, domain.StatusPending, domain.StatusProcessing, ""); err != nil {
		t.Fatalf("claim: %v", err)
	}
	before, _ := store.GetIngestion(ctx, first.ID)

	again, err := svc.Ingest(ctx, req)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if again.Changed || again.ID != first.ID {
		t.Fatalf("повторная загрузка того же содержимого не должна ничего менять: %+v", again)
	}
	after, _ := store.GetIngestion(ctx, first.ID)
	if after.Status != before.Status || after.ContentHash != before.ContentHash || after.RawContent != before.RawContent {
		t.Fatalf("запись изменилась: до %+v после %+v", before, after)
	}

	req.Content += "B 10:15:30\n谢谢\n"
	changed, err := svc.Ingest(ctx, req)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !changed.Changed || changed.ID != first.ID {
		t.Fatalf("изменённое содержимое должно обновлять ту же запись: %+v", changed)
	}
	updated, _ := store.GetIngestion(ctx, first.ID)
	if updated.Status != domain.StatusPending || updated.ContentHash != ContentHash(req.Content) {
		t.Fatalf("ожидали сброс в pending с новым хешем: %+v", updated)
	}
}

func TestIngestKeepsCalendarDate(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemory()
	loc := time.FixedZone("UTC-5", -5*3600)
	svc := NewService(store, loc, zerolog.Nop())
	res, err := svc.Ingest(ctx, Request{
		ProductLine: "sideline",
		Period:      "p3",
		Group:       "g1",
		Date:        time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
		Content:     "A 10:01:02\n怎么部署？\n",
	})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	rec, err := store.GetIngestion(ctx, res.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := rec.Key.DateString(); got != "2024-03-15" {
		t.Fatalf("дата не должна сдвигаться часовым поясом, получили %s", got)
	}
	if rec.Key.Date.Location() != loc || rec.Key.Date.Hour() != 0 {
		t.Fatalf("ожидали полночь в поясе выгрузок: %v", rec.Key.Date)
	}
	if rec.FileName != "sideline_p3_g1_2024-03-15.txt" {
		t.Fatalf("неожиданное имя файла: %s", rec.FileName)
	}
}

func TestIngestValidation(t *testing.T) {
	svc := NewService(repo.NewMemory(), time.UTC, zerolog.Nop())
	date := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	if _, err := svc.Ingest(context.Background(), Request{ProductLine: "a", Period: "b", Date: date, Content: "x"}); !errors.Is(err, ErrKeyInvalid) {
		t.Fatalf("ожидали ErrKeyInvalid, получили %v", err)
	}
	if _, err := svc.Ingest(context.Background(), Request{ProductLine: "a", Period: "b", Group: "c", Date: date, Content: "  \n"}); !errors.Is(err, ErrEmptyContent) {
		t.Fatalf("ожидали ErrEmptyContent, получили %v", err)
	}
}

func TestIngestFileInfersKey(t *testing.T) {
	store := repo.NewMemory()
	svc := NewService(store, time.UTC, zerolog.Nop())
	res, err := svc.IngestFile(context.Background(), "exports/sideline_p3_g1_2024-03-15.txt", "A 10:01:02\nhi")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	rec, err := store.GetIngestion(context.Background(), res.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.FileName != "sideline_p3_g1_2024-03-15.txt" || rec.Key.Group != "g1" || rec.Key.DateString() != "2024-03-15" {
		t.Fatalf("неожиданная запись: %+v", rec)
	}
	found, err := store.FindIngestionByFileName(context.Background(), rec.FileName)
	if err != nil || found.ID != rec.ID {
		t.Fatalf("поиск по имени файла: %+v %v", found, err)
	}
}
