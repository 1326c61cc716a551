package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"chatlog-pipeline/internal/domain"
	httpinfra "chatlog-pipeline/internal/infra/http"
	"chatlog-pipeline/internal/usecase/pipeline"
)

type recordService interface {
	ListByStatus(ctx context.Context, status domain.IngestionStatus, limit int) ([]domain.IngestionRecord, error)
	ReprocessOne(ctx context.Context, id int64) (pipeline.ReprocessResult, error)
}

type retryLister interface {
	ListRetries(ctx context.Context, status domain.RetryStatus, limit int) ([]domain.RetryEntry, error)
}

type recordView struct {
	ID           int64      `json:"id"`
	FileName     string     `json:"file_name"`
	ProductLine  string     `json:"product_line"`
	Period       string     `json:"period"`
	Group        string     `json:"group"`
	ChatDate     string     `json:"chat_date"`
	Status       string     `json:"status"`
	StatusReason string     `json:"status_reason,omitempty"`
	MessageCount int        `json:"message_count"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
}

type retryView struct {
	ID             int64     `json:"id"`
	SourceRecordID int64     `json:"source_record_id"`
	Status         string    `json:"status"`
	Error          string    `json:"error"`
	Attempts       int       `json:"attempts"`
	NextAttemptAt  time.Time `json:"next_attempt_at"`
}

const defaultListLimit = 100

// mountAdmin регистрирует служебные эндпоинты оператора.
func mountAdmin(r chi.Router, records recordService, retries retryLister, logger zerolog.Logger) {
	r.Get("/api/v1/records", func(w http.ResponseWriter, r *http.Request) {
		raw := r.URL.Query().Get("status")
		if raw == "" {
			raw = string(domain.StatusFailed)
		}
		status, err := domain.ParseStatus(raw)
		if err != nil {
			httpinfra.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		limit, ok := parseLimit(w, r)
		if !ok {
			return
		}
		list, err := records.ListByStatus(r.Context(), status, limit)
		if err != nil {
			logger.Error().Err(err).Msg("worker: список выгрузок")
			httpinfra.WriteError(w, http.StatusInternalServerError, "failed to list records")
			return
		}
		out := make([]recordView, 0, len(list))
		for _, rec := range list {
			out = append(out, recordView{
				ID:           rec.ID,
				FileName:     rec.FileName,
				ProductLine:  rec.Key.ProductLine,
				Period:       rec.Key.Period,
				Group:        rec.Key.Group,
				ChatDate:     rec.Key.DateString(),
				Status:       string(rec.Status),
				StatusReason: rec.StatusReason,
				MessageCount: rec.MessageCount,
				ProcessedAt:  rec.ProcessedAt,
			})
		}
		httpinfra.WriteJSON(w, map[string]any{"records": out})
	})

	r.Post("/api/v1/records/{id}/reprocess", func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil || id <= 0 {
			httpinfra.WriteError(w, http.StatusBadRequest, "invalid record id")
			return
		}
		res, err := records.ReprocessOne(r.Context(), id)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			httpinfra.WriteError(w, http.StatusNotFound, "record not found")
			return
		case err != nil:
			logger.Error().Err(err).Int64("record_id", id).Msg("worker: повторная обработка")
			httpinfra.WriteError(w, http.StatusInternalServerError, "failed to reprocess record")
			return
		}
		if res.Error == pipeline.ErrRecordBusy.Error() {
			httpinfra.WriteError(w, http.StatusConflict, res.Error)
			return
		}
		httpinfra.WriteJSON(w, map[string]any{"ok": res.OK, "error": res.Error})
	})

	r.Get("/api/v1/retries", func(w http.ResponseWriter, r *http.Request) {
		status := domain.RetryStatus(r.URL.Query().Get("status"))
		switch status {
		case "", domain.RetryPending, domain.RetryProcessing, domain.RetryDone, domain.RetryFailed:
		default:
			httpinfra.WriteError(w, http.StatusBadRequest, "unknown retry status")
			return
		}
		limit, ok := parseLimit(w, r)
		if !ok {
			return
		}
		list, err := retries.ListRetries(r.Context(), status, limit)
		if err != nil {
			logger.Error().Err(err).Msg("worker: список повторов")
			httpinfra.WriteError(w, http.StatusInternalServerError, "failed to list retries")
			return
		}
		out := make([]retryView, 0, len(list))
		for _, e := range list {
			out = append(out, retryView{
				ID:             e.ID,
				SourceRecordID: e.SourceRecordID,
				Status:         string(e.Status),
				Error:          e.Error,
				Attempts:       e.Attempts,
				NextAttemptAt:  e.NextAttemptAt,
			})
		}
		httpinfra.WriteJSON(w, map[string]any{"retries": out})
	})
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		httpinfra.WriteError(w, http.StatusBadRequest, "invalid limit")
		return 0, false
	}
	return limit, true
}
