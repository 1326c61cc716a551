package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	RecordsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_records_total",
		Help: "Обработанные выгрузки по итогу",
	}, []string{"outcome"})
	RecordDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_record_duration_seconds",
		Help:    "Время обработки одной выгрузки",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"outcome"})
	FactsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_facts_total",
		Help: "Сохранённые факты по категориям",
	}, []string{"category", "confidence"})
	RetryEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_retry_events_total",
		Help: "События очереди повторов",
	}, []string{"event"})
	ClaimConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_claim_conflicts_total",
		Help: "Выгрузки, захваченные другим обработчиком",
	})
	NotifyErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notify_send_errors_total",
		Help: "Ошибки отправки уведомлений операторам",
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 20, 25, 30, 45, 60, 90, 120, 180, 300},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})

	LLMGenerationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "llm_generation_duration_seconds",
		Help:    "Длительность генерации ответа LLM",
		Buckets: prometheus.DefBuckets,
	}, []string{"model"})

	LLMTokensTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_tokens_total",
		Help: "Количество токенов, использованных LLM",
	}, []string{"model", "type"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		RecordsTotal,
		RecordDuration,
		FactsTotal,
		RetryEventsTotal,
		ClaimConflictsTotal,
		NotifyErrors,
		NetworkRequestDuration,
		NetworkRequestTotal,
		LLMGenerationDuration,
		LLMTokensTotal,
	)
}

// StartServer поднимает отдельный листенер /metrics и останавливает его по отмене ctx.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		logger.Info().Str("addr", addr).Msg("metrics: листенер запущен")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: листенер остановлен с ошибкой")
		}
	}()

	go func() {
		select {
		case <-stopped:
			return
		case <-ctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("metrics: остановка листенера")
		}
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := requestStatus(err)
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(time.Since(start).Seconds())
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

func requestStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

// ObserveLLMGeneration записывает длительность и токены генерации LLM.
func ObserveLLMGeneration(model string, duration time.Duration, promptTokens, completionTokens, totalTokens int) {
	if model == "" {
		model = "unknown"
	}
	LLMGenerationDuration.WithLabelValues(model).Observe(duration.Seconds())
	if promptTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
	if totalTokens <= 0 {
		totalTokens = promptTokens + completionTokens
	}
	if totalTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "total").Add(float64(totalTokens))
	}
}

// ObserveRecord записывает итог и длительность обработки выгрузки.
func ObserveRecord(outcome string, duration time.Duration) {
	RecordsTotal.WithLabelValues(outcome).Inc()
	RecordDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveFacts учитывает сохранённые факты по категориям.
func ObserveFacts(confidence string, totals map[string]int) {
	if confidence == "" {
		confidence = "unknown"
	}
	for category, n := range totals {
		if n > 0 {
			FactsTotal.WithLabelValues(category, confidence).Add(float64(n))
		}
	}
}

// IncRetryEvent учитывает событие очереди повторов: queued, done, rescheduled, failed.
func IncRetryEvent(event string) {
	RetryEventsTotal.WithLabelValues(event).Inc()
}

// IncClaimConflict учитывает проигранную гонку за выгрузку.
func IncClaimConflict() {
	ClaimConflictsTotal.Inc()
}
