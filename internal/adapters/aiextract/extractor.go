// Package aiextract извлекает факты из переписки с помощью языковой модели
// и строго проверяет ответ по схеме.
package aiextract

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	goopenai "github.com/sashabaranov/go-openai"

	"chatlog-pipeline/internal/domain"
	"chatlog-pipeline/internal/infra/openai"
)

type chatCompletionClient interface {
	CreateChatCompletion(ctx context.Context, req goopenai.ChatCompletionRequest) (goopenai.ChatCompletionResponse, error)
}

// Options параметры извлечения.
type Options struct {
	Model         string
	Timeout       time.Duration
	MaxMessages   int
	MaxBytes      int
	SchemaRetries int
	Location      *time.Location
	Cache         domain.Cache
	CacheTTL      time.Duration
}

// Extractor вызывает модель по частям переписки.
type Extractor struct {
	client chatCompletionClient
	opts   Options
	log    zerolog.Logger
}

var _ domain.AIExtractor = (*Extractor)(nil)

// New создаёт извлекатель на базе Chat Completions.
func New(client chatCompletionClient, opts Options, logger zerolog.Logger) *Extractor {
	if opts.Model == "" {
		opts.Model = "gpt-4o-mini"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = 200
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 48 * 1024
	}
	if opts.SchemaRetries < 0 {
		opts.SchemaRetries = 0
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 7 * 24 * time.Hour
	}
	return &Extractor{client: client, opts: opts, log: logger}
}

type messagePayload struct {
	ID     int      `json:"id"`
	Author string   `json:"author"`
	Time   string   `json:"time"`
	Type   string   `json:"type"`
	Body   string   `json:"body"`
	Quotes []string `json:"quotes,omitempty"`
}

// Extract возвращает объединённый результат по всем частям с confidence=llm.
func (e *Extractor) Extract(ctx context.Context, messages []domain.StructuredMessage) (domain.ExtractionResult, error) {
	result := domain.ExtractionResult{Confidence: domain.ConfidenceLLM}
	chunks := Chunk(messages, e.opts.MaxMessages, e.opts.MaxBytes)
	for i, chunk := range chunks {
		part, err := e.extractChunk(ctx, chunk)
		if err != nil {
			return domain.ExtractionResult{}, fmt.Errorf("часть %d/%d: %w", i+1, len(chunks), err)
		}
		result.Append(part)
	}
	return result, nil
}

func (e *Extractor) extractChunk(ctx context.Context, chunk []domain.StructuredMessage) (domain.ExtractionResult, error) {
	payload := make([]messagePayload, 0, len(chunk))
	known := make(map[int]struct{}, len(chunk))
	for _, msg := range chunk {
		known[msg.Ordinal] = struct{}{}
		payload = append(payload, messagePayload{
			ID:     msg.Ordinal,
			Author: msg.Author,
			Time:   msg.Timestamp.In(e.opts.Location).Format(TimeLayout),
			Type:   string(msg.Type),
			Body:   msg.Body,
			Quotes: msg.Quotes,
		})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.ExtractionResult{}, fmt.Errorf("marshal messages: %w", err)
	}

	key := e.cacheKey(body)
	if cached, ok := e.fromCache(ctx, key); ok {
		if res, err := decodeResponse(cached, e.opts.Location, known); err == nil {
			return res, nil
		}
		e.log.Warn().Str("key", key).Msg("aiextract: кэшированный ответ не прошёл проверку, запрашиваем заново")
	}

	var lastSchemaErr error
	for attempt := 0; attempt <= e.opts.SchemaRetries; attempt++ {
		content, err := e.complete(ctx, string(body))
		if err != nil {
			return domain.ExtractionResult{}, err
		}
		res, err := decodeResponse(content, e.opts.Location, known)
		if err == nil {
			e.toCache(ctx, key, content)
			return res, nil
		}
		var schemaErr *domain.ExtractionSchemaError
		if !errors.As(err, &schemaErr) {
			return domain.ExtractionResult{}, err
		}
		lastSchemaErr = err
		e.log.Warn().Err(err).Int("attempt", attempt+1).Msg("aiextract: ответ не соответствует схеме")
	}
	return domain.ExtractionResult{}, lastSchemaErr
}

func (e *Extractor) complete(ctx context.Context, messagesJSON string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	req := goopenai.ChatCompletionRequest{
		Model:       e.opts.Model,
		Temperature: 0.1,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: goopenai.ChatMessageRoleUser, Content: fmt.Sprintf(instruction, messagesJSON)},
		},
		ResponseFormat: &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}
	resp, err := e.client.CreateChatCompletion(callCtx, req)
	if err != nil {
		if openai.IsRetryable(err) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return "", &domain.TransientError{Op: "ai extraction", Err: err}
		}
		return "", fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", &domain.ExtractionSchemaError{Reason: "ответ без choices"}
	}
	return resp.Choices[0].Message.Content, nil
}

func (e *Extractor) cacheKey(payload []byte) string {
	h := sha256.New()
	h.Write([]byte(e.opts.Model))
	h.Write([]byte{0})
	h.Write([]byte(PromptVersion))
	h.Write([]byte{0})
	h.Write(payload)
	return "aiextract:" + hex.EncodeToString(h.Sum(nil))
}

func (e *Extractor) fromCache(ctx context.Context, key string) (string, bool) {
	if e.opts.Cache == nil {
		return "", false
	}
	value, ok, err := e.opts.Cache.Get(ctx, key)
	if err != nil {
		e.log.Warn().Err(err).Msg("aiextract: не удалось прочитать кэш")
		return "", false
	}
	return string(value), ok
}

func (e *Extractor) toCache(ctx context.Context, key, content string) {
	if e.opts.Cache == nil {
		return
	}
	if err := e.opts.Cache.Set(ctx, key, []byte(stripFences(content)), e.opts.CacheTTL); err != nil {
		e.log.Warn().Err(err).Msg("aiextract: не удалось сохранить ответ в кэш")
	}
}
