package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"chatlog-pipeline/internal/domain"
)

var (
	ErrFileNameInvalid = errors.New("имя файла не соответствует шаблону <линия>_<поток>_<группа>_<YYYY-MM-DD>.txt")
	ErrEmptyContent    = errors.New("пустая выгрузка")
	ErrKeyInvalid      = errors.New("не заполнен ключ выгрузки")
)

var fileNameRegex = regexp.MustCompile(`^(.+?)_(.+?)_(.+)_(\d{4}-\d{2}-\d{2})\.txt$`)

// Request входные данные для загрузки одной выгрузки.
type Request struct {
	ProductLine string
	Period      string
	Group       string
	Date        time.Time
	FileName    string
	Content     string
}

// Result итог загрузки.
type Result struct {
	ID      int64
	Changed bool
}

// Service загружает выгрузки переписки в хранилище.
type Service struct {
	repo domain.IngestionRepo
	loc  *time.Location
	log  zerolog.Logger
}

// NewService создаёт сервис загрузки.
func NewService(repo domain.IngestionRepo, loc *time.Location, logger zerolog.Logger) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{repo: repo, loc: loc, log: logger}
}

// ContentHash возвращает SHA-256 содержимого в hex.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// ParseFileName извлекает ключ выгрузки из имени файла.
func ParseFileName(name string, loc *time.Location) (domain.IngestionKey, error) {
	if loc == nil {
		loc = time.UTC
	}
	matches := fileNameRegex.FindStringSubmatch(filepath.Base(name))
	if len(matches) != 5 {
		return domain.IngestionKey{}, ErrFileNameInvalid
	}
	date, err := time.ParseInLocation(domain.DateLayout, matches[4], loc)
	if err != nil {
		return domain.IngestionKey{}, fmt.Errorf("%w: %v", ErrFileNameInvalid, err)
	}
	return domain.IngestionKey{
		ProductLine: matches[1],
		Period:      matches[2],
		Group:       matches[3],
		Date:        date,
	}, nil
}

// Ingest сохраняет выгрузку. Повторная загрузка того же содержимого ничего не меняет,
// изменённое содержимое возвращает запись в pending.
func (s *Service) Ingest(ctx context.Context, req Request) (Result, error) {
	key := domain.IngestionKey{
		ProductLine: strings.TrimSpace(req.ProductLine),
		Period:      strings.TrimSpace(req.Period),
		Group:       strings.TrimSpace(req.Group),
		Date:        req.Date,
	}
	if key.ProductLine == "" || key.Period == "" || key.Group == "" || key.Date.IsZero() {
		return Result{}, ErrKeyInvalid
	}
	// календарная дата берётся как передана, без пересчёта в s.loc
	year, month, day := key.Date.Date()
	key.Date = time.Date(year, month, day, 0, 0, 0, 0, s.loc)

	content := strings.ToValidUTF8(req.Content, string(utf8.RuneError))
	if strings.TrimSpace(content) == "" {
		return Result{}, ErrEmptyContent
	}
	fileName := strings.TrimSpace(req.FileName)
	if fileName == "" {
		fileName = fmt.Sprintf("%s_%s_%s_%s.txt", key.ProductLine, key.Period, key.Group, key.DateString())
	}

	rec := domain.IngestionRecord{
		Key:         key,
		FileName:    filepath.Base(fileName),
		RawContent:  content,
		ContentHash: ContentHash(content),
		Status:      domain.StatusPending,
	}
	id, changed, err := s.repo.UpsertIngestion(ctx, rec)
	if err != nil {
		return Result{}, fmt.Errorf("сохранение выгрузки %s: %w", key, err)
	}
	s.log.Info().
		Int64("record_id", id).
		Str("file", rec.FileName).
		Bool("changed", changed).
		Msg("ingest: выгрузка сохранена")
	return Result{ID: id, Changed: changed}, nil
}

// IngestFile загружает выгрузку, определяя ключ по имени файла.
func (s *Service) IngestFile(ctx context.Context, fileName, content string) (Result, error) {
	key, err := ParseFileName(fileName, s.loc)
	if err != nil {
		return Result{}, err
	}
	return s.Ingest(ctx, Request{
		ProductLine: key.ProductLine,
		Period:      key.Period,
		Group:       key.Group,
		Date:        key.Date,
		FileName:    fileName,
		Content:     content,
	})
}
