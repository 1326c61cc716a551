package pipeline

import (
	"fmt"
	"html"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatlog-pipeline/internal/domain"
)

// RunSummary итог запуска для операторов.
type RunSummary struct {
	RunID             string
	Kind              domain.RunKind
	DryRun            bool
	StartedAt         time.Time
	FinishedAt        time.Time
	Processed         int
	Failed            int
	Skipped           int
	RetryQueued       int
	PermanentFailures int
	TotalsByCategory  map[string]int
	Errors            []domain.RunError
	// ErrorsDropped число ошибок, не попавших в Errors из-за лимита.
	ErrorsDropped int
}

// HasPermanentFailures сообщает, что запуск должен завершиться с ненулевым кодом.
func (s RunSummary) HasPermanentFailures() bool {
	return s.PermanentFailures > 0
}

// Report переводит итог в запись журнала запусков.
func (s RunSummary) Report() domain.RunReport {
	totals := make(map[string]int, len(s.TotalsByCategory))
	for k, v := range s.TotalsByCategory {
		totals[k] = v
	}
	return domain.RunReport{
		ID:          s.RunID,
		Kind:        s.Kind,
		StartedAt:   s.StartedAt,
		FinishedAt:  s.FinishedAt,
		Processed:   s.Processed,
		Failed:      s.Failed,
		Skipped:     s.Skipped,
		RetryQueued: s.RetryQueued,
		DryRun:      s.DryRun,
		Totals:      totals,
		Errors:      append([]domain.RunError(nil), s.Errors...),
	}
}

// collector потокобезопасно накапливает итог запуска.
type collector struct {
	mu        sync.Mutex
	id        string
	maxErrors int
	summary   RunSummary
}

func newCollector(kind domain.RunKind, dryRun bool, maxErrors int, now time.Time) *collector {
	id := uuid.NewString()
	return &collector{
		id:        id,
		maxErrors: maxErrors,
		summary: RunSummary{
			RunID:            id,
			Kind:             kind,
			DryRun:           dryRun,
			StartedAt:        now,
			TotalsByCategory: map[string]int{},
		},
	}
}

func (c *collector) processed(totals map[string]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.summary.Processed++
	for k, v := range totals {
		c.summary.TotalsByCategory[k] += v
	}
}

func (c *collector) skip() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.summary.Skipped++
}

func (c *collector) fail(fileName string, err error, permanent bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.summary.Failed++
	if permanent {
		c.summary.PermanentFailures++
	}
	c.addError(fileName, err)
}

func (c *collector) retry(fileName string, err error, queued bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.summary.Failed++
	if queued {
		c.summary.RetryQueued++
	} else {
		c.summary.PermanentFailures++
	}
	c.addError(fileName, err)
}

func (c *collector) addError(fileName string, err error) {
	if len(c.summary.Errors) >= c.maxErrors {
		c.summary.ErrorsDropped++
		return
	}
	c.summary.Errors = append(c.summary.Errors, domain.RunError{FileName: fileName, Error: reason(err)})
}

func (c *collector) finish(now time.Time) RunSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.summary.FinishedAt = now
	out := c.summary
	out.TotalsByCategory = make(map[string]int, len(c.summary.TotalsByCategory))
	for k, v := range c.summary.TotalsByCategory {
		out.TotalsByCategory[k] = v
	}
	out.Errors = append([]domain.RunError(nil), c.summary.Errors...)
	return out
}

var categoryTitles = map[string]string{
	domain.CategoryQuestions: "вопросы",
	domain.CategoryResolved:  "решённые",
	domain.CategoryGoodNews:  "хорошие новости",
	domain.CategoryKoc:       "KOC",
	domain.CategoryStars:     "звёзды",
	domain.CategoryTags:      "теги",
}

// FormatSummary формирует HTML-сообщение об итогах запуска для Telegram.
func FormatSummary(s RunSummary) string {
	var b strings.Builder
	title := "📊 <b>Обработка переписок</b>"
	if s.DryRun {
		title += " (пробный прогон)"
	}
	b.WriteString(title + "\n")
	fmt.Fprintf(&b, "Обработано: %d, ошибок: %d, пропущено: %d, в очереди повторов: %d\n",
		s.Processed, s.Failed, s.Skipped, s.RetryQueued)
	if !s.StartedAt.IsZero() && !s.FinishedAt.IsZero() {
		fmt.Fprintf(&b, "Длительность: %s\n", s.FinishedAt.Sub(s.StartedAt).Round(time.Second))
	}

	keys := make([]string, 0, len(s.TotalsByCategory))
	for k, v := range s.TotalsByCategory {
		if v > 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if len(keys) > 0 {
		b.WriteString("\n📌 <b>Факты</b>\n")
		for _, k := range keys {
			name := categoryTitles[k]
			if name == "" {
				name = k
			}
			fmt.Fprintf(&b, "• %s: %d\n", html.EscapeString(name), s.TotalsByCategory[k])
		}
	}

	if len(s.Errors) > 0 {
		b.WriteString("\n⚠️ <b>Ошибки</b>\n")
		for _, e := range s.Errors {
			fmt.Fprintf(&b, "• <code>%s</code>: %s\n", html.EscapeString(e.FileName), html.EscapeString(e.Error))
		}
		if s.ErrorsDropped > 0 {
			fmt.Fprintf(&b, "…и ещё %d\n", s.ErrorsDropped)
		}
	}
	return strings.TrimSpace(b.String())
}
