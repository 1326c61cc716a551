package domain

import "time"

// RunKind тип запуска конвейера.
type RunKind string

const (
	RunKindBatch     RunKind = "batch"
	RunKindReprocess RunKind = "reprocess"
	RunKindRetry     RunKind = "retry"
)

// RunError ошибка обработки конкретного файла.
type RunError struct {
	FileName string `json:"file_name"`
	Error    string `json:"error"`
}

// RunReport итог запуска, сохраняемый для разбора операторами.
type RunReport struct {
	ID          string
	Kind        RunKind
	StartedAt   time.Time
	FinishedAt  time.Time
	Processed   int
	Failed      int
	Skipped     int
	RetryQueued int
	DryRun      bool
	Totals      map[string]int
	Errors      []RunError
}
