package domain

import "fmt"

// IngestionStatus состояние обработки выгрузки.
type IngestionStatus string

const (
	StatusPending    IngestionStatus = "pending"
	StatusProcessing IngestionStatus = "processing"
	StatusProcessed  IngestionStatus = "processed"
	StatusFailed     IngestionStatus = "failed"
)

var transitions = map[IngestionStatus][]IngestionStatus{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusProcessed, StatusFailed},
	StatusFailed:     {StatusPending},
	StatusProcessed:  {StatusPending},
}

// ParseStatus проверяет строковое значение статуса.
func ParseStatus(raw string) (IngestionStatus, error) {
	status := IngestionStatus(raw)
	if _, ok := transitions[status]; !ok {
		return "", fmt.Errorf("неизвестный статус %q", raw)
	}
	return status, nil
}

// CanTransition сообщает, разрешён ли переход между статусами.
func CanTransition(from, to IngestionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition возвращает ErrInvalidTransition для запрещённого перехода.
func CheckTransition(from, to IngestionStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
