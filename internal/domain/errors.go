package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound запись не найдена.
	ErrNotFound = errors.New("запись не найдена")
	// ErrConcurrencyConflict статус записи уже изменён другим обработчиком.
	ErrConcurrencyConflict = errors.New("конфликт обновления статуса")
	// ErrInvalidTransition переход между статусами запрещён.
	ErrInvalidTransition = errors.New("недопустимый переход статуса")
)

// ParseError формат переписки не распознан.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "разбор переписки: " + e.Reason
}

// ExtractionSchemaError ответ модели не прошёл проверку схемы.
type ExtractionSchemaError struct {
	Reason string
	Err    error
}

func (e *ExtractionSchemaError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("schema validation: %s: %v", e.Reason, e.Err)
	}
	return "schema validation: " + e.Reason
}

func (e *ExtractionSchemaError) Unwrap() error { return e.Err }

// TransientError временный сбой сети или лимитов, запись можно повторить.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: временная ошибка: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PersistenceError сбой записи в хранилище, транзакция откатана.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("сохранение (%s): %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsTransient сообщает, что ошибку стоит повторить через очередь.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsConflict сообщает о проигранной гонке за запись.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsPermanent сообщает, что повтор не поможет.
func IsPermanent(err error) bool {
	return err != nil && !IsTransient(err) && !IsConflict(err)
}
