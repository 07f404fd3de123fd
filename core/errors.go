// Package core предоставляет систему ошибок движка.
package core

import (
	"errors"
	"fmt"
)

// Коды ошибок движка
const (
	ErrNotFound             = "NOT_FOUND"
	ErrAlreadyExists        = "ALREADY_EXISTS"
	ErrInvalidConfig        = "INVALID_CONFIG"
	ErrInitializationFailed = "INITIALIZATION_FAILED"
	ErrConflict             = "CONFLICT"
	ErrUnavailable          = "UNAVAILABLE"
)

// EngineError базовый тип ошибки движка
type EngineError struct {
	Code    string
	Message string
	Cause   error
}

// Error реализует интерфейс error
func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap возвращает причину ошибки
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// Is проверяет, соответствует ли ошибка коду
func (e *EngineError) Is(target error) bool {
	if t, ok := target.(*EngineError); ok {
		return e.Code == t.Code
	}
	return false
}

// NewError создает новую ошибку движка
func NewError(code, message string) *EngineError {
	return &EngineError{
		Code:    code,
		Message: message,
	}
}

// IsCode проверяет, несет ли цепочка ошибок указанный код
func IsCode(err error, code string) bool {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr.Code == code
	}
	return false
}

// Wrap оборачивает существующую ошибку
func Wrap(err error, code, message string) *EngineError {
	if err == nil {
		return nil
	}
	return &EngineError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}
