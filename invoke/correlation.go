// Package invoke предоставляет утилиты для работы с correlation ID и causation ID.
package invoke

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type contextKey string

// Ключи контекста
const (
	CorrelationIDKey contextKey = "correlation_id"
	CausationIDKey   contextKey = "causation_id"
)

// GenerateCorrelationID генерирует уникальный correlation ID
func GenerateCorrelationID() string {
	return uuid.New().String()
}

// GenerateCommandID генерирует уникальный ID команды
func GenerateCommandID() string {
	return fmt.Sprintf("cmd-%d", time.Now().UnixNano())
}

// ExtractCorrelationID извлекает correlation ID из контекста
func ExtractCorrelationID(ctx context.Context) string {
	if val := ctx.Value(CorrelationIDKey); val != nil {
		if id, ok := val.(string); ok {
			return id
		}
	}
	return ""
}

// WithCorrelationID добавляет correlation ID в контекст
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, id)
}

// ExtractCausationID извлекает causation ID из контекста
func ExtractCausationID(ctx context.Context) string {
	if val := ctx.Value(CausationIDKey); val != nil {
		if id, ok := val.(string); ok {
			return id
		}
	}
	return ""
}

// WithCausationID добавляет causation ID в контекст
func WithCausationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CausationIDKey, id)
}
