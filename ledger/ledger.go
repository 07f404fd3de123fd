// Package ledger предоставляет журнал идемпотентности для точно-однократной
// обработки команд. Каждая команда несет уникальный ключ; обработчик
// атомарно захватывает ключ перед выполнением побочного эффекта и
// фиксирует результат после завершения.
package ledger

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/akriventsev/sagaflow/core"
)

// RecordStatus статус записи в журнале идемпотентности
type RecordStatus string

const (
	// StatusProcessing ключ захвачен, эффект выполняется
	StatusProcessing RecordStatus = "PROCESSING"
	// StatusCompleted эффект выполнен успешно, результат сохранен
	StatusCompleted RecordStatus = "COMPLETED"
	// StatusFailed эффект завершился ошибкой
	StatusFailed RecordStatus = "FAILED"
)

// Record запись журнала идемпотентности
type Record struct {
	Key           string          `json:"key"`
	Status        RecordStatus    `json:"status"`
	ResultPayload json.RawMessage `json:"result_payload,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Ledger интерфейс журнала идемпотентности
type Ledger interface {
	// Claim атомарно захватывает ключ в статусе PROCESSING.
	// Возвращает true, если ключ захвачен впервые. Если ключ уже
	// существует, возвращает false и существующую запись.
	Claim(ctx context.Context, key string) (bool, *Record, error)
	// Complete переводит запись в статус COMPLETED и сохраняет результат
	Complete(ctx context.Context, key string, result json.RawMessage) error
	// Fail переводит запись в статус FAILED
	Fail(ctx context.Context, key string, errorMessage string) error
	// Release удаляет захваченный ключ, позволяя повторную попытку.
	// Используется, когда эффект не был начат.
	Release(ctx context.Context, key string) error
	// Get возвращает запись по ключу
	Get(ctx context.Context, key string) (*Record, error)
}

// ErrRecordNotFound возвращается, когда ключ отсутствует в журнале
var ErrRecordNotFound = core.NewError(core.ErrNotFound, "idempotency record not found")

// InMemoryLedger реализация журнала в памяти для тестирования
type InMemoryLedger struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewInMemoryLedger создает новый in-memory журнал
func NewInMemoryLedger() *InMemoryLedger {
	return &InMemoryLedger{
		records: make(map[string]*Record),
	}
}

func (l *InMemoryLedger) Claim(ctx context.Context, key string) (bool, *Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.records[key]; ok {
		copied := *existing
		return false, &copied, nil
	}

	now := time.Now()
	l.records[key] = &Record{
		Key:       key,
		Status:    StatusProcessing,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return true, nil, nil
}

func (l *InMemoryLedger) Complete(ctx context.Context, key string, result json.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	record, ok := l.records[key]
	if !ok {
		return ErrRecordNotFound
	}
	record.Status = StatusCompleted
	record.ResultPayload = result
	record.UpdatedAt = time.Now()
	return nil
}

func (l *InMemoryLedger) Fail(ctx context.Context, key string, errorMessage string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	record, ok := l.records[key]
	if !ok {
		return ErrRecordNotFound
	}
	record.Status = StatusFailed
	record.ErrorMessage = errorMessage
	record.UpdatedAt = time.Now()
	return nil
}

func (l *InMemoryLedger) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.records, key)
	return nil
}

func (l *InMemoryLedger) Get(ctx context.Context, key string) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	record, ok := l.records[key]
	if !ok {
		return nil, ErrRecordNotFound
	}
	copied := *record
	return &copied, nil
}
