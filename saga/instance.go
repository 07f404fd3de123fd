package saga

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State состояние экземпляра саги
type State string

const (
	StatePending      State = "PENDING"
	StateInProgress   State = "IN_PROGRESS"
	StateCompleted    State = "COMPLETED"
	StateCompensating State = "COMPENSATING"
	StateCompensated  State = "COMPENSATED"
	StateFailed       State = "FAILED"
)

// IsTerminal проверяет, является ли состояние терминальным
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateCompensated, StateFailed:
		return true
	}
	return false
}

// StepStatus статус выполнения шага
type StepStatus string

const (
	StepStatusPending      StepStatus = "PENDING"
	StepStatusSent         StepStatus = "SENT"
	StepStatusCompleted    StepStatus = "COMPLETED"
	StepStatusFailed       StepStatus = "FAILED"
	StepStatusCompensating StepStatus = "COMPENSATING"
	StepStatusCompensated  StepStatus = "COMPENSATED"
)

// StepRecord запись о выполнении шага в экземпляре саги
type StepRecord struct {
	Sequence      int             `json:"sequence"`
	Name          string          `json:"name"`
	Status        StepStatus      `json:"status"`
	ResultPayload json.RawMessage `json:"result_payload,omitempty"`
	Error         string          `json:"error,omitempty"`
	// IdempotencyKey ключ последней отправленной команды шага. События
	// с другим ключом принадлежат прошлым попыткам и отбрасываются.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	// Deadline срок получения события для шага в статусе SENT или
	// COMPENSATING. Сторож превращает просроченный срок в событие отказа.
	Deadline    *time.Time `json:"deadline,omitempty"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Instance экземпляр саги. Единственный источник истины о прогрессе:
// восстановление после сбоя опирается только на сохраненный экземпляр.
type Instance struct {
	ID                string          `json:"id"`
	Type              string          `json:"type"`
	DefinitionVersion int             `json:"definition_version"`
	State             State           `json:"state"`
	// CurrentStep индекс активного шага. В состоянии COMPENSATING
	// указывает на шаг, компенсация которого выполняется.
	CurrentStep int             `json:"current_step"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Steps       []StepRecord    `json:"steps"`
	// CompensationAttempts число неудачных попыток компенсации текущего
	// шага. Сбрасывается при переходе к следующему шагу компенсации.
	CompensationAttempts int    `json:"compensation_attempts"`
	FailureReason        string `json:"failure_reason,omitempty"`
	CorrelationID        string `json:"correlation_id,omitempty"`
	// Version счетчик оптимистичной блокировки хранилища
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewInstance создает новый экземпляр саги в состоянии PENDING
func NewInstance(definition *Definition, payload json.RawMessage) *Instance {
	now := time.Now()
	steps := make([]StepRecord, len(definition.Steps))
	for i, step := range definition.Steps {
		steps[i] = StepRecord{
			Sequence: i,
			Name:     step.Name,
			Status:   StepStatusPending,
		}
	}
	return &Instance{
		ID:                uuid.New().String(),
		Type:              definition.Type,
		DefinitionVersion: definition.Version,
		State:             StatePending,
		CurrentStep:       0,
		Payload:           payload,
		Steps:             steps,
		CorrelationID:     uuid.New().String(),
		Version:           0,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// Clone возвращает глубокую копию экземпляра. Функция перехода работает
// с копией и никогда не изменяет вход.
func (i *Instance) Clone() *Instance {
	copied := *i
	copied.Steps = make([]StepRecord, len(i.Steps))
	copy(copied.Steps, i.Steps)
	for idx := range copied.Steps {
		if i.Steps[idx].Deadline != nil {
			d := *i.Steps[idx].Deadline
			copied.Steps[idx].Deadline = &d
		}
		if i.Steps[idx].SentAt != nil {
			s := *i.Steps[idx].SentAt
			copied.Steps[idx].SentAt = &s
		}
		if i.Steps[idx].CompletedAt != nil {
			c := *i.Steps[idx].CompletedAt
			copied.Steps[idx].CompletedAt = &c
		}
	}
	return &copied
}

// Step возвращает запись шага по индексу
func (i *Instance) Step(sequence int) (*StepRecord, error) {
	if sequence < 0 || sequence >= len(i.Steps) {
		return nil, fmt.Errorf("saga %s: step sequence %d out of range", i.ID, sequence)
	}
	return &i.Steps[sequence], nil
}

// ForwardIdempotencyKey возвращает детерминированный ключ идемпотентности
// прямой команды шага. Повторная отправка той же команды несет тот же ключ.
func ForwardIdempotencyKey(sagaID string, sequence int) string {
	return fmt.Sprintf("%s:%d", sagaID, sequence)
}

// CompensationIdempotencyKey возвращает ключ идемпотентности компенсирующей
// команды. Каждая повторная попытка компенсации является новой командой и
// несет собственный ключ.
func CompensationIdempotencyKey(sagaID string, sequence, attempt int) string {
	if attempt == 0 {
		return fmt.Sprintf("%s:%d:comp", sagaID, sequence)
	}
	return fmt.Sprintf("%s:%d:comp:%d", sagaID, sequence, attempt)
}
