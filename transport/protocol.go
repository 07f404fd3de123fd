package transport

import (
	"encoding/json"
	"fmt"
	"time"
)

// Outcome результат выполнения шага
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailure Outcome = "FAILURE"
)

// StepCommand команда шага саги, публикуемая оркестратором.
// Обработчики шагов получают команды с этой схемой и обязаны использовать
// IdempotencyKey для дедупликации побочных эффектов.
type StepCommand struct {
	SagaID         string          `json:"saga_id"`
	StepSequence   int             `json:"step_sequence"`
	IdempotencyKey string          `json:"idempotency_key"`
	Name           string          `json:"command_name"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	// Compensating истинно для компенсирующих команд
	Compensating bool      `json:"compensating,omitempty"`
	EmittedAt    time.Time `json:"emitted_at"`
}

// CommandName реализует интерфейс Command
func (c *StepCommand) CommandName() string {
	return c.Name
}

// Validate проверяет обязательные поля команды
func (c *StepCommand) Validate() error {
	if c.SagaID == "" {
		return fmt.Errorf("saga_id cannot be empty")
	}
	if c.Name == "" {
		return fmt.Errorf("command_name cannot be empty")
	}
	if c.IdempotencyKey == "" {
		return fmt.Errorf("idempotency_key cannot be empty")
	}
	if c.StepSequence < 0 {
		return fmt.Errorf("step_sequence cannot be negative")
	}
	return nil
}

// StepEvent событие с результатом шага, публикуемое обработчиком.
// Каждая команда порождает ровно одно событие с тем же SagaID и
// StepSequence.
type StepEvent struct {
	SagaID       string `json:"saga_id"`
	StepSequence int    `json:"step_sequence"`
	// IdempotencyKey ключ команды, на которую отвечает событие. Позволяет
	// отличить передоставку события прошлой попытки от результата текущей.
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Outcome        Outcome         `json:"outcome"`
	ResultPayload json.RawMessage `json:"result_payload,omitempty"`
	Error         string          `json:"error,omitempty"`
	// Compensating истинно, если событие отвечает на компенсирующую команду
	Compensating bool      `json:"compensating,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Validate проверяет обязательные поля события
func (e *StepEvent) Validate() error {
	if e.SagaID == "" {
		return fmt.Errorf("saga_id cannot be empty")
	}
	if e.StepSequence < 0 {
		return fmt.Errorf("step_sequence cannot be negative")
	}
	if e.Outcome != OutcomeSuccess && e.Outcome != OutcomeFailure {
		return fmt.Errorf("unknown outcome: %s", e.Outcome)
	}
	if e.Outcome == OutcomeFailure && e.Error == "" {
		return fmt.Errorf("failure event must carry an error description")
	}
	return nil
}
