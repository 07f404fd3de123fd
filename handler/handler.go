// Package handler предоставляет среду выполнения обработчиков шагов саги.
// Обработчик подписывается на команды шагов, дедуплицирует их по ключу
// идемпотентности через журнал и публикует ровно одно событие результата
// на каждую команду.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/akriventsev/sagaflow/core"
	"github.com/akriventsev/sagaflow/invoke"
	"github.com/akriventsev/sagaflow/ledger"
	"github.com/akriventsev/sagaflow/metrics"
	"github.com/akriventsev/sagaflow/transport"
)

// EffectFunc бизнес-эффект шага. Возвращенная ошибка означает отказ шага
// и превращается в событие FAILURE; результат сохраняется в журнале и
// повторно отдается при передоставке команды.
type EffectFunc func(ctx context.Context, cmd *transport.StepCommand) (json.RawMessage, error)

// StepHandler среда выполнения обработчиков шагов. Один StepHandler
// обслуживает несколько команд одного сервиса и использует общий журнал
// идемпотентности: побочный эффект исполняется не более одного раза на
// ключ, повторные доставки получают сохраненный исход.
type StepHandler struct {
	name       string
	bus        transport.MessageBus
	ledger     ledger.Ledger
	resolver   invoke.SubjectResolver
	serializer transport.MessageSerializer
	metrics    *metrics.Metrics

	effects map[string]EffectFunc

	mu      sync.Mutex
	running bool
}

// NewStepHandler создает новую среду выполнения обработчиков.
// name используется как имя компонента и очередь подписки, поэтому
// экземпляры одного сервиса делят нагрузку, а не дублируют ее.
func NewStepHandler(name string, bus transport.MessageBus, idempotency ledger.Ledger) *StepHandler {
	return &StepHandler{
		name:       name,
		bus:        bus,
		ledger:     idempotency,
		resolver:   invoke.NewSagaSubjectResolver(),
		serializer: invoke.DefaultSerializer(),
		effects:    make(map[string]EffectFunc),
	}
}

// WithSubjectResolver устанавливает кастомный резолвер subject-ов
func (h *StepHandler) WithSubjectResolver(resolver invoke.SubjectResolver) *StepHandler {
	h.resolver = resolver
	return h
}

// WithMetrics подключает метрики
func (h *StepHandler) WithMetrics(m *metrics.Metrics) *StepHandler {
	h.metrics = m
	return h
}

// Handle регистрирует эффект для команды. Регистрация после запуска
// не допускается.
func (h *StepHandler) Handle(commandName string, effect EffectFunc) *StepHandler {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		panic(fmt.Sprintf("handler %s: cannot register command %s after start", h.name, commandName))
	}
	h.effects[commandName] = effect
	return h
}

// Name возвращает имя компонента (реализация core.Component)
func (h *StepHandler) Name() string {
	return h.name
}

// Type возвращает тип компонента (реализация core.Component)
func (h *StepHandler) Type() core.ComponentType {
	return core.ComponentTypeHandler
}

// IsRunning проверяет, запущен ли обработчик
func (h *StepHandler) IsRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// Start подписывается на subject-ы всех зарегистрированных команд
// (реализация core.Lifecycle)
func (h *StepHandler) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return nil
	}
	if len(h.effects) == 0 {
		return core.NewError(core.ErrInvalidConfig, "handler has no registered commands")
	}

	for commandName := range h.effects {
		subject := h.resolver.ResolveCommandSubject(&transport.StepCommand{Name: commandName})
		if subject == "" {
			return core.NewError(core.ErrInvalidConfig,
				fmt.Sprintf("cannot resolve subject for command %q", commandName))
		}
		if err := h.bus.Subscribe(ctx, subject, h.handleMessage, transport.WithQueue(h.name)); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
	}

	h.running = true
	return nil
}

// Stop отписывается от subject-ов команд (реализация core.Lifecycle)
func (h *StepHandler) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return nil
	}
	for commandName := range h.effects {
		subject := h.resolver.ResolveCommandSubject(&transport.StepCommand{Name: commandName})
		_ = h.bus.Unsubscribe(subject)
	}
	h.running = false
	return nil
}

// handleMessage обрабатывает доставку команды шага.
// Возвращенная ошибка означает инфраструктурный сбой: сообщение не
// подтверждается и будет доставлено повторно.
func (h *StepHandler) handleMessage(ctx context.Context, msg *transport.Message) error {
	var cmd transport.StepCommand
	if err := h.serializer.Deserialize(msg.Data, &cmd); err != nil {
		// Нечитаемая команда не станет читаемой при повторе
		log.Printf("handler %s: dropping malformed command: %v", h.name, err)
		return nil
	}
	if err := cmd.Validate(); err != nil {
		log.Printf("handler %s: dropping invalid command: %v", h.name, err)
		return nil
	}

	effect, ok := h.effects[cmd.Name]
	if !ok {
		return fmt.Errorf("no effect registered for command %q", cmd.Name)
	}

	claimed, existing, err := h.ledger.Claim(ctx, cmd.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("failed to claim idempotency key %s: %w", cmd.IdempotencyKey, err)
	}

	if !claimed {
		return h.replay(ctx, &cmd, existing)
	}

	result, effectErr := effect(ctx, &cmd)
	if effectErr != nil {
		if err := h.ledger.Fail(ctx, cmd.IdempotencyKey, effectErr.Error()); err != nil {
			// Ключ останется в PROCESSING, повторная доставка повторит эффект
			return fmt.Errorf("failed to record failure for %s: %w", cmd.IdempotencyKey, err)
		}
		return h.publishEvent(ctx, &cmd, transport.OutcomeFailure, nil, effectErr.Error())
	}

	if err := h.ledger.Complete(ctx, cmd.IdempotencyKey, result); err != nil {
		return fmt.Errorf("failed to record result for %s: %w", cmd.IdempotencyKey, err)
	}
	return h.publishEvent(ctx, &cmd, transport.OutcomeSuccess, result, "")
}

// replay повторно публикует сохраненный исход для передоставленной команды
func (h *StepHandler) replay(ctx context.Context, cmd *transport.StepCommand, record *ledger.Record) error {
	if h.metrics != nil {
		h.metrics.RecordStaleEvent(ctx, "command_redelivery")
	}

	switch record.Status {
	case ledger.StatusCompleted:
		return h.publishEvent(ctx, cmd, transport.OutcomeSuccess, record.ResultPayload, "")
	case ledger.StatusFailed:
		return h.publishEvent(ctx, cmd, transport.OutcomeFailure, nil, record.ErrorMessage)
	default:
		// Эффект еще исполняется в другой доставке, ее событие и ответит
		return nil
	}
}

func (h *StepHandler) publishEvent(ctx context.Context, cmd *transport.StepCommand, outcome transport.Outcome, result json.RawMessage, errorMessage string) error {
	event := transport.StepEvent{
		SagaID:         cmd.SagaID,
		StepSequence:   cmd.StepSequence,
		IdempotencyKey: cmd.IdempotencyKey,
		Outcome:        outcome,
		ResultPayload:  result,
		Error:          errorMessage,
		Compensating:   cmd.Compensating,
		OccurredAt:     time.Now(),
	}

	data, err := h.serializer.Serialize(&event)
	if err != nil {
		return fmt.Errorf("failed to serialize step event: %w", err)
	}

	subject := h.resolver.EventSubject()
	if cmd.Compensating {
		subject = h.resolver.CompensationEventSubject()
	}

	headers := map[string]string{
		"saga_id":         cmd.SagaID,
		"idempotency_key": cmd.IdempotencyKey,
	}
	if err := h.bus.Publish(ctx, subject, data, headers); err != nil {
		return fmt.Errorf("failed to publish step event: %w", err)
	}
	return nil
}
