package saga

import (
	"github.com/akriventsev/sagaflow/events"
)

// Типы событий жизненного цикла саги
const (
	EventSagaStarted      = "saga.started"
	EventSagaCompleted    = "saga.completed"
	EventSagaCompensating = "saga.compensating"
	EventSagaCompensated  = "saga.compensated"
	EventSagaFailed       = "saga.failed"
	EventStepCompleted    = "saga.step_completed"
	EventStepFailed       = "saga.step_failed"
	EventStepCompensated  = "saga.step_compensated"
	EventStepTimedOut     = "saga.step_timed_out"
)

// SagaStartedEvent событие начала выполнения саги
type SagaStartedEvent struct {
	*events.BaseEvent
	SagaID   string
	SagaType string
}

// NewSagaStartedEvent создает событие начала саги
func NewSagaStartedEvent(instance *Instance) *SagaStartedEvent {
	base := events.NewBaseEvent(EventSagaStarted, instance.ID)
	base.WithCorrelationID(instance.CorrelationID)
	base.WithMetadata("saga_type", instance.Type)
	return &SagaStartedEvent{
		BaseEvent: base,
		SagaID:    instance.ID,
		SagaType:  instance.Type,
	}
}

// SagaCompletedEvent событие успешного завершения саги
type SagaCompletedEvent struct {
	*events.BaseEvent
	SagaID         string
	StepsCompleted int
}

// NewSagaCompletedEvent создает событие успешного завершения саги
func NewSagaCompletedEvent(instance *Instance) *SagaCompletedEvent {
	base := events.NewBaseEvent(EventSagaCompleted, instance.ID)
	base.WithCorrelationID(instance.CorrelationID)
	return &SagaCompletedEvent{
		BaseEvent:      base,
		SagaID:         instance.ID,
		StepsCompleted: len(instance.Steps),
	}
}

// SagaCompensatingEvent событие начала компенсации саги
type SagaCompensatingEvent struct {
	*events.BaseEvent
	SagaID string
	Reason string
}

// NewSagaCompensatingEvent создает событие начала компенсации
func NewSagaCompensatingEvent(instance *Instance, reason string) *SagaCompensatingEvent {
	base := events.NewBaseEvent(EventSagaCompensating, instance.ID)
	base.WithCorrelationID(instance.CorrelationID)
	base.WithMetadata("reason", reason)
	return &SagaCompensatingEvent{
		BaseEvent: base,
		SagaID:    instance.ID,
		Reason:    reason,
	}
}

// SagaCompensatedEvent событие завершения компенсации саги
type SagaCompensatedEvent struct {
	*events.BaseEvent
	SagaID string
}

// NewSagaCompensatedEvent создает событие завершения компенсации
func NewSagaCompensatedEvent(instance *Instance) *SagaCompensatedEvent {
	base := events.NewBaseEvent(EventSagaCompensated, instance.ID)
	base.WithCorrelationID(instance.CorrelationID)
	return &SagaCompensatedEvent{
		BaseEvent: base,
		SagaID:    instance.ID,
	}
}

// SagaFailedEvent событие отказа саги, требующего вмешательства
type SagaFailedEvent struct {
	*events.BaseEvent
	SagaID string
	Reason string
}

// NewSagaFailedEvent создает событие отказа саги
func NewSagaFailedEvent(instance *Instance, reason string) *SagaFailedEvent {
	base := events.NewBaseEvent(EventSagaFailed, instance.ID)
	base.WithCorrelationID(instance.CorrelationID)
	base.WithMetadata("reason", reason)
	return &SagaFailedEvent{
		BaseEvent: base,
		SagaID:    instance.ID,
		Reason:    reason,
	}
}

// StepLifecycleEvent событие жизненного цикла отдельного шага
type StepLifecycleEvent struct {
	*events.BaseEvent
	SagaID   string
	StepName string
	Reason   string
}

// NewStepLifecycleEvent создает событие жизненного цикла шага
func NewStepLifecycleEvent(eventType string, instance *Instance, stepName, reason string) *StepLifecycleEvent {
	base := events.NewBaseEvent(eventType, instance.ID)
	base.WithCorrelationID(instance.CorrelationID)
	base.WithMetadata("step_name", stepName)
	if reason != "" {
		base.WithMetadata("reason", reason)
	}
	return &StepLifecycleEvent{
		BaseEvent: base,
		SagaID:    instance.ID,
		StepName:  stepName,
		Reason:    reason,
	}
}
