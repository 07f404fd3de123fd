// Package metrics предоставляет систему метрик оркестратора на основе OpenTelemetry.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics сборщик метрик оркестратора саг
type Metrics struct {
	meter              metric.Meter
	sagasStarted       metric.Int64Counter
	sagasFinished      metric.Int64Counter
	sagasInflight      metric.Int64UpDownCounter
	sagaDuration       metric.Float64Histogram
	stepsTotal         metric.Int64Counter
	stepDuration       metric.Float64Histogram
	compensationsTotal metric.Int64Counter
	commandsTotal      metric.Int64Counter
	commandDuration    metric.Float64Histogram
	staleEventsTotal   metric.Int64Counter
	timeoutsTotal      metric.Int64Counter
	errorsTotal        metric.Int64Counter
}

// NewMetrics создает новый сборщик метрик
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("sagaflow")

	sagasStarted, err := meter.Int64Counter(
		"sagas_started_total",
		metric.WithDescription("Total number of sagas started"),
	)
	if err != nil {
		return nil, err
	}

	sagasFinished, err := meter.Int64Counter(
		"sagas_finished_total",
		metric.WithDescription("Total number of sagas reaching a terminal state"),
	)
	if err != nil {
		return nil, err
	}

	sagasInflight, err := meter.Int64UpDownCounter(
		"sagas_inflight",
		metric.WithDescription("Number of sagas in a non-terminal state"),
	)
	if err != nil {
		return nil, err
	}

	sagaDuration, err := meter.Float64Histogram(
		"saga_duration_seconds",
		metric.WithDescription("Saga duration from start to terminal state in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	stepsTotal, err := meter.Int64Counter(
		"saga_steps_total",
		metric.WithDescription("Total number of saga step outcomes"),
	)
	if err != nil {
		return nil, err
	}

	stepDuration, err := meter.Float64Histogram(
		"saga_step_duration_seconds",
		metric.WithDescription("Step duration from command emission to event in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	compensationsTotal, err := meter.Int64Counter(
		"saga_compensations_total",
		metric.WithDescription("Total number of compensating command outcomes"),
	)
	if err != nil {
		return nil, err
	}

	commandsTotal, err := meter.Int64Counter(
		"commands_total",
		metric.WithDescription("Total number of commands published"),
	)
	if err != nil {
		return nil, err
	}

	commandDuration, err := meter.Float64Histogram(
		"command_publish_duration_seconds",
		metric.WithDescription("Command publish duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	staleEventsTotal, err := meter.Int64Counter(
		"saga_stale_events_total",
		metric.WithDescription("Total number of duplicate or out-of-order events discarded"),
	)
	if err != nil {
		return nil, err
	}

	timeoutsTotal, err := meter.Int64Counter(
		"saga_step_timeouts_total",
		metric.WithDescription("Total number of step deadlines converted to failures"),
	)
	if err != nil {
		return nil, err
	}

	errorsTotal, err := meter.Int64Counter(
		"errors_total",
		metric.WithDescription("Total number of errors"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		meter:              meter,
		sagasStarted:       sagasStarted,
		sagasFinished:      sagasFinished,
		sagasInflight:      sagasInflight,
		sagaDuration:       sagaDuration,
		stepsTotal:         stepsTotal,
		stepDuration:       stepDuration,
		compensationsTotal: compensationsTotal,
		commandsTotal:      commandsTotal,
		commandDuration:    commandDuration,
		staleEventsTotal:   staleEventsTotal,
		timeoutsTotal:      timeoutsTotal,
		errorsTotal:        errorsTotal,
	}, nil
}

// RecordSagaStarted записывает метрику запуска саги
func (m *Metrics) RecordSagaStarted(ctx context.Context, sagaType string) {
	attrs := metric.WithAttributes(attribute.String("saga_type", sagaType))
	m.sagasStarted.Add(ctx, 1, attrs)
	m.sagasInflight.Add(ctx, 1, attrs)
}

// RecordSagaFinished записывает метрику достижения терминального состояния
func (m *Metrics) RecordSagaFinished(ctx context.Context, sagaType, state string, duration time.Duration) {
	typeAttr := metric.WithAttributes(attribute.String("saga_type", sagaType))
	m.sagasFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("saga_type", sagaType),
		attribute.String("state", state),
	))
	m.sagasInflight.Add(ctx, -1, typeAttr)
	m.sagaDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("saga_type", sagaType),
		attribute.String("state", state),
	))
}

// RecordStep записывает метрику результата шага
func (m *Metrics) RecordStep(ctx context.Context, stepName, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("step", stepName),
		attribute.String("outcome", outcome),
	)
	m.stepsTotal.Add(ctx, 1, attrs)
	m.stepDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordCompensation записывает метрику результата компенсации
func (m *Metrics) RecordCompensation(ctx context.Context, stepName, outcome string) {
	m.compensationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("step", stepName),
		attribute.String("outcome", outcome),
	))
}

// RecordCommand записывает метрику публикации команды
func (m *Metrics) RecordCommand(ctx context.Context, commandName string, duration time.Duration, success bool) {
	attrs := metric.WithAttributes(
		attribute.String("command", commandName),
		attribute.Bool("success", success),
	)
	m.commandsTotal.Add(ctx, 1, attrs)
	m.commandDuration.Record(ctx, duration.Seconds(), attrs)

	if !success {
		m.errorsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("type", "command"),
			attribute.String("command", commandName),
		))
	}
}

// RecordStaleEvent записывает метрику отброшенного события
func (m *Metrics) RecordStaleEvent(ctx context.Context, reason string) {
	m.staleEventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordStepTimeout записывает метрику сработавшего дедлайна шага
func (m *Metrics) RecordStepTimeout(ctx context.Context, stepName string) {
	m.timeoutsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("step", stepName)))
}

// RecordError записывает метрику ошибки
func (m *Metrics) RecordError(ctx context.Context, errorType string) {
	m.errorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("type", errorType)))
}
