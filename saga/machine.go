package saga

import (
	"fmt"
	"time"

	"github.com/akriventsev/sagaflow/core"
	"github.com/akriventsev/sagaflow/fsm"
	"github.com/akriventsev/sagaflow/transport"
)

// Ошибки движка саг
var (
	// ErrStaleEvent событие отброшено: неизвестная, завершенная или
	// опередившая событие сага. Не является сбоем, событие подтверждается.
	ErrStaleEvent = core.NewError(core.ErrConflict, "stale or duplicate step event")
	// ErrSagaNotFound сага с данным ID отсутствует в хранилище
	ErrSagaNotFound = core.NewError(core.ErrNotFound, "saga instance not found")
	// ErrVersionConflict оптимистичная блокировка хранилища отклонила запись
	ErrVersionConflict = core.NewError(core.ErrConflict, "saga instance version conflict")
)

// События графа состояний саги
const (
	graphEventStart              fsm.Event = "start"
	graphEventComplete           fsm.Event = "complete"
	graphEventFail               fsm.Event = "fail"
	graphEventFailNoCompensation fsm.Event = "fail_no_compensation"
	graphEventCompensated        fsm.Event = "compensated"
	graphEventExhausted          fsm.Event = "exhausted"
)

// StateGraph возвращает граф допустимых переходов состояний саги
func StateGraph() *fsm.Machine {
	graph := fsm.NewMachine(fsm.State(StatePending))
	graph.
		AddTransition(fsm.State(StatePending), graphEventStart, fsm.State(StateInProgress)).
		AddTransition(fsm.State(StateInProgress), graphEventComplete, fsm.State(StateCompleted)).
		AddTransition(fsm.State(StateInProgress), graphEventFail, fsm.State(StateCompensating)).
		AddTransition(fsm.State(StateInProgress), graphEventFailNoCompensation, fsm.State(StateCompensated)).
		AddTransition(fsm.State(StateCompensating), graphEventCompensated, fsm.State(StateCompensated)).
		AddTransition(fsm.State(StateCompensating), graphEventExhausted, fsm.State(StateFailed)).
		MarkTerminal(fsm.State(StateCompleted), fsm.State(StateCompensated), fsm.State(StateFailed))
	return graph
}

// Effect побочный эффект перехода состояния. Функция перехода чистая:
// она только описывает эффекты, исполняет их оркестратор после
// успешного сохранения экземпляра.
type Effect interface {
	EffectType() string
}

// PublishCommand эффект публикации команды шага в шину
type PublishCommand struct {
	Command transport.StepCommand
}

// EffectType возвращает тип эффекта
func (PublishCommand) EffectType() string { return "publish_command" }

// NotifyLifecycle эффект публикации события жизненного цикла саги
type NotifyLifecycle struct {
	EventType string
	StepName  string
	Reason    string
}

// EffectType возвращает тип эффекта
func (NotifyLifecycle) EffectType() string { return "notify_lifecycle" }

// MachineConfig конфигурация движка переходов
type MachineConfig struct {
	// MaxCompensationAttempts предел попыток компенсации одного шага.
	// После исчерпания сага переходит в FAILED и требует вмешательства.
	MaxCompensationAttempts int
}

// Validate проверяет корректность конфигурации
func (c MachineConfig) Validate() error {
	if c.MaxCompensationAttempts < 1 {
		return fmt.Errorf("MaxCompensationAttempts must be at least 1")
	}
	return nil
}

// DefaultMachineConfig возвращает конфигурацию движка по умолчанию
func DefaultMachineConfig() MachineConfig {
	return MachineConfig{
		MaxCompensationAttempts: 3,
	}
}

// Machine чистый движок переходов саги. Не имеет собственного состояния:
// каждый вызов получает экземпляр и событие, возвращает новый экземпляр
// и список эффектов. Одинаковый вход всегда дает одинаковый выход.
type Machine struct {
	registry *Registry
	config   MachineConfig
	graph    *fsm.Machine
}

// NewMachine создает движок переходов
func NewMachine(registry *Registry, config MachineConfig) (*Machine, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid machine config: %w", err)
	}
	return &Machine{
		registry: registry,
		config:   config,
		graph:    StateGraph(),
	}, nil
}

// Start переводит сагу из PENDING в IN_PROGRESS и описывает публикацию
// команды первого шага
func (m *Machine) Start(instance *Instance, now time.Time) (*Instance, []Effect, error) {
	if instance.State != StatePending {
		return instance, nil, fmt.Errorf("saga %s: cannot start from state %s", instance.ID, instance.State)
	}
	definition, err := m.registry.GetVersion(instance.Type, instance.DefinitionVersion)
	if err != nil {
		return instance, nil, err
	}

	next, effects, err := m.applyStateTo(instance.Clone(), graphEventStart)
	if err != nil {
		return instance, nil, err
	}

	cmd := m.markSent(next, definition, 0, now)
	next.UpdatedAt = now

	effects = append(effects,
		NotifyLifecycle{EventType: EventSagaStarted},
		PublishCommand{Command: cmd},
	)
	return next, effects, nil
}

// Transition применяет событие шага к экземпляру. Дубликаты, устаревшие
// и не соответствующие текущему шагу события отклоняются с ErrStaleEvent
// без изменения экземпляра.
func (m *Machine) Transition(instance *Instance, event *transport.StepEvent, now time.Time) (*Instance, []Effect, error) {
	if err := event.Validate(); err != nil {
		return instance, nil, fmt.Errorf("invalid step event: %w", err)
	}
	if event.SagaID != instance.ID {
		return instance, nil, fmt.Errorf("event saga id %s does not match instance %s", event.SagaID, instance.ID)
	}
	if instance.State.IsTerminal() {
		return instance, nil, ErrStaleEvent
	}

	definition, err := m.registry.GetVersion(instance.Type, instance.DefinitionVersion)
	if err != nil {
		return instance, nil, err
	}

	switch instance.State {
	case StateInProgress:
		return m.applyForward(instance, definition, event, now)
	case StateCompensating:
		return m.applyCompensation(instance, definition, event, now)
	default:
		// PENDING: команды еще не публиковались, событию неоткуда взяться
		return instance, nil, ErrStaleEvent
	}
}

// applyForward обрабатывает событие прямого шага
func (m *Machine) applyForward(instance *Instance, definition *Definition, event *transport.StepEvent, now time.Time) (*Instance, []Effect, error) {
	if event.Compensating {
		return instance, nil, ErrStaleEvent
	}
	if event.StepSequence != instance.CurrentStep {
		return instance, nil, ErrStaleEvent
	}
	step, err := instance.Step(event.StepSequence)
	if err != nil {
		return instance, nil, err
	}
	if step.Status != StepStatusSent {
		return instance, nil, ErrStaleEvent
	}
	if !matchesAttempt(step, event) {
		return instance, nil, ErrStaleEvent
	}

	next := instance.Clone()
	record := &next.Steps[event.StepSequence]

	if event.Outcome == transport.OutcomeSuccess {
		record.Status = StepStatusCompleted
		record.ResultPayload = event.ResultPayload
		record.Deadline = nil
		completedAt := now
		record.CompletedAt = &completedAt
		next.UpdatedAt = now

		effects := []Effect{NotifyLifecycle{EventType: EventStepCompleted, StepName: record.Name}}

		if event.StepSequence == len(definition.Steps)-1 {
			next, stateEffects, err := m.applyStateTo(next, graphEventComplete)
			if err != nil {
				return instance, nil, err
			}
			return next, append(effects, stateEffects...), nil
		}

		next.CurrentStep = event.StepSequence + 1
		cmd := m.markSent(next, definition, next.CurrentStep, now)
		return next, append(effects, PublishCommand{Command: cmd}), nil
	}

	// FAILURE: фиксируем отказ шага и разворачиваем компенсацию
	record.Status = StepStatusFailed
	record.Error = event.Error
	record.Deadline = nil
	completedAt := now
	record.CompletedAt = &completedAt
	next.FailureReason = fmt.Sprintf("step %s failed: %s", record.Name, event.Error)
	next.UpdatedAt = now

	effects := []Effect{NotifyLifecycle{EventType: EventStepFailed, StepName: record.Name, Reason: event.Error}}
	next, compEffects, err := m.beginCompensation(next, definition, event.StepSequence-1, now)
	if err != nil {
		return instance, nil, err
	}
	return next, append(effects, compEffects...), nil
}

// applyCompensation обрабатывает событие компенсирующего шага
func (m *Machine) applyCompensation(instance *Instance, definition *Definition, event *transport.StepEvent, now time.Time) (*Instance, []Effect, error) {
	if !event.Compensating {
		// Запоздавшее событие прямого шага во время компенсации
		return instance, nil, ErrStaleEvent
	}
	if event.StepSequence != instance.CurrentStep {
		return instance, nil, ErrStaleEvent
	}
	step, err := instance.Step(event.StepSequence)
	if err != nil {
		return instance, nil, err
	}
	if step.Status != StepStatusCompensating {
		return instance, nil, ErrStaleEvent
	}
	if !matchesAttempt(step, event) {
		// Передоставка события прошлой попытки компенсации: активная
		// команда несет другой ключ, ее событие еще впереди
		return instance, nil, ErrStaleEvent
	}

	next := instance.Clone()
	record := &next.Steps[event.StepSequence]

	if event.Outcome == transport.OutcomeSuccess {
		record.Status = StepStatusCompensated
		record.Deadline = nil
		completedAt := now
		record.CompletedAt = &completedAt
		next.CompensationAttempts = 0
		next.UpdatedAt = now

		effects := []Effect{NotifyLifecycle{EventType: EventStepCompensated, StepName: record.Name}}
		next, contEffects, err := m.continueCompensation(next, definition, event.StepSequence-1, now)
		if err != nil {
			return instance, nil, err
		}
		return next, append(effects, contEffects...), nil
	}

	// FAILURE компенсации: повторяем до предела попыток
	next.CompensationAttempts++
	next.UpdatedAt = now
	if next.CompensationAttempts >= m.config.MaxCompensationAttempts {
		record.Status = StepStatusFailed
		record.Error = event.Error
		record.Deadline = nil
		next.FailureReason = fmt.Sprintf("compensation of step %s failed after %d attempts: %s",
			record.Name, next.CompensationAttempts, event.Error)
		next, effects, err := m.applyStateTo(next, graphEventExhausted)
		if err != nil {
			return instance, nil, err
		}
		return next, effects, nil
	}

	cmd := m.buildCompensationCommand(next, definition, event.StepSequence, next.CompensationAttempts, now)
	record.IdempotencyKey = cmd.IdempotencyKey
	deadline := now.Add(definition.StepTimeout(event.StepSequence))
	record.Deadline = &deadline
	return next, []Effect{PublishCommand{Command: cmd}}, nil
}

// matchesAttempt проверяет, что событие отвечает на активную команду шага.
// События без ключа считаются совпадающими ради старых обработчиков.
func matchesAttempt(step *StepRecord, event *transport.StepEvent) bool {
	if event.IdempotencyKey == "" || step.IdempotencyKey == "" {
		return true
	}
	return event.IdempotencyKey == step.IdempotencyKey
}

// beginCompensation переводит сагу в COMPENSATING, начиная с последнего
// завершенного шага. Если компенсировать нечего, сага сразу COMPENSATED.
func (m *Machine) beginCompensation(next *Instance, definition *Definition, fromSequence int, now time.Time) (*Instance, []Effect, error) {
	target := m.nextCompensationTarget(next, definition, fromSequence)
	if target < 0 {
		return m.applyStateTo(next, graphEventFailNoCompensation)
	}

	next, effects, err := m.applyStateTo(next, graphEventFail)
	if err != nil {
		return next, nil, err
	}
	cmd := m.markCompensating(next, definition, target, now)
	return next, append(effects, PublishCommand{Command: cmd}), nil
}

// continueCompensation продвигает компенсацию к следующему более раннему
// завершенному шагу или завершает сагу
func (m *Machine) continueCompensation(next *Instance, definition *Definition, fromSequence int, now time.Time) (*Instance, []Effect, error) {
	target := m.nextCompensationTarget(next, definition, fromSequence)
	if target < 0 {
		return m.applyStateTo(next, graphEventCompensated)
	}

	cmd := m.markCompensating(next, definition, target, now)
	return next, []Effect{PublishCommand{Command: cmd}}, nil
}

// nextCompensationTarget ищет ближайший завершенный шаг с компенсирующей
// командой, двигаясь к началу саги. Завершенные шаги без компенсации
// помечаются COMPENSATED без публикации команд.
func (m *Machine) nextCompensationTarget(next *Instance, definition *Definition, fromSequence int) int {
	for seq := fromSequence; seq >= 0; seq-- {
		record := &next.Steps[seq]
		if record.Status != StepStatusCompleted {
			continue
		}
		if definition.Steps[seq].CompensationCommand == "" {
			record.Status = StepStatusCompensated
			continue
		}
		return seq
	}
	return -1
}

// markSent помечает шаг отправленным и строит его прямую команду
func (m *Machine) markSent(next *Instance, definition *Definition, sequence int, now time.Time) transport.StepCommand {
	record := &next.Steps[sequence]
	record.Status = StepStatusSent
	record.IdempotencyKey = ForwardIdempotencyKey(next.ID, sequence)
	sentAt := now
	record.SentAt = &sentAt
	deadline := now.Add(definition.StepTimeout(sequence))
	record.Deadline = &deadline

	return transport.StepCommand{
		SagaID:         next.ID,
		StepSequence:   sequence,
		IdempotencyKey: ForwardIdempotencyKey(next.ID, sequence),
		Name:           definition.Steps[sequence].Command,
		Payload:        next.Payload,
		EmittedAt:      now,
	}
}

// markCompensating помечает шаг компенсируемым и строит компенсирующую
// команду. Полезная нагрузка компенсации содержит результат прямого шага,
// чтобы обработчик знал, что именно отменять.
func (m *Machine) markCompensating(next *Instance, definition *Definition, sequence int, now time.Time) transport.StepCommand {
	record := &next.Steps[sequence]
	record.Status = StepStatusCompensating
	deadline := now.Add(definition.StepTimeout(sequence))
	record.Deadline = &deadline
	next.CurrentStep = sequence
	next.CompensationAttempts = 0

	cmd := m.buildCompensationCommand(next, definition, sequence, 0, now)
	record.IdempotencyKey = cmd.IdempotencyKey
	return cmd
}

func (m *Machine) buildCompensationCommand(next *Instance, definition *Definition, sequence, attempt int, now time.Time) transport.StepCommand {
	payload := next.Steps[sequence].ResultPayload
	if len(payload) == 0 {
		payload = next.Payload
	}
	return transport.StepCommand{
		SagaID:         next.ID,
		StepSequence:   sequence,
		IdempotencyKey: CompensationIdempotencyKey(next.ID, sequence, attempt),
		Name:           definition.Steps[sequence].CompensationCommand,
		Payload:        payload,
		Compensating:   true,
		EmittedAt:      now,
	}
}

// applyStateTo применяет событие графа состояний и описывает событие
// жизненного цикла для терминальных переходов
func (m *Machine) applyStateTo(next *Instance, graphEvent fsm.Event) (*Instance, []Effect, error) {
	newState, err := m.graph.Next(fsm.State(next.State), graphEvent)
	if err != nil {
		return next, nil, fmt.Errorf("saga %s: %w", next.ID, err)
	}
	next.State = State(newState)

	var effects []Effect
	switch next.State {
	case StateCompleted:
		effects = append(effects, NotifyLifecycle{EventType: EventSagaCompleted})
	case StateCompensating:
		effects = append(effects, NotifyLifecycle{EventType: EventSagaCompensating, Reason: next.FailureReason})
	case StateCompensated:
		effects = append(effects, NotifyLifecycle{EventType: EventSagaCompensated})
	case StateFailed:
		effects = append(effects, NotifyLifecycle{EventType: EventSagaFailed, Reason: next.FailureReason})
	}
	return next, effects, nil
}
