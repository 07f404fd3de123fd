package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/akriventsev/sagaflow/core"
	"github.com/akriventsev/sagaflow/events"
	"github.com/akriventsev/sagaflow/invoke"
	"github.com/akriventsev/sagaflow/metrics"
	"github.com/akriventsev/sagaflow/transport"
)

// OrchestratorConfig конфигурация оркестратора
type OrchestratorConfig struct {
	// Workers число воркеров. Все события одной саги попадают в одну
	// очередь, поэтому мутации экземпляра сериализованы.
	Workers int
	// QueueSize емкость очереди каждого воркера
	QueueSize int
	// WatchdogInterval период сканирования дедлайнов шагов
	WatchdogInterval time.Duration
	// ConflictRetries число повторов обработки события при конфликте
	// версии хранилища
	ConflictRetries int
	// Machine конфигурация движка переходов
	Machine MachineConfig
}

// Validate проверяет корректность конфигурации
func (c OrchestratorConfig) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue size must be at least 1")
	}
	if c.WatchdogInterval <= 0 {
		return fmt.Errorf("watchdog interval must be positive")
	}
	return c.Machine.Validate()
}

// DefaultOrchestratorConfig возвращает конфигурацию оркестратора по умолчанию
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Workers:          8,
		QueueSize:        256,
		WatchdogInterval: time.Second,
		ConflictRetries:  3,
		Machine:          DefaultMachineConfig(),
	}
}

// ErrOrchestratorStopped оркестратор не принимает задания: он остановлен
// или еще не запущен. Сообщение шины при этом не подтверждается.
var ErrOrchestratorStopped = core.NewError(core.ErrUnavailable, "orchestrator is not running")

type jobKind int

const (
	jobStart jobKind = iota
	jobEvent
	jobResend
)

type job struct {
	kind   jobKind
	sagaID string
	event  *transport.StepEvent
}

// Orchestrator управляет жизненным циклом саг: запускает экземпляры,
// принимает события шагов из шины, применяет чистый движок переходов и
// исполняет описанные им эффекты. Хранилище обновляется до публикации
// команд, поэтому после сбоя прогресс восстанавливается только из
// сохраненного состояния.
type Orchestrator struct {
	registry   *Registry
	store      Store
	machine    *Machine
	bus        transport.MessageBus
	commandBus *invoke.AsyncCommandBus
	resolver   invoke.SubjectResolver
	serializer transport.MessageSerializer
	eventBus   events.EventBus
	metrics    *metrics.Metrics
	config     OrchestratorConfig

	queues   []chan job
	stopping chan struct{}
	workers  sync.WaitGroup
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	mu       sync.Mutex
	running  bool
}

// NewOrchestrator создает новый оркестратор
func NewOrchestrator(registry *Registry, store Store, bus transport.MessageBus, config OrchestratorConfig) (*Orchestrator, error) {
	if err := config.Validate(); err != nil {
		return nil, core.Wrap(err, core.ErrInvalidConfig, "invalid orchestrator config")
	}
	machine, err := NewMachine(registry, config.Machine)
	if err != nil {
		return nil, err
	}

	resolver := invoke.NewSagaSubjectResolver()
	return &Orchestrator{
		registry:   registry,
		store:      store,
		machine:    machine,
		bus:        bus,
		commandBus: invoke.NewAsyncCommandBus(bus).WithSubjectResolver(resolver),
		resolver:   resolver,
		serializer: invoke.DefaultSerializer(),
		config:     config,
	}, nil
}

// WithEventBus подключает шину событий жизненного цикла
func (o *Orchestrator) WithEventBus(eventBus events.EventBus) *Orchestrator {
	o.eventBus = eventBus
	return o
}

// WithMetrics подключает метрики
func (o *Orchestrator) WithMetrics(m *metrics.Metrics) *Orchestrator {
	o.metrics = m
	o.commandBus.WithMetrics(m)
	return o
}

// WithSubjectResolver устанавливает кастомный резолвер subject-ов
func (o *Orchestrator) WithSubjectResolver(resolver invoke.SubjectResolver) *Orchestrator {
	o.resolver = resolver
	o.commandBus.WithSubjectResolver(resolver)
	return o
}

// WithCommandPublisher направляет публикацию команд через отдельный
// Publisher, например транзакционный outbox. События шагов по-прежнему
// принимаются из основной шины.
func (o *Orchestrator) WithCommandPublisher(publisher transport.Publisher) *Orchestrator {
	o.commandBus = invoke.NewAsyncCommandBus(publisher).WithSubjectResolver(o.resolver)
	if o.metrics != nil {
		o.commandBus.WithMetrics(o.metrics)
	}
	return o
}

// Name возвращает имя компонента (реализация core.Component)
func (o *Orchestrator) Name() string {
	return "saga-orchestrator"
}

// Type возвращает тип компонента (реализация core.Component)
func (o *Orchestrator) Type() core.ComponentType {
	return core.ComponentTypeOrchestrator
}

// IsRunning проверяет, запущен ли оркестратор
func (o *Orchestrator) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Start запускает воркеры, подписки на события шагов и сторож таймаутов
// (реализация core.Lifecycle)
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.stopping = make(chan struct{})

	o.queues = make([]chan job, o.config.Workers)
	for i := 0; i < o.config.Workers; i++ {
		o.queues[i] = make(chan job, o.config.QueueSize)
		o.workers.Add(1)
		go o.worker(runCtx, o.queues[i], o.stopping)
	}

	subjects := []string{o.resolver.EventSubject(), o.resolver.CompensationEventSubject()}
	for _, subject := range subjects {
		if err := o.bus.Subscribe(ctx, subject, o.handleMessage, transport.WithQueue("saga-orchestrator")); err != nil {
			close(o.stopping)
			o.queues = nil
			cancel()
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
	}

	o.wg.Add(1)
	go o.watchdog(runCtx)

	o.running = true
	return nil
}

// Stop останавливает оркестратор, дожидаясь обработки принятых событий.
// Новые задания отклоняются сразу, очереди воркеров добираются до конца:
// подтвержденное шине событие не теряется (реализация core.Lifecycle)
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	queues := o.queues
	o.queues = nil
	stopping := o.stopping
	cancel := o.cancel
	o.mu.Unlock()

	_ = o.bus.Unsubscribe(o.resolver.EventSubject())
	_ = o.bus.Unsubscribe(o.resolver.CompensationEventSubject())

	close(stopping)

	drained := make(chan struct{})
	go func() {
		o.workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}

	// Задание могло проскочить в очередь между отклонением новых и
	// выходом воркера
	for _, queue := range queues {
	drain:
		for {
			select {
			case j := <-queue:
				if err := o.process(ctx, j); err != nil {
					log.Printf("saga orchestrator: saga %s: %v", j.sagaID, err)
				}
			default:
				break drain
			}
		}
	}

	cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartSaga создает и запускает новый экземпляр саги последней версии
// определения. Экземпляр сохраняется до публикации первой команды,
// запуск выполняется асинхронно.
func (o *Orchestrator) StartSaga(ctx context.Context, sagaType string, payload json.RawMessage) (*Instance, error) {
	definition, err := o.registry.Get(sagaType)
	if err != nil {
		return nil, err
	}

	instance := NewInstance(definition, payload)
	if err := o.store.Create(ctx, instance); err != nil {
		return nil, fmt.Errorf("failed to persist saga %s: %w", instance.ID, err)
	}

	if o.metrics != nil {
		o.metrics.RecordSagaStarted(ctx, sagaType)
	}

	if err := o.enqueue(job{kind: jobStart, sagaID: instance.ID}); err != nil {
		// Экземпляр сохранен и будет подхвачен Recover при следующем запуске
		return nil, fmt.Errorf("saga %s persisted but not dispatched: %w", instance.ID, err)
	}
	return instance.Clone(), nil
}

// GetSaga возвращает экземпляр саги по ID
func (o *Orchestrator) GetSaga(ctx context.Context, sagaID string) (*Instance, error) {
	return o.store.Get(ctx, sagaID)
}

// InFlight возвращает число незавершенных саг
func (o *Orchestrator) InFlight(ctx context.Context) (int, error) {
	return o.store.CountInFlight(ctx)
}

// OnEvent принимает событие шага и ставит его в очередь саги.
// Ошибка означает, что событие не принято и сообщение шины не должно
// подтверждаться.
func (o *Orchestrator) OnEvent(event *transport.StepEvent) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid step event: %w", err)
	}
	return o.enqueue(job{kind: jobEvent, sagaID: event.SagaID, event: event})
}

// Recover перезапускает незавершенные саги после рестарта процесса.
// Повторная отправка команд безопасна: ключи идемпотентности не меняются,
// обработчики вернут сохраненные результаты.
func (o *Orchestrator) Recover(ctx context.Context) error {
	instances, err := o.store.ListNonTerminal(ctx)
	if err != nil {
		return fmt.Errorf("failed to list non-terminal sagas: %w", err)
	}

	for _, instance := range instances {
		var err error
		switch instance.State {
		case StatePending:
			err = o.enqueue(job{kind: jobStart, sagaID: instance.ID})
		case StateInProgress, StateCompensating:
			err = o.enqueue(job{kind: jobResend, sagaID: instance.ID})
		}
		if err != nil {
			return fmt.Errorf("failed to requeue saga %s: %w", instance.ID, err)
		}
	}

	if len(instances) > 0 {
		log.Printf("saga orchestrator: recovering %d in-flight sagas", len(instances))
	}
	return nil
}

// handleMessage принимает сообщение события шага из шины
func (o *Orchestrator) handleMessage(ctx context.Context, msg *transport.Message) error {
	var event transport.StepEvent
	if err := o.serializer.Deserialize(msg.Data, &event); err != nil {
		return fmt.Errorf("failed to deserialize step event: %w", err)
	}
	return o.OnEvent(&event)
}

// enqueue направляет задание в очередь, закрепленную за сагой. После
// остановки оркестратора возвращает ErrOrchestratorStopped, не блокируясь
// на переполненной очереди.
func (o *Orchestrator) enqueue(j job) error {
	o.mu.Lock()
	queues := o.queues
	stopping := o.stopping
	o.mu.Unlock()

	if len(queues) == 0 {
		return ErrOrchestratorStopped
	}

	h := fnv.New32a()
	h.Write([]byte(j.sagaID))
	select {
	case queues[int(h.Sum32())%len(queues)] <- j:
		return nil
	case <-stopping:
		return ErrOrchestratorStopped
	}
}

func (o *Orchestrator) worker(ctx context.Context, queue chan job, stopping <-chan struct{}) {
	defer o.workers.Done()

	for {
		select {
		case j := <-queue:
			if err := o.process(ctx, j); err != nil {
				log.Printf("saga orchestrator: saga %s: %v", j.sagaID, err)
			}
		case <-stopping:
			// Добираем принятые задания перед выходом
			for {
				select {
				case j := <-queue:
					if err := o.process(ctx, j); err != nil {
						log.Printf("saga orchestrator: saga %s: %v", j.sagaID, err)
					}
				default:
					return
				}
			}
		}
	}
}

func (o *Orchestrator) process(ctx context.Context, j job) error {
	for attempt := 0; ; attempt++ {
		err := o.processOnce(ctx, j)
		if errors.Is(err, ErrVersionConflict) && attempt < o.config.ConflictRetries {
			continue
		}
		return err
	}
}

func (o *Orchestrator) processOnce(ctx context.Context, j job) error {
	instance, err := o.store.Get(ctx, j.sagaID)
	if err != nil {
		if errors.Is(err, ErrSagaNotFound) && j.kind == jobEvent {
			// Событие для неизвестной саги подтверждается и отбрасывается
			o.recordStale(ctx, "unknown_saga")
			return nil
		}
		return err
	}

	switch j.kind {
	case jobStart:
		return o.processStart(ctx, instance)
	case jobEvent:
		return o.processEvent(ctx, instance, j.event)
	case jobResend:
		return o.processResend(ctx, instance)
	}
	return nil
}

func (o *Orchestrator) processStart(ctx context.Context, instance *Instance) error {
	if instance.State != StatePending {
		return nil
	}

	next, effects, err := o.machine.Start(instance, time.Now())
	if err != nil {
		return err
	}
	if err := o.store.Update(ctx, next); err != nil {
		return err
	}
	o.executeEffects(ctx, next, effects)
	return nil
}

func (o *Orchestrator) processEvent(ctx context.Context, instance *Instance, event *transport.StepEvent) error {
	next, effects, err := o.machine.Transition(instance, event, time.Now())
	if err != nil {
		if errors.Is(err, ErrStaleEvent) {
			o.recordStale(ctx, "stale_or_duplicate")
			return nil
		}
		return err
	}
	if err := o.store.Update(ctx, next); err != nil {
		return err
	}
	o.executeEffects(ctx, next, effects)
	return nil
}

// processResend повторно публикует команду активного шага после рестарта.
// Состояние не меняется, обновляется только дедлайн шага.
func (o *Orchestrator) processResend(ctx context.Context, instance *Instance) error {
	definition, err := o.registry.GetVersion(instance.Type, instance.DefinitionVersion)
	if err != nil {
		return err
	}

	step, err := instance.Step(instance.CurrentStep)
	if err != nil {
		return err
	}

	now := time.Now()
	var cmd transport.StepCommand

	switch {
	case instance.State == StateInProgress && step.Status == StepStatusSent:
		cmd = transport.StepCommand{
			SagaID:         instance.ID,
			StepSequence:   step.Sequence,
			IdempotencyKey: ForwardIdempotencyKey(instance.ID, step.Sequence),
			Name:           definition.Steps[step.Sequence].Command,
			Payload:        instance.Payload,
			EmittedAt:      now,
		}
	case instance.State == StateCompensating && step.Status == StepStatusCompensating:
		cmd = o.machine.buildCompensationCommand(instance, definition, step.Sequence, instance.CompensationAttempts, now)
	default:
		return nil
	}

	next := instance.Clone()
	next.Steps[step.Sequence].IdempotencyKey = cmd.IdempotencyKey
	deadline := now.Add(definition.StepTimeout(step.Sequence))
	next.Steps[step.Sequence].Deadline = &deadline
	next.UpdatedAt = now
	if err := o.store.Update(ctx, next); err != nil {
		return err
	}

	o.executeEffects(ctx, next, []Effect{PublishCommand{Command: cmd}})
	return nil
}

// watchdog превращает просроченные дедлайны шагов в синтетические события
// отказа, проходящие через общий путь обработки
func (o *Orchestrator) watchdog(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.config.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.scanDeadlines(ctx)
		}
	}
}

func (o *Orchestrator) scanDeadlines(ctx context.Context) {
	instances, err := o.store.ListNonTerminal(ctx)
	if err != nil {
		log.Printf("saga orchestrator: watchdog: %v", err)
		return
	}

	now := time.Now()
	for _, instance := range instances {
		step, err := instance.Step(instance.CurrentStep)
		if err != nil || step.Deadline == nil || step.Deadline.After(now) {
			continue
		}

		var compensating bool
		switch {
		case instance.State == StateInProgress && step.Status == StepStatusSent:
			compensating = false
		case instance.State == StateCompensating && step.Status == StepStatusCompensating:
			compensating = true
		default:
			continue
		}

		if o.metrics != nil {
			o.metrics.RecordStepTimeout(ctx, step.Name)
		}
		timeoutJob := job{
			kind:   jobEvent,
			sagaID: instance.ID,
			event: &transport.StepEvent{
				SagaID:         instance.ID,
				StepSequence:   step.Sequence,
				IdempotencyKey: step.IdempotencyKey,
				Outcome:        transport.OutcomeFailure,
				Error:          "step timed out",
				Compensating:   compensating,
				OccurredAt:     now,
			},
		}
		if err := o.enqueue(timeoutJob); err != nil {
			return
		}
	}
}

// executeEffects исполняет эффекты перехода после сохранения экземпляра
func (o *Orchestrator) executeEffects(ctx context.Context, instance *Instance, effects []Effect) {
	for _, effect := range effects {
		switch e := effect.(type) {
		case PublishCommand:
			cmd := e.Command
			metadata := transport.NewBaseCommandMetadata(
				invoke.GenerateCommandID(), instance.CorrelationID, "")
			if err := o.commandBus.SendAsync(ctx, &cmd, metadata); err != nil {
				// Команда будет переотправлена сторожем после дедлайна шага
				log.Printf("saga orchestrator: failed to publish command %s for saga %s: %v",
					cmd.Name, instance.ID, err)
			}
		case NotifyLifecycle:
			o.notifyLifecycle(ctx, instance, e)
		}
	}
}

func (o *Orchestrator) notifyLifecycle(ctx context.Context, instance *Instance, effect NotifyLifecycle) {
	if o.metrics != nil {
		switch effect.EventType {
		case EventSagaCompleted, EventSagaCompensated, EventSagaFailed:
			o.metrics.RecordSagaFinished(ctx, instance.Type, string(instance.State), time.Since(instance.CreatedAt))
		case EventStepCompleted:
			o.recordStepMetric(ctx, instance, effect.StepName, "success")
		case EventStepFailed:
			o.recordStepMetric(ctx, instance, effect.StepName, "failure")
		case EventStepCompensated:
			o.metrics.RecordCompensation(ctx, effect.StepName, "success")
		}
	}

	if o.eventBus == nil {
		return
	}

	var event events.Event
	switch effect.EventType {
	case EventSagaStarted:
		event = NewSagaStartedEvent(instance)
	case EventSagaCompleted:
		event = NewSagaCompletedEvent(instance)
	case EventSagaCompensating:
		event = NewSagaCompensatingEvent(instance, effect.Reason)
	case EventSagaCompensated:
		event = NewSagaCompensatedEvent(instance)
	case EventSagaFailed:
		event = NewSagaFailedEvent(instance, effect.Reason)
	default:
		event = NewStepLifecycleEvent(effect.EventType, instance, effect.StepName, effect.Reason)
	}

	if err := o.eventBus.Publish(ctx, event); err != nil {
		log.Printf("saga orchestrator: failed to publish lifecycle event %s: %v", effect.EventType, err)
	}
}

func (o *Orchestrator) recordStepMetric(ctx context.Context, instance *Instance, stepName, outcome string) {
	var duration time.Duration
	for _, step := range instance.Steps {
		if step.Name == stepName && step.SentAt != nil && step.CompletedAt != nil {
			duration = step.CompletedAt.Sub(*step.SentAt)
			break
		}
	}
	o.metrics.RecordStep(ctx, stepName, outcome, duration)
}

func (o *Orchestrator) recordStale(ctx context.Context, reason string) {
	if o.metrics != nil {
		o.metrics.RecordStaleEvent(ctx, reason)
	}
}
