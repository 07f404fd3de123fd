package saga

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/akriventsev/sagaflow/adapters/messagebus"
	"github.com/akriventsev/sagaflow/events"
	"github.com/akriventsev/sagaflow/transport"
)

// stepOutcome описывает ответ заглушки обработчика на команду
type stepOutcome struct {
	outcome      transport.Outcome
	errorMessage string
	result       json.RawMessage
	silent       bool
}

// stubHandlers заглушка обработчиков шагов: подписывается на команды,
// запоминает их и публикует события по таблице исходов
type stubHandlers struct {
	bus transport.MessageBus

	mu       sync.Mutex
	outcomes map[string]stepOutcome
	received []transport.StepCommand
}

func newStubHandlers(t *testing.T, bus transport.MessageBus) *stubHandlers {
	t.Helper()

	h := &stubHandlers{bus: bus, outcomes: make(map[string]stepOutcome)}
	err := bus.Subscribe(context.Background(), "sagas.commands.*", h.handle)
	if err != nil {
		t.Fatalf("failed to subscribe stub handlers: %v", err)
	}
	return h
}

func (h *stubHandlers) set(commandName string, outcome stepOutcome) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.outcomes[commandName] = outcome
}

func (h *stubHandlers) commands(commandName string) []transport.StepCommand {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []transport.StepCommand
	for _, cmd := range h.received {
		if cmd.Name == commandName {
			out = append(out, cmd)
		}
	}
	return out
}

func (h *stubHandlers) handle(ctx context.Context, msg *transport.Message) error {
	var cmd transport.StepCommand
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		return err
	}

	h.mu.Lock()
	h.received = append(h.received, cmd)
	outcome, ok := h.outcomes[cmd.Name]
	h.mu.Unlock()

	if !ok {
		outcome = stepOutcome{outcome: transport.OutcomeSuccess}
	}
	if outcome.silent {
		return nil
	}

	event := transport.StepEvent{
		SagaID:         cmd.SagaID,
		StepSequence:   cmd.StepSequence,
		IdempotencyKey: cmd.IdempotencyKey,
		Outcome:        outcome.outcome,
		ResultPayload:  outcome.result,
		Error:          outcome.errorMessage,
		Compensating:   cmd.Compensating,
		OccurredAt:     time.Now(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	subject := "sagas.events"
	if cmd.Compensating {
		subject = "sagas.compensations"
	}
	return h.bus.Publish(ctx, subject, data, nil)
}

func orderCheckoutDefinition(t *testing.T) *Definition {
	t.Helper()

	_, definition := checkoutDefinition(t)
	return definition
}

type orchestratorHarness struct {
	bus          *messagebus.InMemoryAdapter
	registry     *Registry
	store        Store
	orchestrator *Orchestrator
	handlers     *stubHandlers
}

func newOrchestratorHarness(t *testing.T, definition *Definition, config OrchestratorConfig) *orchestratorHarness {
	t.Helper()

	bus := messagebus.NewInMemoryAdapter(messagebus.DefaultInMemoryConfig())
	if err := bus.Start(context.Background()); err != nil {
		t.Fatalf("failed to start bus: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = bus.Stop(ctx)
	})

	registry := NewRegistry()
	if _, err := registry.Register(definition); err != nil {
		t.Fatalf("failed to register definition: %v", err)
	}

	store := NewInMemoryStore()
	handlers := newStubHandlers(t, bus)

	orchestrator, err := NewOrchestrator(registry, store, bus, config)
	if err != nil {
		t.Fatalf("failed to create orchestrator: %v", err)
	}
	orchestrator = orchestrator.WithEventBus(events.NewInMemoryEventBus())

	if err := orchestrator.Start(context.Background()); err != nil {
		t.Fatalf("failed to start orchestrator: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = orchestrator.Stop(ctx)
	})

	return &orchestratorHarness{
		bus:          bus,
		registry:     registry,
		store:        store,
		orchestrator: orchestrator,
		handlers:     handlers,
	}
}

func waitForTerminal(t *testing.T, store Store, sagaID string, timeout time.Duration) *Instance {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		instance, err := store.Get(context.Background(), sagaID)
		if err != nil {
			t.Fatalf("failed to get saga: %v", err)
		}
		if instance.State.IsTerminal() {
			return instance
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("saga %s did not reach a terminal state within %v", sagaID, timeout)
	return nil
}

func TestOrchestratorCompletesSaga(t *testing.T) {
	h := newOrchestratorHarness(t, orderCheckoutDefinition(t), DefaultOrchestratorConfig())

	instance, err := h.orchestrator.StartSaga(context.Background(), "OrderCheckout", json.RawMessage(`{"order_id":"o-1"}`))
	if err != nil {
		t.Fatalf("StartSaga failed: %v", err)
	}

	final := waitForTerminal(t, h.store, instance.ID, 3*time.Second)
	if final.State != StateCompleted {
		t.Fatalf("expected COMPLETED, got %s (reason %q)", final.State, final.FailureReason)
	}
	for _, step := range final.Steps {
		if step.Status != StepStatusCompleted {
			t.Errorf("step %s: expected COMPLETED, got %s", step.Name, step.Status)
		}
	}

	for _, name := range []string{"reserve_inventory", "charge_payment", "confirm_order"} {
		if got := len(h.handlers.commands(name)); got != 1 {
			t.Errorf("expected exactly one %s command, got %d", name, got)
		}
	}

	inFlight, err := h.orchestrator.InFlight(context.Background())
	if err != nil {
		t.Fatalf("InFlight failed: %v", err)
	}
	if inFlight != 0 {
		t.Errorf("expected 0 in-flight sagas, got %d", inFlight)
	}
}

func TestOrchestratorCompensatesOnStepFailure(t *testing.T) {
	h := newOrchestratorHarness(t, orderCheckoutDefinition(t), DefaultOrchestratorConfig())
	h.handlers.set("reserve_inventory", stepOutcome{
		outcome: transport.OutcomeSuccess,
		result:  json.RawMessage(`{"reservation_id":"r-7"}`),
	})
	h.handlers.set("charge_payment", stepOutcome{
		outcome:      transport.OutcomeFailure,
		errorMessage: "card declined",
	})

	instance, err := h.orchestrator.StartSaga(context.Background(), "OrderCheckout", json.RawMessage(`{"order_id":"o-2"}`))
	if err != nil {
		t.Fatalf("StartSaga failed: %v", err)
	}

	final := waitForTerminal(t, h.store, instance.ID, 3*time.Second)
	if final.State != StateCompensated {
		t.Fatalf("expected COMPENSATED, got %s", final.State)
	}
	if !strings.Contains(final.FailureReason, "card declined") {
		t.Errorf("expected failure reason to mention card declined, got %q", final.FailureReason)
	}

	releases := h.handlers.commands("release_inventory")
	if len(releases) != 1 {
		t.Fatalf("expected exactly one release_inventory command, got %d", len(releases))
	}
	if !releases[0].Compensating {
		t.Error("expected compensation command to carry the compensating flag")
	}
	if string(releases[0].Payload) != `{"reservation_id":"r-7"}` {
		t.Errorf("expected compensation payload from step result, got %s", releases[0].Payload)
	}
	if got := len(h.handlers.commands("refund_payment")); got != 0 {
		t.Errorf("expected no refund_payment commands for a never-charged payment, got %d", got)
	}
	if got := len(h.handlers.commands("confirm_order")); got != 0 {
		t.Errorf("expected no confirm_order commands, got %d", got)
	}
}

func TestOrchestratorIgnoresDuplicateEvents(t *testing.T) {
	h := newOrchestratorHarness(t, orderCheckoutDefinition(t), DefaultOrchestratorConfig())

	instance, err := h.orchestrator.StartSaga(context.Background(), "OrderCheckout", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("StartSaga failed: %v", err)
	}

	final := waitForTerminal(t, h.store, instance.ID, 3*time.Second)
	if final.State != StateCompleted {
		t.Fatalf("expected COMPLETED, got %s", final.State)
	}

	// Повторная доставка события уже завершенного шага не должна менять сагу
	duplicate := transport.StepEvent{
		SagaID:       instance.ID,
		StepSequence: 0,
		Outcome:      transport.OutcomeSuccess,
		OccurredAt:   time.Now(),
	}
	data, err := json.Marshal(duplicate)
	if err != nil {
		t.Fatalf("failed to marshal event: %v", err)
	}
	if err := h.bus.Publish(context.Background(), "sagas.events", data, nil); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	after, err := h.store.Get(context.Background(), instance.ID)
	if err != nil {
		t.Fatalf("failed to get saga: %v", err)
	}
	if after.State != StateCompleted {
		t.Errorf("duplicate event changed state to %s", after.State)
	}
	if after.Version != final.Version {
		t.Errorf("duplicate event bumped version from %d to %d", final.Version, after.Version)
	}
	if got := len(h.handlers.commands("charge_payment")); got != 1 {
		t.Errorf("duplicate event re-sent charge_payment: %d commands", got)
	}
}

func TestOrchestratorWatchdogFailsTimedOutStep(t *testing.T) {
	definition, err := NewDefinition("OrderCheckout").
		StepWithTimeout("reserve_inventory", "reserve_inventory", "release_inventory", 5*time.Second).
		StepWithTimeout("charge_payment", "charge_payment", "refund_payment", 60*time.Millisecond).
		Step("confirm_order", "confirm_order", "").
		Build()
	if err != nil {
		t.Fatalf("failed to build definition: %v", err)
	}

	config := DefaultOrchestratorConfig()
	config.WatchdogInterval = 20 * time.Millisecond

	h := newOrchestratorHarness(t, definition, config)
	h.handlers.set("charge_payment", stepOutcome{silent: true})

	instance, err := h.orchestrator.StartSaga(context.Background(), "OrderCheckout", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("StartSaga failed: %v", err)
	}

	final := waitForTerminal(t, h.store, instance.ID, 3*time.Second)
	if final.State != StateCompensated {
		t.Fatalf("expected COMPENSATED after step timeout, got %s", final.State)
	}
	if !strings.Contains(final.FailureReason, "timed out") {
		t.Errorf("expected timeout failure reason, got %q", final.FailureReason)
	}
	if got := len(h.handlers.commands("release_inventory")); got != 1 {
		t.Errorf("expected exactly one release_inventory command, got %d", got)
	}
}

func TestOrchestratorRecoverResendsPendingCommand(t *testing.T) {
	h := newOrchestratorHarness(t, orderCheckoutDefinition(t), DefaultOrchestratorConfig())

	// Обработчик молчит: сага застревает на первом шаге, как после
	// сбоя между публикацией команды и получением события
	h.handlers.set("reserve_inventory", stepOutcome{silent: true})

	instance, err := h.orchestrator.StartSaga(context.Background(), "OrderCheckout", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("StartSaga failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		current, err := h.store.Get(context.Background(), instance.ID)
		if err != nil {
			t.Fatalf("failed to get saga: %v", err)
		}
		if current.State == StateInProgress {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	h.handlers.set("reserve_inventory", stepOutcome{outcome: transport.OutcomeSuccess})

	if err := h.orchestrator.Recover(context.Background()); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	final := waitForTerminal(t, h.store, instance.ID, 3*time.Second)
	if final.State != StateCompleted {
		t.Fatalf("expected COMPLETED after recovery, got %s", final.State)
	}

	reserves := h.handlers.commands("reserve_inventory")
	if len(reserves) < 2 {
		t.Fatalf("expected the reserve_inventory command to be re-sent, got %d deliveries", len(reserves))
	}
	for _, cmd := range reserves {
		if cmd.IdempotencyKey != ForwardIdempotencyKey(instance.ID, 0) {
			t.Errorf("re-sent command changed idempotency key: %s", cmd.IdempotencyKey)
		}
	}
}

func TestOrchestratorStopDrainsAcceptedEvents(t *testing.T) {
	config := DefaultOrchestratorConfig()
	config.Workers = 1

	h := newOrchestratorHarness(t, orderCheckoutDefinition(t), config)
	h.handlers.set("reserve_inventory", stepOutcome{silent: true})
	h.handlers.set("charge_payment", stepOutcome{silent: true})

	instance, err := h.orchestrator.StartSaga(context.Background(), "OrderCheckout", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("StartSaga failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		current, err := h.store.Get(context.Background(), instance.ID)
		if err != nil {
			t.Fatalf("failed to get saga: %v", err)
		}
		if current.State == StateInProgress {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Событие принято в очередь непосредственно перед остановкой:
	// Stop обязан применить его, а не отбросить
	current, err := h.store.Get(context.Background(), instance.ID)
	if err != nil {
		t.Fatalf("failed to get saga: %v", err)
	}
	event := &transport.StepEvent{
		SagaID:         instance.ID,
		StepSequence:   0,
		IdempotencyKey: current.Steps[0].IdempotencyKey,
		Outcome:        transport.OutcomeSuccess,
		ResultPayload:  json.RawMessage(`{"reservation_id":"r-1"}`),
		OccurredAt:     time.Now(),
	}
	if err := h.orchestrator.OnEvent(event); err != nil {
		t.Fatalf("OnEvent failed: %v", err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.orchestrator.Stop(stopCtx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	after, err := h.store.Get(context.Background(), instance.ID)
	if err != nil {
		t.Fatalf("failed to get saga: %v", err)
	}
	if after.Steps[0].Status != StepStatusCompleted {
		t.Errorf("expected step 0 COMPLETED after drain, got %s", after.Steps[0].Status)
	}
	if after.CurrentStep != 1 {
		t.Errorf("expected current step 1 after drain, got %d", after.CurrentStep)
	}
}

func TestOrchestratorRejectsEventsAfterStop(t *testing.T) {
	h := newOrchestratorHarness(t, orderCheckoutDefinition(t), DefaultOrchestratorConfig())

	instance, err := h.orchestrator.StartSaga(context.Background(), "OrderCheckout", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("StartSaga failed: %v", err)
	}
	waitForTerminal(t, h.store, instance.ID, 3*time.Second)

	stopCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.orchestrator.Stop(stopCtx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	// Непринятое событие должно вернуться ошибкой, а не потеряться молча
	event := &transport.StepEvent{
		SagaID:       instance.ID,
		StepSequence: 0,
		Outcome:      transport.OutcomeSuccess,
		OccurredAt:   time.Now(),
	}
	if err := h.orchestrator.OnEvent(event); !errors.Is(err, ErrOrchestratorStopped) {
		t.Errorf("expected ErrOrchestratorStopped, got %v", err)
	}
	if _, err := h.orchestrator.StartSaga(context.Background(), "OrderCheckout", json.RawMessage(`{}`)); err == nil {
		t.Error("expected StartSaga to fail after Stop")
	}
}

func TestOrchestratorRecoverRestartsPendingSaga(t *testing.T) {
	h := newOrchestratorHarness(t, orderCheckoutDefinition(t), DefaultOrchestratorConfig())

	// Сага, сохраненная до сбоя, но так и не запущенная
	definition, err := h.registry.Get("OrderCheckout")
	if err != nil {
		t.Fatalf("failed to get definition: %v", err)
	}
	stalled := NewInstance(definition, json.RawMessage(`{}`))
	if err := h.store.Create(context.Background(), stalled); err != nil {
		t.Fatalf("failed to create saga: %v", err)
	}

	if err := h.orchestrator.Recover(context.Background()); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	final := waitForTerminal(t, h.store, stalled.ID, 3*time.Second)
	if final.State != StateCompleted {
		t.Fatalf("expected COMPLETED after recovery, got %s", final.State)
	}
}
