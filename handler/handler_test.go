package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/akriventsev/sagaflow/adapters/messagebus"
	"github.com/akriventsev/sagaflow/ledger"
	"github.com/akriventsev/sagaflow/transport"
)

type eventCollector struct {
	mu     sync.Mutex
	events []transport.StepEvent
}

func newEventCollector(t *testing.T, bus transport.MessageBus, subjects ...string) *eventCollector {
	t.Helper()

	c := &eventCollector{}
	for _, subject := range subjects {
		err := bus.Subscribe(context.Background(), subject, func(ctx context.Context, msg *transport.Message) error {
			var event transport.StepEvent
			if err := json.Unmarshal(msg.Data, &event); err != nil {
				return err
			}
			c.mu.Lock()
			c.events = append(c.events, event)
			c.mu.Unlock()
			return nil
		})
		if err != nil {
			t.Fatalf("failed to subscribe collector: %v", err)
		}
	}
	return c
}

func (c *eventCollector) snapshot() []transport.StepEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]transport.StepEvent, len(c.events))
	copy(out, c.events)
	return out
}

func (c *eventCollector) waitForCount(t *testing.T, n int, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		count := len(c.events)
		c.mu.Unlock()
		if count >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d events before timeout", n)
}

func startedBus(t *testing.T) *messagebus.InMemoryAdapter {
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
	return bus
}

func publishCommand(t *testing.T, bus transport.MessageBus, cmd transport.StepCommand) {
	t.Helper()

	data, err := json.Marshal(&cmd)
	if err != nil {
		t.Fatalf("failed to marshal command: %v", err)
	}
	subject := fmt.Sprintf("sagas.commands.%s", cmd.Name)
	if err := bus.Publish(context.Background(), subject, data, nil); err != nil {
		t.Fatalf("failed to publish command: %v", err)
	}
}

func TestStepHandlerExecutesEffectOncePerKey(t *testing.T) {
	bus := startedBus(t)
	collector := newEventCollector(t, bus, "sagas.events")

	var mu sync.Mutex
	executions := 0
	h := NewStepHandler("inventory-service", bus, ledger.NewInMemoryLedger()).
		Handle("reserve_inventory", func(ctx context.Context, cmd *transport.StepCommand) (json.RawMessage, error) {
			mu.Lock()
			executions++
			mu.Unlock()
			return json.RawMessage(`{"reservation_id":"r-1"}`), nil
		})
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() { _ = h.Stop(context.Background()) }()

	cmd := transport.StepCommand{
		SagaID:         "saga-1",
		StepSequence:   0,
		IdempotencyKey: "saga-1:0",
		Name:           "reserve_inventory",
		Payload:        json.RawMessage(`{"order_id":"o-1"}`),
		EmittedAt:      time.Now(),
	}

	const deliveries = 3
	for i := 0; i < deliveries; i++ {
		publishCommand(t, bus, cmd)
	}

	collector.waitForCount(t, deliveries, 2*time.Second)

	mu.Lock()
	if executions != 1 {
		t.Errorf("expected effect to run exactly once, ran %d times", executions)
	}
	mu.Unlock()

	for _, event := range collector.snapshot() {
		if event.Outcome != transport.OutcomeSuccess {
			t.Errorf("expected SUCCESS event, got %s", event.Outcome)
		}
		if string(event.ResultPayload) != `{"reservation_id":"r-1"}` {
			t.Errorf("redelivered event lost the stored result: %s", event.ResultPayload)
		}
		if event.SagaID != "saga-1" || event.StepSequence != 0 {
			t.Errorf("event misrouted: %+v", event)
		}
		// Событие отвечает на команду ее же ключом идемпотентности
		if event.IdempotencyKey != "saga-1:0" {
			t.Errorf("expected event to echo the command key, got %q", event.IdempotencyKey)
		}
	}
}

func TestStepHandlerReplaysStoredFailure(t *testing.T) {
	bus := startedBus(t)
	collector := newEventCollector(t, bus, "sagas.events")

	var mu sync.Mutex
	executions := 0
	h := NewStepHandler("payment-service", bus, ledger.NewInMemoryLedger()).
		Handle("charge_payment", func(ctx context.Context, cmd *transport.StepCommand) (json.RawMessage, error) {
			mu.Lock()
			executions++
			mu.Unlock()
			return nil, errors.New("card declined")
		})
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() { _ = h.Stop(context.Background()) }()

	cmd := transport.StepCommand{
		SagaID:         "saga-2",
		StepSequence:   1,
		IdempotencyKey: "saga-2:1",
		Name:           "charge_payment",
		EmittedAt:      time.Now(),
	}
	publishCommand(t, bus, cmd)
	publishCommand(t, bus, cmd)

	collector.waitForCount(t, 2, 2*time.Second)

	mu.Lock()
	if executions != 1 {
		t.Errorf("expected effect to run exactly once, ran %d times", executions)
	}
	mu.Unlock()

	for _, event := range collector.snapshot() {
		if event.Outcome != transport.OutcomeFailure {
			t.Errorf("expected FAILURE event, got %s", event.Outcome)
		}
		if event.Error != "card declined" {
			t.Errorf("expected stored error message, got %q", event.Error)
		}
	}
}

func TestStepHandlerRoutesCompensationEvents(t *testing.T) {
	bus := startedBus(t)
	forward := newEventCollector(t, bus, "sagas.events")
	compensation := newEventCollector(t, bus, "sagas.compensations")

	h := NewStepHandler("inventory-service", bus, ledger.NewInMemoryLedger()).
		Handle("release_inventory", func(ctx context.Context, cmd *transport.StepCommand) (json.RawMessage, error) {
			return nil, nil
		})
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() { _ = h.Stop(context.Background()) }()

	publishCommand(t, bus, transport.StepCommand{
		SagaID:         "saga-3",
		StepSequence:   0,
		IdempotencyKey: "saga-3:0:comp",
		Name:           "release_inventory",
		Compensating:   true,
		EmittedAt:      time.Now(),
	})

	compensation.waitForCount(t, 1, 2*time.Second)

	events := compensation.snapshot()
	if !events[0].Compensating {
		t.Error("expected compensating flag on the event")
	}
	if len(forward.snapshot()) != 0 {
		t.Error("compensation event leaked into the forward event channel")
	}
}

func TestStepHandlerSkipsInFlightKey(t *testing.T) {
	bus := startedBus(t)
	collector := newEventCollector(t, bus, "sagas.events")

	idempotency := ledger.NewInMemoryLedger()
	// Ключ уже захвачен другой доставкой, эффект которой еще выполняется
	claimed, _, err := idempotency.Claim(context.Background(), "saga-4:0")
	if err != nil || !claimed {
		t.Fatalf("failed to pre-claim key: claimed=%v err=%v", claimed, err)
	}

	executions := 0
	h := NewStepHandler("inventory-service", bus, idempotency).
		Handle("reserve_inventory", func(ctx context.Context, cmd *transport.StepCommand) (json.RawMessage, error) {
			executions++
			return nil, nil
		})
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() { _ = h.Stop(context.Background()) }()

	publishCommand(t, bus, transport.StepCommand{
		SagaID:         "saga-4",
		StepSequence:   0,
		IdempotencyKey: "saga-4:0",
		Name:           "reserve_inventory",
		EmittedAt:      time.Now(),
	})

	time.Sleep(100 * time.Millisecond)

	if executions != 0 {
		t.Errorf("effect ran for an in-flight key: %d times", executions)
	}
	if got := len(collector.snapshot()); got != 0 {
		t.Errorf("expected no events for an in-flight key, got %d", got)
	}
}

func TestStepHandlerStartWithoutCommands(t *testing.T) {
	bus := startedBus(t)

	h := NewStepHandler("empty-service", bus, ledger.NewInMemoryLedger())
	if err := h.Start(context.Background()); err == nil {
		t.Error("expected error when starting a handler with no commands")
	}
}
