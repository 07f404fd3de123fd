package events

import (
	"context"
	"testing"
)

func TestInMemoryEventBus_PublishSubscribe(t *testing.T) {
	bus := NewInMemoryEventBus()

	received := make([]Event, 0)
	handler := &EventHandlerFunc{
		Type: "SagaStarted",
		Fn: func(ctx context.Context, event Event) error {
			received = append(received, event)
			return nil
		},
	}

	if err := bus.Subscribe("SagaStarted", handler); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	event := NewBaseEvent("SagaStarted", "saga-1").WithCorrelationID("corr-1")
	if err := bus.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if len(received) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(received))
	}
	if received[0].AggregateID() != "saga-1" {
		t.Errorf("Expected aggregate saga-1, got %s", received[0].AggregateID())
	}
	if received[0].Metadata().CorrelationID() != "corr-1" {
		t.Errorf("Expected correlation corr-1, got %s", received[0].Metadata().CorrelationID())
	}
}

func TestInMemoryEventBus_WildcardSubscription(t *testing.T) {
	bus := NewInMemoryEventBus()

	count := 0
	handler := &EventHandlerFunc{
		Type: WildcardEventType,
		Fn: func(ctx context.Context, event Event) error {
			count++
			return nil
		},
	}

	if err := bus.Subscribe(WildcardEventType, handler); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ctx := context.Background()
	_ = bus.Publish(ctx, NewBaseEvent("SagaStarted", "saga-1"))
	_ = bus.Publish(ctx, NewBaseEvent("SagaCompleted", "saga-1"))

	if count != 2 {
		t.Errorf("Expected wildcard handler to see 2 events, got %d", count)
	}
}

func TestInMemoryEventBus_Unsubscribe(t *testing.T) {
	bus := NewInMemoryEventBus()

	count := 0
	handler := &EventHandlerFunc{
		Type: "StepCompleted",
		Fn: func(ctx context.Context, event Event) error {
			count++
			return nil
		},
	}

	if err := bus.Subscribe("StepCompleted", handler); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := bus.Unsubscribe("StepCompleted", handler); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}

	_ = bus.Publish(context.Background(), NewBaseEvent("StepCompleted", "saga-1"))

	if count != 0 {
		t.Errorf("Expected no deliveries after unsubscribe, got %d", count)
	}
}

func TestInMemoryEventBus_PublishAfterShutdown(t *testing.T) {
	bus := NewInMemoryEventBus()

	if err := bus.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if err := bus.Publish(context.Background(), NewBaseEvent("SagaStarted", "saga-1")); err == nil {
		t.Error("Expected publish to fail after shutdown")
	}
}
