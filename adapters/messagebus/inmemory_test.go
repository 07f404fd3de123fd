package messagebus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/akriventsev/sagaflow/transport"
)

func startedAdapter(t *testing.T) *InMemoryAdapter {
	t.Helper()

	adapter := NewInMemoryAdapter(DefaultInMemoryConfig())
	if err := adapter.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = adapter.Stop(ctx)
	})
	return adapter
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestInMemoryAdapterPreservesSubjectOrder(t *testing.T) {
	adapter := startedAdapter(t)
	ctx := context.Background()

	var mu sync.Mutex
	var received []string
	err := adapter.Subscribe(ctx, "orders.events", func(ctx context.Context, msg *transport.Message) error {
		mu.Lock()
		received = append(received, string(msg.Data))
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	const total = 50
	for i := 0; i < total; i++ {
		if err := adapter.Publish(ctx, "orders.events", []byte(fmt.Sprintf("msg-%d", i)), nil); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == total
	})

	mu.Lock()
	defer mu.Unlock()
	for i, got := range received {
		if want := fmt.Sprintf("msg-%d", i); got != want {
			t.Fatalf("out of order at %d: got %s, want %s", i, got, want)
		}
	}
}

func TestInMemoryAdapterQueueGroupDeliversOnce(t *testing.T) {
	adapter := startedAdapter(t)
	ctx := context.Background()

	var mu sync.Mutex
	counts := make(map[string]int)
	for _, name := range []string{"a", "b"} {
		member := name
		err := adapter.Subscribe(ctx, "work", func(ctx context.Context, msg *transport.Message) error {
			mu.Lock()
			counts[member]++
			mu.Unlock()
			return nil
		}, transport.WithQueue("workers"))
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
	}

	const total = 10
	for i := 0; i < total; i++ {
		if err := adapter.Publish(ctx, "work", []byte("job"), nil); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return counts["a"]+counts["b"] == total
	})

	mu.Lock()
	defer mu.Unlock()
	if counts["a"]+counts["b"] != total {
		t.Errorf("expected %d deliveries total, got %d", total, counts["a"]+counts["b"])
	}
	if counts["a"] == 0 || counts["b"] == 0 {
		t.Errorf("expected round-robin across group members, got %v", counts)
	}
}

func TestInMemoryAdapterFanOutWithoutQueue(t *testing.T) {
	adapter := startedAdapter(t)
	ctx := context.Background()

	var mu sync.Mutex
	count := 0
	for i := 0; i < 3; i++ {
		err := adapter.Subscribe(ctx, "broadcast", func(ctx context.Context, msg *transport.Message) error {
			mu.Lock()
			count++
			mu.Unlock()
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
	}

	if err := adapter.Publish(ctx, "broadcast", []byte("hello"), nil); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 3
	})
}

func TestInMemoryAdapterWildcardSubscription(t *testing.T) {
	adapter := startedAdapter(t)
	ctx := context.Background()

	var mu sync.Mutex
	var subjects []string
	err := adapter.Subscribe(ctx, "sagas.commands.*", func(ctx context.Context, msg *transport.Message) error {
		mu.Lock()
		subjects = append(subjects, msg.Subject)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := adapter.Publish(ctx, "sagas.commands.reserve_inventory", []byte("{}"), nil); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := adapter.Publish(ctx, "sagas.events", []byte("{}"), nil); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(subjects) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if subjects[0] != "sagas.commands.reserve_inventory" {
		t.Errorf("unexpected subject: %s", subjects[0])
	}
}

func TestInMemoryAdapterPublishWhenStopped(t *testing.T) {
	adapter := NewInMemoryAdapter(DefaultInMemoryConfig())

	err := adapter.Publish(context.Background(), "anything", []byte("x"), nil)
	if err == nil {
		t.Error("expected error when publishing to a stopped adapter")
	}
}

func TestMatchSubject(t *testing.T) {
	tests := []struct {
		subject string
		pattern string
		want    bool
	}{
		{"sagas.events", "sagas.events", true},
		{"sagas.commands.pay", "sagas.commands.*", true},
		{"sagas.commands.pay", "sagas.>", true},
		{"sagas.commands.pay.v2", "sagas.commands.*", false},
		{"orders.events", "sagas.*", false},
		{"sagas", "sagas.*", false},
	}
	for _, tt := range tests {
		if got := matchSubject(tt.subject, tt.pattern); got != tt.want {
			t.Errorf("matchSubject(%q, %q) = %v, want %v", tt.subject, tt.pattern, got, tt.want)
		}
	}
}
