// Package messagebus предоставляет адаптеры шины сообщений для различных брокеров.
package messagebus

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/akriventsev/sagaflow/core"
	"github.com/akriventsev/sagaflow/transport"
)

// InMemoryConfig конфигурация InMemory адаптера
type InMemoryConfig struct {
	// BufferSize емкость очереди каждого subject-а
	BufferSize int
}

// DefaultInMemoryConfig возвращает конфигурацию InMemory по умолчанию
func DefaultInMemoryConfig() InMemoryConfig {
	return InMemoryConfig{
		BufferSize: 1000,
	}
}

type inMemorySubscription struct {
	subject string
	queue   string
	retry   transport.RetryPolicy
	handler transport.MessageHandler
}

// InMemoryAdapter реализация MessageBus в памяти. Каждый subject имеет
// собственную очередь с одним диспетчером, поэтому порядок доставки
// внутри subject-а строго FIFO. Подписчики одной queue-группы делят
// сообщения по кругу, подписчики без группы получают каждый свое.
type InMemoryAdapter struct {
	config        InMemoryConfig
	mu            sync.RWMutex
	subscriptions map[string][]*inMemorySubscription
	channels      map[string]chan *transport.Message
	rrCounters    map[string]map[string]int // subject -> queue -> счетчик round-robin
	running       bool
	dispatchCtx   context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// NewInMemoryAdapter создает новый InMemory адаптер
func NewInMemoryAdapter(config InMemoryConfig) *InMemoryAdapter {
	if config.BufferSize < 1 {
		config.BufferSize = DefaultInMemoryConfig().BufferSize
	}
	return &InMemoryAdapter{
		config:        config,
		subscriptions: make(map[string][]*inMemorySubscription),
		channels:      make(map[string]chan *transport.Message),
		rrCounters:    make(map[string]map[string]int),
	}
}

// Start запускает адаптер (реализация core.Lifecycle)
func (a *InMemoryAdapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return nil
	}

	a.dispatchCtx, a.cancel = context.WithCancel(context.Background())
	a.running = true
	return nil
}

// Stop останавливает адаптер (реализация core.Lifecycle)
func (a *InMemoryAdapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.cancel()
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning проверяет, запущен ли адаптер (реализация core.Lifecycle)
func (a *InMemoryAdapter) IsRunning() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.running
}

// Name возвращает имя компонента (реализация core.Component)
func (a *InMemoryAdapter) Name() string {
	return "inmemory-adapter"
}

// Type возвращает тип компонента (реализация core.Component)
func (a *InMemoryAdapter) Type() core.ComponentType {
	return core.ComponentTypeAdapter
}

// Publish публикует сообщение в subject
func (a *InMemoryAdapter) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return core.NewError(core.ErrInitializationFailed, "inmemory adapter is not running")
	}
	ch := a.ensureChannelLocked(subject)
	a.mu.Unlock()

	msg := &transport.Message{
		Subject: subject,
		Data:    data,
		Headers: headers,
	}

	select {
	case ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe подписывается на subject. Поддерживаются NATS-style wildcards:
// * для одного токена, > для всех оставшихся.
func (a *InMemoryAdapter) Subscribe(ctx context.Context, subject string, handler transport.MessageHandler, opts ...transport.SubscribeOption) error {
	options := transport.ApplySubscribeOptions(opts...)

	a.mu.Lock()
	defer a.mu.Unlock()

	a.subscriptions[subject] = append(a.subscriptions[subject], &inMemorySubscription{
		subject: subject,
		queue:   options.Queue,
		retry:   options.Retry,
		handler: handler,
	})
	return nil
}

// Unsubscribe отписывается от subject
func (a *InMemoryAdapter) Unsubscribe(subject string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.subscriptions, subject)
	return nil
}

// ensureChannelLocked создает очередь и диспетчер subject-а при первой публикации
func (a *InMemoryAdapter) ensureChannelLocked(subject string) chan *transport.Message {
	ch, exists := a.channels[subject]
	if exists {
		return ch
	}

	ch = make(chan *transport.Message, a.config.BufferSize)
	a.channels[subject] = ch
	a.wg.Add(1)
	go a.dispatch(a.dispatchCtx, subject, ch)
	return ch
}

// dispatch доставляет сообщения subject-а последовательно, сохраняя FIFO
func (a *InMemoryAdapter) dispatch(ctx context.Context, subject string, ch chan *transport.Message) {
	defer a.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ch:
			a.deliver(ctx, subject, msg)
		}
	}
}

func (a *InMemoryAdapter) deliver(ctx context.Context, subject string, msg *transport.Message) {
	a.mu.Lock()
	var matched []*inMemorySubscription
	for pattern, subs := range a.subscriptions {
		if matchSubject(subject, pattern) {
			matched = append(matched, subs...)
		}
	}

	// Подписчики группируются: без очереди каждый получает сообщение,
	// внутри очереди выбирается один по кругу
	var targets []*inMemorySubscription
	groups := make(map[string][]*inMemorySubscription)
	for _, sub := range matched {
		if sub.queue == "" {
			targets = append(targets, sub)
			continue
		}
		groups[sub.queue] = append(groups[sub.queue], sub)
	}
	for queue, members := range groups {
		counters, ok := a.rrCounters[subject]
		if !ok {
			counters = make(map[string]int)
			a.rrCounters[subject] = counters
		}
		idx := counters[queue] % len(members)
		counters[queue]++
		targets = append(targets, members[idx])
	}
	a.mu.Unlock()

	for _, sub := range targets {
		a.invoke(ctx, sub, msg)
	}
}

// invoke вызывает handler с повторами согласно политике подписки
func (a *InMemoryAdapter) invoke(ctx context.Context, sub *inMemorySubscription, msg *transport.Message) {
	err := sub.handler(ctx, msg)
	if err == nil || sub.retry == nil {
		return
	}

	for attempt := 1; sub.retry.ShouldRetry(attempt, err); attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(sub.retry.GetDelay(attempt)):
		}
		if err = sub.handler(ctx, msg); err == nil {
			return
		}
	}
}

// SubscriberCount возвращает число подписок на subject
func (a *InMemoryAdapter) SubscriberCount(subject string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.subscriptions[subject])
}

// matchSubject проверяет соответствие subject-а wildcard-паттерну
func matchSubject(subject, pattern string) bool {
	if subject == pattern {
		return true
	}

	subjectParts := strings.Split(subject, ".")
	patternParts := strings.Split(pattern, ".")

	for i, part := range patternParts {
		if part == ">" {
			return true
		}
		if i >= len(subjectParts) {
			return false
		}
		if part == "*" {
			continue
		}
		if part != subjectParts[i] {
			return false
		}
	}

	return len(patternParts) == len(subjectParts)
}
