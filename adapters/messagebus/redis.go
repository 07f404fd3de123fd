package messagebus

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/akriventsev/sagaflow/core"
	"github.com/akriventsev/sagaflow/transport"
)

// RedisConfig конфигурация Redis Streams адаптера
type RedisConfig struct {
	Addr          string
	Password      string
	DB            int
	PoolSize      int
	MaxRetries    int
	StreamMaxLen  int64 // максимальная длина stream (0 = без ограничений)
	ConsumerGroup string
	BlockTimeout  time.Duration
	StreamPrefix  string
}

// Validate проверяет корректность конфигурации
func (c RedisConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr cannot be empty")
	}
	return nil
}

// DefaultRedisConfig возвращает конфигурацию Redis по умолчанию
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:          "localhost:6379",
		DB:            0,
		PoolSize:      10,
		MaxRetries:    3,
		StreamMaxLen:  10000,
		ConsumerGroup: "sagaflow-group",
		BlockTimeout:  5 * time.Second,
		StreamPrefix:  "sagaflow:",
	}
}

// RedisAdapter реализация MessageBus через Redis Streams. Каждый subject
// отображается в stream, подписки читаются через consumer groups с
// подтверждением обработанных сообщений.
type RedisAdapter struct {
	config  RedisConfig
	client  *redis.Client
	mu      sync.RWMutex
	running bool
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewRedisAdapter создает новый Redis адаптер
func NewRedisAdapter(config RedisConfig) (*RedisAdapter, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid redis config: %w", err)
	}
	return &RedisAdapter{
		config:  config,
		cancels: make(map[string]context.CancelFunc),
	}, nil
}

// Start подключается к Redis (реализация core.Lifecycle)
func (r *RedisAdapter) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:       r.config.Addr,
		Password:   r.config.Password,
		DB:         r.config.DB,
		PoolSize:   r.config.PoolSize,
		MaxRetries: r.config.MaxRetries,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	r.client = client
	r.running = true
	return nil
}

// Stop останавливает читателей и закрывает соединение (реализация core.Lifecycle)
func (r *RedisAdapter) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	for _, cancel := range r.cancels {
		cancel()
	}
	r.cancels = make(map[string]context.CancelFunc)
	client := r.client
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return client.Close()
}

// IsRunning проверяет, запущен ли адаптер (реализация core.Lifecycle)
func (r *RedisAdapter) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// Name возвращает имя компонента (реализация core.Component)
func (r *RedisAdapter) Name() string {
	return "redis-adapter"
}

// Type возвращает тип компонента (реализация core.Component)
func (r *RedisAdapter) Type() core.ComponentType {
	return core.ComponentTypeAdapter
}

func (r *RedisAdapter) streamName(subject string) string {
	return r.config.StreamPrefix + subject
}

// Publish добавляет сообщение в stream subject-а
func (r *RedisAdapter) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	r.mu.RLock()
	client := r.client
	running := r.running
	r.mu.RUnlock()

	if !running {
		return core.NewError(core.ErrInitializationFailed, "redis adapter is not running")
	}

	values := map[string]interface{}{"data": data}
	for k, v := range headers {
		values["h:"+k] = v
	}

	args := &redis.XAddArgs{
		Stream: r.streamName(subject),
		Values: values,
	}
	if r.config.StreamMaxLen > 0 {
		args.MaxLen = r.config.StreamMaxLen
		args.Approx = true
	}

	if err := client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Subscribe читает stream subject-а через consumer group. Очередь
// подписки транслируется в имя consumer group: сообщение получает
// один потребитель группы.
func (r *RedisAdapter) Subscribe(ctx context.Context, subject string, handler transport.MessageHandler, opts ...transport.SubscribeOption) error {
	options := transport.ApplySubscribeOptions(opts...)

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return core.NewError(core.ErrInitializationFailed, "redis adapter is not running")
	}

	group := options.Queue
	if group == "" {
		group = r.config.ConsumerGroup
	}
	stream := r.streamName(subject)

	// Создаем consumer group с начала stream-а; BUSYGROUP означает,
	// что группа уже существует
	if err := r.client.XGroupCreateMkStream(ctx, stream, group, "0").Err(); err != nil && !isBusyGroupErr(err) {
		return fmt.Errorf("failed to create consumer group for %s: %w", subject, err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	r.cancels[subject] = cancel

	consumer := fmt.Sprintf("%s-%d", group, time.Now().UnixNano())
	r.wg.Add(1)
	go r.consume(readCtx, stream, group, consumer, subject, handler)
	return nil
}

// Unsubscribe останавливает читателя subject-а
func (r *RedisAdapter) Unsubscribe(subject string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cancel, exists := r.cancels[subject]; exists {
		cancel()
		delete(r.cancels, subject)
	}
	return nil
}

func (r *RedisAdapter) consume(ctx context.Context, stream, group, consumer, subject string, handler transport.MessageHandler) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		result, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    10,
			Block:    r.config.BlockTimeout,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			log.Printf("redis adapter: read from %s failed: %v", stream, err)
			continue
		}

		for _, streamResult := range result {
			for _, message := range streamResult.Messages {
				msg := decodeStreamMessage(subject, message)
				if err := handler(ctx, msg); err != nil {
					// Сообщение остается в PEL группы и будет перечитано
					log.Printf("redis adapter: handler error on %s: %v", subject, err)
					continue
				}
				if err := r.client.XAck(ctx, stream, group, message.ID).Err(); err != nil {
					log.Printf("redis adapter: ack failed on %s: %v", subject, err)
				}
			}
		}
	}
}

func decodeStreamMessage(subject string, message redis.XMessage) *transport.Message {
	msg := &transport.Message{
		Subject: subject,
		Headers: make(map[string]string),
	}
	for key, value := range message.Values {
		str, ok := value.(string)
		if !ok {
			continue
		}
		if key == "data" {
			msg.Data = []byte(str)
			continue
		}
		if len(key) > 2 && key[:2] == "h:" {
			msg.Headers[key[2:]] = str
		}
	}
	return msg
}

func isBusyGroupErr(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}
