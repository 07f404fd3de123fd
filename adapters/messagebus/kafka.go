package messagebus

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/akriventsev/sagaflow/core"
	"github.com/akriventsev/sagaflow/transport"
)

// KafkaConfig конфигурация Kafka адаптера
type KafkaConfig struct {
	Brokers       []string
	GroupID       string
	Compression   string // none, gzip, snappy, lz4, zstd
	BatchSize     int
	FlushInterval time.Duration
	MinBytes      int
	MaxBytes      int
	MaxWait       time.Duration
	RequiredAcks  int // 0, 1, -1 (all)
	MaxAttempts   int
	TopicPrefix   string
}

// Validate проверяет корректность конфигурации
func (c KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("brokers cannot be empty")
	}
	for i, broker := range c.Brokers {
		if !strings.Contains(broker, ":") {
			return fmt.Errorf("broker[%d] must be in format host:port", i)
		}
	}
	return nil
}

// DefaultKafkaConfig возвращает конфигурацию Kafka по умолчанию
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:       []string{"localhost:9092"},
		GroupID:       "sagaflow-group",
		Compression:   "snappy",
		BatchSize:     100,
		FlushInterval: 10 * time.Millisecond,
		MinBytes:      1,
		MaxBytes:      10e6,
		MaxWait:       time.Second,
		RequiredAcks:  -1,
		MaxAttempts:   3,
		TopicPrefix:   "sagaflow_",
	}
}

// KafkaAdapter реализация MessageBus через Kafka. Subject отображается в
// topic, ключом сообщения служит saga_id из заголовков, поэтому события
// одной саги попадают в одну партицию и сохраняют порядок.
type KafkaAdapter struct {
	config  KafkaConfig
	writer  *kafka.Writer
	readers map[string]*kafka.Reader
	cancels map[string]context.CancelFunc
	mu      sync.RWMutex
	running bool
	wg      sync.WaitGroup
}

// NewKafkaAdapter создает новый Kafka адаптер
func NewKafkaAdapter(config KafkaConfig) (*KafkaAdapter, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kafka config: %w", err)
	}

	return &KafkaAdapter{
		config: config,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(config.Brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequiredAcks(config.RequiredAcks),
			BatchSize:    config.BatchSize,
			BatchTimeout: config.FlushInterval,
			Compression:  kafkaCompression(config.Compression),
			MaxAttempts:  config.MaxAttempts,
		},
		readers: make(map[string]*kafka.Reader),
		cancels: make(map[string]context.CancelFunc),
	}, nil
}

func kafkaCompression(compression string) kafka.Compression {
	switch compression {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Compression(0)
	}
}

// Start запускает адаптер (реализация core.Lifecycle)
func (k *KafkaAdapter) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.running = true
	return nil
}

// Stop останавливает читателей и writer (реализация core.Lifecycle)
func (k *KafkaAdapter) Stop(ctx context.Context) error {
	k.mu.Lock()
	if !k.running {
		k.mu.Unlock()
		return nil
	}
	k.running = false
	for _, cancel := range k.cancels {
		cancel()
	}
	readers := k.readers
	k.readers = make(map[string]*kafka.Reader)
	k.cancels = make(map[string]context.CancelFunc)
	k.mu.Unlock()

	done := make(chan struct{})
	go func() {
		k.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	for subject, reader := range readers {
		if err := reader.Close(); err != nil {
			log.Printf("kafka adapter: failed to close reader for %s: %v", subject, err)
		}
	}
	return k.writer.Close()
}

// IsRunning проверяет, запущен ли адаптер (реализация core.Lifecycle)
func (k *KafkaAdapter) IsRunning() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.running
}

// Name возвращает имя компонента (реализация core.Component)
func (k *KafkaAdapter) Name() string {
	return "kafka-adapter"
}

// Type возвращает тип компонента (реализация core.Component)
func (k *KafkaAdapter) Type() core.ComponentType {
	return core.ComponentTypeAdapter
}

// topicName преобразует subject в имя topic-а. Kafka не допускает
// совместного использования точек и подчеркиваний в именах topic-ов,
// поэтому точки subject-а заменяются на подчеркивания.
func (k *KafkaAdapter) topicName(subject string) string {
	return k.config.TopicPrefix + strings.ReplaceAll(subject, ".", "_")
}

// Publish публикует сообщение в topic subject-а
func (k *KafkaAdapter) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	k.mu.RLock()
	running := k.running
	k.mu.RUnlock()
	if !running {
		return core.NewError(core.ErrInitializationFailed, "kafka adapter is not running")
	}

	msg := kafka.Message{
		Topic: k.topicName(subject),
		Value: data,
	}
	if len(headers) > 0 {
		msg.Headers = make([]kafka.Header, 0, len(headers))
		for key, value := range headers {
			msg.Headers = append(msg.Headers, kafka.Header{Key: key, Value: []byte(value)})
		}
		if sagaID, ok := headers["saga_id"]; ok {
			msg.Key = []byte(sagaID)
		}
	}

	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Subscribe подписывается на topic subject-а. Очередь подписки
// транслируется в consumer group.
func (k *KafkaAdapter) Subscribe(ctx context.Context, subject string, handler transport.MessageHandler, opts ...transport.SubscribeOption) error {
	options := transport.ApplySubscribeOptions(opts...)

	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.running {
		return core.NewError(core.ErrInitializationFailed, "kafka adapter is not running")
	}

	groupID := options.Queue
	if groupID == "" {
		groupID = k.config.GroupID
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  k.config.Brokers,
		GroupID:  groupID,
		Topic:    k.topicName(subject),
		MinBytes: k.config.MinBytes,
		MaxBytes: k.config.MaxBytes,
		MaxWait:  k.config.MaxWait,
	})

	readCtx, cancel := context.WithCancel(context.Background())
	k.readers[subject] = reader
	k.cancels[subject] = cancel

	k.wg.Add(1)
	go k.consume(readCtx, reader, subject, handler)
	return nil
}

// Unsubscribe останавливает читателя subject-а
func (k *KafkaAdapter) Unsubscribe(subject string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if cancel, exists := k.cancels[subject]; exists {
		cancel()
		delete(k.cancels, subject)
	}
	if reader, exists := k.readers[subject]; exists {
		delete(k.readers, subject)
		return reader.Close()
	}
	return nil
}

func (k *KafkaAdapter) consume(ctx context.Context, reader *kafka.Reader, subject string, handler transport.MessageHandler) {
	defer k.wg.Done()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("kafka adapter: fetch from %s failed: %v", subject, err)
			continue
		}

		mbMsg := &transport.Message{
			Subject: subject,
			Data:    msg.Value,
			Headers: make(map[string]string, len(msg.Headers)),
		}
		for _, header := range msg.Headers {
			mbMsg.Headers[header.Key] = string(header.Value)
		}

		if err := handler(ctx, mbMsg); err != nil {
			// Offset не фиксируется, сообщение будет доставлено повторно
			log.Printf("kafka adapter: handler error on %s: %v", subject, err)
			continue
		}
		if err := reader.CommitMessages(ctx, msg); err != nil {
			log.Printf("kafka adapter: commit failed on %s: %v", subject, err)
		}
	}
}
