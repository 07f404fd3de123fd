package messagebus

import (
	"fmt"
	"sync"

	"github.com/akriventsev/sagaflow/core"
	"github.com/akriventsev/sagaflow/transport"
)

// Bus адаптер шины сообщений с управляемым жизненным циклом
type Bus interface {
	transport.MessageBus
	core.Lifecycle
	core.Component
}

// BusFactory фабрика адаптеров шины сообщений
type BusFactory struct {
	creators map[string]func(config interface{}) (Bus, error)
	mu       sync.RWMutex
}

// NewBusFactory создает фабрику со встроенными адаптерами
func NewBusFactory() *BusFactory {
	factory := &BusFactory{
		creators: make(map[string]func(config interface{}) (Bus, error)),
	}

	_ = factory.Register("inmemory", func(config interface{}) (Bus, error) {
		cfg, ok := config.(InMemoryConfig)
		if !ok {
			cfg = DefaultInMemoryConfig()
		}
		return NewInMemoryAdapter(cfg), nil
	})

	_ = factory.Register("nats", func(config interface{}) (Bus, error) {
		switch cfg := config.(type) {
		case NATSConfig:
			builder := NewNATSAdapterBuilder()
			builder.config = cfg
			return builder.Build()
		case string:
			return NewNATSAdapter(cfg)
		default:
			return nil, fmt.Errorf("invalid NATS config type: %T", config)
		}
	})

	_ = factory.Register("redis", func(config interface{}) (Bus, error) {
		cfg, ok := config.(RedisConfig)
		if !ok {
			return nil, fmt.Errorf("invalid Redis config type: %T", config)
		}
		return NewRedisAdapter(cfg)
	})

	_ = factory.Register("kafka", func(config interface{}) (Bus, error) {
		cfg, ok := config.(KafkaConfig)
		if !ok {
			return nil, fmt.Errorf("invalid Kafka config type: %T", config)
		}
		return NewKafkaAdapter(cfg)
	})

	return factory
}

// Create создает адаптер указанного типа
func (f *BusFactory) Create(busType string, config interface{}) (Bus, error) {
	f.mu.RLock()
	creator, exists := f.creators[busType]
	f.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown message bus type: %s", busType)
	}

	adapter, err := creator(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s adapter: %w", busType, err)
	}
	return adapter, nil
}

// Register регистрирует пользовательский адаптер
func (f *BusFactory) Register(name string, creator func(config interface{}) (Bus, error)) error {
	if name == "" {
		return fmt.Errorf("adapter name cannot be empty")
	}
	if creator == nil {
		return fmt.Errorf("creator function cannot be nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.creators[name]; exists {
		return fmt.Errorf("adapter %s already registered", name)
	}
	f.creators[name] = creator
	return nil
}

// ListRegistered возвращает список зарегистрированных адаптеров
func (f *BusFactory) ListRegistered() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	names := make([]string, 0, len(f.creators))
	for name := range f.creators {
		names = append(names, name)
	}
	return names
}
