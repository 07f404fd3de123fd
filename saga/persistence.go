package saga

import (
	"context"
	"sync"
	"time"
)

// Store хранилище экземпляров саг. Update выполняет атомарную запись со
// сравнением версии: запись с устаревшей версией отклоняется с
// ErrVersionConflict, защищая от двойного применения события
// конкурентными процессами.
type Store interface {
	// Create сохраняет новый экземпляр. Возвращает ошибку, если экземпляр
	// с таким ID уже существует.
	Create(ctx context.Context, instance *Instance) error
	// Update сохраняет экземпляр, ожидая в хранилище версию
	// instance.Version. При успехе версия экземпляра инкрементируется.
	Update(ctx context.Context, instance *Instance) error
	// Get возвращает экземпляр по ID
	Get(ctx context.Context, sagaID string) (*Instance, error)
	// ListNonTerminal возвращает все незавершенные экземпляры.
	// Используется восстановлением после перезапуска и сторожем таймаутов.
	ListNonTerminal(ctx context.Context) ([]*Instance, error)
	// CountInFlight возвращает число незавершенных экземпляров
	CountInFlight(ctx context.Context) (int, error)
}

// InMemoryStore хранилище в памяти для тестирования и разработки
type InMemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*Instance
}

// NewInMemoryStore создает новое in-memory хранилище
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		instances: make(map[string]*Instance),
	}
}

func (s *InMemoryStore) Create(ctx context.Context, instance *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[instance.ID]; exists {
		return ErrVersionConflict
	}
	stored := instance.Clone()
	stored.Version = 1
	s.instances[instance.ID] = stored
	instance.Version = 1
	return nil
}

func (s *InMemoryStore) Update(ctx context.Context, instance *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.instances[instance.ID]
	if !exists {
		return ErrSagaNotFound
	}
	if current.Version != instance.Version {
		return ErrVersionConflict
	}
	stored := instance.Clone()
	stored.Version = instance.Version + 1
	stored.UpdatedAt = time.Now()
	s.instances[instance.ID] = stored
	instance.Version = stored.Version
	return nil
}

func (s *InMemoryStore) Get(ctx context.Context, sagaID string) (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	instance, exists := s.instances[sagaID]
	if !exists {
		return nil, ErrSagaNotFound
	}
	return instance.Clone(), nil
}

func (s *InMemoryStore) ListNonTerminal(ctx context.Context) ([]*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Instance
	for _, instance := range s.instances {
		if !instance.State.IsTerminal() {
			result = append(result, instance.Clone())
		}
	}
	return result, nil
}

func (s *InMemoryStore) CountInFlight(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, instance := range s.instances {
		if !instance.State.IsTerminal() {
			count++
		}
	}
	return count, nil
}
