// Package core предоставляет базовые интерфейсы и типы для всех компонентов движка.
package core

import "context"

// Component базовый интерфейс для всех компонентов движка
type Component interface {
	// Name возвращает имя компонента
	Name() string
	// Type возвращает тип компонента
	Type() ComponentType
}

// Lifecycle интерфейс для управления жизненным циклом компонентов
type Lifecycle interface {
	// Start запускает компонент
	Start(ctx context.Context) error
	// Stop останавливает компонент
	Stop(ctx context.Context) error
	// IsRunning проверяет, запущен ли компонент
	IsRunning() bool
}

// ComponentType тип компонента
type ComponentType string

const (
	// ComponentTypeAdapter адаптер внешней системы (message bus, хранилище)
	ComponentTypeAdapter ComponentType = "adapter"
	// ComponentTypeOrchestrator оркестратор саг
	ComponentTypeOrchestrator ComponentType = "orchestrator"
	// ComponentTypeHandler обработчик шагов
	ComponentTypeHandler ComponentType = "handler"
	// ComponentTypeService вспомогательный сервис (watchdog, outbox relay)
	ComponentTypeService ComponentType = "service"
	// ComponentTypeTransport транспортный адаптер (HTTP API)
	ComponentTypeTransport ComponentType = "transport"
)
