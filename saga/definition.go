// Package saga предоставляет оркестратор распределенных транзакций:
// последовательное выполнение шагов через команды и события с
// компенсацией в обратном порядке при сбое.
package saga

import (
	"fmt"
	"sync"
	"time"

	"github.com/akriventsev/sagaflow/core"
)

// StepDefinition определение одного шага саги
type StepDefinition struct {
	// Name человекочитаемое имя шага
	Name string
	// Command имя прямой команды шага
	Command string
	// CompensationCommand имя компенсирующей команды. Пустое значение
	// означает, что шаг не требует компенсации.
	CompensationCommand string
	// Timeout максимальное время ожидания события шага. Ноль означает
	// использование таймаута по умолчанию.
	Timeout time.Duration
}

// Validate проверяет корректность определения шага
func (s StepDefinition) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("step name cannot be empty")
	}
	if s.Command == "" {
		return fmt.Errorf("step %s: command cannot be empty", s.Name)
	}
	return nil
}

// Definition иммутабельное определение саги: упорядоченный список шагов.
// Экземпляры ссылаются на определение по типу и версии, поэтому
// зарегистрированное определение никогда не изменяется.
type Definition struct {
	// Type тип саги, например "OrderCheckout"
	Type string
	// Version версия определения, назначается реестром при регистрации
	Version int
	// Steps упорядоченный список шагов
	Steps []StepDefinition
	// DefaultStepTimeout таймаут шага, если шаг не задал собственный
	DefaultStepTimeout time.Duration
}

// Validate проверяет корректность определения
func (d *Definition) Validate() error {
	if d.Type == "" {
		return fmt.Errorf("saga type cannot be empty")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("saga %s: must have at least one step", d.Type)
	}
	seen := make(map[string]struct{}, len(d.Steps))
	for _, step := range d.Steps {
		if err := step.Validate(); err != nil {
			return fmt.Errorf("saga %s: %w", d.Type, err)
		}
		if _, dup := seen[step.Name]; dup {
			return fmt.Errorf("saga %s: duplicate step name %s", d.Type, step.Name)
		}
		seen[step.Name] = struct{}{}
	}
	return nil
}

// StepTimeout возвращает эффективный таймаут шага с данным индексом
func (d *Definition) StepTimeout(sequence int) time.Duration {
	if sequence >= 0 && sequence < len(d.Steps) && d.Steps[sequence].Timeout > 0 {
		return d.Steps[sequence].Timeout
	}
	if d.DefaultStepTimeout > 0 {
		return d.DefaultStepTimeout
	}
	return DefaultStepTimeout
}

// DefaultStepTimeout таймаут шага по умолчанию
const DefaultStepTimeout = 30 * time.Second

// DefinitionBuilder построитель определений саг
type DefinitionBuilder struct {
	definition *Definition
}

// NewDefinition создает построитель определения саги
func NewDefinition(sagaType string) *DefinitionBuilder {
	return &DefinitionBuilder{
		definition: &Definition{
			Type: sagaType,
		},
	}
}

// WithDefaultStepTimeout устанавливает таймаут шага по умолчанию
func (b *DefinitionBuilder) WithDefaultStepTimeout(timeout time.Duration) *DefinitionBuilder {
	b.definition.DefaultStepTimeout = timeout
	return b
}

// Step добавляет шаг с компенсацией
func (b *DefinitionBuilder) Step(name, command, compensationCommand string) *DefinitionBuilder {
	b.definition.Steps = append(b.definition.Steps, StepDefinition{
		Name:                name,
		Command:             command,
		CompensationCommand: compensationCommand,
	})
	return b
}

// StepWithTimeout добавляет шаг с компенсацией и собственным таймаутом
func (b *DefinitionBuilder) StepWithTimeout(name, command, compensationCommand string, timeout time.Duration) *DefinitionBuilder {
	b.definition.Steps = append(b.definition.Steps, StepDefinition{
		Name:                name,
		Command:             command,
		CompensationCommand: compensationCommand,
		Timeout:             timeout,
	})
	return b
}

// Build проверяет и возвращает определение
func (b *DefinitionBuilder) Build() (*Definition, error) {
	if err := b.definition.Validate(); err != nil {
		return nil, err
	}
	return b.definition, nil
}

// Registry реестр определений саг. Регистрация одного типа повторно
// создает новую версию; запущенные экземпляры продолжают использовать
// версию, с которой были созданы.
type Registry struct {
	mu          sync.RWMutex
	definitions map[string][]*Definition // type -> versions, index = version-1
}

// NewRegistry создает новый реестр определений
func NewRegistry() *Registry {
	return &Registry{
		definitions: make(map[string][]*Definition),
	}
}

// Register регистрирует определение и возвращает назначенную версию
func (r *Registry) Register(definition *Definition) (int, error) {
	if err := definition.Validate(); err != nil {
		return 0, fmt.Errorf("invalid saga definition: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	versions := r.definitions[definition.Type]
	definition.Version = len(versions) + 1
	r.definitions[definition.Type] = append(versions, definition)
	return definition.Version, nil
}

// Get возвращает последнюю версию определения по типу
func (r *Registry) Get(sagaType string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, ok := r.definitions[sagaType]
	if !ok || len(versions) == 0 {
		return nil, core.Wrap(fmt.Errorf("saga type %s", sagaType), core.ErrNotFound, "saga definition not registered")
	}
	return versions[len(versions)-1], nil
}

// GetVersion возвращает конкретную версию определения
func (r *Registry) GetVersion(sagaType string, version int) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, ok := r.definitions[sagaType]
	if !ok || version < 1 || version > len(versions) {
		return nil, core.Wrap(fmt.Errorf("saga type %s version %d", sagaType, version), core.ErrNotFound, "saga definition version not registered")
	}
	return versions[version-1], nil
}

// Types возвращает все зарегистрированные типы саг
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.definitions))
	for t := range r.definitions {
		types = append(types, t)
	}
	return types
}
