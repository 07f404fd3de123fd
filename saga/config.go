package saga

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// StepConfig описание шага саги в файле определений
type StepConfig struct {
	Name         string `json:"name"`
	Command      string `json:"command"`
	Compensation string `json:"compensation,omitempty"`
	TimeoutMs    int    `json:"timeout_ms,omitempty"`
}

// DefinitionConfig описание саги в файле определений. Позволяет серверу
// регистрировать саги из конфигурации, не завися от кода обработчиков.
type DefinitionConfig struct {
	Type                 string       `json:"type"`
	DefaultStepTimeoutMs int          `json:"default_step_timeout_ms,omitempty"`
	Steps                []StepConfig `json:"steps"`
}

// Build собирает определение саги из конфигурации
func (c DefinitionConfig) Build() (*Definition, error) {
	builder := NewDefinition(c.Type)
	if c.DefaultStepTimeoutMs > 0 {
		builder.WithDefaultStepTimeout(time.Duration(c.DefaultStepTimeoutMs) * time.Millisecond)
	}
	for _, step := range c.Steps {
		if step.TimeoutMs > 0 {
			builder.StepWithTimeout(step.Name, step.Command, step.Compensation,
				time.Duration(step.TimeoutMs)*time.Millisecond)
			continue
		}
		builder.Step(step.Name, step.Command, step.Compensation)
	}
	return builder.Build()
}

// LoadDefinitions читает файл определений саг в формате JSON
func LoadDefinitions(path string) ([]*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions file %s: %w", path, err)
	}

	var configs []DefinitionConfig
	if err := json.Unmarshal(data, &configs); err != nil {
		return nil, fmt.Errorf("failed to parse definitions file %s: %w", path, err)
	}
	if len(configs) == 0 {
		return nil, fmt.Errorf("definitions file %s contains no sagas", path)
	}

	definitions := make([]*Definition, 0, len(configs))
	for _, config := range configs {
		definition, err := config.Build()
		if err != nil {
			return nil, fmt.Errorf("definitions file %s: %w", path, err)
		}
		definitions = append(definitions, definition)
	}
	return definitions, nil
}
