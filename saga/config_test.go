package saga

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeDefinitionsFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "definitions.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write definitions file: %v", err)
	}
	return path
}

func TestLoadDefinitionsFromFile(t *testing.T) {
	path := writeDefinitionsFile(t, `[
		{
			"type": "OrderCheckout",
			"default_step_timeout_ms": 15000,
			"steps": [
				{"name": "reserve_inventory", "command": "reserve_inventory", "compensation": "release_inventory"},
				{"name": "charge_payment", "command": "charge_payment", "compensation": "refund_payment", "timeout_ms": 5000},
				{"name": "confirm_order", "command": "confirm_order"}
			]
		}
	]`)

	definitions, err := LoadDefinitions(path)
	if err != nil {
		t.Fatalf("LoadDefinitions failed: %v", err)
	}
	if len(definitions) != 1 {
		t.Fatalf("expected 1 definition, got %d", len(definitions))
	}

	definition := definitions[0]
	if definition.Type != "OrderCheckout" {
		t.Errorf("expected type OrderCheckout, got %s", definition.Type)
	}
	if len(definition.Steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(definition.Steps))
	}
	if definition.Steps[0].CompensationCommand != "release_inventory" {
		t.Errorf("unexpected compensation: %s", definition.Steps[0].CompensationCommand)
	}
	if definition.Steps[2].CompensationCommand != "" {
		t.Errorf("expected confirm_order without compensation, got %s", definition.Steps[2].CompensationCommand)
	}
	if got := definition.StepTimeout(1); got != 5*time.Second {
		t.Errorf("expected 5s timeout for charge_payment, got %v", got)
	}
	if got := definition.StepTimeout(0); got != 15*time.Second {
		t.Errorf("expected default 15s timeout, got %v", got)
	}

	registry := NewRegistry()
	if _, err := registry.Register(definition); err != nil {
		t.Errorf("loaded definition failed registration: %v", err)
	}
}

func TestLoadDefinitionsRejectsInvalidSaga(t *testing.T) {
	path := writeDefinitionsFile(t, `[
		{"type": "Broken", "steps": [{"name": "step", "command": ""}]}
	]`)

	if _, err := LoadDefinitions(path); err == nil {
		t.Error("expected error for a step without a command")
	}
}

func TestLoadDefinitionsRejectsEmptyFile(t *testing.T) {
	path := writeDefinitionsFile(t, `[]`)

	if _, err := LoadDefinitions(path); err == nil {
		t.Error("expected error for an empty definitions file")
	}

	if _, err := LoadDefinitions(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for a missing file")
	}
}
