package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// SetupConfig конфигурация экспорта метрик
type SetupConfig struct {
	ExporterType  string
	ServiceName   string
	ResourceAttrs map[string]string
}

// DefaultSetupConfig возвращает конфигурацию экспорта по умолчанию
func DefaultSetupConfig() *SetupConfig {
	return &SetupConfig{
		ExporterType: "prometheus",
		ServiceName:  "sagaflow",
	}
}

// Setup настраивает экспорт метрик и регистрирует глобальный MeterProvider
func Setup(config *SetupConfig) (*metric.MeterProvider, error) {
	if config == nil {
		config = DefaultSetupConfig()
	}

	var reader metric.Reader
	var err error

	switch config.ExporterType {
	case "prometheus":
		reader, err = setupPrometheusExporter()
	default:
		return nil, fmt.Errorf("unknown exporter type: %s", config.ExporterType)
	}

	if err != nil {
		return nil, err
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(buildResourceAttributes(config)...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := metric.NewMeterProvider(
		metric.WithReader(reader),
		metric.WithResource(res),
	)

	otel.SetMeterProvider(provider)

	return provider, nil
}

// setupPrometheusExporter настраивает Prometheus exporter
func setupPrometheusExporter() (metric.Reader, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	return exporter, nil
}

// buildResourceAttributes строит resource attributes
func buildResourceAttributes(config *SetupConfig) []attribute.KeyValue {
	result := make([]attribute.KeyValue, 0, len(config.ResourceAttrs)+1)
	if config.ServiceName != "" {
		result = append(result, attribute.String("service.name", config.ServiceName))
	}
	for k, v := range config.ResourceAttrs {
		result = append(result, attribute.String(k, v))
	}
	return result
}

// Shutdown корректно завершает работу экспорта метрик
func Shutdown(ctx context.Context, provider *metric.MeterProvider) error {
	if provider == nil {
		return nil
	}

	return provider.Shutdown(ctx)
}
