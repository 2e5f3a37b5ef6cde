// Package observability exposes execution metrics via OpenTelemetry with
// a Prometheus exporter. The HTTP gateway mounts the scrape handler.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsCollector tracks step, LLM, and tool activity. A nil or zero
// collector is safe to call; every recorder no-ops.
type MetricsCollector struct {
	meter metric.Meter

	stepsExecuted  metric.Int64Counter
	stepsSucceeded metric.Int64Counter
	stepsFailed    metric.Int64Counter

	llmRequests     metric.Int64Counter
	llmTokensInput  metric.Int64Counter
	llmTokensOutput metric.Int64Counter
	llmLatency      metric.Float64Histogram

	toolExecutions metric.Int64Counter
	toolDuration   metric.Float64Histogram
}

// NewMetricsCollector wires the OpenTelemetry meter to a Prometheus
// exporter and registers all instruments.
func NewMetricsCollector() (*MetricsCollector, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	meter := provider.Meter("geister")

	m := &MetricsCollector{meter: meter}
	if m.stepsExecuted, err = meter.Int64Counter(
		"geister.telos.steps.total",
		metric.WithDescription("Total telos step executions attempted"),
		metric.WithUnit("{step}"),
	); err != nil {
		return nil, fmt.Errorf("create steps counter: %w", err)
	}
	if m.stepsSucceeded, err = meter.Int64Counter(
		"geister.telos.steps.succeeded",
		metric.WithDescription("Telos steps that produced a successful result"),
		metric.WithUnit("{step}"),
	); err != nil {
		return nil, fmt.Errorf("create succeeded counter: %w", err)
	}
	if m.stepsFailed, err = meter.Int64Counter(
		"geister.telos.steps.failed",
		metric.WithDescription("Telos steps recorded as failed"),
		metric.WithUnit("{step}"),
	); err != nil {
		return nil, fmt.Errorf("create failed counter: %w", err)
	}
	if m.llmRequests, err = meter.Int64Counter(
		"geister.llm.requests.total",
		metric.WithDescription("Total chat requests sent to the LLM backend"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, fmt.Errorf("create llm requests counter: %w", err)
	}
	if m.llmTokensInput, err = meter.Int64Counter(
		"geister.llm.tokens.input",
		metric.WithDescription("Total prompt tokens evaluated by the LLM"),
		metric.WithUnit("{token}"),
	); err != nil {
		return nil, fmt.Errorf("create input token counter: %w", err)
	}
	if m.llmTokensOutput, err = meter.Int64Counter(
		"geister.llm.tokens.output",
		metric.WithDescription("Total completion tokens generated by the LLM"),
		metric.WithUnit("{token}"),
	); err != nil {
		return nil, fmt.Errorf("create output token counter: %w", err)
	}
	if m.llmLatency, err = meter.Float64Histogram(
		"geister.llm.latency",
		metric.WithDescription("LLM request latency in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("create llm latency histogram: %w", err)
	}
	if m.toolExecutions, err = meter.Int64Counter(
		"geister.tool.executions.total",
		metric.WithDescription("Total tool dispatches"),
		metric.WithUnit("{execution}"),
	); err != nil {
		return nil, fmt.Errorf("create tool executions counter: %w", err)
	}
	if m.toolDuration, err = meter.Float64Histogram(
		"geister.tool.duration",
		metric.WithDescription("Tool execution duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("create tool duration histogram: %w", err)
	}
	return m, nil
}

// Handler returns the Prometheus scrape handler.
func (m *MetricsCollector) Handler() http.Handler {
	return promclient.Handler()
}

// RecordStep records one step execution attempt and its verdict.
func (m *MetricsCollector) RecordStep(ctx context.Context, agentID string, success bool) {
	if m == nil || m.stepsExecuted == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("agent_id", agentID))
	m.stepsExecuted.Add(ctx, 1, attrs)
	if success {
		m.stepsSucceeded.Add(ctx, 1, attrs)
	} else {
		m.stepsFailed.Add(ctx, 1, attrs)
	}
}

// RecordLLMRequest records one chat call with its latency and token usage.
func (m *MetricsCollector) RecordLLMRequest(ctx context.Context, model, status string, latency time.Duration, inputTokens, outputTokens int) {
	if m == nil || m.llmRequests == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("model", model),
		attribute.String("status", status),
	}
	m.llmRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.llmTokensInput.Add(ctx, int64(inputTokens), metric.WithAttributes(attribute.String("model", model)))
	m.llmTokensOutput.Add(ctx, int64(outputTokens), metric.WithAttributes(attribute.String("model", model)))
	m.llmLatency.Record(ctx, latency.Seconds(), metric.WithAttributes(attrs...))
}

// RecordToolExecution records one tool dispatch.
func (m *MetricsCollector) RecordToolExecution(ctx context.Context, toolName, status string, duration time.Duration) {
	if m == nil || m.toolExecutions == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("tool_name", toolName),
		attribute.String("status", status),
	}
	m.toolExecutions.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.toolDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("tool_name", toolName)))
}
