// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package observability wires OTel metrics (Prometheus exporter) and
// OTLP tracing. Both are noop when disabled.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the engine's instruments. The zero value is a noop
// recorder, used when metrics are disabled.
type Metrics struct {
	requestDuration metric.Float64Histogram
	cellDuration    metric.Float64Histogram
	cellsTotal      metric.Int64Counter
	cellErrors      metric.Int64Counter
	tokensInput     metric.Int64Counter
	tokensOutput    metric.Int64Counter
	egressBytes     metric.Int64Counter
}

// InitMetrics builds the meter "tabula" backed by a Prometheus
// exporter. The exporter registers with the default Prometheus
// registry, scraped via promhttp at /metrics.
func InitMetrics(ctx context.Context, enabled bool) (*Metrics, error) {
	if !enabled {
		return &Metrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(promExporter)).Meter("tabula")

	m := &Metrics{}
	if m.requestDuration, err = meter.Float64Histogram(
		"tabula_request_duration_seconds",
		metric.WithDescription("Batch request duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create request duration histogram: %w", err)
	}
	if m.cellDuration, err = meter.Float64Histogram(
		"tabula_cell_duration_seconds",
		metric.WithDescription("Cell execution duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create cell duration histogram: %w", err)
	}
	if m.cellsTotal, err = meter.Int64Counter(
		"tabula_cells_total",
		metric.WithDescription("Total cells executed"),
	); err != nil {
		return nil, fmt.Errorf("failed to create cells counter: %w", err)
	}
	if m.cellErrors, err = meter.Int64Counter(
		"tabula_cell_errors_total",
		metric.WithDescription("Total cell errors"),
	); err != nil {
		return nil, fmt.Errorf("failed to create cell errors counter: %w", err)
	}
	if m.tokensInput, err = meter.Int64Counter(
		"tabula_tokens_input_total",
		metric.WithDescription("Total prompt tokens sent to models"),
	); err != nil {
		return nil, fmt.Errorf("failed to create input tokens counter: %w", err)
	}
	if m.tokensOutput, err = meter.Int64Counter(
		"tabula_tokens_output_total",
		metric.WithDescription("Total completion tokens from models"),
	); err != nil {
		return nil, fmt.Errorf("failed to create output tokens counter: %w", err)
	}
	if m.egressBytes, err = meter.Int64Counter(
		"tabula_egress_bytes_total",
		metric.WithDescription("Total streamed egress bytes"),
	); err != nil {
		return nil, fmt.Errorf("failed to create egress counter: %w", err)
	}
	return m, nil
}

// RecordRequest records one batch request.
func (m *Metrics) RecordRequest(ctx context.Context, operation string, seconds float64) {
	if m == nil || m.requestDuration == nil {
		return
	}
	m.requestDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("operation", operation)))
}

// RecordCell records one executed cell.
func (m *Metrics) RecordCell(ctx context.Context, column string, kind string, seconds float64, failed bool) {
	if m == nil || m.cellDuration == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("column", column),
		attribute.String("kind", kind),
	)
	m.cellDuration.Record(ctx, seconds, attrs)
	m.cellsTotal.Add(ctx, 1, attrs)
	if failed {
		m.cellErrors.Add(ctx, 1, attrs)
	}
}

// RecordTokens records model token usage.
func (m *Metrics) RecordTokens(ctx context.Context, model string, prompt, completion int) {
	if m == nil || m.tokensInput == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("model", model))
	m.tokensInput.Add(ctx, int64(prompt), attrs)
	m.tokensOutput.Add(ctx, int64(completion), attrs)
}

// RecordEgress records streamed bytes.
func (m *Metrics) RecordEgress(ctx context.Context, bytes int64) {
	if m == nil || m.egressBytes == nil {
		return
	}
	m.egressBytes.Add(ctx, bytes)
}
