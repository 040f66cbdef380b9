// Copyright 2024 Google LLC
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

// Package telemetry wires gatebroker into OpenTelemetry: a tracer for spans
// around gate connections and dispatcher requests, and a meter for the
// request counters the HTTP/SSE layer increments.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Instrumentation bundles the tracer and counters shared across the
// dispatcher and connection manager.
type Instrumentation struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	McpSse      metric.Int64Counter
	McpPost     metric.Int64Counter
	ToolInvoke  metric.Int64Counter
	GateConnect metric.Int64Counter
	ControlGet  metric.Int64Counter
}

const instrumentationName = "github.com/gatebroker/gatebroker"

// ShutdownFunc flushes and releases any exporters started by SetupOTel.
type ShutdownFunc func(context.Context) error

// SetupOTel installs the global TracerProvider/MeterProvider. When otlpEndpoint
// is empty and gcpExporter is false, spans and metrics are recorded against a
// no-op provider so the rest of the code can unconditionally call into the
// API without checking whether telemetry is enabled.
func SetupOTel(ctx context.Context, versionString, otlpEndpoint string, gcpExporter bool, serviceName string) (ShutdownFunc, error) {
	var shutdownFuncs []ShutdownFunc

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(versionString),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to build otel resource: %w", err)
	}

	if gcpExporter && otlpEndpoint != "" {
		return nil, fmt.Errorf("telemetry-gcp and telemetry-otlp cannot both be set")
	}

	if otlpEndpoint != "" {
		traceExporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(otlpEndpoint))
		if err != nil {
			return nil, fmt.Errorf("unable to create otlp trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(traceExporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		shutdownFuncs = append(shutdownFuncs, tp.Shutdown)

		metricExporter, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpointURL(otlpEndpoint))
		if err != nil {
			return nil, fmt.Errorf("unable to create otlp metric exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
			sdkmetric.WithResource(res),
		)
		otel.SetMeterProvider(mp)
		shutdownFuncs = append(shutdownFuncs, mp.Shutdown)
	} else if gcpExporter {
		// --telemetry-gcp is a boolean toggle rather than a URL, matching the
		// teacher's CLI surface. This branch installs a trace exporter only (no
		// metric exporter): otlptracehttp with no endpoint option, so the
		// endpoint comes from the standard OTEL_EXPORTER_OTLP_* environment
		// variables, falling back to the exporter's own default.
		traceExporter, err := otlptracehttp.New(ctx)
		if err != nil {
			return nil, fmt.Errorf("unable to create gcp trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(traceExporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		shutdownFuncs = append(shutdownFuncs, tp.Shutdown)
	}

	shutdown := func(ctx context.Context) error {
		var err error
		for _, fn := range shutdownFuncs {
			if shutdownErr := fn(ctx); shutdownErr != nil {
				err = shutdownErr
			}
		}
		return err
	}
	return shutdown, nil
}

// CreateTelemetryInstrumentation builds the counters used by the dispatcher
// and connection manager against whatever MeterProvider is currently
// installed (a real one after SetupOTel, or otel's no-op default).
func CreateTelemetryInstrumentation(versionString string) (*Instrumentation, error) {
	tracer := otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(versionString))
	meter := otel.Meter(instrumentationName, metric.WithInstrumentationVersion(versionString))

	mcpSse, err := meter.Int64Counter("gatebroker.mcp.sse.count",
		metric.WithDescription("Number of MCP SSE session connections."))
	if err != nil {
		return nil, fmt.Errorf("unable to create mcp sse counter: %w", err)
	}
	mcpPost, err := meter.Int64Counter("gatebroker.mcp.post.count",
		metric.WithDescription("Number of MCP JSON-RPC requests handled over HTTP POST."))
	if err != nil {
		return nil, fmt.Errorf("unable to create mcp post counter: %w", err)
	}
	toolInvoke, err := meter.Int64Counter("gatebroker.tool.invoke.count",
		metric.WithDescription("Number of tools/call invocations dispatched to a gate connection."))
	if err != nil {
		return nil, fmt.Errorf("unable to create tool invoke counter: %w", err)
	}
	gateConnect, err := meter.Int64Counter("gatebroker.connection.count",
		metric.WithDescription("Number of gate connections established by the connection manager."))
	if err != nil {
		return nil, fmt.Errorf("unable to create gate connect counter: %w", err)
	}
	controlGet, err := meter.Int64Counter("gatebroker.control.get.count",
		metric.WithDescription("Number of control-plane REST introspection requests."))
	if err != nil {
		return nil, fmt.Errorf("unable to create control get counter: %w", err)
	}

	return &Instrumentation{
		Tracer:      tracer,
		Meter:       meter,
		McpSse:      mcpSse,
		McpPost:     mcpPost,
		ToolInvoke:  toolInvoke,
		GateConnect: gateConnect,
		ControlGet:  controlGet,
	}, nil
}
