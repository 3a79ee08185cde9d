// Copyright 2025 Tom Barlow
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

// Package telemetry wires an OpenTelemetry tracer provider for the
// orchestration core: one span per activity execution, exported either
// to stdout (development) or an OTLP-http collector (production).
package telemetry

import (
	"context"
	"crypto/tls"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// ExporterKind selects which span exporter a Provider uses.
type ExporterKind string

const (
	ExporterStdout ExporterKind = "stdout"
	ExporterOTLP   ExporterKind = "otlp"
)

// Config configures a Provider.
type Config struct {
	ServiceName string
	Exporter    ExporterKind

	// OTLPEndpoint is required when Exporter is ExporterOTLP.
	OTLPEndpoint string
	// OTLPInsecure disables TLS for local collectors.
	OTLPInsecure bool
}

// Provider owns the process's tracer provider and its one tracer.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// New builds a Provider for cfg and installs it as the global tracer
// provider so libraries using otel.Tracer pick it up.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes("", semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return &Provider{tp: tp, tracer: tp.Tracer("github.com/tombee/waypoint")}, nil
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterOTLP:
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		} else {
			opts = append(opts, otlptracehttp.WithTLSClientConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
		}
		exporter, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: build otlp exporter: %w", err)
		}
		return exporter, nil
	case ExporterStdout, "":
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("telemetry: build stdout exporter: %w", err)
		}
		return exporter, nil
	default:
		return nil, fmt.Errorf("telemetry: unknown exporter kind %q", cfg.Exporter)
	}
}

// Tracer returns the provider's tracer, for callers (such as
// pkg/worker's WithTracer option) that want to start their own spans
// instead of going through StartStep.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// StartStep opens a span named after the activity's agent name, tagged
// with the workflow's correlation id.
func (p *Provider) StartStep(ctx context.Context, correlationID, agentName string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, agentName, trace.WithAttributes(
		attrCorrelationID(correlationID),
		attrAgentName(agentName),
	))
}

// Shutdown flushes pending spans and releases exporter resources.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}
