// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/stacklok/mcpgate"

// Telemetry opens a span per routed operation and records a request counter
// and a duration histogram labeled by method, backend, and success. When no
// telemetry SDK is installed the global providers are no-ops and the layer
// should be omitted from the chain instead.
func Telemetry() (Middleware, error) {
	tracer := otel.Tracer(instrumentationName)
	meter := otel.Meter(instrumentationName)

	requests, err := meter.Int64Counter("mcpgate.requests",
		metric.WithDescription("Routed MCP operations"))
	if err != nil {
		return nil, fmt.Errorf("creating request counter: %w", err)
	}
	duration, err := meter.Float64Histogram("mcpgate.request.duration",
		metric.WithDescription("MCP operation duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("creating duration histogram: %w", err)
	}

	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (*Response, error) {
			ctx, span := tracer.Start(ctx,
				fmt.Sprintf("mcp.%s.%s", req.Method, req.Name),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("mcp.method", req.Method),
					attribute.String("mcp.capability", req.Name),
				))
			defer span.End()

			start := time.Now()
			resp, err := next(ctx, req)
			elapsed := time.Since(start)

			backendName := ""
			if resp != nil {
				backendName = resp.Backend
			}
			attrs := []attribute.KeyValue{
				attribute.String("mcp.method", req.Method),
				attribute.String("mcp.backend", backendName),
				attribute.Bool("success", err == nil),
			}
			requests.Add(ctx, 1, metric.WithAttributes(attrs...))
			duration.Record(ctx, float64(elapsed)/float64(time.Millisecond),
				metric.WithAttributes(attrs...))

			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			} else {
				span.SetAttributes(attribute.String("mcp.backend", backendName))
				span.SetStatus(codes.Ok, "")
			}
			return resp, err
		}
	}, nil
}
