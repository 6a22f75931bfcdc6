// Package telemetry builds the tracer provider for list host calls.
package telemetry

import (
	"fmt"
	"io"

	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Exporters accepted by NewTracerProvider
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
)

// NewTracerProvider builds a provider sampling root spans by ratio. With the
// stdout exporter, finished spans are written to w as JSON; with none, spans
// still carry trace IDs for log correlation but are not exported.
func NewTracerProvider(exporter string, ratio float64, w io.Writer) (*sdktrace.TracerProvider, error) {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	}

	switch exporter {
	case "", ExporterNone:
	case ExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", exporter)
	}

	return sdktrace.NewTracerProvider(opts...), nil
}
