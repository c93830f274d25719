package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/kidoz/esxi-patcher-go/internal/config"
)

func TestInit_Disabled(t *testing.T) {
	cfg := &config.TelemetryConfig{Enabled: false}

	shutdown, err := Init(context.Background(), cfg, false)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	tp := otel.GetTracerProvider()
	if _, ok := tp.(noop.TracerProvider); !ok {
		t.Errorf("expected noop.TracerProvider, got %T", tp)
	}

	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestInit_EnabledNoEndpointNotVerbose(t *testing.T) {
	cfg := &config.TelemetryConfig{Enabled: true}

	shutdown, err := Init(context.Background(), cfg, false)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	tp := otel.GetTracerProvider()
	if _, ok := tp.(noop.TracerProvider); !ok {
		t.Errorf("expected noop.TracerProvider for no-endpoint/no-verbose, got %T", tp)
	}

	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestInit_EnabledVerbose(t *testing.T) {
	cfg := &config.TelemetryConfig{Enabled: true}

	shutdown, err := Init(context.Background(), cfg, true)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	tp := otel.GetTracerProvider()
	if _, ok := tp.(noop.TracerProvider); ok {
		t.Error("expected real TracerProvider with verbose, got noop")
	}
}

func TestEnd_RecordsError(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	_, ok := tp.Tracer("test").Start(context.Background(), "ok")
	End(ok, nil)
	_, failed := tp.Tracer("test").Start(context.Background(), "failed")
	End(failed, errors.New("boom"))

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 ended spans, got %d", len(spans))
	}
	if spans[0].Status().Code == codes.Error {
		t.Error("successful span should not carry an error status")
	}
	if spans[1].Status().Code != codes.Error || spans[1].Status().Description != "boom" {
		t.Errorf("failed span status = %+v", spans[1].Status())
	}
}
