package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mirasi-app/go-mirasi-backend/internal/config"
)

func preserveGlobals(t *testing.T) func() {
	t.Helper()
	prevTP := otel.GetTracerProvider()
	prevProp := otel.GetTextMapPropagator()
	return func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	}
}

func enabledCfg(name string) config.OTELConfig {
	return config.OTELConfig{
		Enabled:     true,
		Insecure:    true,
		Endpoint:    "localhost:4317",
		ServiceName: name,
		SampleRatio: 1.0,
	}
}

func TestSetupOTel_DisabledIsNoOp(t *testing.T) {
	restore := preserveGlobals(t)
	defer restore()

	prevTP := otel.GetTracerProvider()

	shutdown, err := SetupOTel(context.Background(), config.OTELConfig{Enabled: false}, "v0")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if shutdown == nil {
		t.Fatalf("expected non-nil shutdown func")
	}
	if otel.GetTracerProvider() != prevTP {
		t.Fatalf("disabled setup replaced the tracer provider")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("no-op shutdown returned error: %v", err)
	}
}

func TestSetupOTel_InstallsProviderAndPropagator(t *testing.T) {
	restore := preserveGlobals(t)
	defer restore()

	shutdown, err := SetupOTel(context.Background(), enabledCfg("mirasi-test"), "v1.2.3")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("expected *sdktrace.TracerProvider, got %T", otel.GetTracerProvider())
	}

	ctx, span := otel.Tracer("test").Start(context.Background(), "upload")
	span.End()

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if carrier.Get("traceparent") == "" {
		t.Fatalf("propagator did not inject traceparent")
	}
}

func TestSetupOTel_TLSBranch(t *testing.T) {
	restore := preserveGlobals(t)
	defer restore()

	cfg := enabledCfg("mirasi-tls")
	cfg.Insecure = false
	shutdown, err := SetupOTel(context.Background(), cfg, "v1")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("expected *sdktrace.TracerProvider")
	}
}

func TestSetupOTel_ExporterErrorLeavesGlobalsIntact(t *testing.T) {
	restore := preserveGlobals(t)
	defer restore()

	orig := newOTLPExporterFn
	defer func() { newOTLPExporterFn = orig }()
	newOTLPExporterFn = func(ctx context.Context, client otlptrace.Client) (*otlptrace.Exporter, error) {
		return nil, errors.New("exporter down")
	}

	prevTP := otel.GetTracerProvider()
	prevProp := otel.GetTextMapPropagator()

	if _, err := SetupOTel(context.Background(), enabledCfg("mirasi"), "v0"); err == nil {
		t.Fatalf("expected error, got nil")
	}
	if otel.GetTracerProvider() != prevTP {
		t.Fatalf("tracer provider changed on failure")
	}
	if otel.GetTextMapPropagator() != prevProp {
		t.Fatalf("propagator changed on failure")
	}
}

func TestSetupOTel_ResourceErrorLeavesGlobalsIntact(t *testing.T) {
	restore := preserveGlobals(t)
	defer restore()

	orig := newServiceResourceFn
	defer func() { newServiceResourceFn = orig }()
	newServiceResourceFn = func(ctx context.Context, serviceName, version string) (*resource.Resource, error) {
		return nil, errors.New("resource down")
	}

	prevTP := otel.GetTracerProvider()

	if _, err := SetupOTel(context.Background(), enabledCfg("mirasi"), "v0"); err == nil {
		t.Fatalf("expected error, got nil")
	}
	if otel.GetTracerProvider() != prevTP {
		t.Fatalf("tracer provider changed on failure")
	}
}

func TestSetupOTel_ShutdownCompletes(t *testing.T) {
	restore := preserveGlobals(t)
	defer restore()

	shutdown, err := SetupOTel(context.Background(), enabledCfg("mirasi-shutdown"), "v1")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		t.Fatalf("shutdown returned error: %v", err)
	}
}
