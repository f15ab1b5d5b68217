package tracing

import (
	"context"
	"slices"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestInitWithoutEndpointLeavesGlobalsAlone(t *testing.T) {
	for _, endpoint := range []string{"", "   "} {
		t.Run("endpoint="+strings.TrimSpace(endpoint), func(t *testing.T) {
			sentinel := installSentinelProvider(t)
			t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", endpoint)

			shutdown, err := Init(context.Background())
			if err != nil {
				t.Fatalf("Init() error = %v", err)
			}
			if otel.GetTracerProvider() != sentinel {
				t.Fatal("Init() replaced the tracer provider without an endpoint")
			}
			if err := shutdown(context.Background()); err != nil {
				t.Fatalf("shutdown() error = %v", err)
			}
		})
	}
}

func TestInitRejectsInvalidEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
	}{
		{name: "unterminated ipv6 host", endpoint: "http://[::1"},
		{name: "missing scheme", endpoint: "://collector:4318"},
		{name: "bad escape", endpoint: "http://collector:4318/%zz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sentinel := installSentinelProvider(t)
			t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", tt.endpoint)

			shutdown, err := Init(context.Background())
			if err == nil || !strings.Contains(err.Error(), "invalid OTLP endpoint") {
				t.Fatalf("Init() error = %v, want invalid OTLP endpoint", err)
			}
			if shutdown != nil {
				t.Fatal("Init() returned a shutdown func on error")
			}
			if otel.GetTracerProvider() != sentinel {
				t.Fatal("Init() replaced the tracer provider on error")
			}
		})
	}
}

func TestInitReportsServiceName(t *testing.T) {
	tests := []struct {
		name    string
		envName string
		want    string
	}{
		{name: "default", envName: "", want: "compatz"},
		{name: "override", envName: " checkout-edge ", want: "checkout-edge"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			installSentinelProvider(t)
			t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://127.0.0.1:4318")
			t.Setenv("OTEL_SERVICE_NAME", tt.envName)

			shutdown, err := Init(context.Background())
			if err != nil {
				t.Fatalf("Init() error = %v", err)
			}
			t.Cleanup(func() {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				if err := shutdown(ctx); err != nil {
					t.Errorf("shutdown() error = %v", err)
				}
			})

			if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
				t.Fatalf("tracer provider = %T, want *sdktrace.TracerProvider", otel.GetTracerProvider())
			}

			// The span is left open so shutdown has nothing to export.
			_, span := otel.Tracer("compatz/tracing_test").Start(context.Background(), "check")
			readOnly, ok := span.(sdktrace.ReadOnlySpan)
			if !ok {
				t.Fatalf("span = %T, want sdktrace.ReadOnlySpan", span)
			}
			got, ok := readOnly.Resource().Set().Value(semconv.ServiceNameKey)
			if !ok || got.AsString() != tt.want {
				t.Fatalf("service.name = %q (present %v), want %q", got.AsString(), ok, tt.want)
			}

			fields := otel.GetTextMapPropagator().Fields()
			for _, want := range []string{"traceparent", "baggage"} {
				if !slices.Contains(fields, want) {
					t.Fatalf("propagator fields = %v, missing %q", fields, want)
				}
			}
		})
	}
}

func TestNewResourceKeepsSDKDefaults(t *testing.T) {
	res, err := newResource("compatz")
	if err != nil {
		t.Fatalf("newResource() error = %v", err)
	}
	if got, _ := res.Set().Value(semconv.ServiceNameKey); got.AsString() != "compatz" {
		t.Fatalf("service.name = %q, want compatz", got.AsString())
	}
	if _, ok := res.Set().Value(semconv.TelemetrySDKLanguageKey); !ok {
		t.Fatal("telemetry.sdk.language missing, want SDK default attributes merged in")
	}
}

func installSentinelProvider(t *testing.T) trace.TracerProvider {
	t.Helper()
	originalProvider := otel.GetTracerProvider()
	originalPropagator := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(originalProvider)
		otel.SetTextMapPropagator(originalPropagator)
	})

	var sentinel trace.TracerProvider = noop.NewTracerProvider()
	otel.SetTracerProvider(sentinel)
	return sentinel
}
