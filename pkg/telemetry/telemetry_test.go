package telemetry

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestSetupDisabledIsNoop(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Setup(context.Background(), "appbuilder-test", false, &buf)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected no output, got %q", buf.String())
	}
}

func TestSetupExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	ctx := context.Background()
	shutdown, err := Setup(ctx, "appbuilder-test", true, &buf)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	_, span := otel.Tracer("telemetry-test").Start(ctx, "pipeline-span")
	span.End()

	if err := shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !strings.Contains(buf.String(), "pipeline-span") {
		t.Fatalf("expected exported span in output, got %q", buf.String())
	}
}

func TestJobMetricsCounts(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m, err := NewJobMetrics()
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	ctx := context.Background()
	m.Started(ctx, 1)
	m.Started(ctx, 2)
	m.Completed(ctx, 1)
	m.Failed(ctx, 2, "generate")
	m.NotificationFailed(ctx)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	totals := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			sum, ok := metric.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				totals[metric.Name] += dp.Value
			}
		}
	}
	want := map[string]int64{"jobs_started": 2, "jobs_completed": 1, "jobs_failed": 1, "notifications_failed": 1}
	for name, n := range want {
		if totals[name] != n {
			t.Fatalf("%s = %d, want %d (all: %v)", name, totals[name], n, totals)
		}
	}
}

func TestJobMetricsNilSafe(t *testing.T) {
	var m *JobMetrics
	ctx := context.Background()
	m.Started(ctx, 1)
	m.Completed(ctx, 1)
	m.Failed(ctx, 1, "files")
	m.NotificationFailed(ctx)
}
