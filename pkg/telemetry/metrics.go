package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/vyvo/appbuilder"

// JobMetrics counts pipeline outcomes.
type JobMetrics struct {
	started             metric.Int64Counter
	completed           metric.Int64Counter
	failed              metric.Int64Counter
	notificationsFailed metric.Int64Counter
}

// NewJobMetrics registers the job counters on the global meter provider.
func NewJobMetrics() (*JobMetrics, error) {
	meter := otel.Meter(instrumentationName)
	m := &JobMetrics{}
	var err error
	if m.started, err = meter.Int64Counter("jobs_started", metric.WithDescription("Jobs that entered processing"), metric.WithUnit("{job}")); err != nil {
		return nil, err
	}
	if m.completed, err = meter.Int64Counter("jobs_completed", metric.WithDescription("Jobs that reached completed"), metric.WithUnit("{job}")); err != nil {
		return nil, err
	}
	if m.failed, err = meter.Int64Counter("jobs_failed", metric.WithDescription("Jobs that reached failed"), metric.WithUnit("{job}")); err != nil {
		return nil, err
	}
	if m.notificationsFailed, err = meter.Int64Counter("notifications_failed", metric.WithDescription("Callbacks that exhausted their retries"), metric.WithUnit("{notification}")); err != nil {
		return nil, err
	}
	return m, nil
}

func roundAttr(round int) metric.AddOption {
	return metric.WithAttributes(attribute.Int("round", round))
}

func (m *JobMetrics) Started(ctx context.Context, round int) {
	if m != nil {
		m.started.Add(ctx, 1, roundAttr(round))
	}
}

func (m *JobMetrics) Completed(ctx context.Context, round int) {
	if m != nil {
		m.completed.Add(ctx, 1, roundAttr(round))
	}
}

func (m *JobMetrics) Failed(ctx context.Context, round int, step string) {
	if m != nil {
		m.failed.Add(ctx, 1, metric.WithAttributes(attribute.Int("round", round), attribute.String("step", step)))
	}
}

func (m *JobMetrics) NotificationFailed(ctx context.Context) {
	if m != nil {
		m.notificationsFailed.Add(ctx, 1)
	}
}
