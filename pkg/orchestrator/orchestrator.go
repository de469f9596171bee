package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyvo/appbuilder/pkg/generator"
	"github.com/vyvo/appbuilder/pkg/jobs"
	"github.com/vyvo/appbuilder/pkg/publisher"
	"github.com/vyvo/appbuilder/pkg/telemetry"
)

// Logger is the subset of slog.Logger the orchestrator needs.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Notifier delivers result payloads to evaluation callbacks.
type Notifier interface {
	Deliver(ctx context.Context, url string, payload any) error
}

// Broadcaster pushes events to live observers.
type Broadcaster interface {
	BroadcastToTask(ctx context.Context, taskID string, data any)
	BroadcastGlobal(ctx context.Context, data any)
}

// Deps are the collaborators a pipeline run talks to.
type Deps struct {
	Store     jobs.Store
	Generator generator.Generator
	Publisher publisher.Publisher
	Notifier  Notifier
	Hub       Broadcaster
	Metrics   *telemetry.JobMetrics
	Logger    Logger
}

// Options tune pipeline execution.
type Options struct {
	// Timeout bounds a single pipeline run. Zero means no bound.
	Timeout time.Duration
	// WorkDir is where per-job attachment directories are created.
	WorkDir string
	// LicenseHolder is the copyright holder written into LICENSE.
	LicenseHolder string
	Now           func() time.Time
}

// Orchestrator runs jobs through generate, publish and notify on
// background goroutines.
type Orchestrator struct {
	deps   Deps
	opts   Options
	tracer trace.Tracer

	mu       sync.Mutex
	closing  bool
	inflight sync.WaitGroup
}

func New(deps Deps, opts Options) *Orchestrator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		deps:   deps,
		opts:   opts,
		tracer: otel.Tracer("github.com/vyvo/appbuilder/pkg/orchestrator"),
	}
}

// Handle tracks one background run.
type Handle struct {
	done chan struct{}
	err  error
}

// Wait blocks until the run finishes and returns its fatal error, if any.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// Done is closed when the run finishes.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func finished(err error) *Handle {
	h := &Handle{done: make(chan struct{}), err: err}
	close(h.done)
	return h
}

// start launches fn unless the orchestrator is shutting down.
func (o *Orchestrator) start(fn func() error) *Handle {
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return finished(ErrShutdown)
	}
	o.inflight.Add(1)
	o.mu.Unlock()

	h := &Handle{done: make(chan struct{})}
	go func() {
		defer o.inflight.Done()
		defer close(h.done)
		h.err = fn()
	}()
	return h
}

// Submit runs the pipeline for a stored PENDING job. The run is detached
// from any request context.
func (o *Orchestrator) Submit(job jobs.Job) *Handle {
	return o.start(func() error {
		ctx := context.Background()
		if o.opts.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, o.opts.Timeout)
			defer cancel()
		}
		return o.run(ctx, job)
	})
}

// Replay re-delivers the stored result of a completed job.
func (o *Orchestrator) Replay(job jobs.Job) *Handle {
	return o.start(func() error {
		if job.Result == nil {
			return nil
		}
		ctx, span := o.tracer.Start(context.Background(), "replay_notification")
		defer span.End()
		return o.notify(ctx, job, *job.Result)
	})
}

// Shutdown stops accepting work and waits for in-flight runs or ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// interruptedMessage is recorded on jobs a previous process left unfinished.
const interruptedMessage = "interrupted: the service stopped before the job finished"

// FailInterrupted marks every PENDING or PROCESSING job as FAILED. It is
// meant to run once at startup, before intake opens, when a persistent store
// may still hold jobs owned by a process that is gone.
func (o *Orchestrator) FailInterrupted(ctx context.Context) (int, error) {
	failed := 0
	for _, status := range []jobs.Status{jobs.StatusPending, jobs.StatusProcessing} {
		for {
			// Each failed job leaves the filter, so the first page keeps moving.
			page, _, err := o.deps.Store.List(ctx, jobs.ListFilter{Status: status, Limit: jobs.MaxListLimit})
			if err != nil {
				return failed, fmt.Errorf("list %s jobs: %w", status, err)
			}
			if len(page) == 0 {
				break
			}
			for _, job := range page {
				_, err := o.deps.Store.Update(ctx, job.ID, func(j *jobs.Job) error {
					j.Status = jobs.StatusFailed
					j.Error = interruptedMessage
					j.UpdatedAt = o.opts.Now().UTC()
					return nil
				})
				if errors.Is(err, jobs.ErrTerminal) {
					continue
				}
				if err != nil {
					return failed, fmt.Errorf("fail interrupted job %s: %w", job.ID, err)
				}
				failed++
				o.deps.Metrics.Failed(ctx, job.Key.Round, "interrupted")
			}
		}
	}
	if failed > 0 {
		o.deps.Logger.Warn("marked interrupted jobs as failed", "count", failed)
	}
	return failed, nil
}
