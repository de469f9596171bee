package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyvo/appbuilder/pkg/generator"
	"github.com/vyvo/appbuilder/pkg/jobs"
	"github.com/vyvo/appbuilder/pkg/publisher"
)

const readmePath = "README.md"

// run executes the pipeline and returns the fatal error that stopped it.
func (o *Orchestrator) run(ctx context.Context, job jobs.Job) (err error) {
	ctx, span := o.tracer.Start(ctx, "pipeline", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.task", job.Key.Task),
		attribute.Int("job.round", job.Key.Round),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			o.deps.Logger.Error("pipeline panic", "job_id", job.ID, "panic", r)
			err = fatal("panic", ErrPanic, fmt.Errorf("%v", r))
		}
		if err == nil {
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, jobs.ErrTerminal) {
			// Already settled by an earlier run.
			o.deps.Logger.Warn("job already finished", "job_id", job.ID, "error", err)
			return
		}
		o.fail(ctx, job, err)
	}()

	log := []any{"job_id", job.ID, "task", job.Key.Task, "round", job.Key.Round}
	o.deps.Logger.Info("pipeline started", log...)

	if err := o.step(ctx, StepProcessing, func(ctx context.Context) error {
		return o.markProcessing(ctx, job)
	}); err != nil {
		return err
	}
	o.deps.Metrics.Started(ctx, job.Key.Round)
	o.progress(ctx, job, "Starting project generation...")

	var prevContext string
	if job.Key.Round >= 2 {
		_ = o.step(ctx, StepContext, func(ctx context.Context) error {
			prevContext = o.priorContext(ctx, job)
			return nil
		})
	}

	workDir := filepath.Join(o.opts.WorkDir, job.ID)
	defer os.RemoveAll(workDir)

	var out generator.Output
	if err := o.step(ctx, StepGenerate, func(ctx context.Context) error {
		if err := os.MkdirAll(workDir, 0o755); err != nil {
			return fatal(StepGenerate, ErrGeneration, err)
		}
		var genErr error
		out, genErr = o.deps.Generator.Generate(ctx, generator.Request{
			Brief:       job.Brief,
			Attachments: job.Attachments,
			Checks:      job.Checks,
			Round:       job.Key.Round,
			PrevContext: prevContext,
			WorkDir:     workDir,
		})
		if genErr != nil {
			return fatal(StepGenerate, ErrGeneration, genErr)
		}
		for _, sk := range out.Skipped {
			o.deps.Logger.Warn("attachment fetch failed", "job_id", job.ID, "attachment", sk.Name,
				"error", recoverable(StepAttachments, ErrAttachment, sk.Err))
		}
		return nil
	}); err != nil {
		return err
	}
	o.progress(ctx, job, "Code generated, publishing files...")

	var repo publisher.Repo
	if err := o.step(ctx, StepRepository, func(ctx context.Context) error {
		var repoErr error
		repo, repoErr = o.deps.Publisher.CreateOrGetRepo(ctx, job.Key.Task, "Auto-generated app: "+job.Brief)
		if repoErr != nil {
			return fatal(StepRepository, ErrRepository, repoErr)
		}
		if _, err := o.deps.Store.Update(ctx, job.ID, func(j *jobs.Job) error {
			j.RepoURL = repo.HTMLURL
			j.UpdatedAt = o.opts.Now().UTC()
			return nil
		}); err != nil {
			return fatal(StepRepository, ErrStore, err)
		}
		return nil
	}); err != nil {
		return err
	}

	if job.Key.Round == 1 {
		_ = o.step(ctx, StepAttachments, func(ctx context.Context) error {
			o.publishAttachments(ctx, job, repo, out.Attachments)
			return nil
		})
	}

	published := 0
	if err := o.step(ctx, StepFiles, func(ctx context.Context) error {
		paths := make([]string, 0, len(out.Files))
		for p := range out.Files {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		var lastErr error
		for _, p := range paths {
			err := jobs.ValidateName(p)
			if err == nil {
				err = o.deps.Publisher.WriteTextFile(ctx, repo, p, out.Files[p], "Add/Update "+p)
			}
			if err != nil {
				lastErr = recoverable(StepFiles, ErrPublish, err)
				o.deps.Logger.Warn("file commit failed", "job_id", job.ID, "path", p, "error", lastErr)
				continue
			}
			published++
		}
		if published == 0 && lastErr != nil {
			return fatal(StepFiles, ErrPublish, errors.New("no generated file could be published"))
		}
		return nil
	}); err != nil {
		return err
	}

	_ = o.step(ctx, StepLicense, func(ctx context.Context) error {
		license := publisher.MITLicense(o.opts.LicenseHolder, o.opts.Now().Year())
		if err := o.deps.Publisher.WriteTextFile(ctx, repo, "LICENSE", license, "Add MIT license"); err != nil {
			err = recoverable(StepLicense, ErrPublish, err)
			o.deps.Logger.Warn("license commit failed", "job_id", job.ID, "error", err)
			return err
		}
		return nil
	})

	var pagesURL *string
	_ = o.step(ctx, StepHosting, func(ctx context.Context) error {
		pagesURL = o.resolveSite(ctx, job, repo)
		return nil
	})

	var commitSHA *string
	_ = o.step(ctx, StepCommit, func(ctx context.Context) error {
		sha, err := o.deps.Publisher.LatestCommitID(ctx, repo)
		if err != nil {
			o.deps.Logger.Warn("commit lookup failed", append(log, "error", recoverable(StepCommit, ErrCommitLookup, err))...)
			return nil
		}
		commitSHA = &sha
		return nil
	})

	result := jobs.Result{
		Email:     job.Key.Email,
		Task:      job.Key.Task,
		Round:     job.Key.Round,
		Nonce:     job.Key.Nonce,
		RepoURL:   repo.HTMLURL,
		CommitSHA: commitSHA,
		PagesURL:  pagesURL,
	}
	if err := o.step(ctx, StepFinalize, func(ctx context.Context) error {
		return o.complete(ctx, job, result)
	}); err != nil {
		return err
	}
	o.deps.Metrics.Completed(ctx, job.Key.Round)
	o.deps.Hub.BroadcastToTask(ctx, job.Key.Task, map[string]any{
		"status":    jobs.StatusCompleted,
		"message":   "Project completed successfully!",
		"repo_url":  result.RepoURL,
		"pages_url": result.PagesURL,
		"result":    result,
	})
	o.deps.Logger.Info("pipeline completed", append(log, "repo_url", result.RepoURL)...)

	_ = o.notify(ctx, job, result)
	return nil
}

// step runs fn inside its own span.
func (o *Orchestrator) step(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := o.tracer.Start(ctx, name)
	defer span.End()
	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (o *Orchestrator) markProcessing(ctx context.Context, job jobs.Job) error {
	_, err := o.deps.Store.Update(ctx, job.ID, func(j *jobs.Job) error {
		j.Status = jobs.StatusProcessing
		j.UpdatedAt = o.opts.Now().UTC()
		return nil
	})
	if err != nil {
		return fatal(StepProcessing, ErrStore, err)
	}
	return nil
}

// priorContext returns the README published by the previous round, or "".
func (o *Orchestrator) priorContext(ctx context.Context, job jobs.Job) string {
	repo, err := o.deps.Publisher.LookupRepo(ctx, job.Key.Task)
	if errors.Is(err, publisher.ErrRepoNotFound) {
		o.deps.Logger.Warn("round submitted before its repository exists; earlier rounds must be submitted first",
			"job_id", job.ID, "task", job.Key.Task, "round", job.Key.Round)
		return ""
	}
	if err != nil {
		o.deps.Logger.Warn("previous context unavailable", "job_id", job.ID, "error", recoverable(StepContext, ErrContextFetch, err))
		return ""
	}
	content, err := o.deps.Publisher.FileContent(ctx, repo, readmePath)
	if err != nil {
		o.deps.Logger.Warn("previous context unavailable", "job_id", job.ID, "error", recoverable(StepContext, ErrContextFetch, err))
		return ""
	}
	return content
}

// publishAttachments commits each attachment independently; failures are
// logged and skipped.
func (o *Orchestrator) publishAttachments(ctx context.Context, job jobs.Job, repo publisher.Repo, saved []generator.Saved) {
	for _, att := range saved {
		data, err := os.ReadFile(att.Path)
		if err == nil {
			if generator.IsText(att) {
				err = o.deps.Publisher.WriteTextFile(ctx, repo, att.Name, strings.ToValidUTF8(string(data), ""), "Add attachment "+att.Name)
			} else {
				err = o.deps.Publisher.WriteBinaryFile(ctx, repo, att.Name, data, "Add binary "+att.Name)
			}
		}
		if err != nil {
			o.deps.Logger.Warn("attachment commit failed", "job_id", job.ID, "attachment", att.Name,
				"error", recoverable(StepAttachments, ErrPublish, err))
		}
	}
}

// resolveSite enables hosting on round 1. Later rounds reuse the
// deterministic address without calling the publisher.
func (o *Orchestrator) resolveSite(ctx context.Context, job jobs.Job, repo publisher.Repo) *string {
	if job.Key.Round >= 2 {
		u := o.deps.Publisher.SiteURL(repo)
		return &u
	}
	enabled, err := o.deps.Publisher.EnableStaticHosting(ctx, repo)
	if err != nil {
		o.deps.Logger.Warn("static hosting not enabled", "job_id", job.ID, "error", recoverable(StepHosting, ErrPublish, err))
		return nil
	}
	if !enabled {
		return nil
	}
	u := o.deps.Publisher.SiteURL(repo)
	return &u
}

func (o *Orchestrator) complete(ctx context.Context, job jobs.Job, result jobs.Result) error {
	_, err := o.deps.Store.Update(ctx, job.ID, func(j *jobs.Job) error {
		now := o.opts.Now().UTC()
		j.Status = jobs.StatusCompleted
		j.Result = &result
		j.RepoURL = result.RepoURL
		j.PagesURL = deref(result.PagesURL)
		j.CommitSHA = deref(result.CommitSHA)
		j.Error = ""
		j.UpdatedAt = now
		j.CompletedAt = &now
		return nil
	})
	if err != nil {
		return fatal(StepFinalize, ErrStore, err)
	}
	return nil
}

// fail records a fatal error on the job and tells observers. Failed jobs are
// never reported to the evaluation callback.
func (o *Orchestrator) fail(ctx context.Context, job jobs.Job, cause error) {
	step := "unknown"
	var stepErr *StepError
	if errors.As(cause, &stepErr) {
		step = stepErr.Step
	}
	o.deps.Logger.Error("pipeline failed", "job_id", job.ID, "task", job.Key.Task, "round", job.Key.Round, "step", step, "error", cause)
	o.deps.Metrics.Failed(ctx, job.Key.Round, step)

	// The pipeline context may already be done; the failure still has to land.
	recordCtx := context.WithoutCancel(ctx)
	if _, err := o.deps.Store.Update(recordCtx, job.ID, func(j *jobs.Job) error {
		j.Status = jobs.StatusFailed
		j.Error = cause.Error()
		j.UpdatedAt = o.opts.Now().UTC()
		return nil
	}); err != nil {
		o.deps.Logger.Error("record failure", "job_id", job.ID, "error", err)
	}
	o.deps.Hub.BroadcastToTask(recordCtx, job.Key.Task, map[string]any{
		"status":  jobs.StatusFailed,
		"message": "Error: " + cause.Error(),
	})
}

func (o *Orchestrator) notify(ctx context.Context, job jobs.Job, result jobs.Result) error {
	ctx, span := o.tracer.Start(context.WithoutCancel(ctx), StepNotify, trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("notify.url", job.EvaluationURL),
	))
	defer span.End()

	if err := o.deps.Notifier.Deliver(ctx, job.EvaluationURL, result); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.deps.Metrics.NotificationFailed(ctx)
		o.deps.Logger.Error("evaluation notification failed", "job_id", job.ID, "url", job.EvaluationURL, "error", err)
		return err
	}
	return nil
}

func (o *Orchestrator) progress(ctx context.Context, job jobs.Job, message string) {
	o.deps.Hub.BroadcastToTask(ctx, job.Key.Task, map[string]any{
		"status":  jobs.StatusProcessing,
		"message": message,
	})
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
