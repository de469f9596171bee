package orchestrator

import (
	"errors"
	"fmt"
)

// Failure classes attached to step errors.
var (
	ErrGeneration   = errors.New("generation failed")
	ErrRepository   = errors.New("repository unavailable")
	ErrPublish      = errors.New("publish failed")
	ErrAttachment   = errors.New("attachment unavailable")
	ErrContextFetch = errors.New("previous context unavailable")
	ErrCommitLookup = errors.New("commit lookup failed")
	ErrStore        = errors.New("job store failed")
	ErrPanic        = errors.New("pipeline panicked")
	ErrShutdown     = errors.New("orchestrator is shutting down")
)

// Pipeline step names, used in errors, spans and metrics.
const (
	StepProcessing  = "mark_processing"
	StepContext     = "prior_context"
	StepGenerate    = "generate"
	StepRepository  = "repository"
	StepAttachments = "attachments"
	StepFiles       = "files"
	StepLicense     = "license"
	StepHosting     = "hosting"
	StepCommit      = "commit"
	StepFinalize    = "finalize"
	StepNotify      = "notify"
)

// StepError describes a failed pipeline step. Fatal errors stop the job.
type StepError struct {
	Step  string
	Fatal bool
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func fatal(step string, class, err error) *StepError {
	return &StepError{Step: step, Fatal: true, Err: fmt.Errorf("%w: %w", class, err)}
}

func recoverable(step string, class, err error) *StepError {
	return &StepError{Step: step, Err: fmt.Errorf("%w: %w", class, err)}
}
