package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"net/url"
	"regexp"

	"github.com/vyvo/appbuilder/pkg/auth"
	"github.com/vyvo/appbuilder/pkg/jobs"
	"github.com/vyvo/appbuilder/pkg/orchestrator"
)

// IntakeRequest is the body accepted by the intake endpoints.
type IntakeRequest struct {
	Email         string            `json:"email"`
	Secret        string            `json:"secret"`
	Task          string            `json:"task"`
	Round         *int              `json:"round,omitempty"`
	Nonce         string            `json:"nonce"`
	Brief         string            `json:"brief"`
	Checks        []string          `json:"checks,omitempty"`
	EvaluationURL string            `json:"evaluation_url"`
	Attachments   []jobs.Attachment `json:"attachments,omitempty"`
}

// IntakeResponse acknowledges an intake request.
type IntakeResponse struct {
	Status string `json:"status"`
	Note   string `json:"note"`
}

// ValidationError reports a malformed intake field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// msgInvalidSecret is the rejection text callers match on.
const msgInvalidSecret = "Invalid secret"

// taskPattern keeps task ids usable as repository and directory names.
var taskPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,99}$`)

// Validate checks every field and returns the resolved job key.
func (req IntakeRequest) Validate() (jobs.Key, error) {
	round := 1
	if req.Round != nil {
		round = *req.Round
	}
	key := jobs.Key{Email: trimmed(req.Email), Task: trimmed(req.Task), Round: round, Nonce: trimmed(req.Nonce)}

	if key.Email == "" {
		return key, invalid("email", "is required")
	}
	if addr, err := mail.ParseAddress(key.Email); err != nil || addr.Address != key.Email {
		return key, invalid("email", "is not a valid address")
	}
	if !taskPattern.MatchString(key.Task) || key.Task == "." || key.Task == ".." {
		return key, invalid("task", "must be 1-100 letters, digits, '.', '_' or '-'")
	}
	if round < 1 {
		return key, invalid("round", "must be at least 1")
	}
	if key.Nonce == "" {
		return key, invalid("nonce", "is required")
	}
	if trimmed(req.Brief) == "" {
		return key, invalid("brief", "is required")
	}

	u, err := url.Parse(trimmed(req.EvaluationURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return key, invalid("evaluation_url", "must be an absolute http(s) URL")
	}

	seen := make(map[string]struct{}, len(req.Attachments))
	for i, att := range req.Attachments {
		field := fmt.Sprintf("attachments[%d]", i)
		if err := jobs.ValidateName(att.Name); err != nil {
			return key, invalid(field+".name", err.Error())
		}
		if _, dup := seen[att.Name]; dup {
			return key, invalid(field+".name", "duplicate attachment name")
		}
		seen[att.Name] = struct{}{}
		if _, err := jobs.ParseSource(att.URL); err != nil {
			return key, invalid(field+".url", err.Error())
		}
	}
	return key, nil
}

func (s *Server) handleIntake(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)

	var req IntakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	if err := auth.CheckSecret(req.Secret, s.opts.Secret); err != nil {
		s.logger.Warn("intake rejected", "reason", "secret mismatch", "task", req.Task, "remote", r.RemoteAddr)
		respondError(w, http.StatusForbidden, msgInvalidSecret)
		return
	}

	key, err := req.Validate()
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	existing, err := s.store.Get(ctx, key)
	switch {
	case err == nil:
		s.respondDuplicate(w, existing)
		return
	case !errors.Is(err, jobs.ErrNotFound):
		s.logger.Error("dedup lookup failed", "key", key.String(), "error", err)
		respondError(w, http.StatusInternalServerError, "job store unavailable")
		return
	}

	now := s.opts.Now().UTC()
	job := jobs.Job{
		ID:            s.opts.NewID(),
		Key:           key,
		Brief:         req.Brief,
		Checks:        req.Checks,
		Attachments:   req.Attachments,
		EvaluationURL: trimmed(req.EvaluationURL),
		Status:        jobs.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Create(ctx, job); err != nil {
		if errors.Is(err, jobs.ErrDuplicate) {
			// A concurrent request with the same key won the insert.
			if existing, getErr := s.store.Get(ctx, key); getErr == nil {
				s.respondDuplicate(w, existing)
				return
			}
		}
		s.logger.Error("create job failed", "key", key.String(), "error", err)
		respondError(w, http.StatusInternalServerError, "job store unavailable")
		return
	}

	if rejected(s.runner.Submit(job)) {
		// Never started; drop the record so a retry is treated as new.
		if err := s.store.Delete(context.WithoutCancel(ctx), job.ID); err != nil {
			s.logger.Error("remove unscheduled job failed", "job_id", job.ID, "error", err)
		}
		s.logger.Warn("intake refused during shutdown", "task", key.Task, "round", key.Round)
		respondError(w, http.StatusServiceUnavailable, "service is shutting down")
		return
	}
	s.logger.Info("job accepted", "job_id", job.ID, "task", key.Task, "round", key.Round)

	event := map[string]any{
		"type": "new_project",
		"project": map[string]any{
			"id":      job.ID,
			"task_id": key.Task,
			"round":   key.Round,
			"status":  job.Status,
			"brief":   job.Brief,
		},
	}
	go s.hub.BroadcastGlobal(context.WithoutCancel(ctx), event)

	respondJSON(w, IntakeResponse{
		Status: "accepted",
		Note:   fmt.Sprintf("processing round %d started", key.Round),
	}, http.StatusAccepted)
}

// rejected reports whether the runner refused the job without starting it.
func rejected(h *orchestrator.Handle) bool {
	if h == nil {
		return false
	}
	select {
	case <-h.Done():
		return errors.Is(h.Wait(), orchestrator.ErrShutdown)
	default:
		return false
	}
}

// respondDuplicate acknowledges a repeated request and re-delivers the stored
// result when the job has one.
func (s *Server) respondDuplicate(w http.ResponseWriter, existing jobs.Job) {
	note := fmt.Sprintf("duplicate handled; job is %s", existing.Status)
	if existing.Result != nil {
		s.runner.Replay(existing)
		note = "duplicate handled & re-notified"
	}
	s.logger.Info("duplicate intake", "job_id", existing.ID, "status", existing.Status, "replayed", existing.Result != nil)
	respondJSON(w, IntakeResponse{Status: "ok", Note: note}, http.StatusOK)
}
