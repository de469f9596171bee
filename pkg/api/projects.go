package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/vyvo/appbuilder/pkg/jobs"
)

// ProjectList is the page returned by the project listing.
type ProjectList struct {
	Projects []jobs.Job `json:"projects"`
	Total    int        `json:"total"`
	Skip     int        `json:"skip"`
	Limit    int        `json:"limit"`
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := jobs.ListFilter{Limit: jobs.DefaultListLimit}

	if raw := q.Get("skip"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "skip must be a non-negative integer")
			return
		}
		filter.Offset = n
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > jobs.MaxListLimit {
			respondError(w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(jobs.MaxListLimit))
			return
		}
		filter.Limit = n
	}
	if raw := q.Get("status"); raw != "" {
		status := jobs.Status(raw)
		if !status.Valid() {
			respondError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(raw))
			return
		}
		filter.Status = status
	}

	items, total, err := s.store.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("list projects failed", "error", err)
		respondError(w, http.StatusInternalServerError, "job store unavailable")
		return
	}
	if items == nil {
		items = []jobs.Job{}
	}
	respondJSON(w, ProjectList{Projects: items, Total: total, Skip: filter.Offset, Limit: filter.Limit}, http.StatusOK)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.logger.Error("project stats failed", "error", err)
		respondError(w, http.StatusInternalServerError, "job store unavailable")
		return
	}
	respondJSON(w, stats, http.StatusOK)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.LatestForTask(r.Context(), chi.URLParam(r, "taskID"))
	if errors.Is(err, jobs.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Project not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "job store unavailable")
		return
	}
	respondJSON(w, job, http.StatusOK)
}

// handleDeleteProject removes every finished round of a task. Rounds that
// are still running are left alone and reported as a conflict.
func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := chi.URLParam(r, "taskID")

	deleted := 0
	for {
		job, err := s.store.LatestForTask(ctx, taskID)
		if errors.Is(err, jobs.ErrNotFound) {
			break
		}
		if err != nil {
			respondError(w, http.StatusInternalServerError, "job store unavailable")
			return
		}
		if !job.Status.Terminal() {
			respondJSON(w, map[string]any{"error": "project is still processing", "deleted": deleted}, http.StatusConflict)
			return
		}
		if err := s.store.Delete(ctx, job.ID); err != nil && !errors.Is(err, jobs.ErrNotFound) {
			respondError(w, http.StatusInternalServerError, "job store unavailable")
			return
		}
		deleted++
	}

	if deleted == 0 {
		respondError(w, http.StatusNotFound, "Project not found")
		return
	}
	s.logger.Info("project deleted", "task", taskID, "rounds", deleted)
	respondJSON(w, map[string]any{"message": "Project deleted successfully", "deleted": deleted}, http.StatusOK)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetByID(r.Context(), chi.URLParam(r, "jobID"))
	if errors.Is(err, jobs.ErrNotFound) {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "job store unavailable")
		return
	}
	respondJSON(w, job, http.StatusOK)
}
