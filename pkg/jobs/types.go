package jobs

import (
	"fmt"
	"time"
)

// Status represents the lifecycle state of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Key is the client-supplied identity of a job. Two requests with the same Key
// are the same job.
type Key struct {
	Email string `json:"email"`
	Task  string `json:"task"`
	Round int    `json:"round"`
	Nonce string `json:"nonce"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s::%s::round%d::nonce%s", k.Email, k.Task, k.Round, k.Nonce)
}

// Attachment is a file the caller wants shipped alongside the generated app.
type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Result is the payload delivered to the caller's evaluation URL.
type Result struct {
	Email     string  `json:"email"`
	Task      string  `json:"task"`
	Round     int     `json:"round"`
	Nonce     string  `json:"nonce"`
	RepoURL   string  `json:"repo_url"`
	CommitSHA *string `json:"commit_sha"`
	PagesURL  *string `json:"pages_url"`
}

// Job is one build-or-revise request tracked end to end.
type Job struct {
	ID            string       `json:"id"`
	Key           Key          `json:"key"`
	Brief         string       `json:"brief"`
	Checks        []string     `json:"checks"`
	Attachments   []Attachment `json:"attachments"`
	EvaluationURL string       `json:"evaluation_url"`
	Status        Status       `json:"status"`
	RepoURL       string       `json:"repo_url,omitempty"`
	PagesURL      string       `json:"pages_url,omitempty"`
	CommitSHA     string       `json:"commit_sha,omitempty"`
	Result        *Result      `json:"result,omitempty"`
	Error         string       `json:"error,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	CompletedAt   *time.Time   `json:"completed_at,omitempty"`
}

func (j Job) clone() Job {
	out := j
	out.Checks = append([]string(nil), j.Checks...)
	out.Attachments = append([]Attachment(nil), j.Attachments...)
	if j.Result != nil {
		r := *j.Result
		out.Result = &r
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// ListFilter narrows List results. A zero Limit means DefaultListLimit.
type ListFilter struct {
	Status Status
	Offset int
	Limit  int
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

func (f ListFilter) normalized() ListFilter {
	if f.Offset < 0 {
		f.Offset = 0
	}
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	return f
}

// Stats counts jobs by status.
type Stats struct {
	Total      int `json:"total_projects"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

func (s *Stats) add(status Status) {
	s.Total++
	switch status {
	case StatusPending:
		s.Pending++
	case StatusProcessing:
		s.Processing++
	case StatusCompleted:
		s.Completed++
	case StatusFailed:
		s.Failed++
	}
}
