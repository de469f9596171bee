package publisher

import (
	"context"
	"errors"
)

var (
	// ErrRepoNotFound is returned when the named repository does not exist.
	ErrRepoNotFound = errors.New("repository not found")
	// ErrFileNotFound is returned when a path is absent from the repository.
	ErrFileNotFound = errors.New("file not found")
	// ErrNoCommits is returned when the backend has no commit identifiers.
	ErrNoCommits = errors.New("no commits")
)

// Repo identifies a published repository.
type Repo struct {
	Name    string `json:"name"`
	Owner   string `json:"owner"`
	HTMLURL string `json:"html_url"`
}

// Publisher stores generated apps in a repository with static hosting.
type Publisher interface {
	LookupRepo(ctx context.Context, name string) (Repo, error)
	CreateOrGetRepo(ctx context.Context, name, description string) (Repo, error)
	WriteTextFile(ctx context.Context, repo Repo, path, content, message string) error
	WriteBinaryFile(ctx context.Context, repo Repo, path string, data []byte, message string) error
	// EnableStaticHosting reports whether the site is being served. It is
	// safe to call on a repository where hosting is already enabled.
	EnableStaticHosting(ctx context.Context, repo Repo) (bool, error)
	LatestCommitID(ctx context.Context, repo Repo) (string, error)
	FileContent(ctx context.Context, repo Repo, path string) (string, error)
	// SiteURL is the deterministic address the repository is served at.
	SiteURL(repo Repo) string
}
