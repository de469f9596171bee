package publisher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v66/github"
)

// GitHub publishes to GitHub repositories served by GitHub Pages.
type GitHub struct {
	client   *github.Client
	username string
	branch   string
}

// NewGitHub creates a client for the REST v3 API rooted at baseURL.
func NewGitHub(baseURL, token, username, branch string) (*GitHub, error) {
	if branch == "" {
		branch = "main"
	}
	client := github.NewClient(&http.Client{Timeout: 30 * time.Second})
	if token != "" {
		client = client.WithAuthToken(token)
	}
	if baseURL != "" {
		u, err := url.Parse(strings.TrimSuffix(baseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("github api url: %w", err)
		}
		client.BaseURL = u
	}
	return &GitHub{client: client, username: username, branch: branch}, nil
}

func statusOf(resp *github.Response) int {
	if resp == nil || resp.Response == nil {
		return 0
	}
	return resp.StatusCode
}

func toRepo(r *github.Repository) Repo {
	return Repo{Name: r.GetName(), Owner: r.GetOwner().GetLogin(), HTMLURL: r.GetHTMLURL()}
}

// LookupRepo returns ErrRepoNotFound when the user has no repository named name.
func (g *GitHub) LookupRepo(ctx context.Context, name string) (Repo, error) {
	repo, resp, err := g.client.Repositories.Get(ctx, g.username, name)
	if statusOf(resp) == http.StatusNotFound {
		return Repo{}, ErrRepoNotFound
	}
	if err != nil {
		return Repo{}, fmt.Errorf("lookup repo %s: %w", name, err)
	}
	return toRepo(repo), nil
}

// CreateOrGetRepo creates a public, initialized repository or returns the
// existing one.
func (g *GitHub) CreateOrGetRepo(ctx context.Context, name, description string) (Repo, error) {
	repo, err := g.LookupRepo(ctx, name)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, ErrRepoNotFound) {
		return Repo{}, err
	}

	created, resp, err := g.client.Repositories.Create(ctx, "", &github.Repository{
		Name:        github.Ptr(name),
		Description: github.Ptr(truncate(description, 350)),
		Private:     github.Ptr(false),
		AutoInit:    github.Ptr(true),
	})
	if statusOf(resp) == http.StatusUnprocessableEntity {
		// Lost a race with a concurrent create.
		return g.LookupRepo(ctx, name)
	}
	if err != nil {
		return Repo{}, fmt.Errorf("create repo %s: %w", name, err)
	}
	return toRepo(created), nil
}

func (g *GitHub) getContent(ctx context.Context, repo Repo, path string) (*github.RepositoryContent, error) {
	file, _, resp, err := g.client.Repositories.GetContents(ctx, repo.Owner, repo.Name, path,
		&github.RepositoryContentGetOptions{Ref: g.branch})
	if statusOf(resp) == http.StatusNotFound {
		return nil, ErrFileNotFound
	}
	if err != nil {
		return nil, err
	}
	if file == nil {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	return file, nil
}

// WriteTextFile creates or overwrites path on the default branch.
func (g *GitHub) WriteTextFile(ctx context.Context, repo Repo, path, content, message string) error {
	return g.WriteBinaryFile(ctx, repo, path, []byte(content), message)
}

// WriteBinaryFile creates or overwrites path on the default branch.
func (g *GitHub) WriteBinaryFile(ctx context.Context, repo Repo, path string, data []byte, message string) error {
	opts := &github.RepositoryContentFileOptions{
		Message: github.Ptr(message),
		Content: data,
		Branch:  github.Ptr(g.branch),
	}
	existing, err := g.getContent(ctx, repo, path)
	switch {
	case err == nil:
		opts.SHA = existing.SHA
		_, _, err = g.client.Repositories.UpdateFile(ctx, repo.Owner, repo.Name, path, opts)
	case errors.Is(err, ErrFileNotFound):
		_, _, err = g.client.Repositories.CreateFile(ctx, repo.Owner, repo.Name, path, opts)
	default:
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// EnableStaticHosting turns on Pages for the branch root. A repository that
// already has Pages enabled counts as enabled.
func (g *GitHub) EnableStaticHosting(ctx context.Context, repo Repo) (bool, error) {
	_, resp, err := g.client.Repositories.EnablePages(ctx, repo.Owner, repo.Name, &github.Pages{
		Source: &github.PagesSource{Branch: github.Ptr(g.branch), Path: github.Ptr("/")},
	})
	if err == nil || statusOf(resp) == http.StatusConflict {
		return true, nil
	}
	return false, fmt.Errorf("enable pages: %w", err)
}

// LatestCommitID returns the head commit of the default branch.
func (g *GitHub) LatestCommitID(ctx context.Context, repo Repo) (string, error) {
	commits, _, err := g.client.Repositories.ListCommits(ctx, repo.Owner, repo.Name, &github.CommitsListOptions{
		SHA:         g.branch,
		ListOptions: github.ListOptions{PerPage: 1},
	})
	if err != nil {
		return "", fmt.Errorf("list commits: %w", err)
	}
	if len(commits) == 0 {
		return "", ErrNoCommits
	}
	return commits[0].GetSHA(), nil
}

// FileContent returns the decoded text of path on the default branch.
func (g *GitHub) FileContent(ctx context.Context, repo Repo, path string) (string, error) {
	file, err := g.getContent(ctx, repo, path)
	if err != nil {
		return "", err
	}
	content, err := file.GetContent()
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", path, err)
	}
	return content, nil
}

// SiteURL is the Pages address of a user-owned repository.
func (g *GitHub) SiteURL(repo Repo) string {
	owner := repo.Owner
	if owner == "" {
		owner = g.username
	}
	return fmt.Sprintf("https://%s.github.io/%s/", strings.ToLower(owner), repo.Name)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
