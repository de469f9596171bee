package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vyvo/appbuilder/pkg/api"
	"github.com/vyvo/appbuilder/pkg/hub"
	"github.com/vyvo/appbuilder/pkg/jobs"
)

// ErrNotFound is returned when the service reports a missing project or job.
var ErrNotFound = errors.New("resource not found")

// Client talks to the app builder HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client with sane defaults.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Submit sends an intake request. Both fresh and duplicate acknowledgements
// are successes.
func (c *Client) Submit(ctx context.Context, req api.IntakeRequest) (api.IntakeResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return api.IntakeResponse{}, fmt.Errorf("marshal intake request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api-endpoint", bytes.NewReader(body))
	if err != nil {
		return api.IntakeResponse{}, fmt.Errorf("create intake request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return api.IntakeResponse{}, fmt.Errorf("submit: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return api.IntakeResponse{}, fmt.Errorf("submit failed (%d): %s", resp.StatusCode, readError(resp.Body))
	}

	var out api.IntakeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return api.IntakeResponse{}, fmt.Errorf("decode intake response: %w", err)
	}
	return out, nil
}

// GetProject returns the latest round recorded for a task.
func (c *Client) GetProject(ctx context.Context, taskID string) (jobs.Job, error) {
	var job jobs.Job
	err := c.getJSON(ctx, "/api/v1/projects/"+url.PathEscape(taskID), &job)
	return job, err
}

// GetJob returns one job by id.
func (c *Client) GetJob(ctx context.Context, jobID string) (jobs.Job, error) {
	var job jobs.Job
	err := c.getJSON(ctx, "/api/v1/jobs/"+url.PathEscape(jobID), &job)
	return job, err
}

// ListProjects pages through jobs, newest first.
func (c *Client) ListProjects(ctx context.Context, skip, limit int, status jobs.Status) (api.ProjectList, error) {
	q := url.Values{}
	q.Set("skip", strconv.Itoa(skip))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if status != "" {
		q.Set("status", string(status))
	}
	var out api.ProjectList
	err := c.getJSON(ctx, "/api/v1/projects?"+q.Encode(), &out)
	return out, err
}

// Stats returns job counts by status.
func (c *Client) Stats(ctx context.Context) (jobs.Stats, error) {
	var out jobs.Stats
	err := c.getJSON(ctx, "/api/v1/projects/stats", &out)
	return out, err
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get %s failed (%d): %s", path, resp.StatusCode, readError(resp.Body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// Watch subscribes to a task's live updates and calls fn for every event
// until ctx ends, the connection drops or fn returns an error.
func (c *Client) Watch(ctx context.Context, taskID string, fn func(hub.Event) error) error {
	wsURL, err := websocketURL(c.baseURL)
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := conn.WriteJSON(hub.Event{Type: hub.TypeSubscribe, TaskID: taskID}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	for {
		var ev hub.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

func websocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

func readError(body io.Reader) string {
	payload, _ := io.ReadAll(io.LimitReader(body, 4<<10))
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(payload, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(payload))
}
