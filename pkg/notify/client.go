package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrDeliveryFailed is returned once every attempt has been used up.
var ErrDeliveryFailed = errors.New("notification delivery failed")

// Logger is the subset of slog.Logger the client needs.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Options tunes retry behaviour. Zero values fall back to the defaults.
type Options struct {
	Attempts     int
	InitialDelay time.Duration
	Timeout      time.Duration
	// Sleep waits between attempts; it must return early with ctx.Err() on cancellation.
	Sleep func(ctx context.Context, d time.Duration) error
}

const (
	DefaultAttempts     = 5
	DefaultInitialDelay = time.Second
	DefaultTimeout      = 30 * time.Second
)

// Client posts result payloads to caller-supplied callback URLs.
type Client struct {
	httpClient   *http.Client
	attempts     int
	initialDelay time.Duration
	sleep        func(ctx context.Context, d time.Duration) error
	logger       Logger
}

func NewClient(opts Options, logger Logger) *Client {
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = DefaultInitialDelay
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &Client{
		httpClient:   &http.Client{Timeout: opts.Timeout},
		attempts:     opts.Attempts,
		initialDelay: opts.InitialDelay,
		sleep:        opts.Sleep,
		logger:       logger,
	}
}

// Deliver POSTs payload as JSON until the callback answers 200 or the attempts
// run out. Delays double after every failed attempt, starting at the initial delay.
func (c *Client) Deliver(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: marshal payload: %v", ErrDeliveryFailed, err)
	}

	delay := c.initialDelay
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		lastErr = c.post(ctx, url, body)
		if lastErr == nil {
			c.logger.Info("evaluation server notified", "url", url, "attempt", attempt)
			return nil
		}
		c.logger.Warn("notification attempt failed", "url", url, "attempt", attempt, "error", lastErr)

		if err := c.sleep(ctx, delay); err != nil {
			return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
		}
		delay *= 2
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrDeliveryFailed, c.attempts, lastErr)
}

func (c *Client) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("server responded %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
