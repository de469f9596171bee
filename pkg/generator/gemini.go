package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"google.golang.org/genai"
)

const (
	maxInlineImage = 4 << 20
	maxQuotedText  = 64 << 10
)

// GeminiOptions configure the Gemini API client.
type GeminiOptions struct {
	APIKey string
	Model  string
	// BaseURL and APIVersion override the public endpoint, for example
	// https://generativelanguage.googleapis.com/ and v1beta.
	BaseURL    string
	APIVersion string
	Timeout    time.Duration
}

// Gemini generates apps through the Gemini generateContent API.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini returns a client for opts.Model.
func NewGemini(ctx context.Context, opts GeminiOptions) (*Gemini, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     opts.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: timeout},
		HTTPOptions: genai.HTTPOptions{
			BaseURL:    opts.BaseURL,
			APIVersion: opts.APIVersion,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &Gemini{client: client, model: opts.Model}, nil
}

type generatedApp struct {
	Files map[string]string `json:"files"`
}

const systemPrompt = `You build small single-page web apps that are deployed as static sites.
Reply with a JSON object {"files": {"<relative path>": "<file contents>"}}.
Always include index.html and a README.md that describes the app, its setup, usage and code.
Use only client-side code. Reference attachments by their relative file names.`

// Generate materializes the attachments, asks the model for the app and
// returns its files.
func (g *Gemini) Generate(ctx context.Context, req Request) (Output, error) {
	saved, skipped, err := Materialize(ctx, req.WorkDir, req.Attachments)
	if err != nil {
		return Output{}, err
	}

	parts := []*genai.Part{genai.NewPartFromText(buildPrompt(req, saved))}
	for _, s := range saved {
		if !strings.HasPrefix(s.MIME, "image/") {
			continue
		}
		data, err := os.ReadFile(s.Path)
		if err != nil || len(data) > maxInlineImage {
			continue
		}
		parts = append(parts, genai.NewPartFromBytes(data, s.MIME))
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model,
		[]*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)},
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
			ResponseMIMEType:  "application/json",
		})
	if err != nil {
		return Output{}, fmt.Errorf("call gemini: %w", err)
	}
	files, err := parseFiles(resp.Text())
	if err != nil {
		return Output{}, err
	}
	return Output{Files: files, Attachments: saved, Skipped: skipped}, nil
}

func buildPrompt(req Request, saved []Saved) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Round %d.\n\nBrief:\n%s\n", req.Round, req.Brief)
	if len(req.Checks) > 0 {
		b.WriteString("\nThe app will be evaluated against these checks:\n")
		for _, c := range req.Checks {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	if len(saved) > 0 {
		b.WriteString("\nAttachments published next to index.html:\n")
		for _, s := range saved {
			fmt.Fprintf(&b, "- %s (%s)\n", s.Name, s.MIME)
			if !IsText(s) {
				continue
			}
			data, err := os.ReadFile(s.Path)
			if err != nil || len(data) > maxQuotedText {
				continue
			}
			fmt.Fprintf(&b, "```\n%s\n```\n", data)
		}
	}
	if req.PrevContext != "" {
		b.WriteString("\nThis revises an existing app. Its current README.md:\n")
		b.WriteString(req.PrevContext)
		b.WriteString("\nKeep what still applies and update the README to match.\n")
	}
	return b.String()
}

func parseFiles(text string) (map[string]string, error) {
	raw := strings.TrimSpace(text)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	if raw == "" {
		return nil, ErrEmptyOutput
	}

	var app generatedApp
	if err := json.Unmarshal([]byte(raw), &app); err != nil {
		return nil, fmt.Errorf("decode generated files: %w", err)
	}
	if len(app.Files) == 0 {
		return nil, ErrEmptyOutput
	}
	return app.Files, nil
}
