package generator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vyvo/appbuilder/pkg/jobs"
)

func TestMaterializeDataAndRemote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		_, _ = w.Write([]byte("a,b\n1,2\n"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	saved, skipped, err := Materialize(context.Background(), dir, []jobs.Attachment{
		{Name: "sample.png", URL: "data:image/png;base64,iVBORw0KGgo="},
		{Name: "data/sales.csv", URL: srv.URL + "/sales.csv"},
	})
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if len(skipped) != 0 {
		t.Fatalf("expected nothing skipped, got %#v", skipped)
	}
	if len(saved) != 2 {
		t.Fatalf("expected 2 saved attachments, got %d", len(saved))
	}
	if saved[0].MIME != "image/png" || IsText(saved[0]) {
		t.Fatalf("unexpected image attachment %#v", saved[0])
	}
	if saved[1].MIME != "text/csv" || !IsText(saved[1]) {
		t.Fatalf("unexpected csv attachment %#v", saved[1])
	}
	data, err := os.ReadFile(filepath.Join(dir, "data", "sales.csv"))
	if err != nil || string(data) != "a,b\n1,2\n" {
		t.Fatalf("remote attachment not written: %q %v", data, err)
	}
}

func TestMaterializeRejectsUnsafeNames(t *testing.T) {
	_, _, err := Materialize(context.Background(), t.TempDir(), []jobs.Attachment{
		{Name: "../escape.txt", URL: "data:text/plain,hi"},
	})
	if !errors.Is(err, jobs.ErrInvalidName) {
		t.Fatalf("expected ErrInvalidName, got %v", err)
	}
}

func TestMaterializeRejectsMalformedDataURI(t *testing.T) {
	_, _, err := Materialize(context.Background(), t.TempDir(), []jobs.Attachment{
		{Name: "ok.txt", URL: "data:text/plain,hi"},
		{Name: "broken.png", URL: "data:image/png;base64,***"},
	})
	if err == nil {
		t.Fatal("expected error for malformed data URI")
	}
}

func TestMaterializeSkipsUnreachableRemote(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	dir := t.TempDir()
	saved, skipped, err := Materialize(context.Background(), dir, []jobs.Attachment{
		{Name: "missing.json", URL: srv.URL + "/missing.json"},
		{Name: "inline.txt", URL: "data:text/plain,hi"},
	})
	if err != nil {
		t.Fatalf("a 404 attachment must not fail materialization: %v", err)
	}
	if len(saved) != 1 || saved[0].Name != "inline.txt" {
		t.Fatalf("expected only the inline attachment saved, got %#v", saved)
	}
	if len(skipped) != 1 || skipped[0].Name != "missing.json" || !strings.Contains(skipped[0].Err.Error(), "404") {
		t.Fatalf("expected missing.json skipped with its status, got %#v", skipped)
	}
	if _, err := os.Stat(filepath.Join(dir, "missing.json")); !os.IsNotExist(err) {
		t.Fatalf("skipped attachment must not be written, stat err %v", err)
	}
}

func TestIsText(t *testing.T) {
	cases := []struct {
		saved Saved
		want  bool
	}{
		{Saved{Name: "a.bin", MIME: "text/plain"}, true},
		{Saved{Name: "NOTES.MD", MIME: "application/octet-stream"}, true},
		{Saved{Name: "data.json", MIME: "application/json"}, true},
		{Saved{Name: "logo.png", MIME: "image/png"}, false},
	}
	for _, tc := range cases {
		if got := IsText(tc.saved); got != tc.want {
			t.Fatalf("IsText(%s) = %v, want %v", tc.saved.Name, got, tc.want)
		}
	}
}

type capturedPart struct {
	Text       string `json:"text"`
	InlineData *struct {
		MIMEType string `json:"mimeType"`
	} `json:"inlineData"`
}

type capturedRequest struct {
	Contents []struct {
		Role  string         `json:"role"`
		Parts []capturedPart `json:"parts"`
	} `json:"contents"`
	SystemInstruction *struct {
		Parts []capturedPart `json:"parts"`
	} `json:"systemInstruction"`
}

func newTestGemini(t *testing.T, baseURL, model string) *Gemini {
	t.Helper()
	g, err := NewGemini(context.Background(), GeminiOptions{
		APIKey:     "key",
		Model:      model,
		BaseURL:    baseURL + "/",
		APIVersion: "v1beta",
	})
	if err != nil {
		t.Fatalf("new gemini: %v", err)
	}
	return g
}

func TestGeminiGenerate(t *testing.T) {
	var captured capturedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1beta/models/test-model:generateContent") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "key" {
			t.Errorf("api key header missing")
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		files, _ := json.Marshal(generatedApp{Files: map[string]string{
			"index.html": "<h1>hi</h1>",
			"README.md":  "# hi",
		}})
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []any{map[string]any{
				"content": map[string]any{"role": "model", "parts": []any{map[string]any{"text": string(files)}}},
			}},
		})
	}))
	defer srv.Close()

	g := newTestGemini(t, srv.URL, "test-model")
	out, err := g.Generate(context.Background(), Request{
		Brief:       "Show the captcha",
		Checks:      []string{"page has a title"},
		Round:       2,
		PrevContext: "# previous readme",
		WorkDir:     t.TempDir(),
		Attachments: []jobs.Attachment{{Name: "sample.png", URL: "data:image/png;base64,iVBORw0KGgo="}},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out.Files["index.html"] != "<h1>hi</h1>" || len(out.Attachments) != 1 {
		t.Fatalf("unexpected output %#v", out)
	}

	if len(captured.Contents) != 1 || len(captured.Contents[0].Parts) != 2 {
		t.Fatalf("expected prompt and inline image parts, got %#v", captured.Contents)
	}
	if captured.Contents[0].Role != "user" {
		t.Fatalf("expected user role, got %q", captured.Contents[0].Role)
	}
	prompt := captured.Contents[0].Parts[0].Text
	for _, want := range []string{"Round 2", "Show the captcha", "page has a title", "sample.png", "# previous readme"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
	if img := captured.Contents[0].Parts[1].InlineData; img == nil || img.MIMEType != "image/png" {
		t.Fatalf("expected inline image part")
	}
	if captured.SystemInstruction == nil || len(captured.SystemInstruction.Parts) == 0 ||
		!strings.Contains(captured.SystemInstruction.Parts[0].Text, "index.html") {
		t.Fatalf("system instruction missing: %#v", captured.SystemInstruction)
	}
}

func TestGeminiErrors(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "quota", http.StatusTooManyRequests)
		},
		"empty files": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"{\"files\":{}}"}]}}]}`))
		},
		"no candidates": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"candidates":[]}`))
		},
		"bad json": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"not json"}]}}]}`))
		},
	}
	for name, handler := range cases {
		srv := httptest.NewServer(handler)
		g := newTestGemini(t, srv.URL, "m")
		_, err := g.Generate(context.Background(), Request{Brief: "x", Round: 1, WorkDir: t.TempDir()})
		srv.Close()
		if err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestParseFilesStripsFence(t *testing.T) {
	files, err := parseFiles("```json\n{\"files\":{\"index.html\":\"<p>x</p>\"}}\n```")
	if err != nil || files["index.html"] != "<p>x</p>" {
		t.Fatalf("unexpected %v %v", files, err)
	}
	if _, err := parseFiles("  "); !errors.Is(err, ErrEmptyOutput) {
		t.Fatalf("expected ErrEmptyOutput, got %v", err)
	}
}

func TestStaticGenerate(t *testing.T) {
	out, err := Static{}.Generate(context.Background(), Request{
		Brief:       "<b>Sum</b> the sales",
		Checks:      []string{"shows total"},
		Round:       1,
		WorkDir:     t.TempDir(),
		Attachments: []jobs.Attachment{{Name: "data.csv", URL: "data:text/csv;base64,YSxiCg=="}},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	page := out.Files["index.html"]
	if !strings.Contains(page, "&lt;b&gt;Sum&lt;/b&gt;") {
		t.Fatalf("brief not escaped in page:\n%s", page)
	}
	if !strings.Contains(page, `href="data.csv"`) {
		t.Fatalf("attachment link missing:\n%s", page)
	}
	if !strings.Contains(out.Files["README.md"], "shows total") {
		t.Fatalf("readme missing checks:\n%s", out.Files["README.md"])
	}
}
