package generator

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vyvo/appbuilder/pkg/jobs"
)

const maxRemoteAttachment = 10 << 20

var fetchClient = &http.Client{Timeout: 30 * time.Second}

// Skipped is a remote attachment that could not be downloaded.
type Skipped struct {
	Name string
	Err  error
}

// Materialize writes every attachment under dir, preserving its relative
// name. Data URIs are decoded in place; http(s) references are downloaded.
// A remote attachment that cannot be fetched is reported in the skipped
// list and the rest continue. Bad names, malformed data URIs and local
// write failures abort with an error.
func Materialize(ctx context.Context, dir string, attachments []jobs.Attachment) ([]Saved, []Skipped, error) {
	saved := make([]Saved, 0, len(attachments))
	var skipped []Skipped
	for _, att := range attachments {
		if err := jobs.ValidateName(att.Name); err != nil {
			return nil, nil, err
		}
		src, err := jobs.ParseSource(att.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("attachment %s: %w", att.Name, err)
		}

		data, mimeType := src.Data, src.MIME
		if src.Kind == jobs.SourceRemote {
			data, mimeType, err = fetch(ctx, src.URL)
			if err != nil {
				if ctx.Err() != nil {
					return nil, nil, ctx.Err()
				}
				skipped = append(skipped, Skipped{Name: att.Name, Err: err})
				continue
			}
		}
		if mimeType == "" {
			mimeType = guessMIME(att.Name)
		}

		dest := filepath.Join(dir, filepath.FromSlash(att.Name))
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return nil, nil, err
		}
		if err := os.WriteFile(dest, data, 0o644); err != nil {
			return nil, nil, fmt.Errorf("write attachment %s: %w", att.Name, err)
		}
		saved = append(saved, Saved{Name: att.Name, Path: dest, MIME: mimeType})
	}
	return saved, skipped, nil
}

func fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := fetchClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteAttachment+1))
	if err != nil {
		return nil, "", err
	}
	if len(data) > maxRemoteAttachment {
		return nil, "", fmt.Errorf("fetch %s: larger than %d bytes", url, maxRemoteAttachment)
	}
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return data, mediaType, nil
}

func guessMIME(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		mediaType, _, _ := mime.ParseMediaType(t)
		return mediaType
	}
	return "application/octet-stream"
}

// textExtensions are published as text regardless of their declared type.
var textExtensions = []string{".md", ".csv", ".json", ".txt"}

// IsText reports whether an attachment should be committed as a text file.
func IsText(s Saved) bool {
	if strings.HasPrefix(s.MIME, "text") {
		return true
	}
	lower := strings.ToLower(s.Name)
	for _, ext := range textExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
