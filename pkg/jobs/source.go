package jobs

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
)

var (
	// ErrInvalidSource indicates an attachment URL is neither a data URI nor an http(s) URL.
	ErrInvalidSource = errors.New("unrecognized attachment source")
	// ErrInvalidName indicates an attachment name is not a safe relative path.
	ErrInvalidName = errors.New("unsafe attachment name")
)

// SourceKind tells inline data apart from remote references.
type SourceKind string

const (
	SourceData   SourceKind = "data"
	SourceRemote SourceKind = "remote"
)

// Source is a parsed attachment reference.
type Source struct {
	Kind SourceKind
	MIME string
	Data []byte
	URL  string
}

// ParseSource decodes data URIs of the form data:<mime>;base64,<payload> and
// accepts http(s) URLs as remote references.
func ParseSource(raw string) (Source, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "data:") {
		return parseDataURI(raw)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Source{}, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Source{}, ErrInvalidSource
	}
	return Source{Kind: SourceRemote, URL: raw}, nil
}

func parseDataURI(raw string) (Source, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(raw, "data:"), ",")
	if !ok {
		return Source{}, fmt.Errorf("%w: data URI has no payload", ErrInvalidSource)
	}

	params := strings.Split(meta, ";")
	mime := strings.TrimSpace(params[0])
	if mime == "" {
		mime = "text/plain"
	}
	isBase64 := false
	for _, p := range params[1:] {
		if strings.EqualFold(strings.TrimSpace(p), "base64") {
			isBase64 = true
		}
	}

	if !isBase64 {
		decoded, err := url.PathUnescape(payload)
		if err != nil {
			return Source{}, fmt.Errorf("%w: %v", ErrInvalidSource, err)
		}
		return Source{Kind: SourceData, MIME: mime, Data: []byte(decoded)}, nil
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		// Some clients strip padding.
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		if err != nil {
			return Source{}, fmt.Errorf("%w: bad base64 payload", ErrInvalidSource)
		}
	}
	return Source{Kind: SourceData, MIME: mime, Data: data}, nil
}

// ValidateName checks that name can be used as a relative file path inside a
// repository without escaping it.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if strings.HasPrefix(name, "/") || strings.Contains(name, "\\") || strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	if path.Clean(name) != name {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
