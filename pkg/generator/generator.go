package generator

import (
	"context"
	"errors"

	"github.com/vyvo/appbuilder/pkg/jobs"
)

// ErrEmptyOutput indicates the model answered without any files.
var ErrEmptyOutput = errors.New("generator returned no files")

// Request is everything the model needs to build or revise an app.
type Request struct {
	Brief       string
	Attachments []jobs.Attachment
	Checks      []string
	Round       int
	// PrevContext is the README of the previous round, if one could be fetched.
	PrevContext string
	// WorkDir receives materialized attachments.
	WorkDir string
}

// Saved is an attachment written to local disk.
type Saved struct {
	Name string
	Path string
	MIME string
}

// Output is the generated source tree plus the materialized attachments.
type Output struct {
	Files       map[string]string
	Attachments []Saved
	// Skipped lists remote attachments that could not be downloaded.
	Skipped []Skipped
}

// Generator turns a brief into app source files.
type Generator interface {
	Generate(ctx context.Context, req Request) (Output, error)
}
