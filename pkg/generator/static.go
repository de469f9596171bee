package generator

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"
)

// Static produces a deterministic placeholder app without calling a model.
// It is used when no model API key is configured.
type Static struct{}

var staticPage = template.Must(template.New("index").Parse(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
</head>
<body>
<main>
<h1>{{.Title}}</h1>
<p id="brief">{{.Brief}}</p>
{{- if .Attachments}}
<ul id="attachments">
{{- range .Attachments}}
<li><a href="{{.Name}}">{{.Name}}</a></li>
{{- end}}
</ul>
{{- end}}
</main>
</body>
</html>
`))

// Generate writes the attachments and renders a page that shows the brief.
func (Static) Generate(ctx context.Context, req Request) (Output, error) {
	saved, skipped, err := Materialize(ctx, req.WorkDir, req.Attachments)
	if err != nil {
		return Output{}, err
	}

	title := fmt.Sprintf("Generated app (round %d)", req.Round)
	var page bytes.Buffer
	if err := staticPage.Execute(&page, map[string]any{
		"Title":       title,
		"Brief":       req.Brief,
		"Attachments": saved,
	}); err != nil {
		return Output{}, err
	}

	var readme strings.Builder
	fmt.Fprintf(&readme, "# %s\n\n## Summary\n\n%s\n", title, req.Brief)
	if len(req.Checks) > 0 {
		readme.WriteString("\n## Checks\n\n")
		for _, c := range req.Checks {
			fmt.Fprintf(&readme, "- %s\n", c)
		}
	}
	readme.WriteString("\n## Usage\n\nOpen index.html in a browser or visit the published site.\n")
	readme.WriteString("\n## License\n\nMIT\n")

	return Output{
		Files: map[string]string{
			"index.html": page.String(),
			"README.md":  readme.String(),
		},
		Attachments: saved,
		Skipped:     skipped,
	}, nil
}
