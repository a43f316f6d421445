package render

import (
	"bytes"
	"html/template"
	"time"
)

var documentTemplate = template.Must(template.New("document").Funcs(template.FuncMap{
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
}).Parse(pageTemplate))

// TemplateData holds data for document template rendering
type TemplateData struct {
	Title       string
	Author      string
	UpdatedAt   time.Time
	ContentHTML template.HTML
}

// RenderPage wraps a rendered fragment into a standalone page with MathJax loaded.
func RenderPage(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := documentTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const pageTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>{{.Title}}</title>
  <script>window.MathJax = { tex: { inlineMath: [['\\(', '\\)']], displayMath: [['\\[', '\\]']] } };</script>
  <script defer src="https://cdn.jsdelivr.net/npm/mathjax@3/es5/tex-chtml.js"></script>
  <style>
    body { font-family: "Roboto", Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; padding: 0 1rem; }
    h1.title { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .math-display { display: block; text-align: center; margin: 1rem 0; }
    table { border-collapse: collapse; }
    td, th { border: 1px solid #ccc; padding: 0.25rem 0.5rem; }
    pre { background: #f5f5f5; padding: 1rem; overflow-x: auto; }
  </style>
</head>
<body>
  {{if .Title}}<h1 class="title">{{.Title}}</h1>{{end}}
  {{if or .Author (not .UpdatedAt.IsZero)}}<div class="meta">{{.Author}}{{if not .UpdatedAt.IsZero}} | {{formatDate .UpdatedAt "Jan 2, 2006"}}{{end}}</div>{{end}}
  <article>{{.ContentHTML}}</article>
</body>
</html>`
