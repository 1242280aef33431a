package templates

import (
	"fmt"
	"html"
	"net/http"
	"strings"
)

// DefaultErrorTemplate renders a minimal HTML document for error responses.
const DefaultErrorTemplate = `<!DOCTYPE html>
<html><head><title>{{ .Status }} {{ .Reason }}</title></head>
<body><h1>{{ .Status }} {{ .Reason }}</h1>{{ if .Message }}<p>{{ .Message | html }}</p>{{ end }}{{ if .RequestID }}<p><small>{{ .RequestID }}</small></p>{{ end }}</body></html>
`

// ErrorData is the template context for an error page.
type ErrorData struct {
	Status    int
	Reason    string
	Message   string
	RequestID string
	Path      string
}

// ErrorPage renders error bodies. The zero value and a nil page fall back to
// plain text so an error can always be written.
type ErrorPage struct {
	tmpl        *Template
	contentType string
}

// ErrorPageOptions selects the template source. Inline and File are mutually
// exclusive; when both are empty the built-in HTML template is used.
type ErrorPageOptions struct {
	Inline      string
	File        string
	ContentType string
}

// NewErrorPage compiles the configured error template.
func NewErrorPage(renderer *Renderer, opts ErrorPageOptions) (*ErrorPage, error) {
	if renderer == nil {
		renderer = NewRenderer(nil)
	}
	var (
		tmpl *Template
		err  error
	)
	switch {
	case strings.TrimSpace(opts.File) != "":
		tmpl, err = renderer.CompileFile(opts.File)
	case strings.TrimSpace(opts.Inline) != "":
		tmpl, err = renderer.CompileInline("error", opts.Inline)
	default:
		tmpl, err = renderer.CompileInline("error", DefaultErrorTemplate)
	}
	if err != nil {
		return nil, err
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = "text/html; charset=utf-8"
	}
	return &ErrorPage{tmpl: tmpl, contentType: contentType}, nil
}

// Render produces the body and content type for the given error.
func (p *ErrorPage) Render(data ErrorData) ([]byte, string) {
	if data.Reason == "" {
		data.Reason = http.StatusText(data.Status)
	}
	if p == nil || p.tmpl == nil {
		return []byte(plainError(data)), "text/plain; charset=utf-8"
	}
	out, err := p.tmpl.Render(data)
	if err != nil {
		return []byte(plainError(data)), "text/plain; charset=utf-8"
	}
	return []byte(out), p.contentType
}

func plainError(data ErrorData) string {
	if data.Message == "" {
		return fmt.Sprintf("%d %s\n", data.Status, data.Reason)
	}
	return fmt.Sprintf("%d %s: %s\n", data.Status, data.Reason, html.EscapeString(data.Message))
}
