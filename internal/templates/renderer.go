package templates

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"
)

// restrictedFuncs are the sprig helpers that reach the process environment,
// the filesystem or the network.
var restrictedFuncs = []string{
	"env",
	"expandenv",
	"readDir",
	"mustReadDir",
	"readFile",
	"mustReadFile",
	"glob",
	"getHostByName",
}

var funcMap = sync.OnceValue(func() template.FuncMap {
	funcs := template.FuncMap(sprig.TxtFuncMap())
	for _, name := range restrictedFuncs {
		delete(funcs, name)
	}
	funcs["statusText"] = http.StatusText
	return funcs
})

// Renderer compiles templates from inline sources or from files inside a
// sandbox.
type Renderer struct {
	sandbox *Sandbox
}

// NewRenderer returns a renderer reading files from sandbox. A nil sandbox
// only compiles inline sources.
func NewRenderer(sandbox *Sandbox) *Renderer {
	return &Renderer{sandbox: sandbox}
}

// Template is a compiled template, safe for concurrent use.
type Template struct {
	name string
	tmpl *template.Template
}

func (r *Renderer) CompileInline(name, source string) (*Template, error) {
	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("templates: %q is empty", name)
	}
	if name == "" {
		name = "inline"
	}
	tmpl, err := template.New(name).Funcs(funcMap()).Option("missingkey=zero").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("templates: compile %q: %w", name, err)
	}
	return &Template{name: name, tmpl: tmpl}, nil
}

func (r *Renderer) CompileFile(path string) (*Template, error) {
	if r == nil || r.sandbox == nil {
		return nil, errors.New("templates: file templates require a templates folder")
	}
	source, err := r.sandbox.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return r.CompileInline(filepath.Base(path), string(source))
}

func (t *Template) Render(data any) (string, error) {
	if t == nil {
		return "", errors.New("templates: nil template")
	}
	var b strings.Builder
	if err := t.tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("templates: execute %q: %w", t.name, err)
	}
	return b.String(), nil
}

func (t *Template) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}
