package templates

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// maxTemplateSize caps a template file read through the sandbox.
const maxTemplateSize = 1 << 20

// Sandbox confines template file reads to one directory. Lookups that leave
// it, through ".." or a symlink, fail.
type Sandbox struct {
	dir  string
	root *os.Root
}

// NewSandbox opens dir as the sandbox root. Close releases it.
func NewSandbox(dir string) (*Sandbox, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("templates: sandbox directory required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("templates: sandbox directory: %w", err)
	}
	root, err := os.OpenRoot(abs)
	if err != nil {
		return nil, fmt.Errorf("templates: open sandbox: %w", err)
	}
	return &Sandbox{dir: abs, root: root}, nil
}

// Dir returns the absolute sandbox directory.
func (s *Sandbox) Dir() string { return s.dir }

// ReadFile reads name inside the sandbox. Relative names are taken from the
// sandbox directory; absolute names must point into it.
func (s *Sandbox) ReadFile(name string) ([]byte, error) {
	if s == nil {
		return nil, errors.New("templates: no sandbox configured")
	}
	rel, err := s.relative(name)
	if err != nil {
		return nil, err
	}
	f, err := s.root.Open(rel)
	if err != nil {
		return nil, fmt.Errorf("templates: open %q: %w", name, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxTemplateSize+1))
	if err != nil {
		return nil, fmt.Errorf("templates: read %q: %w", name, err)
	}
	if len(data) > maxTemplateSize {
		return nil, fmt.Errorf("templates: %q exceeds %d bytes", name, maxTemplateSize)
	}
	return data, nil
}

func (s *Sandbox) relative(name string) (string, error) {
	cleaned := filepath.Clean(name)
	if filepath.IsAbs(cleaned) {
		rel, err := filepath.Rel(s.dir, cleaned)
		if err != nil {
			return "", fmt.Errorf("templates: %q is outside the sandbox", name)
		}
		cleaned = rel
	}
	if !filepath.IsLocal(cleaned) {
		return "", fmt.Errorf("templates: %q is outside the sandbox", name)
	}
	return cleaned, nil
}

func (s *Sandbox) Close() error {
	if s == nil {
		return nil
	}
	return s.root.Close()
}
