// Package processor holds the concrete tasks served by pictura: image
// transformation, the stats endpoint and the embedded client script, plus the
// factory that composes them with the caching and negotiation decorators.
package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/l0p7/pictura/internal/runtime/task"
)

// Source is a resolved original image.
type Source struct {
	Body        []byte
	ContentType string
	ModTime     time.Time
}

// Resolver turns a request path into the bytes of the original resource.
// Failures are reported as task status errors.
type Resolver interface {
	Resolve(ctx context.Context, resource string) (Source, error)
}

// FileResolver reads originals below a directory. Paths never escape it.
type FileResolver struct {
	root    *os.Root
	maxSize int64
}

// NewFileResolver opens dir. A positive maxSize refuses larger files with 413.
func NewFileResolver(dir string, maxSize int64) (*FileResolver, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("processor: open resource root: %w", err)
	}
	return &FileResolver{root: root, maxSize: maxSize}, nil
}

func (r *FileResolver) Resolve(ctx context.Context, resource string) (Source, error) {
	if err := ctx.Err(); err != nil {
		return Source{}, err
	}
	name := strings.TrimPrefix(path.Clean("/"+resource), "/")
	if name == "" {
		return Source{}, task.NewStatusError(http.StatusNotFound, "", nil)
	}
	f, err := r.root.Open(name)
	if err != nil {
		// missing files and paths escaping the root look the same to clients
		return Source{}, task.NewStatusError(http.StatusNotFound, "", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Source{}, fmt.Errorf("processor: stat %s: %w", name, err)
	}
	if info.IsDir() {
		return Source{}, task.NewStatusError(http.StatusNotFound, "", nil)
	}
	if r.maxSize > 0 && info.Size() > r.maxSize {
		return Source{}, task.NewStatusError(http.StatusRequestEntityTooLarge, "", nil)
	}
	body, err := io.ReadAll(f)
	if err != nil {
		return Source{}, fmt.Errorf("processor: read %s: %w", name, err)
	}
	return Source{
		Body:        body,
		ContentType: contentTypeOf(name, body),
		ModTime:     info.ModTime().UTC(),
	}, nil
}

func (r *FileResolver) Close() error { return r.root.Close() }

func contentTypeOf(name string, body []byte) string {
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct
	}
	return http.DetectContentType(body)
}

type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// HTTPResolver fetches originals from an upstream origin. Timeouts answer
// 504, a missing upstream resource 404 and any other failure 502.
type HTTPResolver struct {
	client  httpDoer
	base    *url.URL
	timeout time.Duration
	maxSize int64
}

// NewHTTPResolver resolves request paths against base. A nil client uses
// http.DefaultClient.
func NewHTTPResolver(base string, client httpDoer, timeout time.Duration, maxSize int64) (*HTTPResolver, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return nil, fmt.Errorf("processor: upstream url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("processor: upstream url %q: scheme must be http or https", base)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPResolver{client: client, base: u, timeout: timeout, maxSize: maxSize}, nil
}

func (r *HTTPResolver) Resolve(ctx context.Context, resource string) (Source, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	target := r.base.JoinPath(path.Clean("/" + resource))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return Source{}, fmt.Errorf("processor: upstream request build: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return Source{}, upstreamError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return Source{}, task.NewStatusError(http.StatusNotFound, "", nil)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return Source{}, task.NewStatusError(http.StatusBadGateway, fmt.Sprintf("upstream answered %d", resp.StatusCode), nil)
	}
	if r.maxSize > 0 && resp.ContentLength > r.maxSize {
		return Source{}, task.NewStatusError(http.StatusRequestEntityTooLarge, "", nil)
	}

	reader := io.Reader(resp.Body)
	if r.maxSize > 0 {
		reader = io.LimitReader(resp.Body, r.maxSize+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return Source{}, upstreamError(err)
	}
	if r.maxSize > 0 && int64(len(body)) > r.maxSize {
		return Source{}, task.NewStatusError(http.StatusRequestEntityTooLarge, "", nil)
	}

	src := Source{Body: body, ContentType: resp.Header.Get("Content-Type")}
	if src.ContentType == "" {
		src.ContentType = contentTypeOf(target.Path, body)
	}
	if lm, err := http.ParseTime(resp.Header.Get("Last-Modified")); err == nil {
		src.ModTime = lm.UTC()
	}
	return src, nil
}

// upstreamError maps a transport failure to a status. The cause is not
// attached: network errors would otherwise read as a broken client connection.
func upstreamError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return task.NewStatusError(http.StatusGatewayTimeout, "upstream timed out", nil)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return task.NewStatusError(http.StatusBadGateway, "upstream unavailable", nil)
}
