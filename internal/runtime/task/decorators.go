package task

import (
	"bytes"
	"context"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
)

const (
	// AttrPostBody holds the uploaded image of a POST request as []byte.
	AttrPostBody = "pictura.post.body"
	// AttrTrueCacheKey holds the true cache key of a cacheable task.
	AttrTrueCacheKey = "pictura.key"
)

// DimensionFunc reports the negotiated dimensions of a request.
type DimensionFunc func(r *http.Request) []Dimension

type dimensioned struct {
	Task
	dims DimensionFunc

	keyOnce sync.Once
	key     string
}

// WithDimensions extends the true cache key of inner with negotiated
// dimensions, so requests that produce different bodies never share a key.
func WithDimensions(inner Task, dims DimensionFunc) Task {
	if dims == nil {
		return inner
	}
	return &dimensioned{Task: inner, dims: dims}
}

func (d *dimensioned) TrueCacheKey() string {
	d.keyOnce.Do(func() {
		d.key = AppendDimensions(d.Task.TrueCacheKey(), d.dims(d.Core().Request()))
	})
	return d.key
}

type post struct {
	Task
	maxSize int64
}

// Post wraps an image task so it reads its source from the request body.
// Uploads are never cached.
func Post(inner Task, maxSize int64) Task {
	return &post{Task: inner, maxSize: maxSize}
}

func (p *post) TrueCacheKey() string { return "" }
func (p *post) Cacheable() bool      { return false }

func (p *post) Process(ctx context.Context) error {
	c := p.Core()
	req := c.Request()
	if req.ContentLength < 0 {
		return NewStatusError(http.StatusLengthRequired, "", nil)
	}
	if p.maxSize > 0 && req.ContentLength > p.maxSize {
		return NewStatusError(http.StatusRequestEntityTooLarge, "", nil)
	}
	mediaType, _, err := mime.ParseMediaType(req.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "image/") {
		return NewStatusError(http.StatusUnsupportedMediaType, "Unsupported media or content type was not set", err)
	}

	var buf bytes.Buffer
	reader := io.LimitReader(req.Body, req.ContentLength+1)
	n, err := buf.ReadFrom(reader)
	c.AddBytesRead(n)
	if err != nil {
		return err
	}
	if n > req.ContentLength {
		return NewStatusError(http.StatusRequestEntityTooLarge, "", nil)
	}
	c.SetAttribute(AttrPostBody, buf.Bytes())
	return p.Task.Process(ctx)
}
