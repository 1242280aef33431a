package processor

import (
	"context"
	"net/http"
	"strconv"

	"github.com/l0p7/pictura/internal/runtime/task"
)

// doNotCache is the query switch that bypasses the response cache.
const doNotCache = "dnc"

// ImageOptions configure image tasks.
type ImageOptions struct {
	Resolver    Resolver
	Transformer Transformer
	Negotiator  *Negotiator
	// MaxAge is the default freshness in seconds of a cacheable image.
	MaxAge int
}

type imageTask struct {
	*task.Base
	opts *ImageOptions
}

// NewImageTask returns the leaf task that resolves, transforms and writes
// one image.
func NewImageTask(core *task.Core, opts *ImageOptions) task.Task {
	return &imageTask{Base: task.NewBase(core), opts: opts}
}

// DoNotCache reports whether r asked to bypass the cache.
func DoNotCache(r *http.Request) bool {
	_, ok := r.URL.Query()[doNotCache]
	return ok
}

func (t *imageTask) Cacheable() bool {
	req := t.Core().Request()
	return req.Method != http.MethodPost && !DoNotCache(req)
}

func (t *imageTask) Process(ctx context.Context) error {
	c := t.Core()
	req := c.Request()
	if req.Method == http.MethodDelete {
		c.SetErrorHeader("Allow", "GET, HEAD")
		return task.NewStatusError(http.StatusMethodNotAllowed, "", nil)
	}

	params, err := ParseParams(req.URL.Query())
	if err != nil {
		return err
	}
	h := c.Sink().Header()
	t.opts.Negotiator.Apply(req, &params, h)

	src, err := t.source(ctx, c)
	if err != nil {
		return err
	}
	res, err := t.opts.Transformer.Transform(ctx, src, params)
	if err != nil {
		return err
	}

	h.Set("Content-Type", res.ContentType)
	if !src.ModTime.IsZero() {
		h.Set("Last-Modified", src.ModTime.UTC().Format(http.TimeFormat))
	}
	switch {
	case DoNotCache(req):
		h.Set("Cache-Control", "private, max-age=0, no-cache")
	case t.opts.MaxAge > 0 && h.Get("Cache-Control") == "":
		h.Set("Cache-Control", "public, max-age="+strconv.Itoa(t.opts.MaxAge))
	}
	if key, ok := c.Attribute(task.AttrTrueCacheKey); ok {
		if s, _ := key.(string); s != "" {
			h.Set("ETag", task.ETag(s))
		}
	}
	_, err = task.Write(t, res.Body)
	return err
}

func (t *imageTask) source(ctx context.Context, c *task.Core) (Source, error) {
	req := c.Request()
	if v, ok := c.Attribute(task.AttrPostBody); ok {
		body, _ := v.([]byte)
		return Source{Body: body, ContentType: req.Header.Get("Content-Type")}, nil
	}
	src, err := t.opts.Resolver.Resolve(ctx, req.URL.Path)
	if err != nil {
		return Source{}, err
	}
	c.AddBytesRead(int64(len(src.Body)))
	return src, nil
}
