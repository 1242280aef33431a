package processor

import (
	"context"
	"net/http"
	"net/netip"
	"strings"

	"github.com/l0p7/pictura/internal/runtime/cache"
	"github.com/l0p7/pictura/internal/runtime/task"
)

// FactoryOptions assemble everything a request needs to become a task.
type FactoryOptions struct {
	Task task.Options

	Image  ImageOptions
	Stats  StatsOptions
	Script ScriptOptions

	// StatsPath and ScriptPath mount the stats endpoint and the scripts.
	// Empty disables them.
	StatsPath  string
	StatsAllow []netip.Prefix
	ScriptPath string

	PostEnabled bool
	PostMaxSize int64

	Cache        *cache.ResponseCache
	CacheOptions cache.DecoratorOptions
	CacheControl *CacheControl
}

// Factory turns requests into composed tasks.
type Factory struct {
	opts FactoryOptions
}

func NewFactory(opts FactoryOptions) *Factory {
	if opts.Image.Transformer == nil {
		opts.Image.Transformer = &Codec{}
	}
	if opts.Image.Negotiator != nil && opts.Image.Negotiator.CanEncode == nil {
		opts.Image.Negotiator.CanEncode = opts.Image.Transformer.CanEncode
	}
	if opts.Script.Prefix == "" {
		opts.Script.Prefix = opts.ScriptPath
	}
	return &Factory{opts: opts}
}

// NewTask routes r to the stats, script or image task. Image tasks are
// composed as cache(post(dimensions(image))).
func (f *Factory) NewTask(w http.ResponseWriter, r *http.Request) task.Task {
	sink := task.NewSink(w)
	opts := f.opts.Task

	switch {
	case f.opts.StatsPath != "" && r.URL.Path == f.opts.StatsPath:
		opts.Class = task.ClassStats
		opts.Allow = f.opts.StatsAllow
		return NewStatsTask(task.NewCore(r, sink, opts), &f.opts.Stats)
	case f.opts.ScriptPath != "" && strings.HasPrefix(r.URL.Path, f.opts.ScriptPath):
		opts.Class = task.ClassStatic
		return NewScriptTask(task.NewCore(r, sink, opts), &f.opts.Script)
	}

	opts.Class = task.ClassImage
	core := task.NewCore(r, sink, opts)
	var t task.Task = NewImageTask(core, &f.opts.Image)
	t = task.WithDimensions(t, f.opts.Image.Negotiator.DimensionFunc())
	if r.Method == http.MethodPost {
		if !f.opts.PostEnabled {
			return &refused{Task: t, allow: "GET, HEAD"}
		}
		t = task.Post(t, f.opts.PostMaxSize)
	}
	if f.opts.CacheControl != nil {
		// a fresh core is never committed
		_ = core.SetPreProcessor(f.opts.CacheControl.PreProcessor())
	}
	return cache.Decorate(t, f.opts.Cache, f.opts.CacheOptions)
}

// refused answers 405 for a method the image route does not serve.
type refused struct {
	task.Task
	allow string
}

func (r *refused) TrueCacheKey() string { return "" }
func (r *refused) Cacheable() bool      { return false }

func (r *refused) Process(ctx context.Context) error {
	r.Core().SetErrorHeader("Allow", r.allow)
	return task.NewStatusError(http.StatusMethodNotAllowed, "", nil)
}
