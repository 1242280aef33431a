package cache

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/l0p7/pictura/internal/metrics"
	"github.com/l0p7/pictura/internal/runtime/task"
)

// DecoratorOptions configure the caching decorator.
type DecoratorOptions struct {
	Recorder *metrics.Recorder
	// Group coalesces concurrent GET misses for the same key when set.
	Group *singleflight.Group
}

// Decorator serves a task from the response cache and stores what the
// wrapped task produces. It shares the wrapped task's core.
type Decorator struct {
	task.Task
	cache *ResponseCache
	opts  DecoratorOptions
}

// Decorate wraps inner with c. A nil cache returns inner unchanged.
func Decorate(inner task.Task, c *ResponseCache, opts DecoratorOptions) task.Task {
	if c == nil {
		return inner
	}
	return &Decorator{Task: inner, cache: c, opts: opts}
}

// DefersPreProcess makes Run leave the pre-processor to the decorator, which
// only invokes it on a miss.
func (d *Decorator) DefersPreProcess() bool { return true }

func (d *Decorator) Process(ctx context.Context) error {
	core := d.Core()
	req := core.Request()
	key := d.Task.TrueCacheKey()

	if !d.Task.Cacheable() || key == "" {
		d.cache.RecordMiss()
		if err := core.RunPreProcessor(ctx); err != nil {
			return err
		}
		return d.Task.Process(ctx)
	}

	started := time.Now()
	if req.Method == http.MethodDelete {
		return d.remove(key)
	}

	if entry, ok := d.lookup(key); ok {
		return d.serve(entry, started)
	}

	if d.opts.Group == nil || req.Method != http.MethodGet {
		return d.miss(ctx, key)
	}

	leader := false
	_, err, _ := d.opts.Group.Do(key, func() (any, error) {
		leader = true
		return nil, d.miss(ctx, key)
	})
	if leader {
		return err
	}
	if entry, ok := d.lookup(key); ok {
		return d.serve(entry, started)
	}
	return d.miss(ctx, key)
}

func (d *Decorator) lookup(key string) (*Entry, bool) {
	entry, ok := d.cache.Get(key)
	if !ok {
		return nil, false
	}
	if entry.Expired() {
		d.cache.Remove(key)
		d.opts.Recorder.ObserveCache(metrics.CacheOperationLookup, metrics.CacheExpired)
		return nil, false
	}
	return entry, true
}

func (d *Decorator) remove(key string) error {
	if !d.cache.Remove(key) {
		return task.NewStatusError(http.StatusNotFound, "", nil)
	}
	d.opts.Recorder.ObserveCache(metrics.CacheOperationRemove, metrics.CacheRemoved)
	d.Core().Sink().WriteHeader(http.StatusNoContent)
	return nil
}

func (d *Decorator) miss(ctx context.Context, key string) error {
	core := d.Core()
	if err := core.RunPreProcessor(ctx); err != nil {
		return err
	}
	d.cache.RecordMiss()
	d.opts.Recorder.ObserveCache(metrics.CacheOperationLookup, metrics.CacheMiss)

	sink := core.Sink()
	if core.Diagnostics() {
		sink.Header().Set(task.HeaderCache, "Miss")
	}
	sink.Capture(d.cache.MaxEntrySize())
	if err := d.Task.Process(ctx); err != nil {
		return err
	}

	if core.Interrupted() || sink.Status() != http.StatusOK || core.Request().Method != http.MethodGet {
		return nil
	}
	body, header, ok := sink.Captured()
	if !ok {
		d.opts.Recorder.ObserveCache(metrics.CacheOperationStore, metrics.CacheSkipped)
		return nil
	}
	entry := NewEntry(key, http.StatusOK, header, body)
	if entry.Expired() {
		d.opts.Recorder.ObserveCache(metrics.CacheOperationStore, metrics.CacheSkipped)
		return nil
	}
	entry.SetProperty(PropertyProducer, fmt.Sprintf("%T", d.Task))
	if !d.cache.Put(key, entry) {
		d.opts.Recorder.ObserveCache(metrics.CacheOperationStore, metrics.CacheSkipped)
		return nil
	}
	d.opts.Recorder.ObserveCache(metrics.CacheOperationStore, metrics.CacheStored)
	if logger := core.Logger(); logger.Enabled(ctx, slog.LevelDebug) {
		logger.Debug("cache store",
			slog.String("key", key),
			slog.Int("size", entry.Size()),
			slog.Time("expires", entry.Expires()),
		)
	}
	return nil
}

// Headers a hit never replays from the stored response.
var skippedHeaders = map[string]struct{}{
	"Pragma":         {},
	"Content-Length": {},
	"Connection":     {},
	"Cookie":         {},
	"Set-Cookie":     {},
	"Date":           {},

	http.CanonicalHeaderKey(task.HeaderCache):        {},
	http.CanonicalHeaderKey(task.HeaderCacheLookup):  {},
	http.CanonicalHeaderKey(task.HeaderRequestID):    {},
	http.CanonicalHeaderKey(task.HeaderTrueCacheKey): {},
}

func (d *Decorator) serve(entry *Entry, started time.Time) error {
	core := d.Core()
	req := core.Request()
	sink := core.Sink()

	d.cache.RecordHit()
	entry.Hit()
	d.opts.Recorder.ObserveCache(metrics.CacheOperationLookup, metrics.CacheHit)

	now := time.Now()
	h := sink.Header()
	for name, values := range entry.Header() {
		if _, skip := skippedHeaders[name]; skip {
			continue
		}
		if name == "Cache-Control" && len(values) > 0 {
			h.Set(name, RewriteMaxAge(values[0], entry.Expires().Sub(now)))
			continue
		}
		h[name] = values
	}
	h.Set("Date", now.UTC().Format(http.TimeFormat))
	if core.Diagnostics() {
		h.Set(task.HeaderCache, "Hit")
	}
	if core.Debug() {
		h.Set(task.HeaderCacheLookup, strconv.FormatInt(time.Since(started).Milliseconds(), 10)+"ms")
	}

	if notModified(req, entry) {
		return core.Interrupt(http.StatusNotModified, "", nil)
	}

	body := entry.Body()
	if enc := entry.HeaderGet("Content-Encoding"); enc != "" && !task.AcceptsEncoding(req.Header.Get("Accept-Encoding"), enc) {
		plain, err := task.Decompress(enc, body)
		if err != nil {
			return fmt.Errorf("cache: inflate %q: %w", entry.Key(), err)
		}
		h.Del("Content-Encoding")
		body = plain
	}
	h.Set("Content-Length", strconv.Itoa(len(body)))
	sink.SetStatus(entry.Status())
	if req.Method == http.MethodHead {
		sink.Commit()
		return nil
	}
	_, err := sink.Write(body)
	return err
}

// notModified evaluates If-None-Match first and falls back to
// If-Modified-Since against Last-Modified, or the entry creation time.
func notModified(r *http.Request, entry *Entry) bool {
	if inm := r.Header.Get("If-None-Match"); inm != "" {
		return etagMatches(inm, entry.HeaderGet("ETag"))
	}
	ims := r.Header.Get("If-Modified-Since")
	if ims == "" {
		return false
	}
	since, err := http.ParseTime(ims)
	if err != nil {
		return false
	}
	modified := entry.Created()
	if lm := entry.HeaderGet("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			modified = t
		}
	}
	return !modified.Truncate(time.Second).After(since)
}

func etagMatches(list, etag string) bool {
	if strings.TrimSpace(list) == "*" {
		return true
	}
	if etag == "" {
		return false
	}
	want := strings.TrimPrefix(etag, "W/")
	for _, candidate := range strings.Split(list, ",") {
		if strings.TrimPrefix(strings.TrimSpace(candidate), "W/") == want {
			return true
		}
	}
	return false
}
