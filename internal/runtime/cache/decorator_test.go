package cache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/singleflight"

	"github.com/l0p7/pictura/internal/metrics"
	"github.com/l0p7/pictura/internal/runtime/task"
)

type imageStub struct {
	*task.Base
	calls        *atomic.Int32
	body         []byte
	cacheControl string
	delay        time.Duration
}

func (s *imageStub) Cacheable() bool { return true }

func (s *imageStub) Process(context.Context) error {
	s.calls.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	h := s.Core().Sink().Header()
	h.Set("Content-Type", "image/png")
	if s.cacheControl != "" {
		h.Set("Cache-Control", s.cacheControl)
	}
	_, err := task.Write(s, s.body)
	return err
}

type cachedRun struct {
	cache        *ResponseCache
	opts         DecoratorOptions
	calls        atomic.Int32
	preCalls     atomic.Int32
	cacheControl string
	body         []byte
	delay        time.Duration
}

func (r *cachedRun) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	core := task.NewCore(req, task.NewSink(rec), task.Options{Debug: true})
	require.NoError(t, core.SetPreProcessor(func(context.Context, *task.Core) error {
		r.preCalls.Add(1)
		return nil
	}))
	body := r.body
	if body == nil {
		body = []byte("png-bytes")
	}
	stub := &imageStub{Base: task.NewBase(core), calls: &r.calls, body: body, cacheControl: r.cacheControl, delay: r.delay}
	require.NoError(t, task.Run(context.Background(), Decorate(stub, r.cache, r.opts)))
	return rec
}

func TestDecoratorMissThenHit(t *testing.T) {
	recorder := metrics.NewRecorder(nil)
	run := &cachedRun{cache: New(10, 0), cacheControl: "public, max-age=60", opts: DecoratorOptions{Recorder: recorder}}

	first := run.do(t, httptest.NewRequest(http.MethodGet, "/img/a.png?w=100", nil))
	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, "Miss", first.Header().Get(task.HeaderCache))
	require.Equal(t, "png-bytes", first.Body.String())
	require.Equal(t, 1, run.cache.Len())

	second := run.do(t, httptest.NewRequest(http.MethodGet, "/img/a.png?w=100&debug", nil))
	require.Equal(t, http.StatusOK, second.Code)
	require.Equal(t, "Hit", second.Header().Get(task.HeaderCache))
	require.Equal(t, "png-bytes", second.Body.String())
	require.Equal(t, "9", second.Header().Get("Content-Length"))
	require.Equal(t, first.Header().Get("ETag"), second.Header().Get("ETag"))
	require.Contains(t, second.Header().Get(task.HeaderCacheLookup), "ms")
	require.NotEmpty(t, second.Header().Get("Date"))

	maxAge := ParseCacheControl(second.Header().Get("Cache-Control")).MaxAge
	require.NotNil(t, maxAge)
	require.LessOrEqual(t, *maxAge, 60)
	require.GreaterOrEqual(t, *maxAge, 58)

	require.EqualValues(t, 1, run.calls.Load())
	require.EqualValues(t, 1, run.preCalls.Load(), "pre-processor runs on a miss only")
	require.InDelta(t, 0.5, run.cache.HitRate(), 0.0001)

	entry, ok := run.cache.Peek("/img/a.png?w=100")
	require.True(t, ok)
	require.EqualValues(t, 1, entry.Hits())

	shared := &cachedRun{cache: New(10, 0), cacheControl: "public, max-age=60, s-maxage=600"}
	shared.do(t, httptest.NewRequest(http.MethodGet, "/img/b.png", nil))
	hit := shared.do(t, httptest.NewRequest(http.MethodGet, "/img/b.png", nil))
	require.Equal(t, "Hit", hit.Header().Get(task.HeaderCache))
	directive := ParseCacheControl(hit.Header().Get("Cache-Control"))
	require.NotNil(t, directive.MaxAge)
	require.LessOrEqual(t, *directive.MaxAge, 60, "a hit never extends the client lifetime")
	require.NotNil(t, directive.SMaxAge)
	require.Equal(t, 600, *directive.SMaxAge)
	producer, ok := entry.Property(PropertyProducer)
	require.True(t, ok)
	require.Equal(t, "*cache.imageStub", producer)
}

func TestDecoratorSkipsResponsesWithoutExpiry(t *testing.T) {
	run := &cachedRun{cache: New(10, 0)}
	run.do(t, httptest.NewRequest(http.MethodGet, "/a.png", nil))
	rec := run.do(t, httptest.NewRequest(http.MethodGet, "/a.png", nil))
	require.Equal(t, "Miss", rec.Header().Get(task.HeaderCache))
	require.Zero(t, run.cache.Len())
	require.EqualValues(t, 2, run.calls.Load())
}

func TestDecoratorSkipsOversizedEntries(t *testing.T) {
	run := &cachedRun{cache: New(10, 4), cacheControl: "max-age=60"}
	rec := run.do(t, httptest.NewRequest(http.MethodGet, "/a.png", nil))
	require.Equal(t, "png-bytes", rec.Body.String())
	require.Zero(t, run.cache.Len())
}

func TestDecoratorSkipsHead(t *testing.T) {
	run := &cachedRun{cache: New(10, 0), cacheControl: "max-age=60"}
	run.do(t, httptest.NewRequest(http.MethodHead, "/a.png", nil))
	require.Zero(t, run.cache.Len())

	run.do(t, httptest.NewRequest(http.MethodGet, "/a.png", nil))
	rec := run.do(t, httptest.NewRequest(http.MethodHead, "/a.png", nil))
	require.Equal(t, "Hit", rec.Header().Get(task.HeaderCache))
	require.Equal(t, "9", rec.Header().Get("Content-Length"))
	require.Zero(t, rec.Body.Len())
}

func TestDecoratorConditionalHit(t *testing.T) {
	run := &cachedRun{cache: New(10, 0), cacheControl: "max-age=60"}
	first := run.do(t, httptest.NewRequest(http.MethodGet, "/a.png", nil))
	etag := first.Header().Get("ETag")
	require.NotEmpty(t, etag)

	req := httptest.NewRequest(http.MethodGet, "/a.png", nil)
	req.Header.Set("If-None-Match", etag)
	rec := run.do(t, req)
	require.Equal(t, http.StatusNotModified, rec.Code)
	require.Zero(t, rec.Body.Len())

	req = httptest.NewRequest(http.MethodGet, "/a.png", nil)
	req.Header.Set("If-None-Match", `W/"other"`)
	rec = run.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/a.png", nil)
	req.Header.Set("If-Modified-Since", time.Now().Add(time.Minute).UTC().Format(http.TimeFormat))
	rec = run.do(t, req)
	require.Equal(t, http.StatusNotModified, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/a.png", nil)
	req.Header.Set("If-Modified-Since", time.Now().Add(-time.Hour).UTC().Format(http.TimeFormat))
	rec = run.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 1, run.calls.Load())
}

func TestDecoratorDelete(t *testing.T) {
	run := &cachedRun{cache: New(10, 0), cacheControl: "max-age=60"}
	run.do(t, httptest.NewRequest(http.MethodGet, "/a.png", nil))
	require.Equal(t, 1, run.cache.Len())

	rec := run.do(t, httptest.NewRequest(http.MethodDelete, "/a.png", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Zero(t, run.cache.Len())

	rec = run.do(t, httptest.NewRequest(http.MethodDelete, "/a.png", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.EqualValues(t, 1, run.calls.Load())
}

func TestDecoratorExpiredEntryIsRecomputed(t *testing.T) {
	rc := New(10, 0)
	stale := newEntryAt("/a.png", http.StatusOK, http.Header{"Cache-Control": {"max-age=1"}}, []byte("old"), time.Now().Add(-time.Minute))
	require.True(t, rc.Put("/a.png", stale))

	run := &cachedRun{cache: rc, cacheControl: "max-age=60"}
	rec := run.do(t, httptest.NewRequest(http.MethodGet, "/a.png", nil))
	require.Equal(t, "Miss", rec.Header().Get(task.HeaderCache))
	require.Equal(t, "png-bytes", rec.Body.String())
	entry, ok := rc.Peek("/a.png")
	require.True(t, ok)
	require.False(t, entry.Expired())
}

func TestDecoratorInflatesForClientsWithoutEncoding(t *testing.T) {
	plain := []byte("{\"a\":1}")
	gz, err := task.Compress("gzip", plain)
	require.NoError(t, err)

	rc := New(10, 0)
	header := http.Header{
		"Content-Type":     {"application/json"},
		"Content-Encoding": {"gzip"},
		"Cache-Control":    {"max-age=60"},
	}
	require.True(t, rc.Put("/a.json", NewEntry("/a.json", http.StatusOK, header, gz)))

	run := &cachedRun{cache: rc}
	rec := run.do(t, httptest.NewRequest(http.MethodGet, "/a.json", nil))
	require.Equal(t, "Hit", rec.Header().Get(task.HeaderCache))
	require.Empty(t, rec.Header().Get("Content-Encoding"))
	require.Equal(t, plain, rec.Body.Bytes())
	require.Equal(t, strconv.Itoa(len(plain)), rec.Header().Get("Content-Length"))

	req := httptest.NewRequest(http.MethodGet, "/a.json", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec = run.do(t, req)
	require.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	require.Equal(t, gz, rec.Body.Bytes())
}

func TestDecoratorPassthroughForUncacheable(t *testing.T) {
	rc := New(10, 0)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/a.png", nil)
	core := task.NewCore(req, task.NewSink(rec), task.Options{})
	preCalls := 0
	require.NoError(t, core.SetPreProcessor(func(context.Context, *task.Core) error {
		preCalls++
		return nil
	}))
	var calls atomic.Int32
	stub := &imageStub{Base: task.NewBase(core), calls: &calls, body: []byte("x"), cacheControl: "max-age=60"}
	require.NoError(t, task.Run(context.Background(), Decorate(&uncacheable{stub}, rc, DecoratorOptions{})))

	require.Equal(t, 1, preCalls)
	require.EqualValues(t, 1, calls.Load())
	require.Zero(t, rc.Len())
	require.EqualValues(t, 1, rc.Misses())
	require.Empty(t, rec.Header().Get(task.HeaderCache))
}

func TestDecoratorCacheHeaderNeedsDiagnostics(t *testing.T) {
	rc := New(10, 0)
	serve := func(opts task.Options) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		core := task.NewCore(httptest.NewRequest(http.MethodGet, "/a.png", nil), task.NewSink(rec), opts)
		var calls atomic.Int32
		stub := &imageStub{Base: task.NewBase(core), calls: &calls, body: []byte("x"), cacheControl: "max-age=60"}
		require.NoError(t, task.Run(context.Background(), Decorate(stub, rc, DecoratorOptions{})))
		return rec
	}

	miss := serve(task.Options{})
	require.Equal(t, http.StatusOK, miss.Code)
	require.NotContains(t, miss.Header(), task.HeaderCache)

	hit := serve(task.Options{})
	require.Equal(t, "x", hit.Body.String())
	require.NotContains(t, hit.Header(), task.HeaderCache)
	require.EqualValues(t, 1, rc.Hits())

	require.Equal(t, "Hit", serve(task.Options{TaskHeader: true}).Header().Get(task.HeaderCache))
}

type uncacheable struct{ *imageStub }

func (u *uncacheable) Cacheable() bool { return false }

func TestDecoratorSingleFlight(t *testing.T) {
	run := &cachedRun{
		cache:        New(10, 0),
		cacheControl: "max-age=60",
		delay:        100 * time.Millisecond,
		opts:         DecoratorOptions{Group: &singleflight.Group{}},
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	results := make([]*httptest.ResponseRecorder, 6)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i] = run.do(t, httptest.NewRequest(http.MethodGet, "/shared.png", nil))
		}(i)
	}
	close(start)
	wg.Wait()

	require.EqualValues(t, 1, run.calls.Load())
	for _, rec := range results {
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "png-bytes", rec.Body.String())
	}
}

func TestDecorateNilCache(t *testing.T) {
	core := task.NewCore(httptest.NewRequest(http.MethodGet, "/", nil), task.NewSink(httptest.NewRecorder()), task.Options{})
	stub := &imageStub{Base: task.NewBase(core)}
	require.Same(t, task.Task(stub), Decorate(stub, nil, DecoratorOptions{}))
}
