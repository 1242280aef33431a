package processor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/pictura/internal/config"
	"github.com/l0p7/pictura/internal/runtime/task"
)

func TestCacheControlMatch(t *testing.T) {
	cc, err := NewCacheControl(config.RuleBundle{Rules: []config.CacheControlRule{
		{Path: "/static/**", Directive: "public, max-age=31536000"},
		{Path: "/img/*.png", When: `query.w == "100"`, Directive: "public, max-age=600"},
		{Path: "/img/*", Directive: "public, max-age=60"},
		{When: `header["x-tenant"] == "beta"`, Directive: "private, max-age=5"},
		{Path: "/broken/*", When: "this is not cel", Directive: "max-age=1"},
	}}, nil)
	require.NoError(t, err)
	require.Equal(t, 4, cc.Len())

	tests := []struct {
		name   string
		target string
		header map[string]string
		want   string
	}{
		{name: "double star crosses segments", target: "/static/a/b/c.png", want: "public, max-age=31536000"},
		{name: "condition matches", target: "/img/a.png?w=100", want: "public, max-age=600"},
		{name: "condition falls through", target: "/img/a.png?w=200", want: "public, max-age=60"},
		{name: "single star stops at slash", target: "/img/a/b.png"},
		{name: "condition only", target: "/other.png", header: map[string]string{"X-Tenant": "beta"}, want: "private, max-age=5"},
		{name: "no match", target: "/other.png"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.target, nil)
			for k, v := range tc.header {
				req.Header.Set(k, v)
			}
			got, ok := cc.Match(req, http.StatusOK, "image/png")
			require.Equal(t, tc.want != "", ok)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestCacheControlReload(t *testing.T) {
	cc, err := NewCacheControl(config.RuleBundle{}, nil)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/img/a.png", nil)
	_, ok := cc.Match(req, http.StatusOK, "")
	require.False(t, ok)

	cc.Reload(context.Background(), config.RuleBundle{Rules: []config.CacheControlRule{{Path: "/img/*", Directive: "max-age=10"}}})
	got, ok := cc.Match(req, http.StatusOK, "")
	require.True(t, ok)
	require.Equal(t, "max-age=10", got)
}

type plainTask struct {
	*task.Base
	cacheable bool
	status    int
}

func (p *plainTask) Cacheable() bool { return p.cacheable }

func (p *plainTask) Process(context.Context) error {
	if p.status != 0 {
		return task.NewStatusError(p.status, "", nil)
	}
	h := p.Core().Sink().Header()
	h.Set("Content-Type", "image/png")
	h.Set("Cache-Control", "public, max-age=1")
	_, err := task.Write(p, []byte("img"))
	return err
}

func TestCacheControlPreProcessor(t *testing.T) {
	cc, err := NewCacheControl(config.RuleBundle{Rules: []config.CacheControlRule{
		{Path: "/img/*", Directive: "public, max-age=3600"},
	}}, nil)
	require.NoError(t, err)

	run := func(p *plainTask) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		core := task.NewCore(httptest.NewRequest(http.MethodGet, "/img/a.png", nil), task.NewSink(rec), task.Options{})
		require.NoError(t, core.SetPreProcessor(cc.PreProcessor()))
		p.Base = task.NewBase(core)
		require.NoError(t, task.Run(context.Background(), p))
		return rec
	}

	rec := run(&plainTask{cacheable: true})
	require.Equal(t, "public, max-age=3600", rec.Header().Get("Cache-Control"))

	rec = run(&plainTask{cacheable: false})
	require.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	rec = run(&plainTask{cacheable: true, status: http.StatusNotFound})
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
}
