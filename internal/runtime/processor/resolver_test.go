package processor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFileResolver(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "img"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "img", "a.png"), pngBytes(t, 2, 2), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "big.png"), make([]byte, 2048), 0o600))
	outside := filepath.Join(t.TempDir(), "secret.png")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o600))
	require.NoError(t, os.Symlink(outside, filepath.Join(dir, "link.png")))

	r, err := NewFileResolver(dir, 1024)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	ctx := context.Background()

	src, err := r.Resolve(ctx, "/img/a.png")
	require.NoError(t, err)
	require.Equal(t, "image/png", src.ContentType)
	require.False(t, src.ModTime.IsZero())

	_, err = r.Resolve(ctx, "/img/missing.png")
	requireStatus(t, err, http.StatusNotFound)

	_, err = r.Resolve(ctx, "/img")
	requireStatus(t, err, http.StatusNotFound)

	_, err = r.Resolve(ctx, "/../../etc/passwd")
	requireStatus(t, err, http.StatusNotFound)

	_, err = r.Resolve(ctx, "/link.png")
	requireStatus(t, err, http.StatusNotFound)

	_, err = r.Resolve(ctx, "/big.png")
	requireStatus(t, err, http.StatusRequestEntityTooLarge)

	_, err = NewFileResolver(filepath.Join(dir, "absent"), 0)
	require.Error(t, err)
}

func TestHTTPResolver(t *testing.T) {
	modified := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	body := pngBytes(t, 2, 2)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/origin/a.png":
			w.Header().Set("Content-Type", "image/png")
			w.Header().Set("Last-Modified", modified.Format(http.TimeFormat))
			_, _ = w.Write(body)
		case "/origin/broken.png":
			w.WriteHeader(http.StatusInternalServerError)
		case "/origin/slow.png":
			time.Sleep(200 * time.Millisecond)
			_, _ = w.Write(body)
		case "/origin/big.png":
			_, _ = w.Write(make([]byte, 4096))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(upstream.Close)

	r, err := NewHTTPResolver(upstream.URL+"/origin", upstream.Client(), 50*time.Millisecond, 1024)
	require.NoError(t, err)
	ctx := context.Background()

	src, err := r.Resolve(ctx, "/a.png")
	require.NoError(t, err)
	require.Equal(t, body, src.Body)
	require.Equal(t, "image/png", src.ContentType)
	require.True(t, modified.Equal(src.ModTime))

	_, err = r.Resolve(ctx, "/missing.png")
	requireStatus(t, err, http.StatusNotFound)

	_, err = r.Resolve(ctx, "/broken.png")
	requireStatus(t, err, http.StatusBadGateway)

	_, err = r.Resolve(ctx, "/slow.png")
	requireStatus(t, err, http.StatusGatewayTimeout)

	_, err = r.Resolve(ctx, "/big.png")
	requireStatus(t, err, http.StatusRequestEntityTooLarge)

	_, err = NewHTTPResolver("ftp://example.com", nil, 0, 0)
	require.Error(t, err)
}

func TestHTTPResolverUnreachable(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	base := upstream.URL
	upstream.Close()

	r, err := NewHTTPResolver(base, nil, time.Second, 0)
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), "/a.png")
	requireStatus(t, err, http.StatusBadGateway)
}
