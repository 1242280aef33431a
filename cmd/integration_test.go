package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"
	"github.com/stretchr/testify/require"
)

func waitForEndpoint(t *testing.T, client *http.Client, target string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, target, nil)
		if err != nil {
			t.Fatalf("failed to build probe request: %v", err)
		}
		resp, err := client.Do(req) // #nosec G107 - test helper for local server
		if err == nil {
			status := resp.StatusCode
			if cerr := resp.Body.Close(); cerr != nil {
				t.Fatalf("failed to close readiness probe body: %v", cerr)
			}
			if status < 500 {
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("server did not respond successfully within %v", timeout)
}

func writeIntegrationConfig(t *testing.T, dir string, port int) string {
	t.Helper()
	resources := filepath.Join(dir, "resources", "img")
	require.NoError(t, os.MkdirAll(resources, 0o750))

	img := image.NewRGBA(image.Rect(0, 0, 16, 8))
	for x := range 16 {
		for y := range 8 {
			img.Set(x, y, color.RGBA{R: uint8(x * 16), G: uint8(y * 32), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(filepath.Join(resources, "a.png"), buf.Bytes(), 0o600))

	cfg := map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": "127.0.0.1",
				"port":    port,
			},
			"logging": map[string]any{
				"format": "text",
				"level":  "warn",
			},
			"cache": map[string]any{
				"snapshot": map[string]any{
					"backend": "file",
					"path":    filepath.Join(dir, "cache.jsonl"),
				},
			},
			"processing": map[string]any{
				"resourceRoot": filepath.Join(dir, "resources"),
				"taskHeader":   true,
			},
		},
		"cacheControl": []map[string]any{
			{"path": "/img/*", "directive": "public, max-age=300"},
		},
	}

	contents, err := json.MarshalIndent(cfg, "", "  ")
	require.NoError(t, err)
	path := filepath.Join(dir, "integration-config.json")
	require.NoError(t, os.WriteFile(path, contents, 0o600))
	return path
}

func allocatePort(t *testing.T) int {
	t.Helper()
	var lc net.ListenConfig
	l, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to allocate port: %v", err)
	}
	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		t.Fatalf("unexpected addr type %T", l.Addr())
	}
	port := addr.Port
	if cerr := l.Close(); cerr != nil {
		t.Fatalf("failed to close listener: %v", cerr)
	}
	return port
}

func integrationURL(port int, path string) string {
	u := url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		Path:   path,
	}
	return u.String()
}

func TestIntegrationServeImages(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	temp := t.TempDir()
	port := allocatePort(t)
	configPath := writeIntegrationConfig(t, temp, port)
	t.Setenv("PICTURA_SERVER__CACHE__CAPACITY", "42")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, "PICTURA", configPath) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				t.Errorf("server returned error: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Errorf("server did not stop")
		}
	})

	client := &http.Client{Timeout: 5 * time.Second}
	waitForEndpoint(t, client, integrationURL(port, "/healthz"), 10*time.Second)

	expect := httpexpect.WithConfig(httpexpect.Config{
		BaseURL:  integrationURL(port, ""),
		Reporter: httpexpect.NewRequireReporter(t),
		Client:   client,
	})

	t.Run("first request is transformed and stored", func(t *testing.T) {
		result := expect.GET("/img/a.png").
			WithQuery("w", 8).
			Expect()

		result.Status(http.StatusOK)
		result.Header("Content-Type").IsEqual("image/png")
		result.Header("Cache-Control").IsEqual("public, max-age=300")
		result.Header("X-Pictura-Cache").IsEqual("Miss")
		result.Header("X-Pictura-RequestId").NotEmpty()

		decoded, err := png.Decode(strings.NewReader(result.Body().Raw()))
		require.NoError(t, err)
		require.Equal(t, 8, decoded.Bounds().Dx())
		require.Equal(t, 4, decoded.Bounds().Dy())
	})

	t.Run("repeat request is served from the cache", func(t *testing.T) {
		result := expect.GET("/img/a.png").
			WithQuery("w", 8).
			Expect()

		result.Status(http.StatusOK)
		result.Header("X-Pictura-Cache").IsEqual("Hit")
		etag := result.Header("ETag").NotEmpty().Raw()

		expect.GET("/img/a.png").
			WithQuery("w", 8).
			WithHeader("If-None-Match", etag).
			Expect().
			Status(http.StatusNotModified)
	})

	t.Run("missing images answer 404", func(t *testing.T) {
		expect.GET("/img/missing.png").
			Expect().
			Status(http.StatusNotFound).
			Header("Cache-Control").IsEqual("no-cache")
	})

	t.Run("invalid parameters answer 400", func(t *testing.T) {
		expect.GET("/img/a.png").
			WithQuery("w", "wide").
			Expect().
			Status(http.StatusBadRequest)
	})

	t.Run("stats report the pipeline", func(t *testing.T) {
		obj := expect.GET("/stats").
			WithQuery("q", "status").
			Expect().
			Status(http.StatusOK).
			JSON().Object()

		obj.Value("alive").Boolean().IsTrue()
		obj.Value("cache").Object().Value("capacity").Number().IsEqual(42)
		obj.Value("cache").Object().Value("size").Number().IsEqual(1)
		obj.Value("executor").Object().Value("pools").Array().Length().IsEqual(2)
	})

	t.Run("client hint script is served", func(t *testing.T) {
		expect.GET("/js/hints.js").
			Expect().
			Status(http.StatusOK).
			Header("Content-Type").IsEqual("application/javascript; charset=utf-8")
	})

	t.Run("metrics are exposed", func(t *testing.T) {
		expect.GET("/metrics").
			Expect().
			Status(http.StatusOK).
			Body().Contains("pictura_tasks_completed_total")
	})
}
