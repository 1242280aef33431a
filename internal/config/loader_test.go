package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoader(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T) []string
		wantErr bool
		assert  func(t *testing.T, cfg Config)
	}{
		{
			name: "returns defaults when no overrides",
			setup: func(t *testing.T) []string {
				return nil
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 8080, cfg.Server.Listen.Port)
				require.Equal(t, 250, cfg.Server.Cache.Capacity)
				require.Equal(t, 60*time.Second, cfg.Server.Dispatch.Timeout)
				require.Equal(t, []string{"GET", "HEAD", "DELETE"}, cfg.Server.Dispatch.AllowedMethods)
				require.Empty(t, cfg.CacheControl)
			},
		},
		{
			name: "merges file overrides",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				path := filepath.Join(dir, "server.yaml")
				contents := "server:\n  listen:\n    port: 9090\n  dispatch:\n    workers: 4\n    timeout: 5s\n  cache:\n    capacity: 16\n"
				require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9090, cfg.Server.Listen.Port)
				require.Equal(t, 4, cfg.Server.Dispatch.Workers)
				require.Equal(t, 5*time.Second, cfg.Server.Dispatch.Timeout)
				require.Equal(t, 16, cfg.Server.Cache.Capacity)
				require.Equal(t, 10, cfg.Server.Dispatch.StatsQueueSize)
			},
		},
		{
			name: "prefers env overrides",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				path := filepath.Join(dir, "server.yaml")
				require.NoError(t, os.WriteFile(path, []byte("server:\n  listen:\n    port: 9090\n"), 0o600))
				t.Setenv("PICTURA_SERVER__LISTEN__PORT", "9091")
				t.Setenv("PICTURA_SERVER__CACHE__MAXENTRYSIZE", "4096")
				t.Setenv("PICTURA_SERVER__PROCESSING__TASKHEADER", "true")
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9091, cfg.Server.Listen.Port)
				require.Equal(t, 4096, cfg.Server.Cache.MaxEntrySize)
				require.True(t, cfg.Server.Processing.TaskHeader)
			},
		},
		{
			name: "reads inline cache-control rules",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				path := filepath.Join(dir, "server.yaml")
				contents := "cacheControl:\n  - path: /static/**\n    directive: public, max-age=600\n"
				require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Len(t, cfg.CacheControl, 1)
				require.Equal(t, "public, max-age=600", cfg.CacheControl[0].Directive)
				require.Equal(t, []string{inlineSourceName}, cfg.RuleSources)
			},
		},
		{
			name: "loads rules file after inline rules",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				rulesPath := filepath.Join(dir, "rules.json")
				require.NoError(t, os.WriteFile(rulesPath, []byte(`{"rules":[{"path":"/img/**","directive":"public, max-age=60"}]}`), 0o600))
				serverPath := filepath.Join(dir, "server.yaml")
				contents := "server:\n  cacheControl:\n    rulesFile: %s\ncacheControl:\n  - path: /static/**\n    directive: public, max-age=600\n"
				require.NoError(t, os.WriteFile(serverPath, []byte(fmt.Sprintf(contents, rulesPath)), 0o600))
				return []string{serverPath}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Len(t, cfg.CacheControl, 2)
				require.Equal(t, "/static/**", cfg.CacheControl[0].Path)
				require.Equal(t, "/img/**", cfg.CacheControl[1].Path)
				require.Len(t, cfg.RuleSources, 2)
				require.Len(t, cfg.InlineCacheControl, 1)
			},
		},
		{
			name: "fails when file missing",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				return []string{filepath.Join(dir, "missing.yaml")}
			},
			wantErr: true,
		},
		{
			name: "fails validation for redis snapshot without address",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				path := filepath.Join(dir, "server.yaml")
				require.NoError(t, os.WriteFile(path, []byte("server:\n  cache:\n    snapshot:\n      backend: redis\n"), 0o600))
				return []string{path}
			},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			args := tc.setup(t)
			loader := NewLoader("PICTURA", args...)
			cfg, err := loader.Load(ctx)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tc.assert != nil {
				tc.assert(t, cfg)
			}
		})
	}
}

func TestLoaderHonoursCancelledContext(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: {}\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLoader("PICTURA", path).Load(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
