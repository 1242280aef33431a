package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot: defaults, then files, then environment.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		if err := k.Load(env.Provider(l.envPrefix, ".", l.envTransform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.InlineCacheControl = cloneRules(cfg.CacheControl)

	bundle, err := buildCacheControlBundle(ctx, cfg.InlineCacheControl, cfg.Server.CacheControl)
	if err != nil {
		return Config{}, err
	}
	cfg.CacheControl = bundle.Rules
	cfg.RuleSources = bundle.Sources
	return cfg, nil
}

var canonicalEnvKeys = map[string]string{
	"server.logging.correlationheader":         "server.logging.correlationHeader",
	"server.dispatch.queuesize":                "server.dispatch.queueSize",
	"server.dispatch.statsworkers":             "server.dispatch.statsWorkers",
	"server.dispatch.statsqueuesize":           "server.dispatch.statsQueueSize",
	"server.dispatch.allowedmethods":           "server.dispatch.allowedMethods",
	"server.dispatch.maximageresolution":       "server.dispatch.maxImageResolution",
	"server.dispatch.memorylimitbytes":         "server.dispatch.memoryLimitBytes",
	"server.cache.maxentrysize":                "server.cache.maxEntrySize",
	"server.cache.singleflight":                "server.cache.singleFlight",
	"server.cache.pressure.highwatermarkbytes": "server.cache.pressure.highWatermarkBytes",
	"server.cache.pressure.trimfraction":       "server.cache.pressure.trimFraction",
	"server.cache.snapshot.redis.tls.cafile":   "server.cache.snapshot.redis.tls.caFile",
	"server.processing.taskheader":             "server.processing.taskHeader",
	"server.processing.poweredby":              "server.processing.poweredBy",
	"server.processing.resourceroot":           "server.processing.resourceRoot",
	"server.processing.upstreamurl":            "server.processing.upstreamURL",
	"server.processing.upstreamtimeout":        "server.processing.upstreamTimeout",
	"server.processing.maxage":                 "server.processing.maxAge",
	"server.processing.maxfilesize":            "server.processing.maxFileSize",
	"server.processing.mincompresssize":        "server.processing.minCompressSize",
	"server.processing.autoformat":             "server.processing.autoFormat",
	"server.processing.clienthints":            "server.processing.clientHints",
	"server.processing.post.maxsize":           "server.processing.post.maxSize",
	"server.processing.errors.templatefile":    "server.processing.errors.templateFile",
	"server.processing.errors.templatesfolder": "server.processing.errors.templatesFolder",
	"server.cachecontrol.rulesfile":            "server.cacheControl.rulesFile",
}

func (l *Loader) envTransform(s string) string {
	// Double underscores signal a nested path (SERVER__LISTEN__PORT -> server.listen.port).
	key := strings.TrimPrefix(s, l.envPrefix+"_")
	key = strings.ReplaceAll(key, "__", ".")
	lower := strings.ToLower(key)
	if mapped, ok := canonicalEnvKeys[lower]; ok {
		return mapped
	}
	key = strings.ReplaceAll(key, "_", "")
	return strings.ToLower(key)
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	s := cfg.Server
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": s.Listen.Address,
				"port":    s.Listen.Port,
			},
			"logging": map[string]any{
				"level":             s.Logging.Level,
				"format":            s.Logging.Format,
				"correlationHeader": s.Logging.CorrelationHeader,
			},
			"dispatch": map[string]any{
				"workers":            s.Dispatch.Workers,
				"queueSize":          s.Dispatch.QueueSize,
				"statsWorkers":       s.Dispatch.StatsWorkers,
				"statsQueueSize":     s.Dispatch.StatsQueueSize,
				"timeout":            s.Dispatch.Timeout.String(),
				"async":              s.Dispatch.Async,
				"allowedMethods":     s.Dispatch.AllowedMethods,
				"maxImageResolution": s.Dispatch.MaxImageResolution,
				"memoryLimitBytes":   s.Dispatch.MemoryLimitBytes,
			},
			"cache": map[string]any{
				"enabled":      s.Cache.Enabled,
				"capacity":     s.Cache.Capacity,
				"maxEntrySize": s.Cache.MaxEntrySize,
				"singleFlight": s.Cache.SingleFlight,
				"pressure": map[string]any{
					"enabled":            s.Cache.Pressure.Enabled,
					"interval":           s.Cache.Pressure.Interval.String(),
					"highWatermarkBytes": s.Cache.Pressure.HighWatermarkBytes,
					"trimFraction":       s.Cache.Pressure.TrimFraction,
				},
				"snapshot": map[string]any{
					"backend":  s.Cache.Snapshot.Backend,
					"path":     s.Cache.Snapshot.Path,
					"key":      s.Cache.Snapshot.Key,
					"schedule": s.Cache.Snapshot.Schedule,
					"redis": map[string]any{
						"address":  s.Cache.Snapshot.Redis.Address,
						"username": s.Cache.Snapshot.Redis.Username,
						"password": s.Cache.Snapshot.Redis.Password,
						"db":       s.Cache.Snapshot.Redis.DB,
						"tls": map[string]any{
							"enabled": s.Cache.Snapshot.Redis.TLS.Enabled,
							"caFile":  s.Cache.Snapshot.Redis.TLS.CAFile,
						},
					},
				},
			},
			"processing": map[string]any{
				"debug":           s.Processing.Debug,
				"taskHeader":      s.Processing.TaskHeader,
				"poweredBy":       s.Processing.PoweredBy,
				"resourceRoot":    s.Processing.ResourceRoot,
				"upstreamURL":     s.Processing.UpstreamURL,
				"upstreamTimeout": s.Processing.UpstreamTimeout.String(),
				"maxAge":          s.Processing.MaxAge,
				"maxFileSize":     s.Processing.MaxFileSize,
				"minCompressSize": s.Processing.MinCompressSize,
				"autoFormat":      s.Processing.AutoFormat,
				"clientHints":     s.Processing.ClientHints,
				"post": map[string]any{
					"enabled": s.Processing.Post.Enabled,
					"maxSize": s.Processing.Post.MaxSize,
				},
				"stats": map[string]any{
					"enabled": s.Processing.Stats.Enabled,
					"path":    s.Processing.Stats.Path,
					"allow":   s.Processing.Stats.Allow,
				},
				"script": map[string]any{
					"enabled": s.Processing.Script.Enabled,
					"path":    s.Processing.Script.Path,
				},
				"errors": map[string]any{
					"template":        s.Processing.Errors.Template,
					"templateFile":    s.Processing.Errors.TemplateFile,
					"templatesFolder": s.Processing.Errors.TemplatesFolder,
				},
			},
			"cacheControl": map[string]any{
				"rulesFile": s.CacheControl.RulesFile,
			},
		},
	}
}
