package config

import (
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strings"
	"time"
)

// Config holds every server-level option plus the cache-control rules once they are loaded.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	CacheControl []CacheControlRule `koanf:"cacheControl"`

	// InlineCacheControl keeps the rules declared in the main document so the
	// watcher can merge them with a reloaded rules file.
	InlineCacheControl []CacheControlRule `koanf:"-"`
	// RuleSources records which documents contributed cache-control rules.
	RuleSources []string `koanf:"-"`
}

// ServerConfig collects the bootstrap knobs owned by the lifecycle agent.
type ServerConfig struct {
	Listen       ListenConfig       `koanf:"listen"`
	Logging      LoggingConfig      `koanf:"logging"`
	Dispatch     DispatchConfig     `koanf:"dispatch"`
	Cache        CacheConfig        `koanf:"cache"`
	Processing   ProcessingConfig   `koanf:"processing"`
	CacheControl CacheControlConfig `koanf:"cacheControl"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// DispatchConfig sizes the worker pools and the admission checks in front of them.
type DispatchConfig struct {
	Workers            int           `koanf:"workers"`
	QueueSize          int           `koanf:"queueSize"`
	StatsWorkers       int           `koanf:"statsWorkers"`
	StatsQueueSize     int           `koanf:"statsQueueSize"`
	Timeout            time.Duration `koanf:"timeout"`
	Async              bool          `koanf:"async"`
	AllowedMethods     []string      `koanf:"allowedMethods"`
	MaxImageResolution int64         `koanf:"maxImageResolution"`
	MemoryLimitBytes   int64         `koanf:"memoryLimitBytes"`
}

// CacheConfig drives the in-process response cache.
type CacheConfig struct {
	Enabled      bool           `koanf:"enabled"`
	Capacity     int            `koanf:"capacity"`
	MaxEntrySize int            `koanf:"maxEntrySize"`
	SingleFlight bool           `koanf:"singleFlight"`
	Pressure     PressureConfig `koanf:"pressure"`
	Snapshot     SnapshotConfig `koanf:"snapshot"`
}

// PressureConfig controls the memory pressure monitor that trims the cache.
type PressureConfig struct {
	Enabled            bool          `koanf:"enabled"`
	Interval           time.Duration `koanf:"interval"`
	HighWatermarkBytes int64         `koanf:"highWatermarkBytes"`
	TrimFraction       float64       `koanf:"trimFraction"`
}

// SnapshotConfig selects where the cache is saved on shutdown and restored on startup.
type SnapshotConfig struct {
	Backend  string              `koanf:"backend"`
	Path     string              `koanf:"path"`
	Key      string              `koanf:"key"`
	Schedule string              `koanf:"schedule"`
	Redis    SnapshotRedisConfig `koanf:"redis"`
}

type SnapshotRedisConfig struct {
	Address  string         `koanf:"address"`
	Username string         `koanf:"username"`
	Password string         `koanf:"password"`
	DB       int            `koanf:"db"`
	TLS      RedisTLSConfig `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// ProcessingConfig carries the per-request behavior of the processors.
type ProcessingConfig struct {
	Debug           bool          `koanf:"debug"`
	TaskHeader      bool          `koanf:"taskHeader"`
	PoweredBy       bool          `koanf:"poweredBy"`
	ResourceRoot    string        `koanf:"resourceRoot"`
	UpstreamURL     string        `koanf:"upstreamURL"`
	UpstreamTimeout time.Duration `koanf:"upstreamTimeout"`
	MaxAge          int           `koanf:"maxAge"`
	MaxFileSize     int64         `koanf:"maxFileSize"`
	MinCompressSize int           `koanf:"minCompressSize"`
	AutoFormat      bool          `koanf:"autoFormat"`
	ClientHints     bool          `koanf:"clientHints"`
	Post            PostConfig    `koanf:"post"`
	Stats           StatsConfig   `koanf:"stats"`
	Script          ScriptConfig  `koanf:"script"`
	Errors          ErrorsConfig  `koanf:"errors"`
}

type PostConfig struct {
	Enabled bool  `koanf:"enabled"`
	MaxSize int64 `koanf:"maxSize"`
}

type StatsConfig struct {
	Enabled bool     `koanf:"enabled"`
	Path    string   `koanf:"path"`
	Allow   []string `koanf:"allow"`
}

type ScriptConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

// ErrorsConfig points at the template used to render error bodies.
type ErrorsConfig struct {
	Template        string `koanf:"template"`
	TemplateFile    string `koanf:"templateFile"`
	TemplatesFolder string `koanf:"templatesFolder"`
}

// CacheControlConfig announces where additional cache-control rules live.
type CacheControlConfig struct {
	RulesFile string `koanf:"rulesFile"`
}

// CacheControlRule maps requests to a Cache-Control directive. Path is a glob
// over the request path, When an optional CEL condition. The first matching
// rule wins.
type CacheControlRule struct {
	Path      string `koanf:"path" json:"path"`
	When      string `koanf:"when" json:"when,omitempty"`
	Directive string `koanf:"directive" json:"directive"`
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}

	d := c.Server.Dispatch
	if d.Workers <= 0 {
		return fmt.Errorf("config: server.dispatch.workers invalid: %d", d.Workers)
	}
	if d.QueueSize < 0 {
		return fmt.Errorf("config: server.dispatch.queueSize invalid: %d", d.QueueSize)
	}
	if d.StatsWorkers <= 0 {
		return fmt.Errorf("config: server.dispatch.statsWorkers invalid: %d", d.StatsWorkers)
	}
	if d.StatsQueueSize < 0 {
		return fmt.Errorf("config: server.dispatch.statsQueueSize invalid: %d", d.StatsQueueSize)
	}
	if d.Timeout <= 0 {
		return fmt.Errorf("config: server.dispatch.timeout invalid: %s", d.Timeout)
	}
	if d.MaxImageResolution < 0 {
		return fmt.Errorf("config: server.dispatch.maxImageResolution invalid: %d", d.MaxImageResolution)
	}
	for _, method := range d.AllowedMethods {
		if !isKnownMethod(method) {
			return fmt.Errorf("config: server.dispatch.allowedMethods unsupported: %s", method)
		}
	}

	cache := c.Server.Cache
	if cache.Enabled && cache.Capacity <= 0 {
		return fmt.Errorf("config: server.cache.capacity invalid: %d", cache.Capacity)
	}
	if cache.MaxEntrySize < 0 {
		return fmt.Errorf("config: server.cache.maxEntrySize invalid: %d", cache.MaxEntrySize)
	}
	if cache.Pressure.Enabled {
		if cache.Pressure.Interval <= 0 {
			return fmt.Errorf("config: server.cache.pressure.interval invalid: %s", cache.Pressure.Interval)
		}
		if cache.Pressure.TrimFraction <= 0 || cache.Pressure.TrimFraction > 1 {
			return fmt.Errorf("config: server.cache.pressure.trimFraction invalid: %v", cache.Pressure.TrimFraction)
		}
	}
	switch strings.TrimSpace(strings.ToLower(cache.Snapshot.Backend)) {
	case "", "none":
	case "file":
		if strings.TrimSpace(cache.Snapshot.Path) == "" {
			return errors.New("config: server.cache.snapshot.path required for file backend")
		}
	case "redis":
		if strings.TrimSpace(cache.Snapshot.Redis.Address) == "" {
			return errors.New("config: server.cache.snapshot.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: server.cache.snapshot.backend unsupported: %s", cache.Snapshot.Backend)
	}

	p := c.Server.Processing
	if p.MinCompressSize < 0 {
		return fmt.Errorf("config: server.processing.minCompressSize invalid: %d", p.MinCompressSize)
	}
	if p.MaxAge < 0 {
		return fmt.Errorf("config: server.processing.maxAge invalid: %d", p.MaxAge)
	}
	if p.Post.Enabled && p.Post.MaxSize <= 0 {
		return fmt.Errorf("config: server.processing.post.maxSize invalid: %d", p.Post.MaxSize)
	}
	if p.Stats.Enabled && !strings.HasPrefix(p.Stats.Path, "/") {
		return fmt.Errorf("config: server.processing.stats.path must be absolute: %q", p.Stats.Path)
	}
	if p.Script.Enabled && !strings.HasPrefix(p.Script.Path, "/") {
		return fmt.Errorf("config: server.processing.script.path must be absolute: %q", p.Script.Path)
	}
	if _, err := ParseNetworks(p.Stats.Allow); err != nil {
		return err
	}
	if p.Errors.Template != "" && p.Errors.TemplateFile != "" {
		return errors.New("config: errors.template and errors.templateFile are mutually exclusive")
	}

	for idx, rule := range c.CacheControl {
		if err := validateCacheControlRule(rule); err != nil {
			return fmt.Errorf("config: cacheControl[%d]: %w", idx, err)
		}
	}
	return nil
}

// ParseNetworks turns CIDR or bare address strings into prefixes. Bare addresses
// become single-host prefixes.
func ParseNetworks(values []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(values))
	for _, raw := range values {
		value := strings.TrimSpace(raw)
		if value == "" {
			continue
		}
		if strings.Contains(value, "/") {
			prefix, err := netip.ParsePrefix(value)
			if err != nil {
				return nil, fmt.Errorf("config: invalid network %q: %w", value, err)
			}
			out = append(out, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(value)
		if err != nil {
			return nil, fmt.Errorf("config: invalid address %q: %w", value, err)
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

func validateCacheControlRule(rule CacheControlRule) error {
	if strings.TrimSpace(rule.Path) == "" && strings.TrimSpace(rule.When) == "" {
		return errors.New("path or when required")
	}
	if strings.TrimSpace(rule.Directive) == "" {
		return errors.New("directive required")
	}
	return nil
}

func isKnownMethod(method string) bool {
	switch strings.ToUpper(strings.TrimSpace(method)) {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodDelete:
		return true
	}
	return false
}

// DefaultConfig returns the baseline values that align with the design defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
			Dispatch: DispatchConfig{
				Workers:            10,
				QueueSize:          100,
				StatsWorkers:       2,
				StatsQueueSize:     10,
				Timeout:            60 * time.Second,
				Async:              true,
				AllowedMethods:     []string{http.MethodGet, http.MethodHead, http.MethodDelete},
				MaxImageResolution: 6000 * 6000,
			},
			Cache: CacheConfig{
				Enabled:      true,
				Capacity:     250,
				MaxEntrySize: 2 << 20,
				Pressure: PressureConfig{
					Enabled:      true,
					Interval:     5 * time.Second,
					TrimFraction: 0.25,
				},
				Snapshot: SnapshotConfig{
					Backend: "none",
					Key:     "pictura:cache",
				},
			},
			Processing: ProcessingConfig{
				PoweredBy:       true,
				ResourceRoot:    "./resources",
				UpstreamTimeout: 10 * time.Second,
				MaxAge:          86400,
				MaxFileSize:     10 << 20,
				MinCompressSize: 1024,
				Post: PostConfig{
					MaxSize: 5 << 20,
				},
				Stats: StatsConfig{
					Enabled: true,
					Path:    "/stats",
					Allow:   []string{"127.0.0.1/32", "::1/128"},
				},
				Script: ScriptConfig{
					Enabled: true,
					Path:    "/js/",
				},
			},
		},
	}
}
