package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/l0p7/pictura/internal/config"
	"github.com/l0p7/pictura/internal/logging"
	"github.com/l0p7/pictura/internal/metrics"
	"github.com/l0p7/pictura/internal/runtime/cache"
	"github.com/l0p7/pictura/internal/runtime/dispatch"
	"github.com/l0p7/pictura/internal/runtime/memory"
	"github.com/l0p7/pictura/internal/runtime/processor"
	"github.com/l0p7/pictura/internal/runtime/task"
	"github.com/l0p7/pictura/internal/server"
	"github.com/l0p7/pictura/internal/templates"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"
)

type configLoader interface {
	Load(ctx context.Context) (config.Config, error)
	WatchCacheControl(ctx context.Context, cfg config.Config, onChange func(config.RuleBundle), onError func(error)) (ruleWatcher, error)
}

type ruleWatcher interface {
	Stop()
}

type runnableServer interface {
	Run(ctx context.Context) error
}

// loaderAdapter narrows *config.Loader to configLoader.
type loaderAdapter struct {
	*config.Loader
}

func (l loaderAdapter) WatchCacheControl(ctx context.Context, cfg config.Config, onChange func(config.RuleBundle), onError func(error)) (ruleWatcher, error) {
	return l.Loader.WatchCacheControl(ctx, cfg, onChange, onError)
}

var (
	newConfigLoader = func(envPrefix, configFile string) configLoader {
		return loaderAdapter{Loader: config.NewLoader(envPrefix, configFile)}
	}
	newHTTPServer = func(opts server.Options, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
		return server.New(opts, logger, handler)
	}
	newLogger = logging.New
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "PICTURA", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	loader := newConfigLoader(envPrefix, configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := newLogger(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	recorder := metrics.NewRecorder(prometheus.NewRegistry())
	a, err := buildApp(cfg, logger, recorder)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.Server.CacheControl.RulesFile != "" && a.cacheControl != nil {
		watcher, err := loader.WatchCacheControl(ctx, cfg, func(bundle config.RuleBundle) {
			a.cacheControl.Reload(ctx, bundle)
		}, func(err error) {
			if err != nil {
				logger.Error("cache-control watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("cache-control watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	a.restore(ctx)
	stopSchedule, err := a.schedule(cfg.Server.Cache.Snapshot.Schedule)
	if err != nil {
		return err
	}
	defer stopSchedule()

	if a.pressure != nil {
		go a.pressure.Run(ctx)
	}

	handler := server.NewHandler(a.factory, a.dispatcher, server.Routes{Metrics: recorder.Handler()}, logger)
	srv, err := newHTTPServer(server.Options{
		Listen:         cfg.Server.Listen,
		BeforeShutdown: func() { a.dispatcher.SetAlive(false) },
	}, logger, handler)
	if err != nil {
		a.shutdown()
		return fmt.Errorf("construct server: %w", err)
	}

	runErr := srv.Run(ctx)
	a.shutdown()

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", runErr))
		return runErr
	}
	logger.Info("server shutdown complete")
	return nil
}

// app holds the assembled components of one server instance.
type app struct {
	logger       *slog.Logger
	cache        *cache.ResponseCache
	snapshots    cache.SnapshotStore
	pressure     *cache.PressureMonitor
	dispatcher   *dispatch.Dispatcher
	cacheControl *processor.CacheControl
	factory      *processor.Factory
	closers      []func() error
}

func buildApp(cfg config.Config, logger *slog.Logger, recorder *metrics.Recorder) (_ *app, err error) {
	a := &app{logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()
	srvCfg := cfg.Server

	var decorator cache.DecoratorOptions
	if srvCfg.Cache.Enabled {
		a.cache = cache.New(srvCfg.Cache.Capacity, srvCfg.Cache.MaxEntrySize)
		decorator.Recorder = recorder
		if srvCfg.Cache.SingleFlight {
			decorator.Group = &singleflight.Group{}
		}
		if srvCfg.Cache.Pressure.Enabled {
			a.pressure = cache.NewPressureMonitor(a.cache, cache.PressureOptions{
				Interval:      srvCfg.Cache.Pressure.Interval,
				HighWatermark: cache.Watermark(uint64(max(srvCfg.Cache.Pressure.HighWatermarkBytes, 0)), srvCfg.Dispatch.MemoryLimitBytes),
				TrimFraction:  srvCfg.Cache.Pressure.TrimFraction,
				Logger:        logger.With(slog.String("agent", "cache_pressure")),
				Recorder:      recorder,
			})
		}
		store, err := buildSnapshotStore(logger, srvCfg.Cache.Snapshot)
		if err != nil {
			return nil, err
		}
		a.snapshots = store
		if store != nil {
			a.closers = append(a.closers, store.Close)
		}
		registerCacheGauges(logger, recorder, a.cache)
	}

	resolver, closeResolver, err := buildResolver(srvCfg.Processing)
	if err != nil {
		return nil, err
	}
	if closeResolver != nil {
		a.closers = append(a.closers, closeResolver)
	}

	a.cacheControl, err = processor.NewCacheControl(config.RuleBundle{Rules: cfg.CacheControl, Sources: cfg.RuleSources}, logger)
	if err != nil {
		return nil, fmt.Errorf("compile cache-control rules: %w", err)
	}

	errorPage, err := buildErrorPage(logger, srvCfg.Processing.Errors)
	if err != nil {
		return nil, err
	}

	proc := srvCfg.Processing
	var statsPath, scriptPath string
	var statsAllow []netip.Prefix
	if proc.Stats.Enabled {
		statsPath = proc.Stats.Path
		statsAllow, err = config.ParseNetworks(proc.Stats.Allow)
		if err != nil {
			return nil, err
		}
	}
	if proc.Script.Enabled {
		scriptPath = proc.Script.Path
	}

	methods := srvCfg.Dispatch.AllowedMethods
	if proc.Post.Enabled && !slices.Contains(methods, http.MethodPost) {
		methods = append(slices.Clone(methods), http.MethodPost)
	}

	var probe *memory.Probe
	if p, ok := memory.NewProbe(srvCfg.Dispatch.MemoryLimitBytes); ok {
		probe = &p
	}
	a.dispatcher = dispatch.New(dispatch.Options{
		Workers:            srvCfg.Dispatch.Workers,
		QueueSize:          srvCfg.Dispatch.QueueSize,
		StatsWorkers:       srvCfg.Dispatch.StatsWorkers,
		StatsQueueSize:     srvCfg.Dispatch.StatsQueueSize,
		Timeout:            srvCfg.Dispatch.Timeout,
		Async:              srvCfg.Dispatch.Async,
		AllowedMethods:     methods,
		MaxImageResolution: srvCfg.Dispatch.MaxImageResolution,
		Memory:             probe,
		Recorder:           recorder,
		Logger:             logger,
	})

	a.factory = processor.NewFactory(processor.FactoryOptions{
		Task: task.Options{
			Debug:           proc.Debug,
			TaskHeader:      proc.TaskHeader,
			PoweredBy:       proc.PoweredBy,
			MinCompressSize: proc.MinCompressSize,
			ErrorPage:       errorPage,
			Logger:          logger,
		},
		Image: processor.ImageOptions{
			Resolver:    resolver,
			Transformer: &processor.Codec{MaxResolution: srvCfg.Dispatch.MaxImageResolution},
			Negotiator:  &processor.Negotiator{AutoFormat: proc.AutoFormat, ClientHints: proc.ClientHints},
			MaxAge:      proc.MaxAge,
		},
		Stats:        processor.StatsOptions{Source: a.dispatcher, Cache: a.cache},
		Script:       processor.ScriptOptions{MaxAge: proc.MaxAge},
		StatsPath:    statsPath,
		StatsAllow:   statsAllow,
		ScriptPath:   scriptPath,
		PostEnabled:  proc.Post.Enabled,
		PostMaxSize:  proc.Post.MaxSize,
		Cache:        a.cache,
		CacheOptions: decorator,
		CacheControl: a.cacheControl,
	})
	return a, nil
}

func buildSnapshotStore(logger *slog.Logger, cfg config.SnapshotConfig) (cache.SnapshotStore, error) {
	switch backend := strings.ToLower(strings.TrimSpace(cfg.Backend)); backend {
	case "", "none":
		return nil, nil
	case "file":
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, errors.New("cache snapshot: file backend requires a path")
		}
		logger.Info("using file cache snapshots", slog.String("path", cfg.Path))
		return &cache.FileSnapshotStore{Path: cfg.Path}, nil
	case "redis":
		store, err := cache.NewRedisSnapshotStore(cache.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: cache.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		}, cfg.Key)
		if err != nil {
			// The cache works without snapshots, it only starts cold.
			logger.Error("redis snapshot store initialization failed", slog.Any("error", err))
			return nil, nil
		}
		logger.Info("using redis cache snapshots", slog.String("address", cfg.Redis.Address), slog.String("key", cfg.Key))
		return store, nil
	default:
		return nil, fmt.Errorf("cache snapshot: unsupported backend %q", cfg.Backend)
	}
}

func buildResolver(cfg config.ProcessingConfig) (processor.Resolver, func() error, error) {
	if upstream := strings.TrimSpace(cfg.UpstreamURL); upstream != "" {
		r, err := processor.NewHTTPResolver(upstream, &http.Client{}, cfg.UpstreamTimeout, cfg.MaxFileSize)
		if err != nil {
			return nil, nil, err
		}
		return r, nil, nil
	}
	r, err := processor.NewFileResolver(cfg.ResourceRoot, cfg.MaxFileSize)
	if err != nil {
		return nil, nil, fmt.Errorf("open resource root: %w", err)
	}
	return r, r.Close, nil
}

func buildErrorPage(logger *slog.Logger, cfg config.ErrorsConfig) (*templates.ErrorPage, error) {
	var sandbox *templates.Sandbox
	if folder := strings.TrimSpace(cfg.TemplatesFolder); folder != "" {
		s, err := templates.NewSandbox(folder)
		if err != nil {
			logger.Warn("template sandbox setup failed", slog.String("templates_folder", folder), slog.Any("error", err))
		} else {
			// Templates compile eagerly, the folder is not read afterwards.
			defer s.Close()
			sandbox = s
		}
	}
	page, err := templates.NewErrorPage(templates.NewRenderer(sandbox), templates.ErrorPageOptions{
		Inline: cfg.Template,
		File:   cfg.TemplateFile,
	})
	if err != nil {
		return nil, fmt.Errorf("compile error template: %w", err)
	}
	return page, nil
}

func registerCacheGauges(logger *slog.Logger, recorder *metrics.Recorder, c *cache.ResponseCache) {
	gauges := []struct {
		name, help string
		fn         func() float64
	}{
		{"entries", "Entries held by the response cache.", func() float64 { return float64(c.Len()) }},
		{"bytes", "Body bytes held by the response cache.", func() float64 { return float64(c.Bytes()) }},
		{"hit_ratio", "Share of lookups answered from the response cache.", c.HitRate},
	}
	for _, g := range gauges {
		if err := recorder.RegisterGauge("cache", g.name, g.help, nil, g.fn); err != nil {
			logger.Warn("cache gauge registration failed", slog.String("gauge", g.name), slog.Any("error", err))
		}
	}
}

func (a *app) restore(ctx context.Context) {
	if a.cache == nil || a.snapshots == nil {
		return
	}
	n, err := cache.Restore(ctx, a.cache, a.snapshots)
	if err != nil {
		a.logger.Warn("cache snapshot restore failed", slog.Any("error", err))
		return
	}
	a.logger.Info("cache snapshot restored", slog.Int("entries", n))
}

func (a *app) persist(ctx context.Context) {
	if a.cache == nil || a.snapshots == nil {
		return
	}
	n, err := cache.Persist(ctx, a.cache, a.snapshots)
	if err != nil {
		a.logger.Error("cache snapshot save failed", slog.Any("error", err))
		return
	}
	a.logger.Info("cache snapshot saved", slog.Int("entries", n))
}

// schedule saves snapshots periodically on a cron spec. The returned stop
// function waits for a running save to finish.
func (a *app) schedule(spec string) (func(), error) {
	if strings.TrimSpace(spec) == "" || a.cache == nil || a.snapshots == nil {
		return func() {}, nil
	}
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		a.persist(ctx)
	}); err != nil {
		return nil, fmt.Errorf("cache snapshot schedule %q: %w", spec, err)
	}
	c.Start()
	return func() { <-c.Stop().Done() }, nil
}

// shutdown answers whatever is still queued and saves the cache.
func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.dispatcher.Close(ctx); err != nil {
		a.logger.Error("dispatcher shutdown failed", slog.Any("error", err))
	}
	a.persist(ctx)
}

func (a *app) close() {
	for _, fn := range a.closers {
		if err := fn(); err != nil {
			a.logger.Warn("shutdown close failed", slog.Any("error", err))
		}
	}
}
