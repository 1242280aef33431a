package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// RulesWatcher monitors the cache-control rules file and invokes the supplied
// callback whenever the rules change. Stop must be called to release
// filesystem resources.
type RulesWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for the underlying goroutine to exit.
func (w *RulesWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// WatchCacheControl wires fsnotify around the configured rules file and
// rebuilds the bundle on any relevant change. The provided config should come
// from Loader.Load so InlineCacheControl is already captured. The initial
// bundle is delivered before the function returns.
func (l *Loader) WatchCacheControl(ctx context.Context, cfg Config, onChange func(RuleBundle), onError func(error)) (*RulesWatcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("config: watch rules requires a change callback")
	}
	if cfg.Server.CacheControl.RulesFile == "" {
		return nil, fmt.Errorf("config: no cache-control rules file configured for watching")
	}

	watchCtx, cancel := context.WithCancel(ctx)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("config: watch rules: %w", err)
	}

	inline := cloneRules(cfg.InlineCacheControl)
	rulesCfg := cfg.Server.CacheControl

	bundle, err := buildCacheControlBundle(watchCtx, inline, rulesCfg)
	if err != nil {
		if closeErr := watcher.Close(); closeErr != nil && onError != nil {
			onError(fmt.Errorf("config: watch rules close: %w", closeErr))
		}
		cancel()
		return nil, err
	}
	onChange(bundle)

	targetFile := rulesCfg.RulesFile
	if abs, err := filepath.Abs(targetFile); err == nil {
		targetFile = abs
	} else if onError != nil {
		onError(fmt.Errorf("config: resolve rules file: %w", err))
	}
	targetFile = filepath.Clean(targetFile)
	// Editors replace files via rename, so watch the directory rather than the file.
	if err := watcher.Add(filepath.Dir(targetFile)); err != nil {
		_ = watcher.Close()
		cancel()
		return nil, fmt.Errorf("config: watch add %s: %w", filepath.Dir(targetFile), err)
	}

	done := make(chan struct{})
	watch := &RulesWatcher{cancel: cancel, done: done}

	go func() {
		defer close(done)
		defer func() {
			if err := watcher.Close(); err != nil && onError != nil {
				onError(fmt.Errorf("config: watch rules close: %w", err))
			}
		}()

		last := bundle
		reload := func() {
			next, err := buildCacheControlBundle(watchCtx, inline, rulesCfg)
			if err != nil {
				if !errors.Is(err, context.Canceled) && onError != nil {
					onError(err)
				}
				return
			}
			// Editors often emit several events for one save; only real
			// changes reach the callback.
			if slices.Equal(next.Rules, last.Rules) && slices.Equal(next.Skipped, last.Skipped) {
				return
			}
			last = next
			onChange(next)
		}

		const debounce = 25 * time.Millisecond
		timer := time.NewTimer(debounce)
		timer.Stop()
		defer timer.Stop()

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-timer.C:
				reload()
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != targetFile {
					continue
				}
				if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 && onError != nil {
					onError(fmt.Errorf("config: rules file %s removed", targetFile))
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
					timer.Reset(debounce)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(fmt.Errorf("config: watch error: %w", err))
				}
			}
		}
	}()

	return watch, nil
}
