package processor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gobwas/glob"

	"github.com/l0p7/pictura/internal/config"
	"github.com/l0p7/pictura/internal/expr"
	"github.com/l0p7/pictura/internal/runtime/task"
)

type cacheControlRule struct {
	path      string
	pattern   glob.Glob
	when      *expr.Program
	directive string
}

// CacheControl assigns Cache-Control directives to successful responses. The
// first rule whose path glob and condition both match wins.
type CacheControl struct {
	env    *expr.Environment
	logger *slog.Logger

	mu      sync.RWMutex
	rules   []cacheControlRule
	sources []string
}

// NewCacheControl compiles the rules of bundle.
func NewCacheControl(bundle config.RuleBundle, logger *slog.Logger) (*CacheControl, error) {
	env, err := expr.NewEnvironment()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	cc := &CacheControl{env: env, logger: logger.With(slog.String("agent", "cache_control"))}
	cc.Reload(context.Background(), bundle)
	return cc, nil
}

// Reload swaps the active rules. Rules that fail to compile are skipped and
// logged, the remaining ones stay in order.
func (cc *CacheControl) Reload(ctx context.Context, bundle config.RuleBundle) {
	rules := make([]cacheControlRule, 0, len(bundle.Rules))
	for idx, def := range bundle.Rules {
		rule, err := cc.compile(def)
		if err != nil {
			cc.logger.WarnContext(ctx, "cache-control rule skipped", slog.Int("index", idx), slog.Any("error", err))
			continue
		}
		rules = append(rules, rule)
	}
	for _, skip := range bundle.Skipped {
		cc.logger.WarnContext(ctx, "cache-control rule disabled",
			slog.String("source", skip.Source),
			slog.Int("index", skip.Index),
			slog.String("reason", skip.Reason),
		)
	}

	cc.mu.Lock()
	cc.rules = rules
	cc.sources = append([]string(nil), bundle.Sources...)
	cc.mu.Unlock()
	cc.logger.InfoContext(ctx, "cache-control rules loaded",
		slog.String("event", "rules_reload"),
		slog.Int("rules", len(rules)),
		slog.Any("sources", bundle.Sources),
	)
}

func (cc *CacheControl) compile(def config.CacheControlRule) (cacheControlRule, error) {
	rule := cacheControlRule{path: def.Path, directive: strings.TrimSpace(def.Directive)}
	if rule.directive == "" {
		return rule, fmt.Errorf("processor: rule %q: directive required", def.Path)
	}
	if p := strings.TrimSpace(def.Path); p != "" {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return rule, fmt.Errorf("processor: rule path %q: %w", p, err)
		}
		rule.pattern = g
	}
	if when := strings.TrimSpace(def.When); when != "" {
		program, err := cc.env.Compile(when)
		if err != nil {
			return rule, err
		}
		rule.when = &program
	}
	return rule, nil
}

// Len returns the number of active rules.
func (cc *CacheControl) Len() int {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return len(cc.rules)
}

// Match returns the directive for a response to r.
func (cc *CacheControl) Match(r *http.Request, status int, contentType string) (string, bool) {
	cc.mu.RLock()
	rules := cc.rules
	cc.mu.RUnlock()

	var vars map[string]any
	for _, rule := range rules {
		if rule.pattern != nil && !rule.pattern.Match(r.URL.Path) {
			continue
		}
		if rule.when != nil {
			if vars == nil {
				vars = expr.RequestActivation(r, status, contentType)
			}
			ok, err := rule.when.EvalBool(vars)
			if err != nil {
				cc.logger.Debug("cache-control condition failed", slog.String("when", rule.when.Source()), slog.Any("error", err))
				continue
			}
			if !ok {
				continue
			}
		}
		return rule.directive, true
	}
	return "", false
}

// PreProcessor installs a commit hook that rewrites Cache-Control of 200
// responses. Responses marked uncacheable keep their no-cache header.
func (cc *CacheControl) PreProcessor() task.PreProcessor {
	return func(_ context.Context, c *task.Core) error {
		req := c.Request()
		c.Sink().OnCommit(func(status int, header http.Header) {
			if status != http.StatusOK || header.Get("Pragma") == "no-cache" {
				return
			}
			if directive, ok := cc.Match(req, status, header.Get("Content-Type")); ok {
				header.Set("Cache-Control", directive)
			}
		})
		return nil
	}
}
