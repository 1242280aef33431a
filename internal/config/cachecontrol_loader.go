package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/l0p7/pictura/internal/expr"
)

const inlineSourceName = "inline-config"

// RuleBundle captures the merged cache-control rules after loading every
// configured source, in evaluation order: inline rules first, then the rules file.
type RuleBundle struct {
	Rules   []CacheControlRule
	Sources []string
	Skipped []DefinitionSkip
}

// DefinitionSkip describes a rule the loader disabled because it would never
// evaluate (for example a CEL condition that fails to compile).
type DefinitionSkip struct {
	Index   int    `json:"index"`
	Source  string `json:"source"`
	Reason  string `json:"reason"`
	Pattern string `json:"pattern,omitempty"`
}

type ruleDocument struct {
	Rules []CacheControlRule `koanf:"rules"`
}

func buildCacheControlBundle(ctx context.Context, inline []CacheControlRule, cfg CacheControlConfig) (RuleBundle, error) {
	env, err := expr.NewEnvironment()
	if err != nil {
		return RuleBundle{}, err
	}

	var bundle RuleBundle
	add := func(rules []CacheControlRule, source string) {
		if len(rules) > 0 && !slices.Contains(bundle.Sources, source) {
			bundle.Sources = append(bundle.Sources, source)
		}
		for idx, rule := range rules {
			if reason := checkRule(env, rule); reason != "" {
				bundle.Skipped = append(bundle.Skipped, DefinitionSkip{
					Index:   idx,
					Source:  source,
					Reason:  reason,
					Pattern: rule.Path,
				})
				continue
			}
			bundle.Rules = append(bundle.Rules, rule)
		}
	}

	add(inline, inlineSourceName)

	if cfg.RulesFile != "" {
		select {
		case <-ctx.Done():
			return RuleBundle{}, ctx.Err()
		default:
		}
		if err := ensureFileExists(cfg.RulesFile); err != nil {
			return RuleBundle{}, err
		}
		doc, err := loadRuleDocument(cfg.RulesFile)
		if err != nil {
			return RuleBundle{}, err
		}
		add(doc.Rules, cfg.RulesFile)
	}
	return bundle, nil
}

func checkRule(env *expr.Environment, rule CacheControlRule) string {
	if err := validateCacheControlRule(rule); err != nil {
		return err.Error()
	}
	if when := strings.TrimSpace(rule.When); when != "" {
		if _, err := env.Compile(when); err != nil {
			return fmt.Sprintf("invalid condition: %v", err)
		}
	}
	return ""
}

func ensureFileExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config: rules file %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: rules file %s: expected a file, found directory", path)
	}
	return nil
}

func loadRuleDocument(path string) (ruleDocument, error) {
	parser, err := parserFor(path)
	if err != nil {
		return ruleDocument{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return ruleDocument{}, fmt.Errorf("config: load rules from %s: %w", path, err)
	}
	var doc ruleDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return ruleDocument{}, fmt.Errorf("config: decode rules from %s: %w", path, err)
	}
	return doc, nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported rules file extension %s", ext)
	}
}

func cloneRules(in []CacheControlRule) []CacheControlRule {
	if len(in) == 0 {
		return nil
	}
	return slices.Clone(in)
}
