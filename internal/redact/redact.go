// Package redact scrubs sensitive values from operation parameters and caps
// recorded payloads before they reach the store. It runs once at the
// recorder boundary so redaction policy never leaks into call sites.
package redact

import (
	"log/slog"
	"regexp"
	"strings"
)

// Level controls how much recorded detail is retained.
type Level string

const (
	LevelMinimal  Level = "MINIMAL"  // identity parameters only, results dropped
	LevelNormal   Level = "NORMAL"   // full parameters, capped results
	LevelDetailed Level = "DETAILED" // full parameters and results (still capped)
)

// Valid reports whether l is a known detail level.
func (l Level) Valid() bool {
	return l == LevelMinimal || l == LevelNormal || l == LevelDetailed
}

// Key fragments that always mark a parameter as sensitive, matched
// case-insensitively as substrings ("apiKey", "db_password", ...).
var sensitiveFragments = []string{"password", "secret", "token", "key", "credential"}

// Rule is a pattern-based redaction applied to parameter values.
type Rule struct {
	Name        string   `yaml:"name" json:"name"`
	Pattern     string   `yaml:"pattern" json:"pattern"`
	Replacement string   `yaml:"replacement" json:"replacement"`
	Keys        []string `yaml:"keys,omitempty" json:"keys,omitempty"` // restrict to these keys; empty = all
}

// Config holds redaction settings resolved from the application config.
type Config struct {
	Level         Level
	Keys          []string // extra keys scrubbed verbatim (config redact_parameters)
	Rules         []Rule
	MaxResultSize int // byte cap on result/error payloads; 0 = default
	IdentityKeys  []string
}

const (
	defaultMaxResultSize = 1000
	replacement          = "[REDACTED]"
	truncationMarker     = "..."
)

// Default identity parameters kept even at MINIMAL level. These are also
// the aggregation signature keys, so minimal records stay aggregatable.
var defaultIdentityKeys = []string{"operation", "itemId", "type", "status", "action"}

type compiledRule struct {
	name        string
	regex       *regexp.Regexp
	replacement string
	keys        map[string]bool
}

// Redactor applies the configured scrubbing policy. Safe for concurrent use:
// all state is fixed at construction.
type Redactor struct {
	level         Level
	extraKeys     map[string]bool
	rules         []*compiledRule
	maxResultSize int
	identityKeys  []string
	logger        *slog.Logger
}

// New creates a Redactor from resolved config. Invalid rule patterns are
// logged and skipped rather than failing construction.
func New(cfg Config, logger *slog.Logger) *Redactor {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Redactor{
		level:         cfg.Level,
		extraKeys:     make(map[string]bool, len(cfg.Keys)),
		maxResultSize: cfg.MaxResultSize,
		identityKeys:  cfg.IdentityKeys,
		logger:        logger.With("component", "redact.Redactor"),
	}
	if !r.level.Valid() {
		r.level = LevelNormal
	}
	if r.maxResultSize <= 0 {
		r.maxResultSize = defaultMaxResultSize
	}
	if len(r.identityKeys) == 0 {
		r.identityKeys = defaultIdentityKeys
	}
	for _, k := range cfg.Keys {
		r.extraKeys[strings.ToLower(k)] = true
	}
	for _, rule := range cfg.Rules {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			r.logger.Warn("failed to compile redaction pattern", "name", rule.Name, "error", err)
			continue
		}
		cr := &compiledRule{
			name:        rule.Name,
			regex:       re,
			replacement: rule.Replacement,
		}
		if cr.replacement == "" {
			cr.replacement = replacement
		}
		if len(rule.Keys) > 0 {
			cr.keys = make(map[string]bool, len(rule.Keys))
			for _, k := range rule.Keys {
				cr.keys[strings.ToLower(k)] = true
			}
		}
		r.rules = append(r.rules, cr)
	}
	return r
}

// IdentityKeys returns the parameter keys that form the aggregation
// signature and survive MINIMAL-level recording.
func (r *Redactor) IdentityKeys() []string {
	return r.identityKeys
}

// Apply returns a scrubbed copy of params. The input map is never mutated.
// Nil input yields nil.
func (r *Redactor) Apply(params map[string]string) map[string]string {
	if params == nil {
		return nil
	}

	out := make(map[string]string, len(params))
	for k, v := range params {
		if r.level == LevelMinimal && !r.isIdentity(k) {
			continue
		}
		if r.Sensitive(k) {
			out[k] = replacement
			continue
		}
		out[k] = r.applyRules(k, v)
	}
	return out
}

// Sensitive reports whether a parameter key must always be scrubbed.
func (r *Redactor) Sensitive(key string) bool {
	lower := strings.ToLower(key)
	if r.extraKeys[lower] {
		return true
	}
	for _, frag := range sensitiveFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

// CapResult truncates a result/error payload to the configured byte cap,
// annotating the cut. At MINIMAL level payloads are dropped entirely.
func (r *Redactor) CapResult(result string) string {
	if r.level == LevelMinimal {
		return ""
	}
	if len(result) <= r.maxResultSize {
		return result
	}
	return result[:r.maxResultSize] + truncationMarker
}

func (r *Redactor) isIdentity(key string) bool {
	for _, k := range r.identityKeys {
		if k == key {
			return true
		}
	}
	return false
}

func (r *Redactor) applyRules(key, value string) string {
	lower := strings.ToLower(key)
	for _, rule := range r.rules {
		if rule.keys != nil && !rule.keys[lower] {
			continue
		}
		if rule.regex.MatchString(value) {
			value = rule.regex.ReplaceAllString(value, rule.replacement)
		}
	}
	return value
}
