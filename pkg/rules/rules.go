// Package rules implements the rule matcher and memoizer shared by all
// four resilience policies (§4.2). Grounded on the teacher's
// invalidation/patterns.go PatternMatcher (exact / prefix / suffix /
// contains / regex key matching with a regex cache) generalized from
// cache-key matching to (method, path) route matching, and on
// cache-manager/policies.go's PolicyEngine wrapper-over-interface for the
// memoized resolve step.
package rules

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/kavexo/fetchengine/pkg/models"
)

// ErrEmptyCriterion is returned at construction when a rule's match
// criterion pattern is the empty string (§3, §7 Configuration errors).
var ErrEmptyCriterion = errors.New("rules: match criterion pattern must not be empty")

// ErrMixedIs is returned when a rule combines MatchIs with any other
// criterion kind; MatchIs must be exclusive (§3).
var ErrMixedIs = errors.New("rules: \"is\" cannot be combined with other match types")

// ErrNoCriteria is returned when a rule has zero match criteria.
var ErrNoCriteria = errors.New("rules: a rule must have at least one match criterion")

// Config is one policy's rule configuration (§6): a global enabled flag,
// default methods/serializer, and an ordered list of rules. First match
// wins (§4.2).
type Config struct {
	Enabled        bool
	DefaultMethods []string
	DefaultSerializer string
	Rules          []models.PolicyRule
}

// Compile validates cfg.Rules eagerly (§7 Configuration errors are
// synchronous, never deferred to first use) and returns a Matcher.
func Compile(cfg Config) (*Matcher, error) {
	for i, r := range cfg.Rules {
		if len(r.Criteria) == 0 {
			return nil, fmt.Errorf("rule %d: %w", i, ErrNoCriteria)
		}
		hasIs := false
		hasOther := false
		for _, c := range r.Criteria {
			if c.Pattern == "" {
				return nil, fmt.Errorf("rule %d: %w", i, ErrEmptyCriterion)
			}
			if c.Kind == models.MatchIs {
				hasIs = true
			} else {
				hasOther = true
			}
			if c.Kind == models.MatchRegex {
				if _, err := regexp.Compile(c.Pattern); err != nil {
					return nil, fmt.Errorf("rule %d: invalid regex %q: %w", i, c.Pattern, err)
				}
			}
		}
		if hasIs && hasOther {
			return nil, fmt.Errorf("rule %d: %w", i, ErrMixedIs)
		}
	}
	return &Matcher{cfg: cfg, regexCache: &sync.Map{}, memo: &sync.Map{}}, nil
}

// Matcher resolves which rule of a policy applies to a given (method,
// path), memoized per "method|path" (§3, §4.2). The memo never
// invalidates for the lifetime of the Matcher, matching the immutable
// engine-instance config assumption.
type Matcher struct {
	cfg        Config
	regexCache *sync.Map
	memo       *sync.Map // string -> *models.ResolvedRule (nil stored as typed nil wrapper)
}

type memoEntry struct {
	rule *models.ResolvedRule
}

// Resolve returns the effective rule for (method, path), or nil if the
// policy does not apply to this route (§4.2).
func (m *Matcher) Resolve(method, path string) *models.ResolvedRule {
	key := method + "|" + path
	if v, ok := m.memo.Load(key); ok {
		return v.(memoEntry).rule
	}
	resolved := m.resolve(method, path)
	actual, _ := m.memo.LoadOrStore(key, memoEntry{rule: resolved})
	return actual.(memoEntry).rule
}

func (m *Matcher) resolve(method, path string) *models.ResolvedRule {
	for _, r := range m.cfg.Rules {
		if !m.ruleMatches(r, path) {
			continue
		}
		methods := r.Methods
		if len(methods) == 0 {
			methods = m.cfg.DefaultMethods
		}
		if !methodIn(methods, method) {
			continue
		}
		enabled := m.cfg.Enabled
		if r.Enabled != nil {
			enabled = *r.Enabled
		}
		if !enabled {
			return nil
		}
		serializer := r.Serializer
		if serializer == "" {
			serializer = m.cfg.DefaultSerializer
		}
		return &models.ResolvedRule{
			Enabled:    true,
			Methods:    toSet(methods),
			Serializer: serializer,
			Extra:      r.Extra,
		}
	}

	// No rule matched: defaults apply unless globally disabled.
	if !m.cfg.Enabled {
		return nil
	}
	if !methodIn(m.cfg.DefaultMethods, method) {
		return nil
	}
	return &models.ResolvedRule{
		Enabled:    true,
		Methods:    toSet(m.cfg.DefaultMethods),
		Serializer: m.cfg.DefaultSerializer,
	}
}

func (m *Matcher) ruleMatches(r models.PolicyRule, path string) bool {
	for _, c := range r.Criteria {
		if !m.criterionMatches(c, path) {
			return false
		}
	}
	return true
}

func (m *Matcher) criterionMatches(c models.MatchCriterion, path string) bool {
	switch c.Kind {
	case models.MatchIs:
		return path == c.Pattern
	case models.MatchStartsWith:
		return strings.HasPrefix(path, c.Pattern)
	case models.MatchEndsWith:
		return strings.HasSuffix(path, c.Pattern)
	case models.MatchIncludes:
		return strings.Contains(path, c.Pattern)
	case models.MatchRegex:
		re := m.compiledRegex(c.Pattern)
		return re != nil && re.MatchString(path)
	default:
		return false
	}
}

func (m *Matcher) compiledRegex(pattern string) *regexp.Regexp {
	if v, ok := m.regexCache.Load(pattern); ok {
		return v.(*regexp.Regexp)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil
	}
	actual, _ := m.regexCache.LoadOrStore(pattern, re)
	return actual.(*regexp.Regexp)
}

func methodIn(methods []string, method string) bool {
	if len(methods) == 0 {
		return true
	}
	for _, m := range methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

func toSet(methods []string) map[string]struct{} {
	if len(methods) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		set[strings.ToUpper(m)] = struct{}{}
	}
	return set
}
