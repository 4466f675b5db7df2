// Package intent maps raw instruction text to structured intents by pattern
// matching against a configurable, atomically swappable rule set.
package intent

import (
	"fmt"
	"os"
	"regexp"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/dispatch/pkg/models"
)

// RuleSpec is the on-disk form of a routing rule.
type RuleSpec struct {
	// Name is the intent name this rule produces.
	Name string `yaml:"name"`
	// Pattern is a regular expression matched case-insensitively against the
	// input. Named capture groups become extracted parameters.
	Pattern string `yaml:"pattern"`
}

// RuleFile is the on-disk rule set format.
type RuleFile struct {
	Rules []RuleSpec `yaml:"rules"`
}

// rule is a compiled routing rule.
type rule struct {
	name    string
	pattern *regexp.Regexp
}

// ruleSet is an immutable snapshot of compiled rules, evaluated in order.
type ruleSet struct {
	rules []rule
}

// Router routes instruction text to intents. The active rule set is an
// immutable snapshot swapped atomically by LoadRules, so concurrent Route
// calls always see either the old rules or the new ones, never a mix.
type Router struct {
	mu     sync.RWMutex
	active *ruleSet
}

// NewRouter creates a Router with no rules. Every input routes to the
// fallback intent until LoadRules is called.
func NewRouter() *Router {
	return &Router{active: &ruleSet{}}
}

// Compile builds a rule set from specs, validating every pattern.
func compile(specs []RuleSpec) (*ruleSet, error) {
	rs := &ruleSet{rules: make([]rule, 0, len(specs))}
	for i, spec := range specs {
		if spec.Name == "" {
			return nil, fmt.Errorf("rule %d: name must not be empty", i)
		}
		re, err := regexp.Compile("(?i)" + spec.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, spec.Name, err)
		}
		rs.rules = append(rs.rules, rule{name: spec.Name, pattern: re})
	}
	return rs, nil
}

// LoadRules replaces the active rule set. The swap is atomic: either all new
// rules are in effect or none are. A compile error leaves the old set active.
func (r *Router) LoadRules(specs []RuleSpec) error {
	rs, err := compile(specs)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}

	r.mu.Lock()
	r.active = rs
	r.mu.Unlock()
	return nil
}

// LoadRulesFile reads a YAML rule file and installs it as the active rule set.
func (r *Router) LoadRulesFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read rules file: %w", err)
	}

	var file RuleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse rules file %s: %w", path, err)
	}

	return r.LoadRules(file.Rules)
}

// RuleCount returns the number of rules in the active set.
func (r *Router) RuleCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active.rules)
}

// Route evaluates rules in configured order and returns the intent for the
// first match, with parameters taken from named capture groups. When no rule
// matches it returns the reserved fallback intent; routing never fails.
func (r *Router) Route(text string) models.Intent {
	r.mu.RLock()
	rs := r.active
	r.mu.RUnlock()

	for _, rl := range rs.rules {
		m := rl.pattern.FindStringSubmatch(text)
		if m == nil {
			continue
		}

		var params map[string]string
		for i, name := range rl.pattern.SubexpNames() {
			if i == 0 || name == "" || i >= len(m) {
				continue
			}
			if params == nil {
				params = make(map[string]string)
			}
			params[name] = m[i]
		}

		return models.Intent{Name: rl.name, RawText: text, Parameters: params}
	}

	return models.Intent{Name: models.FallbackIntentName, RawText: text}
}
