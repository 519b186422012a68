// Package ratelimit implements distributed request admission shared across
// service replicas. Four algorithms are supported, all evaluated atomically
// against a shared state store; on store failure the limiter fails open.
package ratelimit

import (
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"crypto-trading-core/internal/errs"
)

// Algorithm identifies the admission algorithm a rule uses
type Algorithm string

const (
	TokenBucket   Algorithm = "token_bucket"
	SlidingWindow Algorithm = "sliding_window"
	FixedWindow   Algorithm = "fixed_window"
	LeakyBucket   Algorithm = "leaky_bucket"
)

// Valid reports whether the algorithm is one of the four known kinds
func (a Algorithm) Valid() bool {
	switch a {
	case TokenBucket, SlidingWindow, FixedWindow, LeakyBucket:
		return true
	}
	return false
}

// Rule is a rate-limit policy matching a subset of (method, path)
type Rule struct {
	Name              string    `json:"name"`
	Algorithm         Algorithm `json:"algorithm"`
	RequestsPerSecond float64   `json:"requests_per_second"`
	BurstSize         int       `json:"burst_size"`
	WindowSeconds     int       `json:"window_seconds"`
	PathPatterns      []string  `json:"path_patterns"`
	Methods           []string  `json:"methods"`
	Priority          int       `json:"priority"`
}

// Validate rejects partial or malformed rules at load time. There is no
// silent defaulting to a different algorithm.
func (r Rule) Validate() error {
	const op = "ratelimit.Rule.Validate"
	if r.Name == "" {
		return errs.Config(op, "rule name is required")
	}
	if !r.Algorithm.Valid() {
		return errs.Config(op, "unknown algorithm "+string(r.Algorithm)).WithDetail("rule", r.Name)
	}
	if r.RequestsPerSecond <= 0 {
		return errs.Config(op, "requests_per_second must be positive").WithDetail("rule", r.Name)
	}
	if r.BurstSize <= 0 {
		return errs.Config(op, "burst_size must be positive").WithDetail("rule", r.Name)
	}
	if r.WindowSeconds <= 0 && (r.Algorithm == SlidingWindow || r.Algorithm == FixedWindow) {
		return errs.Config(op, "window_seconds must be positive for window algorithms").WithDetail("rule", r.Name)
	}
	return nil
}

// Window returns the rule window as a duration, defaulting to one second
// for the bucket algorithms where only the rate matters.
func (r Rule) Window() time.Duration {
	if r.WindowSeconds <= 0 {
		return time.Second
	}
	return time.Duration(r.WindowSeconds) * time.Second
}

// Limit is the per-window cap: min(rate * window, burst) expressed in
// requests, never below 1.
func (r Rule) Limit() int {
	byRate := int(r.RequestsPerSecond * r.Window().Seconds())
	limit := byRate
	if r.BurstSize < limit {
		limit = r.BurstSize
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

// Matches reports whether the rule applies to the request. An empty method
// or pattern list matches everything.
func (r Rule) Matches(reqPath, method string) bool {
	if len(r.Methods) > 0 {
		found := false
		for _, m := range r.Methods {
			if strings.EqualFold(m, method) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(r.PathPatterns) == 0 {
		return true
	}
	for _, pattern := range r.PathPatterns {
		if ok, _ := path.Match(pattern, reqPath); ok {
			return true
		}
		// Allow prefix globs like /api/* to match nested paths
		if strings.HasSuffix(pattern, "/*") && strings.HasPrefix(reqPath, strings.TrimSuffix(pattern, "*")) {
			return true
		}
	}
	return false
}

// ruleSet is the priority-ordered rule table
type ruleSet struct {
	mu    sync.RWMutex
	rules []Rule
}

func newRuleSet(rules []Rule) (*ruleSet, error) {
	rs := &ruleSet{}
	for _, r := range rules {
		if err := rs.add(r); err != nil {
			return nil, err
		}
	}
	return rs, nil
}

func (rs *ruleSet) add(r Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	for i := range rs.rules {
		if rs.rules[i].Name == r.Name {
			rs.rules[i] = r
			rs.sortLocked()
			return nil
		}
	}
	rs.rules = append(rs.rules, r)
	rs.sortLocked()
	return nil
}

func (rs *ruleSet) remove(name string) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	for i := range rs.rules {
		if rs.rules[i].Name == name {
			rs.rules = append(rs.rules[:i], rs.rules[i+1:]...)
			return true
		}
	}
	return false
}

// match returns the highest-priority rule applying to the request
func (rs *ruleSet) match(reqPath, method string) (Rule, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	for _, r := range rs.rules {
		if r.Matches(reqPath, method) {
			return r, true
		}
	}
	return Rule{}, false
}

func (rs *ruleSet) sortLocked() {
	sort.SliceStable(rs.rules, func(i, j int) bool {
		return rs.rules[i].Priority > rs.rules[j].Priority
	})
}

func (rs *ruleSet) snapshot() []Rule {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	out := make([]Rule, len(rs.rules))
	copy(out, rs.rules)
	return out
}
