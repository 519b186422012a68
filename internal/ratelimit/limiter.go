package ratelimit

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"crypto-trading-core/internal/errs"
	"crypto-trading-core/internal/logging"
	"crypto-trading-core/internal/metrics"
)

// Status of a rate-limit check
type Status string

const (
	StatusAllowed Status = "allowed"
	StatusDenied  Status = "denied"
	StatusError   Status = "error"
)

// UnmatchedRule is the sentinel rule name returned when no rule applies
const UnmatchedRule = "unmatched"

// Result is the record returned to callers for every check
type Result struct {
	Status        Status        `json:"status"`
	RuleName      string        `json:"rule_name"`
	Remaining     int           `json:"remaining"`
	ResetAt       time.Time     `json:"reset_at"`
	RetryAfterSec float64       `json:"retry_after_sec,omitempty"`
	Identifier    string        `json:"identifier,omitempty"`
	Elapsed       time.Duration `json:"-"`
}

// Config for the limiter
type Config struct {
	Rules []Rule `json:"rules"`

	// FailOpen controls behavior on store errors. When true (the default
	// deployment posture) the caller treats errors as allowed; a local
	// token limiter still bounds throughput during the outage.
	FailOpen bool `json:"fail_open"`

	// CheckTimeout bounds each store round-trip.
	CheckTimeout time.Duration `json:"check_timeout"`
}

// Limiter decides, per (identifier, path, method), whether a request
// proceeds. State lives in the shared Store so admission is fair across
// replicas.
type Limiter struct {
	rules   *ruleSet
	store   Store
	cfg     Config
	logger  *logging.Logger
	metrics *metrics.Registry

	// Local fail-open throttles, one per rule, engaged only while the
	// shared store is erroring.
	fallbackMu sync.Mutex
	fallbacks  map[string]*rate.Limiter

	statsMu sync.Mutex
	stats   Statistics

	nowFn func() time.Time
}

// Statistics is a point-in-time counter snapshot
type Statistics struct {
	TotalChecks   int64 `json:"total_checks"`
	Allowed       int64 `json:"allowed"`
	Denied        int64 `json:"denied"`
	StoreErrors   int64 `json:"store_errors"`
	UnmatchedHits int64 `json:"unmatched_hits"`
}

// NewLimiter validates the configured rules and builds a limiter.
// Invalid rules are rejected outright; there is no partial load.
func NewLimiter(cfg Config, store Store, logger *logging.Logger, m *metrics.Registry) (*Limiter, error) {
	rs, err := newRuleSet(cfg.Rules)
	if err != nil {
		return nil, err
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 2 * time.Second
	}
	return &Limiter{
		rules:     rs,
		store:     store,
		cfg:       cfg,
		logger:    logger.WithComponent("ratelimit"),
		metrics:   m,
		fallbacks: make(map[string]*rate.Limiter),
		nowFn:     time.Now,
	}, nil
}

// AddRule inserts or replaces a rule
func (l *Limiter) AddRule(r Rule) error {
	return l.rules.add(r)
}

// RemoveRule deletes a rule by name
func (l *Limiter) RemoveRule(name string) bool {
	return l.rules.remove(name)
}

// Rules returns a copy of the current rule table in priority order
func (l *Limiter) Rules() []Rule {
	return l.rules.snapshot()
}

// Check evaluates the request against the highest-priority matching rule.
// When extra identifiers are supplied (e.g. IP plus user), all of them must
// pass under the matched rule; the first failure determines the returned
// reset time.
func (l *Limiter) Check(ctx context.Context, identifier, reqPath, method string, extraIDs ...string) Result {
	start := l.nowFn()

	rule, ok := l.rules.match(reqPath, method)
	if !ok {
		l.count(func(s *Statistics) { s.TotalChecks++; s.Allowed++; s.UnmatchedHits++ })
		l.metrics.RateLimitDecisions.WithLabelValues(UnmatchedRule, string(StatusAllowed)).Inc()
		return Result{Status: StatusAllowed, RuleName: UnmatchedRule, Remaining: -1, Elapsed: l.nowFn().Sub(start)}
	}

	ids := append([]string{identifier}, extraIDs...)
	var final Result
	for i, id := range ids {
		res := l.checkOne(ctx, rule, id)
		if i == 0 {
			final = res
		}
		if res.Status != StatusAllowed {
			final = res
			break
		}
		// Track the tightest remaining across identifiers
		if res.Remaining < final.Remaining {
			final = res
		}
	}

	l.count(func(s *Statistics) {
		s.TotalChecks++
		switch final.Status {
		case StatusAllowed:
			s.Allowed++
		case StatusDenied:
			s.Denied++
		}
	})
	l.metrics.RateLimitDecisions.WithLabelValues(rule.Name, string(final.Status)).Inc()
	final.Elapsed = l.nowFn().Sub(start)
	return final
}

// checkOne runs the matched rule's algorithm for one identifier
func (l *Limiter) checkOne(ctx context.Context, rule Rule, identifier string) Result {
	now := l.nowFn()
	key := stateKey(rule, identifier)

	ctx, cancel := context.WithTimeout(ctx, l.cfg.CheckTimeout)
	defer cancel()

	var (
		d   Decision
		err error
	)
	switch rule.Algorithm {
	case TokenBucket:
		d, err = l.store.CheckTokenBucket(ctx, key, rule.RequestsPerSecond, rule.BurstSize, now)
	case SlidingWindow:
		d, err = l.store.CheckSlidingWindow(ctx, key, rule.Limit(), rule.Window(), now)
	case FixedWindow:
		d, err = l.store.CheckFixedWindow(ctx, key, rule.Limit(), rule.Window(), now)
	case LeakyBucket:
		d, err = l.store.CheckLeakyBucket(ctx, key, rule.RequestsPerSecond, rule.BurstSize, now)
	default:
		// Unreachable once rules pass validation
		err = errs.Config("ratelimit.checkOne", "unknown algorithm "+string(rule.Algorithm))
	}

	if err != nil {
		l.metrics.RedisErrors.Inc()
		l.count(func(s *Statistics) { s.StoreErrors++ })
		l.logger.WithError(err).Warn("rate limit store check failed, failing open",
			"rule", rule.Name, "identifier", identifier)

		res := Result{Status: StatusError, RuleName: rule.Name, Remaining: 0, Identifier: identifier}
		if l.cfg.FailOpen && l.localAllow(rule) {
			res.Status = StatusAllowed
		}
		return res
	}

	res := Result{
		RuleName:   rule.Name,
		Remaining:  d.Remaining,
		ResetAt:    d.ResetAt,
		Identifier: identifier,
	}
	if d.Allowed {
		res.Status = StatusAllowed
	} else {
		res.Status = StatusDenied
		retry := d.ResetAt.Sub(now).Seconds()
		if retry < 0 {
			retry = 0
		}
		res.RetryAfterSec = retry
	}
	return res
}

// Reset clears stored state. With no arguments it clears every rule's
// state; with a rule it clears that rule; with both it clears one
// (rule, identifier) pair.
func (l *Limiter) Reset(ctx context.Context, identifier, ruleName string) error {
	prefix := "rate_limit:"
	if ruleName != "" {
		for _, r := range l.rules.snapshot() {
			if r.Name == ruleName {
				prefix = fmt.Sprintf("rate_limit:%s:", r.Algorithm)
				if identifier != "" {
					prefix = stateKey(r, identifier)
				}
				break
			}
		}
	}
	if err := l.store.Reset(ctx, prefix); err != nil {
		return errs.Upstream("ratelimit.Reset", err)
	}
	return nil
}

// Statistics returns a snapshot of the limiter's counters
func (l *Limiter) Statistics() Statistics {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	return l.stats
}

// localAllow consults the per-rule in-process limiter used while the
// shared store is unreachable. Fail-open, but not unbounded.
func (l *Limiter) localAllow(rule Rule) bool {
	l.fallbackMu.Lock()
	defer l.fallbackMu.Unlock()

	lim, ok := l.fallbacks[rule.Name]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(rule.RequestsPerSecond), rule.BurstSize)
		l.fallbacks[rule.Name] = lim
	}
	return lim.Allow()
}

func (l *Limiter) count(fn func(*Statistics)) {
	l.statsMu.Lock()
	fn(&l.stats)
	l.statsMu.Unlock()
}

// stateKey builds the namespaced store key for a (rule, identifier) pair
func stateKey(rule Rule, identifier string) string {
	h := fnv.New64a()
	h.Write([]byte(rule.Name))
	h.Write([]byte{0})
	h.Write([]byte(identifier))
	return fmt.Sprintf("rate_limit:%s:%x", rule.Algorithm, h.Sum64())
}
