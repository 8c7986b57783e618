// Package ratelimit implements fixed-window request counters keyed by
// (identifier, rule, endpoint), with manual block overrides. Windows reset
// at aligned boundaries; counters never persist across process restarts.
package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	shardCount = 32
	// Stale windows are swept opportunistically once a shard has absorbed
	// this many writes, never by a background timer.
	sweepEvery = 256
)

// DefaultRuleName is used when a caller names no rule or an unknown one.
const DefaultRuleName = "default"

// Rule is a named fixed-window limit.
type Rule struct {
	Name   string
	Limit  int
	Window time.Duration
}

// DefaultRule is the fallback: 100 requests per 15 minutes.
var DefaultRule = Rule{Name: DefaultRuleName, Limit: 100, Window: 15 * time.Minute}

// Result reports a single window check.
type Result struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// CompositeResult reports the IP- and user-scoped checks for one request.
// Both dimensions must pass.
type CompositeResult struct {
	Allowed bool
	IP      Result
	User    *Result
}

// Stats is an observability snapshot.
type Stats struct {
	ActiveWindows      int
	BlockedIdentifiers int
}

type window struct {
	start   time.Time
	count   int
	expires time.Time
}

type shard struct {
	mu      sync.Mutex
	windows map[string]*window
	writes  int
}

// Limiter is an in-memory fixed-window rate limiter. State is sharded by
// key so unrelated identifiers never contend on one lock.
type Limiter struct {
	rules  map[string]Rule
	shards [shardCount]*shard

	blockMu sync.RWMutex
	blocks  map[string]time.Time

	logger *zap.Logger
	now    func() time.Time
}

// NewLimiter creates a limiter with the given rules. The default rule is
// always registered; rules passed here override it by name.
func NewLimiter(rules []Rule, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &Limiter{
		rules:  map[string]Rule{DefaultRuleName: DefaultRule},
		blocks: make(map[string]time.Time),
		logger: logger,
		now:    time.Now,
	}
	for _, r := range rules {
		if r.Name == "" || r.Limit <= 0 || r.Window <= 0 {
			continue
		}
		l.rules[r.Name] = r
	}
	for i := range l.shards {
		l.shards[i] = &shard{windows: make(map[string]*window)}
	}
	return l
}

// Check consumes one request from the (identifier, rule, endpoint) window.
// A request that would exceed the limit is denied and not counted.
func (l *Limiter) Check(identifier, ruleName, endpoint string) Result {
	now := l.now()

	if until, blocked := l.blockedUntil(identifier, now); blocked {
		l.logger.Debug("identifier blocked",
			zap.String("identifier", identifier),
			zap.Time("until", until))
		return Result{
			Allowed:    false,
			Remaining:  0,
			ResetAt:    until,
			RetryAfter: until.Sub(now),
		}
	}

	rule, ok := l.rules[ruleName]
	if !ok {
		rule = l.rules[DefaultRuleName]
	}

	key := identifier + "|" + rule.Name + "|" + endpoint
	windowStart := now.Truncate(rule.Window)
	resetAt := windowStart.Add(rule.Window)

	s := l.shards[shardFor(key)]
	s.mu.Lock()
	defer s.mu.Unlock()

	s.writes++
	if s.writes%sweepEvery == 0 {
		sweepShard(s, now)
	}

	w, exists := s.windows[key]
	if !exists || !w.start.Equal(windowStart) {
		w = &window{start: windowStart, expires: resetAt}
		s.windows[key] = w
	}

	if w.count+1 > rule.Limit {
		l.logger.Debug("rate limit exceeded",
			zap.String("identifier", identifier),
			zap.String("rule", rule.Name),
			zap.String("endpoint", endpoint),
			zap.Int("count", w.count),
			zap.Int("limit", rule.Limit))
		return Result{
			Allowed:    false,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: resetAt.Sub(now),
		}
	}

	w.count++
	return Result{
		Allowed:   true,
		Remaining: rule.Limit - w.count,
		ResetAt:   resetAt,
	}
}

// CheckComposite evaluates the IP-scoped and, when a user is known, the
// user-scoped windows independently under the same rule. Overall admission
// requires both to pass.
func (l *Limiter) CheckComposite(ip, userID, ruleName, endpoint string) CompositeResult {
	ipResult := l.Check("ip:"+ip, ruleName, endpoint)

	result := CompositeResult{Allowed: ipResult.Allowed, IP: ipResult}
	if userID != "" {
		userResult := l.Check("user:"+userID, ruleName, endpoint)
		result.User = &userResult
		result.Allowed = result.Allowed && userResult.Allowed
	}
	return result
}

// Block installs a manual override denying the identifier across every rule
// and endpoint until the duration elapses, independent of counters.
func (l *Limiter) Block(identifier string, duration time.Duration) {
	until := l.now().Add(duration)

	l.blockMu.Lock()
	l.blocks[identifier] = until
	l.blockMu.Unlock()

	l.logger.Info("identifier blocked",
		zap.String("identifier", identifier),
		zap.Duration("duration", duration))
}

// Stats returns counts of live windows and active blocks.
func (l *Limiter) Stats() Stats {
	now := l.now()
	stats := Stats{}

	for _, s := range l.shards {
		s.mu.Lock()
		for _, w := range s.windows {
			if w.expires.After(now) {
				stats.ActiveWindows++
			}
		}
		s.mu.Unlock()
	}

	l.blockMu.RLock()
	for _, until := range l.blocks {
		if until.After(now) {
			stats.BlockedIdentifiers++
		}
	}
	l.blockMu.RUnlock()

	return stats
}

func (l *Limiter) blockedUntil(identifier string, now time.Time) (time.Time, bool) {
	l.blockMu.RLock()
	until, ok := l.blocks[identifier]
	l.blockMu.RUnlock()

	if !ok {
		return time.Time{}, false
	}
	if now.Before(until) {
		return until, true
	}

	l.blockMu.Lock()
	if current, ok := l.blocks[identifier]; ok && !now.Before(current) {
		delete(l.blocks, identifier)
	}
	l.blockMu.Unlock()
	return time.Time{}, false
}

func sweepShard(s *shard, now time.Time) {
	for key, w := range s.windows {
		if !w.expires.After(now) {
			delete(s.windows, key)
		}
	}
}

func shardFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}
