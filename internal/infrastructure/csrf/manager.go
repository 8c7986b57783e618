// Package csrf issues and consumes single-use, TTL-bound anti-forgery
// tokens following the double-submit pattern: the token value travels in the
// X-CSRF-Token header or a hidden form field, and must also be echoed from
// the cookie set at issuance. Matching cookie and header is the transport
// layer's job; this package owns issuance, expiry and single use.
package csrf

import (
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/secure-transfer-gateway/internal/domain/values"
)

const (
	// DefaultTTL is long enough to survive a slow form-fill and short
	// enough to bound the window of a leaked token.
	DefaultTTL = 60 * time.Minute

	// HeaderName and FieldName are where callers transport the token.
	HeaderName = "X-CSRF-Token"
	FieldName  = "csrf_token"
	CookieName = "csrf_token"

	tokenPrefix = "csrf"
	shardCount  = 16
	sweepEvery  = 64
)

// Stats is an observability snapshot of the token store.
type Stats struct {
	Total   int `json:"total"`
	Active  int `json:"active"`
	Expired int `json:"expired"`
}

type token struct {
	issuedAt  time.Time
	expiresAt time.Time
	used      bool
}

type shard struct {
	mu     sync.Mutex
	tokens map[string]*token
	issues int
}

// Manager is an in-memory single-use token store, sharded by token value so
// unrelated validations never contend on one lock.
type Manager struct {
	ttl    time.Duration
	shards [shardCount]*shard
	logger *zap.Logger
	now    func() time.Time
}

// NewManager creates a manager. A non-positive ttl falls back to DefaultTTL.
func NewManager(ttl time.Duration, logger *zap.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{ttl: ttl, logger: logger, now: time.Now}
	for i := range m.shards {
		m.shards[i] = &shard{tokens: make(map[string]*token)}
	}
	return m
}

// GenerateToken issues a fresh single-use token and opportunistically sweeps
// expired entries from the issuing shard.
func (m *Manager) GenerateToken() (string, error) {
	value, err := values.Generate(values.GenerateOptions{
		Length:           32,
		Prefix:           tokenPrefix,
		IncludeTimestamp: true,
		Encoding:         values.EncodingBase64URL,
	})
	if err != nil {
		return "", err
	}

	now := m.now()
	s := m.shards[shardFor(value)]

	s.mu.Lock()
	s.issues++
	if s.issues%sweepEvery == 0 {
		sweepShard(s, now)
	}
	s.tokens[value] = &token{issuedAt: now, expiresAt: now.Add(m.ttl)}
	s.mu.Unlock()

	return value, nil
}

// ValidateToken checks a token and, when markUsed is set, consumes it so a
// second validation of the same value fails. Expired tokens are invalid
// regardless of use and are evicted on sight.
func (m *Manager) ValidateToken(value string, markUsed bool) bool {
	now := m.now()
	s := m.shards[shardFor(value)]

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[value]
	if !ok {
		return false
	}
	if now.After(t.expiresAt) {
		delete(s.tokens, value)
		return false
	}
	if t.used {
		m.logger.Warn("csrf token replay attempt", zap.Time("issued_at", t.issuedAt))
		return false
	}
	if markUsed {
		t.used = true
	}
	return true
}

// Stats counts stored tokens. Used-but-unexpired tokens count as active;
// they are invalid but still occupy the store until swept.
func (m *Manager) Stats() Stats {
	now := m.now()
	stats := Stats{}

	for _, s := range m.shards {
		s.mu.Lock()
		for _, t := range s.tokens {
			stats.Total++
			if now.After(t.expiresAt) {
				stats.Expired++
			} else {
				stats.Active++
			}
		}
		s.mu.Unlock()
	}
	return stats
}

// TTL returns the configured token lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

func sweepShard(s *shard, now time.Time) {
	for value, t := range s.tokens {
		if now.After(t.expiresAt) {
			delete(s.tokens, value)
		}
	}
}

func shardFor(value string) int {
	h := fnv.New32a()
	h.Write([]byte(value))
	return int(h.Sum32() % shardCount)
}
