// Package audit provides a bounded, queryable, integrity-checked event log.
// The store is a working-set buffer, not a record of truth: once capacity is
// reached the oldest entries are silently evicted, and a production
// deployment is expected to drain entries to durable storage before that
// happens. The drain process is an external collaborator.
package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/secure-transfer-gateway/internal/domain/audit"
	"github.com/davidleathers/secure-transfer-gateway/internal/domain/errors"
	"github.com/davidleathers/secure-transfer-gateway/internal/domain/values"
	"github.com/davidleathers/secure-transfer-gateway/internal/infrastructure/integrity"
)

const (
	// DefaultCapacity bounds the in-memory buffer.
	DefaultCapacity = 10000

	// DefaultQueryLimit caps a query page when the caller asks for nothing
	// specific.
	DefaultQueryLimit = 100

	idPrefix = "audit"
)

// Filter narrows queries and statistics. All provided predicates are
// conjunctive.
type Filter struct {
	Types      []audit.EventType `json:"event_types,omitempty"`
	Severities []audit.Severity  `json:"severities,omitempty"`
	UserIDs    []string          `json:"user_ids,omitempty"`
	StartTime  time.Time         `json:"start_time,omitzero"`
	EndTime    time.Time         `json:"end_time,omitzero"`
	Outcome    audit.Outcome     `json:"outcome,omitempty"`
	Resource   string            `json:"resource,omitempty"`
	Limit      int               `json:"limit,omitempty"`
	Offset     int               `json:"offset,omitempty"`
}

// KeyCount is a ranked aggregation bucket.
type KeyCount struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// Statistics aggregates over the filtered, non-paginated entry set.
type Statistics struct {
	TotalEvents      int                     `json:"total_events"`
	EventsByType     map[audit.EventType]int `json:"events_by_type"`
	EventsBySeverity map[audit.Severity]int  `json:"events_by_severity"`
	EventsByOutcome  map[audit.Outcome]int   `json:"events_by_outcome"`
	TopUsers         []KeyCount              `json:"top_users"`
	TopIPAddresses   []KeyCount              `json:"top_ip_addresses"`
	OldestEntry      time.Time               `json:"oldest_entry,omitzero"`
	NewestEntry      time.Time               `json:"newest_entry,omitzero"`
}

// Store is the bounded in-memory audit buffer. Entries are kept newest
// first in a ring; appends are O(1) and never block queries for long.
type Store struct {
	mu       sync.RWMutex
	ring     []*audit.Entry
	next     int
	size     int
	capacity int

	verifier *integrity.Verifier
	logger   *zap.Logger
	now      func() time.Time
}

// NewStore creates a store. A non-positive capacity falls back to
// DefaultCapacity.
func NewStore(capacity int, verifier *integrity.Verifier, logger *zap.Logger) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		ring:     make([]*audit.Entry, capacity),
		capacity: capacity,
		verifier: verifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Append assigns the entry an id and timestamp, seals it with its canonical
// hash and stores it, evicting the oldest entry past capacity. A canceled
// context aborts before anything is sealed or stored.
func (s *Store) Append(ctx context.Context, entry *audit.Entry) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errors.NewInternalError("audit append aborted").WithCause(err)
	}
	if entry == nil {
		return "", errors.NewValidationError("MISSING_ENTRY", "entry is required")
	}

	e := entry.Clone()
	if e.Severity == "" {
		e.Severity = audit.SeverityLow
	}
	if e.Outcome == "" {
		e.Outcome = audit.OutcomeSuccess
	}
	if err := e.Validate(); err != nil {
		return "", err
	}

	id, err := values.Generate(values.GenerateOptions{
		Length:           16,
		Prefix:           idPrefix,
		IncludeTimestamp: true,
		Encoding:         values.EncodingHex,
	})
	if err != nil {
		return "", err
	}

	e.ID = id
	e.Timestamp = s.now().UTC()

	hash, err := s.verifier.Compute(e.HashPayload(), entryMetadata(e))
	if err != nil {
		return "", err
	}
	e.Hash = hash

	s.mu.Lock()
	evicting := s.size == s.capacity
	s.ring[s.next] = e
	s.next = (s.next + 1) % s.capacity
	if !evicting {
		s.size++
	}
	s.mu.Unlock()

	if evicting {
		s.logger.Debug("audit store at capacity, oldest entry evicted",
			zap.Int("capacity", s.capacity))
	}

	return id, nil
}

// Query returns entries matching every provided filter predicate, newest
// first, paginated by offset and limit.
func (s *Store) Query(filter Filter) []*audit.Entry {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := 0
	results := make([]*audit.Entry, 0, limit)
	for i := 0; i < s.size; i++ {
		e := s.ring[(s.next-1-i+s.capacity)%s.capacity]
		if !matches(e, filter) {
			continue
		}
		matched++
		if matched <= offset {
			continue
		}
		if len(results) == limit {
			break
		}
		results = append(results, e.Clone())
	}
	return results
}

// Statistics aggregates over every entry matching the filter, ignoring
// pagination.
func (s *Store) Statistics(filter Filter) Statistics {
	stats := Statistics{
		EventsByType:     make(map[audit.EventType]int),
		EventsBySeverity: make(map[audit.Severity]int),
		EventsByOutcome:  make(map[audit.Outcome]int),
	}
	users := make(map[string]int)
	ips := make(map[string]int)

	s.mu.RLock()
	for i := 0; i < s.size; i++ {
		e := s.ring[(s.next-1-i+s.capacity)%s.capacity]
		if !matches(e, filter) {
			continue
		}
		stats.TotalEvents++
		stats.EventsByType[e.Type]++
		stats.EventsBySeverity[e.Severity]++
		stats.EventsByOutcome[e.Outcome]++
		if e.Actor.UserID != "" {
			users[e.Actor.UserID]++
		}
		if e.Actor.IP != "" {
			ips[e.Actor.IP]++
		}
		if stats.NewestEntry.IsZero() || e.Timestamp.After(stats.NewestEntry) {
			stats.NewestEntry = e.Timestamp
		}
		if stats.OldestEntry.IsZero() || e.Timestamp.Before(stats.OldestEntry) {
			stats.OldestEntry = e.Timestamp
		}
	}
	s.mu.RUnlock()

	stats.TopUsers = topN(users, 10)
	stats.TopIPAddresses = topN(ips, 10)
	return stats
}

// VerifyIntegrity recomputes the entry's hash over every field except the
// hash itself and compares. Any recomputation failure verifies as false.
func (s *Store) VerifyIntegrity(entry *audit.Entry) bool {
	if entry == nil {
		return false
	}
	result, err := s.verifier.Verify(entry.HashPayload(), entry.Hash, entryMetadata(entry))
	if err != nil {
		s.logger.Error("audit integrity verification failed", zap.Error(err))
		return false
	}
	return result.IsValid
}

// Size returns the current number of stored entries.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Capacity returns the configured maximum number of entries.
func (s *Store) Capacity() int {
	return s.capacity
}

// entryMetadata derives the fixed digest metadata for an entry, so a stored
// hash can be recomputed without persisting a separate metadata block.
func entryMetadata(e *audit.Entry) integrity.Metadata {
	return integrity.Metadata{
		Algorithm: integrity.AlgorithmSHA256,
		Timestamp: e.Timestamp.UTC().UnixMilli(),
		Version:   "1",
	}
}

func matches(e *audit.Entry, f Filter) bool {
	if len(f.Types) > 0 && !containsType(f.Types, e.Type) {
		return false
	}
	if len(f.Severities) > 0 && !containsSeverity(f.Severities, e.Severity) {
		return false
	}
	if len(f.UserIDs) > 0 && !containsString(f.UserIDs, e.Actor.UserID) {
		return false
	}
	if !f.StartTime.IsZero() && e.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && e.Timestamp.After(f.EndTime) {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	if f.Resource != "" && e.Resource != f.Resource {
		return false
	}
	return true
}

func containsType(list []audit.EventType, v audit.EventType) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func containsSeverity(list []audit.Severity, v audit.Severity) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func topN(counts map[string]int, n int) []KeyCount {
	ranked := make([]KeyCount, 0, len(counts))
	for key, count := range counts {
		ranked = append(ranked, KeyCount{Key: key, Count: count})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return ranked[i].Key < ranked[j].Key
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}
