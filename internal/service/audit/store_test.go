package audit

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/secure-transfer-gateway/internal/domain/audit"
	"github.com/davidleathers/secure-transfer-gateway/internal/infrastructure/integrity"
)

func newTestStore(t *testing.T, capacity int) *Store {
	t.Helper()
	return NewStore(capacity, integrity.NewVerifier(nil), nil)
}

func mustEntry(t *testing.T, eventType audit.EventType, action string) *audit.Entry {
	t.Helper()
	e, err := audit.NewEntry(eventType, action)
	require.NoError(t, err)
	return e
}

func TestAppend(t *testing.T) {
	s := newTestStore(t, 10)

	e := mustEntry(t, audit.EventRequestAllowed, "request_admitted")
	e.Actor = audit.Actor{UserID: "u1", IP: "10.0.0.1"}

	id, err := s.Append(context.Background(), e)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "audit_"))
	assert.Equal(t, 1, s.Size())

	stored := s.Query(Filter{})
	require.Len(t, stored, 1)
	assert.Equal(t, id, stored[0].ID)
	assert.NotEmpty(t, stored[0].Hash)
	assert.False(t, stored[0].Timestamp.IsZero())

	// The caller's entry is untouched; the store sealed its own copy.
	assert.Empty(t, e.ID)
	assert.Empty(t, e.Hash)
}

func TestAppend_Validation(t *testing.T) {
	s := newTestStore(t, 10)

	_, err := s.Append(context.Background(), nil)
	require.Error(t, err)

	bad := mustEntry(t, audit.EventRequestAllowed, "x")
	bad.Severity = "urgent"
	_, err = s.Append(context.Background(), bad)
	require.Error(t, err)
}

func TestAppend_CanceledContext(t *testing.T) {
	s := newTestStore(t, 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Append(ctx, mustEntry(t, audit.EventRequestAllowed, "request_admitted"))
	require.Error(t, err)
	assert.Equal(t, 0, s.Size())
}

func TestAppend_EvictsOldestAtCapacity(t *testing.T) {
	s := newTestStore(t, 3)

	ids := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		id, err := s.Append(context.Background(), mustEntry(t, audit.EventRequestAllowed, "request_admitted"))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	assert.Equal(t, 3, s.Size())

	got := s.Query(Filter{})
	require.Len(t, got, 3)
	// Newest first; the first appended entry is gone.
	assert.Equal(t, ids[3], got[0].ID)
	assert.Equal(t, ids[1], got[2].ID)
	for _, e := range got {
		assert.NotEqual(t, ids[0], e.ID)
	}
}

func TestQuery_Filters(t *testing.T) {
	s := newTestStore(t, 100)
	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	add := func(eventType audit.EventType, severity audit.Severity, userID, resource string, outcome audit.Outcome) {
		e := mustEntry(t, eventType, "act")
		e.Severity = severity
		e.Outcome = outcome
		e.Actor.UserID = userID
		e.Resource = resource
		_, err := s.Append(context.Background(), e)
		require.NoError(t, err)
	}

	add(audit.EventRequestAllowed, audit.SeverityLow, "u1", "/a", audit.OutcomeSuccess)
	add(audit.EventCsrfRejected, audit.SeverityHigh, "u1", "/a", audit.OutcomeFailure)
	add(audit.EventCsrfRejected, audit.SeverityHigh, "u2", "/b", audit.OutcomeFailure)
	add(audit.EventRateLimitExceeded, audit.SeverityMedium, "u2", "/a", audit.OutcomeFailure)

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{name: "all", filter: Filter{}, want: 4},
		{name: "by type", filter: Filter{Types: []audit.EventType{audit.EventCsrfRejected}}, want: 2},
		{name: "by severity", filter: Filter{Severities: []audit.Severity{audit.SeverityHigh}}, want: 2},
		{name: "by user", filter: Filter{UserIDs: []string{"u1"}}, want: 2},
		{name: "by outcome", filter: Filter{Outcome: audit.OutcomeFailure}, want: 3},
		{name: "by resource", filter: Filter{Resource: "/b"}, want: 1},
		{name: "conjunctive", filter: Filter{
			Types:   []audit.EventType{audit.EventCsrfRejected},
			UserIDs: []string{"u1"},
		}, want: 1},
		{name: "time range", filter: Filter{
			StartTime: base.Add(2 * time.Second),
			EndTime:   base.Add(3 * time.Second),
		}, want: 2},
		{name: "no match", filter: Filter{Resource: "/missing"}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, s.Query(tt.filter), tt.want)
		})
	}
}

func TestQuery_Pagination(t *testing.T) {
	s := newTestStore(t, 100)
	for i := 0; i < 10; i++ {
		_, err := s.Append(context.Background(), mustEntry(t, audit.EventRequestAllowed, "act"))
		require.NoError(t, err)
	}

	page1 := s.Query(Filter{Limit: 4})
	page2 := s.Query(Filter{Limit: 4, Offset: 4})
	page3 := s.Query(Filter{Limit: 4, Offset: 8})

	assert.Len(t, page1, 4)
	assert.Len(t, page2, 4)
	assert.Len(t, page3, 2)

	seen := make(map[string]struct{})
	for _, e := range append(append(page1, page2...), page3...) {
		seen[e.ID] = struct{}{}
	}
	assert.Len(t, seen, 10)
}

func TestQuery_ReturnsCopies(t *testing.T) {
	s := newTestStore(t, 10)
	e := mustEntry(t, audit.EventRequestAllowed, "act")
	e.Details["k"] = "v"
	_, err := s.Append(context.Background(), e)
	require.NoError(t, err)

	first := s.Query(Filter{})
	require.Len(t, first, 1)
	first[0].Details["k"] = "mutated"
	first[0].Action = "other"

	second := s.Query(Filter{})
	require.Len(t, second, 1)
	assert.Equal(t, "v", second[0].Details["k"])
	assert.Equal(t, "act", second[0].Action)
}

func TestStatistics(t *testing.T) {
	s := newTestStore(t, 100)

	for i := 0; i < 3; i++ {
		e := mustEntry(t, audit.EventCsrfRejected, "csrf_check")
		e.Severity = audit.SeverityHigh
		e.Outcome = audit.OutcomeFailure
		e.Actor = audit.Actor{UserID: "u1", IP: "10.0.0.1"}
		_, err := s.Append(context.Background(), e)
		require.NoError(t, err)
	}
	e := mustEntry(t, audit.EventRequestAllowed, "request_admitted")
	e.Actor = audit.Actor{UserID: "u2", IP: "10.0.0.2"}
	_, err := s.Append(context.Background(), e)
	require.NoError(t, err)

	stats := s.Statistics(Filter{})
	assert.Equal(t, 4, stats.TotalEvents)
	assert.Equal(t, 3, stats.EventsByType[audit.EventCsrfRejected])
	assert.Equal(t, 1, stats.EventsByType[audit.EventRequestAllowed])
	assert.Equal(t, 3, stats.EventsBySeverity[audit.SeverityHigh])
	assert.Equal(t, 3, stats.EventsByOutcome[audit.OutcomeFailure])

	require.NotEmpty(t, stats.TopUsers)
	assert.Equal(t, KeyCount{Key: "u1", Count: 3}, stats.TopUsers[0])
	require.NotEmpty(t, stats.TopIPAddresses)
	assert.Equal(t, KeyCount{Key: "10.0.0.1", Count: 3}, stats.TopIPAddresses[0])

	assert.False(t, stats.OldestEntry.IsZero())
	assert.False(t, stats.NewestEntry.IsZero())
	assert.True(t, !stats.NewestEntry.Before(stats.OldestEntry))

	// Statistics honor the filter but not pagination.
	filtered := s.Statistics(Filter{UserIDs: []string{"u2"}, Limit: 1})
	assert.Equal(t, 1, filtered.TotalEvents)
}

func TestVerifyIntegrity(t *testing.T) {
	s := newTestStore(t, 10)

	e := mustEntry(t, audit.EventPayloadSealed, "seal_payload")
	e.Actor.UserID = "u1"
	_, err := s.Append(context.Background(), e)
	require.NoError(t, err)

	stored := s.Query(Filter{})[0]
	assert.True(t, s.VerifyIntegrity(stored))

	tests := []struct {
		name   string
		mutate func(*audit.Entry)
	}{
		{name: "action", mutate: func(e *audit.Entry) { e.Action = "tampered" }},
		{name: "user", mutate: func(e *audit.Entry) { e.Actor.UserID = "u2" }},
		{name: "outcome", mutate: func(e *audit.Entry) { e.Outcome = audit.OutcomeFailure }},
		{name: "details", mutate: func(e *audit.Entry) { e.Details["x"] = true }},
		{name: "hash", mutate: func(e *audit.Entry) { e.Hash = strings.Repeat("0", 64) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tampered := stored.Clone()
			tt.mutate(tampered)
			assert.False(t, s.VerifyIntegrity(tampered))
		})
	}

	assert.False(t, s.VerifyIntegrity(nil))
}
