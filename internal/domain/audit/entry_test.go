package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEntry(t *testing.T) {
	tests := []struct {
		name      string
		eventType EventType
		action    string
		wantErr   bool
	}{
		{name: "valid", eventType: EventRequestAllowed, action: "request_admitted"},
		{name: "unknown event type", eventType: EventType("request.unknown"), action: "x", wantErr: true},
		{name: "empty event type", eventType: "", action: "x", wantErr: true},
		{name: "missing action", eventType: EventRequestAllowed, action: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry, err := NewEntry(tt.eventType, tt.action)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, SeverityLow, entry.Severity)
			assert.Equal(t, OutcomeSuccess, entry.Outcome)
			assert.NotNil(t, entry.Details)
		})
	}
}

func TestEntry_Validate(t *testing.T) {
	valid := func() *Entry {
		e, err := NewEntry(EventCsrfRejected, "csrf_check")
		require.NoError(t, err)
		return e
	}

	tests := []struct {
		name    string
		mutate  func(*Entry)
		wantErr bool
	}{
		{name: "valid", mutate: func(e *Entry) {}},
		{name: "bad severity", mutate: func(e *Entry) { e.Severity = "urgent" }, wantErr: true},
		{name: "bad outcome", mutate: func(e *Entry) { e.Outcome = "maybe" }, wantErr: true},
		{name: "details with nested map", mutate: func(e *Entry) {
			e.Details["ctx"] = map[string]interface{}{"k": "v", "n": 3}
		}},
		{name: "details with unsupported type", mutate: func(e *Entry) {
			e.Details["ch"] = make(chan int)
		}, wantErr: true},
		{name: "details nested too deep", mutate: func(e *Entry) {
			leaf := map[string]interface{}{"v": 1}
			for i := 0; i < 10; i++ {
				leaf = map[string]interface{}{"next": leaf}
			}
			e.Details["deep"] = leaf
		}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := valid()
			tt.mutate(e)
			err := e.Validate()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestEntry_Clone(t *testing.T) {
	e, err := NewEntry(EventRequestAllowed, "request_admitted")
	require.NoError(t, err)
	e.Details["ctx"] = map[string]interface{}{"k": "v"}

	clone := e.Clone()
	clone.Details["ctx"].(map[string]interface{})["k"] = "mutated"
	clone.Action = "other"

	assert.Equal(t, "v", e.Details["ctx"].(map[string]interface{})["k"])
	assert.Equal(t, "request_admitted", e.Action)
}

func TestEntry_HashPayloadCoversFields(t *testing.T) {
	e, err := NewEntry(EventSuspiciousPattern, "pattern_scan")
	require.NoError(t, err)
	e.Actor = Actor{UserID: "u1", IP: "10.0.0.1"}
	e.Resource = "/transfer"
	e.Hash = "should-not-appear"

	payload := e.HashPayload()
	assert.Equal(t, "u1", payload["user_id"])
	assert.Equal(t, "10.0.0.1", payload["ip"])
	assert.Equal(t, "/transfer", payload["resource"])
	assert.NotContains(t, payload, "hash")
}
