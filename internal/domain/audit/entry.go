package audit

import (
	"fmt"
	"time"

	"github.com/davidleathers/secure-transfer-gateway/internal/domain/errors"
)

// Actor describes who (or what) the logged request was attributed to. All
// fields are opaque strings supplied by the request-handling layer.
type Actor struct {
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Entry is an immutable audit log record. The Hash field is the canonical
// digest of every other field; entries are append-only and never mutated
// after the hash is set.
type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`

	Type     EventType `json:"event_type"`
	Severity Severity  `json:"severity"`

	Actor      Actor  `json:"actor"`
	Resource   string `json:"resource,omitempty"`
	ResourceID string `json:"resource_id,omitempty"`
	Action     string `json:"action"`

	// Details carries structured context. Values are restricted to strings,
	// numbers, booleans and nested maps of the same, since canonical hashing
	// requires predictable serialization.
	Details map[string]interface{} `json:"details,omitempty"`

	Outcome Outcome `json:"outcome"`
	Hash    string  `json:"hash"`
}

// NewEntry creates an audit entry with validation. The store assigns the
// id, timestamp and hash on append.
func NewEntry(eventType EventType, action string) (*Entry, error) {
	if err := validateEventType(eventType); err != nil {
		return nil, errors.NewValidationError("INVALID_EVENT_TYPE",
			"event type must be valid").WithCause(err)
	}
	if action == "" {
		return nil, errors.NewValidationError("MISSING_ACTION",
			"action is required")
	}

	return &Entry{
		Type:     eventType,
		Severity: SeverityLow,
		Action:   action,
		Outcome:  OutcomeSuccess,
		Details:  make(map[string]interface{}),
	}, nil
}

// Validate performs comprehensive validation of the entry.
func (e *Entry) Validate() error {
	if err := validateEventType(e.Type); err != nil {
		return errors.NewValidationError("INVALID_EVENT_TYPE",
			"event type validation failed").WithCause(err)
	}
	if err := validateSeverity(e.Severity); err != nil {
		return errors.NewValidationError("INVALID_SEVERITY",
			"severity validation failed").WithCause(err)
	}
	if err := validateOutcome(e.Outcome); err != nil {
		return errors.NewValidationError("INVALID_OUTCOME",
			"outcome validation failed").WithCause(err)
	}
	if e.Action == "" {
		return errors.NewValidationError("MISSING_ACTION", "action is required")
	}
	if err := validateDetails(e.Details, 0); err != nil {
		return errors.NewValidationError("INVALID_DETAILS",
			"details validation failed").WithCause(err)
	}
	return nil
}

// HashPayload returns the deterministic representation of every field except
// Hash itself, used both to seal and to verify an entry.
func (e *Entry) HashPayload() map[string]interface{} {
	return map[string]interface{}{
		"id":          e.ID,
		"timestamp":   e.Timestamp.UTC().UnixMilli(),
		"event_type":  string(e.Type),
		"severity":    string(e.Severity),
		"user_id":     e.Actor.UserID,
		"session_id":  e.Actor.SessionID,
		"ip":          e.Actor.IP,
		"user_agent":  e.Actor.UserAgent,
		"resource":    e.Resource,
		"resource_id": e.ResourceID,
		"action":      e.Action,
		"details":     e.Details,
		"outcome":     string(e.Outcome),
	}
}

// Clone returns a deep copy. Used by the store so queried entries can never
// alias its internal state.
func (e *Entry) Clone() *Entry {
	clone := *e
	if e.Details != nil {
		clone.Details = cloneDetails(e.Details)
	}
	return &clone
}

func cloneDetails(details map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(details))
	for k, v := range details {
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = cloneDetails(nested)
			continue
		}
		out[k] = v
	}
	return out
}

const maxDetailsDepth = 8

func validateDetails(details map[string]interface{}, depth int) error {
	if depth > maxDetailsDepth {
		return fmt.Errorf("details nesting exceeds %d levels", maxDetailsDepth)
	}
	for key, value := range details {
		switch v := value.(type) {
		case nil, string, bool,
			int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64,
			float32, float64:
		case map[string]interface{}:
			if err := validateDetails(v, depth+1); err != nil {
				return err
			}
		default:
			return fmt.Errorf("details value %q has unsupported type %T", key, value)
		}
	}
	return nil
}
