package audit

import "fmt"

// EventType identifies what happened. Business layers outside this core
// consume these as opaque enum values.
type EventType string

const (
	// Gateway decision events
	EventRequestAllowed      EventType = "request.allowed"
	EventRateLimitExceeded   EventType = "request.rate_limited"
	EventOriginRejected      EventType = "request.origin_rejected"
	EventCsrfRejected        EventType = "request.csrf_rejected"
	EventClientRejected      EventType = "request.client_rejected"
	EventSuspiciousPattern   EventType = "request.pattern_detected"
	EventInternalError       EventType = "request.internal_error"
	EventIdentifierBlocked   EventType = "identifier.blocked"

	// Token lifecycle events
	EventTokenIssued   EventType = "token.issued"
	EventTokenConsumed EventType = "token.consumed"

	// Integrity events
	EventPayloadSealed     EventType = "payload.sealed"
	EventIntegrityMismatch EventType = "payload.integrity_mismatch"

	// Business events supplied by collaborating layers
	EventRequestCreated   EventType = "transfer.request_created"
	EventRequestSigned    EventType = "transfer.request_signed"
	EventRequestSubmitted EventType = "transfer.request_submitted"

	// Store events
	EventLogExported EventType = "audit.exported"
)

// Severity grades how alarming an event is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Outcome records how the audited operation ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePending Outcome = "pending"
)

var validEventTypes = map[EventType]struct{}{
	EventRequestAllowed:    {},
	EventRateLimitExceeded: {},
	EventOriginRejected:    {},
	EventCsrfRejected:      {},
	EventClientRejected:    {},
	EventSuspiciousPattern: {},
	EventInternalError:     {},
	EventIdentifierBlocked: {},
	EventTokenIssued:       {},
	EventTokenConsumed:     {},
	EventPayloadSealed:     {},
	EventIntegrityMismatch: {},
	EventRequestCreated:    {},
	EventRequestSigned:     {},
	EventRequestSubmitted:  {},
	EventLogExported:       {},
}

func validateEventType(eventType EventType) error {
	if eventType == "" {
		return fmt.Errorf("event type cannot be empty")
	}
	if _, ok := validEventTypes[eventType]; !ok {
		return fmt.Errorf("unknown event type: %s", eventType)
	}
	return nil
}

func validateSeverity(severity Severity) error {
	switch severity {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid severity: %s", severity)
	}
}

func validateOutcome(outcome Outcome) error {
	switch outcome {
	case OutcomeSuccess, OutcomeFailure, OutcomePending:
		return nil
	default:
		return fmt.Errorf("invalid outcome: %s", outcome)
	}
}
