// Package gateway composes identifier generation, rate limiting, CSRF
// protection, pattern scanning and audit logging into one ordered
// per-request decision pipeline. Stages run strictly in order and
// short-circuit on the first denial; any internal failure resolves to a
// deny (fail-closed).
package gateway

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/secure-transfer-gateway/internal/domain/audit"
	"github.com/davidleathers/secure-transfer-gateway/internal/domain/errors"
	"github.com/davidleathers/secure-transfer-gateway/internal/infrastructure/csrf"
	"github.com/davidleathers/secure-transfer-gateway/internal/infrastructure/ratelimit"
	auditsvc "github.com/davidleathers/secure-transfer-gateway/internal/service/audit"
)

// RequestContext is the opaque view of an inbound request supplied by the
// request-handling layer. Every field is treated as an untrusted string.
type RequestContext struct {
	IP        string `json:"ip"`
	UserAgent string `json:"user_agent,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Origin    string `json:"origin,omitempty"`
	Referer   string `json:"referer,omitempty"`
	CSRFToken string `json:"csrf_token,omitempty"`
}

// Policy selects which pipeline stages apply and how.
type Policy struct {
	RuleName       string
	RequireHTTPS   bool
	RequireCSRF    bool
	AllowedOrigins []string
	CheckUserAgent bool
	ScanPatterns   bool
}

// Decision is the single terminal outcome of one pipeline invocation.
// Detection outcomes are values, never errors; callers can always render a
// response from a Decision without exception handling.
type Decision struct {
	Allowed     bool              `json:"allowed"`
	Code        string            `json:"code,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Severity    audit.Severity    `json:"severity,omitempty"`
	Headers     map[string]string `json:"headers"`
	RetryAfter  int               `json:"retry_after,omitempty"`
	RedirectURL string            `json:"redirect_url,omitempty"`
	AuditID     string            `json:"audit_id,omitempty"`
}

// Stats aggregates component observability snapshots.
type Stats struct {
	RateLimit    ratelimit.Stats `json:"rate_limit"`
	Csrf         csrf.Stats      `json:"csrf"`
	AuditEntries int             `json:"audit_entries"`
}

// Gateway owns the decision pipeline. Construct one per process and inject
// it; the components are explicit service objects, never ambient globals.
type Gateway struct {
	limiter *ratelimit.Limiter
	tokens  *csrf.Manager
	store   *auditsvc.Store
	tracer  trace.Tracer
	logger  *zap.Logger
}

// New creates a gateway over its collaborating services.
func New(limiter *ratelimit.Limiter, tokens *csrf.Manager, store *auditsvc.Store, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		limiter: limiter,
		tokens:  tokens,
		store:   store,
		tracer:  otel.Tracer("service.gateway"),
		logger:  logger,
	}
}

// Decide runs the ordered pipeline for one request: rate limit, transport,
// CSRF/origin, caller fingerprint, suspicious-pattern scan. The standard
// security header set is attached to every decision, allow or deny.
func (g *Gateway) Decide(ctx context.Context, req RequestContext, policy Policy, endpoint string) (decision Decision) {
	ctx, span := g.tracer.Start(ctx, "gateway.decide",
		trace.WithAttributes(
			attribute.String("gateway.endpoint", endpoint),
			attribute.String("gateway.rule", policy.RuleName),
		),
	)
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			decision = g.failClosed(ctx, req, endpoint, fmt.Errorf("panic: %v", r))
		}
		span.SetAttributes(attribute.Bool("gateway.allowed", decision.Allowed))
	}()

	headers := SecurityHeaders()

	// Stage 1: rate limit, per IP and per user under the same rule.
	composite := g.limiter.CheckComposite(req.IP, req.UserID, policy.RuleName, endpoint)
	if !composite.Allowed {
		retryAfter := composite.IP.RetryAfter
		if composite.User != nil && !composite.User.Allowed && composite.User.RetryAfter > retryAfter {
			retryAfter = composite.User.RetryAfter
		}
		seconds := int(retryAfter.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		headers["Retry-After"] = strconv.Itoa(seconds)

		auditID := g.audit(ctx, req, endpoint, audit.EventRateLimitExceeded,
			"rate_limit_check", audit.SeverityMedium, audit.OutcomeFailure,
			map[string]interface{}{"rule": policy.RuleName})

		return Decision{
			Allowed:    false,
			Code:       errors.CodeRateLimitExceeded,
			Reason:     "rate limit exceeded",
			Severity:   audit.SeverityMedium,
			Headers:    headers,
			RetryAfter: seconds,
			AuditID:    auditID,
		}
	}

	// Stage 2: transport. A routing hint, not an attack signal; no audit.
	if policy.RequireHTTPS {
		declared := req.Origin
		if declared == "" {
			declared = req.Referer
		}
		if declared != "" && !strings.HasPrefix(strings.ToLower(declared), "https://") {
			return Decision{
				Allowed:     false,
				Code:        errors.CodeHTTPSRequired,
				Reason:      "https is required",
				Severity:    audit.SeverityLow,
				Headers:     headers,
				RedirectURL: upgradeToHTTPS(declared),
			}
		}
	}

	// Stage 3: origin allow-list, then CSRF token.
	if len(policy.AllowedOrigins) > 0 {
		if ok, checked := originAllowed(req, policy.AllowedOrigins); checked && !ok {
			auditID := g.audit(ctx, req, endpoint, audit.EventOriginRejected,
				"origin_check", audit.SeverityHigh, audit.OutcomeFailure,
				map[string]interface{}{"origin": req.Origin, "referer": req.Referer})

			return Decision{
				Allowed:  false,
				Code:     errors.CodeOriginMismatch,
				Reason:   "origin not allowed",
				Severity: audit.SeverityHigh,
				Headers:  headers,
				AuditID:  auditID,
			}
		}
	}
	if req.CSRFToken != "" {
		if !g.tokens.ValidateToken(req.CSRFToken, true) {
			auditID := g.audit(ctx, req, endpoint, audit.EventCsrfRejected,
				"csrf_check", audit.SeverityHigh, audit.OutcomeFailure, nil)

			return Decision{
				Allowed:  false,
				Code:     errors.CodeInvalidCsrfToken,
				Reason:   "csrf token is invalid, expired or already used",
				Severity: audit.SeverityHigh,
				Headers:  headers,
				AuditID:  auditID,
			}
		}
	} else if policy.RequireCSRF {
		auditID := g.audit(ctx, req, endpoint, audit.EventCsrfRejected,
			"csrf_check", audit.SeverityHigh, audit.OutcomeFailure,
			map[string]interface{}{"missing": true})

		return Decision{
			Allowed:  false,
			Code:     errors.CodeInvalidCsrfToken,
			Reason:   "csrf token is required",
			Severity: audit.SeverityHigh,
			Headers:  headers,
			AuditID:  auditID,
		}
	}

	// Stage 4: caller fingerprint. A cheap heuristic filter, not
	// authoritative.
	if policy.CheckUserAgent {
		if reason, ok := checkFingerprint(req.UserAgent); !ok {
			auditID := g.audit(ctx, req, endpoint, audit.EventClientRejected,
				"fingerprint_check", audit.SeverityMedium, audit.OutcomeFailure,
				map[string]interface{}{"reason": reason})

			return Decision{
				Allowed:  false,
				Code:     errors.CodeClientRejected,
				Reason:   reason,
				Severity: audit.SeverityMedium,
				Headers:  headers,
				AuditID:  auditID,
			}
		}
	}

	// Stage 5: suspicious-pattern scan over the serialized context.
	if policy.ScanPatterns {
		if p, found := scanPatterns(serializeContext(req, endpoint)); found {
			auditID := g.audit(ctx, req, endpoint, audit.EventSuspiciousPattern,
				"pattern_scan", audit.SeverityHigh, audit.OutcomeFailure,
				map[string]interface{}{"pattern": p.name})

			return Decision{
				Allowed:  false,
				Code:     errors.CodeSuspiciousPattern,
				Reason:   p.description,
				Severity: audit.SeverityHigh,
				Headers:  headers,
				AuditID:  auditID,
			}
		}
	}

	// Stage 6: success.
	auditID := g.audit(ctx, req, endpoint, audit.EventRequestAllowed,
		"request_admitted", audit.SeverityLow, audit.OutcomeSuccess, nil)

	return Decision{
		Allowed:  true,
		Severity: audit.SeverityLow,
		Headers:  headers,
		AuditID:  auditID,
	}
}

// IssueToken mints a single-use CSRF token and audits the issuance.
func (g *Gateway) IssueToken(ctx context.Context, req RequestContext) (string, error) {
	token, err := g.tokens.GenerateToken()
	if err != nil {
		return "", err
	}
	g.audit(ctx, req, "", audit.EventTokenIssued, "issue_csrf_token",
		audit.SeverityLow, audit.OutcomeSuccess, nil)
	return token, nil
}

// BlockIP installs a manual rate-limit override for an address and audits it.
func (g *Gateway) BlockIP(ctx context.Context, ip string, duration time.Duration) {
	g.limiter.Block("ip:"+ip, duration)
	g.audit(ctx, RequestContext{IP: ip}, "", audit.EventIdentifierBlocked,
		"block_identifier", audit.SeverityMedium, audit.OutcomeSuccess,
		map[string]interface{}{"duration_seconds": int(duration.Seconds())})
}

// Stats returns an aggregated observability snapshot.
func (g *Gateway) Stats() Stats {
	return Stats{
		RateLimit:    g.limiter.Stats(),
		Csrf:         g.tokens.Stats(),
		AuditEntries: g.store.Size(),
	}
}

// failClosed converts an internal failure into a deny decision. Ambiguity
// about whether a request is safe must resolve to rejection, and the raw
// error never reaches the caller.
func (g *Gateway) failClosed(ctx context.Context, req RequestContext, endpoint string, err error) Decision {
	g.logger.Error("gateway pipeline failure, denying request",
		zap.String("endpoint", endpoint),
		zap.Error(err))

	auditID := g.audit(ctx, req, endpoint, audit.EventInternalError,
		"pipeline_failure", audit.SeverityHigh, audit.OutcomeFailure, nil)

	return Decision{
		Allowed:  false,
		Code:     errors.CodeInternalError,
		Reason:   "request could not be safely evaluated",
		Severity: audit.SeverityHigh,
		Headers:  SecurityHeaders(),
		AuditID:  auditID,
	}
}

func (g *Gateway) audit(ctx context.Context, req RequestContext, endpoint string,
	eventType audit.EventType, action string, severity audit.Severity,
	outcome audit.Outcome, details map[string]interface{}) string {

	entry, err := audit.NewEntry(eventType, action)
	if err != nil {
		g.logger.Error("failed to build audit entry", zap.Error(err))
		return ""
	}
	entry.Severity = severity
	entry.Outcome = outcome
	entry.Actor = audit.Actor{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		IP:        req.IP,
		UserAgent: req.UserAgent,
	}
	entry.Resource = endpoint
	for k, v := range details {
		entry.Details[k] = v
	}

	id, err := g.store.Append(ctx, entry)
	if err != nil {
		g.logger.Error("failed to append audit entry",
			zap.String("event_type", string(eventType)),
			zap.Error(err))
		return ""
	}
	return id
}

// serializeContext flattens every untrusted request field for the pattern
// scan. Fields are joined with spaces so injected control characters stay
// observable as-is.
func serializeContext(req RequestContext, endpoint string) string {
	return strings.Join([]string{
		req.IP, req.UserAgent, req.UserID, req.SessionID,
		req.Origin, req.Referer, req.CSRFToken, endpoint,
	}, " ")
}

// originAllowed checks the declared origin, falling back to the referer's
// origin. Returns checked=false when the request declares neither.
func originAllowed(req RequestContext, allowed []string) (ok, checked bool) {
	origin := req.Origin
	if origin == "" && req.Referer != "" {
		origin = refererOrigin(req.Referer)
	}
	if origin == "" {
		return true, false
	}
	return matchOrigin(origin, allowed), true
}

func refererOrigin(referer string) string {
	u, err := url.Parse(referer)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return referer
	}
	return u.Scheme + "://" + u.Host
}

// matchOrigin supports exact entries and single-wildcard patterns such as
// "https://*.example.com".
func matchOrigin(origin string, allowed []string) bool {
	for _, pattern := range allowed {
		if pattern == origin {
			return true
		}
		star := strings.Index(pattern, "*")
		if star < 0 {
			continue
		}
		prefix, suffix := pattern[:star], pattern[star+1:]
		if len(origin) >= len(prefix)+len(suffix) &&
			strings.HasPrefix(origin, prefix) &&
			strings.HasSuffix(origin, suffix) {
			return true
		}
	}
	return false
}

func upgradeToHTTPS(declared string) string {
	if rest, ok := strings.CutPrefix(strings.ToLower(declared), "http://"); ok {
		return "https://" + rest
	}
	return ""
}
