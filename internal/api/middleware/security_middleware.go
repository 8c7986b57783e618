// Package middleware adapts the gateway decision pipeline to net/http.
package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/davidleathers/secure-transfer-gateway/internal/domain/errors"
	"github.com/davidleathers/secure-transfer-gateway/internal/infrastructure/csrf"
	"github.com/davidleathers/secure-transfer-gateway/internal/service/gateway"
)

var (
	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_decisions_total",
		Help: "Gateway pipeline decisions by outcome and denial code",
	}, []string{"outcome", "code"})

	decisionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_decision_duration_seconds",
		Help:    "Time spent in the gateway decision pipeline",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	throttledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_throttled_total",
		Help: "Requests shed by the global throughput guard",
	})
)

// SecurityMiddleware runs every request through the gateway pipeline before
// the wrapped handler. A process-wide token bucket sheds load ahead of the
// per-identifier windows.
type SecurityMiddleware struct {
	gateway *gateway.Gateway
	policy  gateway.Policy
	global  *rate.Limiter
	logger  *zap.Logger
}

// NewSecurityMiddleware builds the middleware. globalPerSecond of zero
// disables the process-wide guard.
func NewSecurityMiddleware(gw *gateway.Gateway, policy gateway.Policy, globalPerSecond, globalBurst int, logger *zap.Logger) *SecurityMiddleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	var global *rate.Limiter
	if globalPerSecond > 0 {
		if globalBurst <= 0 {
			globalBurst = globalPerSecond
		}
		global = rate.NewLimiter(rate.Limit(globalPerSecond), globalBurst)
	}
	return &SecurityMiddleware{
		gateway: gw,
		policy:  policy,
		global:  global,
		logger:  logger,
	}
}

// Wrap returns a handler that admits the request through the pipeline.
func (m *SecurityMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)

		if m.global != nil && !m.global.Allow() {
			throttledTotal.Inc()
			writeError(w, http.StatusServiceUnavailable, "SERVICE_OVERLOADED",
				"service is shedding load")
			return
		}

		start := time.Now()
		decision := m.gateway.Decide(r.Context(), extractRequestContext(r), m.policy, r.URL.Path)

		for name, value := range decision.Headers {
			w.Header().Set(name, value)
		}

		if !decision.Allowed {
			decisionsTotal.WithLabelValues("deny", decision.Code).Inc()
			decisionDuration.WithLabelValues("deny").Observe(time.Since(start).Seconds())

			m.logger.Warn("request denied",
				zap.String("request_id", requestID),
				zap.String("code", decision.Code),
				zap.String("path", r.URL.Path))

			m.writeDenial(w, r, decision)
			return
		}

		decisionsTotal.WithLabelValues("allow", "").Inc()
		decisionDuration.WithLabelValues("allow").Observe(time.Since(start).Seconds())

		next.ServeHTTP(w, r)
	})
}

func (m *SecurityMiddleware) writeDenial(w http.ResponseWriter, r *http.Request, decision gateway.Decision) {
	switch decision.Code {
	case errors.CodeRateLimitExceeded:
		writeError(w, http.StatusTooManyRequests, decision.Code, decision.Reason)
	case errors.CodeHTTPSRequired:
		if decision.RedirectURL != "" {
			http.Redirect(w, r, decision.RedirectURL, http.StatusMovedPermanently)
			return
		}
		writeError(w, http.StatusForbidden, decision.Code, decision.Reason)
	default:
		writeError(w, http.StatusForbidden, decision.Code, decision.Reason)
	}
}

// IssueCSRFHandler mints a single-use token, returned in the body and as a
// double-submit cookie.
func (m *SecurityMiddleware) IssueCSRFHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := m.gateway.IssueToken(r.Context(), extractRequestContext(r))
		if err != nil {
			m.logger.Error("csrf token issuance failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"token could not be issued")
			return
		}

		http.SetCookie(w, &http.Cookie{
			Name:     csrf.CookieName,
			Value:    token,
			Path:     "/",
			HttpOnly: true,
			Secure:   true,
			SameSite: http.SameSiteStrictMode,
		})
		writeJSON(w, http.StatusOK, map[string]string{
			"token":      token,
			"header":     csrf.HeaderName,
			"field_name": csrf.FieldName,
		})
	})
}

// StatsHandler exposes the gateway's component snapshots.
func (m *SecurityMiddleware) StatsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, m.gateway.Stats())
	})
}

// extractRequestContext builds the pipeline's untrusted view of the request.
func extractRequestContext(r *http.Request) gateway.RequestContext {
	token := r.Header.Get(csrf.HeaderName)
	if token == "" {
		token = r.PostFormValue(csrf.FieldName)
	}
	return gateway.RequestContext{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
		UserID:    r.Header.Get("X-User-ID"),
		SessionID: r.Header.Get("X-Session-ID"),
		Origin:    r.Header.Get("Origin"),
		Referer:   r.Referer(),
		CSRFToken: token,
	}
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the
// connection's remote address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.Index(fwd, ","); idx >= 0 {
			fwd = fwd[:idx]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
