package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/davidleathers/secure-transfer-gateway/internal/api/middleware"
	"github.com/davidleathers/secure-transfer-gateway/internal/infrastructure/config"
	"github.com/davidleathers/secure-transfer-gateway/internal/infrastructure/csrf"
	"github.com/davidleathers/secure-transfer-gateway/internal/infrastructure/integrity"
	"github.com/davidleathers/secure-transfer-gateway/internal/infrastructure/ratelimit"
	"github.com/davidleathers/secure-transfer-gateway/internal/infrastructure/telemetry"
	auditsvc "github.com/davidleathers/secure-transfer-gateway/internal/service/audit"
	"github.com/davidleathers/secure-transfer-gateway/internal/service/gateway"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(telemetry.SetupLogger(cfg.LogLevel))

	if err := run(ctx, cfg); err != nil {
		slog.Error("application failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	slog.Info("starting secure transfer gateway",
		"version", cfg.Version,
		"environment", cfg.Environment,
		"port", cfg.Server.Port)

	provider, err := telemetry.Initialize(ctx, telemetry.Config{
		ServiceVersion: cfg.Version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Enabled:        cfg.Telemetry.Enabled,
		SamplingRate:   cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			slog.Warn("telemetry shutdown", "error", err)
		}
	}()

	zlog, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() { _ = zlog.Sync() }()

	rules := make([]ratelimit.Rule, 0, len(cfg.RateLimit.Rules))
	for _, r := range cfg.RateLimit.Rules {
		rules = append(rules, ratelimit.Rule{Name: r.Name, Limit: r.Limit, Window: r.Window})
	}

	verifier := integrity.NewVerifier(zlog.Named("integrity"))
	limiter := ratelimit.NewLimiter(rules, zlog.Named("ratelimit"))
	tokens := csrf.NewManager(cfg.Csrf.TokenTTL, zlog.Named("csrf"))
	store := auditsvc.NewStore(cfg.Audit.Capacity, verifier, zlog.Named("audit"))
	exporter := auditsvc.NewExporter(store, zlog.Named("audit.export"))
	gw := gateway.New(limiter, tokens, store, zlog.Named("gateway"))

	policy := gateway.Policy{
		RuleName:       cfg.Gateway.RuleName,
		RequireHTTPS:   cfg.Gateway.RequireHTTPS,
		RequireCSRF:    cfg.Gateway.RequireCSRF,
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
		CheckUserAgent: cfg.Gateway.CheckUserAgent,
		ScanPatterns:   cfg.Gateway.ScanPatterns,
	}
	mw := middleware.NewSecurityMiddleware(gw, policy,
		cfg.RateLimit.GlobalPerSecond, cfg.RateLimit.GlobalBurst,
		zlog.Named("middleware"))

	mux := http.NewServeMux()
	mux.Handle("GET /csrf-token", mw.IssueCSRFHandler())
	mux.Handle("GET /stats", mw.StatsHandler())
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /audit/export", exportHandler(exporter))
	mux.Handle("/", mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func exportHandler(exporter *auditsvc.Exporter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		format := auditsvc.ExportFormat(r.URL.Query().Get("format"))
		if format == "" {
			format = auditsvc.ExportFormatJSON
		}
		out, err := exporter.Export(r.Context(), auditsvc.Filter{}, format)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if format == auditsvc.ExportFormatJSON {
			w.Header().Set("Content-Type", "application/json")
		} else {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		}
		_, _ = w.Write([]byte(out))
	})
}
