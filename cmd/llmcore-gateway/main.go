// Command llmcore-gateway runs the Core behind an HTTP API: route_and_call,
// configure and health endpoints, wired with JWT auth, per-tenant rate
// limiting, structured logging, Prometheus metrics and OTel tracing. Wiring
// and flag shape follow the teacher's cmd/agentflow/main.go entrypoint,
// narrowed to the flags the routing core's server actually needs.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/relaycore/llmcore/core"
	"github.com/relaycore/llmcore/core/config"
	"github.com/relaycore/llmcore/core/observability"
	"github.com/relaycore/llmcore/core/persist"
	"github.com/relaycore/llmcore/core/router"
	"github.com/relaycore/llmcore/internal/tlsutil"
	"github.com/relaycore/llmcore/providers/anthropic"
	"github.com/relaycore/llmcore/providers/openai"
)

func main() {
	var (
		addr         = flag.String("addr", ":8080", "HTTP listen address")
		configPath   = flag.String("config", "config.yaml", "path to the configure() YAML document")
		decisionLog  = flag.String("decision-log", "", "path to the rotated decision JSONL log; empty disables it")
		usageLog     = flag.String("usage-log", "", "path to the rotated usage/observation JSONL log; empty disables it")
		jwtSecret    = flag.String("jwt-secret", "", "HS256 shared secret for bearer token verification; empty disables auth")
		anthropicURL = flag.String("anthropic-base-url", "", "override Anthropic API base URL, for Anthropic-compatible gateways")
		openaiURL    = flag.String("openai-base-url", "", "override OpenAI API base URL, for OpenAI-compatible gateways")
		devMode      = flag.Bool("dev", false, "use a human-readable development logger instead of JSON")
		maxConns     = flag.Int("max-conns-per-provider", 0, "bound concurrent outbound calls per provider; 0 leaves calls unbounded")
		healthEvery  = flag.Duration("health-interval", 0, "background provider probe interval; 0 disables probing")
	)
	flag.Parse()

	logger := newLogger(*devMode)
	defer logger.Sync()

	deps := core.Dependencies{Logger: logger, MaxConnsPerProvider: *maxConns}
	if *usageLog != "" {
		ul := persist.NewUsageLog(*usageLog, logger)
		defer ul.Close()
		deps.Sink = ul.Observe
	}

	handle := core.New(deps)

	probers := registerProviders(handle, logger, *anthropicURL, *openaiURL, *maxConns)

	doc, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	if err := handle.Configure(doc); err != nil {
		logger.Fatal("initial configuration rejected", zap.Error(err))
	}

	if *decisionLog != "" {
		decisions := persist.NewDecisionLog(*decisionLog, logger)
		defer decisions.Close()
		handle.OnDecision(decisions.Append)
	}

	otelShutdown := observability.SetupOTel("llmcore-gateway", nil, nil)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			logger.Warn("otel shutdown", zap.Error(err))
		}
	}()

	srv := newServer(serverConfig{
		Handle:    handle,
		Logger:    logger,
		JWTSecret: []byte(*jwtSecret),
	})

	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           srv.routes(),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       90 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		TLSConfig:         tlsutil.DefaultTLSConfig(),
	}

	go func() {
		logger.Info("llmcore-gateway listening", zap.String("addr", *addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server stopped unexpectedly", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *healthEvery > 0 && len(probers) > 0 {
		checker := handle.HealthChecker(probers, *healthEvery, 10*time.Second)
		defer checker.Stop()
		go checker.Start(ctx)
		logger.Info("health checker started", zap.Duration("interval", *healthEvery))
	}

	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func newLogger(dev bool) *zap.Logger {
	var logger *zap.Logger
	var err error
	if dev {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// registerProviders wires providers/anthropic and providers/openai against
// the Core if ANTHROPIC_API_KEY or OPENAI_API_KEY is set, the same names
// EnvCredentialSource checks for a provider with no aliases, so a provider
// the operator never configured simply never gets registered instead of
// failing startup.
func registerProviders(h *core.Handle, logger *zap.Logger, anthropicBaseURL, openaiBaseURL string, maxConns int) map[string]router.Prober {
	probers := make(map[string]router.Prober)
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		p, err := anthropic.New(anthropic.Config{APIKey: key, BaseURL: anthropicBaseURL, Logger: logger, MaxConns: maxConns})
		if err != nil {
			logger.Error("anthropic provider not registered", zap.Error(err))
		} else {
			h.RegisterProvider("anthropic", p)
			probers["anthropic"] = p
			logger.Info("anthropic provider registered")
		}
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		p, err := openai.New(openai.Config{APIKey: key, BaseURL: openaiBaseURL, Logger: logger, MaxConns: maxConns})
		if err != nil {
			logger.Error("openai provider not registered", zap.Error(err))
		} else {
			h.RegisterProvider("openai", p)
			probers["openai"] = p
			logger.Info("openai provider registered")
		}
	}
	return probers
}
