package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/boardpilot/boardpilot/internal/agent"
	"github.com/boardpilot/boardpilot/internal/board"
	"github.com/boardpilot/boardpilot/internal/bus"
	"github.com/boardpilot/boardpilot/internal/config"
	"github.com/boardpilot/boardpilot/internal/delegate"
	"github.com/boardpilot/boardpilot/internal/dispatch"
	"github.com/boardpilot/boardpilot/internal/ledger"
	otelx "github.com/boardpilot/boardpilot/internal/otel"
	"github.com/boardpilot/boardpilot/internal/permission"
	"github.com/boardpilot/boardpilot/internal/ratelimit"
	"github.com/boardpilot/boardpilot/internal/schedule"
	"github.com/boardpilot/boardpilot/internal/store"
	"github.com/boardpilot/boardpilot/internal/telemetry"
	"github.com/boardpilot/boardpilot/internal/undo"
	"github.com/boardpilot/boardpilot/internal/webhook"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Start the BoardPilot daemon

FLAGS:
`, os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  BOARDPILOT_HOME         Data directory (default: ~/.boardpilot)
  GEMINI_API_KEY          Required for the google provider
  ANTHROPIC_API_KEY       Required for the anthropic provider
  OPENAI_API_KEY          Required for the openai provider
`)
}

func main() {
	loadDotEnv(".env")

	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println("boardpilot", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "config", cfg.Fingerprint())

	// OpenTelemetry (no-op when disabled, zero overhead).
	otelProvider, err := otelx.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelx.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	eventBus := bus.New()

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "path", cfg.StorePath)

	policy, err := permission.Load(cfg.PolicyPath)
	if err != nil {
		fatalStartup(logger, "E_POLICY_LOAD", err)
	}
	gate := permission.NewPolicyGate(policy)
	polWatcher := permission.NewWatcher(cfg.PolicyPath, gate, logger)
	if err := polWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_POLICY_WATCHER_START", err)
	}
	logger.Info("startup phase", "phase", "policy_loaded", "version", gate.PolicyVersion())

	boardStore := board.NewMemory()

	recorder := ledger.NewRecorder(ledger.Config{
		Storage:    st,
		Logger:     logger,
		Metrics:    metrics,
		QueueDepth: cfg.Ledger.QueueDepth,
		MaxRetries: cfg.Ledger.MaxRetries,
	})
	defer recorder.Close()

	catalog, err := dispatch.NewCatalog(boardStore)
	if err != nil {
		fatalStartup(logger, "E_CATALOG_INIT", err)
	}
	dispatcher := dispatch.New(dispatch.Config{
		Catalog:  catalog,
		Gate:     gate,
		Recorder: recorder,
		Logger:   logger,
		Metrics:  metrics,
		Bus:      eventBus,
	})

	undoEngine := undo.New(undo.Config{
		Board:   boardStore,
		Storage: st,
		Logger:  logger,
		Bus:     eventBus,
		Metrics: metrics,
		Window:  time.Duration(cfg.Undo.WindowSeconds) * time.Second,
	})

	g, modelName := agent.InitGenkit(ctx, cfg.LLM.Provider, cfg.LLM.Model, cfg.LLMAPIKey(), logger)
	brain := agent.NewGenkitBrain(g, modelName)
	registry := dispatch.NewRegistry(g, dispatcher)
	logger.Info("startup phase", "phase", "tools_registered", "tools", len(catalog.Names()))

	delegation := delegate.New(delegate.Config{
		Genkit:      g,
		Brain:       brain,
		Registry:    registry,
		Logger:      logger,
		Metrics:     metrics,
		MaxDepth:    cfg.Delegation.MaxDepth,
		Timeout:     time.Duration(cfg.Delegation.TimeoutSeconds) * time.Second,
		ResponseCap: cfg.Delegation.ResponseCapBytes,
	})

	limiter := ratelimit.New(ratelimit.WithLogger(logger), ratelimit.WithMetrics(metrics))
	limiter.StartSweeper(ctx, time.Minute, cfg.RateLimit.PerOrg.Window())

	sessions := agent.NewSessionRunner(agent.SessionConfig{
		Genkit:     g,
		Brain:      brain,
		Registry:   registry,
		Dispatcher: dispatcher,
		Undo:       undoEngine,
		Limiter:    limiter,
		Logger:     logger,
		Delegation: delegation,
		UserLimit:  rateWindow(cfg.RateLimit.PerUser),
		OrgLimit:   rateWindow(cfg.RateLimit.PerOrg),
	})

	triggers := agent.NewTriggerRunner(agent.TriggerConfig{
		Genkit:     g,
		Brain:      brain,
		Registry:   registry,
		Limiter:    limiter,
		Logger:     logger,
		Delegation: delegation,
		Bus:        eventBus,
		OrgLimit:   rateWindow(cfg.RateLimit.PerTrigger),
	})

	scheduler := schedule.New(schedule.Config{
		Store:    st,
		Runner:   triggers,
		Logger:   logger,
		Metrics:  metrics,
		Interval: time.Duration(cfg.Scheduler.PollIntervalSeconds) * time.Second,
	})
	scheduler.Start(ctx)
	defer scheduler.Stop()
	logger.Info("startup phase", "phase", "scheduler_started")

	receiver := webhook.NewReceiver(webhook.Config{
		Store:     st,
		Decrypter: webhook.PassthroughDecrypter{},
		Trigger:   triggers,
		Logger:    logger,
		Metrics:   metrics,
		MaxBody:   cfg.Webhook.MaxBodyBytes,
	})

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			// Policy reload is handled by its own watcher; config changes
			// that matter at runtime require a restart, so just surface them.
			logger.Info("config file changed; restart to apply", "path", ev.Path, "op", ev.Op.String())
		}
	}()

	api := newAPI(sessions, scheduler, triggers, receiver, st, logger)
	server := &http.Server{
		Addr:              cfg.Webhook.BindAddr,
		Handler:           api.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.Webhook.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.Webhook.BindAddr)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("http server error", "error", err)
	}

	// Shutdown order: stop intake, stop claiming schedules, drain the
	// ledger queue (deferred recorder.Close), then close the store.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	scheduler.Stop()
	logger.Info("shutdown complete")
}

func rateWindow(w config.RateWindow) ratelimit.Config {
	return ratelimit.Config{
		MaxRequests: w.MaxRequests,
		Window:      w.Window(),
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
