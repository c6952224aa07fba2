// Command veranda is the main entry point for the Veranda voice relay.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/veranda-ai/veranda/internal/aisession"
	"github.com/veranda-ai/veranda/internal/config"
	"github.com/veranda-ai/veranda/internal/guest"
	"github.com/veranda-ai/veranda/internal/health"
	"github.com/veranda-ai/veranda/internal/observe"
	"github.com/veranda-ai/veranda/internal/relay"
	"github.com/veranda-ai/veranda/internal/telephony"
	"github.com/veranda-ai/veranda/pkg/audio"
)

// version is stamped at build time via -ldflags.
var version = "dev"

const (
	defaultListenAddr   = ":8080"
	defaultTelRate      = 16000
	defaultTelChannels  = 1
	defaultAIRate       = 24000
	shutdownGracePeriod = 15 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "veranda: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "veranda: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	listenAddr := cfg.Server.ListenAddr
	if listenAddr == "" {
		listenAddr = defaultListenAddr
	}

	slog.Info("veranda starting",
		"version", version,
		"config", *configPath,
		"listen_addr", listenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "veranda",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Guest context store (optional) ────────────────────────────────────────
	var (
		lookup   guest.ContextLookup = &guest.StaticLookup{}
		pool     *pgxpool.Pool
		checkers []health.Checker
	)
	if dsn := cfg.Database.PostgresDSN; dsn != "" {
		pool, err = pgxpool.New(ctx, dsn)
		if err != nil {
			slog.Error("failed to create postgres pool", "err", err)
			return 1
		}
		defer pool.Close()

		pg := guest.NewPostgresLookup(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("failed to migrate guest schema", "err", err)
			return 1
		}
		lookup = pg
		checkers = append(checkers, health.Checker{Name: "database", Check: pool.Ping})
		slog.Info("guest context store connected")
	} else {
		slog.Warn("running without a guest context store; callers get a generic concierge")
	}

	// ── Relay wiring ──────────────────────────────────────────────────────────
	telCodec := audio.CodecConfig{
		SampleRate: cfg.Telephony.SampleRate,
		Channels:   cfg.Telephony.Channels,
	}
	if telCodec.SampleRate == 0 {
		telCodec.SampleRate = defaultTelRate
	}
	if telCodec.Channels == 0 {
		telCodec.Channels = defaultTelChannels
	}
	aiRate := cfg.AI.SampleRate
	if aiRate == 0 {
		aiRate = defaultAIRate
	}

	var controlOpts []telephony.ControlOption
	if cfg.Telephony.BaseURL != "" {
		controlOpts = append(controlOpts, telephony.WithControlBaseURL(cfg.Telephony.BaseURL))
	}
	if cfg.Telephony.Voice != "" {
		controlOpts = append(controlOpts, telephony.WithVoice(cfg.Telephony.Voice))
	}
	control := telephony.NewControlClient(cfg.Telephony.APIKey, controlOpts...)
	checkers = append(checkers, health.Checker{Name: "telephony", Check: control.Ping})

	registry := relay.NewRegistry()
	policy := relay.NewPolicy(control, relay.PolicyConfig{
		MaxAttempts:     cfg.Relay.MaxReconnectAttempts,
		Backoff:         cfg.Relay.ReconnectBackoff,
		MaxBackoff:      cfg.Relay.MaxReconnectBackoff,
		FallbackMessage: cfg.Relay.FallbackMessage,
	})
	forwarder := relay.NewForwarder(registry, policy, relay.ForwarderConfig{
		AISampleRate: aiRate,
		PollInterval: cfg.Relay.PollInterval,
	})
	server := relay.NewServer(relay.ServerConfig{
		Registry:  registry,
		Forwarder: forwarder,
		Lookup:    lookup,
		NewAIClient: func(pc guest.PropertyContext) relay.AIClient {
			return aisession.New(aisession.Config{
				APIKey:         cfg.AI.APIKey,
				Model:          cfg.AI.Model,
				BaseURL:        cfg.AI.BaseURL,
				Voice:          cfg.AI.Voice,
				Instructions:   pc.Instructions(),
				ConnectTimeout: cfg.AI.ConnectTimeout,
			})
		},
		Codec:         telCodec,
		LookupTimeout: cfg.Relay.LookupTimeout,
		MinFrameBytes: cfg.Telephony.MinFrameBytes,
	})
	supervisor := relay.NewSupervisor(registry, relay.SupervisorConfig{
		SweepInterval:     cfg.Relay.SweepInterval,
		InactivityTimeout: cfg.Relay.InactivityTimeout,
	})

	// ── HTTP routes ───────────────────────────────────────────────────────────
	// The stream route bypasses the observability middleware because the
	// WebSocket upgrade needs to hijack the connection.
	ops := http.NewServeMux()
	ops.Handle("GET /metrics", promhttp.Handler())
	health.New(registry.Len, checkers...).Register(ops)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /stream", server.HandleStream)
	mux.Handle("/", observe.Middleware(observe.DefaultMetrics())(ops))

	httpServer := &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	printStartupSummary(cfg, listenAddr, telCodec, aiRate)

	// ── Serve ─────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if cfg.Server.TLS != nil {
			err = httpServer.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = httpServer.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		supervisor.Run(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	registry.RemoveAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}

	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, listenAddr string, telCodec audio.CodecConfig, aiRate int) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Veranda — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printField("Listen addr", listenAddr)
	printField("AI model", cfg.AI.Model)
	printField("AI voice", cfg.AI.Voice)
	printField("Telephony", fmt.Sprintf("opus %d Hz / %dch", telCodec.SampleRate, telCodec.Channels))
	printField("AI audio", fmt.Sprintf("pcm16 %d Hz", aiRate))
	if cfg.Database.PostgresDSN != "" {
		printField("Guest store", "postgres")
	} else {
		printField("Guest store", "(disabled)")
	}
	if cfg.Server.TLS != nil {
		printField("TLS", "enabled")
	} else {
		printField("TLS", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printField(name, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", name, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
