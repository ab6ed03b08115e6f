package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vango-go/civic-voice/internal/dotenv"
	"github.com/vango-go/civic-voice/pkg/gateway/config"
	"github.com/vango-go/civic-voice/pkg/gateway/events"
	"github.com/vango-go/civic-voice/pkg/gateway/handlers"
	"github.com/vango-go/civic-voice/pkg/gateway/journal"
	"github.com/vango-go/civic-voice/pkg/gateway/metrics"
	"github.com/vango-go/civic-voice/pkg/gateway/presence"
	gatewayserver "github.com/vango-go/civic-voice/pkg/gateway/server"
	"github.com/vango-go/civic-voice/pkg/gateway/telemetry"
)

const serviceName = "civic-voice-gateway"

type gatewayDeps struct {
	loadConfig   func() (config.Config, error)
	openBackends func(context.Context, config.Config, *slog.Logger) (gatewayserver.Dependencies, func(), error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultGatewayDeps() gatewayDeps {
	return gatewayDeps{
		loadConfig:   config.Load,
		openBackends: openBackends,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

// openBackends connects every optional backend the configuration names.
// The returned cleanup releases them in reverse order.
func openBackends(ctx context.Context, cfg config.Config, logger *slog.Logger) (gatewayserver.Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (gatewayserver.Dependencies, func(), error) {
		cleanup()
		return gatewayserver.Dependencies{}, nil, err
	}

	deps := gatewayserver.Dependencies{
		Metrics:         metrics.New("civic_voice"),
		SynthSampleRate: gatewayserver.SynthSampleRate,
	}

	verifier, err := gatewayserver.NewVerifier(cfg)
	if err != nil {
		return fail(err)
	}
	deps.Verifier = verifier

	if cfg.OTLPEndpoint != "" {
		tp, err := telemetry.NewTracerProvider(ctx, cfg.OTLPEndpoint, serviceName)
		if err != nil {
			return fail(fmt.Errorf("tracing: %w", err))
		}
		closers = append(closers, func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(sctx); err != nil {
				logger.Warn("tracer shutdown failed", "error", err)
			}
		})
		deps.Tracer = telemetry.Tracer(tp)
	} else {
		deps.Tracer = telemetry.Tracer(nil)
	}

	if cfg.DatabaseURL != "" {
		pg, err := journal.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, pg.Close)
		deps.Journal = pg
		deps.ReadyChecks = append(deps.ReadyChecks, handlers.ReadyCheck{Name: "postgres", Probe: pg.Ping})
	} else {
		deps.Journal = journal.Nop{}
	}

	if cfg.RedisURL != "" {
		reg, err := presence.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() { _ = reg.Close() })
		deps.Presence = reg
		deps.ReadyChecks = append(deps.ReadyChecks, handlers.ReadyCheck{Name: "redis", Probe: reg.Ping})
	} else {
		deps.Presence = presence.NewLocal(presence.DefaultTTL)
	}

	if cfg.NATSURL != "" {
		nc, err := events.ConnectNATS(cfg.NATSURL, logger)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, nc.Close)
		deps.Events = nc
		deps.ReadyChecks = append(deps.ReadyChecks, handlers.ReadyCheck{Name: "nats", Probe: func(context.Context) error {
			if !nc.Healthy() {
				return errors.New("not connected")
			}
			return nil
		}})
	} else {
		deps.Events = events.Nop{}
	}

	hc := &http.Client{Timeout: cfg.IngestTimeout + cfg.SynthTimeout}
	deps.Pipeline = gatewayserver.NewPipeline(cfg, hc, deps.Tracer, deps.Metrics)
	agent, err := gatewayserver.NewAgent(ctx, cfg, nil)
	if err != nil {
		return fail(err)
	}
	deps.Agent = agent

	return deps, cleanup, nil
}

func runGateway(ctx context.Context, logger *slog.Logger, level *slog.LevelVar, deps gatewayDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.openBackends == nil {
		return errors.New("missing openBackends dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if level != nil {
		level.Set(parseLevel(cfg.LogLevel))
	}

	backends, cleanup, err := deps.openBackends(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open backends: %w", err)
	}
	defer cleanup()

	gw := gatewayserver.New(cfg, logger, backends)
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	agentName := "ack"
	if backends.Agent != nil {
		agentName = backends.Agent.Name()
	}
	logger.Info("starting gateway",
		"addr", cfg.Addr,
		"voice_path", cfg.VoicePath,
		"agent", agentName,
		"providers", cfg.ProvidersConfigured(),
	)

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			// Listener failed or the parent context ended.
		case sig := <-sigCh:
			logger.Info("shutdown signal received", "signal", sig.String())
		}
		return shutdown(logger, cfg, gw, httpSrv)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	logger.Info("gateway stopped")
	return nil
}

// shutdown drains first so load balancers stop routing, then gives live
// sessions the grace period before cancelling them.
func shutdown(logger *slog.Logger, cfg config.Config, gw *gatewayserver.Server, httpSrv *http.Server) error {
	gw.SetDraining()
	if n := gw.NotifySessionsDraining(); n > 0 {
		logger.Info("notified live sessions of drain", "count", n)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()
	err := httpSrv.Shutdown(shutdownCtx)

	if !gw.WaitSessions(shutdownCtx) {
		gw.CancelSessions()
		waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
		gw.WaitSessions(waitCtx)
		waitCancel()
	}
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runMain(ctx context.Context, stderr io.Writer, deps gatewayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	if err := dotenv.Load(".env.local", ".env"); err != nil {
		fmt.Fprintf(stderr, "voice-gateway: %v\n", err)
		return 1
	}

	if err := runGateway(ctx, logger, level, deps); err != nil {
		fmt.Fprintf(stderr, "voice-gateway: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultGatewayDeps()))
}
