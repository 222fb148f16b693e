package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/sebas/crmphone/internal/activity"
	"github.com/sebas/crmphone/internal/banner"
	"github.com/sebas/crmphone/internal/logger"
	"github.com/sebas/crmphone/internal/phone/api"
	"github.com/sebas/crmphone/internal/phone/config"
	"github.com/sebas/crmphone/internal/phone/controller"
	"github.com/sebas/crmphone/internal/phone/events"
	"github.com/sebas/crmphone/internal/phone/transport"
	"github.com/sebas/crmphone/internal/phone/transport/siptransport"
	"github.com/sebas/crmphone/internal/phone/transport/voicesdk"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}

	// Initialize logger
	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(2)
	}

	if err := run(cfg); err != nil {
		slog.Error("Phone daemon failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TokenServerGRPC != "" {
		if err := probeTokenServer(ctx, cfg.TokenServerGRPC); err != nil {
			// The HTTP issuer retries on its own; a failed probe is only a warning.
			slog.Warn("Token server health probe failed", "addr", cfg.TokenServerGRPC, "error", err)
		}
	}

	tr, err := newTransport(cfg)
	if err != nil {
		return err
	}

	bus := events.NewBus(events.NewLoggingPublisher(slog.Default()))
	defer bus.Close()

	ctrl, err := controller.New(cfg.ToControllerConfig(), tr, controller.WithBus(bus))
	if err != nil {
		_ = tr.Close()
		return err
	}

	history := activity.NewHistory(activity.DefaultHistorySize)
	activities, closeSinks, err := newActivityLogger(ctx, cfg, history)
	if err != nil {
		_ = ctrl.Stop(context.Background())
		return err
	}
	defer closeSinks()
	activities.Subscribe(context.Background(), bus)

	apiServer := api.NewServer(cfg.APIAddr, ctrl, api.WithHistory(history))
	if err := apiServer.Start(); err != nil {
		_ = ctrl.Stop(context.Background())
		return err
	}

	banner.Print(os.Stdout, "PHONE DAEMON", []banner.ConfigLine{
		{Label: "Transport", Value: string(cfg.Kind())},
		{Label: "Endpoint", Value: cfg.Endpoint()},
		{Label: "Identity", Value: cfg.ToControllerConfig().Identity},
		{Label: "Token server", Value: cfg.TokenURL},
		{Label: "Control API", Value: "http://" + cfg.APIAddr + "/api/v1"},
		{Label: "Log level", Value: logger.GetLevel()},
	})

	if err := ctrl.Start(ctx); err != nil {
		// Reconnects are driven by the transport; a failed first attempt
		// leaves the daemon up so the CRM can see the disconnected state.
		slog.Error("Controller start failed", "error", err)
	}

	<-ctx.Done()
	slog.Info("Received signal, shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		slog.Warn("Control API shutdown", "error", err)
	}
	if err := ctrl.Stop(shutdownCtx); err != nil {
		slog.Warn("Controller shutdown", "error", err)
	}
	// Closing the bus drains terminal events emitted by Stop into the sinks.
	_ = bus.Close()
	activities.Wait()
	return nil
}

func newTransport(cfg *config.Config) (transport.Transport, error) {
	switch cfg.Kind() {
	case transport.KindSIP:
		return siptransport.New(cfg.SIP())
	case transport.KindVoiceSDK:
		return voicesdk.New(cfg.VoiceSDK())
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// newActivityLogger always logs to slog and history, and adds the Postgres
// and Redis sinks that are configured. The returned func releases their
// clients.
func newActivityLogger(ctx context.Context, cfg *config.Config, history *activity.History) (*activity.Logger, func(), error) {
	sinks := []activity.Sink{activity.NewLogSink(nil), history}
	var closers []func()
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	if cfg.DatabaseURL != "" {
		pool, err := activity.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, closeAll, err
		}
		closers = append(closers, pool.Close)
		store := activity.NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			closeAll()
			return nil, func() {}, err
		}
		sinks = append(sinks, store)
		slog.Info("Activity store ready", "sink", "postgres")
	}

	if cfg.RedisAddr != "" {
		rdb, err := activity.OpenRedis(ctx, cfg.RedisAddr)
		if err != nil {
			closeAll()
			return nil, func() {}, err
		}
		closers = append(closers, func() { _ = rdb.Close() })
		sinks = append(sinks, activity.NewRedisStream(rdb, cfg.ActivityStream, 0))
		slog.Info("Activity stream ready", "sink", "redis", "stream", cfg.ActivityStream)
	}

	return activity.NewLogger(sinks...), closeAll, nil
}

// probeTokenServer asks the token server's gRPC health service whether it
// is serving.
func probeTokenServer(ctx context.Context, addr string) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("token server status %s", resp.GetStatus())
	}
	slog.Info("Token server healthy", "addr", addr)
	return nil
}
