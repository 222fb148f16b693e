package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/sebas/crmphone/internal/banner"
	"github.com/sebas/crmphone/internal/logger"
	"github.com/sebas/crmphone/internal/tokenserver"
	"github.com/sebas/crmphone/internal/tokenserver/config"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(2)
	}

	issuer, err := tokenserver.NewIssuer(cfg.AccountSID, cfg.APIKeySID, cfg.APIKeySecret, cfg.TwimlAppSID, cfg.TokenTTL)
	if err != nil {
		slog.Error("Failed to create token issuer", "error", err)
		os.Exit(1)
	}

	hs := health.NewServer()

	// gRPC health service, probed by the phone daemon at startup
	var grpcServer *grpc.Server
	if cfg.GRPCPort > 0 {
		grpcServer = grpc.NewServer()
		healthpb.RegisterHealthServer(grpcServer, hs)

		listenAddr := net.JoinHostPort(cfg.BindAddr, strconv.Itoa(cfg.GRPCPort))
		listener, err := net.Listen("tcp", listenAddr)
		if err != nil {
			slog.Error("Failed to listen", "address", listenAddr, "error", err)
			os.Exit(1)
		}
		slog.Info("gRPC health service listening", "address", listenAddr)
		go func() {
			if err := grpcServer.Serve(listener); err != nil {
				slog.Error("gRPC server error", "error", err)
			}
		}()
	}

	httpAddr := net.JoinHostPort(cfg.BindAddr, strconv.Itoa(cfg.Port))
	httpServer := &http.Server{
		Addr: httpAddr,
		Handler: tokenserver.NewServer(issuer, hs, tokenserver.Options{
			AccountSID:     cfg.AccountSID,
			TwimlAppSID:    cfg.TwimlAppSID,
			PhoneNumber:    cfg.PhoneNumber,
			AllowedOrigins: cfg.AllowedOrigins,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	banner.Print(os.Stdout, "TOKEN SERVER", []banner.ConfigLine{
		{Label: "HTTP", Value: "http://" + httpAddr},
		{Label: "gRPC health", Value: grpcLabel(cfg)},
		{Label: "Account SID", Value: banner.Mask(cfg.AccountSID)},
		{Label: "API key SID", Value: banner.Mask(cfg.APIKeySID)},
		{Label: "Phone number", Value: cfg.PhoneNumber},
		{Label: "Token TTL", Value: cfg.TokenTTL.String()},
		{Label: "CORS origins", Value: strings.Join(cfg.AllowedOrigins, ", ")},
	})

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Received signal, shutting down", "signal", sig)

	// Report NOT_SERVING while draining
	hs.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Warn("HTTP shutdown", "error", err)
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	slog.Info("Token server stopped")
}

func grpcLabel(cfg *config.Config) string {
	if cfg.GRPCPort <= 0 {
		return "disabled"
	}
	return fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.GRPCPort)
}
