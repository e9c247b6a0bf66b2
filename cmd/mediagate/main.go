package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"mediagate/internal/agent"
	"mediagate/internal/capture"
	"mediagate/internal/config"
	"mediagate/internal/control"
	"mediagate/internal/controlplane"
	"mediagate/internal/gateway"
	"mediagate/internal/gatewayerr"
	"mediagate/internal/policy"
	"mediagate/internal/snapshot"
	"mediagate/internal/storage"
	"mediagate/internal/store"
	"mediagate/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "configs/mediagate.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fail("config", err)
	}

	logLevel := slog.LevelInfo
	if cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}
	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	slog.SetDefault(slog.New(handler))

	slog.Info("starting mediagate",
		"version", agent.AgentVersion,
		"listen", cfg.Listen,
		"control_listen", cfg.ControlListen,
	)

	s, err := store.New(store.Config{
		Addr:      cfg.Redis.RedisAddr(),
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		KeyPrefix: cfg.Redis.KeyPrefix,
	})
	if err != nil {
		fail("store", err)
	}
	slog.Info("store connected", "addr", cfg.Redis.RedisAddr())

	snapshots := snapshot.New()
	engine := policy.NewEngine(s, snapshots)
	engine.SetAuditMode(cfg.Policy.Mode == "audit")
	slog.Info("policy engine ready", "mode", cfg.Policy.Mode)

	var ledger *storage.Store
	if cfg.Storage.Enabled {
		if dir := filepath.Dir(cfg.Storage.Path); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				fail("storage", err)
			}
		}
		ledger, err = storage.Open(cfg.Storage.Path)
		if err != nil {
			fail("storage", err)
		}
		slog.Info("denial ledger enabled", "path", cfg.Storage.Path)
	}

	var tp *telemetry.Provider
	if cfg.Telemetry.Enabled {
		tp, err = telemetry.NewProvider(telemetry.Config{
			Enabled:     cfg.Telemetry.Enabled,
			Exporter:    cfg.Telemetry.Exporter,
			Endpoint:    cfg.Telemetry.Endpoint,
			ServiceName: cfg.Telemetry.ServiceName,
			Insecure:    cfg.Telemetry.Insecure,
		})
		if err != nil {
			slog.Warn("telemetry initialization failed, continuing without tracing", "error", err)
			tp = nil
		} else {
			slog.Info("telemetry enabled", "exporter", cfg.Telemetry.Exporter)
		}
	}
	if tp == nil {
		tp = telemetry.NoopProvider()
	}

	captures := capture.NewBuffer()
	access := telemetry.NewBuffer(0)

	controlClient, err := controlplane.New(controlplane.Config{
		BaseURL:   strings.TrimRight(cfg.ControlPlane.BaseURL, "/") + "/api/v1/media-slave",
		AppToken:  cfg.ControlPlane.AppToken,
		UserAgent: cfg.ControlPlane.UserAgent,
	})
	if err != nil {
		fail("controlplane", err)
	}

	bg := agent.New(agent.Config{
		ConfigPullInterval:       cfg.Intervals.ConfigPull,
		TelemetryFlushInterval:   cfg.Intervals.TelemetryFlush,
		QuotaSyncInterval:        cfg.Intervals.QuotaSync,
		HeartbeatInterval:        cfg.Intervals.Heartbeat,
		SessionHeartbeatInterval: cfg.Intervals.SessionHeartbeat,
		TokenResolveInterval:     cfg.Intervals.TokenResolve,
		EmbyServerURL:            cfg.Upstream.EmbyServerURL,
		EmbyAPIKey:               cfg.Upstream.EmbyAPIKey,
	}, s, snapshots, controlClient, access, ledger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bg.Run(ctx)

	gw := gateway.New(s, snapshots, engine, access, captures, ledger, tp)

	controlHandler := control.New(s, snapshots, engine, access, ledger, control.Config{
		AuthEnabled: cfg.ControlAuth.Enabled,
		APIKey:      cfg.ControlAuth.APIKey,
	})

	gatewayMux := http.NewServeMux()
	gatewayMux.HandleFunc("/health", gateway.HealthHandler)
	gatewayMux.Handle("/", gw)

	gatewayServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      gatewayMux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses must not be cut off
		IdleTimeout:  120 * time.Second,
	}

	var controlServer *http.Server
	if cfg.ControlListen != "" {
		controlServer = &http.Server{
			Addr:         cfg.ControlListen,
			Handler:      controlHandler,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
	}

	errChan := make(chan error, 2)

	go func() {
		slog.Info("gateway server starting", "addr", cfg.Listen)
		if err := gatewayServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("gateway server error: %w", err)
		}
	}()

	if controlServer != nil {
		go func() {
			slog.Info("control server starting", "addr", cfg.ControlListen)
			if err := controlServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("control server error: %w", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("server error", "error", err)
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	}

	slog.Info("shutting down")
	cancel() // stop the background agent's loops

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := gatewayServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("gateway server shutdown error", "error", err)
	}
	if controlServer != nil {
		if err := controlServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("control server shutdown error", "error", err)
		}
	}
	if err := s.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}
	if ledger != nil {
		if err := ledger.Close(); err != nil {
			slog.Error("denial ledger close error", "error", err)
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		slog.Error("telemetry shutdown error", "error", err)
	}

	slog.Info("mediagate stopped")
}

// fail logs a startup failure as a gatewayerr.FatalBootstrap and exits.
// Every other error path in this process degrades or retries; only
// bootstrap failures are fatal, so this is the one place main decides that.
func fail(component string, err error) {
	bootErr := &gatewayerr.FatalBootstrap{Component: component, Err: err}
	slog.Error(bootErr.Error())
	os.Exit(1)
}
