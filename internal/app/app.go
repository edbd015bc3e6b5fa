package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	server "dndemicube/server"
	"dndemicube/server/internal/config"
	servernet "dndemicube/server/internal/net"
	"dndemicube/server/internal/observability"
	"dndemicube/server/internal/session"
	"dndemicube/server/internal/telemetry"
	"dndemicube/server/logging"
	"dndemicube/server/logging/lifecycle"
	loggingSinks "dndemicube/server/logging/sinks"
)

const shutdownTimeout = 5 * time.Second

type Config struct {
	Logger   telemetry.Logger
	Settings config.Config
}

// Run wires the logging router, engine, frame loop, hub and HTTP listener,
// and blocks until ctx is cancelled or the listener fails.
func Run(ctx context.Context, cfg Config) error {
	telemetryLogger := cfg.Logger
	if telemetryLogger == nil {
		telemetryLogger = telemetry.WrapLogger(log.Default())
	}
	fallbackLogger := log.Default()
	if provider, ok := telemetryLogger.(interface{ StandardLogger() *log.Logger }); ok {
		if candidate := provider.StandardLogger(); candidate != nil {
			fallbackLogger = candidate
		}
	}
	settings := cfg.Settings

	router, err := newLogRouter(settings.Logging, fallbackLogger)
	if err != nil {
		return fmt.Errorf("failed to construct logging router: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if cerr := router.Close(closeCtx); cerr != nil {
			telemetryLogger.Printf("failed to close logging router: %v", cerr)
		}
	}()

	engine := session.NewEngine(session.Config{
		FogCellSize:          settings.FogCellSize,
		ChainSpacingFraction: settings.ChainSpacingFraction,
		HandleTolerance:      settings.ResizeHandleTolerance,
		GridSquareFeet:       settings.GridSquareFeet,
		GridScale:            settings.GridScale,
		KeyframeRetention:    settings.KeyframeRetention,
		KeyframeMaxAge:       settings.KeyframeMaxAge,
	}, session.Deps{
		Logger:    telemetryLogger,
		Metrics:   telemetry.WrapMetrics(router.Metrics()),
		Publisher: logging.WithFields(router, map[string]any{"component": "engine"}),
	})

	loop := session.NewLoop(engine, session.LoopConfig{
		FrameRate:       settings.FrameRate,
		CommandCapacity: settings.CommandCapacity,
		PerActorLimit:   settings.PerActorLimit,
		WarningStep:     settings.CommandCapacity / 4,
	}, session.LoopHooks{})

	hub := server.NewHub(loop, session.LoopHooks{
		OnQueueWarning: func(length int) {
			telemetryLogger.Printf("[backpressure] command queue length=%d", length)
		},
	}, server.Config{
		KeyframeInterval:  settings.KeyframeInterval,
		KeyframeRateLimit: settings.KeyframeRateLimit,
		DebugTelemetry:    settings.DebugTelemetry,
	}, server.Deps{
		Logger:    telemetryLogger,
		Publisher: logging.WithFields(router, map[string]any{"component": "hub"}),
	})

	handler := servernet.NewHTTPHandler(hub, servernet.HTTPHandlerConfig{
		ClientDir: settings.ClientDir,
		Logger:    fallbackLogger,
		FrameRate: settings.FrameRate,
		Observability: observability.Config{
			EnablePprofTrace: settings.EnablePprofTrace,
		},
	})

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(runCtx)
	}()

	srv := &http.Server{Addr: settings.Addr, Handler: handler}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()
	telemetryLogger.Printf("server listening on %s", srv.Addr)
	lifecycle.ServerStarted(ctx, router, lifecycle.ServerStartedPayload{Addr: srv.Addr, FrameRate: settings.FrameRate})

	var runErr error
	reason := "context_cancelled"
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("server failed: %w", err)
			reason = "listener_failed"
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		telemetryLogger.Printf("http shutdown: %v", err)
	}
	stop()
	<-hubDone
	engine.WaitMerges()
	hub.Close()
	lifecycle.ServerStopped(context.Background(), router, lifecycle.ServerStoppedPayload{Reason: reason})
	return runErr
}

func newLogRouter(cfg config.Logging, fallback *log.Logger) (*logging.Router, error) {
	logConfig := logging.DefaultConfig()
	if len(cfg.Sinks) > 0 {
		logConfig.EnabledSinks = cfg.Sinks
	}
	logConfig.MinimumSeverity = logging.ParseSeverity(cfg.Level)
	logConfig.Console.Prefix = cfg.Prefix
	logConfig.JSON.FilePath = cfg.JSONPath

	sinks := map[string]logging.Sink{
		"console": loggingSinks.NewConsole(os.Stdout, logConfig.Console),
	}
	if logConfig.HasSink("json") {
		var out io.Writer = struct{ io.Writer }{os.Stdout}
		if cfg.JSONPath != "" {
			file, err := os.OpenFile(cfg.JSONPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				return nil, fmt.Errorf("open json log %s: %w", cfg.JSONPath, err)
			}
			out = file
		}
		sinks["json"] = loggingSinks.NewJSON(out, logConfig.JSON.FlushInterval)
	}
	return logging.NewRouter(logConfig, logging.SystemClock{}, fallback, sinks)
}
