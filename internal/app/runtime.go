package app

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"syncline/internal/consistency"
	"syncline/internal/gateway"
	"syncline/internal/hub"
	"syncline/internal/metrics"
	"syncline/internal/projector"
	"syncline/internal/server"
	"syncline/internal/simulator"
)

const shutdownTimeout = 5 * time.Second

// Runtime is the fully wired realtime service for one workspace.
type Runtime struct {
	Workspace *Workspace
	Metrics   *metrics.Collector
	Monitor   *consistency.Monitor
	Hub       *hub.Hub
	Gateway   *gateway.Gateway
	Handler   http.Handler
	Simulator *simulator.Simulator
	Projector *projector.Projector
	Webhooks  *server.WebhookDispatcher

	log *slog.Logger
}

// NewRuntime builds every component from the workspace config. Background
// loops are not started until Serve.
func NewRuntime(ws *Workspace, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := ws.Config
	m := metrics.New()
	ws.Engine.Repo.Retry.OnWait = m.ObserveLockWait

	monitor := consistency.New(ws.Engine, m)
	monitor.Logger = logger.With("component", "consistency")

	h := hub.New(ws.Engine, monitor, hub.Options{
		Capacity:         cfg.Realtime.ReplayCapacity,
		SnapshotPageSize: cfg.Realtime.SnapshotPageSize,
		Logger:           logger.With("component", "hub"),
		Metrics:          m,
	})

	auth := server.AuthConfig{JWTSecret: cfg.Auth.JWTSecret, Logger: logger.With("component", "auth")}
	gw := gateway.New(h, gateway.Options{
		HeartbeatInterval: cfg.Realtime.HeartbeatInterval,
		SweepInterval:     cfg.Realtime.SweepInterval,
		SendBuffer:        cfg.Realtime.SendBuffer,
		Logger:            logger.With("component", "gateway"),
		Metrics:           m,
		Authenticate:      auth.TokenValidator(),
	})

	handler, err := server.New(server.Config{
		Engine:   ws.Engine,
		Hub:      h,
		Gateway:  gw,
		Monitor:  monitor,
		Metrics:  m,
		BasePath: cfg.Server.BasePath,
		Auth:     auth,
		Logger:   logger,
	})
	if err != nil {
		gw.Close()
		return nil, err
	}

	rt := &Runtime{
		Workspace: ws,
		Metrics:   m,
		Monitor:   monitor,
		Hub:       h,
		Gateway:   gw,
		Handler:   handler,
		Projector: projector.New(ws.Engine.Repo, ws.Engine, projector.Options{
			Interval: cfg.Projections.Interval,
			Logger:   logger.With("component", "projector"),
			Metrics:  m,
		}),
		Webhooks: server.NewWebhookDispatcher(ws.Engine.Repo, cfg.Webhooks, logger),
		log:      logger,
	}
	if cfg.Simulator.Enabled {
		rt.Simulator = simulator.New(h, ws.Engine, simulator.Options{
			Interval: cfg.Simulator.Interval,
			Logger:   logger.With("component", "simulator"),
		})
	}
	return rt, nil
}

// ListenAndServe listens on addr and serves until ctx is done.
func (rt *Runtime) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return rt.Serve(ctx, ln)
}

// Serve runs the HTTP server and the background loops on ln. When ctx is done
// the server drains, sockets are closed, loops stop and metrics are flushed.
func (rt *Runtime) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	loops := []func(context.Context){rt.Projector.Run, rt.Webhooks.Run}
	if rt.Simulator != nil {
		loops = append(loops, rt.Simulator.Run)
	}
	for _, loop := range loops {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(loop)
	}

	srv := &http.Server{Handler: rt.Handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	rt.log.Info("serving", "addr", ln.Addr().String(), "simulator", rt.Simulator != nil)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	rt.Gateway.Close()
	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		rt.log.Warn("http shutdown", "err", err)
	}
	cancel()
	wg.Wait()
	rt.Metrics.Flush(rt.log)
	rt.log.Info("stopped")

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return nil
}
