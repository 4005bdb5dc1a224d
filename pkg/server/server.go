// Package server provides the public entry point for initializing the
// Runehost runtime server.
//
// This package exists in pkg/ (not internal/) so that embedders can
// compose the runtime with their own middleware and lifecycle:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/runehost/runehost/internal/agents"
	"github.com/runehost/runehost/internal/api"
	"github.com/runehost/runehost/internal/config"
	"github.com/runehost/runehost/internal/events"
	"github.com/runehost/runehost/internal/kernel"
	"github.com/runehost/runehost/internal/runtime"
	"github.com/runehost/runehost/internal/signals"
	"github.com/runehost/runehost/internal/storage"
	"github.com/runehost/runehost/internal/telemetry"
	"github.com/runehost/runehost/pkg/models"
)

// Server holds the initialized Runehost runtime.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Backend is the storage backend shared by all tenants.
	Backend storage.Backend

	// Bus is the process-wide event bus.
	Bus *events.Bus

	// Signals owns SIGHUP/SIGUSR1 handling; started by Start.
	Signals *signals.Handler

	// Kernel is the optional TCP execution kernel listener. Nil when
	// RUNEHOST_KERNEL_ADDR is unset.
	Kernel *kernel.TCPListener

	// Config is the loaded runtime configuration.
	Config *config.Config

	// Port is the port the HTTP server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush
	// telemetry and stop background workers.
	ShutdownFunc func(context.Context) error

	stop chan struct{}
}

// New initializes all runtime components from the environment and
// returns a ready Server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the runtime with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	// Telemetry first so everything below traces.
	telemetryShutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	rt := runtime.Init(cfg.Runtime.WorkerThreads)
	log.Info().Int("workers", rt.Metrics().Workers).Msg("✅ Runtime initialized")

	backend, err := newBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := backend.Migrate(ctx); err != nil {
		backend.Close()
		return nil, fmt.Errorf("migrate storage: %w", err)
	}
	log.Info().Str("backend", backend.Type()).Msg("✅ Storage backend initialized")

	var persist events.Persister
	if cfg.EventBus.PersistEvents {
		persist = events.NewStorageAdapter(backend)
	}
	bus := events.NewBus(cfg.EventBus, persist)
	log.Info().
		Float64("max_rate", cfg.EventBus.MaxRate).
		Bool("persist", cfg.EventBus.PersistEvents).
		Msg("✅ Event bus initialized")

	// The tracker sees every published event so timeline queries work
	// without explicit tracking calls.
	tracker := events.NewTracker()
	sub := bus.Subscribe("**")
	go func() {
		for event := range sub.C {
			tracker.TrackEvent(event)
		}
	}()

	registry := agents.NewRegistry(true)
	delegator := agents.NewDelegator("delegator", registry, agents.Options{
		Strategy: models.StrategyFirstMatch,
	})
	log.Info().Msg("✅ Agent registry initialized")

	sig := signals.NewHandler(cfg.Signals, cfg.Kernel, cfg.Version)
	sig.SetProviders(func() interface{} { return bus.Metrics() }, nil)

	var kernelListener *kernel.TCPListener
	if cfg.Kernel.ListenAddr != "" {
		kernelListener, err = kernel.ListenTCP(cfg.Kernel.ListenAddr)
		if err != nil {
			backend.Close()
			return nil, fmt.Errorf("kernel listen: %w", err)
		}
		log.Info().Str("addr", kernelListener.Addr()).Msg("✅ Kernel listener started")
	}

	h := api.New(cfg, backend, bus, tracker, registry, delegator, sig)
	router := api.NewRouter(cfg, h)

	stop := make(chan struct{})
	srv := &Server{
		Handler: router,
		Backend: backend,
		Bus:     bus,
		Signals: sig,
		Kernel:  kernelListener,
		Config:  cfg,
		Port:    cfg.Port,
		stop:    stop,
	}
	srv.ShutdownFunc = func(ctx context.Context) error {
		close(stop)
		h.Close()
		sub.Close()
		if kernelListener != nil {
			kernelListener.Close()
		}
		if err := runtime.ShutdownGlobal(ctx); err != nil {
			log.Warn().Err(err).Msg("Runtime shutdown incomplete")
		}
		backend.Close()
		return telemetryShutdown(ctx)
	}
	return srv, nil
}

// Start launches the signal handler and, when configured, the kernel
// accept loop. It returns immediately.
func (s *Server) Start(ctx context.Context) {
	s.Signals.Start(s.stop)
	if s.Kernel != nil {
		go s.serveKernel(ctx)
	}
}

// serveKernel accepts kernel clients and serves each on its own
// goroutine until the listener closes.
func (s *Server) serveKernel(ctx context.Context) {
	server := kernel.NewServer(kernel.ExprExecutor())
	for {
		t, err := s.Kernel.Accept()
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
			}
			log.Warn().Err(err).Msg("Kernel accept failed")
			return
		}
		go func() {
			defer t.Close()
			if err := server.Serve(ctx, t); err != nil {
				log.Warn().Err(err).Str("client", t.Addr()).Msg("Kernel session ended with error")
			}
		}()
	}
}

func newBackend(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	switch cfg.Storage.BackendType {
	case "postgres":
		return storage.NewPostgres(ctx, cfg.Storage.DatabaseURL)
	case "memory", "":
		return storage.NewMemory(cfg.Storage.DataDir), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %q", cfg.Storage.BackendType)
	}
}
