package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"conclave/internal/coord"
	"conclave/internal/event"
	"conclave/internal/hub"
	"conclave/internal/logging"
	"conclave/internal/metrics"
	"conclave/internal/router"
	"conclave/internal/server"
	"conclave/internal/store"
	"conclave/internal/supervisor"
)

const shutdownGrace = 10 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "conclaved:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}

	logBuffer := logging.NewLogBuffer(logging.DefaultBufferSize)
	logger := logging.NewLoggerWithOutput(logBuffer, cfg.LogLevel, os.Stderr)
	registry := &metrics.Registry{}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(rootCtx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	coordinator := coord.New(db, coord.Options{Registry: registry})

	connectionBus := event.NewBus[event.ConnectionEvent](rootCtx, event.BusOptions{
		Name:     "connections",
		Registry: registry,
	})
	workflowBus := event.NewBus[event.WorkflowEvent](rootCtx, event.BusOptions{
		Name:     "workflows",
		Registry: registry,
	})
	configBus := event.NewBus[event.ConfigEvent](rootCtx, event.BusOptions{
		Name:     "config",
		Registry: registry,
	})
	controlBus := event.NewBus[event.AgentControlEvent](rootCtx, event.BusOptions{
		Name:     "agent_control",
		Registry: registry,
	})

	connections := hub.NewRegistry(hub.Options{
		Lifecycle:  coordinator,
		Bus:        connectionBus,
		ControlBus: controlBus,
		Metrics:    registry,
		Logger:     logger.With(map[string]string{"component": "hub"}),
	})

	frameRouter := router.New(router.Options{
		Connections: connections,
		Coordinator: coordinator,
		Analyzer:    router.HeuristicAnalyzer{},
		Logger:      logger.With(map[string]string{"component": "router"}),
		Metrics:     registry,
		RateLimit:   cfg.RateLimit,
		RateWindow:  cfg.RateWindow,
	})

	agents := supervisor.NewRegistry()
	runner := supervisor.NewRunner(supervisor.RunnerOptions{
		Reasoner:     defaultReasoner(),
		Agents:       agents,
		Checkpointer: supervisor.NewStoreCheckpointer(db),
		Notifier: &server.RunNotifier{
			Router:      frameRouter,
			Coordinator: coordinator,
			Logger:      logger.With(map[string]string{"component": "notifier"}),
		},
		Bus:           workflowBus,
		Logger:        logger.With(map[string]string{"component": "supervisor"}),
		Metrics:       registry,
		MaxIterations: cfg.MaxIterations,
		AutoApprove:   cfg.AutoApprove,
	})
	runs := supervisor.NewService(runner, logger.With(map[string]string{"component": "runs"}))
	frameRouter.SetOrchestrator(runs)

	srv := server.New(server.Options{
		Registry:       connections,
		Router:         frameRouter,
		Coordinator:    coordinator,
		Runs:           runs,
		Metrics:        registry,
		Logger:         logger.With(map[string]string{"component": "server"}),
		AuthToken:      cfg.AuthToken,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	var reloader *configReloader
	if cfg.ConfigPath != "" {
		reloader, err = newConfigReloader(cfg.ConfigPath, logger, configBus)
		if err != nil {
			logger.Warn("config watch unavailable", map[string]string{
				"path":  cfg.ConfigPath,
				"error": err.Error(),
			})
		}
	}

	listener, err := listenOnPort(cfg.Port)
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", cfg.Port, err)
	}

	httpServer := &http.Server{Handler: srv.Handler()}

	logger.Info("conclaved starting", map[string]string{
		"port": strconv.Itoa(cfg.Port),
		"db":   cfg.DBPath,
		"auth": strconv.FormatBool(cfg.AuthToken != ""),
	})

	httpRunner := &serverRunner{logger: logger, shutdownTimeout: shutdownGrace}
	serveErr := httpRunner.run(rootCtx, managedServer{
		name:     "http",
		serve:    func() error { return httpServer.Serve(listener) },
		shutdown: httpServer.Shutdown,
	})

	shutdown := newShutdownCoordinator(logger)
	shutdown.Add("connections", func(ctx context.Context) error {
		connections.CloseAll(ctx)
		return nil
	})
	shutdown.Add("config watcher", func(context.Context) error {
		if reloader != nil {
			return reloader.Close()
		}
		return nil
	})
	shutdown.Add("event buses", func(context.Context) error {
		connectionBus.Close()
		workflowBus.Close()
		configBus.Close()
		controlBus.Close()
		return nil
	})
	shutdown.Add("store", func(context.Context) error {
		return db.Close()
	})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := shutdown.Run(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", map[string]string{"error": err.Error()})
	}

	logger.Info("conclaved stopped", nil)
	if serveErr != nil && serveErr.err != nil && !errors.Is(serveErr.err, http.ErrServerClosed) {
		return serveErr.err
	}
	return nil
}

// defaultReasoner drives runs when no external reasoning backend is
// attached: every run completes after recording the request. Deployments
// wire a real backend through supervisor.TextReasoner.
func defaultReasoner() supervisor.Reasoner {
	return supervisor.TextReasoner{
		Generate: func(ctx context.Context, input supervisor.DecisionContext) (string, error) {
			return "Action: complete\nReason: no reasoning backend configured", nil
		},
	}
}
