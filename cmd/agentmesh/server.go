package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/blackboard"
	"github.com/agentmesh/agentmesh/collab"
	"github.com/agentmesh/agentmesh/config"
	"github.com/agentmesh/agentmesh/event"
	"github.com/agentmesh/agentmesh/internal/metrics"
	"github.com/agentmesh/agentmesh/internal/telemetry"
	"github.com/agentmesh/agentmesh/messaging"
	"github.com/agentmesh/agentmesh/queue"
	"github.com/agentmesh/agentmesh/registry"
	"github.com/agentmesh/agentmesh/routing"
	"github.com/agentmesh/agentmesh/sweep"
	"github.com/agentmesh/agentmesh/workload"
)

// Server wires every subsystem together and fronts them with the read-only
// HTTP API.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	otel   *telemetry.Providers

	bus       *event.Bus
	registry  *registry.Registry
	engine    *routing.Engine
	manager   *queue.Manager
	tracker   *workload.Tracker
	board     *blackboard.Board
	messenger *messaging.Messenger
	orch      *collab.Orchestrator
	sweeper   *sweep.Sweeper
	collector *metrics.Collector

	taskStore      queue.TaskStore
	workloadStore  workload.Store
	boardStore     blackboard.Store
	messagingStore messaging.Store

	httpServer *http.Server
}

// NewServer creates an unstarted server.
func NewServer(cfg *config.Config, logger *zap.Logger, otelProviders *telemetry.Providers) *Server {
	return &Server{cfg: cfg, logger: logger, otel: otelProviders}
}

// Start builds the stores, wires the subsystems and projectors, starts the
// sweep loops and the HTTP listener.
func (s *Server) Start() error {
	if err := s.initStores(); err != nil {
		return fmt.Errorf("failed to init stores: %w", err)
	}

	s.collector = metrics.NewCollector("agentmesh", s.logger)
	s.bus = event.NewBus(s.logger)
	s.registry = registry.New(s.logger)

	s.tracker = workload.NewTracker(s.workloadStore, s.bus, s.cfg.Workload, s.logger)
	s.engine = routing.NewEngine(s.registry, s.tracker, s.logger)
	s.manager = queue.NewManager(s.taskStore, s.bus, s.cfg.Queue, s.logger)
	s.board = blackboard.NewBoard(s.boardStore, s.logger)
	s.messenger = messaging.NewMessenger(s.messagingStore, s.cfg.Messaging, s.logger)

	provider := collab.NewHTTPProvider(s.registry, nil, s.logger)
	s.orch = collab.NewOrchestrator(provider, s.registry, s.bus, s.cfg.Collab, s.logger)

	// Projectors run synchronously off the event bus.
	s.tracker.SubscribeOutcomes(s.bus)
	s.engine.SubscribeOutcomes(s.bus)
	s.collector.Subscribe(s.bus)

	s.startSweeper()

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	s.logger.Info("all components started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.String("store_backend", s.cfg.Store.Backend),
	)
	return nil
}

func (s *Server) initStores() error {
	if s.cfg.Store.Backend == "memory" {
		s.taskStore = queue.NewMemoryTaskStore()
		s.workloadStore = workload.NewMemoryStore()
		s.boardStore = blackboard.NewMemoryStore()
		s.messagingStore = messaging.NewMemoryStore()
		return nil
	}

	rc := s.cfg.Store.Redis
	taskStore, err := queue.NewRedisTaskStore(queue.RedisTaskStoreConfig{
		Addr: rc.Addr, Password: rc.Password, DB: rc.DB, PoolSize: rc.PoolSize, KeyPrefix: rc.KeyPrefix,
	})
	if err != nil {
		return err
	}
	workloadStore, err := workload.NewRedisStore(workload.RedisStoreConfig{
		Addr: rc.Addr, Password: rc.Password, DB: rc.DB, PoolSize: rc.PoolSize, KeyPrefix: rc.KeyPrefix,
	})
	if err != nil {
		return err
	}
	boardStore, err := blackboard.NewRedisStore(blackboard.RedisStoreConfig{
		Addr: rc.Addr, Password: rc.Password, DB: rc.DB, PoolSize: rc.PoolSize, KeyPrefix: rc.KeyPrefix,
	})
	if err != nil {
		return err
	}
	messagingStore, err := messaging.NewRedisStore(messaging.RedisStoreConfig{
		Addr: rc.Addr, Password: rc.Password, DB: rc.DB, PoolSize: rc.PoolSize, KeyPrefix: rc.KeyPrefix,
	})
	if err != nil {
		return err
	}

	s.taskStore = taskStore
	s.workloadStore = workloadStore
	s.boardStore = boardStore
	s.messagingStore = messagingStore
	return nil
}

func (s *Server) startSweeper() {
	sc := s.cfg.Sweep
	s.sweeper = sweep.NewSweeper(s.logger)
	s.sweeper.Register(s.instrument(sweep.LeaseExpiryJob(s.manager, sc.LeaseInterval)))
	s.sweeper.Register(s.instrument(sweep.BlackboardTTLJob(s.board, sc.BlackboardInterval)))
	s.sweeper.Register(s.instrument(sweep.ReputationDecayJob(s.tracker, sc.DecayInterval)))
	s.sweeper.Register(s.instrument(sweep.MessageTimeoutJob(s.messenger, sc.MessageTimeoutInterval)))
	s.sweeper.Register(s.instrument(sweep.MessageCleanupJob(s.messenger, sc.CleanupInterval, sc.MessageRetention)))
	s.sweeper.Register(s.instrument(sweep.TaskCleanupJob(s.manager, sc.CleanupInterval, sc.TaskRetention)))
	s.sweeper.Register(s.instrument(sweep.Job{
		Name:     "analytics_refresh",
		Interval: sc.AnalyticsInterval,
		Run:      s.refreshAnalytics,
	}))
	s.sweeper.Start(context.Background())
}

// refreshAnalytics re-derives the queue depth and agent utilization gauges
// from store state.
func (s *Server) refreshAnalytics(ctx context.Context) (int, error) {
	stats, err := s.manager.Stats(ctx)
	if err != nil {
		return 0, err
	}
	for status, count := range stats.StatusCounts {
		s.collector.SetQueueDepth(string(status), int(count))
	}

	snapshots, err := s.tracker.Snapshots(ctx)
	if err != nil {
		return 0, err
	}
	for _, snap := range snapshots {
		s.collector.SetAgentUtilization(snap.AgentID, snap.Utilization)
	}
	return 0, nil
}

// instrument wraps a sweep job with the metrics collector.
func (s *Server) instrument(job sweep.Job) sweep.Job {
	run := job.Run
	job.Run = func(ctx context.Context) (int, error) {
		count, err := run(ctx)
		if err == nil {
			s.collector.RecordSweep(job.Name, count)
		}
		return count, err
	}
	return job
}

func (s *Server) startHTTPServer() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		Handler:      s.routes(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server exited", zap.Error(err))
		}
	}()
	return nil
}

// WaitForShutdown blocks until SIGINT or SIGTERM, then shuts everything
// down gracefully within the configured timeout.
func (s *Server) WaitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	s.logger.Info("shutdown signal received", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http server shutdown failed", zap.Error(err))
	}
	s.sweeper.Stop()

	s.closeStores()

	if s.otel != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := s.otel.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}
}

func (s *Server) closeStores() {
	if err := s.registry.Close(); err != nil {
		s.logger.Warn("registry close failed", zap.Error(err))
	}
	for name, closer := range map[string]interface{ Close() error }{
		"task_store":      s.taskStore,
		"workload_store":  s.workloadStore,
		"board_store":     s.boardStore,
		"messaging_store": s.messagingStore,
	} {
		if err := closer.Close(); err != nil {
			s.logger.Warn("store close failed", zap.String("store", name), zap.Error(err))
		}
	}
}
