// Command photobookd runs the photo-session booking service: the transaction
// coordinator with its deadlock detector, the HTTP API and, optionally, the
// coordinator gRPC endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/sushant-115/photobook/api/coordinatorrpc"
	"github.com/sushant-115/photobook/api/httpapi"
	"github.com/sushant-115/photobook/core/booking"
	"github.com/sushant-115/photobook/core/coordinator"
	"github.com/sushant-115/photobook/core/storage"
	"github.com/sushant-115/photobook/core/undolog"
	"github.com/sushant-115/photobook/internal/config"
	"github.com/sushant-115/photobook/internal/events"
	internaltelemetry "github.com/sushant-115/photobook/internal/telemetry"
	"github.com/sushant-115/photobook/pkg/logger"
	"github.com/sushant-115/photobook/pkg/telemetry"
)

var (
	configPath       = flag.String("config", "", "Path to the YAML configuration file")
	httpAddr         = flag.String("http_addr", "", "HTTP bind address (overrides http.addr)")
	grpcAddr         = flag.String("grpc_addr", "", "Coordinator gRPC bind address (overrides grpc.addr)")
	dataDir          = flag.String("data_dir", "", "Directory for the bolt partition files (overrides storage.dir)")
	undoDir          = flag.String("undo_dir", "", "Directory for undo logs (overrides undo_log.dir)")
	backend          = flag.String("backend", "", "Storage backend: bolt or postgres (overrides storage.backend)")
	logLevel         = flag.String("log_level", "", "Log level (overrides logger.level)")
	deadlockInterval = flag.Duration("deadlock_interval", 0, "Deadlock detection period (overrides coordinator.deadlock_interval)")
)

const (
	GrpcServerStopTimeout = 5 * time.Second
	HttpServerStopTimeout = 5 * time.Second
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("CRITICAL: %v", err)
	}
	applyFlags(&cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("CRITICAL: %v", err)
	}

	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("CRITICAL: Can't initialize zap logger: %v", err)
	}
	defer zlogger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zlogger); err != nil {
		zlogger.Fatal("photobookd stopped with error", zap.Error(err))
	}
	zlogger.Info("photobookd shut down gracefully.")
}

// applyFlags copies explicitly set flags over the loaded configuration.
func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "http_addr":
			cfg.HTTP.Addr = *httpAddr
		case "grpc_addr":
			cfg.GRPC.Addr = *grpcAddr
		case "data_dir":
			cfg.Storage.Dir = *dataDir
		case "undo_dir":
			cfg.UndoLog.Dir = *undoDir
		case "backend":
			cfg.Storage.Backend = *backend
		case "log_level":
			cfg.Logger.Level = *logLevel
		case "deadlock_interval":
			cfg.Coordinator.DeadlockInterval = *deadlockInterval
		}
	})
}

func run(ctx context.Context, cfg config.Config, zlogger *zap.Logger) error {
	zlogger.Info("Starting photobookd",
		zap.String("httpAddr", cfg.HTTP.Addr),
		zap.String("grpcAddr", cfg.GRPC.Addr),
		zap.String("backend", cfg.Storage.Backend),
		zap.String("undoDir", cfg.UndoLog.Dir),
		zap.Duration("deadlockInterval", cfg.Coordinator.DeadlockInterval),
	)

	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			zlogger.Error("Error shutting down telemetry", zap.Error(err))
		}
	}()
	coordMetrics, err := internaltelemetry.NewCoordinatorMetrics(tel.Meter)
	if err != nil {
		return fmt.Errorf("failed to create coordinator metrics: %w", err)
	}
	apiMetrics, err := internaltelemetry.NewAPIMetrics(tel.Meter)
	if err != nil {
		return fmt.Errorf("failed to create API metrics: %w", err)
	}

	stores, err := cfg.Storage.Open(ctx, zlogger)
	if err != nil {
		return fmt.Errorf("failed to open partition stores: %w", err)
	}
	defer func() {
		if err := stores.Close(); err != nil {
			zlogger.Error("Error closing partition stores", zap.Error(err))
		}
	}()
	if !cfg.Seed.Empty() {
		if err := cfg.Seed.Apply(ctx, stores); err != nil {
			return fmt.Errorf("failed to apply seed data: %w", err)
		}
		zlogger.Info("Seed data applied",
			zap.Int("photographers", len(cfg.Seed.Photographers)),
			zap.Int("timeslots", len(cfg.Seed.Timeslots)),
			zap.Int("clients", len(cfg.Seed.Clients)),
		)
	}

	undo, err := undolog.NewFileStore(cfg.UndoLog.Dir, zlogger)
	if err != nil {
		return fmt.Errorf("failed to open undo log store: %w", err)
	}
	coord, err := coordinator.New(cfg.Coordinator, undo, storage.NewUndoApplier(stores, zlogger), zlogger,
		coordinator.WithMetrics(coordMetrics))
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}
	reportPendingUndoLogs(ctx, coord, zlogger)

	detector := coordinator.NewDetector(coord, cfg.Coordinator.DeadlockInterval)
	detector.Start(ctx)
	defer detector.Stop()

	publisher := events.New(cfg.Events, zlogger)
	defer publisher.Close()

	svc := booking.NewService(coord, stores, zlogger,
		booking.WithTracer(tel.Tracer),
		booking.WithPublisher(publisher),
	)
	httpServer, err := httpapi.NewServer(cfg.HTTP, svc, coord, zlogger,
		httpapi.WithMetrics(apiMetrics),
		httpapi.WithMetricsHandler(tel.MetricsHandler),
	)
	if err != nil {
		return err
	}

	var (
		wg      sync.WaitGroup
		errOnce sync.Once
		runErr  error
	)
	fail := func(err error) {
		errOnce.Do(func() { runErr = err })
	}
	srvCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpServer.ListenAndServe(); err != nil {
			fail(fmt.Errorf("HTTP server failed: %w", err))
			cancel()
		}
	}()

	var grpcServer *grpc.Server
	if cfg.GRPC.Addr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("failed to listen for gRPC on %s: %w", cfg.GRPC.Addr, err)
		}
		grpcServer = grpc.NewServer(grpc.UnaryInterceptor(coordinatorrpc.MetricsInterceptor(apiMetrics, zlogger)))
		coordinatorrpc.Register(grpcServer, coordinatorrpc.NewServer(coord, zlogger))

		wg.Add(1)
		go func() {
			defer wg.Done()
			zlogger.Info("gRPC server starting", zap.String("address", cfg.GRPC.Addr))
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				fail(fmt.Errorf("gRPC server failed: %w", err))
				cancel()
			}
		}()
	}

	<-srvCtx.Done()
	zlogger.Info("Shutting down photobookd")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), HttpServerStopTimeout)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zlogger.Error("Error during HTTP server shutdown", zap.Error(err))
	}
	if grpcServer != nil {
		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(GrpcServerStopTimeout):
			zlogger.Warn("gRPC graceful stop timed out, forcing")
			grpcServer.Stop()
		}
	}
	wg.Wait()
	return runErr
}

// reportPendingUndoLogs lists undo logs left by transactions that never
// finished, typically because of a crash. They are not replayed.
func reportPendingUndoLogs(ctx context.Context, coord *coordinator.Coordinator, zlogger *zap.Logger) {
	pending, err := coord.PendingUndoLogs(ctx)
	if err != nil {
		zlogger.Error("Failed to list pending undo logs", zap.Error(err))
		return
	}
	for _, id := range pending {
		zlogger.Warn("Found undo log of an unfinished transaction; partitions may need repair",
			zap.String("txnID", string(id)))
	}
	if len(pending) > 0 {
		zlogger.Warn("Pending undo logs present at startup", zap.Int("count", len(pending)))
	}
}
