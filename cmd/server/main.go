package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rl1809/kitchen-stock/internal/adapter/handler"
	"github.com/rl1809/kitchen-stock/internal/adapter/queue"
	"github.com/rl1809/kitchen-stock/internal/adapter/storage"
	"github.com/rl1809/kitchen-stock/internal/adapter/storage/memory"
	"github.com/rl1809/kitchen-stock/internal/config"
	"github.com/rl1809/kitchen-stock/internal/core/domain"
	"github.com/rl1809/kitchen-stock/internal/core/service"
	"github.com/rl1809/kitchen-stock/internal/extraction"
	"github.com/rl1809/kitchen-stock/internal/port"
	"github.com/rl1809/kitchen-stock/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize store
	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info("store ready", "driver", cfg.Database.Driver)

	// Initialize Redis, or fall back to in-process alerts and queue
	var (
		alerts   port.AlertCache
		tasks    port.TaskQueue
		closeQ   func()
		rdb      *redis.Client
		queueLen = func() int { return -1 }

		// The in-process queue starts empty, so every PROCESSING receipt
		// left by a previous run is stuck.
		staleBefore = time.Now()
	)
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()
		logger.Info("connected to redis", "addr", cfg.Redis.Addr)

		alerts = storage.NewRedisAdapter(rdb, cfg.AlertTTL)
		rq := queue.NewRedisQueue(rdb, cfg.Queue.Name, cfg.Queue.Consumer)
		n, err := rq.Requeue(ctx)
		if err != nil {
			return fmt.Errorf("requeue unacked tasks: %w", err)
		}
		if n > 0 {
			logger.Info("requeued unacked tasks", "count", n, "consumer", cfg.Queue.Consumer)
		}
		tasks, closeQ = rq, rq.Close
		staleBefore = time.Now().Add(-cfg.Queue.StaleAfter)
	} else {
		alerts = memory.NewAlertCache(cfg.AlertTTL)
		cq := queue.NewChannelQueue(cfg.Queue.Size)
		tasks, closeQ, queueLen = cq, cq.Close, cq.Len
	}

	// Initialize services
	extractor := extraction.New(cfg.Extraction)
	if _, disabled := extractor.(extraction.Disabled); disabled {
		logger.Warn("document extraction is not configured, uploads will fail")
	}

	opts := []service.Option{service.WithLogger(logger)}
	catalog := service.NewCatalogService(store, opts...)
	ledger := service.NewLedgerService(store, append(opts, service.WithAlertCache(alerts))...)
	svc := handler.Services{
		Catalog:  catalog,
		Ledger:   ledger,
		Invoices: service.NewInvoiceService(store, catalog, ledger, extractor, opts...),
		Receipts: service.NewReceiptService(store, catalog, ledger, extractor, tasks, opts...),
	}

	// Start worker pool
	pool := worker.New(tasks, svc.Receipts.Process,
		func(ctx context.Context, task domain.ReceiptTask, cause error) error {
			return svc.Receipts.MarkFailed(ctx, task.ReceiptID, cause)
		},
		cfg.Worker, logger)
	poolDone := make(chan error, 1)
	go func() { poolDone <- pool.Run(ctx) }()

	// Workers are already draining so a full in-process queue cannot block
	if _, err := svc.Receipts.Recover(ctx, staleBefore); err != nil {
		return fmt.Errorf("recover receipts: %w", err)
	}

	// Initialize gRPC server
	grpcServer := grpc.NewServer()
	handler.NewGRPCHandler(svc, logger).Register(grpcServer)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("stock.v1.InventoryAdmin", healthpb.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.GRPCAddr, err)
	}
	go func() {
		logger.Info("gRPC server listening", "addr", cfg.GRPCAddr)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", "error", err)
		}
	}()

	// Initialize HTTP server
	httpHandler := handler.NewHTTPHandler(svc, store, cfg.UploadMax, logger)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpHandler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")
	healthServer.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown", "error", err)
	}
	logger.Info("HTTP server stopped")

	grpcServer.GracefulStop()
	logger.Info("gRPC server stopped")

	// Close the queue and let workers drain what is left
	closeQ()
	select {
	case err := <-poolDone:
		if err != nil {
			logger.Error("worker pool", "error", err)
		}
		logger.Info("workers stopped")
	case <-shutdownCtx.Done():
		logger.Warn("workers did not drain in time", "pending", queueLen())
		cancel()
	}

	logger.Info("connections closed")
	return nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (port.Store, error) {
	if cfg.Driver == "memory" {
		return memory.New(), nil
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}

	switch cfg.Driver {
	case "mysql":
		return storage.NewMySQLAdapter(db), nil
	case "postgres":
		return storage.NewPostgresAdapter(db), nil
	default:
		return storage.NewSQLiteAdapter(db), nil
	}
}
