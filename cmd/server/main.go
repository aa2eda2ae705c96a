package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/termbridge/task-service/internal/api"
	"github.com/termbridge/task-service/internal/clock"
	"github.com/termbridge/task-service/internal/executor"
	"github.com/termbridge/task-service/internal/gateway"
	"github.com/termbridge/task-service/internal/handler"
	"github.com/termbridge/task-service/internal/model"
	"github.com/termbridge/task-service/internal/monitor"
	"github.com/termbridge/task-service/internal/storage"
	"github.com/termbridge/task-service/internal/sweep"
)

func setDefaults() {
	viper.SetDefault("app.name", "task-service")
	viper.SetDefault("http.addr", ":8080")
	viper.SetDefault("storage.path", "task_service.db")
	viper.SetDefault("nats.urls", []string{nats.DefaultURL})
	viper.SetDefault("nats.max_reconnects", 10)
	viper.SetDefault("nats.reconnect_wait", 2*time.Second)
	viper.SetDefault("nats.connect_timeout", 5*time.Second)
	viper.SetDefault("sweep.interval", 30*time.Second)
	viper.SetDefault("sweep.batch_size", 100)
	viper.SetDefault("executor.id", "executor-1")
	viper.SetDefault("executor.max_tasks", 10)
	viper.SetDefault("executor.heartbeat_interval", 5*time.Second)
	viper.SetDefault("monitor.stale_after", 30*time.Second)
	viper.SetDefault("monitor.check_interval", 10*time.Second)
	viper.SetDefault("harvest.batch_size", 1000)
	viper.SetDefault("ldes.data_dir", "./data/ldes")
	viper.SetDefault("ldes.prefix_uri", "http://localhost:8080/feeds")
}

func main() {
	// Initialize logger
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Load configuration
	setDefaults()
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	if err := viper.ReadInConfig(); err != nil {
		logger.Warn("No config file found, using defaults", zap.Error(err))
	}

	// Connect to NATS with more options
	opts := []nats.Option{
		nats.Name(viper.GetString("app.name")),
		nats.MaxReconnects(viper.GetInt("nats.max_reconnects")),
		nats.ReconnectWait(viper.GetDuration("nats.reconnect_wait")),
		nats.Timeout(viper.GetDuration("nats.connect_timeout")),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Error("NATS connection error",
				zap.String("subject", sub.Subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected",
				zap.String("url", nc.ConnectedUrl()))
		}),
	}

	// Connect with retry
	var nc *nats.Conn
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(viper.GetString("nats.urls.0"), opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
	}
	defer nc.Close()

	logger.Info("Connected to NATS successfully",
		zap.String("url", nc.ConnectedUrl()))

	// Create JetStream context
	js, err := nc.JetStream()
	if err != nil {
		logger.Fatal("Failed to create JetStream context", zap.Error(err))
	}

	// Open storage and stores
	db, err := storage.Open(logger, viper.GetString("storage.path"))
	if err != nil {
		logger.Fatal("Failed to open storage", zap.Error(err))
	}
	defer db.Close()

	clk := clock.System{}
	tasks := storage.NewTaskStore(db, clk, logger)
	schedulers := storage.NewSchedulerStore(db, clk, logger)

	// Execution gateway
	gw, err := gateway.New(js, tasks, logger)
	if err != nil {
		logger.Fatal("Failed to create gateway", zap.Error(err))
	}

	// Sweep loop
	sweepLoop := sweep.NewLoop(schedulers, gw, clk, sweep.Config{
		Interval:  viper.GetDuration("sweep.interval"),
		BatchSize: viper.GetInt("sweep.batch_size"),
	}, logger)

	// Executor with task handlers
	taskExecutor, err := executor.New(js, executor.Config{
		ID:                viper.GetString("executor.id"),
		MaxTasks:          viper.GetInt("executor.max_tasks"),
		HeartbeatInterval: viper.GetDuration("executor.heartbeat_interval"),
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create executor", zap.Error(err))
	}

	harvestHandler, err := handler.NewHarvestHandler(handler.HarvestConfig{
		Endpoint:     viper.GetString("harvest.endpoint"),
		DatabasePath: viper.GetString("storage.path"),
		BatchSize:    viper.GetInt("harvest.batch_size"),
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create harvest handler", zap.Error(err))
	}
	defer harvestHandler.Close()

	ldesHandler, err := handler.NewLDESFeedHandler(handler.LDESFeedConfig{
		DatabasePath: viper.GetString("storage.path"),
		DataDir:      viper.GetString("ldes.data_dir"),
		PrefixURI:    viper.GetString("ldes.prefix_uri"),
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create LDES feed handler", zap.Error(err))
	}
	defer ldesHandler.Close()

	taskExecutor.RegisterHandler(model.TaskKindHarvest, harvestHandler)
	taskExecutor.RegisterHandler(model.TaskKindLDESFeed, ldesHandler)
	taskExecutor.RegisterHandler(model.TaskKindLDESSync, handler.NewSyncHandler(handler.SyncConfig{
		Endpoint: viper.GetString("sync.ldes_endpoint"),
	}, logger))
	taskExecutor.RegisterHandler(model.TaskKindTriplestoreSync, handler.NewSyncHandler(handler.SyncConfig{
		Endpoint: viper.GetString("sync.triplestore_endpoint"),
	}, logger))
	taskExecutor.RegisterHandler(model.TaskKindFileUpload, handler.NewSyncHandler(handler.SyncConfig{
		Endpoint: viper.GetString("sync.upload_endpoint"),
	}, logger))

	// Heartbeat monitor
	heartbeats := monitor.NewHeartbeatMonitor(js, clk, monitor.Config{
		StaleAfter:    viper.GetDuration("monitor.stale_after"),
		CheckInterval: viper.GetDuration("monitor.check_interval"),
	}, logger)

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := heartbeats.Start(ctx); err != nil {
		logger.Fatal("Failed to start heartbeat monitor", zap.Error(err))
	}

	// Start the sweep loop
	go func() {
		if err := sweepLoop.Start(ctx); err != nil {
			logger.Error("Sweep loop stopped", zap.Error(err))
		}
	}()

	// Start the HTTP API
	apiServer := api.New(tasks, schedulers, gw, logger)
	httpServer := &http.Server{
		Addr:    viper.GetString("http.addr"),
		Handler: apiServer,
	}
	go func() {
		logger.Info("HTTP API listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server stopped", zap.Error(err))
			cancel()
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown failed", zap.Error(err))
	}

	sweepLoop.Stop()
	taskExecutor.Stop()
	heartbeats.Stop()

	// Wait for running tasks to complete
	runningTasks := taskExecutor.RunningTasks()
	if len(runningTasks) > 0 {
		logger.Info("Waiting for running tasks to complete",
			zap.Int("count", len(runningTasks)))

		select {
		case <-shutdownCtx.Done():
			logger.Warn("Shutdown timeout reached, some tasks may not have completed")
		case <-time.After(5 * time.Second):
			logger.Info("All tasks completed successfully")
		}
	}

	logger.Info("Server shutting down gracefully")
}
