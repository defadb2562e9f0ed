package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aegisshield/entity-correlation/internal/cache"
	"github.com/aegisshield/entity-correlation/internal/config"
	"github.com/aegisshield/entity-correlation/internal/database"
	"github.com/aegisshield/entity-correlation/internal/engine"
	"github.com/aegisshield/entity-correlation/internal/handlers"
	"github.com/aegisshield/entity-correlation/internal/kafka"
	"github.com/aegisshield/entity-correlation/internal/metrics"
	"github.com/aegisshield/entity-correlation/internal/neo4j"
	"github.com/aegisshield/entity-correlation/internal/pipeline"
	"github.com/aegisshield/entity-correlation/internal/scheduler"
)

const version = "1.0.0"

func main() {
	// Load configuration
	cfg, err := config.LoadConfig(os.Getenv("ECE_CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := cfg.InitLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Service failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Starting Entity Correlation Service",
		zap.String("version", version),
		zap.Int("http_port", cfg.Server.HTTPPort),
		zap.Bool("database", cfg.Database.Enabled),
		zap.Bool("redis", cfg.Redis.Enabled),
		zap.Bool("kafka", cfg.Kafka.Enabled),
		zap.Bool("neo4j", cfg.Neo4j.Enabled),
		zap.Bool("scheduler", cfg.Scheduler.Enabled))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize metrics collector
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metricsCollector := metrics.NewCollector(registry)

	// Load policy and build the engine; configuration errors stop startup here
	policy, err := config.LoadPolicy(cfg.Engine.PolicyFile)
	if err != nil {
		return err
	}
	eng, err := engine.New(policy, engine.Options{
		Workers:       cfg.Engine.Workers,
		MaxBucketSize: cfg.Engine.MaxBucketSize,
		Recorder:      metricsCollector,
	}, logger)
	if err != nil {
		return err
	}

	var sinks pipeline.Sinks
	checks := map[string]handlers.HealthCheck{}

	// Initialize database repository
	var repository *database.Repository
	if cfg.Database.Enabled {
		db, err := database.Connect(ctx, cfg.GetDatabaseDSN(), cfg.Database)
		if err != nil {
			return err
		}
		if cfg.Database.RunMigrations {
			if err := database.RunMigrations(db, logger); err != nil {
				return err
			}
		}
		repository = database.NewRepository(db, logger)
		defer repository.Close()
		sinks.Store = repository
		checks["database"] = repository.Ping
	}

	// Initialize Redis run cache
	if cfg.Redis.Enabled {
		store, err := cache.NewRedisStore(ctx, cfg.GetRedisAddr(), cfg.Redis)
		if err != nil {
			return err
		}
		defer store.Close()
		sinks.Cache = cache.NewRunCache(store, cfg.Redis.TTL, cfg.Redis.KeyPrefix, logger)
		checks["redis"] = store.Ping
	}

	// Initialize Neo4j client
	if cfg.Neo4j.Enabled {
		neo4jClient, err := neo4j.NewClient(cfg.Neo4j, logger)
		if err != nil {
			return err
		}
		defer neo4jClient.Close()
		sinks.Graph = neo4jClient
		checks["neo4j"] = neo4jClient.VerifyConnectivity
	}

	// Initialize Kafka producer
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka, logger)
		defer producer.Close()
		sinks.Publisher = producer
	}

	proc := pipeline.New(eng, sinks, metricsCollector, logger)

	// Start Kafka consumer
	consumerDone := make(chan struct{})
	if cfg.Kafka.Enabled {
		consumer := kafka.NewConsumer(cfg.Kafka, proc, metricsCollector, logger)
		defer consumer.Close()
		go func() {
			defer close(consumerDone)
			if err := consumer.Run(ctx); err != nil {
				logger.Error("Kafka consumer failed", zap.Error(err))
				stop()
			}
		}()
	} else {
		close(consumerDone)
	}

	// Start scheduler
	if cfg.Scheduler.Enabled {
		sched := scheduler.NewScheduler(logger)
		task := scheduler.NewRerunTask(cfg.Scheduler.RerunSchedule, scheduler.NewRerunHandler(repository, proc, logger))
		if err := sched.AddTask(task); err != nil {
			return err
		}
		sched.Start()
		defer sched.Stop()
	}

	// Setup HTTP router
	httpHandler := handlers.NewHTTPHandler(proc, eng, checks, cfg.Server.MaxBodyBytes, logger)
	router := mux.NewRouter()
	router.Use(httpHandler.LoggingMiddleware)
	httpHandler.RegisterRoutes(router)
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	httpServer := &http.Server{
		Addr:         cfg.GetHTTPAddr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server starting", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down Entity Correlation Service")
	case err := <-serverErr:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}

	select {
	case <-consumerDone:
	case <-shutdownCtx.Done():
		logger.Warn("Kafka consumer did not stop before the shutdown timeout")
	}

	logger.Info("Entity Correlation Service stopped")
	return nil
}
