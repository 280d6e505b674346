package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"memograph/internal/config"
	"memograph/internal/database"
	"memograph/internal/handlers"
	"memograph/internal/jobs"
	"memograph/internal/logging"
	"memograph/internal/middleware"
	"memograph/internal/services"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Initialize structured logging (JSON in production, text in dev)
	logging.Init()

	log.Println("🚀 Starting Memograph Server...")

	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  No .env file found or error loading it: %v", err)
	} else {
		log.Println("✅ .env file loaded successfully")
	}

	// Load configuration
	cfg := config.Load()
	log.Printf("📋 Configuration loaded (Port: %s, D: %d)", cfg.Port, cfg.EmbeddingDimensions)

	// Initialize MongoDB
	mongoDB, err := database.NewMongoDB(cfg.MongoURI)
	if err != nil {
		log.Fatalf("❌ Failed to connect to MongoDB: %v", err)
	}

	{
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := mongoDB.EnsureIndexes(ctx); err != nil {
			log.Printf("⚠️  Failed to ensure indexes: %v", err)
		}
		cancel()
	}

	// Metrics
	metrics := services.InitMetrics()

	// Providers file with hot reload; the callbacks are wired below once
	// the services exist.
	var embeddingClient *services.EmbeddingClient
	var embeddingLauncher *services.ProcessLauncher

	providerWatcher, err := config.NewProviderWatcher(cfg.ProvidersFile, func(pc *config.ProvidersConfig) {
		if embeddingClient != nil {
			embeddingClient.SetProvider(pc.Embedding)
		}
		if embeddingLauncher != nil {
			embeddingLauncher.SetProvider(pc.Embedding)
		}
	})
	if err != nil {
		log.Fatalf("❌ Failed to load providers file %s: %v", cfg.ProvidersFile, err)
	}
	providers := providerWatcher.Current()

	// Storage boundary
	store := services.NewMongoMemoryStore(mongoDB, cfg.EmbeddingDimensions)

	// Embedding pipeline
	embeddingLauncher = services.NewProcessLauncher(providers.Embedding)
	embeddingClient = services.NewEmbeddingClient(services.EmbeddingClientConfig{
		Provider:   providers.Embedding,
		Dimensions: cfg.EmbeddingDimensions,
		MaxChars:   cfg.EmbeddingMaxChars,
		Timeout:    cfg.EmbeddingTimeout,
		Launcher:   embeddingLauncher,
		Metrics:    metrics,
	})

	// Clustering worker
	clusteringManager := services.NewClusteringServiceManager(services.ClusteringManagerConfig{
		Provider:    providers.Clustering,
		Timeout:     cfg.ClusteringTimeout,
		HealthTries: cfg.ClusteringHealthTries,
		HealthDelay: cfg.ClusteringHealthDelay,
		Metrics:     metrics,
	})

	// Optional cross-instance cache invalidation over Redis
	var bus *services.CacheInvalidationBus
	var publisher services.InvalidationPublisher
	if cfg.RedisURL != "" {
		bus, err = services.NewCacheInvalidationBus(cfg.RedisURL)
		if err != nil {
			log.Printf("⚠️  Redis unavailable, cache invalidation stays local: %v", err)
		} else {
			publisher = bus
		}
	}

	// Cluster cache
	clusterCache := services.NewClusterCache(services.ClusterCacheConfig{
		Store:     store,
		Clusterer: clusteringManager,
		TTL:       cfg.CacheTTL,
		Publisher: publisher,
		Metrics:   metrics,
	})
	if bus != nil {
		bus.Subscribe(clusterCache)
	}

	graphBuilder := services.NewKnowledgeGraphBuilder()

	// Backfill
	backfillCoordinator := services.NewBackfillCoordinator(services.BackfillConfig{
		Store:      store,
		Embedder:   embeddingClient,
		Cache:      clusterCache,
		Metrics:    metrics,
		BatchSize:  cfg.BackfillBatchSize,
		ItemDelay:  cfg.BackfillItemDelay,
		BatchDelay: cfg.BackfillBatchDelay,
		MaxRetries: cfg.BackfillMaxRetries,
		EmptyPolls: cfg.BackfillEmptyPolls,
	})

	var backfillJob *jobs.BackfillJob
	if cfg.BackfillCronExpression != "" {
		backfillJob, err = jobs.NewBackfillJob(backfillCoordinator, cfg.BackfillCronExpression)
		if err != nil {
			log.Fatalf("❌ %v", err)
		}
		if err := backfillJob.Start(); err != nil {
			log.Fatalf("❌ Failed to start backfill job: %v", err)
		}
	} else {
		log.Println("⏭️ BACKFILL_CRON not set, scheduled backfill disabled")
	}

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "Memograph v1.0",
		ReadTimeout:  150 * time.Second, // forced refreshes wait on a full clustering run
		WriteTimeout: 150 * time.Second,
		IdleTimeout:  150 * time.Second,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New())

	// Prometheus metrics middleware
	prometheus := fiberprometheus.New("memograph")
	prometheus.RegisterAt(app, "/metrics")
	app.Use(prometheus.Middleware)
	log.Println("📊 Prometheus metrics endpoint enabled at /metrics")

	// Rate limiting
	rateLimitConfig := middleware.LoadRateLimitConfig()
	log.Printf("🛡️  [RATE-LIMIT] Loaded config: Global=%d/min, Graph=%d/min, Admin=%d/min",
		rateLimitConfig.GlobalAPIMax,
		rateLimitConfig.GraphReadMax,
		rateLimitConfig.AdminMax,
	)
	app.Use(middleware.GlobalAPIRateLimiter(rateLimitConfig))

	// CORS configuration with environment-based origins
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		allowedOrigins = "http://localhost:5173,http://localhost:3000"
		log.Println("⚠️  ALLOWED_ORIGINS not set, using development defaults")
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: allowedOrigins,
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,X-User-ID",
	}))

	// Handlers
	healthHandler := handlers.NewHealthHandler(clusteringManager)
	graphHandler := handlers.NewGraphHandler(clusterCache, graphBuilder, store)
	backfillHandler := handlers.NewBackfillHandler(backfillCoordinator)

	// Routes
	app.Get("/health", healthHandler.Handle)

	api := app.Group("/api/v1")

	graph := api.Group("/", middleware.GraphReadRateLimiter(rateLimitConfig))
	graph.Get("/knowledge-graph", graphHandler.GetKnowledgeGraph)
	graph.Get("/clusters", graphHandler.GetClusters)

	admin := api.Group("/admin", middleware.AdminRateLimiter(rateLimitConfig))
	admin.Post("/backfill", backfillHandler.TriggerBackfill)
	admin.Get("/backfill", backfillHandler.GetBackfillStatus)
	admin.Delete("/clusters/cache", graphHandler.InvalidateCache)

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("\n🛑 Shutting down server...")

		if backfillJob != nil {
			backfillJob.Stop()
		}

		clusteringManager.Stop()
		embeddingLauncher.Stop()

		if err := providerWatcher.Close(); err != nil {
			log.Printf("⚠️ Error closing provider watcher: %v", err)
		}

		if bus != nil {
			if err := bus.Close(); err != nil {
				log.Printf("⚠️ Error closing invalidation bus: %v", err)
			}
		}

		{
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := mongoDB.Close(ctx); err != nil {
				log.Printf("⚠️ Error closing MongoDB: %v", err)
			}
			cancel()
		}

		// Shutdown Fiber
		if err := app.Shutdown(); err != nil {
			log.Printf("⚠️ Error shutting down server: %v", err)
		}
	}()

	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Failed to start server: %v", err)
	}
}
