package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"carelink-sync-api/internal/cache"
	"carelink-sync-api/internal/config"
	"carelink-sync-api/internal/handler"
	"carelink-sync-api/internal/middleware"
	"carelink-sync-api/internal/registry"
	"carelink-sync-api/internal/repository"
	"carelink-sync-api/internal/router"
	"carelink-sync-api/internal/service"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Starting CareLink Sync API...")

	// Load configuration
	cfg := config.MustLoad()
	log.Printf("Environment: %s", cfg.App.Environment)

	// Initialize sync store based on config
	var store repository.Store
	var err error
	switch cfg.SyncDB.Type {
	case "mysql":
		store, err = repository.NewMySQLStore(cfg.SyncDB.MySQLDSN())
		if err != nil {
			log.Fatalf("Failed to initialize MySQL: %v", err)
		}
		log.Println("MySQL sync store initialized")
	case "postgres", "postgresql":
		store, err = repository.NewPostgresStore(cfg.SyncDB.PostgresDSN())
		if err != nil {
			log.Fatalf("Failed to initialize PostgreSQL: %v", err)
		}
		log.Println("PostgreSQL sync store initialized")
	default: // sqlite
		if dir := filepath.Dir(cfg.SyncDB.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				log.Fatalf("Failed to create data directory: %v", err)
			}
		}
		store, err = repository.NewSQLiteStore(cfg.SyncDB.Path)
		if err != nil {
			log.Fatalf("Failed to initialize SQLite: %v", err)
		}
		log.Println("SQLite sync store initialized")
	}
	defer store.Close()

	// Initialize watermark cache
	var watermarkCache cache.Cache
	switch cfg.Cache.Type {
	case "redis":
		redisCache, err := cache.NewRedisCache(cache.RedisCacheConfig{
			Addr:     cfg.Cache.RedisAddress(),
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
		if err != nil {
			log.Fatalf("Failed to initialize Redis cache: %v", err)
		}
		watermarkCache = redisCache
		log.Println("Redis watermark cache initialized")
	default: // memory
		watermarkCache = cache.NewMemoryCache()
		log.Println("In-memory watermark cache initialized")
	}

	// Register entity services. In-memory bindings serve as defaults until
	// domain modules register their own implementations.
	reg := registry.New()
	for _, entityType := range cfg.Sync.EntityTypes {
		if entityType == "" {
			continue
		}
		if err := reg.Register(entityType, registry.NewInMemoryEntityService()); err != nil {
			log.Fatalf("Failed to register entity type %q: %v", entityType, err)
		}
	}
	log.Printf("Registered entity types: %v", reg.List())

	// Initialize services
	queueManager := service.NewQueueManager(store.Queue(), store.Conflicts())
	watermarks := service.NewWatermarkTracker(watermarkCache, store.Queue())
	conflictService := service.NewConflictService(reg, store.Conflicts(), cfg.Sync.ChecksumWindow)
	orchestrator := service.NewSyncOrchestrator(store, reg, conflictService, watermarks, service.SyncDefaults{
		BatchSize:   cfg.Sync.BatchSize,
		ItemTimeout: cfg.Sync.ItemTimeout,
	})

	// Start retention sweeper
	var sweeper *service.RetentionSweeper
	if cfg.Sync.RetentionEnabled {
		sweeper = service.NewRetentionSweeper(store.Queue(), service.RetentionConfig{
			MaxAge:        cfg.Sync.RetentionMaxAge,
			SweepInterval: cfg.Sync.RetentionInterval,
		})
		sweeper.Start()
	}

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(cfg.App.Version, handler.ReadinessCheck{
		Name: "store",
		Probe: func() error {
			return store.Ping(context.Background())
		},
	})
	syncHandler := handler.NewSyncHandler(queueManager, orchestrator, watermarks)
	conflictHandler := handler.NewConflictHandler(queueManager, orchestrator)
	deviceHandler := handler.NewDeviceHandler(watermarks)

	// Create auth middleware with injected dependencies (NO GLOBALS!)
	authMiddleware := middleware.NewAuthMiddleware(middleware.AuthConfig{})

	// Create router
	r := router.New(router.Config{
		HealthHandler:   healthHandler,
		SyncHandler:     syncHandler,
		ConflictHandler: conflictHandler,
		DeviceHandler:   deviceHandler,
		AuthMiddleware:  authMiddleware,
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on %s", cfg.Server.Address())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if sweeper != nil {
		sweeper.Stop()
	}

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Server stopped")
	fmt.Println("Goodbye!")
}
