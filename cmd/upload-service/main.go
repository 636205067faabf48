package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/RepeatAl/whatsgonow-ride-share-connect-sub000/internal/common"
	"github.com/RepeatAl/whatsgonow-ride-share-connect-sub000/internal/migration"
	"github.com/RepeatAl/whatsgonow-ride-share-connect-sub000/internal/session"
	"github.com/RepeatAl/whatsgonow-ride-share-connect-sub000/internal/storage"
	"github.com/RepeatAl/whatsgonow-ride-share-connect-sub000/internal/uploader"
	"github.com/RepeatAl/whatsgonow-ride-share-connect-sub000/pkg/config"
)

func main() {
	// Load configuration
	cfg := config.LoadFromEnv()

	// Setup logging
	cfg.Logging.SetupLogging()

	log.Info().Msg("Starting upload service")

	// Initialize database
	db, err := common.NewDatabase(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	// Run migrations
	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	// Initialize cache
	cache, err := common.NewCache(&cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer cache.Close()

	// Initialize storage
	storageFactory := storage.NewStorageFactory(&cfg.Storage)
	objectStore, err := storageFactory.CreateStorage()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize storage")
	}

	// Initialize services
	sessionService := session.NewService(db)
	uploadRouter := uploader.NewRouter(objectStore, sessionService, &cfg.Upload)
	migrationCoordinator := migration.NewCoordinator(objectStore, sessionService)

	// Setup HTTP server
	router := setupRouter(cfg, cache, sessionService, uploadRouter, migrationCoordinator)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Str("addr", server.Addr).Msg("Starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Give outstanding requests 30 seconds to complete
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	} else {
		log.Info().Msg("Server shutdown complete")
	}
}

func setupRouter(
	cfg *config.Config,
	cache *common.Cache,
	sessionService *session.Service,
	uploadRouter *uploader.Router,
	migrationCoordinator *migration.Coordinator,
) *gin.Engine {
	// Set Gin mode based on environment
	if zerolog.GlobalLevel() == zerolog.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Middleware
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "upload-service",
			"time":    time.Now().UTC(),
		})
	})

	// Local storage serves its own files; MinIO objects resolve through the
	// configured public URL instead
	if cfg.Storage.Type == "local" {
		router.GET("/files/*filepath", localFileHandler(cfg.Storage.LocalPath))
	}

	// API routes
	api := router.Group("/api/v1")
	api.Use(identityMiddleware(&cfg.Auth))
	api.Use(refStoreMiddleware(cache))
	{
		api.POST("/upload", handleUpload(uploadRouter))
		api.GET("/assets", handleListAssets(uploadRouter))

		sessionRoutes := api.Group("/session")
		{
			sessionRoutes.GET("", handleGetSession(sessionService))
			sessionRoutes.GET("/location-consent", handleConsentChoice())
			sessionRoutes.POST("/location-consent", handleLocationConsent(sessionService))
		}

		api.POST("/migrate", requireAuth(), handleMigrate(migrationCoordinator))
	}

	return router
}

// localFileHandler serves stored objects from disk. Metadata sidecars are not
// part of the public surface and always 404.
func localFileHandler(basePath string) gin.HandlerFunc {
	return func(c *gin.Context) {
		rel := c.Param("filepath")
		if strings.HasSuffix(rel, ".meta.json") {
			c.Status(http.StatusNotFound)
			return
		}
		c.FileFromFS(rel, http.Dir(basePath))
	}
}
