package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docpipe/backend/internal/database"
	"github.com/docpipe/backend/internal/logger"
	"github.com/docpipe/backend/internal/middleware"
	"github.com/docpipe/backend/internal/repository"
	"github.com/docpipe/backend/internal/routes"
	"github.com/docpipe/backend/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := "http://localhost:5173"
		if os.Getenv("ENV") != "local" && os.Getenv("ENV") != "" {
			if corsOrigin := os.Getenv("CORS_ORIGIN"); corsOrigin != "" {
				origin = corsOrigin
			}
		}

		c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Next()
	}
}

func main() {
	logger.Initialize()

	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables", nil)
	}

	database.Connect()
	database.AutoMigrate()
	db := database.GetDB()

	jobRepo := repository.NewJobRepository(db)
	deadLetterRepo := repository.NewDeadLetterRepository(db)

	processing, err := services.NewProcessingService(db, jobRepo, deadLetterRepo, services.RetryPolicyFromEnv())
	if err != nil {
		logger.Fatal("Failed to wire processing service", map[string]interface{}{"error": err.Error()})
	}

	extraction := services.NewExtractionService(db)
	chunking := services.NewChunkingService(db)
	embedding := services.NewEmbeddingService(
		os.Getenv("EMBEDDINGS_URL"),
		os.Getenv("EMBEDDINGS_MODEL"),
	)
	processing.DefaultStageHandlers(extraction, chunking, embedding)
	processing.Start()

	// Jobs queued before the previous shutdown are in-DB only; put them back
	// on the queue or they block the one-active rule forever.
	if _, err := processing.RequeuePendingJobs(); err != nil {
		logger.Error("Failed to requeue unfinished jobs", map[string]interface{}{"error": err.Error()})
	}

	reaper := services.NewStaleJobReaper(jobRepo)
	if err := reaper.Start(); err != nil {
		logger.Fatal("Failed to start stale-job reaper", map[string]interface{}{"error": err.Error()})
	}

	if os.Getenv("GIN_MODE") == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false

	r.Use(middleware.RequestLogger())
	r.Use(CORSMiddleware())
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		dbStatus := "ok"
		var dbError string
		if sqlDB, err := db.DB(); err != nil {
			dbStatus = "error"
			dbError = err.Error()
		} else if err := sqlDB.Ping(); err != nil {
			dbStatus = "error"
			dbError = err.Error()
		}

		embeddingsStatus := "ok"
		var embeddingsError string
		if err := embedding.CheckHealth(); err != nil {
			embeddingsStatus = "degraded"
			embeddingsError = err.Error()
		}

		overallStatus := "ok"
		statusCode := http.StatusOK
		if dbStatus != "ok" {
			overallStatus = "error"
			statusCode = http.StatusServiceUnavailable
		}

		c.JSON(statusCode, gin.H{
			"status":    overallStatus,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"version":   "1.0.0",
			"services": gin.H{
				"database": gin.H{
					"status": dbStatus,
					"error":  dbError,
				},
				"embeddings": gin.H{
					"status": embeddingsStatus,
					"error":  embeddingsError,
				},
			},
		})
	})

	routes.SetupRoutes(r, db, processing, deadLetterRepo)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", port),
		Handler: r,
	}

	logger.Info("Starting document processing backend", map[string]interface{}{
		"port":     port,
		"gin_mode": gin.Mode(),
	})

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	<-sigChan
	logger.Info("Shutting down gracefully...", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", map[string]interface{}{
			"error": err.Error(),
		})
	}

	// Workers park in-flight jobs; the reaper picks up anything left behind
	// after the next restart.
	reaper.Stop()
	processing.Stop()

	logger.Info("Server exited", nil)
}
