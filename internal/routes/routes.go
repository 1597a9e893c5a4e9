package routes

import (
	"github.com/docpipe/backend/internal/controllers"
	"github.com/docpipe/backend/internal/middleware"
	"github.com/docpipe/backend/internal/repository"
	"github.com/docpipe/backend/internal/services"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// SetupRoutes wires every controller onto the router. Dependencies come in
// explicitly; nothing here reaches for globals.
func SetupRoutes(
	r *gin.Engine,
	db *gorm.DB,
	processing *services.ProcessingService,
	deadLetters repository.DeadLetterRepository,
) {
	authController := controllers.NewAuthController(db)
	userController := controllers.NewUserController(db)
	documentController := controllers.NewDocumentController(db, processing)
	jobController := controllers.NewJobController(processing)
	deadLetterController := controllers.NewDeadLetterController(deadLetters)

	api := r.Group("/api/v1")
	{
		auth := api.Group("/auth")
		{
			auth.POST("/login", authController.Login)
			auth.POST("/register", authController.Register)
		}

		protected := api.Group("/")
		protected.Use(middleware.AuthMiddleware())
		{
			protected.POST("/auth/refresh", authController.RefreshToken)

			users := protected.Group("/users")
			{
				users.GET("/me", userController.GetCurrentUser)
				users.PUT("/me", userController.UpdateCurrentUser)
				users.GET("", middleware.RequireRole("ADMIN"), userController.GetUsers)
				users.PUT("/:id/role", middleware.RequireRole("ADMIN"), userController.UpdateUserRole)
			}

			documents := protected.Group("/documents")
			{
				documents.POST("/upload", documentController.UploadDocument)
				documents.GET("", documentController.GetDocuments)
				documents.GET("/:id", documentController.GetDocument)
				documents.GET("/:id/chunks", documentController.GetDocumentChunks)
				documents.GET("/:id/jobs", jobController.GetJobsByDocument)
				documents.POST("/:id/process", documentController.ProcessDocument)
				documents.DELETE("/:id", documentController.DeleteDocument)
			}

			jobs := protected.Group("/jobs")
			{
				jobs.GET("/:id", jobController.GetJob)
				jobs.POST("/:id/cancel", jobController.CancelJob)
				jobs.POST("/:id/retry", jobController.RetryJob)
			}

			deadLettersGroup := protected.Group("/dead-letters")
			{
				deadLettersGroup.GET("", deadLetterController.GetDeadLetters)
				deadLettersGroup.GET("/count", deadLetterController.GetDeadLetterCount)
				deadLettersGroup.DELETE("", middleware.RequireRole("ADMIN"), deadLetterController.ClearDeadLetters)
			}
		}
	}
}
