package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/stemsi/bandprep-backend/internal/config"
	"github.com/stemsi/bandprep-backend/internal/handler"
	"github.com/stemsi/bandprep-backend/internal/logger"
	"github.com/stemsi/bandprep-backend/internal/middleware"
	"github.com/stemsi/bandprep-backend/internal/model"
	"github.com/stemsi/bandprep-backend/internal/response"
	"github.com/stemsi/bandprep-backend/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Auth          *handler.AuthHandler
	StudentPortal *handler.StudentPortalHandler
	Test          *handler.TestHandler
	Submission    *handler.SubmissionHandler
	Media         *handler.MediaHandler
	WS            *handler.WSHandler
	AdminUser     *handler.AdminUserHandler
	Dashboard     *handler.DashboardHandler
	Monitor       *handler.MonitorHandler
	System        *handler.SystemHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	authService *service.AuthService,
	rdb *redis.Client,
	handlers *Handlers,
	cfg *config.Config,
	log zerolog.Logger,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.MaxMultipartMemory = 32 << 20

	router.Use(
		otelgin.Middleware(cfg.OTelServiceName),
		response.RequestIDMiddleware(),
		logger.GinLogger(log),
		response.Recovery(),
	)

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	router.Use(middleware.Brotli())

	// Uploaded media and recordings on the local backend, cached for a year.
	// Keys are content-addressed so a URL never changes meaning.
	if cfg.MediaBackend == config.MediaBackendLocal {
		uploadsGroup := router.Group(cfg.PublicUploadsPath)
		uploadsGroup.Use(middleware.CacheControl(31536000))
		{
			uploadsGroup.Static("/", cfg.UploadDir)
		}
	}

	// Health check.
	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	loginLimiter := middleware.NewRateLimiter(rdb, "login", 10, time.Minute, log)
	registerLimiter := middleware.NewRateLimiter(rdb, "register", 5, time.Hour, log)

	// ─── 1. Auth Group (Public, Rate Limited) ──────────────────────────
	auth := router.Group("/api/v1/auth")
	{
		auth.POST("/student/register", registerLimiter.Middleware(), handlers.Auth.Register)
		auth.POST("/student/login", loginLimiter.Middleware(), handlers.Auth.StudentLogin)
		auth.POST("/admin/login", loginLimiter.Middleware(), handlers.Auth.AdminLogin)

		// Authenticated profile routes
		auth.POST("/student/logout", middleware.RequireStudentJWT(authService), handlers.Auth.StudentLogout)
		auth.GET("/student/me",
			middleware.RequireStudentJWT(authService),
			middleware.CheckSingleDeviceSession(authService),
			handlers.Auth.Me,
		)
		auth.GET("/admin/me", middleware.RequireAdminJWT(authService), handlers.Auth.Me)
	}

	// ─── 2. Student Group (JWT + Single Device) ────────────────────────
	studentAPI := router.Group("/api/v1/student")
	studentAPI.Use(
		middleware.RequireStudentJWT(authService),
		middleware.CheckSingleDeviceSession(authService),
		middleware.NoStore(),
	)
	{
		studentAPI.GET("/tests", handlers.StudentPortal.GetCatalog)
		studentAPI.POST("/tests/:id/attempts", handlers.StudentPortal.StartAttempt)

		studentAPI.GET("/attempts", handlers.StudentPortal.ListAttempts)
		studentAPI.GET("/attempts/:id/paper", handlers.StudentPortal.GetPaper)
		studentAPI.GET("/attempts/:id/state", handlers.StudentPortal.GetState)
		studentAPI.PUT("/attempts/:id/draft", handlers.StudentPortal.SaveDraft)
		studentAPI.POST("/attempts/:id/abandon", handlers.StudentPortal.AbandonAttempt)
		studentAPI.POST("/attempts/:id/submit", handlers.StudentPortal.SubmitAttempt)

		studentAPI.GET("/submissions", handlers.StudentPortal.ListSubmissions)
		studentAPI.GET("/submissions/:id", handlers.StudentPortal.GetSubmission)
	}

	// ─── 3. WebSocket Group (Student WS Auth) ──────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(
		middleware.RequireStudentWSAuth(authService),
		middleware.CheckSingleDeviceSession(authService),
	)
	{
		ws.GET("/student/attempts/:id/session", handlers.WS.SessionStream)
	}

	// ─── 4. Admin Group (JWT + RBAC) ───────────────────────────────────
	adminAPI := router.Group("/api/v1/admin")
	adminAPI.Use(middleware.RequireAdminJWT(authService))
	{
		// Media upload
		adminAPI.POST("/media/upload",
			middleware.RequirePermission(model.PermissionMediaUpload),
			handlers.Media.UploadMedia,
		)

		// Users
		adminAPI.GET("/users",
			middleware.RequirePermission(model.PermissionUsersRead),
			handlers.AdminUser.ListUsers,
		)
		adminAPI.GET("/users/:id",
			middleware.RequirePermission(model.PermissionUsersRead),
			handlers.AdminUser.GetUser,
		)
		adminAPI.POST("/users",
			middleware.RequirePermission(model.PermissionUsersWrite),
			handlers.AdminUser.CreateAdmin,
		)
		adminAPI.PUT("/users/:id",
			middleware.RequirePermission(model.PermissionUsersWrite),
			handlers.AdminUser.UpdateAdmin,
		)
		adminAPI.DELETE("/users/:id",
			middleware.RequirePermission(model.PermissionUsersWrite),
			handlers.AdminUser.DeleteUser,
		)
		adminAPI.POST("/users/:id/reset-session",
			middleware.RequirePermission(model.PermissionUsersWrite),
			handlers.AdminUser.ResetSession,
		)

		// Tests
		adminAPI.GET("/tests",
			middleware.RequirePermission(model.PermissionTestsRead),
			handlers.Test.ListTests,
		)
		adminAPI.POST("/tests",
			middleware.RequirePermission(model.PermissionTestsWrite),
			handlers.Test.CreateTest,
		)
		adminAPI.GET("/tests/:id",
			middleware.RequirePermission(model.PermissionTestsRead),
			handlers.Test.GetTest,
		)
		adminAPI.PUT("/tests/:id",
			middleware.RequirePermission(model.PermissionTestsWrite),
			handlers.Test.UpdateTest,
		)
		adminAPI.DELETE("/tests/:id",
			middleware.RequirePermission(model.PermissionTestsWrite),
			handlers.Test.DeleteTest,
		)
		adminAPI.POST("/tests/:id/publish",
			middleware.RequirePermission(model.PermissionTestsPublish),
			handlers.Test.PublishTest,
		)
		adminAPI.POST("/tests/:id/archive",
			middleware.RequirePermission(model.PermissionTestsPublish),
			handlers.Test.ArchiveTest,
		)
		adminAPI.POST("/tests/:id/sections",
			middleware.RequirePermission(model.PermissionTestsWrite),
			handlers.Test.AddSection,
		)
		adminAPI.PUT("/tests/:id/sections",
			middleware.RequirePermission(model.PermissionTestsWrite),
			handlers.Test.ReplaceSections,
		)
		adminAPI.PUT("/tests/:id/sections/:section_id",
			middleware.RequirePermission(model.PermissionTestsWrite),
			handlers.Test.UpdateSection,
		)
		adminAPI.DELETE("/tests/:id/sections/:section_id",
			middleware.RequirePermission(model.PermissionTestsWrite),
			handlers.Test.DeleteSection,
		)
		adminAPI.GET("/tests/:id/monitor",
			middleware.RequireAnyPermission(model.PermissionTestsWrite, model.PermissionSubmissionsRead),
			handlers.Monitor.MonitorTestSSE,
		)

		adminAPI.GET("/attempts/:id/events",
			middleware.RequirePermission(model.PermissionSubmissionsRead),
			handlers.Monitor.AttemptTimeline,
		)

		// Submissions
		adminAPI.GET("/submissions",
			middleware.RequirePermission(model.PermissionSubmissionsRead),
			handlers.Submission.ListSubmissions,
		)
		adminAPI.GET("/submissions/:id",
			middleware.RequirePermission(model.PermissionSubmissionsRead),
			handlers.Submission.GetSubmission,
		)
		adminAPI.PUT("/submissions/:id/grade",
			middleware.RequirePermission(model.PermissionSubmissionsGrade),
			handlers.Submission.GradeSubmission,
		)

		// Dashboard
		adminAPI.GET("/dashboard",
			handlers.Dashboard.GetDashboardData, // Open to all admins
		)

		// System Monitoring
		adminAPI.GET("/system/metrics",
			middleware.RequirePermission(model.PermissionUsersWrite),
			handlers.System.SystemMetricsSSE,
		)
		adminAPI.GET("/system/metrics/snapshot",
			middleware.RequirePermission(model.PermissionUsersWrite),
			handlers.System.Snapshot,
		)
	}

	return router
}
