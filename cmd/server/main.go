package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/bandprep-backend/internal/config"
	"github.com/stemsi/bandprep-backend/internal/database"
	"github.com/stemsi/bandprep-backend/internal/handler"
	"github.com/stemsi/bandprep-backend/internal/logger"
	"github.com/stemsi/bandprep-backend/internal/repository"
	"github.com/stemsi/bandprep-backend/internal/router"
	"github.com/stemsi/bandprep-backend/internal/service"
	"github.com/stemsi/bandprep-backend/internal/storage"
	"github.com/stemsi/bandprep-backend/internal/telemetry"
	"github.com/stemsi/bandprep-backend/internal/validator"
	"github.com/stemsi/bandprep-backend/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Str("media_backend", string(cfg.MediaBackend)).
		Msg("Starting BandPrep Backend")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Tracing ───────────────────────────────────────────────────────
	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Exporter:    cfg.OTelExporter,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: cfg.OTelServiceName,
		Environment: cfg.GinMode,
	}, log)
	if err != nil {
		log.Warn().Err(err).Msg("Tracing disabled")
	}

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Media Storage ─────────────────────────────────────────────────
	store, closeStore := openStore(ctx, cfg, log)
	defer closeStore()

	// ─── Initialize Repositories ───────────────────────────────────────
	userRepo := repository.NewUserRepository(pool)
	testRepo := repository.NewTestRepository(pool)
	sectionRepo := repository.NewSectionRepository(pool)
	attemptRepo := repository.NewAttemptRepository(pool)
	draftRepo := repository.NewDraftRepository(pool)
	submissionRepo := repository.NewSubmissionRepository(pool)
	eventRepo := repository.NewEventRepository(pool)
	dashboardRepo := repository.NewDashboardRepository(pool)
	monitorRepo := repository.NewMonitorRepository(pool, rdb)

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg, rdb)
	userService := service.NewUserService(userRepo, authService)
	testService := service.NewTestService(testRepo, sectionRepo, rdb, log)
	attemptService := service.NewAttemptService(attemptRepo, draftRepo, testService, rdb, log)
	mediaService := service.NewMediaService(store, cfg, log)
	submissionService := service.NewSubmissionService(submissionRepo, attemptService, testService, mediaService, rdb, log)
	eventService := service.NewEventService(rdb, log)
	dashboardService := service.NewDashboardService(dashboardRepo)
	monitorService := service.NewMonitorService(monitorRepo, eventRepo)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Auth:          handler.NewAuthHandler(authService, userService, log),
		StudentPortal: handler.NewStudentPortalHandler(testService, attemptService, submissionService, log),
		Test:          handler.NewTestHandler(testService, log),
		Submission:    handler.NewSubmissionHandler(submissionService, log),
		Media:         handler.NewMediaHandler(mediaService, log),
		WS: handler.NewWSHandler(testService, submissionService, attemptService, eventService, mediaService,
			handler.SessionOptions{
				AllowedOrigins: cfg.AllowedOrigins,
				MaxAudioBytes:  cfg.MaxAudioBytes,
				RetryAttempts:  cfg.SubmitRetryAttempts,
				RetryDelay:     cfg.SubmitRetryDelay,
				CaptureTimeout: cfg.CaptureUploadTimeout,
			}, log),
		AdminUser: handler.NewAdminUserHandler(userService, log),
		Dashboard: handler.NewDashboardHandler(dashboardService, log),
		Monitor:   handler.NewMonitorHandler(testService, eventService, monitorService, log),
		System:    handler.NewSystemHandler(pool, rdb, log),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	var workers sync.WaitGroup

	draftWorker := worker.NewDraftWorker(draftRepo, rdb, log)
	scoringWorker := worker.NewScoringWorker(submissionRepo, rdb, log)
	eventWorker := worker.NewEventWorker(eventRepo, rdb, log)

	workers.Go(func() { draftWorker.Start(workerCtx) })
	workers.Go(func() { scoringWorker.Start(workerCtx) })
	workers.Go(func() { eventWorker.Start(workerCtx) })
	workers.Go(func() { eventService.Run(workerCtx) })

	// ─── Prewarm Redis Caches ─────────────────────────────────────────
	// Load all published tests into Redis BEFORE accepting traffic so the
	// first wave of session starts does not stampede PostgreSQL.
	if err := testService.PrewarmAllCaches(ctx); err != nil {
		log.Warn().Err(err).Msg("Cache prewarm failed")
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, rdb, handlers, cfg, log)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests. Live sessions get the same window
	// to finish their submit.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop background workers and wait for their queues to drain.
	workerCancel()
	drained := make(chan struct{})
	go func() {
		workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		log.Warn().Msg("Workers did not drain before shutdown deadline")
	}

	// 3. Flush pending spans.
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Tracer shutdown error")
	}

	log.Info().Msg("Shutdown complete")
}

// openStore picks the media backend. GCS failures are fatal; the local
// backend needs a writable upload directory.
func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (storage.Store, func()) {
	switch cfg.MediaBackend {
	case config.MediaBackendGCS:
		gcsStore, err := storage.NewGCSStore(ctx, cfg.GCSBucket, cfg.GCSPublicBaseURL)
		if err != nil {
			log.Fatal().Err(err).Str("bucket", cfg.GCSBucket).Msg("Failed to open GCS bucket")
		}
		log.Info().Str("bucket", cfg.GCSBucket).Msg("Media stored in GCS")
		return gcsStore, func() {
			if err := gcsStore.Close(); err != nil {
				log.Warn().Err(err).Msg("GCS client close failed")
			}
		}
	default:
		localStore, err := storage.NewLocalStore(cfg.UploadDir, cfg.PublicUploadsPath)
		if err != nil {
			log.Fatal().Err(err).Str("dir", cfg.UploadDir).Msg("Failed to prepare upload directory")
		}
		return localStore, func() {}
	}
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
