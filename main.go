// vocalscribe/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vocalscribe/api"
	"vocalscribe/artifact"
	"vocalscribe/config"
	"vocalscribe/ffmpeg"
	"vocalscribe/logger"
	"vocalscribe/model"
	"vocalscribe/pipeline"
	"vocalscribe/separation"
	"vocalscribe/task"
	"vocalscribe/transcription"

	"github.com/gin-gonic/gin"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.New("info", "text").WithError(err).Fatal("failed to load configuration")
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	store, err := artifact.NewStore(cfg.UploadDir)
	if err != nil {
		log.WithError(err).Fatal("failed to prepare upload directory")
	}

	// 2. Initialize the pipeline stages
	extractor, err := ffmpeg.NewExtractor(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize audio extractor")
	}
	launcher, err := model.NewProcessLauncher(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize model helpers")
	}
	models := model.NewCache(launcher, cfg.ModelLoadTimeout, log)
	defer models.Close()

	orchestrator := pipeline.NewOrchestrator(
		extractor,
		separation.NewDemucs(models, cfg),
		transcription.NewWhisper(models, transcription.OptionsFromConfig(cfg)),
		log,
	)

	// 3. Initialize task manager and inject the pipeline
	taskManager, err := task.NewManager(cfg, task.NewMemoryRegistry(), orchestrator, log)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize task manager")
	}

	// 4. Set up router and server
	router := api.SetupRouter(taskManager, store, cfg, log)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 5. Start background services and HTTP server
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	taskManager.Start(ctx)

	go func() {
		log.WithField("port", cfg.Port).WithField("upload_dir", store.Root()).Info("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("listen failed")
			os.Exit(1)
		}
	}()

	// 6. Wait for interrupt signal for graceful shutdown
	<-ctx.Done()

	// Restore default behavior on the interrupt signal and notify user of shutdown.
	stop()
	log.Info("shutting down gracefully, press Ctrl+C again to force")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server forced to shutdown")
	}

	// Running pipelines are not cancelled; let them record their outcome.
	taskManager.Wait()
	log.Info("server exiting")
}
