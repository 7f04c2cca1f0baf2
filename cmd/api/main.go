package main

import (
	"context"
	"net/http"
	"os"

	"github.com/joho/godotenv"

	"github.com/voicenotehq/voicenote-backend/api/controllers"
	"github.com/voicenotehq/voicenote-backend/api/routes"
	"github.com/voicenotehq/voicenote-backend/internal/status"
	"github.com/voicenotehq/voicenote-backend/internal/submissions"
	"github.com/voicenotehq/voicenote-backend/internal/uploads"
	"github.com/voicenotehq/voicenote-backend/pkg/config"
	"github.com/voicenotehq/voicenote-backend/pkg/db"
	"github.com/voicenotehq/voicenote-backend/pkg/logger"
	"github.com/voicenotehq/voicenote-backend/pkg/migrate"
	"github.com/voicenotehq/voicenote-backend/pkg/redis"
	"github.com/voicenotehq/voicenote-backend/pkg/storage/gcs"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	gcsClient, err := gcs.NewClient(context.Background(), cfg.GCS, cfg.GCP, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap gcs", err)
		os.Exit(1)
	}

	repo := submissions.NewRepository(dbClient.DB())

	statusService, err := status.NewService(repo)
	if err != nil {
		logg.Error(context.Background(), "failed to create status service", err)
		os.Exit(1)
	}

	uploadsService, err := uploads.NewService(
		gcsClient,
		redisClient,
		cfg.GCS.BucketName,
		cfg.GCS.AudioPrefix,
		cfg.GCS.UploadURLExpiry,
		cfg.Pipeline.RecipientTTL,
	)
	if err != nil {
		logg.Error(context.Background(), "failed to create uploads service", err)
		os.Exit(1)
	}

	deps := map[string]controllers.Pinger{
		"database": dbClient,
		"redis":    redisClient,
		"gcs":      gcsClient,
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	id := os.Getenv("DYNO")
	if id == "" {
		id = "local"
	}
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":      cfg.App.Env,
		"addr":     addr,
		"instance": id,
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr:    addr,
		Handler: routes.NewRouter(cfg, logg, deps, statusService, uploadsService),
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
}
