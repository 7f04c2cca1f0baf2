package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voicenotehq/voicenote-backend/internal/delivery"
	"github.com/voicenotehq/voicenote-backend/internal/enhance"
	"github.com/voicenotehq/voicenote-backend/internal/ingest"
	"github.com/voicenotehq/voicenote-backend/internal/submissions"
	"github.com/voicenotehq/voicenote-backend/internal/transcription"
	"github.com/voicenotehq/voicenote-backend/pkg/config"
	"github.com/voicenotehq/voicenote-backend/pkg/db"
	"github.com/voicenotehq/voicenote-backend/pkg/idempotency"
	"github.com/voicenotehq/voicenote-backend/pkg/logger"
	"github.com/voicenotehq/voicenote-backend/pkg/metrics"
	"github.com/voicenotehq/voicenote-backend/pkg/openai"
	"github.com/voicenotehq/voicenote-backend/pkg/pubsub"
	"github.com/voicenotehq/voicenote-backend/pkg/redis"
	"github.com/voicenotehq/voicenote-backend/pkg/retry"
	"github.com/voicenotehq/voicenote-backend/pkg/sendgrid"
	"github.com/voicenotehq/voicenote-backend/pkg/storage/gcs"
	"github.com/voicenotehq/voicenote-backend/pkg/transcribe"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	pubsubClient, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap pubsub", err)
		os.Exit(1)
	}
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing pubsub", err)
		}
	}()

	gcsClient, err := gcs.NewClient(ctx, cfg.GCS, cfg.GCP, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap gcs", err)
		os.Exit(1)
	}

	transcribeClient, err := transcribe.NewClient(cfg.Transcribe, cfg.GCP.ProjectID, gcsClient)
	if err != nil {
		logg.Error(ctx, "failed to create transcribe client", err)
		os.Exit(1)
	}

	openaiClient, err := openai.NewClient(cfg.OpenAI)
	if err != nil {
		logg.Error(ctx, "failed to create openai client", err)
		os.Exit(1)
	}

	sendgridClient, err := sendgrid.NewClient(cfg.Sendgrid)
	if err != nil {
		logg.Error(ctx, "failed to create sendgrid client", err)
		os.Exit(1)
	}

	guard, err := idempotency.NewManager(redisClient, cfg.Pipeline.IdempotencyTTL)
	if err != nil {
		logg.Error(ctx, "failed to create idempotency manager", err)
		os.Exit(1)
	}

	pipelineMetrics := metrics.NewPipelineMetrics(prometheus.DefaultRegisterer)
	repo := submissions.NewRepository(dbClient.DB())
	policy := retry.NewPolicy(cfg.Pipeline.MaxAttempts, cfg.Pipeline.BackoffBase)

	deliveryStage, err := delivery.NewStage(repo, sendgridClient, policy, logg, pipelineMetrics, cfg.Pipeline.DeliverySubject)
	if err != nil {
		logg.Error(ctx, "failed to create delivery stage", err)
		os.Exit(1)
	}

	enhanceStage, err := enhance.NewStage(repo, openaiClient, deliveryStage, policy, logg, pipelineMetrics)
	if err != nil {
		logg.Error(ctx, "failed to create enhance stage", err)
		os.Exit(1)
	}

	ingestConsumer, err := ingest.NewConsumer(
		repo,
		transcribeClient,
		redisClient,
		guard,
		pubsubClient.AudioSubscription(),
		logg,
		pipelineMetrics,
		cfg.GCS,
		cfg.Transcribe,
		cfg.Sendgrid.DefaultRecipient,
	)
	if err != nil {
		logg.Error(ctx, "failed to create ingest consumer", err)
		os.Exit(1)
	}

	transcriptionConsumer, err := transcription.NewConsumer(
		repo,
		gcsClient,
		enhanceStage,
		guard,
		pubsubClient.TranscriptionSubscription(),
		logg,
		pipelineMetrics,
		cfg.GCS,
	)
	if err != nil {
		logg.Error(ctx, "failed to create transcription consumer", err)
		os.Exit(1)
	}

	service, err := NewService(ServiceParams{
		Config:                cfg,
		Logger:                logg,
		DB:                    dbClient,
		Redis:                 redisClient,
		PubSub:                pubsubClient,
		GCS:                   gcsClient,
		IngestConsumer:        ingestConsumer,
		TranscriptionConsumer: transcriptionConsumer,
	})
	if err != nil {
		logg.Error(ctx, "failed to create worker service", err)
		os.Exit(1)
	}

	go serveMetrics(ctx, cfg, logg)

	runCtx := logg.WithFields(ctx, map[string]any{
		"env":      cfg.App.Env,
		"instance": instanceID(),
	})
	logg.Info(runCtx, "starting worker")

	if err := service.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(runCtx, "worker stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(runCtx, "worker shutting down gracefully")
}

// serveMetrics exposes prometheus metrics and a liveness probe for the worker
// process. Failures here are logged but never take the consumers down.
func serveMetrics(ctx context.Context, cfg *config.Config, logg *logger.Logger) {
	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{Addr: ":" + port, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.Error(ctx, "metrics server stopped unexpectedly", err)
	}
}

func instanceID() string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	return "worker-0"
}
