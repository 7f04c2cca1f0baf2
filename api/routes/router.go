package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voicenotehq/voicenote-backend/api/controllers"
	"github.com/voicenotehq/voicenote-backend/api/middleware"
	"github.com/voicenotehq/voicenote-backend/internal/status"
	"github.com/voicenotehq/voicenote-backend/internal/uploads"
	"github.com/voicenotehq/voicenote-backend/pkg/config"
	"github.com/voicenotehq/voicenote-backend/pkg/logger"
)

// NewRouter wires the public HTTP surface: health probes, prometheus metrics,
// upload presigning, and submission status polling.
func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	deps map[string]controllers.Pinger,
	statusService status.Service,
	uploadsService uploads.Service,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	r.Get("/healthz", controllers.HealthLive(cfg))
	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, deps))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1/submissions", func(r chi.Router) {
		r.Post("/uploads", controllers.UploadPresign(uploadsService, logg))
		r.Get("/{submissionId}/status", controllers.SubmissionStatus(statusService, logg))
	})

	return r
}
