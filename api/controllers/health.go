package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/voicenotehq/voicenote-backend/api/responses"
	"github.com/voicenotehq/voicenote-backend/pkg/config"
	pkgerrors "github.com/voicenotehq/voicenote-backend/pkg/errors"
	"github.com/voicenotehq/voicenote-backend/pkg/logger"
)

const readyCheckTimeout = 2 * time.Second

// Pinger is the health-check surface shared by the db, redis, gcs, and
// pubsub clients.
type Pinger interface {
	Ping(context.Context) error
}

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Voicenote-Env", cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

// HealthReady pings every wired dependency and reports per-dependency state.
// Any failing dependency turns the response into a 503.
func HealthReady(cfg *config.Config, logg *logger.Logger, deps map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Voicenote-Env", cfg.App.Env)

		ctx, cancel := context.WithTimeout(r.Context(), readyCheckTimeout)
		defer cancel()

		checks := map[string]string{}
		healthy := true
		for name, dep := range deps {
			if dep == nil {
				checks[name] = "not configured"
				continue
			}
			if err := dep.Ping(ctx); err != nil {
				checks[name] = "unavailable"
				healthy = false
				if logg != nil {
					logCtx := logg.WithFields(ctx, map[string]any{"dependency": name})
					logg.Error(logCtx, "readiness check failed", err)
				}
				continue
			}
			checks[name] = "ok"
		}

		if !healthy {
			responses.WriteError(ctx, logg, w,
				pkgerrors.New(pkgerrors.CodeDependency, "dependencies unavailable").WithDetails(checks))
			return
		}

		responses.WriteSuccess(w, map[string]any{"status": "ready", "checks": checks})
	}
}
