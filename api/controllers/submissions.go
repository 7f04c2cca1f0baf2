package controllers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/voicenotehq/voicenote-backend/api/responses"
	"github.com/voicenotehq/voicenote-backend/api/validators"
	"github.com/voicenotehq/voicenote-backend/internal/status"
	"github.com/voicenotehq/voicenote-backend/internal/uploads"
	pkgerrors "github.com/voicenotehq/voicenote-backend/pkg/errors"
	"github.com/voicenotehq/voicenote-backend/pkg/logger"
)

// SubmissionStatus returns the polled progress view for one submission.
func SubmissionStatus(svc status.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "status service unavailable"))
			return
		}

		submissionID := strings.TrimSpace(chi.URLParam(r, "submissionId"))
		if submissionID == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "submission id is required"))
			return
		}

		dto, err := svc.GetStatus(r.Context(), submissionID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, dto)
	}
}

type uploadPresignRequest struct {
	RecipientEmail string `json:"recipient_email" validate:"required,email"`
	FileName       string `json:"file_name" validate:"required"`
	ContentType    string `json:"content_type" validate:"required"`
	SizeBytes      int64  `json:"size_bytes" validate:"required,min=1"`
}

// UploadPresign hands out a signed PUT URL for an audio upload and records
// where the finished note should be emailed.
func UploadPresign(svc uploads.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "uploads service unavailable"))
			return
		}

		var payload uploadPresignRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		out, err := svc.PresignUpload(r.Context(), uploads.PresignInput{
			RecipientEmail: payload.RecipientEmail,
			FileName:       payload.FileName,
			ContentType:    payload.ContentType,
			SizeBytes:      payload.SizeBytes,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, out)
	}
}
