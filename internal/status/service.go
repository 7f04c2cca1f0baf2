package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/voicenotehq/voicenote-backend/pkg/db/models"
	"github.com/voicenotehq/voicenote-backend/pkg/enums"
	pkgerrors "github.com/voicenotehq/voicenote-backend/pkg/errors"
)

type repository interface {
	FindByID(ctx context.Context, id string) (*models.Submission, error)
}

// Service exposes read-only submission progress for polling clients.
type Service interface {
	GetStatus(ctx context.Context, submissionID string) (*SubmissionStatusDTO, error)
}

type service struct {
	repo repository
}

// NewService builds a status service over the submissions repository.
func NewService(repo repository) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("submissions repository required")
	}
	return &service{repo: repo}, nil
}

// SubmissionStatusDTO is the polled progress view of one submission.
type SubmissionStatusDTO struct {
	ID              string     `json:"id"`
	Status          string     `json:"status"`
	Description     string     `json:"description"`
	Progress        float64    `json:"progress"`
	Transcript      *string    `json:"transcript,omitempty"`
	EnhancedContent *string    `json:"enhancedContent,omitempty"`
	ErrorMessage    *string    `json:"errorMessage,omitempty"`
	RetryCount      int        `json:"retryCount"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
}

var statusProgress = map[enums.SubmissionStatus]float64{
	enums.SubmissionStatusUploaded:     0.10,
	enums.SubmissionStatusTranscribing: 0.30,
	enums.SubmissionStatusTranscribed:  0.50,
	enums.SubmissionStatusEnhancing:    0.65,
	enums.SubmissionStatusEnhanced:     0.80,
	enums.SubmissionStatusDelivered:    1.0,
	enums.SubmissionStatusFailed:       0,
}

var statusDescriptions = map[enums.SubmissionStatus]string{
	enums.SubmissionStatusUploaded:     "Audio received, waiting for transcription to start",
	enums.SubmissionStatusTranscribing: "Transcribing audio",
	enums.SubmissionStatusTranscribed:  "Transcript ready, enhancement queued",
	enums.SubmissionStatusEnhancing:    "Polishing the transcript",
	enums.SubmissionStatusEnhanced:     "Note ready, sending email",
	enums.SubmissionStatusDelivered:    "Note delivered",
	enums.SubmissionStatusFailed:       "Processing failed",
}

func (s *service) GetStatus(ctx context.Context, submissionID string) (*SubmissionStatusDTO, error) {
	if submissionID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "submission id is required")
	}

	sub, err := s.repo.FindByID(ctx, submissionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "submission not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load submission")
	}

	return &SubmissionStatusDTO{
		ID:              sub.ID,
		Status:          sub.Status.String(),
		Description:     statusDescriptions[sub.Status],
		Progress:        statusProgress[sub.Status],
		Transcript:      sub.Transcript,
		EnhancedContent: sub.EnhancedContent,
		ErrorMessage:    sub.ErrorMessage,
		RetryCount:      sub.RetryCount,
		CreatedAt:       sub.CreatedAt,
		UpdatedAt:       sub.UpdatedAt,
		CompletedAt:     sub.CompletedAt,
	}, nil
}
