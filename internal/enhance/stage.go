package enhance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/voicenotehq/voicenote-backend/pkg/db/models"
	"github.com/voicenotehq/voicenote-backend/pkg/enums"
	"github.com/voicenotehq/voicenote-backend/pkg/logger"
	"github.com/voicenotehq/voicenote-backend/pkg/metrics"
	"github.com/voicenotehq/voicenote-backend/pkg/retry"
)

const stageName = "enhance"

const systemPrompt = "You clean up raw voice note transcripts. Fix punctuation, " +
	"remove filler words, and organize the content into short readable " +
	"paragraphs. Preserve the speaker's meaning and every concrete detail. " +
	"Return only the cleaned note."

type repository interface {
	FindByID(ctx context.Context, id string) (*models.Submission, error)
	Transition(ctx context.Context, id string, to enums.SubmissionStatus, fields map[string]any) (*models.Submission, error)
	MarkFailed(ctx context.Context, id string, errMsg string, retryCount int) (*models.Submission, error)
}

type completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

type deliverer interface {
	Run(ctx context.Context, submissionID string) error
}

// Stage enhances a transcript into polished note content and hands the
// submission to delivery. Enhancement failures degrade to the raw transcript
// rather than blocking delivery.
type Stage struct {
	repo            repository
	llm             completer
	delivery        deliverer
	policy          retry.Policy
	logg            *logger.Logger
	pipelineMetrics *metrics.PipelineMetrics
	now             func() time.Time
}

// NewStage constructs the enhancement stage.
func NewStage(
	repo repository,
	llm completer,
	delivery deliverer,
	policy retry.Policy,
	logg *logger.Logger,
	pipelineMetrics *metrics.PipelineMetrics,
) (*Stage, error) {
	if repo == nil {
		return nil, errors.New("submissions repository is required")
	}
	if llm == nil {
		return nil, errors.New("completion client is required")
	}
	if delivery == nil {
		return nil, errors.New("delivery stage is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	return &Stage{
		repo:            repo,
		llm:             llm,
		delivery:        delivery,
		policy:          policy,
		logg:            logg,
		pipelineMetrics: pipelineMetrics,
		now:             time.Now,
	}, nil
}

// Run enhances the submission's transcript and invokes delivery. Safe to call
// again after a partial failure: completed steps no-op on redelivery.
func (s *Stage) Run(ctx context.Context, submissionID string) error {
	start := s.now()
	logCtx := s.logg.WithSubmissionID(ctx, submissionID)
	logCtx = s.logg.WithStage(logCtx, stageName)

	sub, err := s.repo.FindByID(logCtx, submissionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.logg.Warn(logCtx, "submission not found, nothing to enhance")
			return nil
		}
		return err
	}

	if sub.Status.IsTerminal() {
		s.logg.Info(logCtx, "submission already terminal")
		return nil
	}

	switch sub.Status {
	case enums.SubmissionStatusTranscribed, enums.SubmissionStatusEnhancing:
		if err := s.enhance(logCtx, sub); err != nil {
			return err
		}
	case enums.SubmissionStatusEnhanced:
		// Crash after enhancement but before delivery; just resume.
		s.logg.Info(logCtx, "submission already enhanced, resuming delivery")
	default:
		s.logg.Warn(logCtx, "submission not ready for enhancement")
		return nil
	}

	s.pipelineMetrics.ObserveDuration(stageName, s.now().Sub(start))

	if err := s.delivery.Run(logCtx, submissionID); err != nil {
		if isTransientError(err) {
			return err
		}
		s.logg.Error(logCtx, "delivery invocation failed", err)
		if _, failErr := s.repo.MarkFailed(logCtx, submissionID, "delivery invocation failed: "+err.Error(), 0); failErr != nil {
			return failErr
		}
	}
	return nil
}

func (s *Stage) enhance(ctx context.Context, sub *models.Submission) error {
	if _, err := s.repo.Transition(ctx, sub.ID, enums.SubmissionStatusEnhancing, nil); err != nil {
		return err
	}

	transcript := ""
	if sub.Transcript != nil {
		transcript = *sub.Transcript
	}

	enhanced, attempts, enhanceErr := s.complete(ctx, transcript)
	retries := attempts - 1
	if retries < 0 {
		retries = 0
	}
	if enhanceErr == nil {
		// Rewritten unconditionally: the counter covers this stage's
		// attempt sequence only.
		fields := map[string]any{
			"enhanced_content": enhanced,
			"retry_count":      retries,
		}
		if _, err := s.repo.Transition(ctx, sub.ID, enums.SubmissionStatusEnhanced, fields); err != nil {
			return err
		}
		s.pipelineMetrics.IncSuccess(stageName)
		s.logg.Info(ctx, "transcript enhanced")
		return nil
	}

	// Degraded success: deliver the raw transcript and record why the
	// enhanced version is missing. The submission still completes.
	s.logg.Error(ctx, "enhancement failed, falling back to raw transcript", enhanceErr)
	fields := map[string]any{
		"enhanced_content": transcript,
		"error_message":    "enhancement failed: " + enhanceErr.Error(),
		"retry_count":      retries,
	}
	if _, err := s.repo.Transition(ctx, sub.ID, enums.SubmissionStatusEnhanced, fields); err != nil {
		return err
	}
	s.pipelineMetrics.IncFallback(stageName)
	return nil
}

func (s *Stage) complete(ctx context.Context, transcript string) (string, int, error) {
	if strings.TrimSpace(transcript) == "" {
		return "", 0, fmt.Errorf("transcript is empty")
	}

	var enhanced string
	attempts, err := s.policy.Do(ctx, func(ctx context.Context) error {
		result, completeErr := s.llm.Complete(ctx, systemPrompt, buildUserPrompt(transcript))
		if completeErr != nil {
			return completeErr
		}
		enhanced = result
		return nil
	})
	if err != nil {
		return "", attempts, err
	}
	return enhanced, attempts, nil
}

func buildUserPrompt(transcript string) string {
	return "Clean up this voice note transcript:\n\n" + transcript
}

func isTransientError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
