package delivery

import (
	"context"
	"errors"
	"html"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/voicenotehq/voicenote-backend/pkg/db/models"
	"github.com/voicenotehq/voicenote-backend/pkg/enums"
	"github.com/voicenotehq/voicenote-backend/pkg/logger"
	"github.com/voicenotehq/voicenote-backend/pkg/metrics"
	"github.com/voicenotehq/voicenote-backend/pkg/retry"
	"github.com/voicenotehq/voicenote-backend/pkg/sendgrid"
)

const stageName = "delivery"

type repository interface {
	FindByID(ctx context.Context, id string) (*models.Submission, error)
	Transition(ctx context.Context, id string, to enums.SubmissionStatus, fields map[string]any) (*models.Submission, error)
	MarkFailed(ctx context.Context, id string, errMsg string, retryCount int) (*models.Submission, error)
}

type mailer interface {
	Send(ctx context.Context, input sendgrid.SendInput) (string, error)
}

// Stage emails the finished note to the submission's recipient and closes out
// the record.
type Stage struct {
	repo            repository
	mail            mailer
	policy          retry.Policy
	logg            *logger.Logger
	pipelineMetrics *metrics.PipelineMetrics
	subject         string
	now             func() time.Time
}

// NewStage constructs the delivery stage.
func NewStage(
	repo repository,
	mail mailer,
	policy retry.Policy,
	logg *logger.Logger,
	pipelineMetrics *metrics.PipelineMetrics,
	subject string,
) (*Stage, error) {
	if repo == nil {
		return nil, errors.New("submissions repository is required")
	}
	if mail == nil {
		return nil, errors.New("mail client is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	if strings.TrimSpace(subject) == "" {
		subject = "Your voice note"
	}
	return &Stage{
		repo:            repo,
		mail:            mail,
		policy:          policy,
		logg:            logg,
		pipelineMetrics: pipelineMetrics,
		subject:         subject,
		now:             time.Now,
	}, nil
}

// Run delivers the submission's enhanced content. Terminal submissions and
// submissions that have not reached enhanced are left alone.
func (s *Stage) Run(ctx context.Context, submissionID string) error {
	start := s.now()
	logCtx := s.logg.WithSubmissionID(ctx, submissionID)
	logCtx = s.logg.WithStage(logCtx, stageName)

	sub, err := s.repo.FindByID(logCtx, submissionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.logg.Warn(logCtx, "submission not found, nothing to deliver")
			return nil
		}
		return err
	}

	if sub.Status.IsTerminal() {
		s.logg.Info(logCtx, "submission already terminal")
		return nil
	}
	if sub.Status != enums.SubmissionStatusEnhanced {
		s.logg.Warn(logCtx, "submission not ready for delivery")
		return nil
	}

	content := ""
	if sub.EnhancedContent != nil {
		content = *sub.EnhancedContent
	}

	var deliveryRef string
	attempts, sendErr := s.policy.Do(logCtx, func(ctx context.Context) error {
		ref, err := s.mail.Send(ctx, sendgrid.SendInput{
			To:       sub.Recipient,
			Subject:  s.subject,
			HTMLBody: formatHTMLBody(content),
			TextBody: formatTextBody(content),
		})
		if err != nil {
			return err
		}
		deliveryRef = ref
		return nil
	})

	if sendErr != nil {
		s.logg.Error(logCtx, "delivery failed after retries", sendErr)
		if _, err := s.repo.MarkFailed(logCtx, sub.ID, "delivery failed: "+sendErr.Error(), attempts); err != nil {
			return err
		}
		s.pipelineMetrics.IncFailure(stageName)
		s.pipelineMetrics.ObserveDuration(stageName, s.now().Sub(start))
		return nil
	}

	now := s.now().UTC()
	// Rewritten unconditionally: the counter covers this stage's
	// attempt sequence only.
	fields := map[string]any{
		"completed_at": &now,
		"retry_count":  attempts - 1,
	}
	if deliveryRef != "" {
		fields["delivery_ref"] = deliveryRef
	}
	if _, err := s.repo.Transition(logCtx, sub.ID, enums.SubmissionStatusDelivered, fields); err != nil {
		return err
	}

	s.pipelineMetrics.IncSuccess(stageName)
	s.pipelineMetrics.ObserveDuration(stageName, s.now().Sub(start))
	s.logg.Info(logCtx, "note delivered")
	return nil
}

func formatHTMLBody(content string) string {
	paragraphs := strings.Split(strings.TrimSpace(content), "\n\n")
	var b strings.Builder
	for _, paragraph := range paragraphs {
		trimmed := strings.TrimSpace(paragraph)
		if trimmed == "" {
			continue
		}
		b.WriteString("<p>")
		b.WriteString(strings.ReplaceAll(html.EscapeString(trimmed), "\n", "<br>"))
		b.WriteString("</p>")
	}
	if b.Len() == 0 {
		return "<p>(empty note)</p>"
	}
	return b.String()
}

func formatTextBody(content string) string {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "(empty note)"
	}
	return trimmed
}
