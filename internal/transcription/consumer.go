package transcription

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"gorm.io/gorm"

	"github.com/voicenotehq/voicenote-backend/pkg/config"
	"github.com/voicenotehq/voicenote-backend/pkg/db/models"
	"github.com/voicenotehq/voicenote-backend/pkg/enums"
	"github.com/voicenotehq/voicenote-backend/pkg/logger"
	"github.com/voicenotehq/voicenote-backend/pkg/metrics"
)

const (
	outcomeSucceeded = "succeeded"
	outcomeFailed    = "failed"

	consumerName = "transcription"
)

type repository interface {
	FindByID(ctx context.Context, id string) (*models.Submission, error)
	FindByJobReference(ctx context.Context, jobReference string) (*models.Submission, error)
	Transition(ctx context.Context, id string, to enums.SubmissionStatus, fields map[string]any) (*models.Submission, error)
	MarkFailed(ctx context.Context, id string, errMsg string, retryCount int) (*models.Submission, error)
}

type artifactDownloader interface {
	DownloadObject(ctx context.Context, bucket, object string) ([]byte, error)
}

// stageChain is the synchronous enhancement and delivery run that follows a
// successful transcription.
type stageChain interface {
	Run(ctx context.Context, submissionID string) error
}

type idempotencyGuard interface {
	CheckAndMarkProcessed(ctx context.Context, consumer, messageID string) (bool, error)
	Release(ctx context.Context, consumer, messageID string) error
}

// Consumer processes transcription job completion notifications, persists the
// transcript, and hands the submission to the enhancement chain.
type Consumer struct {
	repo            repository
	storage         artifactDownloader
	chain           stageChain
	guard           idempotencyGuard
	subscription    *pubsub.Subscriber
	logg            *logger.Logger
	pipelineMetrics *metrics.PipelineMetrics
	bucket          string
	now             func() time.Time
}

// NewConsumer constructs a consumer that watches the transcription completion subscription.
func NewConsumer(
	repo repository,
	storage artifactDownloader,
	chain stageChain,
	guard idempotencyGuard,
	subscription *pubsub.Subscriber,
	logg *logger.Logger,
	pipelineMetrics *metrics.PipelineMetrics,
	gcsCfg config.GCSConfig,
) (*Consumer, error) {
	if repo == nil {
		return nil, errors.New("submissions repository is required")
	}
	if storage == nil {
		return nil, errors.New("artifact downloader is required")
	}
	if chain == nil {
		return nil, errors.New("stage chain is required")
	}
	if guard == nil {
		return nil, errors.New("idempotency guard is required")
	}
	if subscription == nil {
		return nil, errors.New("transcription subscription is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	return &Consumer{
		repo:            repo,
		storage:         storage,
		chain:           chain,
		guard:           guard,
		subscription:    subscription,
		logg:            logg,
		pipelineMetrics: pipelineMetrics,
		bucket:          gcsCfg.BucketName,
		now:             time.Now,
	}, nil
}

// Run processes messages until the context is canceled or the subscription errors.
func (c *Consumer) Run(ctx context.Context) error {
	return c.subscription.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		result := c.process(ctx, msg)
		if result.nack {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

type processResult struct {
	ack  bool
	nack bool
}

// completionPayload is the notification published when a transcription job
// finishes. The submission id travels explicitly; job reference is the
// fallback lookup for notifications produced before the id label existed.
type completionPayload struct {
	SubmissionID     string `json:"submissionId"`
	JobReference     string `json:"jobReference"`
	Outcome          string `json:"outcome"`
	TranscriptObject string `json:"transcriptObject"`
	ErrorMessage     string `json:"errorMessage"`
}

func (c *Consumer) process(ctx context.Context, msg *pubsub.Message) processResult {
	start := c.now()
	logCtx := c.logg.WithFields(ctx, map[string]any{"message_id": msg.ID})
	logCtx = c.logg.WithStage(logCtx, consumerName)

	payload, err := decodePayload(msg.Data)
	if err != nil {
		c.logg.Error(logCtx, "failed to decode payload", err)
		return processResult{ack: true}
	}

	var notification completionPayload
	if err := json.Unmarshal(payload, &notification); err != nil {
		c.logg.Error(logCtx, "failed to unmarshal payload", err)
		return processResult{ack: true}
	}

	processed, err := c.guard.CheckAndMarkProcessed(logCtx, consumerName, msg.ID)
	if err != nil {
		c.logg.Warn(logCtx, "idempotency guard unavailable, relying on status checks")
	} else if processed {
		c.logg.Info(logCtx, "message already processed")
		return processResult{ack: true}
	}

	sub, err := c.resolveSubmission(logCtx, notification)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.logg.Warn(logCtx, "no submission matches notification, skipping")
			return processResult{ack: true}
		}
		return c.handleDBError(logCtx, msg.ID, err)
	}

	logCtx = c.logg.WithSubmissionID(logCtx, sub.ID)

	if sub.Status.IsTerminal() {
		c.logg.Info(logCtx, "submission already terminal")
		return processResult{ack: true}
	}

	if notification.Outcome == outcomeFailed {
		reason := notification.ErrorMessage
		if strings.TrimSpace(reason) == "" {
			reason = "transcription job failed"
		}
		if _, err := c.repo.MarkFailed(logCtx, sub.ID, reason, 0); err != nil {
			return c.handleDBError(logCtx, msg.ID, err)
		}
		c.pipelineMetrics.IncFailure(consumerName)
		c.pipelineMetrics.ObserveDuration(consumerName, c.now().Sub(start))
		c.logg.Info(logCtx, "submission marked failed from job outcome")
		return processResult{ack: true}
	}
	if notification.Outcome != outcomeSucceeded {
		c.logg.Warn(logCtx, "unknown job outcome, skipping")
		return processResult{ack: true}
	}

	// A redelivery after the transcript was persisted skips straight to the
	// chain; the status no-op below keeps the write idempotent.
	if sub.Status == enums.SubmissionStatusUploaded || sub.Status == enums.SubmissionStatusTranscribing || sub.Status == enums.SubmissionStatusTranscribed {
		transcript, err := c.fetchTranscript(logCtx, notification.TranscriptObject)
		if err != nil {
			c.logg.Error(logCtx, "transcript artifact unreadable", err)
			if _, failErr := c.repo.MarkFailed(logCtx, sub.ID, "transcript artifact unreadable: "+err.Error(), 0); failErr != nil {
				return c.handleDBError(logCtx, msg.ID, failErr)
			}
			c.pipelineMetrics.IncFailure(consumerName)
			return processResult{ack: true}
		}

		if _, err := c.repo.Transition(logCtx, sub.ID, enums.SubmissionStatusTranscribed, map[string]any{
			"transcript": transcript,
		}); err != nil {
			return c.handleDBError(logCtx, msg.ID, err)
		}
	}

	c.pipelineMetrics.IncSuccess(consumerName)
	c.pipelineMetrics.ObserveDuration(consumerName, c.now().Sub(start))
	c.logg.Info(logCtx, "transcript persisted, running enhancement chain")

	if err := c.chain.Run(logCtx, sub.ID); err != nil {
		c.logg.Error(logCtx, "enhancement chain error", err)
		if isTransientDBError(err) {
			if releaseErr := c.guard.Release(logCtx, consumerName, msg.ID); releaseErr != nil {
				c.logg.Warn(logCtx, "failed to release idempotency mark")
			}
			return processResult{nack: true}
		}
	}

	return processResult{ack: true}
}

func (c *Consumer) resolveSubmission(ctx context.Context, notification completionPayload) (*models.Submission, error) {
	if strings.TrimSpace(notification.SubmissionID) != "" {
		return c.repo.FindByID(ctx, notification.SubmissionID)
	}
	if strings.TrimSpace(notification.JobReference) != "" {
		return c.repo.FindByJobReference(ctx, notification.JobReference)
	}
	return nil, gorm.ErrRecordNotFound
}

func (c *Consumer) fetchTranscript(ctx context.Context, object string) (string, error) {
	if strings.TrimSpace(object) == "" {
		return "", fmt.Errorf("notification missing transcript object")
	}
	data, err := c.storage.DownloadObject(ctx, c.bucket, object)
	if err != nil {
		return "", err
	}
	return ParseTranscript(data)
}

func (c *Consumer) handleDBError(ctx context.Context, messageID string, err error) processResult {
	c.logg.Error(ctx, "submission persistence error", err)
	if isTransientDBError(err) {
		if releaseErr := c.guard.Release(ctx, consumerName, messageID); releaseErr != nil {
			c.logg.Warn(ctx, "failed to release idempotency mark")
		}
		return processResult{nack: true}
	}
	return processResult{ack: true}
}

// transcriptArtifact is the batch recognition result layout. Each result
// carries ranked alternatives; the first alternative is the best one.
type transcriptArtifact struct {
	Results []struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"results"`
}

// ParseTranscript flattens a recognition result artifact into plain text.
func ParseTranscript(data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("transcript artifact empty")
	}

	var artifact transcriptArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return "", fmt.Errorf("parse transcript artifact: %w", err)
	}

	var parts []string
	for _, result := range artifact.Results {
		if len(result.Alternatives) == 0 {
			continue
		}
		text := strings.TrimSpace(result.Alternatives[0].Transcript)
		if text != "" {
			parts = append(parts, text)
		}
	}

	return strings.Join(parts, " "), nil
}

func decodePayload(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("payload empty")
	}
	if decoded, err := base64.StdEncoding.DecodeString(string(data)); err == nil {
		return decoded, nil
	}
	return data, nil
}

func isTransientDBError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
