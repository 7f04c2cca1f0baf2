package ingest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/voicenotehq/voicenote-backend/pkg/config"
	"github.com/voicenotehq/voicenote-backend/pkg/db/models"
	"github.com/voicenotehq/voicenote-backend/pkg/enums"
	"github.com/voicenotehq/voicenote-backend/pkg/logger"
	"github.com/voicenotehq/voicenote-backend/pkg/metrics"
	"github.com/voicenotehq/voicenote-backend/pkg/redis"
	"github.com/voicenotehq/voicenote-backend/pkg/transcribe"
)

const (
	objectFinalizeEvent  = "OBJECT_FINALIZE"
	payloadFormatJSONAPI = "JSON_API_V1"

	consumerName = "ingest"
)

type repository interface {
	InsertIfAbsent(ctx context.Context, sub *models.Submission) (bool, error)
	FindByID(ctx context.Context, id string) (*models.Submission, error)
	Transition(ctx context.Context, id string, to enums.SubmissionStatus, fields map[string]any) (*models.Submission, error)
	MarkFailed(ctx context.Context, id string, errMsg string, retryCount int) (*models.Submission, error)
}

type jobStarter interface {
	StartJob(ctx context.Context, input transcribe.StartJobInput) (string, error)
}

type recipientStore interface {
	Get(ctx context.Context, key string) (string, error)
	RecipientKey(submissionID string) string
}

type idempotencyGuard interface {
	CheckAndMarkProcessed(ctx context.Context, consumer, messageID string) (bool, error)
	Release(ctx context.Context, consumer, messageID string) error
}

// Consumer processes GCS OBJECT_FINALIZE notifications for uploaded audio,
// creates the tracking record, and starts the transcription job.
type Consumer struct {
	repo             repository
	jobs             jobStarter
	recipients       recipientStore
	guard            idempotencyGuard
	subscription     *pubsub.Subscriber
	logg             *logger.Logger
	pipelineMetrics  *metrics.PipelineMetrics
	bucket           string
	audioPrefix      string
	outputPrefix     string
	defaultRecipient string
	now              func() time.Time
}

// NewConsumer constructs a consumer that watches the audio upload subscription.
func NewConsumer(
	repo repository,
	jobs jobStarter,
	recipients recipientStore,
	guard idempotencyGuard,
	subscription *pubsub.Subscriber,
	logg *logger.Logger,
	pipelineMetrics *metrics.PipelineMetrics,
	gcsCfg config.GCSConfig,
	transcribeCfg config.TranscribeConfig,
	defaultRecipient string,
) (*Consumer, error) {
	if repo == nil {
		return nil, errors.New("submissions repository is required")
	}
	if jobs == nil {
		return nil, errors.New("transcription job client is required")
	}
	if recipients == nil {
		return nil, errors.New("recipient store is required")
	}
	if guard == nil {
		return nil, errors.New("idempotency guard is required")
	}
	if subscription == nil {
		return nil, errors.New("audio subscription is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	if strings.TrimSpace(defaultRecipient) == "" {
		return nil, errors.New("default recipient is required")
	}
	return &Consumer{
		repo:             repo,
		jobs:             jobs,
		recipients:       recipients,
		guard:            guard,
		subscription:     subscription,
		logg:             logg,
		pipelineMetrics:  pipelineMetrics,
		bucket:           gcsCfg.BucketName,
		audioPrefix:      gcsCfg.AudioPrefix,
		outputPrefix:     transcribeCfg.OutputPrefix,
		defaultRecipient: defaultRecipient,
		now:              time.Now,
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

func (c *Consumer) process(ctx context.Context, msg *pubsub.Message) processResult {
	start := c.now()
	attrs := parseAttributes(msg.Attributes)
	logCtx := c.logg.WithFields(ctx, c.buildLogFields(msg.ID, attrs, ""))
	logCtx = c.logg.WithStage(logCtx, consumerName)

	if attrs.EventType != objectFinalizeEvent {
		c.logg.Info(logCtx, "skipping non-finalize event")
		return processResult{ack: true}
	}
	if attrs.PayloadFormat != payloadFormatJSONAPI {
		c.logg.Warn(logCtx, "unsupported payload format")
		return processResult{ack: true}
	}

	payload, err := decodePayload(msg.Data)
	if err != nil {
		c.logg.Error(logCtx, "failed to decode payload", err)
		return processResult{ack: true}
	}

	var object gcsPayload
	if err := json.Unmarshal(payload, &object); err != nil {
		c.logg.Error(logCtx, "failed to unmarshal payload", err)
		return processResult{ack: true}
	}
	if strings.TrimSpace(object.Name) == "" {
		c.logg.Error(logCtx, "payload missing gcs object name", fmt.Errorf("empty name"))
		return processResult{ack: true}
	}
	if c.bucket != "" && object.Bucket != "" && object.Bucket != c.bucket {
		c.logg.Warn(logCtx, "object from unexpected bucket, skipping")
		return processResult{ack: true}
	}

	submissionID, ok := submissionIDFromKey(object.Name, c.audioPrefix)
	if !ok {
		c.logg.Info(logCtx, "object key outside audio prefix, skipping")
		return processResult{ack: true}
	}

	logCtx = c.logg.WithFields(ctx, c.buildLogFields(msg.ID, attrs, object.Name))
	logCtx = c.logg.WithStage(logCtx, consumerName)
	logCtx = c.logg.WithSubmissionID(logCtx, submissionID)

	processed, err := c.guard.CheckAndMarkProcessed(logCtx, consumerName, msg.ID)
	if err != nil {
		// The conditional insert below still dedupes, so a guard outage
		// only costs us the fast path.
		c.logg.Warn(logCtx, "idempotency guard unavailable, relying on conditional insert")
	} else if processed {
		c.logg.Info(logCtx, "message already processed")
		return processResult{ack: true}
	}

	recipient := c.lookupRecipient(logCtx, submissionID)

	created, err := c.repo.InsertIfAbsent(logCtx, &models.Submission{
		ID:        submissionID,
		SourceKey: object.Name,
		Status:    enums.SubmissionStatusUploaded,
		Recipient: recipient,
	})
	if err != nil {
		return c.handleDBError(logCtx, msg.ID, err)
	}
	if !created {
		existing, err := c.repo.FindByID(logCtx, submissionID)
		if err != nil {
			return c.handleDBError(logCtx, msg.ID, err)
		}
		// A duplicate finalize event for a record that already left
		// uploaded is a pure no-op. If the record is still uploaded the
		// previous attempt died before the job started; fall through
		// and start it now.
		if existing.Status != enums.SubmissionStatusUploaded {
			c.logg.Info(logCtx, "submission already in flight")
			return processResult{ack: true}
		}
		c.logg.Info(logCtx, "retrying job start for existing uploaded submission")
	}

	jobRef, err := c.jobs.StartJob(logCtx, transcribe.StartJobInput{
		SubmissionID: submissionID,
		AudioURI:     fmt.Sprintf("gs://%s/%s", c.bucket, object.Name),
		OutputURI:    fmt.Sprintf("gs://%s/%s%s/", c.bucket, c.outputPrefix, submissionID),
	})
	if err != nil {
		c.logg.Error(logCtx, "failed to start transcription job", err)
		if _, failErr := c.repo.MarkFailed(logCtx, submissionID, "transcription job start failed: "+err.Error(), 0); failErr != nil {
			return c.handleDBError(logCtx, msg.ID, failErr)
		}
		c.pipelineMetrics.IncFailure(consumerName)
		c.pipelineMetrics.ObserveDuration(consumerName, c.now().Sub(start))
		return processResult{ack: true}
	}

	if _, err := c.repo.Transition(logCtx, submissionID, enums.SubmissionStatusTranscribing, map[string]any{
		"job_reference": jobRef,
	}); err != nil {
		return c.handleDBError(logCtx, msg.ID, err)
	}

	c.pipelineMetrics.IncSuccess(consumerName)
	c.pipelineMetrics.ObserveDuration(consumerName, c.now().Sub(start))
	c.logg.Info(logCtx, "transcription job started")
	return processResult{ack: true}
}

func (c *Consumer) lookupRecipient(ctx context.Context, submissionID string) string {
	value, err := c.recipients.Get(ctx, c.recipients.RecipientKey(submissionID))
	if err != nil {
		if !redis.IsNil(err) {
			c.logg.Warn(ctx, "recipient stash unavailable, using default recipient")
		}
		return c.defaultRecipient
	}
	if strings.TrimSpace(value) == "" {
		return c.defaultRecipient
	}
	return value
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

func (c *Consumer) buildLogFields(messageID string, attrs gcsAttributes, objectName string) map[string]any {
	fields := map[string]any{
		"message_id": messageID,
		"event_type": attrs.EventType,
		"bucket":     firstNonEmpty(attrs.BucketID, c.bucket),
	}
	if objectName != "" {
		fields["gcs_key"] = objectName
	}
	return fields
}

// submissionIDFromKey extracts the submission id from an object key shaped
// like `<prefix><id>/<filename>`. Keys outside the prefix or without both
// path segments report ok=false.
func submissionIDFromKey(key, prefix string) (string, bool) {
	if prefix != "" && !strings.HasPrefix(key, prefix) {
		return "", false
	}
	rest := strings.TrimPrefix(key, prefix)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return parts[0], true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseAttributes(attrs map[string]string) gcsAttributes {
	return gcsAttributes{
		EventType:     attrs["eventType"],
		BucketID:      attrs["bucketId"],
		ObjectID:      attrs["objectId"],
		PayloadFormat: attrs["payloadFormat"],
	}
}

type gcsAttributes struct {
	EventType     string
	BucketID      string
	ObjectID      string
	PayloadFormat string
}

type gcsPayload struct {
	Name        string `json:"name"`
	Bucket      string `json:"bucket"`
	Generation  string `json:"generation"`
	ContentType string `json:"contentType"`
	Size        string `json:"size"`
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
