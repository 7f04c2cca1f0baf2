package uploads

import (
	"context"
	"fmt"
	"net/mail"
	"path"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	pkgerrors "github.com/voicenotehq/voicenote-backend/pkg/errors"
)

const maxUploadBytes = 50 * 1024 * 1024

type urlSigner interface {
	SignedURL(bucket, object, contentType string, expires time.Duration) (string, error)
}

type recipientStore interface {
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	RecipientKey(submissionID string) string
}

// Service hands out signed PUT URLs for audio uploads. The submission record
// itself is created later by the ingestion consumer when the object lands;
// this service only reserves the object key and stashes the recipient.
type Service interface {
	PresignUpload(ctx context.Context, input PresignInput) (*PresignOutput, error)
}

type service struct {
	signer       urlSigner
	recipients   recipientStore
	bucket       string
	audioPrefix  string
	uploadTTL    time.Duration
	recipientTTL time.Duration
}

// NewService constructs an uploads service backed by the GCS signer and the
// recipient stash.
func NewService(signer urlSigner, recipients recipientStore, bucket, audioPrefix string, uploadTTL, recipientTTL time.Duration) (Service, error) {
	if signer == nil {
		return nil, fmt.Errorf("url signer required")
	}
	if recipients == nil {
		return nil, fmt.Errorf("recipient store required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("gcs bucket required")
	}
	if uploadTTL <= 0 {
		return nil, fmt.Errorf("upload ttl must be positive")
	}
	if recipientTTL <= 0 {
		return nil, fmt.Errorf("recipient ttl must be positive")
	}
	return &service{
		signer:       signer,
		recipients:   recipients,
		bucket:       bucket,
		audioPrefix:  audioPrefix,
		uploadTTL:    uploadTTL,
		recipientTTL: recipientTTL,
	}, nil
}

// PresignInput models the payload required to request an upload URL.
type PresignInput struct {
	RecipientEmail string
	FileName       string
	ContentType    string
	SizeBytes      int64
}

// PresignOutput contains the data returned to the client.
type PresignOutput struct {
	SubmissionID string    `json:"submission_id"`
	ObjectKey    string    `json:"object_key"`
	SignedPUTURL string    `json:"signed_put_url"`
	ContentType  string    `json:"content_type"`
	ExpiresAt    time.Time `json:"expires_at"`
}

var allowedAudioMimeTypes = []string{
	"audio/ogg",
	"audio/mpeg",
	"audio/mp4",
	"audio/wav",
	"audio/webm",
	"audio/x-m4a",
	"audio/flac",
}

func (s *service) PresignUpload(ctx context.Context, input PresignInput) (*PresignOutput, error) {
	recipient := strings.TrimSpace(input.RecipientEmail)
	if recipient == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "recipient_email is required")
	}
	if _, err := mail.ParseAddress(recipient); err != nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "recipient_email is not a valid address")
	}

	fileName := strings.TrimSpace(input.FileName)
	if fileName == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "file_name is required")
	}

	if input.SizeBytes <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "size_bytes must be positive")
	}
	if input.SizeBytes > maxUploadBytes {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("size_bytes must be ≤ %d bytes", maxUploadBytes))
	}

	contentType := strings.TrimSpace(input.ContentType)
	if contentType == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "content_type is required")
	}
	if !isAllowedAudioMime(contentType) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "content_type is not a supported audio type")
	}

	submissionID := uuid.NewString()
	objectKey := s.buildObjectKey(submissionID, fileName)

	if err := s.recipients.Set(ctx, s.recipients.RecipientKey(submissionID), recipient, s.recipientTTL); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "stash recipient email")
	}

	expiresAt := time.Now().Add(s.uploadTTL)
	signedURL, err := s.signer.SignedURL(s.bucket, objectKey, contentType, s.uploadTTL)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "sign upload url")
	}

	return &PresignOutput{
		SubmissionID: submissionID,
		ObjectKey:    objectKey,
		SignedPUTURL: signedURL,
		ContentType:  contentType,
		ExpiresAt:    expiresAt,
	}, nil
}

func isAllowedAudioMime(contentType string) bool {
	for _, candidate := range allowedAudioMimeTypes {
		if strings.EqualFold(candidate, contentType) {
			return true
		}
	}
	return false
}

func (s *service) buildObjectKey(submissionID, fileName string) string {
	cleanName := sanitizeFileName(fileName)
	if cleanName == "" {
		cleanName = "note"
	}
	return fmt.Sprintf("%s%s/%s", s.audioPrefix, submissionID, cleanName)
}

func sanitizeFileName(name string) string {
	if name == "" {
		return ""
	}
	clean := path.Base(strings.TrimSpace(name))
	if clean == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(clean))
	for _, r := range clean {
		switch {
		case r == '/' || r == '\\' || unicode.IsControl(r):
			continue
		case unicode.IsSpace(r):
			b.WriteRune('-')
		default:
			b.WriteRune(r)
		}
	}
	return strings.Trim(b.String(), "-_.")
}
