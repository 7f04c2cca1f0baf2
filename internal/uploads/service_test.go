package uploads

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	pkgerrors "github.com/voicenotehq/voicenote-backend/pkg/errors"
)

type stubSigner struct {
	url     string
	err     error
	objects []string
}

func (s *stubSigner) SignedURL(bucket, object, contentType string, expires time.Duration) (string, error) {
	s.objects = append(s.objects, object)
	return s.url, s.err
}

type stubRecipients struct {
	stored map[string]string
	ttls   map[string]time.Duration
	err    error
}

func (s *stubRecipients) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if s.err != nil {
		return s.err
	}
	if s.stored == nil {
		s.stored = map[string]string{}
		s.ttls = map[string]time.Duration{}
	}
	s.stored[key] = value.(string)
	s.ttls[key] = ttl
	return nil
}

func (s *stubRecipients) RecipientKey(submissionID string) string {
	return "vn:recipient:" + submissionID
}

func newTestService(t *testing.T, signer *stubSigner, recipients *stubRecipients) Service {
	t.Helper()

	svc, err := NewService(signer, recipients, "voicenote-audio", "audio/", 15*time.Minute, 24*time.Hour)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func validInput() PresignInput {
	return PresignInput{
		RecipientEmail: "alex@example.com",
		FileName:       "morning note.ogg",
		ContentType:    "audio/ogg",
		SizeBytes:      1024,
	}
}

func TestPresignUploadStashesRecipientAndSigns(t *testing.T) {
	t.Parallel()

	signer := &stubSigner{url: "https://storage.googleapis.com/signed"}
	recipients := &stubRecipients{}
	svc := newTestService(t, signer, recipients)

	out, err := svc.PresignUpload(context.Background(), validInput())
	if err != nil {
		t.Fatalf("PresignUpload: %v", err)
	}

	if out.SubmissionID == "" {
		t.Fatalf("expected submission id")
	}
	wantPrefix := "audio/" + out.SubmissionID + "/"
	if !strings.HasPrefix(out.ObjectKey, wantPrefix) {
		t.Fatalf("unexpected object key %q", out.ObjectKey)
	}
	if strings.Contains(out.ObjectKey, " ") {
		t.Fatalf("object key must not contain spaces: %q", out.ObjectKey)
	}
	if out.SignedPUTURL != "https://storage.googleapis.com/signed" {
		t.Fatalf("unexpected signed url %q", out.SignedPUTURL)
	}

	key := recipients.RecipientKey(out.SubmissionID)
	if recipients.stored[key] != "alex@example.com" {
		t.Fatalf("expected recipient stashed, got %v", recipients.stored)
	}
	if recipients.ttls[key] != 24*time.Hour {
		t.Fatalf("expected recipient ttl, got %v", recipients.ttls[key])
	}
}

func TestPresignUploadValidation(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, &stubSigner{url: "u"}, &stubRecipients{})

	tests := []struct {
		name   string
		mutate func(*PresignInput)
	}{
		{name: "missing email", mutate: func(in *PresignInput) { in.RecipientEmail = "" }},
		{name: "malformed email", mutate: func(in *PresignInput) { in.RecipientEmail = "not-an-email" }},
		{name: "missing file name", mutate: func(in *PresignInput) { in.FileName = "" }},
		{name: "zero size", mutate: func(in *PresignInput) { in.SizeBytes = 0 }},
		{name: "oversized", mutate: func(in *PresignInput) { in.SizeBytes = maxUploadBytes + 1 }},
		{name: "missing content type", mutate: func(in *PresignInput) { in.ContentType = "" }},
		{name: "non-audio content type", mutate: func(in *PresignInput) { in.ContentType = "image/png" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := validInput()
			tt.mutate(&input)
			_, err := svc.PresignUpload(context.Background(), input)
			if pkgerrors.CodeOf(err) != pkgerrors.CodeValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestPresignUploadFailsWhenStashFails(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, &stubSigner{url: "u"}, &stubRecipients{err: errors.New("redis down")})

	_, err := svc.PresignUpload(context.Background(), validInput())
	if pkgerrors.CodeOf(err) != pkgerrors.CodeDependency {
		t.Fatalf("expected dependency error, got %v", err)
	}
}

func TestPresignUploadFailsWhenSigningFails(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, &stubSigner{err: errors.New("no private key")}, &stubRecipients{})

	_, err := svc.PresignUpload(context.Background(), validInput())
	if pkgerrors.CodeOf(err) != pkgerrors.CodeDependency {
		t.Fatalf("expected dependency error, got %v", err)
	}
}
