package delivery

import (
	"context"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/voicenotehq/voicenote-backend/pkg/db/models"
	"github.com/voicenotehq/voicenote-backend/pkg/enums"
	pkgerrors "github.com/voicenotehq/voicenote-backend/pkg/errors"
	"github.com/voicenotehq/voicenote-backend/pkg/logger"
	"github.com/voicenotehq/voicenote-backend/pkg/retry"
	"github.com/voicenotehq/voicenote-backend/pkg/sendgrid"
)

type stubRepo struct {
	submission  *models.Submission
	transitions []enums.SubmissionStatus
	fields      []map[string]any
	failures    []string
	retryCounts []int
}

func (s *stubRepo) FindByID(ctx context.Context, id string) (*models.Submission, error) {
	if s.submission == nil || s.submission.ID != id {
		return nil, gorm.ErrRecordNotFound
	}
	return s.submission, nil
}

func (s *stubRepo) Transition(ctx context.Context, id string, to enums.SubmissionStatus, fields map[string]any) (*models.Submission, error) {
	s.transitions = append(s.transitions, to)
	s.fields = append(s.fields, fields)
	if s.submission != nil {
		s.submission.Status = to
	}
	return s.submission, nil
}

func (s *stubRepo) MarkFailed(ctx context.Context, id string, errMsg string, retryCount int) (*models.Submission, error) {
	s.failures = append(s.failures, errMsg)
	s.retryCounts = append(s.retryCounts, retryCount)
	if s.submission != nil {
		s.submission.Status = enums.SubmissionStatusFailed
	}
	return s.submission, nil
}

type stubMailer struct {
	inputs []sendgrid.SendInput
	errs   []error
	ref    string
}

func (s *stubMailer) Send(ctx context.Context, input sendgrid.SendInput) (string, error) {
	idx := len(s.inputs)
	s.inputs = append(s.inputs, input)
	if idx < len(s.errs) && s.errs[idx] != nil {
		return "", s.errs[idx]
	}
	return s.ref, nil
}

func enhancedSubmission() *models.Submission {
	enhanced := "Buy milk.\n\nCall the dentist."
	return &models.Submission{
		ID:              "sub-1",
		SourceKey:       "audio/sub-1/note.ogg",
		Status:          enums.SubmissionStatusEnhanced,
		Recipient:       "alex@example.com",
		EnhancedContent: &enhanced,
	}
}

func fastPolicy(maxAttempts int) retry.Policy {
	return retry.Policy{
		MaxAttempts: maxAttempts,
		BackoffBase: time.Millisecond,
		IsRetryable: pkgerrors.IsRetryable,
	}
}

func newTestStage(t *testing.T, repo *stubRepo, mail *stubMailer, maxAttempts int) *Stage {
	t.Helper()

	stage, err := NewStage(repo, mail, fastPolicy(maxAttempts), logger.New(logger.Options{ServiceName: "test"}), nil, "Your voice note")
	if err != nil {
		t.Fatalf("NewStage: %v", err)
	}
	return stage
}

func TestStageDeliversNote(t *testing.T) {
	t.Parallel()

	repo := &stubRepo{submission: enhancedSubmission()}
	mail := &stubMailer{ref: "msg-1"}
	stage := newTestStage(t, repo, mail, 3)

	if err := stage.Run(context.Background(), "sub-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(mail.inputs) != 1 {
		t.Fatalf("expected one send, got %d", len(mail.inputs))
	}
	sent := mail.inputs[0]
	if sent.To != "alex@example.com" || sent.Subject != "Your voice note" {
		t.Fatalf("unexpected send input %+v", sent)
	}
	if sent.HTMLBody != "<p>Buy milk.</p><p>Call the dentist.</p>" {
		t.Fatalf("unexpected html body %q", sent.HTMLBody)
	}
	if sent.TextBody != "Buy milk.\n\nCall the dentist." {
		t.Fatalf("unexpected text body %q", sent.TextBody)
	}

	if len(repo.transitions) != 1 || repo.transitions[0] != enums.SubmissionStatusDelivered {
		t.Fatalf("expected transition to delivered, got %v", repo.transitions)
	}
	fields := repo.fields[0]
	if fields["delivery_ref"] != "msg-1" {
		t.Fatalf("expected delivery ref recorded, got %v", fields)
	}
	if fields["completed_at"] == nil {
		t.Fatalf("expected completed_at recorded")
	}
	if fields["retry_count"] != 0 {
		t.Fatalf("expected retry count reset for first-try delivery, got %v", fields)
	}
}

func TestStageRetriesTransientSendErrors(t *testing.T) {
	t.Parallel()

	repo := &stubRepo{submission: enhancedSubmission()}
	mail := &stubMailer{
		errs: []error{pkgerrors.New(pkgerrors.CodeDependency, "sendgrid unavailable"), nil},
		ref:  "msg-2",
	}
	stage := newTestStage(t, repo, mail, 3)

	if err := stage.Run(context.Background(), "sub-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(mail.inputs) != 2 {
		t.Fatalf("expected retry, got %d attempts", len(mail.inputs))
	}
	if repo.fields[0]["retry_count"] != 1 {
		t.Fatalf("expected retry count recorded, got %v", repo.fields[0])
	}
	if repo.submission.Status != enums.SubmissionStatusDelivered {
		t.Fatalf("expected delivered, got %s", repo.submission.Status)
	}
}

func TestStageMarksFailedAfterExhaustion(t *testing.T) {
	t.Parallel()

	repo := &stubRepo{submission: enhancedSubmission()}
	unavailable := pkgerrors.New(pkgerrors.CodeDependency, "sendgrid unavailable")
	mail := &stubMailer{errs: []error{unavailable, unavailable}}
	stage := newTestStage(t, repo, mail, 2)

	if err := stage.Run(context.Background(), "sub-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(mail.inputs) != 2 {
		t.Fatalf("expected attempts exhausted, got %d", len(mail.inputs))
	}
	if len(repo.failures) != 1 {
		t.Fatalf("expected submission marked failed, got %v", repo.failures)
	}
	if repo.retryCounts[0] != 2 {
		t.Fatalf("expected both attempts recorded, got %d", repo.retryCounts[0])
	}
}

func TestStageFailsFastOnPermanentError(t *testing.T) {
	t.Parallel()

	repo := &stubRepo{submission: enhancedSubmission()}
	mail := &stubMailer{errs: []error{pkgerrors.New(pkgerrors.CodeValidation, "invalid recipient")}}
	stage := newTestStage(t, repo, mail, 3)

	if err := stage.Run(context.Background(), "sub-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(mail.inputs) != 1 {
		t.Fatalf("permanent error must not retry, got %d attempts", len(mail.inputs))
	}
	if len(repo.failures) != 1 {
		t.Fatalf("expected submission marked failed")
	}
	if repo.retryCounts[0] != 1 {
		t.Fatalf("expected the single attempt recorded, got %d", repo.retryCounts[0])
	}
}

func TestStageDoesNotAccumulateEarlierStageRetries(t *testing.T) {
	t.Parallel()

	sub := enhancedSubmission()
	sub.RetryCount = 2
	repo := &stubRepo{submission: sub}
	mail := &stubMailer{ref: "msg-3"}
	stage := newTestStage(t, repo, mail, 3)

	if err := stage.Run(context.Background(), "sub-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if repo.fields[0]["retry_count"] != 0 {
		t.Fatalf("expected counter reset for this stage, got %v", repo.fields[0])
	}

	sub = enhancedSubmission()
	sub.RetryCount = 2
	repo = &stubRepo{submission: sub}
	mail = &stubMailer{errs: []error{pkgerrors.New(pkgerrors.CodeValidation, "invalid recipient")}}
	stage = newTestStage(t, repo, mail, 3)

	if err := stage.Run(context.Background(), "sub-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if repo.retryCounts[0] != 1 {
		t.Fatalf("expected only this stage's attempt recorded, got %d", repo.retryCounts[0])
	}
}

func TestStageSkipsAlreadyDelivered(t *testing.T) {
	t.Parallel()

	sub := enhancedSubmission()
	sub.Status = enums.SubmissionStatusDelivered
	repo := &stubRepo{submission: sub}
	mail := &stubMailer{}
	stage := newTestStage(t, repo, mail, 3)

	if err := stage.Run(context.Background(), "sub-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(mail.inputs) != 0 {
		t.Fatalf("delivered submission must not send again")
	}
}

func TestStageSkipsNotYetEnhanced(t *testing.T) {
	t.Parallel()

	sub := enhancedSubmission()
	sub.Status = enums.SubmissionStatusTranscribed
	repo := &stubRepo{submission: sub}
	mail := &stubMailer{}
	stage := newTestStage(t, repo, mail, 3)

	if err := stage.Run(context.Background(), "sub-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(mail.inputs) != 0 || len(repo.transitions) != 0 {
		t.Fatalf("expected no work for unready submission")
	}
}

func TestFormatBodiesHandleEmptyContent(t *testing.T) {
	t.Parallel()

	if got := formatHTMLBody("  "); got != "<p>(empty note)</p>" {
		t.Fatalf("unexpected html %q", got)
	}
	if got := formatTextBody(""); got != "(empty note)" {
		t.Fatalf("unexpected text %q", got)
	}
	if got := formatHTMLBody("a < b"); got != "<p>a &lt; b</p>" {
		t.Fatalf("expected escaping, got %q", got)
	}
}
