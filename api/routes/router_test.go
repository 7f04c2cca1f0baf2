package routes

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/voicenotehq/voicenote-backend/api/controllers"
	"github.com/voicenotehq/voicenote-backend/internal/status"
	"github.com/voicenotehq/voicenote-backend/internal/uploads"
	"github.com/voicenotehq/voicenote-backend/pkg/config"
	pkgerrors "github.com/voicenotehq/voicenote-backend/pkg/errors"
	"github.com/voicenotehq/voicenote-backend/pkg/logger"
)

type stubPinger struct {
	err error
}

func (s stubPinger) Ping(context.Context) error {
	return s.err
}

type stubStatusService struct {
	dto *status.SubmissionStatusDTO
	err error
}

func (s stubStatusService) GetStatus(ctx context.Context, submissionID string) (*status.SubmissionStatusDTO, error) {
	return s.dto, s.err
}

type stubUploadsService struct {
	out *uploads.PresignOutput
	err error
}

func (s stubUploadsService) PresignUpload(ctx context.Context, input uploads.PresignInput) (*uploads.PresignOutput, error) {
	return s.out, s.err
}

func testConfig() *config.Config {
	return &config.Config{App: config.AppConfig{Env: "dev"}}
}

func newTestRouter(statusSvc status.Service, uploadsSvc uploads.Service, deps map[string]controllers.Pinger) http.Handler {
	return NewRouter(
		testConfig(),
		logger.New(logger.Options{ServiceName: "test"}),
		deps,
		statusSvc,
		uploadsSvc,
	)
}

func TestHealthzRoute(t *testing.T) {
	router := newTestRouter(stubStatusService{}, stubUploadsService{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestHealthReadyReportsDependencies(t *testing.T) {
	deps := map[string]controllers.Pinger{
		"db":    stubPinger{},
		"redis": stubPinger{err: errors.New("connection refused")},
	}
	router := newTestRouter(stubStatusService{}, stubUploadsService{}, deps)

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestMetricsRoute(t *testing.T) {
	router := newTestRouter(stubStatusService{}, stubUploadsService{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestSubmissionStatusRoute(t *testing.T) {
	now := time.Now().UTC()
	router := newTestRouter(stubStatusService{dto: &status.SubmissionStatusDTO{
		ID:        "sub-1",
		Status:    "transcribing",
		Progress:  0.30,
		CreatedAt: now,
		UpdatedAt: now,
	}}, stubUploadsService{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/submissions/sub-1/status", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var envelope struct {
		Data status.SubmissionStatusDTO `json:"data"`
	}
	if err := json.NewDecoder(w.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if envelope.Data.ID != "sub-1" || envelope.Data.Progress != 0.30 {
		t.Fatalf("unexpected payload %+v", envelope.Data)
	}
}

func TestSubmissionStatusNotFound(t *testing.T) {
	router := newTestRouter(stubStatusService{
		err: pkgerrors.New(pkgerrors.CodeNotFound, "submission not found"),
	}, stubUploadsService{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/submissions/missing/status", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestUploadPresignRoute(t *testing.T) {
	router := newTestRouter(stubStatusService{}, stubUploadsService{out: &uploads.PresignOutput{
		SubmissionID: "sub-1",
		ObjectKey:    "audio/sub-1/note.ogg",
		SignedPUTURL: "https://storage.googleapis.com/signed",
		ContentType:  "audio/ogg",
	}}, nil)

	body := `{"recipient_email":"alex@example.com","file_name":"note.ogg","content_type":"audio/ogg","size_bytes":1024}`
	req := httptest.NewRequest(http.MethodPost, "/v1/submissions/uploads", strings.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
}

func TestUploadPresignRejectsInvalidBody(t *testing.T) {
	router := newTestRouter(stubStatusService{}, stubUploadsService{}, nil)

	body := `{"recipient_email":"not-an-email","file_name":"note.ogg","content_type":"audio/ogg","size_bytes":1024}`
	req := httptest.NewRequest(http.MethodPost, "/v1/submissions/uploads", strings.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}
