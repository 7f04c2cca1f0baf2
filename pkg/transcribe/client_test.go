package transcribe

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voicenotehq/voicenote-backend/pkg/config"
	pkgerrors "github.com/voicenotehq/voicenote-backend/pkg/errors"
)

type staticTokens struct {
	token string
	err   error
}

func (s staticTokens) Token(ctx context.Context) (string, error) {
	return s.token, s.err
}

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()

	client, err := NewClient(
		config.TranscribeConfig{LanguageCode: "en-US"},
		"test-project",
		staticTokens{token: "test-token"},
		WithBaseURL(serverURL),
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestStartJobSendsLabeledRequest(t *testing.T) {
	var captured batchRecognizeRequest
	var gotAuth string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"name": "projects/test-project/operations/op-123",
		})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	ref, err := client.StartJob(context.Background(), StartJobInput{
		SubmissionID: "sub-1",
		AudioURI:     "gs://bucket/audio/sub-1/note.ogg",
		OutputURI:    "gs://bucket/transcripts/sub-1/",
	})
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	if ref != "projects/test-project/operations/op-123" {
		t.Fatalf("unexpected job reference %q", ref)
	}
	if gotAuth != "Bearer test-token" {
		t.Fatalf("unexpected authorization header %q", gotAuth)
	}
	if captured.Labels["submission_id"] != "sub-1" {
		t.Fatalf("expected submission id label, got %v", captured.Labels)
	}
	if len(captured.Files) != 1 || captured.Files[0].URI != "gs://bucket/audio/sub-1/note.ogg" {
		t.Fatalf("unexpected files %v", captured.Files)
	}
	if captured.Output.GCSOutputConfig.URI != "gs://bucket/transcripts/sub-1/" {
		t.Fatalf("unexpected output uri %q", captured.Output.GCSOutputConfig.URI)
	}
}

func TestStartJobValidatesInput(t *testing.T) {
	client := newTestClient(t, "http://localhost:0")

	tests := []struct {
		name  string
		input StartJobInput
	}{
		{name: "missing submission id", input: StartJobInput{AudioURI: "gs://b/a", OutputURI: "gs://b/t"}},
		{name: "missing audio uri", input: StartJobInput{SubmissionID: "sub-1", OutputURI: "gs://b/t"}},
		{name: "missing output uri", input: StartJobInput{SubmissionID: "sub-1", AudioURI: "gs://b/a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.StartJob(context.Background(), tt.input)
			if pkgerrors.CodeOf(err) != pkgerrors.CodeValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestStartJobClassifiesFailures(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		wantCode   pkgerrors.Code
	}{
		{name: "rate limited", statusCode: http.StatusTooManyRequests, wantCode: pkgerrors.CodeRateLimit},
		{name: "server error", statusCode: http.StatusServiceUnavailable, wantCode: pkgerrors.CodeDependency},
		{name: "bad request", statusCode: http.StatusBadRequest, wantCode: pkgerrors.CodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.statusCode)
			}))
			defer server.Close()

			client := newTestClient(t, server.URL)

			_, err := client.StartJob(context.Background(), StartJobInput{
				SubmissionID: "sub-1",
				AudioURI:     "gs://bucket/audio/sub-1/note.ogg",
				OutputURI:    "gs://bucket/transcripts/sub-1/",
			})
			if pkgerrors.CodeOf(err) != tt.wantCode {
				t.Fatalf("expected code %s, got %v", tt.wantCode, err)
			}
		})
	}
}
