package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/voicenotehq/voicenote-backend/pkg/config"
	pkgerrors "github.com/voicenotehq/voicenote-backend/pkg/errors"
)

const (
	defaultBaseURL             = "https://speech.googleapis.com/v2"
	responseBodyReadLimit int64 = 2048
)

var errProjectRequired = errors.New("gcp project id is required")

// TokenSource supplies bearer tokens for the speech API. The GCS client's
// token cache satisfies this.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Client starts asynchronous batch recognition jobs. Completion arrives out
// of band via the transcription Pub/Sub subscription; this client never
// polls.
type Client struct {
	httpClient *http.Client
	baseURL    string
	projectID  string
	cfg        config.TranscribeConfig
	tokens     TokenSource
}

// Option configures optional client behavior.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithBaseURL overrides the speech API base URL.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		trimmed := strings.TrimSpace(baseURL)
		if trimmed != "" {
			c.baseURL = trimmed
		}
	}
}

// NewClient builds the transcription job client.
func NewClient(cfg config.TranscribeConfig, projectID string, tokens TokenSource, opts ...Option) (*Client, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, errProjectRequired
	}
	if tokens == nil {
		return nil, errors.New("token source is required")
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client := &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    defaultBaseURL,
		projectID:  projectID,
		cfg:        cfg,
		tokens:     tokens,
	}
	if cfg.BaseURL != "" {
		client.baseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}

	return client, nil
}

// StartJobInput identifies the audio to transcribe and where the transcript
// artifact should land. The submission id travels as a job label so the
// completion notification can carry it back verbatim.
type StartJobInput struct {
	SubmissionID string
	AudioURI     string
	OutputURI    string
}

type batchRecognizeRequest struct {
	Files  []batchRecognizeFile `json:"files"`
	Config recognitionConfig    `json:"config"`
	Output recognitionOutput    `json:"recognitionOutputConfig"`
	Labels map[string]string    `json:"labels,omitempty"`
}

type batchRecognizeFile struct {
	URI string `json:"uri"`
}

type recognitionConfig struct {
	AutoDecodingConfig struct{} `json:"autoDecodingConfig"`
	LanguageCodes      []string `json:"languageCodes"`
	Model              string   `json:"model"`
}

type recognitionOutput struct {
	GCSOutputConfig struct {
		URI string `json:"uri"`
	} `json:"gcsOutputConfig"`
}

// StartJob submits a batch recognition job and returns the operation name as
// the job reference.
func (c *Client) StartJob(ctx context.Context, input StartJobInput) (string, error) {
	if c == nil {
		return "", pkgerrors.New(pkgerrors.CodeDependency, "transcribe client not configured")
	}
	if strings.TrimSpace(input.SubmissionID) == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "submission id is required")
	}
	if strings.TrimSpace(input.AudioURI) == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "audio uri is required")
	}
	if strings.TrimSpace(input.OutputURI) == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "output uri is required")
	}

	reqBody := batchRecognizeRequest{
		Files:  []batchRecognizeFile{{URI: input.AudioURI}},
		Labels: map[string]string{"submission_id": input.SubmissionID},
	}
	reqBody.Config.LanguageCodes = []string{c.languageCode()}
	reqBody.Config.Model = "latest_long"
	reqBody.Output.GCSOutputConfig.URI = input.OutputURI

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "marshal batch recognize request")
	}

	endpoint := fmt.Sprintf(
		"%s/projects/%s/locations/global/recognizers/_:batchRecognize",
		strings.TrimRight(c.baseURL, "/"),
		c.projectID,
	)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "build batch recognize request")
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "fetch speech api token")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "execute batch recognize request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyReadLimit))
		cause := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		return "", pkgerrors.Wrap(classifyStatus(resp.StatusCode), cause, "batch recognize request failed")
	}

	var apiResp struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode batch recognize response")
	}
	if strings.TrimSpace(apiResp.Name) == "" {
		return "", pkgerrors.New(pkgerrors.CodeDependency, "batch recognize response missing operation name")
	}

	return apiResp.Name, nil
}

func (c *Client) languageCode() string {
	if strings.TrimSpace(c.cfg.LanguageCode) != "" {
		return c.cfg.LanguageCode
	}
	return "en-US"
}

func classifyStatus(code int) pkgerrors.Code {
	switch {
	case code == http.StatusTooManyRequests:
		return pkgerrors.CodeRateLimit
	case code >= http.StatusInternalServerError:
		return pkgerrors.CodeDependency
	default:
		return pkgerrors.CodeValidation
	}
}
