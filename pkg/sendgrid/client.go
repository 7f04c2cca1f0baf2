package sendgrid

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
	defaultBaseURL             = "https://api.sendgrid.com/v3"
	responseBodyReadLimit int64 = 2048
)

var errAPIKeyRequired = errors.New("sendgrid api key is required")

// Client sends transactional mail through the v3 mail/send endpoint.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	fromEmail  string
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		trimmed := strings.TrimSpace(baseURL)
		if trimmed != "" {
			c.baseURL = strings.TrimRight(trimmed, "/")
		}
	}
}

func NewClient(cfg config.SendgridConfig, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errAPIKeyRequired
	}
	if strings.TrimSpace(cfg.DefaultFrom) == "" {
		return nil, errors.New("sendgrid from email is required")
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client := &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    defaultBaseURL,
		apiKey:     cfg.APIKey,
		fromEmail:  cfg.DefaultFrom,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}

	return client, nil
}

// SendInput is one outbound message. HTMLBody and TextBody are both sent so
// plain-text clients still render something readable.
type SendInput struct {
	To       string
	Subject  string
	HTMLBody string
	TextBody string
}

type mailSendRequest struct {
	Personalizations []personalization `json:"personalizations"`
	From             emailAddress      `json:"from"`
	Subject          string            `json:"subject"`
	Content          []mailContent     `json:"content"`
}

type personalization struct {
	To []emailAddress `json:"to"`
}

type emailAddress struct {
	Email string `json:"email"`
}

type mailContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Send delivers the message and returns the provider message id for audit.
func (c *Client) Send(ctx context.Context, input SendInput) (string, error) {
	if c == nil {
		return "", pkgerrors.New(pkgerrors.CodeDependency, "sendgrid client not configured")
	}
	if strings.TrimSpace(input.To) == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "recipient email is required")
	}
	if strings.TrimSpace(input.Subject) == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "subject is required")
	}
	if strings.TrimSpace(input.HTMLBody) == "" && strings.TrimSpace(input.TextBody) == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "message body is required")
	}

	reqBody := mailSendRequest{
		Personalizations: []personalization{{To: []emailAddress{{Email: input.To}}}},
		From:             emailAddress{Email: c.fromEmail},
		Subject:          input.Subject,
	}
	// SendGrid requires text/plain before text/html.
	if strings.TrimSpace(input.TextBody) != "" {
		reqBody.Content = append(reqBody.Content, mailContent{Type: "text/plain", Value: input.TextBody})
	}
	if strings.TrimSpace(input.HTMLBody) != "" {
		reqBody.Content = append(reqBody.Content, mailContent{Type: "text/html", Value: input.HTMLBody})
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "marshal mail send request")
	}

	endpoint := c.baseURL + "/mail/send"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "build mail send request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "execute mail send request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyReadLimit))
		cause := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		return "", pkgerrors.Wrap(classifyStatus(resp.StatusCode), cause, "mail send request failed")
	}

	return resp.Header.Get("X-Message-Id"), nil
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
