// Package notify はメール配信APIを通じた通知送信を提供する。
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBaseURL    = "https://api.sendgrid.com"
	mailSendPath      = "/v3/mail/send"
	defaultMaxRetries = 2
	maxErrorBodyBytes = 4000
)

// ErrMailDisabled はAPIキー未設定で送信が無効な場合に返る。
var ErrMailDisabled = errors.New("mail sending is disabled")

// sleep はテストで差し替える。
var sleep = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Mailer はメール送信のインターフェース。
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// EmailAddress は送信元・宛先のアドレス。
type EmailAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Message は1通のメール。TextとHTMLの少なくとも一方が必要。
type Message struct {
	To         EmailAddress
	Subject    string
	Text       string
	HTML       string
	Categories []string
}

// SendGridConfig はSendGridClientの設定。
type SendGridConfig struct {
	APIKey     string
	BaseURL    string
	From       EmailAddress
	MaxRetries int
}

// SendGridClient はSendGrid v3 mail send互換APIのクライアント。
type SendGridClient struct {
	cfg        SendGridConfig
	httpClient *http.Client
	logger     *slog.Logger
}

var _ Mailer = (*SendGridClient)(nil)

// NewSendGridClient はSendGridClientを生成する。
// httpClientにはSSRF防止付きのクライアントを渡す。
func NewSendGridClient(cfg SendGridConfig, httpClient *http.Client, logger *slog.Logger) (*SendGridClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("sendgrid api key is required")
	}
	if strings.TrimSpace(cfg.From.Email) == "" {
		return nil, errors.New("sendgrid from email is required")
	}
	if httpClient == nil {
		return nil, errors.New("http client is required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	return &SendGridClient{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger.With(slog.String("client", "sendgrid")),
	}, nil
}

type mailSendRequest struct {
	Personalizations []personalization `json:"personalizations"`
	From             EmailAddress      `json:"from"`
	Subject          string            `json:"subject"`
	Content          []mailContent     `json:"content"`
	Categories       []string          `json:"categories,omitempty"`
}

type personalization struct {
	To []EmailAddress `json:"to"`
}

type mailContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type errorResponse struct {
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// HTTPError は2xx以外の応答。
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("sendgrid http %d: %s", e.StatusCode, e.Message)
}

// retryable は再送で成功しうる応答かどうかを返す。
func (e *HTTPError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Send はメールを送信する。429と5xxは指数バックオフで再送する。
func (c *SendGridClient) Send(ctx context.Context, msg Message) error {
	if strings.TrimSpace(msg.To.Email) == "" {
		return errors.New("sendgrid: recipient is required")
	}
	if strings.TrimSpace(msg.Subject) == "" {
		return errors.New("sendgrid: subject is required")
	}

	var contents []mailContent
	if t := strings.TrimSpace(msg.Text); t != "" {
		contents = append(contents, mailContent{Type: "text/plain", Value: t})
	}
	if h := strings.TrimSpace(msg.HTML); h != "" {
		contents = append(contents, mailContent{Type: "text/html", Value: h})
	}
	if len(contents) == 0 {
		return errors.New("sendgrid: text or html content is required")
	}

	body, err := json.Marshal(mailSendRequest{
		Personalizations: []personalization{{To: []EmailAddress{msg.To}}},
		From:             c.cfg.From,
		Subject:          strings.TrimSpace(msg.Subject),
		Content:          contents,
		Categories:       msg.Categories,
	})
	if err != nil {
		return fmt.Errorf("failed to encode mail request: %w", err)
	}

	backoff := time.Second
	for attempt := 0; ; attempt++ {
		resp, err := c.doOnce(ctx, body)
		if err == nil {
			c.logger.Info("mail sent",
				slog.String("subject", msg.Subject),
				slog.String("message_id", resp.Header.Get("X-Message-Id")),
			)
			return nil
		}

		var httpErr *HTTPError
		if !errors.As(err, &httpErr) || !httpErr.retryable() || attempt >= c.cfg.MaxRetries {
			return err
		}

		wait := retryAfter(resp, backoff)
		c.logger.Warn("mail send retrying",
			slog.Int("attempt", attempt+1),
			slog.Int("max_retries", c.cfg.MaxRetries),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
		if err := sleep(ctx, wait); err != nil {
			return err
		}
		backoff *= 2
	}
}

func (c *SendGridClient) doOnce(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+mailSendPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build mail request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mail request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil {
		return resp, fmt.Errorf("failed to read mail response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		httpErr := &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		var er errorResponse
		if json.Unmarshal(raw, &er) == nil && len(er.Errors) > 0 && er.Errors[0].Message != "" {
			httpErr.Message = er.Errors[0].Message
		}
		if httpErr.Message == "" {
			httpErr.Message = http.StatusText(resp.StatusCode)
		}
		return resp, httpErr
	}
	return resp, nil
}

// retryAfter はRetry-Afterヘッダ（秒）があればそれを、なければfallbackを返す。
func retryAfter(resp *http.Response, fallback time.Duration) time.Duration {
	if resp == nil {
		return fallback
	}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		return min(time.Duration(secs)*time.Second, 30*time.Second)
	}
	return fallback
}

// DisabledMailer はAPIキー未設定時に使用するMailer。送信せずErrMailDisabledを返す。
type DisabledMailer struct {
	Logger *slog.Logger
}

// Send は送信をスキップする。
func (m DisabledMailer) Send(ctx context.Context, msg Message) error {
	if m.Logger != nil {
		m.Logger.Debug("mail sending disabled, skipping", slog.String("subject", msg.Subject))
	}
	return ErrMailDisabled
}
