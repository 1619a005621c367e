// Package handlers implements the job handlers and the provider boundaries
// they call out to.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"jobqueue/internal/config"
	"jobqueue/internal/models"
	"jobqueue/internal/worker"
)

// Message is one outbound email.
type Message struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	ReplyTo string `json:"reply_to,omitempty"`
}

// Mailer delivers email through a provider.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// NewMailer returns the HTTP provider when an API key is set, otherwise a
// mailer that only logs.
func NewMailer(cfg config.Config, logger *slog.Logger) Mailer {
	if cfg.MailAPIKey == "" {
		return &LogMailer{Logger: logger}
	}
	return NewHTTPMailer(cfg.MailAPIURL, cfg.MailAPIKey, cfg.MailTimeout)
}

// HTTPMailer posts messages as JSON to a transactional mail API.
type HTTPMailer struct {
	url    string
	apiKey string
	client *http.Client
}

func NewHTTPMailer(url, apiKey string, timeout time.Duration) *HTTPMailer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPMailer{url: url, apiKey: apiKey, client: &http.Client{Timeout: timeout}}
}

// Send fails on transport errors and on any non-2xx provider response,
// including rejected deliveries.
func (m *HTTPMailer) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.apiKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("mail provider responded %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}
	return nil
}

// LogMailer stands in for a provider in development.
type LogMailer struct {
	Logger *slog.Logger
}

func (m *LogMailer) Send(_ context.Context, msg Message) error {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("email not sent, no mail provider configured",
		slog.String("to", msg.To),
		slog.String("subject", msg.Subject),
	)
	return nil
}

// Email sends email jobs.
type Email struct {
	mailer Mailer
	from   string
}

func NewEmail(mailer Mailer, from string) *Email {
	return &Email{mailer: mailer, from: from}
}

// Handle sends the message. Every provider failure is retryable.
func (h *Email) Handle(ctx context.Context, _ *models.Job, p models.EmailPayload, _ worker.Progress) error {
	return h.mailer.Send(ctx, Message{
		From:    h.from,
		To:      p.To,
		Subject: p.Subject,
		HTML:    p.HTML,
		ReplyTo: p.ReplyTo,
	})
}
