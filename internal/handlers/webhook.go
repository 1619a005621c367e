package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"jobqueue/internal/models"
	"jobqueue/internal/worker"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	EventHeader     = "X-Webhook-Event"
	AttemptHeader   = "X-Webhook-Attempt"
)

// Sign returns the signature header value for body: sha256=<hex hmac>.
func Sign(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Webhook redelivers signed webhook bodies.
type Webhook struct {
	client  *http.Client
	timeout time.Duration
}

// NewWebhook builds the handler. Each delivery is aborted after timeout.
func NewWebhook(client *http.Client, timeout time.Duration) *Webhook {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{client: client, timeout: timeout}
}

// Handle POSTs the body. 5xx and transport errors are retried; any other
// non-2xx response ends the job, since the target already rejected it.
func (h *Webhook) Handle(ctx context.Context, _ *models.Job, p models.WebhookRetryPayload, _ worker.Progress) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, strings.NewReader(p.SignedBody))
	if err != nil {
		return worker.Permanent(fmt.Errorf("build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, p.Event)
	req.Header.Set(AttemptHeader, strconv.Itoa(p.Attempt))
	req.Header.Set(SignatureHeader, Sign(p.Secret, p.SignedBody))

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook %s: %w", p.Event, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return fmt.Errorf("webhook target responded %d", resp.StatusCode)
	default:
		return worker.Permanent(fmt.Errorf("webhook target responded %d", resp.StatusCode))
	}
}
