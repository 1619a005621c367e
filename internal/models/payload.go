package models

import (
	"encoding/json"
	"fmt"
)

// Payload is the closed set of job payloads. Only types in this package
// implement it, so every dispatch switch can enumerate all of them.
type Payload interface {
	Kind() Kind
	// Summary is a short operator-facing description free of secrets.
	Summary() string
	sealed()
}

// EmailPayload is sent through the mail provider.
type EmailPayload struct {
	To      string `json:"to" validate:"required,email"`
	Subject string `json:"subject" validate:"required"`
	HTML    string `json:"html" validate:"required"`
	ReplyTo string `json:"replyTo,omitempty" validate:"omitempty,email"`
	// Transactional mail (invites, password resets) jumps ahead of bulk mail.
	Transactional bool `json:"transactional,omitempty"`
}

func (EmailPayload) Kind() Kind { return KindEmail }
func (EmailPayload) sealed()    {}

func (p EmailPayload) Summary() string {
	return fmt.Sprintf("to=%s subject=%q", p.To, p.Subject)
}

// WebhookRetryPayload redelivers an outbound webhook. Attempt and MaxAttempts
// track the consumer-facing delivery sequence and are independent of the
// queue's own AttemptsMade/MaxAttempts.
type WebhookRetryPayload struct {
	URL         string `json:"url" validate:"required,url"`
	Event       string `json:"event" validate:"required"`
	SignedBody  string `json:"signedBody" validate:"required"`
	Secret      string `json:"secret" validate:"required"`
	Attempt     int    `json:"attempt" validate:"gte=1"`
	MaxAttempts int    `json:"maxAttempts" validate:"gte=1"`
}

func (WebhookRetryPayload) Kind() Kind { return KindWebhookRetry }
func (WebhookRetryPayload) sealed()    {}

func (p WebhookRetryPayload) Summary() string {
	return fmt.Sprintf("event=%s url=%s delivery=%d/%d", p.Event, p.URL, p.Attempt, p.MaxAttempts)
}

// ReportPayload asks for a generated report artifact.
type ReportPayload struct {
	ReportType  string            `json:"reportType" validate:"required"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	RequestedBy string            `json:"requestedBy" validate:"required"`
}

func (ReportPayload) Kind() Kind { return KindReport }
func (ReportPayload) sealed()    {}

func (p ReportPayload) Summary() string {
	return fmt.Sprintf("report=%s requestedBy=%s", p.ReportType, p.RequestedBy)
}

// EncodePayload serializes a payload for storage.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("encode payload: nil payload")
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.Kind(), err)
	}
	return b, nil
}

// DecodePayload parses a stored payload according to its kind.
func DecodePayload(kind Kind, raw []byte) (Payload, error) {
	switch kind {
	case KindEmail:
		var p EmailPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode email payload: %w", err)
		}
		return p, nil
	case KindWebhookRetry:
		var p WebhookRetryPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode webhook-retry payload: %w", err)
		}
		return p, nil
	case KindReport:
		var p ReportPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode report payload: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// RedactedSecret replaces secrets in payloads shown to operators.
const RedactedSecret = "[redacted]"

// Redact returns a copy of p safe to show operators.
func Redact(p Payload) Payload {
	switch v := p.(type) {
	case WebhookRetryPayload:
		if v.Secret != "" {
			v.Secret = RedactedSecret
		}
		return v
	default:
		return p
	}
}

// DefaultPriority is the priority a payload gets when the caller does not
// choose one. Lower is served first.
func DefaultPriority(p Payload) int {
	switch v := p.(type) {
	case EmailPayload:
		if v.Transactional {
			return 1
		}
		return 5
	case WebhookRetryPayload:
		return 2
	case ReportPayload:
		return 10
	default:
		return 5
	}
}
