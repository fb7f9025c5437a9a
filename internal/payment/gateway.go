// Package payment talks to the payment processor.
package payment

import (
	"context"
	"errors"
)

var (
	ErrGateway          = errors.New("payment gateway error")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrNotConfigured    = errors.New("payment gateway not configured")
)

type IntentRequest struct {
	Amount         int64
	Currency       string
	IdempotencyKey string
	Metadata       map[string]string
}

type Intent struct {
	ID           string
	ClientSecret string
	Status       string
}

type RefundRequest struct {
	PaymentIntentID string
	Amount          int64
	IdempotencyKey  string
	Reason          string
}

type Refund struct {
	ID     string
	Status string
}

// Webhook event types handled by the reconciler.
const (
	EventPaymentSucceeded = "payment_intent.succeeded"
	EventPaymentFailed    = "payment_intent.payment_failed"
)

// WebhookEvent is the verified, processor-neutral view of a webhook.
type WebhookEvent struct {
	ID              string
	Type            string
	PaymentIntentID string
	RegistrationID  string
	FailureMessage  string
}

type Gateway interface {
	CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error)
	Refund(ctx context.Context, req RefundRequest) (*Refund, error)
}

type WebhookVerifier interface {
	VerifyWebhook(payload []byte, signature string) (*WebhookEvent, error)
}

// MetadataRegistrationID is the intent metadata key linking back to a registration.
const MetadataRegistrationID = "registration_id"
