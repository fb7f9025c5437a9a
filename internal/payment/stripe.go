package payment

import (
	"context"
	"encoding/json"
	"fmt"

	"ms-reservations/internal/logger"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"
)

// Stripe implements Gateway and WebhookVerifier.
type Stripe struct {
	client        *client.API
	webhookSecret string
	log           *logger.Logger
}

func NewStripe(secretKey, webhookSecret string, log *logger.Logger) (*Stripe, error) {
	if secretKey == "" && webhookSecret == "" {
		log.Error("STRIPE", "Neither STRIPE_SECRET_KEY nor STRIPE_WEBHOOK_SECRET is set")
		return nil, ErrNotConfigured
	}
	s := &Stripe{webhookSecret: webhookSecret, log: log}
	if secretKey != "" {
		s.client = client.New(secretKey, nil)
	}
	log.Info("STRIPE", "Stripe gateway initialized")
	return s, nil
}

func (s *Stripe) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	if s.client == nil {
		return nil, ErrNotConfigured
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(req.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := s.client.PaymentIntents.New(params)
	if err != nil {
		s.log.Error("STRIPE", fmt.Sprintf("Failed to create payment intent: %v", err))
		return nil, fmt.Errorf("%w: create intent: %v", ErrGateway, err)
	}
	s.log.Info("STRIPE", fmt.Sprintf("Payment intent %s created for %d %s", pi.ID, req.Amount, req.Currency))
	return &Intent{ID: pi.ID, ClientSecret: pi.ClientSecret, Status: string(pi.Status)}, nil
}

func (s *Stripe) Refund(ctx context.Context, req RefundRequest) (*Refund, error) {
	if s.client == nil {
		return nil, ErrNotConfigured
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.PaymentIntentID),
	}
	if req.Amount > 0 {
		params.Amount = stripe.Int64(req.Amount)
	}
	if req.Reason != "" {
		params.AddMetadata("reason", req.Reason)
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	r, err := s.client.Refunds.New(params)
	if err != nil {
		s.log.Error("STRIPE", fmt.Sprintf("Refund for %s failed: %v", req.PaymentIntentID, err))
		return nil, fmt.Errorf("%w: refund: %v", ErrGateway, err)
	}
	s.log.Info("STRIPE", fmt.Sprintf("Refund %s issued for %s", r.ID, req.PaymentIntentID))
	return &Refund{ID: r.ID, Status: string(r.Status)}, nil
}

// VerifyWebhook checks the Stripe-Signature header and extracts the
// payment intent carried by the event. Events for other objects come back
// with an empty PaymentIntentID.
func (s *Stripe) VerifyWebhook(payload []byte, signature string) (*WebhookEvent, error) {
	if s.webhookSecret == "" {
		return nil, ErrNotConfigured
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		s.log.LogSecurity("WEBHOOK_SIGNATURE", fmt.Sprintf("Verification failed: %v", err))
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := &WebhookEvent{ID: event.ID, Type: string(event.Type)}
	if out.Type != EventPaymentSucceeded && out.Type != EventPaymentFailed {
		return out, nil
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("decode payment intent: %w", err)
	}
	out.PaymentIntentID = pi.ID
	out.RegistrationID = pi.Metadata[MetadataRegistrationID]
	if pi.LastPaymentError != nil {
		out.FailureMessage = pi.LastPaymentError.Msg
	}
	return out, nil
}
