// Package paymenttest provides a scripted payment gateway for tests.
package paymenttest

import (
	"context"
	"fmt"
	"sync"

	"ms-reservations/internal/payment"
)

type Gateway struct {
	mu sync.Mutex

	IntentErr error
	RefundErr error

	Intents []payment.IntentRequest
	Refunds []payment.RefundRequest
}

func (g *Gateway) CreateIntent(_ context.Context, req payment.IntentRequest) (*payment.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Intents = append(g.Intents, req)
	if g.IntentErr != nil {
		return nil, g.IntentErr
	}
	n := len(g.Intents)
	return &payment.Intent{
		ID:           fmt.Sprintf("pi_test_%d", n),
		ClientSecret: fmt.Sprintf("pi_test_%d_secret", n),
		Status:       "requires_payment_method",
	}, nil
}

func (g *Gateway) Refund(_ context.Context, req payment.RefundRequest) (*payment.Refund, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Refunds = append(g.Refunds, req)
	if g.RefundErr != nil {
		return nil, g.RefundErr
	}
	return &payment.Refund{ID: fmt.Sprintf("re_test_%d", len(g.Refunds)), Status: "succeeded"}, nil
}

// Verifier returns Event for any payload whose signature equals Signature.
type Verifier struct {
	Signature string
	Event     *payment.WebhookEvent
	Err       error
}

func (v *Verifier) VerifyWebhook(_ []byte, signature string) (*payment.WebhookEvent, error) {
	if v.Err != nil {
		return nil, v.Err
	}
	if signature != v.Signature {
		return nil, payment.ErrInvalidSignature
	}
	return v.Event, nil
}
