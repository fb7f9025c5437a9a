package kafka

import (
	"context"
	"encoding/json"
	"time"

	"ms-reservations/internal/models"
)

// Registration lifecycle event types.
const (
	RegistrationSubmitted     = "registration.submitted"
	RegistrationConfirmed     = "registration.confirmed"
	RegistrationPaymentFailed = "registration.payment_failed"
	RegistrationCancelled     = "registration.cancelled"
	RegistrationRefunded      = "registration.refunded"
	RegistrationExpired       = "registration.expired"
	RegistrationCheckedIn     = "registration.checked_in"
)

type RegistrationEvent struct {
	Type           string                    `json:"type"`
	RegistrationID string                    `json:"registrationId"`
	TenantID       string                    `json:"tenantId"`
	EventID        string                    `json:"eventId"`
	Status         models.RegistrationStatus `json:"status"`
	PaymentStatus  models.PaymentStatus      `json:"paymentStatus"`
	TotalAmount    int64                     `json:"totalAmount"`
	Currency       string                    `json:"currency,omitempty"`
	OccurredAt     time.Time                 `json:"occurredAt"`
}

type publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// EventPublisher streams registration lifecycle events keyed by registration id.
type EventPublisher struct {
	producer publisher
	topic    string
}

func NewEventPublisher(p publisher, topic string) *EventPublisher {
	return &EventPublisher{producer: p, topic: topic}
}

func (e *EventPublisher) PublishRegistrationEvent(ctx context.Context, eventType string, reg models.Registration) error {
	body, err := json.Marshal(RegistrationEvent{
		Type:           eventType,
		RegistrationID: reg.ID,
		TenantID:       reg.TenantID,
		EventID:        reg.EventID,
		Status:         reg.Status,
		PaymentStatus:  reg.PaymentStatus,
		TotalAmount:    reg.TotalAmount,
		Currency:       reg.Currency,
		OccurredAt:     time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return e.producer.Publish(ctx, e.topic, reg.ID, body)
}
