// Package notify enqueues outbound email and SMS messages on Kafka. The
// message id doubles as the Kafka key so consumers can drop redeliveries.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ms-reservations/internal/logger"

	"github.com/google/uuid"
)

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Template keys.
const (
	TemplateRegistrationConfirmed = "registration_confirmed"
	TemplateRegistrationCancelled = "registration_cancelled"
	TemplateRegistrationRefunded  = "registration_refunded"
	TemplateHoldExpired           = "registration_hold_expired"
)

var ErrNoRecipient = errors.New("notification has no recipient")

type Message struct {
	ID           string            `json:"id"`
	Channel      Channel           `json:"channel"`
	To           string            `json:"to"`
	TemplateKey  string            `json:"templateKey"`
	TemplateVars map[string]string `json:"templateVars,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
}

type publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

type Dispatcher struct {
	producer   publisher
	emailTopic string
	smsTopic   string
	log        *logger.Logger
}

func NewDispatcher(p publisher, emailTopic, smsTopic string, log *logger.Logger) *Dispatcher {
	return &Dispatcher{producer: p, emailTopic: emailTopic, smsTopic: smsTopic, log: log}
}

// EnqueueEmail queues an email and returns its message id. A blank id
// gets a fresh one.
func (d *Dispatcher) EnqueueEmail(ctx context.Context, id, to, templateKey string, vars map[string]string) (string, error) {
	return d.enqueue(ctx, ChannelEmail, d.emailTopic, id, to, templateKey, vars)
}

func (d *Dispatcher) EnqueueSMS(ctx context.Context, id, to, templateKey string, vars map[string]string) (string, error) {
	return d.enqueue(ctx, ChannelSMS, d.smsTopic, id, to, templateKey, vars)
}

func (d *Dispatcher) enqueue(ctx context.Context, ch Channel, topic, id, to, templateKey string, vars map[string]string) (string, error) {
	if to == "" {
		return "", ErrNoRecipient
	}
	if id == "" {
		id = uuid.New().String()
	}
	body, err := json.Marshal(Message{
		ID:           id,
		Channel:      ch,
		To:           to,
		TemplateKey:  templateKey,
		TemplateVars: vars,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		return "", err
	}
	if err := d.producer.Publish(ctx, topic, id, body); err != nil {
		return "", fmt.Errorf("enqueue %s %s: %w", ch, templateKey, err)
	}
	d.log.Info("NOTIFY", fmt.Sprintf("Queued %s %s (%s)", ch, templateKey, id))
	return id, nil
}
