// Package cancellation implements operator cancel and cancel-with-refund.
package cancellation

import (
	"context"
	"fmt"

	"ms-reservations/internal/apperr"
	"ms-reservations/internal/clock"
	"ms-reservations/internal/kafka"
	"ms-reservations/internal/logger"
	"ms-reservations/internal/models"
	"ms-reservations/internal/notify"
	"ms-reservations/internal/payment"
)

type RegistrationStore interface {
	GetRegistration(ctx context.Context, id string) (*models.Registration, error)
	UpdateRegistration(ctx context.Context, reg *models.Registration) error
}

type Notifier interface {
	EnqueueEmail(ctx context.Context, id, to, templateKey string, vars map[string]string) (string, error)
}

type EventPublisher interface {
	PublishRegistrationEvent(ctx context.Context, eventType string, reg models.Registration) error
}

type HoldTimer interface {
	Clear(ctx context.Context, registrationID string) error
}

type Service struct {
	regs     RegistrationStore
	releaser *Releaser
	gateway  payment.Gateway
	clock    clock.Clock
	log      *logger.Logger
	notifier Notifier
	events   EventPublisher
	timer    HoldTimer
}

type Option func(*Service)

func WithNotifier(n Notifier) Option             { return func(s *Service) { s.notifier = n } }
func WithEventPublisher(p EventPublisher) Option { return func(s *Service) { s.events = p } }
func WithHoldTimer(t HoldTimer) Option            { return func(s *Service) { s.timer = t } }

func NewService(regs RegistrationStore, releaser *Releaser, gateway payment.Gateway, clk clock.Clock, log *logger.Logger, opts ...Option) *Service {
	s := &Service{regs: regs, releaser: releaser, gateway: gateway, clock: clk, log: log}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type Request struct {
	RegistrationID string
	TenantID       string
	Actor          string
	Reason         string
}

func (s *Service) load(ctx context.Context, req Request) (*models.Registration, error) {
	reg, err := s.regs.GetRegistration(ctx, req.RegistrationID)
	if err != nil {
		return nil, err
	}
	if req.TenantID != "" && reg.TenantID != req.TenantID {
		return nil, apperr.NotFound("registration_not_found", "registration not found")
	}
	return reg, nil
}

// Cancel is the operator cancel. Cancelling an already-cancelled
// registration returns it unchanged.
func (s *Service) Cancel(ctx context.Context, req Request) (*models.Registration, error) {
	reg, err := s.load(ctx, req)
	if err != nil {
		return nil, err
	}
	if reg.Status == models.RegistrationCancelled {
		return reg, nil
	}

	prePayment := reg.Status == models.RegistrationSubmitted && prePaymentStatus(reg.PaymentStatus)
	paid := reg.Status == models.RegistrationConfirmed && reg.PaymentStatus == models.PaymentPaid
	if !prePayment && !paid {
		return nil, apperr.Conflict("invalid_state",
			fmt.Sprintf("cannot cancel a %s registration with payment %s", reg.Status, reg.PaymentStatus))
	}

	now := s.clock.Now()
	reg.Status = models.RegistrationCancelled
	if prePayment {
		reg.PaymentStatus = models.PaymentFailed
	}
	reg.CancelledAt = &now
	reg.CancelledBy = req.Actor
	reg.CancelReason = req.Reason
	if err := s.regs.UpdateRegistration(ctx, reg); err != nil {
		return nil, err
	}
	s.log.Info("CANCEL", fmt.Sprintf("Registration %s cancelled by %s", reg.ID, actorOrSystem(req.Actor)))

	if prePayment && s.timer != nil {
		if err := s.timer.Clear(ctx, reg.ID); err != nil {
			s.log.Warn("CANCEL", fmt.Sprintf("Could not clear hold timer for %s: %v", reg.ID, err))
		}
	}
	s.releaser.Release(ctx, *reg, models.ReasonOperatorCancel)
	s.afterCancel(ctx, reg, kafka.RegistrationCancelled, notify.TemplateRegistrationCancelled)
	return reg, nil
}

// CancelAndRefund refunds a paid registration and cancels it. It is
// idempotent once the registration is refunded.
func (s *Service) CancelAndRefund(ctx context.Context, req Request) (*models.Registration, error) {
	reg, err := s.load(ctx, req)
	if err != nil {
		return nil, err
	}
	if reg.PaymentStatus == models.PaymentRefunded {
		return reg, nil
	}
	if reg.Status != models.RegistrationConfirmed || reg.PaymentStatus != models.PaymentPaid {
		return nil, apperr.Conflict("invalid_state",
			fmt.Sprintf("refund needs a confirmed, paid registration; got %s/%s", reg.Status, reg.PaymentStatus))
	}
	if reg.PaymentIntentID == "" {
		return nil, apperr.Consistency("payment_intent_missing", "paid registration has no payment intent")
	}

	refund, err := s.gateway.Refund(ctx, payment.RefundRequest{
		PaymentIntentID: reg.PaymentIntentID,
		Amount:          reg.TotalAmount,
		IdempotencyKey:  "refund-" + reg.ID,
		Reason:          req.Reason,
	})
	if err != nil {
		return nil, apperr.Upstream("refund_failed", "the payment processor rejected the refund", err)
	}

	now := s.clock.Now()
	reg.Status = models.RegistrationCancelled
	reg.PaymentStatus = models.PaymentRefunded
	reg.RefundID = refund.ID
	reg.CancelledAt = &now
	reg.CancelledBy = req.Actor
	reg.CancelReason = req.Reason
	if err := s.regs.UpdateRegistration(ctx, reg); err != nil {
		s.log.Error("REFUND", fmt.Sprintf("Refund %s issued for %s but the registration was not updated: %v", refund.ID, reg.ID, err))
		return nil, err
	}
	s.log.Info("REFUND", fmt.Sprintf("Registration %s refunded (%s) by %s", reg.ID, refund.ID, actorOrSystem(req.Actor)))

	s.releaser.Release(ctx, *reg, models.ReasonRefund)
	s.afterCancel(ctx, reg, kafka.RegistrationRefunded, notify.TemplateRegistrationRefunded)
	return reg, nil
}

// afterCancel sends the cancellation email once and publishes the event.
func (s *Service) afterCancel(ctx context.Context, reg *models.Registration, eventType, template string) {
	if s.notifier != nil && reg.CancellationMessageID == "" && reg.ContactEmail != "" {
		id, err := s.notifier.EnqueueEmail(ctx, "", reg.ContactEmail, template, map[string]string{
			"registrationId": reg.ID,
			"eventId":        reg.EventID,
		})
		if err != nil {
			s.log.Warn("NOTIFY", fmt.Sprintf("Cancellation email for %s not queued: %v", reg.ID, err))
		} else {
			reg.CancellationMessageID = id
			if err := s.regs.UpdateRegistration(ctx, reg); err != nil {
				s.log.Warn("NOTIFY", fmt.Sprintf("Could not store cancellation message id for %s: %v", reg.ID, err))
			}
		}
	}
	if s.events != nil {
		if err := s.events.PublishRegistrationEvent(ctx, eventType, *reg); err != nil {
			s.log.Warn("KAFKA", fmt.Sprintf("Could not publish %s for %s: %v", eventType, reg.ID, err))
		}
	}
}

func prePaymentStatus(p models.PaymentStatus) bool {
	return p == models.PaymentNone || p == models.PaymentPending || p == models.PaymentFailed || p == ""
}

func actorOrSystem(actor string) string {
	if actor == "" {
		return "system"
	}
	return actor
}
