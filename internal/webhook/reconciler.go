// Package webhook applies verified payment outcomes to registrations.
package webhook

import (
	"context"
	"errors"
	"fmt"

	"ms-reservations/internal/apperr"
	"ms-reservations/internal/clock"
	"ms-reservations/internal/holds"
	"ms-reservations/internal/kafka"
	"ms-reservations/internal/logger"
	"ms-reservations/internal/models"
	"ms-reservations/internal/notify"
	"ms-reservations/internal/payment"
	"ms-reservations/internal/readiness"
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

// HoldTimer disarms the expiry signal of a registration that no longer
// needs one.
type HoldTimer interface {
	Clear(ctx context.Context, registrationID string) error
}

type Reconciler struct {
	verifier payment.WebhookVerifier
	regs     RegistrationStore
	holds    *holds.Manager
	clock    clock.Clock
	log      *logger.Logger
	notifier Notifier
	events   EventPublisher
	timer    HoldTimer
}

type Option func(*Reconciler)

func WithNotifier(n Notifier) Option             { return func(r *Reconciler) { r.notifier = n } }
func WithEventPublisher(p EventPublisher) Option { return func(r *Reconciler) { r.events = p } }
func WithHoldTimer(t HoldTimer) Option            { return func(r *Reconciler) { r.timer = t } }

func NewReconciler(verifier payment.WebhookVerifier, regs RegistrationStore, holdMgr *holds.Manager, clk clock.Clock, log *logger.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{verifier: verifier, regs: regs, holds: holdMgr, clock: clk, log: log}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle verifies and applies a raw webhook delivery. Unknown event types
// and events without a registration are acknowledged and ignored.
func (r *Reconciler) Handle(ctx context.Context, payload []byte, signature string) error {
	event, err := r.verifier.VerifyWebhook(payload, signature)
	if err != nil {
		if errors.Is(err, payment.ErrInvalidSignature) {
			return apperr.Wrap(apperr.KindInvalid, "invalid_signature", "webhook signature verification failed", err)
		}
		return apperr.Wrap(apperr.KindInvalid, "invalid_payload", "webhook could not be parsed", err)
	}

	r.log.Info("WEBHOOK", fmt.Sprintf("Received %s (%s)", event.Type, event.ID))
	if event.RegistrationID == "" {
		if event.Type == payment.EventPaymentSucceeded || event.Type == payment.EventPaymentFailed {
			r.log.Warn("WEBHOOK", fmt.Sprintf("Payment intent %s carries no registration id", event.PaymentIntentID))
		}
		return nil
	}

	switch event.Type {
	case payment.EventPaymentSucceeded:
		return r.PaymentSucceeded(ctx, event.RegistrationID, event.PaymentIntentID)
	case payment.EventPaymentFailed:
		return r.PaymentFailed(ctx, event.RegistrationID, event.PaymentIntentID, event.FailureMessage)
	default:
		r.log.Debug("WEBHOOK", fmt.Sprintf("Ignoring event type %s", event.Type))
		return nil
	}
}

// PaymentSucceeded confirms the registration and its holds. Redelivery is
// safe: a confirmed registration only retries hold confirmation.
func (r *Reconciler) PaymentSucceeded(ctx context.Context, registrationID, intentID string) error {
	reg, err := r.regs.GetRegistration(ctx, registrationID)
	if err != nil {
		return err
	}
	if err := checkIntent(reg, intentID); err != nil {
		r.log.Warn("WEBHOOK", fmt.Sprintf("Ignoring stale intent for %s: %v", reg.ID, err))
		return nil
	}

	switch {
	case reg.Status == models.RegistrationCancelled:
		r.log.Warn("WEBHOOK", fmt.Sprintf("Payment %s succeeded for cancelled registration %s; needs manual refund", intentID, reg.ID))
		return nil
	case reg.Status == models.RegistrationConfirmed && reg.PaymentStatus == models.PaymentPaid:
		r.log.Info("WEBHOOK", fmt.Sprintf("Registration %s already confirmed", reg.ID))
	case reg.Status == models.RegistrationSubmitted:
		now := r.clock.Now()
		reg.Status = models.RegistrationConfirmed
		reg.PaymentStatus = models.PaymentPaid
		reg.ConfirmedAt = &now
		if err := r.regs.UpdateRegistration(ctx, reg); err != nil {
			return err
		}
		r.log.Info("WEBHOOK", fmt.Sprintf("Registration %s confirmed by payment %s", reg.ID, intentID))
		r.publish(ctx, kafka.RegistrationConfirmed, reg)
		r.clearTimer(ctx, reg.ID)
	default:
		return apperr.Conflict("invalid_state", fmt.Sprintf("payment succeeded for %s registration", reg.Status))
	}

	owner := models.RegistrationOwner(reg.ID)
	_, confirmErr := r.holds.ConfirmHoldsForOwner(ctx, owner)
	if confirmErr != nil {
		r.log.Error("WEBHOOK", fmt.Sprintf("Some holds of %s were not confirmed: %v", reg.ID, confirmErr))
	}

	r.sendConfirmation(ctx, reg)
	if err := r.refreshReadiness(ctx, reg); err != nil {
		return errors.Join(err, confirmErr)
	}
	if confirmErr != nil {
		// Non-2xx makes the processor redeliver; the confirmed branch
		// above then retries the remaining holds.
		return apperr.Internal("some holds were not confirmed", confirmErr)
	}
	return nil
}

func (r *Reconciler) clearTimer(ctx context.Context, registrationID string) {
	if r.timer == nil {
		return
	}
	if err := r.timer.Clear(ctx, registrationID); err != nil {
		r.log.Warn("WEBHOOK", fmt.Sprintf("Could not clear hold timer for %s: %v", registrationID, err))
	}
}

// PaymentFailed records the failure. Holds stay in place until the hold
// expires or an operator cancels, so the registrant can retry payment.
func (r *Reconciler) PaymentFailed(ctx context.Context, registrationID, intentID, reason string) error {
	reg, err := r.regs.GetRegistration(ctx, registrationID)
	if err != nil {
		return err
	}
	if err := checkIntent(reg, intentID); err != nil {
		r.log.Warn("WEBHOOK", fmt.Sprintf("Ignoring stale intent for %s: %v", reg.ID, err))
		return nil
	}
	if reg.Status != models.RegistrationSubmitted {
		r.log.Info("WEBHOOK", fmt.Sprintf("Ignoring payment failure for %s registration %s", reg.Status, reg.ID))
		return nil
	}
	if reg.PaymentStatus != models.PaymentFailed {
		reg.PaymentStatus = models.PaymentFailed
		if err := r.regs.UpdateRegistration(ctx, reg); err != nil {
			return err
		}
		r.log.Warn("WEBHOOK", fmt.Sprintf("Payment %s failed for %s: %s", intentID, reg.ID, reason))
		r.publish(ctx, kafka.RegistrationPaymentFailed, reg)
	}
	return r.refreshReadiness(ctx, reg)
}

func (r *Reconciler) refreshReadiness(ctx context.Context, reg *models.Registration) error {
	scope := models.EventScope(reg.EventID)
	active, err := r.holds.ActiveHolds(ctx, models.RegistrationOwner(reg.ID), &scope)
	if err != nil {
		return fmt.Errorf("load holds for readiness: %w", err)
	}
	status := readiness.Evaluate(readiness.InputFor(*reg, active), reg.CheckInStatus, r.clock.Now())
	reg.CheckInStatus = &status
	if err := r.regs.UpdateRegistration(ctx, reg); err != nil {
		return fmt.Errorf("store readiness: %w", err)
	}
	return nil
}

func (r *Reconciler) sendConfirmation(ctx context.Context, reg *models.Registration) {
	if r.notifier == nil || reg.ConfirmationMessageID != "" || reg.ContactEmail == "" {
		return
	}
	id, err := r.notifier.EnqueueEmail(ctx, "", reg.ContactEmail, notify.TemplateRegistrationConfirmed, map[string]string{
		"registrationId": reg.ID,
		"eventId":        reg.EventID,
	})
	if err != nil {
		r.log.Warn("NOTIFY", fmt.Sprintf("Confirmation email for %s not queued: %v", reg.ID, err))
		return
	}
	reg.ConfirmationMessageID = id
}

func (r *Reconciler) publish(ctx context.Context, eventType string, reg *models.Registration) {
	if r.events == nil {
		return
	}
	if err := r.events.PublishRegistrationEvent(ctx, eventType, *reg); err != nil {
		r.log.Warn("KAFKA", fmt.Sprintf("Could not publish %s for %s: %v", eventType, reg.ID, err))
	}
}

func checkIntent(reg *models.Registration, intentID string) error {
	if intentID != "" && reg.PaymentIntentID != "" && reg.PaymentIntentID != intentID {
		return apperr.Conflict("payment_intent_mismatch", "webhook intent does not match the registration").
			WithDetails(map[string]any{"expected": reg.PaymentIntentID, "received": intentID})
	}
	return nil
}
