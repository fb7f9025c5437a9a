// Package expiry cancels submitted registrations whose hold TTL has lapsed.
package expiry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ms-reservations/internal/cancellation"
	"ms-reservations/internal/clock"
	"ms-reservations/internal/kafka"
	"ms-reservations/internal/logger"
	"ms-reservations/internal/metrics"
	"ms-reservations/internal/models"
	"ms-reservations/internal/notify"
	"ms-reservations/internal/registrations"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// NormalizeLimit applies the default and the hard cap.
func NormalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

type RegistrationStore interface {
	GetRegistration(ctx context.Context, id string) (*models.Registration, error)
	UpdateRegistration(ctx context.Context, reg *models.Registration) error
	ListSubmitted(ctx context.Context, limit int) ([]models.Registration, error)
}

type Notifier interface {
	EnqueueEmail(ctx context.Context, id, to, templateKey string, vars map[string]string) (string, error)
}

type EventPublisher interface {
	PublishRegistrationEvent(ctx context.Context, eventType string, reg models.Registration) error
}

type Sweeper struct {
	regs     RegistrationStore
	releaser *cancellation.Releaser
	clock    clock.Clock
	log      *logger.Logger
	metrics  *metrics.Metrics
	notifier Notifier
	events   EventPublisher
}

type Option func(*Sweeper)

func WithMetrics(m *metrics.Metrics) Option      { return func(s *Sweeper) { s.metrics = m } }
func WithNotifier(n Notifier) Option             { return func(s *Sweeper) { s.notifier = n } }
func WithEventPublisher(p EventPublisher) Option { return func(s *Sweeper) { s.events = p } }

func NewSweeper(regs RegistrationStore, releaser *cancellation.Releaser, clk clock.Clock, log *logger.Logger, opts ...Option) *Sweeper {
	s := &Sweeper{regs: regs, releaser: releaser, clock: clk, log: log}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type Result struct {
	Scanned int      `json:"scanned"`
	Expired []string `json:"expired"`
	Skipped int      `json:"skipped"`
	Failed  []string `json:"failed,omitempty"`
}

// Expired reports whether a submitted registration's hold has lapsed at now.
func Expired(reg models.Registration, now time.Time) bool {
	return reg.Status == models.RegistrationSubmitted && reg.HoldLapsed(now)
}

// Sweep examines at most limit submitted registrations and expires the
// lapsed ones. A failure on one registration does not stop the batch.
func (s *Sweeper) Sweep(ctx context.Context, limit int) (*Result, error) {
	start := time.Now()
	defer func() { s.metrics.ObserveSweep(time.Since(start)) }()

	limit = NormalizeLimit(limit)
	batch, err := s.regs.ListSubmitted(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list submitted registrations: %w", err)
	}

	now := s.clock.Now()
	res := &Result{Scanned: len(batch), Expired: []string{}}
	for i := range batch {
		reg := batch[i]
		if !Expired(reg, now) {
			res.Skipped++
			continue
		}
		if err := s.expire(ctx, &reg, now); err != nil {
			if errors.Is(err, registrations.ErrConcurrentUpdate) {
				s.log.Info("EXPIRY", fmt.Sprintf("Registration %s changed during sweep, skipping", reg.ID))
				res.Skipped++
				continue
			}
			s.log.Error("EXPIRY", fmt.Sprintf("Failed to expire %s: %v", reg.ID, err))
			res.Failed = append(res.Failed, reg.ID)
			continue
		}
		res.Expired = append(res.Expired, reg.ID)
	}

	s.metrics.RecordExpired(len(res.Expired))
	if len(res.Expired) > 0 || len(res.Failed) > 0 {
		s.log.LogProcess("SWEEP", fmt.Sprintf("scanned=%d expired=%d failed=%d", res.Scanned, len(res.Expired), len(res.Failed)))
	}
	return res, nil
}

// ExpireRegistration expires a single registration if its hold has lapsed.
// It reports whether the registration was expired by this call.
func (s *Sweeper) ExpireRegistration(ctx context.Context, id string) (bool, error) {
	reg, err := s.regs.GetRegistration(ctx, id)
	if err != nil {
		return false, err
	}
	now := s.clock.Now()
	if !Expired(*reg, now) {
		return false, nil
	}
	if err := s.expire(ctx, reg, now); err != nil {
		if errors.Is(err, registrations.ErrConcurrentUpdate) {
			return false, nil
		}
		return false, err
	}
	s.metrics.RecordExpired(1)
	return true, nil
}

func (s *Sweeper) expire(ctx context.Context, reg *models.Registration, now time.Time) error {
	reg.Status = models.RegistrationCancelled
	reg.PaymentStatus = models.PaymentFailed
	reg.CancelledAt = &now
	reg.CancelReason = models.ReasonExpired
	if err := s.regs.UpdateRegistration(ctx, reg); err != nil {
		return err
	}
	s.log.Info("EXPIRY", fmt.Sprintf("Registration %s expired (hold lapsed at %s)", reg.ID, reg.HoldExpiresAt.Format(time.RFC3339)))

	s.releaser.Release(ctx, *reg, models.ReasonExpired)

	if s.notifier != nil && reg.ContactEmail != "" && reg.CancellationMessageID == "" {
		id, err := s.notifier.EnqueueEmail(ctx, "", reg.ContactEmail, notify.TemplateHoldExpired, map[string]string{
			"registrationId": reg.ID,
			"eventId":        reg.EventID,
		})
		if err != nil {
			s.log.Warn("NOTIFY", fmt.Sprintf("Expiry email for %s not queued: %v", reg.ID, err))
		} else {
			reg.CancellationMessageID = id
			if err := s.regs.UpdateRegistration(ctx, reg); err != nil {
				s.log.Warn("NOTIFY", fmt.Sprintf("Could not store expiry message id for %s: %v", reg.ID, err))
			}
		}
	}
	if s.events != nil {
		if err := s.events.PublishRegistrationEvent(ctx, kafka.RegistrationExpired, *reg); err != nil {
			s.log.Warn("KAFKA", fmt.Sprintf("Could not publish expiry of %s: %v", reg.ID, err))
		}
	}
	return nil
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration, limit int) error {
	if interval <= 0 {
		return errors.New("sweep interval must be positive")
	}
	s.log.LogProcess("SWEEP", fmt.Sprintf("worker started (every %s, limit %d)", interval, NormalizeLimit(limit)))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.LogProcess("SWEEP", "worker stopped")
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx, limit); err != nil {
				s.log.Error("EXPIRY", fmt.Sprintf("Sweep failed: %v", err))
			}
		}
	}
}
