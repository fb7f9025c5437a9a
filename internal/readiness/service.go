package readiness

import (
	"context"
	"fmt"

	"ms-reservations/internal/apperr"
	"ms-reservations/internal/clock"
	"ms-reservations/internal/kafka"
	"ms-reservations/internal/logger"
	"ms-reservations/internal/models"
	"ms-reservations/internal/registrations"
)

type RegistrationStore interface {
	GetRegistration(ctx context.Context, id string) (*models.Registration, error)
	UpdateRegistration(ctx context.Context, reg *models.Registration) error
}

type HoldLister interface {
	ActiveHolds(ctx context.Context, owner models.Owner, scope *models.Scope) ([]models.ReservationHold, error)
}

type EventPublisher interface {
	PublishRegistrationEvent(ctx context.Context, eventType string, reg models.Registration) error
}

type Service struct {
	regs   RegistrationStore
	holds  HoldLister
	passes *PassIssuer
	clock  clock.Clock
	log    *logger.Logger
	events EventPublisher
}

func NewService(regs RegistrationStore, holds HoldLister, passes *PassIssuer, clk clock.Clock, log *logger.Logger, events EventPublisher) *Service {
	return &Service{regs: regs, holds: holds, passes: passes, clock: clk, log: log, events: events}
}

func (s *Service) load(ctx context.Context, id, tenantID string) (*models.Registration, []models.ReservationHold, error) {
	reg, err := s.regs.GetRegistration(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if tenantID != "" && reg.TenantID != tenantID {
		return nil, nil, registrations.ErrNotFound
	}
	scope := models.EventScope(reg.EventID)
	holds, err := s.holds.ActiveHolds(ctx, models.RegistrationOwner(reg.ID), &scope)
	if err != nil {
		return nil, nil, fmt.Errorf("load holds: %w", err)
	}
	return reg, holds, nil
}

// Evaluate computes a fresh snapshot without persisting it.
func (s *Service) Evaluate(ctx context.Context, id, tenantID string) (*models.CheckInStatus, error) {
	reg, holds, err := s.load(ctx, id, tenantID)
	if err != nil {
		return nil, err
	}
	status := Evaluate(InputFor(*reg, holds), reg.CheckInStatus, s.clock.Now())
	return &status, nil
}

// Refresh recomputes the snapshot and stores it on the registration.
func (s *Service) Refresh(ctx context.Context, id, tenantID string) (*models.CheckInStatus, error) {
	reg, holds, err := s.load(ctx, id, tenantID)
	if err != nil {
		return nil, err
	}
	status := Evaluate(InputFor(*reg, holds), reg.CheckInStatus, s.clock.Now())
	reg.CheckInStatus = &status
	if err := s.regs.UpdateRegistration(ctx, reg); err != nil {
		return nil, err
	}
	return &status, nil
}

// CheckIn marks a ready registration as checked in. expectedVersion, when
// non-zero, must match the registration's row version. Checking in twice
// returns the existing record.
func (s *Service) CheckIn(ctx context.Context, id, tenantID string, expectedVersion int64) (*models.Registration, error) {
	reg, holds, err := s.load(ctx, id, tenantID)
	if err != nil {
		return nil, err
	}
	if reg.CheckedInAt != nil {
		return reg, nil
	}
	if expectedVersion != 0 && expectedVersion != reg.RowVersion {
		return nil, registrations.ErrConcurrentUpdate
	}

	now := s.clock.Now()
	status := Evaluate(InputFor(*reg, holds), reg.CheckInStatus, now)
	if !status.Ready {
		return nil, apperr.Conflict("not_ready", "registration is not ready for check-in").
			WithDetails(map[string]any{"blockers": status.Blockers})
	}

	reg.CheckInStatus = &status
	reg.CheckedInAt = &now
	if err := s.regs.UpdateRegistration(ctx, reg); err != nil {
		return nil, err
	}
	s.log.Info("CHECKIN", fmt.Sprintf("Registration %s checked in", reg.ID))
	if s.events != nil {
		if err := s.events.PublishRegistrationEvent(ctx, kafka.RegistrationCheckedIn, *reg); err != nil {
			s.log.Warn("KAFKA", fmt.Sprintf("Could not publish check-in of %s: %v", reg.ID, err))
		}
	}
	return reg, nil
}

// Pass renders the check-in QR code for a ready registration.
func (s *Service) Pass(ctx context.Context, id, tenantID string) ([]byte, error) {
	reg, holds, err := s.load(ctx, id, tenantID)
	if err != nil {
		return nil, err
	}
	status := Evaluate(InputFor(*reg, holds), reg.CheckInStatus, s.clock.Now())
	if !status.Ready {
		return nil, apperr.Conflict("not_ready", "registration is not ready for check-in").
			WithDetails(map[string]any{"blockers": status.Blockers})
	}
	return s.passes.PNG(PassClaims{
		RegistrationID: reg.ID,
		EventID:        reg.EventID,
		TenantID:       reg.TenantID,
		IssuedAt:       s.clock.Now(),
	})
}
