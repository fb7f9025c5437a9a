// Package registrations holds the persistence contract for registrations
// and the event catalogue they reference.
package registrations

import (
	"context"

	"ms-reservations/internal/apperr"
	"ms-reservations/internal/models"
)

var (
	ErrNotFound         = apperr.NotFound("registration_not_found", "registration not found")
	ErrEventNotFound    = apperr.NotFound("event_not_found", "event not found")
	ErrConcurrentUpdate = apperr.Conflict("concurrent_update", "registration was modified concurrently; reload and retry")
)

// Store persists registrations. UpdateRegistration is a compare-and-swap on
// RowVersion: it succeeds only if the stored version equals reg.RowVersion,
// and increments reg.RowVersion on success.
type Store interface {
	GetRegistration(ctx context.Context, id string) (*models.Registration, error)
	CreateRegistration(ctx context.Context, reg *models.Registration) error
	UpdateRegistration(ctx context.Context, reg *models.Registration) error
	// ListSubmitted returns submitted registrations, earliest hold expiry first.
	ListSubmitted(ctx context.Context, limit int) ([]models.Registration, error)
}

type Catalog interface {
	GetEvent(ctx context.Context, id string) (*models.Event, error)
	ListEventLines(ctx context.Context, eventID string) ([]models.EventLine, error)
	GetEventLines(ctx context.Context, ids []string) ([]models.EventLine, error)
	GetResources(ctx context.Context, ids []string) ([]models.Resource, error)
}
