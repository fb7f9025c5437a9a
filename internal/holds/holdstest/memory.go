// Package holdstest provides an in-memory hold repository for tests.
package holdstest

import (
	"context"
	"errors"
	"sort"
	"sync"

	"ms-reservations/internal/holds"
	"ms-reservations/internal/models"
)

// Repository enforces the same single-holder rule as the SQL index.
type Repository struct {
	mu    sync.Mutex
	holds map[string]models.ReservationHold
	order []string

	// FailCreate, when set, is consulted before every insert.
	FailCreate func(h models.ReservationHold) error
	// FailUpdate, when set, is consulted before every update.
	FailUpdate func(id string, p holds.Patch) error
}

func NewRepository() *Repository {
	return &Repository{holds: map[string]models.ReservationHold{}}
}

func (r *Repository) GetHold(_ context.Context, id string) (*models.ReservationHold, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.holds[id]
	if !ok {
		return nil, holds.ErrNotFound
	}
	return &h, nil
}

func (r *Repository) ListHolds(_ context.Context, f holds.Filter) ([]models.ReservationHold, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.ReservationHold
	for _, id := range r.order {
		if h := r.holds[id]; f.Matches(h) {
			out = append(out, h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].HeldAt.Before(out[j].HeldAt) })
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *Repository) CreateHold(_ context.Context, h *models.ReservationHold) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailCreate != nil {
		if err := r.FailCreate(*h); err != nil {
			return err
		}
	}
	if _, exists := r.holds[h.ID]; exists {
		return errors.New("duplicate hold id")
	}
	if holds.Exclusive(h.ItemType) && h.ResourceID != nil && h.State.Active() {
		for _, other := range r.holds {
			if other.ScopeType == h.ScopeType && other.ScopeID == h.ScopeID &&
				other.ItemType == h.ItemType && other.ResourceID != nil &&
				*other.ResourceID == *h.ResourceID && other.State.Active() {
				return holds.ErrResourceTaken
			}
		}
	}
	r.holds[h.ID] = *h
	r.order = append(r.order, h.ID)
	return nil
}

func (r *Repository) UpdateHold(_ context.Context, id string, p holds.Patch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailUpdate != nil {
		if err := r.FailUpdate(id, p); err != nil {
			return err
		}
	}
	h, ok := r.holds[id]
	if !ok {
		return holds.ErrNotFound
	}
	if p.ExpectState != nil && h.State != *p.ExpectState {
		return holds.ErrStateChanged
	}
	if p.Qty != nil {
		h.Qty = *p.Qty
	}
	if p.State != nil {
		h.State = *p.State
	}
	if p.ConfirmedAt != nil {
		t := *p.ConfirmedAt
		h.ConfirmedAt = &t
	}
	if p.ReleasedAt != nil {
		t := *p.ReleasedAt
		h.ReleasedAt = &t
	}
	if p.ReleaseReason != nil {
		h.ReleaseReason = *p.ReleaseReason
	}
	if p.ExpiresAt != nil {
		t := *p.ExpiresAt
		h.ExpiresAt = &t
	}
	r.holds[id] = h
	return nil
}

// All returns every stored hold in insertion order.
func (r *Repository) All() []models.ReservationHold {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.ReservationHold, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.holds[id])
	}
	return out
}

// Active returns held and confirmed holds for an owner.
func (r *Repository) Active(ownerID string) []models.ReservationHold {
	var out []models.ReservationHold
	for _, h := range r.All() {
		if h.OwnerID == ownerID && h.State.Active() {
			out = append(out, h)
		}
	}
	return out
}

// Put stores a hold as-is, bypassing all checks.
func (r *Repository) Put(h models.ReservationHold) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.holds[h.ID]; !exists {
		r.order = append(r.order, h.ID)
	}
	r.holds[h.ID] = h
}
