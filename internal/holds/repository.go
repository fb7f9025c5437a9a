package holds

import (
	"context"
	"errors"
	"time"

	"ms-reservations/internal/models"
)

var (
	ErrNotFound = errors.New("hold not found")
	// ErrResourceTaken is returned by CreateHold when another active hold
	// already owns the same exclusive resource in the scope.
	ErrResourceTaken = errors.New("resource already held")
	// ErrStateChanged is returned by UpdateHold when ExpectState no longer matches.
	ErrStateChanged = errors.New("hold state changed")
)

// Filter narrows ListHolds. Zero fields are ignored.
type Filter struct {
	OwnerType    string
	OwnerID      string
	ScopeType    string
	ScopeID      string
	ItemType     models.ItemType
	States       []models.HoldState
	ResourceID   string
	BlockOnly    bool
	GranularOnly bool
	Limit        int
	Offset       int
}

func (f Filter) WithOwner(o models.Owner) Filter {
	f.OwnerType, f.OwnerID = o.Type, o.ID
	return f
}

func (f Filter) WithScope(s models.Scope) Filter {
	f.ScopeType, f.ScopeID = s.Type, s.ID
	return f
}

// Patch is a partial hold update. ExpectState makes the write conditional.
type Patch struct {
	Qty           *int
	State         *models.HoldState
	ConfirmedAt   *time.Time
	ReleasedAt    *time.Time
	ReleaseReason *string
	ExpiresAt     *time.Time
	ExpectState   *models.HoldState
}

type Repository interface {
	GetHold(ctx context.Context, id string) (*models.ReservationHold, error)
	ListHolds(ctx context.Context, f Filter) ([]models.ReservationHold, error)
	CreateHold(ctx context.Context, hold *models.ReservationHold) error
	UpdateHold(ctx context.Context, id string, p Patch) error
}

// Exclusive item types allow one active holder per resource per scope.
func Exclusive(t models.ItemType) bool {
	return t == models.ItemStall || t == models.ItemRV
}

// Matches reports whether h satisfies f, ignoring paging. Shared by
// in-memory stores so they filter exactly like the SQL repository.
func (f Filter) Matches(h models.ReservationHold) bool {
	if f.OwnerID != "" && (h.OwnerType != f.OwnerType || h.OwnerID != f.OwnerID) {
		return false
	}
	if f.ScopeID != "" && (h.ScopeType != f.ScopeType || h.ScopeID != f.ScopeID) {
		return false
	}
	if f.ItemType != "" && h.ItemType != f.ItemType {
		return false
	}
	if len(f.States) > 0 {
		found := false
		for _, s := range f.States {
			if h.State == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.ResourceID != "" && (h.ResourceID == nil || *h.ResourceID != f.ResourceID) {
		return false
	}
	if f.BlockOnly && !h.IsBlock() {
		return false
	}
	if f.GranularOnly && h.IsBlock() {
		return false
	}
	return true
}
