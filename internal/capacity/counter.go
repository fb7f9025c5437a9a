// Package capacity keeps per-event reserved counters against configured limits.
package capacity

import (
	"context"
	"errors"
	"fmt"

	"ms-reservations/internal/models"
)

var (
	// ErrFull means the reservation would exceed the configured limit.
	ErrFull = errors.New("capacity full")
	// ErrNotConfigured means no limit was ever set for the counter.
	ErrNotConfigured = errors.New("capacity not configured")
)

// Key addresses one counter. LineID is set only for class entries.
type Key struct {
	EventID  string
	ItemType models.ItemType
	LineID   string
}

func SeatKey(eventID string) Key  { return Key{EventID: eventID, ItemType: models.ItemSeat} }
func RVKey(eventID string) Key    { return Key{EventID: eventID, ItemType: models.ItemRV} }
func StallKey(eventID string) Key { return Key{EventID: eventID, ItemType: models.ItemStall} }

func LineKey(eventID, lineID string) Key {
	return Key{EventID: eventID, ItemType: models.ItemClassEntry, LineID: lineID}
}

func (k Key) String() string {
	if k.LineID != "" {
		return fmt.Sprintf("capacity:%s:%s:%s", k.EventID, k.ItemType, k.LineID)
	}
	return fmt.Sprintf("capacity:%s:%s", k.EventID, k.ItemType)
}

// Counter is atomic per key: Reserve either applies all of qty or nothing.
// Release never fails on over-release; the counter floors at zero.
type Counter interface {
	Reserve(ctx context.Context, key Key, qty int) error
	Release(ctx context.Context, key Key, qty int) error
}
