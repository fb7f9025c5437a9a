package models

import (
	"time"

	"github.com/uptrace/bun"
)

type ItemType string

const (
	ItemSeat       ItemType = "seat"
	ItemRV         ItemType = "rv"
	ItemStall      ItemType = "stall"
	ItemClassEntry ItemType = "class_entry"
)

type HoldState string

const (
	HoldHeld      HoldState = "held"
	HoldConfirmed HoldState = "confirmed"
	HoldReleased  HoldState = "released"
	HoldCancelled HoldState = "cancelled"
)

// Active holds count against committed quantities.
func (s HoldState) Active() bool {
	return s == HoldHeld || s == HoldConfirmed
}

// ActiveStates is the filter used by every "live holds" lookup.
var ActiveStates = []HoldState{HoldHeld, HoldConfirmed}

const (
	OwnerRegistration = "registration"
	ScopeEvent        = "event"
)

// Release reasons recorded on holds.
const (
	ReasonAssigned         = "assigned"
	ReasonExpired          = "expired"
	ReasonOperatorCancel   = "operator_cancel"
	ReasonRefund           = "refund"
	ReasonCheckoutRollback = "checkout_rollback"
	ReasonAssignRollback   = "assignment_rollback"
)

type Owner struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type Scope struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func RegistrationOwner(registrationID string) Owner {
	return Owner{Type: OwnerRegistration, ID: registrationID}
}

func EventScope(eventID string) Scope {
	return Scope{Type: ScopeEvent, ID: eventID}
}

type HoldMetadata struct {
	EventLineID string `json:"eventLineId,omitempty"`
	GroupID     string `json:"groupId,omitempty"`
}

type ReservationHold struct {
	bun.BaseModel `bun:"table:reservation_holds"`

	ID            string       `bun:"id,pk" json:"id"`
	OwnerType     string       `bun:"owner_type,notnull" json:"ownerType"`
	OwnerID       string       `bun:"owner_id,notnull" json:"ownerId"`
	ScopeType     string       `bun:"scope_type,notnull" json:"scopeType"`
	ScopeID       string       `bun:"scope_id,notnull" json:"scopeId"`
	ItemType      ItemType     `bun:"item_type,notnull" json:"itemType"`
	Qty           int          `bun:"qty,notnull" json:"qty"`
	ResourceID    *string      `bun:"resource_id" json:"resourceId,omitempty"`
	State         HoldState    `bun:"state,notnull" json:"state"`
	HeldAt        time.Time    `bun:"held_at,notnull" json:"heldAt"`
	ConfirmedAt   *time.Time   `bun:"confirmed_at" json:"confirmedAt,omitempty"`
	ReleasedAt    *time.Time   `bun:"released_at" json:"releasedAt,omitempty"`
	ReleaseReason string       `bun:"release_reason,nullzero" json:"releaseReason,omitempty"`
	ExpiresAt     *time.Time   `bun:"expires_at" json:"expiresAt,omitempty"`
	Metadata      HoldMetadata `bun:"metadata,type:jsonb" json:"metadata"`
}

// IsBlock reports whether the hold reserves an unassigned quantity.
func (h ReservationHold) IsBlock() bool {
	return h.ResourceID == nil
}

func (h ReservationHold) Owner() Owner {
	return Owner{Type: h.OwnerType, ID: h.OwnerID}
}

// LineID is the class line a class-entry hold belongs to. Granular class
// holds carry the line as their resource id.
func (h ReservationHold) LineID() string {
	if h.ResourceID != nil && h.ItemType == ItemClassEntry {
		return *h.ResourceID
	}
	return h.Metadata.EventLineID
}
