package models

import (
	"time"

	"github.com/uptrace/bun"
)

type EventStatus string

const (
	EventDraft  EventStatus = "draft"
	EventOpen   EventStatus = "open"
	EventClosed EventStatus = "closed"
)

type Event struct {
	bun.BaseModel `bun:"table:events"`

	ID           string      `bun:"id,pk" json:"id"`
	TenantID     string      `bun:"tenant_id,notnull" json:"tenantId"`
	Name         string      `bun:"name,notnull" json:"name"`
	Status       EventStatus `bun:"status,notnull" json:"status"`
	Currency     string      `bun:"currency" json:"currency,omitempty"`
	SeatFee      int64       `bun:"seat_fee,notnull" json:"seatFee"`
	RVEnabled    bool        `bun:"rv_enabled,notnull" json:"rvEnabled"`
	RVFee        *int64      `bun:"rv_fee" json:"rvFee,omitempty"`
	StallEnabled bool        `bun:"stall_enabled,notnull" json:"stallEnabled"`
	StallFee     *int64      `bun:"stall_fee" json:"stallFee,omitempty"`
	CreatedAt    time.Time   `bun:"created_at,notnull" json:"createdAt"`
}

// EventLine is a priced class offered at an event.
type EventLine struct {
	bun.BaseModel `bun:"table:event_lines"`

	ID       string `bun:"id,pk" json:"id"`
	EventID  string `bun:"event_id,notnull" json:"eventId"`
	ClassID  string `bun:"class_id,notnull" json:"classId"`
	Name     string `bun:"name" json:"name"`
	Fee      *int64 `bun:"fee" json:"fee,omitempty"`
	Capacity int    `bun:"capacity,notnull" json:"capacity"`
}

// Resource is an assignable stall or RV site.
type Resource struct {
	bun.BaseModel `bun:"table:resources"`

	ID       string   `bun:"id,pk" json:"id"`
	TenantID string   `bun:"tenant_id,notnull" json:"tenantId"`
	EventID  string   `bun:"event_id,notnull" json:"eventId"`
	Kind     ItemType `bun:"kind,notnull" json:"kind"`
	Label    string   `bun:"label" json:"label"`
}
