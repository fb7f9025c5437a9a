package models

import (
	"time"

	"github.com/uptrace/bun"
)

type RegistrationStatus string

const (
	RegistrationDraft     RegistrationStatus = "draft"
	RegistrationSubmitted RegistrationStatus = "submitted"
	RegistrationConfirmed RegistrationStatus = "confirmed"
	RegistrationCancelled RegistrationStatus = "cancelled"
)

type PaymentStatus string

const (
	PaymentNone     PaymentStatus = "none"
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

type RegistrationLine struct {
	ClassID string `json:"classId"`
	Qty     int    `json:"qty"`
}

type LineFee struct {
	EventLineID string `json:"eventLineId"`
	ClassID     string `json:"classId"`
	Qty         int    `json:"qty"`
	UnitFee     int64  `json:"unitFee"`
}

// Fees are minor currency units.
type Fees struct {
	Seat  int64     `json:"seat"`
	RV    int64     `json:"rv"`
	Stall int64     `json:"stall"`
	Lines []LineFee `json:"lines,omitempty"`
}

func (f Fees) Total() int64 {
	total := f.Seat + f.RV + f.Stall
	for _, l := range f.Lines {
		total += l.UnitFee * int64(l.Qty)
	}
	return total
}

type Blocker struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Action   string `json:"action,omitempty"`
	Assigned int    `json:"assigned,omitempty"`
	Required int    `json:"required,omitempty"`
}

type CheckInStatus struct {
	Ready           bool      `json:"ready"`
	Blockers        []Blocker `json:"blockers"`
	LastEvaluatedAt time.Time `json:"lastEvaluatedAt"`
	Version         int       `json:"version"`
}

type Registration struct {
	bun.BaseModel `bun:"table:registrations"`

	ID                     string             `bun:"id,pk" json:"id"`
	TenantID               string             `bun:"tenant_id,notnull" json:"tenantId"`
	EventID                string             `bun:"event_id,notnull" json:"eventId"`
	ContactEmail           string             `bun:"contact_email" json:"contactEmail,omitempty"`
	ContactPhone           string             `bun:"contact_phone" json:"contactPhone,omitempty"`
	Status                 RegistrationStatus `bun:"status,notnull" json:"status"`
	PaymentStatus          PaymentStatus      `bun:"payment_status,notnull" json:"paymentStatus"`
	StallQty               int                `bun:"stall_qty,notnull" json:"stallQty"`
	RVQty                  int                `bun:"rv_qty,notnull" json:"rvQty"`
	Lines                  []RegistrationLine `bun:"lines,type:jsonb" json:"lines"`
	Fees                   *Fees              `bun:"fees,type:jsonb" json:"fees,omitempty"`
	TotalAmount            int64              `bun:"total_amount,notnull" json:"totalAmount"`
	Currency               string             `bun:"currency" json:"currency,omitempty"`
	HoldExpiresAt          *time.Time         `bun:"hold_expires_at" json:"holdExpiresAt,omitempty"`
	SubmittedAt            *time.Time         `bun:"submitted_at" json:"submittedAt,omitempty"`
	ConfirmedAt            *time.Time         `bun:"confirmed_at" json:"confirmedAt,omitempty"`
	PaymentIntentID        string             `bun:"payment_intent_id,nullzero" json:"paymentIntentId,omitempty"`
	PaymentClientSecret    string             `bun:"payment_client_secret,nullzero" json:"-"`
	CheckoutIdempotencyKey string             `bun:"checkout_idempotency_key,nullzero" json:"-"`
	RefundID               string             `bun:"refund_id,nullzero" json:"refundId,omitempty"`
	CancelledAt            *time.Time         `bun:"cancelled_at" json:"cancelledAt,omitempty"`
	CancelledBy            string             `bun:"cancelled_by,nullzero" json:"cancelledBy,omitempty"`
	CancelReason           string             `bun:"cancel_reason,nullzero" json:"cancelReason,omitempty"`
	CheckInStatus          *CheckInStatus     `bun:"check_in_status,type:jsonb" json:"checkInStatus,omitempty"`
	CheckedInAt            *time.Time         `bun:"checked_in_at" json:"checkedInAt,omitempty"`
	ConfirmationMessageID  string             `bun:"confirmation_message_id,nullzero" json:"-"`
	CancellationMessageID  string             `bun:"cancellation_message_id,nullzero" json:"-"`
	RowVersion             int64              `bun:"row_version,notnull" json:"rowVersion"`
	CreatedAt              time.Time          `bun:"created_at,notnull" json:"createdAt"`
	UpdatedAt              time.Time          `bun:"updated_at,notnull" json:"updatedAt"`
}

// ClassQty sums requested entries per class id.
func (r Registration) ClassQty() map[string]int {
	out := make(map[string]int, len(r.Lines))
	for _, l := range r.Lines {
		out[l.ClassID] += l.Qty
	}
	return out
}

// HoldLapsed reports whether the reservation hold has run out at now. The
// expiry instant itself counts as lapsed.
func (r Registration) HoldLapsed(now time.Time) bool {
	return r.HoldExpiresAt != nil && !r.HoldExpiresAt.After(now)
}
