// Package readiness decides whether a registration can be checked in.
package readiness

import (
	"fmt"
	"time"

	"ms-reservations/internal/models"
)

// Blocker codes.
const (
	BlockerCancelled         = "cancelled"
	BlockerPaymentFailed     = "payment_failed"
	BlockerPaymentUnpaid     = "payment_unpaid"
	BlockerStallsUnassigned  = "stalls_unassigned"
	BlockerRVUnassigned      = "rv_unassigned"
	BlockerClassesUnassigned = "classes_unassigned"
)

type Input struct {
	Status        models.RegistrationStatus
	PaymentStatus models.PaymentStatus
	StallQty      int
	RVQty         int
	Lines         []models.RegistrationLine
	Holds         []models.ReservationHold
}

func InputFor(reg models.Registration, holds []models.ReservationHold) Input {
	return Input{
		Status:        reg.Status,
		PaymentStatus: reg.PaymentStatus,
		StallQty:      reg.StallQty,
		RVQty:         reg.RVQty,
		Lines:         reg.Lines,
		Holds:         holds,
	}
}

// Evaluate has no side effects. The previous snapshot's version is carried
// over as-is.
func Evaluate(in Input, previous *models.CheckInStatus, now time.Time) models.CheckInStatus {
	out := models.CheckInStatus{
		Blockers:        []models.Blocker{},
		LastEvaluatedAt: now,
	}
	if previous != nil {
		out.Version = previous.Version
	}

	if in.Status == models.RegistrationCancelled {
		out.Blockers = append(out.Blockers, models.Blocker{
			Code:    BlockerCancelled,
			Message: "Registration is cancelled",
		})
		return out
	}

	switch in.PaymentStatus {
	case models.PaymentPaid:
	case models.PaymentFailed:
		out.Blockers = append(out.Blockers, models.Blocker{
			Code:    BlockerPaymentFailed,
			Message: "Payment failed",
			Action:  "retry_payment",
		})
	default:
		out.Blockers = append(out.Blockers, models.Blocker{
			Code:    BlockerPaymentUnpaid,
			Message: "Payment has not been completed",
			Action:  "complete_payment",
		})
	}

	assigned := assignedCounts(in.Holds)

	if in.StallQty > 0 && assigned[models.ItemStall] < in.StallQty {
		out.Blockers = append(out.Blockers, unassigned(BlockerStallsUnassigned, "stalls", "assign_stalls",
			assigned[models.ItemStall], in.StallQty))
	}
	if in.RVQty > 0 && assigned[models.ItemRV] < in.RVQty {
		out.Blockers = append(out.Blockers, unassigned(BlockerRVUnassigned, "RV sites", "assign_rv",
			assigned[models.ItemRV], in.RVQty))
	}

	requested := 0
	for _, l := range in.Lines {
		requested += l.Qty
	}
	if requested > assigned[models.ItemClassEntry] {
		out.Blockers = append(out.Blockers, unassigned(BlockerClassesUnassigned, "class entries", "assign_classes",
			assigned[models.ItemClassEntry], requested))
	}

	out.Ready = len(out.Blockers) == 0
	return out
}

// assignedCounts counts active granular holds per item type.
func assignedCounts(holds []models.ReservationHold) map[models.ItemType]int {
	out := map[models.ItemType]int{}
	for _, h := range holds {
		if h.State.Active() && !h.IsBlock() {
			out[h.ItemType]++
		}
	}
	return out
}

func unassigned(code, noun, action string, assigned, required int) models.Blocker {
	return models.Blocker{
		Code:     code,
		Message:  fmt.Sprintf("%d of %d %s assigned", assigned, required, noun),
		Action:   action,
		Assigned: assigned,
		Required: required,
	}
}
