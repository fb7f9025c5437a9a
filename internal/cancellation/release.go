package cancellation

import (
	"context"
	"fmt"
	"sort"

	"ms-reservations/internal/capacity"
	"ms-reservations/internal/holds"
	"ms-reservations/internal/logger"
	"ms-reservations/internal/metrics"
	"ms-reservations/internal/models"
	"ms-reservations/internal/saga"
)

// ReleasableLineQty decides how much class capacity to give back per line.
// Lines with granular holds release the sum of those; lines still held as
// a block release the block qty. Converted blocks are never counted twice.
func ReleasableLineQty(classHolds []models.ReservationHold) map[string]int {
	granular := map[string]int{}
	block := map[string]int{}
	for _, h := range classHolds {
		if h.ItemType != models.ItemClassEntry || !h.State.Active() {
			continue
		}
		line := h.LineID()
		if line == "" {
			continue
		}
		if h.IsBlock() {
			block[line] += h.Qty
		} else {
			granular[line] += h.Qty
		}
	}
	out := make(map[string]int, len(granular)+len(block))
	for line, qty := range block {
		out[line] = qty
	}
	for line, qty := range granular {
		out[line] = qty
	}
	return out
}

// Releaser gives back a registration's counters and then ends its holds.
// Shared by operator cancel, refund and expiry.
type Releaser struct {
	counters capacity.Counter
	holds    *holds.Manager
	log      *logger.Logger
	metrics  *metrics.Metrics
}

func NewReleaser(counters capacity.Counter, holdMgr *holds.Manager, log *logger.Logger, m *metrics.Metrics) *Releaser {
	return &Releaser{counters: counters, holds: holdMgr, log: log, metrics: m}
}

// Release never returns an error: every counter and the hold release are
// attempted independently and failures are logged. It returns the number
// of failed steps.
func (r *Releaser) Release(ctx context.Context, reg models.Registration, reason string) int {
	owner := models.RegistrationOwner(reg.ID)
	scope := models.EventScope(reg.EventID)
	steps := saga.New("release_"+reason, reg.ID, r.log, r.metrics)

	steps.Add("release_seat", func(ctx context.Context) error {
		return r.counters.Release(ctx, capacity.SeatKey(reg.EventID), 1)
	})
	if reg.RVQty > 0 {
		steps.Add("release_rv", func(ctx context.Context) error {
			return r.counters.Release(ctx, capacity.RVKey(reg.EventID), reg.RVQty)
		})
	}
	if reg.StallQty > 0 {
		steps.Add("release_stall", func(ctx context.Context) error {
			return r.counters.Release(ctx, capacity.StallKey(reg.EventID), reg.StallQty)
		})
	}

	active, err := r.holds.ActiveHolds(ctx, owner, &scope)
	if err != nil {
		r.log.Error("RELEASE", fmt.Sprintf("Could not list holds of %s, class capacity not released: %v", reg.ID, err))
	} else {
		perLine := ReleasableLineQty(active)
		lineIDs := make([]string, 0, len(perLine))
		for id := range perLine {
			lineIDs = append(lineIDs, id)
		}
		sort.Strings(lineIDs)
		for _, lineID := range lineIDs {
			key, qty := capacity.LineKey(reg.EventID, lineID), perLine[lineID]
			steps.Add("release_class_line", func(ctx context.Context) error {
				return r.counters.Release(ctx, key, qty)
			})
		}
	}

	steps.Add("release_holds", func(ctx context.Context) error {
		_, err := r.holds.ReleaseHoldsForOwner(ctx, owner, reason)
		return err
	})

	failed := steps.Execute(ctx)
	if err != nil {
		failed++
	}
	r.metrics.RecordRelease(reason)
	if failed > 0 {
		r.log.Warn("RELEASE", fmt.Sprintf("Released %s (%s) with %d failed steps", reg.ID, reason, failed))
	} else {
		r.log.LogHold("RELEASE", reg.ID, fmt.Sprintf("capacity and holds released (%s)", reason))
	}
	return failed
}
