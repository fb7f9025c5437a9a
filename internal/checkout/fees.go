package checkout

import (
	"fmt"

	"ms-reservations/internal/apperr"
	"ms-reservations/internal/models"
)

// LineRequest is a requested class line resolved against the event.
type LineRequest struct {
	LineID  string
	ClassID string
	Qty     int
}

// ComputeFees prices a registration from event data only; client-supplied
// amounts are never trusted.
func ComputeFees(event models.Event, lines []models.EventLine, reg models.Registration) (models.Fees, []LineRequest, error) {
	var fees models.Fees
	fees.Seat = event.SeatFee

	if reg.RVQty < 0 || reg.StallQty < 0 {
		return fees, nil, apperr.Invalid("invalid_quantity", "quantities must not be negative")
	}

	if reg.RVQty > 0 {
		if !event.RVEnabled {
			return fees, nil, apperr.Invalid("rv_not_enabled", "this event does not offer RV sites")
		}
		if event.RVFee == nil {
			return fees, nil, apperr.Conflict("rv_pricing_missing", "RV pricing is not configured for this event")
		}
		fees.RV = *event.RVFee * int64(reg.RVQty)
	}

	if reg.StallQty > 0 {
		if !event.StallEnabled {
			return fees, nil, apperr.Invalid("stall_not_enabled", "this event does not offer stalls")
		}
		if event.StallFee == nil {
			return fees, nil, apperr.Conflict("stall_pricing_missing", "stall pricing is not configured for this event")
		}
		fees.Stall = *event.StallFee * int64(reg.StallQty)
	}

	byClass := make(map[string]models.EventLine, len(lines))
	for _, l := range lines {
		byClass[l.ClassID] = l
	}

	var requests []LineRequest
	index := map[string]int{}
	for _, rl := range reg.Lines {
		if rl.Qty <= 0 {
			return fees, nil, apperr.Invalid("invalid_line_qty", fmt.Sprintf("class %s has qty %d", rl.ClassID, rl.Qty))
		}
		line, ok := byClass[rl.ClassID]
		if !ok {
			return fees, nil, apperr.Invalid("class_not_found", fmt.Sprintf("class %s is not offered at this event", rl.ClassID)).
				WithDetails(map[string]any{"classId": rl.ClassID})
		}
		if line.Fee == nil {
			return fees, nil, apperr.Conflict("class_pricing_missing", fmt.Sprintf("class %s has no fee configured", rl.ClassID)).
				WithDetails(map[string]any{"classId": rl.ClassID})
		}
		if i, seen := index[line.ID]; seen {
			requests[i].Qty += rl.Qty
			fees.Lines[i].Qty += rl.Qty
			continue
		}
		index[line.ID] = len(requests)
		requests = append(requests, LineRequest{LineID: line.ID, ClassID: rl.ClassID, Qty: rl.Qty})
		fees.Lines = append(fees.Lines, models.LineFee{
			EventLineID: line.ID,
			ClassID:     rl.ClassID,
			Qty:         rl.Qty,
			UnitFee:     *line.Fee,
		})
	}
	return fees, requests, nil
}
