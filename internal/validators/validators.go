// Package validators checks assignment targets against the event catalogue.
package validators

import (
	"context"
	"fmt"

	"ms-reservations/internal/apperr"
	"ms-reservations/internal/models"
)

type ResourceLookup interface {
	GetResources(ctx context.Context, ids []string) ([]models.Resource, error)
}

type LineLookup interface {
	GetEventLines(ctx context.Context, ids []string) ([]models.EventLine, error)
}

// Resource validates stall and RV ids.
type Resource struct {
	lookup ResourceLookup
	kind   models.ItemType
	noun   string
}

func NewStalls(lookup ResourceLookup) *Resource {
	return &Resource{lookup: lookup, kind: models.ItemStall, noun: "stall"}
}

func NewRVs(lookup ResourceLookup) *Resource {
	return &Resource{lookup: lookup, kind: models.ItemRV, noun: "rv"}
}

func (v *Resource) Validate(ctx context.Context, tenantID, eventID string, ids []string) error {
	found, err := v.lookup.GetResources(ctx, ids)
	if err != nil {
		return fmt.Errorf("load %s resources: %w", v.noun, err)
	}
	byID := make(map[string]models.Resource, len(found))
	for _, r := range found {
		byID[r.ID] = r
	}

	var missing, wrongType, otherEvent []string
	for _, id := range ids {
		r, ok := byID[id]
		switch {
		case !ok || (tenantID != "" && r.TenantID != tenantID):
			missing = append(missing, id)
		case r.Kind != v.kind:
			wrongType = append(wrongType, id)
		case r.EventID != eventID:
			otherEvent = append(otherEvent, id)
		}
	}
	return invalidIDs(v.noun, missing, wrongType, otherEvent)
}

// Lines validates class line ids for class-entry assignment.
type Lines struct {
	lookup LineLookup
}

func NewLines(lookup LineLookup) *Lines {
	return &Lines{lookup: lookup}
}

func (v *Lines) Validate(ctx context.Context, _ string, eventID string, ids []string) error {
	found, err := v.lookup.GetEventLines(ctx, ids)
	if err != nil {
		return fmt.Errorf("load event lines: %w", err)
	}
	byID := make(map[string]models.EventLine, len(found))
	for _, l := range found {
		byID[l.ID] = l
	}
	var missing, otherEvent []string
	for _, id := range ids {
		l, ok := byID[id]
		switch {
		case !ok:
			missing = append(missing, id)
		case l.EventID != eventID:
			otherEvent = append(otherEvent, id)
		}
	}
	return invalidIDs("class", missing, nil, otherEvent)
}

func invalidIDs(noun string, missing, wrongType, otherEvent []string) error {
	var reason string
	var ids []string
	switch {
	case len(missing) > 0:
		reason, ids = "not_found", missing
	case len(wrongType) > 0:
		reason, ids = "wrong_type", wrongType
	case len(otherEvent) > 0:
		reason, ids = "not_for_event", otherEvent
	default:
		return nil
	}
	return apperr.Invalid(fmt.Sprintf("invalid_%s_ids", noun), fmt.Sprintf("%d %s id(s) are %s", len(ids), noun, reason)).
		WithDetails(map[string]any{"reason": reason, "ids": ids})
}
