package holds

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"ms-reservations/internal/apperr"
	"ms-reservations/internal/models"
	"ms-reservations/internal/saga"
)

// AssignmentKind describes how block holds of one item type are split into
// per-resource holds.
type AssignmentKind struct {
	ItemType models.ItemType
	Noun     string
	// Exclusive kinds allow one active holder per resource.
	Exclusive bool
	// PerLine kinds keep one block hold per class line; the requested ids
	// are line ids and may repeat.
	PerLine      bool
	ConflictCode string
}

var (
	StallAssignment = AssignmentKind{ItemType: models.ItemStall, Noun: "stall", Exclusive: true, ConflictCode: "stall_already_assigned"}
	RVAssignment    = AssignmentKind{ItemType: models.ItemRV, Noun: "rv", Exclusive: true, ConflictCode: "rv_already_assigned"}
	ClassAssignment = AssignmentKind{ItemType: models.ItemClassEntry, Noun: "class", PerLine: true}
)

func KindFor(itemType models.ItemType) (AssignmentKind, bool) {
	switch itemType {
	case models.ItemStall:
		return StallAssignment, true
	case models.ItemRV:
		return RVAssignment, true
	case models.ItemClassEntry:
		return ClassAssignment, true
	}
	return AssignmentKind{}, false
}

type RegistrationReader interface {
	GetRegistration(ctx context.Context, id string) (*models.Registration, error)
}

// ResourceValidator checks that ids exist, have the right kind and belong
// to the event. Its errors are returned to the caller as-is.
type ResourceValidator interface {
	Validate(ctx context.Context, tenantID, eventID string, ids []string) error
}

type AssignInput struct {
	TenantID       string
	RegistrationID string
	ResourceIDs    []string
}

type AssignResult struct {
	Holds    []models.ReservationHold `json:"holds"`
	Released []models.ReservationHold `json:"released"`
}

// Assigner converts block holds into granular holds.
type Assigner struct {
	holds      *Manager
	regs       RegistrationReader
	validators map[models.ItemType]ResourceValidator
}

func NewAssigner(m *Manager, regs RegistrationReader, validators map[models.ItemType]ResourceValidator) *Assigner {
	return &Assigner{holds: m, regs: regs, validators: validators}
}

// Assign is idempotent: ids the owner already holds granularly are reused,
// and a replay after a full assignment returns the existing holds.
func (a *Assigner) Assign(ctx context.Context, kind AssignmentKind, in AssignInput) (*AssignResult, error) {
	if len(in.ResourceIDs) == 0 {
		return nil, apperr.Invalid(fmt.Sprintf("invalid_%s_ids", kind.Noun), "at least one id is required")
	}
	for _, id := range in.ResourceIDs {
		if id == "" {
			return nil, apperr.Invalid(fmt.Sprintf("invalid_%s_ids", kind.Noun), "ids must not be empty")
		}
	}
	unique := uniqueIDs(in.ResourceIDs)
	if kind.Exclusive && len(unique) != len(in.ResourceIDs) {
		return nil, apperr.Invalid(fmt.Sprintf("duplicate_%ss", kind.Noun), "the same id was requested more than once").
			WithDetails(map[string]any{"ids": in.ResourceIDs})
	}

	reg, err := a.regs.GetRegistration(ctx, in.RegistrationID)
	if err != nil {
		return nil, err
	}
	if in.TenantID != "" && reg.TenantID != in.TenantID {
		return nil, apperr.NotFound("registration_not_found", "registration not found")
	}
	if reg.Status != models.RegistrationSubmitted && reg.Status != models.RegistrationConfirmed {
		return nil, apperr.Invalid("invalid_registration_state",
			fmt.Sprintf("registration is %s; assignments need a submitted or confirmed registration", reg.Status))
	}

	if v, ok := a.validators[kind.ItemType]; ok {
		if err := v.Validate(ctx, reg.TenantID, reg.EventID, unique); err != nil {
			return nil, err
		}
	}

	owner := models.RegistrationOwner(reg.ID)
	scope := models.EventScope(reg.EventID)

	owned, err := a.holds.listAll(ctx, Filter{
		ItemType:     kind.ItemType,
		States:       models.ActiveStates,
		GranularOnly: true,
	}.WithOwner(owner).WithScope(scope))
	if err != nil {
		return nil, fmt.Errorf("list granular holds: %w", err)
	}

	queue := make(map[string][]models.ReservationHold)
	for _, h := range owned {
		queue[*h.ResourceID] = append(queue[*h.ResourceID], h)
	}
	var reused []models.ReservationHold
	var toCreate []string
	for _, id := range in.ResourceIDs {
		if q := queue[id]; len(q) > 0 {
			reused = append(reused, q[0])
			queue[id] = q[1:]
			continue
		}
		toCreate = append(toCreate, id)
	}

	if len(toCreate) == 0 {
		return &AssignResult{Holds: reused, Released: []models.ReservationHold{}}, nil
	}

	if kind.Exclusive {
		for _, id := range toCreate {
			if err := a.checkExclusive(ctx, kind, scope, owner, id); err != nil {
				return nil, err
			}
		}
	}

	blocks, err := a.matchBlocks(ctx, kind, owner, scope, in.ResourceIDs, toCreate)
	if err != nil {
		return nil, err
	}

	comp := saga.New("assign_"+kind.Noun, reg.ID, a.holds.log, nil)
	created := make([]models.ReservationHold, 0, len(toCreate))
	for _, id := range toCreate {
		lineKey := ""
		if kind.PerLine {
			lineKey = id
		}
		block := blocks[lineKey]
		resourceID := id
		h := models.ReservationHold{
			ID:          a.holds.newID(),
			OwnerType:   owner.Type,
			OwnerID:     owner.ID,
			ScopeType:   scope.Type,
			ScopeID:     scope.ID,
			ItemType:    kind.ItemType,
			Qty:         1,
			ResourceID:  &resourceID,
			State:       block.State,
			HeldAt:      block.HeldAt,
			ConfirmedAt: block.ConfirmedAt,
			ExpiresAt:   block.ExpiresAt,
			Metadata:    models.HoldMetadata{EventLineID: lineKey, GroupID: block.ID},
		}
		if err := a.holds.repo.CreateHold(ctx, &h); err != nil {
			comp.Rollback(ctx)
			if errors.Is(err, ErrResourceTaken) {
				return nil, apperr.Conflict(kind.ConflictCode, fmt.Sprintf("%s %s is assigned to another registration", kind.Noun, id)).
					WithDetails(map[string]any{"resourceId": id})
			}
			return nil, fmt.Errorf("create granular hold for %s: %w", id, err)
		}
		hold := h
		comp.Add("cancel_granular_hold", func(ctx context.Context) error {
			return a.holds.ReleaseHold(ctx, hold, models.ReasonAssignRollback)
		})
		created = append(created, h)
	}

	released := make([]models.ReservationHold, 0, len(blocks))
	for _, line := range sortedKeys(blocks) {
		block := blocks[line]
		if err := a.holds.ReleaseHold(ctx, block, models.ReasonAssigned); err != nil {
			comp.Rollback(ctx)
			return nil, fmt.Errorf("release block hold %s: %w", block.ID, err)
		}
		block.State = TerminalState(models.ReasonAssigned)
		block.ReleaseReason = models.ReasonAssigned
		released = append(released, block)
	}
	comp.Discard()

	a.holds.log.LogHold("ASSIGN", reg.ID, fmt.Sprintf("%s: %d created, %d reused, %d block holds released",
		kind.Noun, len(created), len(reused), len(released)))

	return &AssignResult{Holds: append(reused, created...), Released: released}, nil
}

func (a *Assigner) checkExclusive(ctx context.Context, kind AssignmentKind, scope models.Scope, owner models.Owner, id string) error {
	holders, err := a.holds.repo.ListHolds(ctx, Filter{
		ItemType:   kind.ItemType,
		States:     models.ActiveStates,
		ResourceID: id,
	}.WithScope(scope))
	if err != nil {
		return fmt.Errorf("check %s %s: %w", kind.Noun, id, err)
	}
	for _, h := range holders {
		if h.Owner() != owner {
			return apperr.Conflict(kind.ConflictCode, fmt.Sprintf("%s %s is assigned to another registration", kind.Noun, id)).
				WithDetails(map[string]any{"resourceId": id})
		}
	}
	return nil
}

// matchBlocks finds the block hold(s) backing the ids that still need a
// granular hold. Keys are line ids for per-line kinds and "" otherwise.
func (a *Assigner) matchBlocks(ctx context.Context, kind AssignmentKind, owner models.Owner, scope models.Scope, requested, toCreate []string) (map[string]models.ReservationHold, error) {
	needed := map[string]int{}
	for _, id := range requested {
		line := ""
		if kind.PerLine {
			line = id
		}
		needed[line]++
	}
	pending := map[string]bool{}
	for _, id := range toCreate {
		if kind.PerLine {
			pending[id] = true
		} else {
			pending[""] = true
		}
	}

	blocks := make(map[string]models.ReservationHold, len(pending))
	for _, line := range sortedKeys(pending) {
		block, err := a.holds.FindBlockHold(ctx, BlockKey{Owner: owner, Scope: scope, ItemType: kind.ItemType, LineID: line})
		if err != nil {
			return nil, err
		}
		if block == nil {
			diag, derr := a.diagnostics(ctx, owner, scope, kind.ItemType)
			if derr != nil {
				return nil, derr
			}
			return nil, apperr.Invalid("block_hold_not_found", fmt.Sprintf("no active %s block hold to assign from", kind.Noun)).
				WithDetails(map[string]any{"lineId": line, "existingHolds": diag})
		}
		if block.Qty != needed[line] {
			return nil, apperr.Invalid("qty_mismatch",
				fmt.Sprintf("block hold covers %d %s(s) but %d ids were supplied", block.Qty, kind.Noun, needed[line])).
				WithDetails(map[string]any{"lineId": line, "held": block.Qty, "requested": needed[line]})
		}
		blocks[line] = *block
	}
	return blocks, nil
}

// HoldGroup summarises holds sharing a line, resource and state.
type HoldGroup struct {
	LineID     string           `json:"lineId,omitempty"`
	ResourceID string           `json:"resourceId,omitempty"`
	State      models.HoldState `json:"state"`
	Qty        int              `json:"qty"`
	Count      int              `json:"count"`
}

func (a *Assigner) diagnostics(ctx context.Context, owner models.Owner, scope models.Scope, itemType models.ItemType) ([]HoldGroup, error) {
	all, err := a.holds.listAll(ctx, Filter{ItemType: itemType}.WithOwner(owner).WithScope(scope))
	if err != nil {
		return nil, fmt.Errorf("list holds for diagnostics: %w", err)
	}
	return GroupHolds(all), nil
}

func GroupHolds(holds []models.ReservationHold) []HoldGroup {
	index := map[HoldGroup]int{}
	var groups []HoldGroup
	for _, h := range holds {
		key := HoldGroup{LineID: h.LineID(), State: h.State}
		if h.ResourceID != nil {
			key.ResourceID = *h.ResourceID
		}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, key)
		}
		groups[i].Qty += h.Qty
		groups[i].Count++
	}
	return groups
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
