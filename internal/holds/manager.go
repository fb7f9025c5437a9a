package holds

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ms-reservations/internal/clock"
	"ms-reservations/internal/logger"
	"ms-reservations/internal/models"

	"github.com/google/uuid"
)

const pageSize = 200

// Manager owns every hold state transition.
type Manager struct {
	repo  Repository
	clock clock.Clock
	log   *logger.Logger
	newID func() string
}

type Option func(*Manager)

func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) { m.newID = fn }
}

func NewManager(repo Repository, clk clock.Clock, log *logger.Logger, opts ...Option) *Manager {
	m := &Manager{
		repo:  repo,
		clock: clk,
		log:   log,
		newID: func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// BlockKey identifies the single block hold an owner may have for an item
// type (and class line) within a scope.
type BlockKey struct {
	Owner    models.Owner
	Scope    models.Scope
	ItemType models.ItemType
	LineID   string
}

func (k BlockKey) String() string {
	if k.LineID != "" {
		return fmt.Sprintf("%s/%s/%s/%s", k.Owner.ID, k.Scope.ID, k.ItemType, k.LineID)
	}
	return fmt.Sprintf("%s/%s/%s", k.Owner.ID, k.Scope.ID, k.ItemType)
}

func (m *Manager) listAll(ctx context.Context, f Filter) ([]models.ReservationHold, error) {
	var out []models.ReservationHold
	f.Limit = pageSize
	for offset := 0; ; offset += pageSize {
		f.Offset = offset
		page, err := m.repo.ListHolds(ctx, f)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < pageSize {
			return out, nil
		}
	}
}

// FindBlockHold returns the active block hold for key, preferring a
// confirmed one. It returns nil when none exists.
func (m *Manager) FindBlockHold(ctx context.Context, key BlockKey) (*models.ReservationHold, error) {
	candidates, err := m.listAll(ctx, Filter{
		ItemType:  key.ItemType,
		States:    models.ActiveStates,
		BlockOnly: true,
	}.WithOwner(key.Owner).WithScope(key.Scope))
	if err != nil {
		return nil, fmt.Errorf("list block holds: %w", err)
	}

	var found *models.ReservationHold
	for i := range candidates {
		h := &candidates[i]
		if h.Metadata.EventLineID != key.LineID {
			continue
		}
		if found == nil || (found.State != models.HoldConfirmed && h.State == models.HoldConfirmed) {
			found = h
		}
	}
	return found, nil
}

// CreateBlockHold creates a block hold unless one already exists for the
// key, in which case the existing hold is returned unchanged. created
// reports whether a new row was written. qty <= 0 is a no-op.
func (m *Manager) CreateBlockHold(ctx context.Context, key BlockKey, qty int, expiresAt *time.Time) (hold *models.ReservationHold, created bool, err error) {
	if qty <= 0 {
		return nil, false, nil
	}

	existing, err := m.FindBlockHold(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		m.log.Debug("HOLD", fmt.Sprintf("Reusing block hold %s for %s (qty %d)", existing.ID, key, existing.Qty))
		return existing, false, nil
	}

	h := &models.ReservationHold{
		ID:        m.newID(),
		OwnerType: key.Owner.Type,
		OwnerID:   key.Owner.ID,
		ScopeType: key.Scope.Type,
		ScopeID:   key.Scope.ID,
		ItemType:  key.ItemType,
		Qty:       qty,
		State:     models.HoldHeld,
		HeldAt:    m.clock.Now(),
		ExpiresAt: expiresAt,
		Metadata:  models.HoldMetadata{EventLineID: key.LineID},
	}
	if err := m.repo.CreateHold(ctx, h); err != nil {
		return nil, false, fmt.Errorf("create block hold %s: %w", key, err)
	}
	m.log.LogHold("CREATE", h.ID, fmt.Sprintf("block %s qty=%d", key, qty))
	return h, true, nil
}

// ResizeBlockHold sets the qty of an active block hold. The write only
// applies while the hold is still in the state it was read in.
func (m *Manager) ResizeBlockHold(ctx context.Context, h models.ReservationHold, qty int) error {
	if !h.IsBlock() {
		return fmt.Errorf("hold %s is not a block hold", h.ID)
	}
	if qty <= 0 {
		return fmt.Errorf("resize hold %s: qty must be positive, got %d", h.ID, qty)
	}
	expect := h.State
	if err := m.repo.UpdateHold(ctx, h.ID, Patch{Qty: &qty, ExpectState: &expect}); err != nil {
		return fmt.Errorf("resize hold %s: %w", h.ID, err)
	}
	m.log.LogHold("RESIZE", h.ID, fmt.Sprintf("qty %d -> %d", h.Qty, qty))
	return nil
}

// ActiveHolds lists held and confirmed holds of owner, optionally within scope.
func (m *Manager) ActiveHolds(ctx context.Context, owner models.Owner, scope *models.Scope) ([]models.ReservationHold, error) {
	f := Filter{States: models.ActiveStates}.WithOwner(owner)
	if scope != nil {
		f = f.WithScope(*scope)
	}
	return m.listAll(ctx, f)
}

// ConfirmHoldsForOwner moves every held hold of owner to confirmed. Holds
// that fail to transition are reported in err; the rest still move.
func (m *Manager) ConfirmHoldsForOwner(ctx context.Context, owner models.Owner) (int, error) {
	held, err := m.listAll(ctx, Filter{States: []models.HoldState{models.HoldHeld}}.WithOwner(owner))
	if err != nil {
		return 0, fmt.Errorf("list held holds: %w", err)
	}

	now := m.clock.Now()
	confirmed := models.HoldConfirmed
	expect := models.HoldHeld
	var errs []error
	count := 0
	for _, h := range held {
		err := m.repo.UpdateHold(ctx, h.ID, Patch{State: &confirmed, ConfirmedAt: &now, ExpectState: &expect})
		switch {
		case errors.Is(err, ErrStateChanged):
			m.log.Warn("HOLD", fmt.Sprintf("Hold %s changed state before confirmation", h.ID))
		case err != nil:
			errs = append(errs, fmt.Errorf("confirm hold %s: %w", h.ID, err))
		default:
			count++
		}
	}
	if len(errs) > 0 {
		m.log.Error("HOLD", fmt.Sprintf("Confirmed %d/%d holds for %s: %v", count, len(held), owner.ID, errors.Join(errs...)))
	}
	return count, errors.Join(errs...)
}

// TerminalState maps a release reason to the state a hold ends in.
// Expiry cancels; every other reason releases.
func TerminalState(reason string) models.HoldState {
	if reason == models.ReasonExpired {
		return models.HoldCancelled
	}
	return models.HoldReleased
}

// ReleaseHoldsForOwner ends every active hold of owner. The terminal state
// follows TerminalState(reason).
func (m *Manager) ReleaseHoldsForOwner(ctx context.Context, owner models.Owner, reason string) (int, error) {
	active, err := m.ActiveHolds(ctx, owner, nil)
	if err != nil {
		return 0, fmt.Errorf("list active holds: %w", err)
	}

	var errs []error
	count := 0
	for _, h := range active {
		if err := m.ReleaseHold(ctx, h, reason); err != nil {
			errs = append(errs, err)
			continue
		}
		count++
	}
	if count > 0 {
		m.log.LogHold("RELEASE", owner.ID, fmt.Sprintf("%d holds ended (%s)", count, reason))
	}
	return count, errors.Join(errs...)
}

// ReleaseHold ends a single active hold. Already-terminal holds are left alone.
func (m *Manager) ReleaseHold(ctx context.Context, h models.ReservationHold, reason string) error {
	return m.finish(ctx, h, TerminalState(reason), reason)
}

func (m *Manager) finish(ctx context.Context, h models.ReservationHold, state models.HoldState, reason string) error {
	if !h.State.Active() {
		return nil
	}
	now := m.clock.Now()
	expect := h.State
	err := m.repo.UpdateHold(ctx, h.ID, Patch{
		State:         &state,
		ReleasedAt:    &now,
		ReleaseReason: &reason,
		ExpectState:   &expect,
	})
	if errors.Is(err, ErrStateChanged) {
		current, getErr := m.repo.GetHold(ctx, h.ID)
		if getErr == nil && !current.State.Active() {
			return nil
		}
		if getErr == nil {
			return m.finish(ctx, *current, state, reason)
		}
		return fmt.Errorf("reload hold %s: %w", h.ID, getErr)
	}
	if err != nil {
		return fmt.Errorf("%s hold %s: %w", state, h.ID, err)
	}
	return nil
}
