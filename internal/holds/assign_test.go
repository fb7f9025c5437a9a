package holds_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"ms-reservations/internal/apperr"
	"ms-reservations/internal/clock"
	"ms-reservations/internal/holds"
	"ms-reservations/internal/holds/holdstest"
	"ms-reservations/internal/logger"
	"ms-reservations/internal/models"
	"ms-reservations/internal/registrations/registrationstest"
	"ms-reservations/internal/validators"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type assignFixture struct {
	repo     *holdstest.Repository
	regs     *registrationstest.Store
	manager  *holds.Manager
	assigner *holds.Assigner
}

func newAssignFixture(t *testing.T, opts ...holds.Option) *assignFixture {
	t.Helper()
	f := &assignFixture{
		repo: holdstest.NewRepository(),
		regs: registrationstest.NewStore(),
	}
	if len(opts) == 0 {
		opts = []holds.Option{holds.WithIDGenerator(sequentialIDs("hold"))}
	}
	f.manager = holds.NewManager(f.repo, clock.NewFixed(testNow), logger.NewNopLogger(), opts...)
	f.assigner = holds.NewAssigner(f.manager, f.regs, map[models.ItemType]holds.ResourceValidator{
		models.ItemStall:      validators.NewStalls(f.regs),
		models.ItemRV:         validators.NewRVs(f.regs),
		models.ItemClassEntry: validators.NewLines(f.regs),
	})

	for _, id := range []string{"stall-1", "stall-2", "stall-3"} {
		f.regs.PutResource(models.Resource{ID: id, TenantID: "t-1", EventID: "evt-1", Kind: models.ItemStall})
	}
	f.regs.PutResource(models.Resource{ID: "rv-1", TenantID: "t-1", EventID: "evt-1", Kind: models.ItemRV})
	f.regs.PutLine(models.EventLine{ID: "line-a", EventID: "evt-1", ClassID: "barrels", Capacity: 10})
	f.regs.PutLine(models.EventLine{ID: "line-b", EventID: "evt-1", ClassID: "poles", Capacity: 10})
	return f
}

func (f *assignFixture) submitted(t *testing.T, regID string) {
	t.Helper()
	f.regs.PutRegistration(models.Registration{
		ID: regID, TenantID: "t-1", EventID: "evt-1",
		Status: models.RegistrationSubmitted, PaymentStatus: models.PaymentPending,
	})
}

func (f *assignFixture) block(t *testing.T, regID string, itemType models.ItemType, line string, qty int) models.ReservationHold {
	t.Helper()
	h, _, err := f.manager.CreateBlockHold(context.Background(), blockKey(regID, itemType, line), qty, nil)
	require.NoError(t, err)
	return *h
}

func codeOf(t *testing.T, err error) string {
	t.Helper()
	e, ok := apperr.As(err)
	require.True(t, ok, "expected an apperr, got %v", err)
	return e.Code
}

func TestAssignStallsConvertsBlockHold(t *testing.T) {
	f := newAssignFixture(t)
	f.submitted(t, "reg-1")
	block := f.block(t, "reg-1", models.ItemStall, "", 2)

	res, err := f.assigner.Assign(context.Background(), holds.StallAssignment, holds.AssignInput{
		TenantID: "t-1", RegistrationID: "reg-1", ResourceIDs: []string{"stall-1", "stall-2"},
	})
	require.NoError(t, err)
	require.Len(t, res.Holds, 2)
	require.Len(t, res.Released, 1)
	assert.Equal(t, block.ID, res.Released[0].ID)

	for _, h := range res.Holds {
		assert.Equal(t, 1, h.Qty)
		assert.Equal(t, models.HoldHeld, h.State)
		assert.Equal(t, block.ID, h.Metadata.GroupID)
	}

	stored, err := f.repo.GetHold(context.Background(), block.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HoldReleased, stored.State)
	assert.Equal(t, models.ReasonAssigned, stored.ReleaseReason)
	assert.Len(t, f.repo.Active("reg-1"), 2)
}

func TestAssignIsIdempotent(t *testing.T) {
	f := newAssignFixture(t)
	f.submitted(t, "reg-1")
	f.block(t, "reg-1", models.ItemStall, "", 2)
	in := holds.AssignInput{TenantID: "t-1", RegistrationID: "reg-1", ResourceIDs: []string{"stall-1", "stall-2"}}

	first, err := f.assigner.Assign(context.Background(), holds.StallAssignment, in)
	require.NoError(t, err)

	replay, err := f.assigner.Assign(context.Background(), holds.StallAssignment, in)
	require.NoError(t, err)
	assert.Empty(t, replay.Released)
	assert.ElementsMatch(t, ids(first.Holds), ids(replay.Holds))
	assert.Len(t, f.repo.All(), 3, "no new rows on replay")
}

func TestAssignConfirmedBlockProducesConfirmedHolds(t *testing.T) {
	f := newAssignFixture(t)
	f.submitted(t, "reg-1")
	f.block(t, "reg-1", models.ItemRV, "", 1)
	_, err := f.manager.ConfirmHoldsForOwner(context.Background(), models.RegistrationOwner("reg-1"))
	require.NoError(t, err)

	res, err := f.assigner.Assign(context.Background(), holds.RVAssignment, holds.AssignInput{
		RegistrationID: "reg-1", ResourceIDs: []string{"rv-1"},
	})
	require.NoError(t, err)
	require.Len(t, res.Holds, 1)
	assert.Equal(t, models.HoldConfirmed, res.Holds[0].State)
	assert.NotNil(t, res.Holds[0].ConfirmedAt)
}

func TestAssignQtyMismatch(t *testing.T) {
	f := newAssignFixture(t)
	f.submitted(t, "reg-1")
	f.block(t, "reg-1", models.ItemStall, "", 2)

	_, err := f.assigner.Assign(context.Background(), holds.StallAssignment, holds.AssignInput{
		RegistrationID: "reg-1", ResourceIDs: []string{"stall-1"},
	})
	require.Error(t, err)
	assert.Equal(t, "qty_mismatch", codeOf(t, err))
	assert.Equal(t, apperr.KindInvalid, apperr.KindOf(err))
	assert.Len(t, f.repo.All(), 1, "nothing created")
}

func TestAssignWithoutBlockHold(t *testing.T) {
	f := newAssignFixture(t)
	f.submitted(t, "reg-1")
	f.block(t, "reg-1", models.ItemClassEntry, "line-b", 1)

	_, err := f.assigner.Assign(context.Background(), holds.ClassAssignment, holds.AssignInput{
		RegistrationID: "reg-1", ResourceIDs: []string{"line-a"},
	})
	require.Error(t, err)
	assert.Equal(t, "block_hold_not_found", codeOf(t, err))

	e, _ := apperr.As(err)
	groups, ok := e.Details["existingHolds"].([]holds.HoldGroup)
	require.True(t, ok)
	require.Len(t, groups, 1)
	assert.Equal(t, "line-b", groups[0].LineID)
	assert.Equal(t, 1, groups[0].Qty)
}

func TestAssignClassesPerLine(t *testing.T) {
	f := newAssignFixture(t)
	f.submitted(t, "reg-1")
	f.block(t, "reg-1", models.ItemClassEntry, "line-a", 2)
	f.block(t, "reg-1", models.ItemClassEntry, "line-b", 1)

	res, err := f.assigner.Assign(context.Background(), holds.ClassAssignment, holds.AssignInput{
		RegistrationID: "reg-1", ResourceIDs: []string{"line-a", "line-b", "line-a"},
	})
	require.NoError(t, err)
	assert.Len(t, res.Holds, 3)
	assert.Len(t, res.Released, 2)

	perLine := map[string]int{}
	for _, h := range f.repo.Active("reg-1") {
		assert.False(t, h.IsBlock())
		perLine[h.LineID()]++
	}
	assert.Equal(t, map[string]int{"line-a": 2, "line-b": 1}, perLine)
}

func TestAssignRejectsBadInput(t *testing.T) {
	f := newAssignFixture(t)
	f.submitted(t, "reg-1")
	f.regs.PutRegistration(models.Registration{ID: "reg-draft", TenantID: "t-1", EventID: "evt-1", Status: models.RegistrationDraft})
	f.regs.PutResource(models.Resource{ID: "stall-other", TenantID: "t-1", EventID: "evt-2", Kind: models.ItemStall})

	tests := []struct {
		name string
		kind holds.AssignmentKind
		in   holds.AssignInput
		code string
	}{
		{"empty", holds.StallAssignment, holds.AssignInput{RegistrationID: "reg-1"}, "invalid_stall_ids"},
		{"blank id", holds.StallAssignment, holds.AssignInput{RegistrationID: "reg-1", ResourceIDs: []string{""}}, "invalid_stall_ids"},
		{"duplicates", holds.StallAssignment, holds.AssignInput{RegistrationID: "reg-1", ResourceIDs: []string{"stall-1", "stall-1"}}, "duplicate_stalls"},
		{"draft", holds.StallAssignment, holds.AssignInput{RegistrationID: "reg-draft", ResourceIDs: []string{"stall-1"}}, "invalid_registration_state"},
		{"unknown", holds.StallAssignment, holds.AssignInput{RegistrationID: "reg-1", ResourceIDs: []string{"nope"}}, "invalid_stall_ids"},
		{"wrong type", holds.RVAssignment, holds.AssignInput{RegistrationID: "reg-1", ResourceIDs: []string{"stall-1"}}, "invalid_rv_ids"},
		{"other event", holds.StallAssignment, holds.AssignInput{RegistrationID: "reg-1", ResourceIDs: []string{"stall-other"}}, "invalid_stall_ids"},
		{"other tenant", holds.StallAssignment, holds.AssignInput{TenantID: "t-2", RegistrationID: "reg-1", ResourceIDs: []string{"stall-1"}}, "registration_not_found"},
		{"other tenant draft", holds.StallAssignment, holds.AssignInput{TenantID: "t-2", RegistrationID: "reg-draft", ResourceIDs: []string{"stall-1"}}, "registration_not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.assigner.Assign(context.Background(), tt.kind, tt.in)
			require.Error(t, err)
			assert.Equal(t, tt.code, codeOf(t, err))
		})
	}
}

func TestAssignStallHeldByAnotherRegistration(t *testing.T) {
	f := newAssignFixture(t)
	f.submitted(t, "reg-1")
	f.submitted(t, "reg-2")
	f.block(t, "reg-1", models.ItemStall, "", 1)
	f.block(t, "reg-2", models.ItemStall, "", 1)

	_, err := f.assigner.Assign(context.Background(), holds.StallAssignment, holds.AssignInput{
		RegistrationID: "reg-1", ResourceIDs: []string{"stall-1"},
	})
	require.NoError(t, err)

	_, err = f.assigner.Assign(context.Background(), holds.StallAssignment, holds.AssignInput{
		RegistrationID: "reg-2", ResourceIDs: []string{"stall-1"},
	})
	require.Error(t, err)
	assert.Equal(t, "stall_already_assigned", codeOf(t, err))
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestConcurrentStallAssignmentHasOneWinner(t *testing.T) {
	f := newAssignFixture(t, holds.WithIDGenerator(uuid.NewString))
	const contenders = 8
	for i := 0; i < contenders; i++ {
		regID := "reg-" + string(rune('a'+i))
		f.submitted(t, regID)
		f.block(t, regID, models.ItemStall, "", 1)
	}

	var wg sync.WaitGroup
	errs := make([]error, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.assigner.Assign(context.Background(), holds.StallAssignment, holds.AssignInput{
				RegistrationID: "reg-" + string(rune('a'+i)), ResourceIDs: []string{"stall-3"},
			})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.True(t, apperr.IsCode(err, "stall_already_assigned"), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, wins)
}

func TestAssignRollsBackCreatedHoldsOnFailure(t *testing.T) {
	f := newAssignFixture(t)
	f.submitted(t, "reg-1")
	block := f.block(t, "reg-1", models.ItemStall, "", 2)

	f.repo.FailCreate = func(h models.ReservationHold) error {
		if h.ResourceID != nil && *h.ResourceID == "stall-2" {
			return errors.New("insert failed")
		}
		return nil
	}

	_, err := f.assigner.Assign(context.Background(), holds.StallAssignment, holds.AssignInput{
		RegistrationID: "reg-1", ResourceIDs: []string{"stall-1", "stall-2"},
	})
	require.Error(t, err)

	active := f.repo.Active("reg-1")
	require.Len(t, active, 1, "only the block hold stays active")
	assert.Equal(t, block.ID, active[0].ID)

	for _, h := range f.repo.All() {
		if h.ResourceID != nil {
			assert.Equal(t, models.HoldReleased, h.State)
			assert.Equal(t, models.ReasonAssignRollback, h.ReleaseReason)
		}
	}
}

func TestGroupHolds(t *testing.T) {
	s1 := "stall-1"
	groups := holds.GroupHolds([]models.ReservationHold{
		{ItemType: models.ItemStall, Qty: 2, State: models.HoldHeld},
		{ItemType: models.ItemStall, Qty: 1, State: models.HoldReleased},
		{ItemType: models.ItemStall, Qty: 1, State: models.HoldReleased},
		{ItemType: models.ItemStall, Qty: 1, State: models.HoldHeld, ResourceID: &s1},
	})
	require.Len(t, groups, 3)
	assert.Equal(t, holds.HoldGroup{State: models.HoldHeld, Qty: 2, Count: 1}, groups[0])
	assert.Equal(t, holds.HoldGroup{State: models.HoldReleased, Qty: 2, Count: 2}, groups[1])
	assert.Equal(t, holds.HoldGroup{ResourceID: "stall-1", State: models.HoldHeld, Qty: 1, Count: 1}, groups[2])
}

func ids(hs []models.ReservationHold) []string {
	out := make([]string, 0, len(hs))
	for _, h := range hs {
		out = append(out, h.ID)
	}
	return out
}
