package checkout_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"ms-reservations/internal/apperr"
	"ms-reservations/internal/capacity"
	"ms-reservations/internal/capacity/capacitytest"
	"ms-reservations/internal/checkout"
	"ms-reservations/internal/clock"
	"ms-reservations/internal/expiry"
	"ms-reservations/internal/holds"
	"ms-reservations/internal/holds/holdstest"
	"ms-reservations/internal/logger"
	"ms-reservations/internal/models"
	"ms-reservations/internal/payment"
	"ms-reservations/internal/payment/paymenttest"
	"ms-reservations/internal/registrations/registrationstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func fee(v int64) *int64 { return &v }

type fakeTimer struct {
	mu     sync.Mutex
	marked map[string]time.Duration
}

func (f *fakeTimer) Mark(_ context.Context, id string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.marked == nil {
		f.marked = map[string]time.Duration{}
	}
	f.marked[id] = ttl
	return nil
}

type fakeEvents struct {
	types []string
}

func (f *fakeEvents) PublishRegistrationEvent(_ context.Context, eventType string, _ models.Registration) error {
	f.types = append(f.types, eventType)
	return nil
}

type fixture struct {
	regs     *registrationstest.Store
	counters *capacitytest.Counter
	repo     *holdstest.Repository
	manager  *holds.Manager
	gateway  *paymenttest.Gateway
	clock    *clock.Fixed
	timer    *fakeTimer
	events   *fakeEvents
	svc      *checkout.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		regs:     registrationstest.NewStore(),
		counters: capacitytest.NewCounter(),
		repo:     holdstest.NewRepository(),
		gateway:  &paymenttest.Gateway{},
		clock:    clock.NewFixed(testNow),
		timer:    &fakeTimer{},
		events:   &fakeEvents{},
	}
	n := 0
	f.manager = holds.NewManager(f.repo, f.clock, logger.NewNopLogger(), holds.WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("hold-%d", n)
	}))
	f.svc = checkout.NewService(f.regs, f.regs, f.counters, f.manager, f.gateway, f.clock, logger.NewNopLogger(),
		checkout.WithHoldTTL(15*time.Minute),
		checkout.WithHoldTimer(f.timer),
		checkout.WithEventPublisher(f.events),
	)

	f.regs.PutEvent(models.Event{
		ID: "evt-1", TenantID: "t-1", Name: "Classic", Status: models.EventOpen, Currency: "usd",
		SeatFee: 2500, RVEnabled: true, RVFee: fee(4000), StallEnabled: true, StallFee: fee(3500),
	})
	for i := 1; i <= 4; i++ {
		line := fmt.Sprintf("line-%d", i)
		f.regs.PutLine(models.EventLine{ID: line, EventID: "evt-1", ClassID: fmt.Sprintf("class-%d", i), Fee: fee(1000), Capacity: 10})
		f.counters.SetLimit(capacity.LineKey("evt-1", line), 10)
	}
	f.counters.SetLimit(capacity.SeatKey("evt-1"), 100)
	f.counters.SetLimit(capacity.StallKey("evt-1"), 10)
	f.counters.SetLimit(capacity.RVKey("evt-1"), 5)
	return f
}

func (f *fixture) draft(id string, stalls, rvs int, lines ...models.RegistrationLine) {
	f.regs.PutRegistration(models.Registration{
		ID: id, TenantID: "t-1", EventID: "evt-1", ContactEmail: "rider@example.com",
		Status: models.RegistrationDraft, PaymentStatus: models.PaymentNone,
		StallQty: stalls, RVQty: rvs, Lines: lines,
	})
}

func (f *fixture) assertNothingHeld(t *testing.T, regID string) {
	t.Helper()
	assert.Empty(t, f.repo.Active(regID), "no active holds")
	assert.Zero(t, f.counters.Reserved(capacity.SeatKey("evt-1")))
	assert.Zero(t, f.counters.Reserved(capacity.StallKey("evt-1")))
	assert.Zero(t, f.counters.Reserved(capacity.RVKey("evt-1")))
	for i := 1; i <= 4; i++ {
		assert.Zero(t, f.counters.Reserved(capacity.LineKey("evt-1", fmt.Sprintf("line-%d", i))))
	}
}

func codeOf(err error) string {
	if e, ok := apperr.As(err); ok {
		return e.Code
	}
	return ""
}

func TestCheckoutSubmitsRegistration(t *testing.T) {
	f := newFixture(t)
	f.draft("reg-1", 2, 1, models.RegistrationLine{ClassID: "class-1", Qty: 2})

	res, err := f.svc.Checkout(context.Background(), checkout.Request{RegistrationID: "reg-1", TenantID: "t-1"})
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, int64(2500+7000+4000+2000), res.TotalAmount)
	assert.Equal(t, "usd", res.Currency)
	assert.Equal(t, testNow.Add(15*time.Minute), res.HoldExpiresAt)
	assert.NotEmpty(t, res.ClientSecret)

	reg := f.regs.Registration("reg-1")
	assert.Equal(t, models.RegistrationSubmitted, reg.Status)
	assert.Equal(t, models.PaymentPending, reg.PaymentStatus)
	assert.Equal(t, res.PaymentIntentID, reg.PaymentIntentID)
	require.NotNil(t, reg.SubmittedAt)

	require.Len(t, f.gateway.Intents, 1)
	intent := f.gateway.Intents[0]
	assert.Equal(t, "reg-1", intent.IdempotencyKey)
	assert.Equal(t, "reg-1", intent.Metadata[payment.MetadataRegistrationID])
	assert.Equal(t, res.TotalAmount, intent.Amount)

	qty := map[models.ItemType]int{}
	for _, h := range f.repo.Active("reg-1") {
		assert.True(t, h.IsBlock())
		assert.Equal(t, models.HoldHeld, h.State)
		require.NotNil(t, h.ExpiresAt)
		qty[h.ItemType] += h.Qty
	}
	assert.Equal(t, map[models.ItemType]int{
		models.ItemSeat: 1, models.ItemRV: 1, models.ItemStall: 2, models.ItemClassEntry: 2,
	}, qty)

	assert.Equal(t, 1, f.counters.Reserved(capacity.SeatKey("evt-1")))
	assert.Equal(t, 2, f.counters.Reserved(capacity.StallKey("evt-1")))
	assert.Equal(t, 1, f.counters.Reserved(capacity.RVKey("evt-1")))
	assert.Equal(t, 2, f.counters.Reserved(capacity.LineKey("evt-1", "line-1")))

	assert.Equal(t, 15*time.Minute, f.timer.marked["reg-1"])
	assert.Equal(t, []string{"registration.submitted"}, f.events.types)
}

func TestCheckoutSeatCapacityFull(t *testing.T) {
	f := newFixture(t)
	f.counters.SetLimit(capacity.SeatKey("evt-1"), 0)
	f.draft("reg-1", 1, 0)

	_, err := f.svc.Checkout(context.Background(), checkout.Request{RegistrationID: "reg-1"})
	require.Error(t, err)
	assert.Equal(t, "capacity_full", codeOf(err))
	assert.Equal(t, apperr.KindCapacity, apperr.KindOf(err))

	assert.Empty(t, f.repo.All(), "no holds created")
	assert.Empty(t, f.gateway.Intents)
	assert.Equal(t, models.RegistrationDraft, f.regs.Registration("reg-1").Status)
	f.assertNothingHeld(t, "reg-1")
}

func TestCheckoutThirdOfFourLinesFullRollsBackEverything(t *testing.T) {
	f := newFixture(t)
	f.counters.SetLimit(capacity.LineKey("evt-1", "line-3"), 0)
	f.draft("reg-1", 1, 1,
		models.RegistrationLine{ClassID: "class-1", Qty: 1},
		models.RegistrationLine{ClassID: "class-2", Qty: 1},
		models.RegistrationLine{ClassID: "class-3", Qty: 1},
		models.RegistrationLine{ClassID: "class-4", Qty: 1},
	)

	_, err := f.svc.Checkout(context.Background(), checkout.Request{RegistrationID: "reg-1"})
	require.Error(t, err)
	assert.Equal(t, "class_capacity_full", codeOf(err))
	e, _ := apperr.As(err)
	assert.Equal(t, "line-3", e.Details["lineId"])

	f.assertNothingHeld(t, "reg-1")
	for _, h := range f.repo.All() {
		assert.Equal(t, models.ReasonCheckoutRollback, h.ReleaseReason)
	}
	assert.NotContains(t, f.counters.Reserves, capacity.LineKey("evt-1", "line-4"), "later lines never reserved")
	assert.Empty(t, f.gateway.Intents)
}

func TestCheckoutStallCapacityFull(t *testing.T) {
	f := newFixture(t)
	f.counters.SetLimit(capacity.StallKey("evt-1"), 1)
	f.draft("reg-1", 2, 0)

	_, err := f.svc.Checkout(context.Background(), checkout.Request{RegistrationID: "reg-1"})
	assert.Equal(t, "stall_capacity_full", codeOf(err))
	f.assertNothingHeld(t, "reg-1")
}

func TestCheckoutUnconfiguredCapacity(t *testing.T) {
	f := newFixture(t)
	f.counters = capacitytest.NewCounter()
	f.svc = checkout.NewService(f.regs, f.regs, f.counters, f.manager, f.gateway, f.clock, logger.NewNopLogger())
	f.draft("reg-1", 0, 0)

	_, err := f.svc.Checkout(context.Background(), checkout.Request{RegistrationID: "reg-1"})
	assert.Equal(t, "capacity_unavailable", codeOf(err))
	assert.Equal(t, apperr.KindUpstream, apperr.KindOf(err))
}

func TestCheckoutReusesExistingBlockHolds(t *testing.T) {
	f := newFixture(t)
	f.draft("reg-1", 2, 0, models.RegistrationLine{ClassID: "class-1", Qty: 1})
	ctx := context.Background()
	owner, scope := models.RegistrationOwner("reg-1"), models.EventScope("evt-1")
	for _, k := range []struct {
		t    models.ItemType
		line string
		qty  int
	}{{models.ItemSeat, "", 1}, {models.ItemStall, "", 2}, {models.ItemClassEntry, "line-1", 1}} {
		_, _, err := f.manager.CreateBlockHold(ctx, holds.BlockKey{Owner: owner, Scope: scope, ItemType: k.t, LineID: k.line}, k.qty, nil)
		require.NoError(t, err)
	}

	_, err := f.svc.Checkout(ctx, checkout.Request{RegistrationID: "reg-1"})
	require.NoError(t, err)

	assert.Empty(t, f.counters.Reserves, "delta is zero everywhere")
	assert.Len(t, f.repo.All(), 3, "no duplicate holds")
}

func TestCheckoutGrowsUndersizedBlockHold(t *testing.T) {
	f := newFixture(t)
	f.draft("reg-1", 3, 0)
	ctx := context.Background()
	h, _, err := f.manager.CreateBlockHold(ctx, holds.BlockKey{
		Owner: models.RegistrationOwner("reg-1"), Scope: models.EventScope("evt-1"), ItemType: models.ItemStall,
	}, 1, nil)
	require.NoError(t, err)

	_, err = f.svc.Checkout(ctx, checkout.Request{RegistrationID: "reg-1"})
	require.NoError(t, err)

	assert.Equal(t, 2, f.counters.Reserved(capacity.StallKey("evt-1")), "only the missing two are reserved")
	got, err := f.repo.GetHold(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Qty)
}

func TestCheckoutOversizedBlockHoldIsMismatch(t *testing.T) {
	f := newFixture(t)
	f.draft("reg-1", 1, 0)
	_, _, err := f.manager.CreateBlockHold(context.Background(), holds.BlockKey{
		Owner: models.RegistrationOwner("reg-1"), Scope: models.EventScope("evt-1"), ItemType: models.ItemStall,
	}, 2, nil)
	require.NoError(t, err)

	_, err = f.svc.Checkout(context.Background(), checkout.Request{RegistrationID: "reg-1"})
	assert.Equal(t, "qty_mismatch", codeOf(err))
	assert.Empty(t, f.counters.Reserves)
}

func TestCheckoutPaymentFailureCompensates(t *testing.T) {
	f := newFixture(t)
	f.gateway.IntentErr = errors.New("card network down")
	f.draft("reg-1", 1, 1, models.RegistrationLine{ClassID: "class-2", Qty: 3})

	_, err := f.svc.Checkout(context.Background(), checkout.Request{RegistrationID: "reg-1"})
	require.Error(t, err)
	assert.Equal(t, "payment_intent_failed", codeOf(err))
	assert.Equal(t, apperr.KindUpstream, apperr.KindOf(err))

	f.assertNothingHeld(t, "reg-1")
	assert.Equal(t, models.RegistrationDraft, f.regs.Registration("reg-1").Status)
}

func TestCheckoutPersistFailureCompensates(t *testing.T) {
	f := newFixture(t)
	f.regs.FailUpdate = func(models.Registration) error { return errors.New("connection reset") }
	f.draft("reg-1", 1, 0)

	_, err := f.svc.Checkout(context.Background(), checkout.Request{RegistrationID: "reg-1"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))
	f.assertNothingHeld(t, "reg-1")
}

func TestCheckoutReplay(t *testing.T) {
	f := newFixture(t)
	f.draft("reg-1", 1, 0)
	ctx := context.Background()

	first, err := f.svc.Checkout(ctx, checkout.Request{RegistrationID: "reg-1", IdempotencyKey: "idem-1"})
	require.NoError(t, err)
	assert.Equal(t, "idem-1", f.gateway.Intents[0].IdempotencyKey)

	again, err := f.svc.Checkout(ctx, checkout.Request{RegistrationID: "reg-1", IdempotencyKey: "idem-1"})
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.PaymentIntentID, again.PaymentIntentID)
	assert.Len(t, f.gateway.Intents, 1)
	assert.Equal(t, 1, f.counters.Reserved(capacity.SeatKey("evt-1")))
}

func TestCheckoutReplayAfterHoldExpired(t *testing.T) {
	f := newFixture(t)
	f.draft("reg-1", 0, 0)
	ctx := context.Background()

	_, err := f.svc.Checkout(ctx, checkout.Request{RegistrationID: "reg-1"})
	require.NoError(t, err)

	f.clock.Advance(15*time.Minute - time.Second)
	_, err = f.svc.Checkout(ctx, checkout.Request{RegistrationID: "reg-1"})
	require.NoError(t, err, "one second before expiry still replays")

	f.clock.Advance(time.Second)
	_, err = f.svc.Checkout(ctx, checkout.Request{RegistrationID: "reg-1"})
	assert.Equal(t, "hold_expired", codeOf(err), "the expiry instant matches the sweeper")

	reg := f.regs.Registration("reg-1")
	assert.True(t, expiry.Expired(reg, f.clock.Now()))
}

func TestCheckoutGuards(t *testing.T) {
	f := newFixture(t)
	f.regs.PutRegistration(models.Registration{ID: "reg-confirmed", TenantID: "t-1", EventID: "evt-1", Status: models.RegistrationConfirmed})
	f.regs.PutEvent(models.Event{ID: "evt-closed", TenantID: "t-1", Status: models.EventClosed})
	f.regs.PutRegistration(models.Registration{ID: "reg-closed", TenantID: "t-1", EventID: "evt-closed", Status: models.RegistrationDraft})
	f.draft("reg-1", 0, 0)

	tests := []struct {
		name string
		req  checkout.Request
		code string
	}{
		{"missing", checkout.Request{RegistrationID: "nope"}, "registration_not_found"},
		{"other tenant", checkout.Request{RegistrationID: "reg-1", TenantID: "t-2"}, "registration_not_found"},
		{"not draft", checkout.Request{RegistrationID: "reg-confirmed"}, "invalid_state"},
		{"event closed", checkout.Request{RegistrationID: "reg-closed"}, "event_not_open"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Checkout(context.Background(), tt.req)
			assert.Equal(t, tt.code, codeOf(err))
		})
	}
}
