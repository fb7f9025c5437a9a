package cancellation_test

import (
	"context"
	"errors"
	"testing"

	"ms-reservations/internal/apperr"
	"ms-reservations/internal/cancellation"
	"ms-reservations/internal/capacity"
	"ms-reservations/internal/capacity/capacitytest"
	"ms-reservations/internal/clock"
	"ms-reservations/internal/holds"
	"ms-reservations/internal/holds/holdstest"
	"ms-reservations/internal/logger"
	"ms-reservations/internal/models"
	"ms-reservations/internal/payment/paymenttest"
	"ms-reservations/internal/registrations/registrationstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNotifier struct {
	sent []string
}

func (n *fakeNotifier) EnqueueEmail(_ context.Context, _, to, templateKey string, _ map[string]string) (string, error) {
	n.sent = append(n.sent, templateKey+":"+to)
	return "msg-1", nil
}

type fakeEvents struct {
	types []string
}

func (f *fakeEvents) PublishRegistrationEvent(_ context.Context, eventType string, _ models.Registration) error {
	f.types = append(f.types, eventType)
	return nil
}

type fakeTimer struct{ cleared []string }

func (t *fakeTimer) Clear(_ context.Context, registrationID string) error {
	t.cleared = append(t.cleared, registrationID)
	return nil
}

type serviceFixture struct {
	regs     *registrationstest.Store
	counters *capacitytest.Counter
	repo     *holdstest.Repository
	gateway  *paymenttest.Gateway
	notifier *fakeNotifier
	events   *fakeEvents
	timer    *fakeTimer
	svc      *cancellation.Service
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		regs:     registrationstest.NewStore(),
		counters: capacitytest.NewCounter(),
		repo:     holdstest.NewRepository(),
		gateway:  &paymenttest.Gateway{},
		notifier: &fakeNotifier{},
		events:   &fakeEvents{},
		timer:    &fakeTimer{},
	}
	clk := clock.NewFixed(testNow)
	mgr := holds.NewManager(f.repo, clk, logger.NewNopLogger())
	releaser := cancellation.NewReleaser(f.counters, mgr, logger.NewNopLogger(), nil)
	f.svc = cancellation.NewService(f.regs, releaser, f.gateway, clk, logger.NewNopLogger(),
		cancellation.WithNotifier(f.notifier), cancellation.WithEventPublisher(f.events), cancellation.WithHoldTimer(f.timer))

	f.counters.SetLimit(capacity.SeatKey("evt-1"), 10)
	require.NoError(t, f.counters.Reserve(context.Background(), capacity.SeatKey("evt-1"), 1))
	f.repo.Put(models.ReservationHold{
		ID: "seat", OwnerType: models.OwnerRegistration, OwnerID: "reg-1", ScopeType: models.ScopeEvent, ScopeID: "evt-1",
		ItemType: models.ItemSeat, Qty: 1, State: models.HoldHeld, HeldAt: testNow,
	})
	return f
}

func (f *serviceFixture) put(status models.RegistrationStatus, payment models.PaymentStatus) {
	f.regs.PutRegistration(models.Registration{
		ID: "reg-1", TenantID: "t-1", EventID: "evt-1", ContactEmail: "rider@example.com",
		Status: status, PaymentStatus: payment, PaymentIntentID: "pi_1", TotalAmount: 9000,
	})
}

func TestCancelSubmitted(t *testing.T) {
	f := newServiceFixture(t)
	f.put(models.RegistrationSubmitted, models.PaymentPending)

	reg, err := f.svc.Cancel(context.Background(), cancellation.Request{RegistrationID: "reg-1", Actor: "op-7", Reason: "duplicate"})
	require.NoError(t, err)

	assert.Equal(t, models.RegistrationCancelled, reg.Status)
	assert.Equal(t, models.PaymentFailed, reg.PaymentStatus)
	assert.Equal(t, "op-7", reg.CancelledBy)
	assert.Equal(t, "duplicate", reg.CancelReason)
	require.NotNil(t, reg.CancelledAt)
	assert.Equal(t, testNow, *reg.CancelledAt)

	assert.Zero(t, f.counters.Reserved(capacity.SeatKey("evt-1")))
	assert.Empty(t, f.repo.Active("reg-1"))
	assert.Equal(t, []string{"registration_cancelled:rider@example.com"}, f.notifier.sent)
	assert.Equal(t, "msg-1", f.regs.Registration("reg-1").CancellationMessageID)
	assert.Equal(t, []string{"registration.cancelled"}, f.events.types)
	assert.Empty(t, f.gateway.Refunds, "cancel never refunds")
	assert.Equal(t, []string{"reg-1"}, f.timer.cleared)
}

func TestCancelPaidKeepsPaymentStatus(t *testing.T) {
	f := newServiceFixture(t)
	f.put(models.RegistrationConfirmed, models.PaymentPaid)

	reg, err := f.svc.Cancel(context.Background(), cancellation.Request{RegistrationID: "reg-1"})
	require.NoError(t, err)
	assert.Equal(t, models.RegistrationCancelled, reg.Status)
	assert.Equal(t, models.PaymentPaid, reg.PaymentStatus)
	assert.Empty(t, f.timer.cleared, "confirmed registrations have no hold timer")
}

func TestCancelIsIdempotent(t *testing.T) {
	f := newServiceFixture(t)
	f.put(models.RegistrationSubmitted, models.PaymentPending)
	ctx := context.Background()

	_, err := f.svc.Cancel(ctx, cancellation.Request{RegistrationID: "reg-1"})
	require.NoError(t, err)
	updates := f.regs.Updates

	reg, err := f.svc.Cancel(ctx, cancellation.Request{RegistrationID: "reg-1"})
	require.NoError(t, err)
	assert.Equal(t, models.RegistrationCancelled, reg.Status)
	assert.Equal(t, updates, f.regs.Updates)
	assert.Len(t, f.notifier.sent, 1)
}

func TestCancelRejects(t *testing.T) {
	tests := []struct {
		name    string
		status  models.RegistrationStatus
		payment models.PaymentStatus
		req     cancellation.Request
		code    string
	}{
		{"draft", models.RegistrationDraft, models.PaymentNone, cancellation.Request{RegistrationID: "reg-1"}, "invalid_state"},
		{"submitted but paid", models.RegistrationSubmitted, models.PaymentPaid, cancellation.Request{RegistrationID: "reg-1"}, "invalid_state"},
		{"confirmed unpaid", models.RegistrationConfirmed, models.PaymentPending, cancellation.Request{RegistrationID: "reg-1"}, "invalid_state"},
		{"wrong tenant", models.RegistrationSubmitted, models.PaymentPending, cancellation.Request{RegistrationID: "reg-1", TenantID: "t-9"}, "registration_not_found"},
		{"missing", models.RegistrationSubmitted, models.PaymentPending, cancellation.Request{RegistrationID: "reg-404"}, "registration_not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServiceFixture(t)
			f.put(tt.status, tt.payment)

			_, err := f.svc.Cancel(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, apperr.IsCode(err, tt.code), "got %v", err)
			assert.Equal(t, 1, f.counters.Reserved(capacity.SeatKey("evt-1")), "nothing released")
		})
	}
}

func TestCancelAndRefund(t *testing.T) {
	f := newServiceFixture(t)
	f.put(models.RegistrationConfirmed, models.PaymentPaid)
	ctx := context.Background()

	reg, err := f.svc.CancelAndRefund(ctx, cancellation.Request{RegistrationID: "reg-1", Actor: "op-1", Reason: "injured horse"})
	require.NoError(t, err)
	assert.Equal(t, models.RegistrationCancelled, reg.Status)
	assert.Equal(t, models.PaymentRefunded, reg.PaymentStatus)
	assert.Equal(t, "re_test_1", reg.RefundID)

	require.Len(t, f.gateway.Refunds, 1)
	assert.Equal(t, "pi_1", f.gateway.Refunds[0].PaymentIntentID)
	assert.Equal(t, int64(9000), f.gateway.Refunds[0].Amount)
	assert.Equal(t, "refund-reg-1", f.gateway.Refunds[0].IdempotencyKey)

	assert.Zero(t, f.counters.Reserved(capacity.SeatKey("evt-1")))
	for _, h := range f.repo.All() {
		assert.Equal(t, models.ReasonRefund, h.ReleaseReason)
	}
	assert.Equal(t, []string{"registration.refunded"}, f.events.types)

	again, err := f.svc.CancelAndRefund(ctx, cancellation.Request{RegistrationID: "reg-1"})
	require.NoError(t, err)
	assert.Equal(t, "re_test_1", again.RefundID)
	assert.Len(t, f.gateway.Refunds, 1)
}

func TestCancelAndRefundFailureLeavesRegistration(t *testing.T) {
	f := newServiceFixture(t)
	f.put(models.RegistrationConfirmed, models.PaymentPaid)
	f.gateway.RefundErr = errors.New("charge already disputed")

	_, err := f.svc.CancelAndRefund(context.Background(), cancellation.Request{RegistrationID: "reg-1"})
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, "refund_failed"))
	assert.Equal(t, apperr.KindUpstream, apperr.KindOf(err))

	reg := f.regs.Registration("reg-1")
	assert.Equal(t, models.RegistrationConfirmed, reg.Status)
	assert.Equal(t, models.PaymentPaid, reg.PaymentStatus)
	assert.Equal(t, 1, f.counters.Reserved(capacity.SeatKey("evt-1")))
}

func TestCancelAndRefundRequiresPaid(t *testing.T) {
	f := newServiceFixture(t)
	f.put(models.RegistrationSubmitted, models.PaymentPending)

	_, err := f.svc.CancelAndRefund(context.Background(), cancellation.Request{RegistrationID: "reg-1"})
	assert.True(t, apperr.IsCode(err, "invalid_state"))
	assert.Empty(t, f.gateway.Refunds)
}
