// Package checkout runs the reserve-then-pay saga that moves a draft
// registration to submitted.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ms-reservations/internal/apperr"
	"ms-reservations/internal/capacity"
	"ms-reservations/internal/clock"
	"ms-reservations/internal/holds"
	"ms-reservations/internal/kafka"
	"ms-reservations/internal/logger"
	"ms-reservations/internal/metrics"
	"ms-reservations/internal/models"
	"ms-reservations/internal/payment"
	"ms-reservations/internal/saga"
)

const (
	DefaultHoldTTL  = 900 * time.Second
	DefaultCurrency = "usd"
	sagaName        = "checkout"
)

type RegistrationStore interface {
	GetRegistration(ctx context.Context, id string) (*models.Registration, error)
	UpdateRegistration(ctx context.Context, reg *models.Registration) error
}

type Catalog interface {
	GetEvent(ctx context.Context, id string) (*models.Event, error)
	ListEventLines(ctx context.Context, eventID string) ([]models.EventLine, error)
}

// HoldTimer arms an out-of-band expiry signal for a submitted registration.
type HoldTimer interface {
	Mark(ctx context.Context, registrationID string, ttl time.Duration) error
}

type EventPublisher interface {
	PublishRegistrationEvent(ctx context.Context, eventType string, reg models.Registration) error
}

type Service struct {
	regs     RegistrationStore
	catalog  Catalog
	counters capacity.Counter
	holds    *holds.Manager
	gateway  payment.Gateway
	clock    clock.Clock
	log      *logger.Logger
	metrics  *metrics.Metrics
	timer    HoldTimer
	events   EventPublisher
	holdTTL  time.Duration
	currency string
}

type Option func(*Service)

func WithHoldTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.holdTTL = ttl
		}
	}
}

func WithCurrency(currency string) Option {
	return func(s *Service) {
		if currency != "" {
			s.currency = currency
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option      { return func(s *Service) { s.metrics = m } }
func WithHoldTimer(t HoldTimer) Option           { return func(s *Service) { s.timer = t } }
func WithEventPublisher(p EventPublisher) Option { return func(s *Service) { s.events = p } }

func NewService(regs RegistrationStore, catalog Catalog, counters capacity.Counter, holdMgr *holds.Manager,
	gateway payment.Gateway, clk clock.Clock, log *logger.Logger, opts ...Option) *Service {
	s := &Service{
		regs:     regs,
		catalog:  catalog,
		counters: counters,
		holds:    holdMgr,
		gateway:  gateway,
		clock:    clk,
		log:      log,
		holdTTL:  DefaultHoldTTL,
		currency: DefaultCurrency,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type Request struct {
	RegistrationID string
	TenantID       string
	IdempotencyKey string
}

type Result struct {
	RegistrationID  string      `json:"registrationId"`
	PaymentIntentID string      `json:"paymentIntentId"`
	ClientSecret    string      `json:"clientSecret"`
	HoldExpiresAt   time.Time   `json:"holdExpiresAt"`
	TotalAmount     int64       `json:"totalAmount"`
	Currency        string      `json:"currency"`
	Fees            models.Fees `json:"fees"`
	Replayed        bool        `json:"replayed"`
}

func resultFor(reg *models.Registration, replayed bool) *Result {
	r := &Result{
		RegistrationID:  reg.ID,
		PaymentIntentID: reg.PaymentIntentID,
		ClientSecret:    reg.PaymentClientSecret,
		TotalAmount:     reg.TotalAmount,
		Currency:        reg.Currency,
		Replayed:        replayed,
	}
	if reg.HoldExpiresAt != nil {
		r.HoldExpiresAt = *reg.HoldExpiresAt
	}
	if reg.Fees != nil {
		r.Fees = *reg.Fees
	}
	return r
}

// Checkout reserves capacity, creates block holds and a payment intent,
// and submits the registration. Partial work is compensated on failure.
func (s *Service) Checkout(ctx context.Context, req Request) (*Result, error) {
	reg, err := s.regs.GetRegistration(ctx, req.RegistrationID)
	if err != nil {
		return nil, err
	}
	if req.TenantID != "" && reg.TenantID != req.TenantID {
		return nil, apperr.NotFound("registration_not_found", "registration not found")
	}
	now := s.clock.Now()

	if reg.Status == models.RegistrationSubmitted && reg.PaymentIntentID != "" {
		if reg.HoldLapsed(now) {
			return nil, apperr.Conflict("hold_expired", "the reservation hold has expired").
				WithDetails(map[string]any{"holdExpiresAt": reg.HoldExpiresAt})
		}
		s.log.LogSaga(sagaName, reg.ID, "replay of submitted checkout")
		return resultFor(reg, true), nil
	}
	if req.IdempotencyKey != "" && req.IdempotencyKey == reg.CheckoutIdempotencyKey && reg.PaymentIntentID != "" {
		s.log.LogSaga(sagaName, reg.ID, "replay by idempotency key")
		return resultFor(reg, true), nil
	}

	if reg.Status != models.RegistrationDraft {
		return nil, apperr.Conflict("invalid_state", fmt.Sprintf("registration is %s, expected draft", reg.Status))
	}

	event, err := s.catalog.GetEvent(ctx, reg.EventID)
	if err != nil {
		return nil, err
	}
	if event.Status != models.EventOpen {
		return nil, apperr.Conflict("event_not_open", fmt.Sprintf("event is %s", event.Status))
	}
	eventLines, err := s.catalog.ListEventLines(ctx, event.ID)
	if err != nil {
		return nil, fmt.Errorf("load event lines: %w", err)
	}

	fees, lines, err := ComputeFees(*event, eventLines, *reg)
	if err != nil {
		return nil, err
	}
	currency := event.Currency
	if currency == "" {
		currency = s.currency
	}

	owner := models.RegistrationOwner(reg.ID)
	scope := models.EventScope(event.ID)
	expiresAt := now.Add(s.holdTTL)

	existing, err := s.holds.ActiveHolds(ctx, owner, &scope)
	if err != nil {
		return nil, fmt.Errorf("load existing holds: %w", err)
	}
	held := blockQuantities(existing)

	items := []item{
		{itemType: models.ItemSeat, want: 1, counter: capacity.SeatKey(event.ID), fullCode: "capacity_full"},
		{itemType: models.ItemRV, want: reg.RVQty, counter: capacity.RVKey(event.ID), fullCode: "rv_capacity_full"},
		{itemType: models.ItemStall, want: reg.StallQty, counter: capacity.StallKey(event.ID), fullCode: "stall_capacity_full"},
	}
	for _, l := range lines {
		items = append(items, item{
			itemType: models.ItemClassEntry,
			lineID:   l.LineID,
			classID:  l.ClassID,
			want:     l.Qty,
			counter:  capacity.LineKey(event.ID, l.LineID),
			fullCode: "class_capacity_full",
		})
	}
	for i := range items {
		it := &items[i]
		it.have = held[blockSlot{it.itemType, it.lineID}]
		if it.have > it.want {
			return nil, apperr.Invalid("qty_mismatch",
				fmt.Sprintf("existing %s hold covers %d but %d requested", it.itemType, it.have, it.want)).
				WithDetails(map[string]any{"itemType": it.itemType, "lineId": it.lineID, "held": it.have, "requested": it.want})
		}
	}

	comp := saga.New(sagaName, reg.ID, s.log, s.metrics)

	// seat, rv, stall counters
	for _, it := range items[:3] {
		if err := s.reserve(ctx, comp, it); err != nil {
			comp.Rollback(ctx)
			return nil, err
		}
	}

	// class lines: counter delta then block hold, per line
	for _, it := range items[3:] {
		if err := s.reserve(ctx, comp, it); err != nil {
			comp.Rollback(ctx)
			return nil, err
		}
		key := holds.BlockKey{Owner: owner, Scope: scope, ItemType: it.itemType, LineID: it.lineID}
		if err := s.ensureBlock(ctx, comp, key, it.want, &expiresAt); err != nil {
			comp.Rollback(ctx)
			return nil, s.stepFailed("class_hold", reg.ID, err)
		}
	}
	if len(lines) > 0 {
		if err := s.assertLineHolds(ctx, owner, scope, lines); err != nil {
			comp.Rollback(ctx)
			return nil, err
		}
	}

	for _, it := range items[:3] {
		key := holds.BlockKey{Owner: owner, Scope: scope, ItemType: it.itemType}
		if err := s.ensureBlock(ctx, comp, key, it.want, &expiresAt); err != nil {
			comp.Rollback(ctx)
			return nil, s.stepFailed(string(it.itemType)+"_hold", reg.ID, err)
		}
	}

	key := req.IdempotencyKey
	if key == "" {
		key = reg.ID
	}
	intent, err := s.gateway.CreateIntent(ctx, payment.IntentRequest{
		Amount:         fees.Total(),
		Currency:       currency,
		IdempotencyKey: key,
		Metadata: map[string]string{
			payment.MetadataRegistrationID: reg.ID,
			"event_id":                     event.ID,
			"tenant_id":                    reg.TenantID,
		},
	})
	if err != nil {
		comp.Rollback(ctx)
		s.metrics.RecordSagaStep(sagaName, "payment_intent", "failed")
		return nil, apperr.Upstream("payment_intent_failed", "could not create payment intent", err)
	}
	s.metrics.RecordSagaStep(sagaName, "payment_intent", "ok")

	submittedAt := now
	reg.Status = models.RegistrationSubmitted
	reg.PaymentStatus = models.PaymentPending
	reg.PaymentIntentID = intent.ID
	reg.PaymentClientSecret = intent.ClientSecret
	reg.CheckoutIdempotencyKey = req.IdempotencyKey
	reg.SubmittedAt = &submittedAt
	reg.HoldExpiresAt = &expiresAt
	reg.Fees = &fees
	reg.TotalAmount = fees.Total()
	reg.Currency = currency
	if err := s.regs.UpdateRegistration(ctx, reg); err != nil {
		comp.Rollback(ctx)
		return nil, s.stepFailed("persist", reg.ID, err)
	}
	comp.Discard()
	s.metrics.RecordSagaStep(sagaName, "persist", "ok")
	s.log.LogSaga(sagaName, reg.ID, fmt.Sprintf("submitted: intent=%s total=%d %s expires=%s",
		intent.ID, reg.TotalAmount, currency, expiresAt.Format(time.RFC3339)))

	if s.timer != nil {
		if err := s.timer.Mark(ctx, reg.ID, s.holdTTL); err != nil {
			s.log.Warn("SAGA", fmt.Sprintf("Could not arm hold timer for %s: %v", reg.ID, err))
		}
	}
	if s.events != nil {
		if err := s.events.PublishRegistrationEvent(ctx, kafka.RegistrationSubmitted, *reg); err != nil {
			s.log.Warn("SAGA", fmt.Sprintf("Could not publish submission of %s: %v", reg.ID, err))
		}
	}

	return resultFor(reg, false), nil
}

type item struct {
	itemType models.ItemType
	lineID   string
	classID  string
	want     int
	have     int
	counter  capacity.Key
	fullCode string
}

type blockSlot struct {
	itemType models.ItemType
	lineID   string
}

func blockQuantities(existing []models.ReservationHold) map[blockSlot]int {
	out := map[blockSlot]int{}
	for _, h := range existing {
		if h.IsBlock() {
			out[blockSlot{h.ItemType, h.Metadata.EventLineID}] += h.Qty
		}
	}
	return out
}

// reserve takes only the part of it.want not already backed by a hold.
func (s *Service) reserve(ctx context.Context, comp *saga.Compensations, it item) error {
	delta := it.want - it.have
	if delta <= 0 {
		return nil
	}
	step := "reserve_" + string(it.itemType)
	if err := s.counters.Reserve(ctx, it.counter, delta); err != nil {
		s.metrics.RecordSagaStep(sagaName, step, "failed")
		if errors.Is(err, capacity.ErrFull) {
			details := map[string]any{"itemType": it.itemType, "requested": delta}
			if it.lineID != "" {
				details["lineId"] = it.lineID
				details["classId"] = it.classID
			}
			return apperr.Capacity(it.fullCode, fmt.Sprintf("not enough %s capacity", it.itemType)).WithDetails(details)
		}
		return apperr.Upstream("capacity_unavailable", "capacity service error", err)
	}
	s.metrics.RecordSagaStep(sagaName, step, "ok")
	key := it.counter
	comp.Add("release_"+string(it.itemType), func(ctx context.Context) error {
		return s.counters.Release(ctx, key, delta)
	})
	return nil
}

// ensureBlock creates the block hold for key or grows an undersized one.
func (s *Service) ensureBlock(ctx context.Context, comp *saga.Compensations, key holds.BlockKey, want int, expiresAt *time.Time) error {
	hold, created, err := s.holds.CreateBlockHold(ctx, key, want, expiresAt)
	if err != nil || hold == nil {
		return err
	}
	h := *hold
	if created {
		comp.Add("release_"+string(key.ItemType)+"_hold", func(ctx context.Context) error {
			return s.holds.ReleaseHold(ctx, h, models.ReasonCheckoutRollback)
		})
		return nil
	}
	if h.Qty == want {
		return nil
	}
	if err := s.holds.ResizeBlockHold(ctx, h, want); err != nil {
		return err
	}
	comp.Add("shrink_"+string(key.ItemType)+"_hold", func(ctx context.Context) error {
		grown := h
		grown.Qty = want
		return s.holds.ResizeBlockHold(ctx, grown, h.Qty)
	})
	return nil
}

func (s *Service) assertLineHolds(ctx context.Context, owner models.Owner, scope models.Scope, lines []LineRequest) error {
	current, err := s.holds.ActiveHolds(ctx, owner, &scope)
	if err != nil {
		return fmt.Errorf("reload class holds: %w", err)
	}
	present := map[string]bool{}
	for _, h := range current {
		if h.ItemType == models.ItemClassEntry && h.IsBlock() {
			present[h.Metadata.EventLineID] = true
		}
	}
	var missing []string
	for _, l := range lines {
		if !present[l.LineID] {
			missing = append(missing, l.LineID)
		}
	}
	if len(missing) > 0 {
		return apperr.Consistency("block_hold_missing", "class block holds missing after reservation").
			WithDetails(map[string]any{"lineIds": missing, "existingHolds": holds.GroupHolds(current)})
	}
	return nil
}

func (s *Service) stepFailed(step, registrationID string, err error) error {
	s.metrics.RecordSagaStep(sagaName, step, "failed")
	s.log.Error("SAGA", fmt.Sprintf("[%s] %s - step %s failed: %v", sagaName, registrationID, step, err))
	if _, ok := apperr.As(err); ok {
		return err
	}
	return apperr.Internal("checkout step "+step+" failed", err)
}
