// Package seed creates a bookable demo event: catalogue rows in Postgres
// and matching capacity limits in Redis.
package seed

import (
	"context"
	"fmt"
	"time"

	"ms-reservations/internal/capacity"
	"ms-reservations/internal/models"

	"github.com/google/uuid"
)

type Store interface {
	CreateEvent(ctx context.Context, event *models.Event) error
	CreateEventLine(ctx context.Context, line *models.EventLine) error
	CreateResource(ctx context.Context, resource *models.Resource) error
	CreateRegistration(ctx context.Context, reg *models.Registration) error
}

type LimitSetter interface {
	SetLimit(ctx context.Context, key capacity.Key, limit int) error
}

type Plan struct {
	TenantID      string
	EventName     string
	Seats         int
	Stalls        int
	RVSites       int
	Classes       []string
	ClassCapacity int
	// Registrations adds draft registrations, each asking for one stall,
	// one RV site and one entry in the first class.
	Registrations int
}

func DefaultPlan() Plan {
	return Plan{
		TenantID:      "tenant-demo",
		EventName:     "Spring Classic",
		Seats:         100,
		Stalls:        20,
		RVSites:       10,
		Classes:       []string{"open-barrels", "youth-poles"},
		ClassCapacity: 40,
		Registrations: 3,
	}
}

type Result struct {
	EventID         string   `json:"eventId"`
	LineIDs         []string `json:"lineIds"`
	StallIDs        []string `json:"stallIds"`
	RVIDs           []string `json:"rvIds"`
	RegistrationIDs []string `json:"registrationIds"`
}

func fee(v int64) *int64 { return &v }

func Run(ctx context.Context, store Store, limits LimitSetter, plan Plan) (*Result, error) {
	now := time.Now().UTC()
	event := &models.Event{
		ID:           uuid.NewString(),
		TenantID:     plan.TenantID,
		Name:         plan.EventName,
		Status:       models.EventOpen,
		Currency:     "usd",
		SeatFee:      2500,
		RVEnabled:    plan.RVSites > 0,
		RVFee:        fee(4000),
		StallEnabled: plan.Stalls > 0,
		StallFee:     fee(3500),
		CreatedAt:    now,
	}
	if err := store.CreateEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("create event: %w", err)
	}
	res := &Result{EventID: event.ID}

	for _, class := range plan.Classes {
		line := &models.EventLine{
			ID:       uuid.NewString(),
			EventID:  event.ID,
			ClassID:  class,
			Name:     class,
			Fee:      fee(1500),
			Capacity: plan.ClassCapacity,
		}
		if err := store.CreateEventLine(ctx, line); err != nil {
			return nil, fmt.Errorf("create line %s: %w", class, err)
		}
		if err := limits.SetLimit(ctx, capacity.LineKey(event.ID, line.ID), plan.ClassCapacity); err != nil {
			return nil, err
		}
		res.LineIDs = append(res.LineIDs, line.ID)
	}

	var err error
	if res.StallIDs, err = createResources(ctx, store, event, models.ItemStall, "Stall", plan.Stalls); err != nil {
		return nil, err
	}
	if res.RVIDs, err = createResources(ctx, store, event, models.ItemRV, "RV", plan.RVSites); err != nil {
		return nil, err
	}

	for key, limit := range map[capacity.Key]int{
		capacity.SeatKey(event.ID):  plan.Seats,
		capacity.StallKey(event.ID): plan.Stalls,
		capacity.RVKey(event.ID):    plan.RVSites,
	} {
		if err := limits.SetLimit(ctx, key, limit); err != nil {
			return nil, fmt.Errorf("set limit %s: %w", key, err)
		}
	}

	for i := 0; i < plan.Registrations; i++ {
		reg := &models.Registration{
			ID:            uuid.NewString(),
			TenantID:      plan.TenantID,
			EventID:       event.ID,
			ContactEmail:  fmt.Sprintf("rider%d@example.com", i+1),
			Status:        models.RegistrationDraft,
			PaymentStatus: models.PaymentNone,
			StallQty:      min(1, plan.Stalls),
			RVQty:         min(1, plan.RVSites),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if len(plan.Classes) > 0 {
			reg.Lines = []models.RegistrationLine{{ClassID: plan.Classes[0], Qty: 1}}
		}
		if err := store.CreateRegistration(ctx, reg); err != nil {
			return nil, fmt.Errorf("create registration: %w", err)
		}
		res.RegistrationIDs = append(res.RegistrationIDs, reg.ID)
	}
	return res, nil
}

func createResources(ctx context.Context, store Store, event *models.Event, kind models.ItemType, prefix string, n int) ([]string, error) {
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		r := &models.Resource{
			ID:       uuid.NewString(),
			TenantID: event.TenantID,
			EventID:  event.ID,
			Kind:     kind,
			Label:    fmt.Sprintf("%s %d", prefix, i+1),
		}
		if err := store.CreateResource(ctx, r); err != nil {
			return nil, fmt.Errorf("create %s: %w", kind, err)
		}
		ids = append(ids, r.ID)
	}
	return ids, nil
}
