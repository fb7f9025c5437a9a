package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ms-reservations/internal/models"
	"ms-reservations/internal/registrations"

	"github.com/uptrace/bun"
)

type DB struct {
	Bun *bun.DB
}

// CreateSchema creates registration and catalogue tables for tests and
// local tooling.
func (d *DB) CreateSchema(ctx context.Context) error {
	for _, model := range []interface{}{
		(*models.Event)(nil),
		(*models.EventLine)(nil),
		(*models.Resource)(nil),
		(*models.Registration)(nil),
	} {
		if _, err := d.Bun.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// ---------------- REGISTRATIONS ----------------

func (d *DB) GetRegistration(ctx context.Context, id string) (*models.Registration, error) {
	var reg models.Registration
	err := d.Bun.NewSelect().
		Model(&reg).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, registrations.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &reg, nil
}

func (d *DB) CreateRegistration(ctx context.Context, reg *models.Registration) error {
	now := time.Now().UTC()
	if reg.CreatedAt.IsZero() {
		reg.CreatedAt = now
	}
	reg.UpdatedAt = now
	_, err := d.Bun.NewInsert().Model(reg).Exec(ctx)
	return err
}

func (d *DB) UpdateRegistration(ctx context.Context, reg *models.Registration) error {
	expected := reg.RowVersion
	prevUpdated := reg.UpdatedAt
	reg.RowVersion = expected + 1
	reg.UpdatedAt = time.Now().UTC()

	res, err := d.Bun.NewUpdate().
		Model(reg).
		ExcludeColumn("id", "created_at").
		Where("id = ?", reg.ID).
		Where("row_version = ?", expected).
		Exec(ctx)
	if err == nil {
		var n int64
		n, err = res.RowsAffected()
		if err == nil && n == 0 {
			err = registrations.ErrConcurrentUpdate
			if _, getErr := d.GetRegistration(ctx, reg.ID); errors.Is(getErr, registrations.ErrNotFound) {
				err = registrations.ErrNotFound
			}
		}
	}
	if err != nil {
		reg.RowVersion = expected
		reg.UpdatedAt = prevUpdated
		return err
	}
	return nil
}

func (d *DB) ListSubmitted(ctx context.Context, limit int) ([]models.Registration, error) {
	var regs []models.Registration
	err := d.Bun.NewSelect().
		Model(&regs).
		Where("status = ?", models.RegistrationSubmitted).
		OrderExpr("hold_expires_at ASC NULLS LAST").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return regs, nil
}

// ---------------- CATALOG ----------------

func (d *DB) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	var event models.Event
	err := d.Bun.NewSelect().
		Model(&event).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, registrations.ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (d *DB) CreateEvent(ctx context.Context, event *models.Event) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	_, err := d.Bun.NewInsert().Model(event).Exec(ctx)
	return err
}

func (d *DB) ListEventLines(ctx context.Context, eventID string) ([]models.EventLine, error) {
	var lines []models.EventLine
	err := d.Bun.NewSelect().
		Model(&lines).
		Where("event_id = ?", eventID).
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return lines, nil
}

func (d *DB) GetEventLines(ctx context.Context, ids []string) ([]models.EventLine, error) {
	var lines []models.EventLine
	if len(ids) == 0 {
		return lines, nil
	}
	err := d.Bun.NewSelect().
		Model(&lines).
		Where("id IN (?)", bun.In(ids)).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return lines, nil
}

func (d *DB) CreateEventLine(ctx context.Context, line *models.EventLine) error {
	_, err := d.Bun.NewInsert().Model(line).Exec(ctx)
	return err
}

func (d *DB) GetResources(ctx context.Context, ids []string) ([]models.Resource, error) {
	var resources []models.Resource
	if len(ids) == 0 {
		return resources, nil
	}
	err := d.Bun.NewSelect().
		Model(&resources).
		Where("id IN (?)", bun.In(ids)).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return resources, nil
}

func (d *DB) CreateResource(ctx context.Context, resource *models.Resource) error {
	_, err := d.Bun.NewInsert().Model(resource).Exec(ctx)
	return err
}
