package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"ms-reservations/internal/holds"
	"ms-reservations/internal/models"

	"github.com/lib/pq"
	"github.com/uptrace/bun"
)

type DB struct {
	Bun *bun.DB
}

// activeResourceIndex keeps exclusive resources single-holder per scope.
const activeResourceIndex = `CREATE UNIQUE INDEX IF NOT EXISTS reservation_holds_active_resource
	ON reservation_holds (scope_type, scope_id, item_type, resource_id)
	WHERE state IN ('held', 'confirmed') AND item_type IN ('stall', 'rv')`

// CreateSchema creates the holds table and its indexes. Production schemas
// come from the SQL migrations; this is for tests and local tooling.
func (d *DB) CreateSchema(ctx context.Context) error {
	if _, err := d.Bun.NewCreateTable().Model((*models.ReservationHold)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("create reservation_holds: %w", err)
	}
	for _, stmt := range []string{
		activeResourceIndex,
		`CREATE INDEX IF NOT EXISTS reservation_holds_owner ON reservation_holds (owner_type, owner_id, state)`,
		`CREATE INDEX IF NOT EXISTS reservation_holds_scope ON reservation_holds (scope_type, scope_id, item_type, state)`,
	} {
		if _, err := d.Bun.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create hold index: %w", err)
		}
	}
	return nil
}

func (d *DB) GetHold(ctx context.Context, id string) (*models.ReservationHold, error) {
	var hold models.ReservationHold
	err := d.Bun.NewSelect().
		Model(&hold).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, holds.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &hold, nil
}

func (d *DB) ListHolds(ctx context.Context, f holds.Filter) ([]models.ReservationHold, error) {
	var out []models.ReservationHold
	q := d.Bun.NewSelect().Model(&out)
	if f.OwnerID != "" {
		q = q.Where("owner_type = ?", f.OwnerType).Where("owner_id = ?", f.OwnerID)
	}
	if f.ScopeID != "" {
		q = q.Where("scope_type = ?", f.ScopeType).Where("scope_id = ?", f.ScopeID)
	}
	if f.ItemType != "" {
		q = q.Where("item_type = ?", f.ItemType)
	}
	if len(f.States) > 0 {
		q = q.Where("state IN (?)", bun.In(f.States))
	}
	if f.ResourceID != "" {
		q = q.Where("resource_id = ?", f.ResourceID)
	}
	if f.BlockOnly {
		q = q.Where("resource_id IS NULL")
	}
	if f.GranularOnly {
		q = q.Where("resource_id IS NOT NULL")
	}
	q = q.Order("held_at ASC", "id ASC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *DB) CreateHold(ctx context.Context, hold *models.ReservationHold) error {
	_, err := d.Bun.NewInsert().Model(hold).Exec(ctx)
	if isUniqueViolation(err) {
		return holds.ErrResourceTaken
	}
	return err
}

func (d *DB) UpdateHold(ctx context.Context, id string, p holds.Patch) error {
	q := d.Bun.NewUpdate().
		Model((*models.ReservationHold)(nil)).
		Where("id = ?", id)
	set := 0
	if p.Qty != nil {
		q = q.Set("qty = ?", *p.Qty)
		set++
	}
	if p.State != nil {
		q = q.Set("state = ?", *p.State)
		set++
	}
	if p.ConfirmedAt != nil {
		q = q.Set("confirmed_at = ?", *p.ConfirmedAt)
		set++
	}
	if p.ReleasedAt != nil {
		q = q.Set("released_at = ?", *p.ReleasedAt)
		set++
	}
	if p.ReleaseReason != nil {
		q = q.Set("release_reason = ?", *p.ReleaseReason)
		set++
	}
	if p.ExpiresAt != nil {
		q = q.Set("expires_at = ?", *p.ExpiresAt)
		set++
	}
	if set == 0 {
		return nil
	}
	if p.ExpectState != nil {
		q = q.Where("state = ?", *p.ExpectState)
	}

	res, err := q.Exec(ctx)
	if isUniqueViolation(err) {
		return holds.ErrResourceTaken
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if p.ExpectState != nil {
			if _, getErr := d.GetHold(ctx, id); getErr == nil {
				return holds.ErrStateChanged
			}
		}
		return holds.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
