package database

import (
	"context"
	"testing"
	"time"

	"ms-reservations/internal/config"
	"ms-reservations/internal/database/migrations"
	"ms-reservations/internal/holds"
	holdsdb "ms-reservations/internal/holds/db"
	"ms-reservations/internal/logger"
	"ms-reservations/internal/models"
	regdb "ms-reservations/internal/registrations/db"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestPostgresSchemaIntegration applies the SQL migrations to a real
// Postgres and checks the constraints the in-memory fakes only imitate.
func TestPostgresSchemaIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping Postgres integration test in short mode")
	}
	ctx := context.Background()

	pg, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "reservations",
				"POSTGRES_PASSWORD": "reservations",
				"POSTGRES_DB":       "reservations",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	host, err := pg.Host(ctx)
	require.NoError(t, err)
	port, err := pg.MappedPort(ctx, "5432")
	require.NoError(t, err)

	log := logger.NewNopLogger()
	bunDB, err := ConnectPostgres(ctx, config.DatabaseConfig{
		Host: host, Port: port.Port(), Username: "reservations", Password: "reservations",
		Database: "reservations", SSLMode: "disable", MaxOpenConns: 5, MaxIdleConns: 5, MaxLifetime: time.Minute,
	}, log)
	require.NoError(t, err)
	t.Cleanup(func() { bunDB.Close() })

	runner := migrations.NewRunner(bunDB, "migrations/sql", log)
	require.NoError(t, runner.Up())
	require.NoError(t, runner.Up(), "second run is a no-op")

	regs := &regdb.DB{Bun: bunDB}
	require.NoError(t, regs.CreateEvent(ctx, &models.Event{
		ID: "evt-1", TenantID: "t-1", Name: "Classic", Status: models.EventOpen, CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, regs.CreateRegistration(ctx, &models.Registration{
		ID: "reg-1", TenantID: "t-1", EventID: "evt-1",
		Status: models.RegistrationDraft, PaymentStatus: models.PaymentNone,
	}))
	reg, err := regs.GetRegistration(ctx, "reg-1")
	require.NoError(t, err)
	reg.Status = models.RegistrationSubmitted
	require.NoError(t, regs.UpdateRegistration(ctx, reg))

	repo := &holdsdb.DB{Bun: bunDB}
	stall := "stall-1"
	hold := func(id, owner string) *models.ReservationHold {
		return &models.ReservationHold{
			ID: id, OwnerType: models.OwnerRegistration, OwnerID: owner,
			ScopeType: models.ScopeEvent, ScopeID: "evt-1", ItemType: models.ItemStall,
			Qty: 1, ResourceID: &stall, State: models.HoldHeld, HeldAt: time.Now().UTC(),
		}
	}
	require.NoError(t, repo.CreateHold(ctx, hold("h-1", "reg-1")))
	err = repo.CreateHold(ctx, hold("h-2", "reg-2"))
	assert.ErrorIs(t, err, holds.ErrResourceTaken)

	released := models.HoldReleased
	require.NoError(t, repo.UpdateHold(ctx, "h-1", holds.Patch{State: &released}))
	assert.NoError(t, repo.CreateHold(ctx, hold("h-3", "reg-2")), "released resources can be taken again")

	require.NoError(t, runner.Down())
	require.NoError(t, runner.Close())
}
