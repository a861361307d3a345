package project

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labsphere/platform/lab-engine/internal/inventory"
	"github.com/labsphere/platform/lab-engine/internal/models"
	"github.com/labsphere/platform/lab-engine/internal/reservation"
	"github.com/labsphere/platform/lab-engine/internal/store"
)

func setup(t *testing.T) (*Lifecycle, *reservation.Manager, *inventory.MemoryStore) {
	t.Helper()
	inv := inventory.NewMemoryStore(nil)
	_, err := inv.PutLab(context.Background(), models.Lab{
		ID:        "lab-b",
		Name:      "Molecular Biology",
		Equipment: []models.EquipmentItem{{Name: "Microscope", Quantity: 1}, {Name: "Centrifuge", Quantity: 2}},
	})
	require.NoError(t, err)
	records := store.NewMemoryStore()
	mgr := reservation.New(inv, records)
	return New(records, mgr), mgr, inv
}

func commit(t *testing.T, mgr *reservation.Manager, projectID string) models.Reservation {
	t.Helper()
	res, err := mgr.Commit(context.Background(), reservation.CommitInput{
		ProjectID: projectID,
		LabID:     "lab-b",
		Items:     []models.EquipmentItem{{Name: "Microscope", Quantity: 1}, {Name: "Centrifuge", Quantity: 2}},
	})
	require.NoError(t, err)
	return res
}

func TestActivateBindsReservation(t *testing.T) {
	ctx := context.Background()
	lc, mgr, _ := setup(t)
	res := commit(t, mgr, "p-1")

	project, err := lc.Activate(ctx, ActivateInput{ProjectID: "p-1", Name: "Protein Analysis", ReservationID: res.ID})
	require.NoError(t, err)
	assert.Equal(t, models.ProjectActive, project.Status)
	assert.Equal(t, "lab-b", project.LabID)
	require.NotNil(t, project.ReservationID)
	assert.Equal(t, res.ID, *project.ReservationID)

	_, err = lc.Activate(ctx, ActivateInput{ProjectID: "p-1", ReservationID: res.ID})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestActivateRequiresOwnedCommittedReservation(t *testing.T) {
	ctx := context.Background()
	lc, mgr, _ := setup(t)
	res := commit(t, mgr, "p-1")

	_, err := lc.Activate(ctx, ActivateInput{ProjectID: "p-2", ReservationID: res.ID})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = mgr.Release(ctx, res.ID)
	require.NoError(t, err)
	_, err = lc.Activate(ctx, ActivateInput{ProjectID: "p-1", ReservationID: res.ID})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = lc.Activate(ctx, ActivateInput{ProjectID: "p-1", ReservationID: "missing"})
	assert.ErrorIs(t, err, models.ErrUnknownReservation)
}

func TestCompleteReleasesReservation(t *testing.T) {
	ctx := context.Background()
	lc, mgr, inv := setup(t)
	res := commit(t, mgr, "p-1")
	_, err := lc.Activate(ctx, ActivateInput{ProjectID: "p-1", ReservationID: res.ID})
	require.NoError(t, err)

	before, err := inv.GetLab(ctx, "lab-b")
	require.NoError(t, err)
	assert.Equal(t, models.LabStatusAvailable, before.Status)
	assert.Equal(t, 0, before.Stock["Centrifuge"].Available)

	tr, err := lc.Complete(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, models.ProjectCompleted, tr.Project.Status)
	assert.Nil(t, tr.Project.ReservationID)
	require.NotNil(t, tr.Released)
	assert.Equal(t, models.ReservationReleased, tr.Released.State)

	after, err := inv.GetLab(ctx, "lab-b")
	require.NoError(t, err)
	assert.Equal(t, models.StockLevel{Available: 2}, after.Stock["Centrifuge"])
	assert.Equal(t, models.StockLevel{Available: 1}, after.Stock["Microscope"])

	got, err := mgr.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationReleased, got.State)
}

func TestTerminalProjectsRejectTransitions(t *testing.T) {
	ctx := context.Background()
	lc, mgr, _ := setup(t)
	res := commit(t, mgr, "p-1")
	_, err := lc.Activate(ctx, ActivateInput{ProjectID: "p-1", ReservationID: res.ID})
	require.NoError(t, err)

	_, err = lc.Cancel(ctx, "p-1")
	require.NoError(t, err)
	_, err = lc.Complete(ctx, "p-1")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	_, err = lc.Cancel(ctx, "p-1")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = lc.Complete(ctx, "ghost")
	assert.ErrorIs(t, err, models.ErrUnknownProject)
}

type failingReleases struct {
	Reservations
}

func (failingReleases) Release(ctx context.Context, id string) (models.Reservation, error) {
	return models.Reservation{}, errors.New("inventory offline")
}

func TestFailedReleaseKeepsProjectActive(t *testing.T) {
	ctx := context.Background()
	inv := inventory.NewMemoryStore(nil)
	_, err := inv.PutLab(ctx, models.Lab{ID: "lab-b", Equipment: []models.EquipmentItem{{Name: "Microscope", Quantity: 1}}})
	require.NoError(t, err)
	records := store.NewMemoryStore()
	mgr := reservation.New(inv, records)
	res, err := mgr.Commit(ctx, reservation.CommitInput{ProjectID: "p-1", LabID: "lab-b", Items: []models.EquipmentItem{{Name: "Microscope", Quantity: 1}}})
	require.NoError(t, err)

	lc := New(records, failingReleases{Reservations: mgr})
	_, err = lc.Activate(ctx, ActivateInput{ProjectID: "p-1", ReservationID: res.ID})
	require.NoError(t, err)

	_, err = lc.Complete(ctx, "p-1")
	require.Error(t, err)

	project, err := lc.Get(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, models.ProjectActive, project.Status)
	require.NotNil(t, project.ReservationID)
}

func TestListProjects(t *testing.T) {
	ctx := context.Background()
	lc, mgr, _ := setup(t)
	res := commit(t, mgr, "p-1")
	_, err := lc.Activate(ctx, ActivateInput{ProjectID: "p-1", ReservationID: res.ID})
	require.NoError(t, err)

	projects, err := lc.List(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "p-1", projects[0].ID)
}
