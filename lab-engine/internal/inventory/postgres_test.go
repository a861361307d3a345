package inventory

import (
	"context"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labsphere/platform/lab-engine/internal/models"
)

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPGStore(db), mock
}

func TestPGReserveCommitsAllItems(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status, capacity FROM labs").
		WithArgs("lab-a").
		WillReturnRows(sqlmock.NewRows([]string{"status", "capacity"}).AddRow("available", 0))
	mock.ExpectQuery("FROM lab_holds WHERE lab_id").
		WithArgs("lab-a", "hold-1").
		WillReturnRows(sqlmock.NewRows([]string{"active", "existing"}).AddRow(0, 0))
	mock.ExpectQuery("SELECT item, available, reserved FROM lab_stock").
		WithArgs("lab-a").
		WillReturnRows(sqlmock.NewRows([]string{"item", "available", "reserved"}).
			AddRow("Centrifuge", 2, 0).
			AddRow("Microscope", 1, 0))
	mock.ExpectExec("UPDATE lab_stock").
		WithArgs("lab-a", "Centrifuge", 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE lab_stock").
		WithArgs("lab-a", "Microscope", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO lab_holds").
		WithArgs("hold-1", "lab-a", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.Reserve(context.Background(), "lab-a", "hold-1", []models.EquipmentItem{
		{Name: "Microscope", Quantity: 1},
		{Name: "Centrifuge", Quantity: 2},
	})
	require.NoError(t, err)
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGReserveInsufficientStockRollsBack(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status, capacity FROM labs").
		WithArgs("lab-a").
		WillReturnRows(sqlmock.NewRows([]string{"status", "capacity"}).AddRow("available", 0))
	mock.ExpectQuery("FROM lab_holds WHERE lab_id").
		WithArgs("lab-a", "hold-1").
		WillReturnRows(sqlmock.NewRows([]string{"active", "existing"}).AddRow(0, 0))
	mock.ExpectQuery("SELECT item, available, reserved FROM lab_stock").
		WithArgs("lab-a").
		WillReturnRows(sqlmock.NewRows([]string{"item", "available", "reserved"}).
			AddRow("Centrifuge", 1, 1))
	mock.ExpectRollback()

	err := store.Reserve(context.Background(), "lab-a", "hold-1", []models.EquipmentItem{{Name: "Centrifuge", Quantity: 2}})
	var stockErr *models.InsufficientStockError
	require.True(t, errors.As(err, &stockErr), "expected InsufficientStockError, got %v", err)
	assert.Equal(t, []models.EquipmentItem{{Name: "Centrifuge", Quantity: 1}}, stockErr.Shortfalls)
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGReserveAtCapacity(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status, capacity FROM labs").
		WithArgs("lab-a").
		WillReturnRows(sqlmock.NewRows([]string{"status", "capacity"}).AddRow("available", 2))
	mock.ExpectQuery("FROM lab_holds WHERE lab_id").
		WithArgs("lab-a", "hold-3").
		WillReturnRows(sqlmock.NewRows([]string{"active", "existing"}).AddRow(2, 0))
	mock.ExpectRollback()

	err := store.Reserve(context.Background(), "lab-a", "hold-3", []models.EquipmentItem{{Name: "HPLC", Quantity: 1}})
	assert.ErrorIs(t, err, models.ErrLabAtCapacity)
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGReserveUnknownLab(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status, capacity FROM labs").
		WithArgs("lab-x").
		WillReturnRows(sqlmock.NewRows([]string{"status", "capacity"}))
	mock.ExpectRollback()

	err := store.Reserve(context.Background(), "lab-x", "hold-1", []models.EquipmentItem{{Name: "HPLC", Quantity: 1}})
	assert.ErrorIs(t, err, models.ErrUnknownLab)
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGReserveValidationSkipsDatabase(t *testing.T) {
	store, mock := newMockStore(t)

	err := store.Reserve(context.Background(), "lab-a", "hold-1", []models.EquipmentItem{{Name: "HPLC", Quantity: 0}})
	var verr *models.ValidationError
	assert.True(t, errors.As(err, &verr))
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGReleaseMovesUnitsBack(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM labs").
		WithArgs("lab-a").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("lab-a"))
	mock.ExpectQuery("SELECT items, released_at IS NOT NULL FROM lab_holds").
		WithArgs("hold-1", "lab-a").
		WillReturnRows(sqlmock.NewRows([]string{"items", "released"}).
			AddRow([]byte(`[{"name":"Microscope","quantity":1}]`), false))
	mock.ExpectExec("UPDATE lab_stock").
		WithArgs("lab-a", "Microscope", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE lab_holds SET released_at").
		WithArgs("hold-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.Release(context.Background(), "lab-a", "hold-1"))
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGReleaseAlreadyReleasedIsNoop(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM labs").
		WithArgs("lab-a").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("lab-a"))
	mock.ExpectQuery("SELECT items, released_at IS NOT NULL FROM lab_holds").
		WithArgs("hold-1", "lab-a").
		WillReturnRows(sqlmock.NewRows([]string{"items", "released"}).
			AddRow([]byte(`[{"name":"Microscope","quantity":1}]`), true))
	mock.ExpectCommit()

	require.NoError(t, store.Release(context.Background(), "lab-a", "hold-1"))
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGReleaseUnknownHold(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM labs").
		WithArgs("lab-a").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("lab-a"))
	mock.ExpectQuery("SELECT items, released_at IS NOT NULL FROM lab_holds").
		WithArgs("hold-9", "lab-a").
		WillReturnRows(sqlmock.NewRows([]string{"items", "released"}))
	mock.ExpectRollback()

	err := store.Release(context.Background(), "lab-a", "hold-9")
	assert.ErrorIs(t, err, models.ErrUnknownReservationState)
	assert.ErrorIs(t, err, ErrHoldNotFound)
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGGetLabSnapshot(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM labs l").
		WithArgs("lab-a").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "status", "capacity", "active"}).
			AddRow("lab-a", "Lab A-101", "available", 1, 1))
	mock.ExpectQuery("SELECT item, available, reserved FROM lab_stock").
		WithArgs("lab-a").
		WillReturnRows(sqlmock.NewRows([]string{"item", "available", "reserved"}).
			AddRow("Microscope", 1, 1))
	mock.ExpectCommit()

	inv, err := store.GetLab(context.Background(), "lab-a")
	require.NoError(t, err)
	assert.Equal(t, models.LabStatusOccupied, inv.Status)
	assert.Equal(t, models.StockLevel{Available: 1, Reserved: 1}, inv.Stock["Microscope"])
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGGetLabUnknown(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM labs l").
		WithArgs("lab-x").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "status", "capacity", "active"}))
	mock.ExpectRollback()

	_, err := store.GetLab(context.Background(), "lab-x")
	assert.ErrorIs(t, err, models.ErrUnknownLab)
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGListLabsReadsOneSnapshot(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM labs l").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "status", "capacity", "active"}).
			AddRow("lab-a", "Lab A-101", "available", 0, 1).
			AddRow("lab-b", "Lab B-202", "maintenance", 0, 0))
	mock.ExpectQuery("SELECT lab_id, item, available, reserved FROM lab_stock").
		WillReturnRows(sqlmock.NewRows([]string{"lab_id", "item", "available", "reserved"}).
			AddRow("lab-a", "Microscope", 1, 1).
			AddRow("lab-b", "HPLC", 2, 0).
			AddRow("lab-gone", "HPLC", 1, 0))
	mock.ExpectCommit()

	labs, err := store.ListLabs(context.Background())
	require.NoError(t, err)
	require.Len(t, labs, 2)
	assert.Equal(t, models.StockLevel{Available: 1, Reserved: 1}, labs[0].Stock["Microscope"])
	assert.Equal(t, models.LabStatusMaintenance, labs[1].Status)
	assert.Equal(t, models.StockLevel{Available: 2}, labs[1].Stock["HPLC"])
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGListLabsRollsBackOnStockError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM labs l").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "status", "capacity", "active"}).
			AddRow("lab-a", "Lab A-101", "available", 0, 0))
	mock.ExpectQuery("SELECT lab_id, item, available, reserved FROM lab_stock").
		WillReturnError(errors.New("serialization failure"))
	mock.ExpectRollback()

	_, err := store.ListLabs(context.Background())
	require.Error(t, err)
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
