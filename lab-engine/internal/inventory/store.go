package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/labsphere/platform/lab-engine/internal/models"
)

// Store holds each lab's equipment stock. Reserve is the single serialization
// point for a lab: it either moves every requested unit from available to
// reserved or moves nothing.
type Store interface {
	PutLab(ctx context.Context, lab models.Lab) (models.LabInventory, error)
	GetLab(ctx context.Context, labID string) (models.LabInventory, error)
	ListLabs(ctx context.Context) ([]models.LabInventory, error)
	Reserve(ctx context.Context, labID, holdID string, items []models.EquipmentItem) error
	Release(ctx context.Context, labID, holdID string) error
	Ping(ctx context.Context) error
}

// Catalog persists lab definitions (not holds) across restarts.
type Catalog interface {
	SaveLab(ctx context.Context, lab models.Lab) error
	LoadLabs(ctx context.Context) ([]models.Lab, error)
}

func unknownLab(labID string) error {
	return fmt.Errorf("%w: %s", models.ErrUnknownLab, labID)
}

// ErrHoldNotFound marks a release of a hold the store does not hold. It is
// always reported together with models.ErrUnknownReservationState.
var ErrHoldNotFound = errors.New("hold not found")

func unknownHold(labID, holdID string) error {
	return fmt.Errorf("%w: %w: hold %s in lab %s", models.ErrUnknownReservationState, ErrHoldNotFound, holdID, labID)
}

// shortfalls compares requested items against available units. The result is
// sorted by item name and empty when every item can be covered.
func shortfalls(stock map[string]models.StockLevel, items []models.EquipmentItem) []models.EquipmentItem {
	var out []models.EquipmentItem
	for _, item := range items {
		if avail := stock[item.Name].Available; avail < item.Quantity {
			out = append(out, models.EquipmentItem{Name: item.Name, Quantity: item.Quantity - avail})
		}
	}
	models.SortItems(out)
	return out
}

// restock computes the stock map that results from declaring new totals while
// keeping reserved units in place.
func restock(labID string, current map[string]models.StockLevel, equipment []models.EquipmentItem) (map[string]models.StockLevel, error) {
	next := make(map[string]models.StockLevel, len(equipment))
	for _, item := range equipment {
		reserved := current[item.Name].Reserved
		if item.Quantity < reserved {
			return nil, &models.ValidationError{
				Field:  "equipment",
				Reason: fmt.Sprintf("lab %s: %s total %d below reserved %d", labID, item.Name, item.Quantity, reserved),
			}
		}
		next[item.Name] = models.StockLevel{Available: item.Quantity - reserved, Reserved: reserved}
	}
	for name, level := range current {
		if _, kept := next[name]; !kept && level.Reserved > 0 {
			return nil, &models.ValidationError{
				Field:  "equipment",
				Reason: fmt.Sprintf("lab %s: cannot remove %s while %d units are reserved", labID, name, level.Reserved),
			}
		}
	}
	return next, nil
}

func sortInventories(labs []models.LabInventory) {
	sort.Slice(labs, func(i, j int) bool { return labs[i].LabID < labs[j].LabID })
}

func normalizeStatus(status models.LabStatus) models.LabStatus {
	if status == "" {
		return models.LabStatusAvailable
	}
	return status
}

var (
	_ Store   = (*MemoryStore)(nil)
	_ Store   = (*PGStore)(nil)
	_ Catalog = (*SQLiteCatalog)(nil)
)
