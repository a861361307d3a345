package models

import (
	"sort"
	"time"
)

type EquipmentItem struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
}

// LabStatus values declared by operators. LabStatusOccupied is derived, never declared.
type LabStatus string

const (
	LabStatusAvailable   LabStatus = "available"
	LabStatusOccupied    LabStatus = "occupied"
	LabStatusMaintenance LabStatus = "maintenance"
)

// Lab is a catalogue entry. Equipment lists the total units owned per item.
type Lab struct {
	ID        string          `json:"labId"`
	Name      string          `json:"name"`
	Status    LabStatus       `json:"status"`
	Capacity  int             `json:"capacity"`
	Equipment []EquipmentItem `json:"equipment"`
}

type StockLevel struct {
	Available int `json:"available"`
	Reserved  int `json:"reserved"`
}

// Total is invariant across reserve and release.
func (s StockLevel) Total() int {
	return s.Available + s.Reserved
}

// LabInventory is a point-in-time snapshot of one lab.
type LabInventory struct {
	LabID       string                `json:"labId"`
	Name        string                `json:"name"`
	Status      LabStatus             `json:"status"`
	Capacity    int                   `json:"capacity"`
	ActiveHolds int                   `json:"activeHolds"`
	Stock       map[string]StockLevel `json:"stock"`
}

// Equipment lists the lab's items with their total units, sorted by name.
func (inv LabInventory) Equipment() []EquipmentItem {
	out := make([]EquipmentItem, 0, len(inv.Stock))
	for name, level := range inv.Stock {
		out = append(out, EquipmentItem{Name: name, Quantity: level.Total()})
	}
	SortItems(out)
	return out
}

// EffectiveStatus folds capacity into the declared status.
func EffectiveStatus(declared LabStatus, capacity, activeHolds int) LabStatus {
	if declared == LabStatusMaintenance {
		return LabStatusMaintenance
	}
	if capacity > 0 && activeHolds >= capacity {
		return LabStatusOccupied
	}
	return LabStatusAvailable
}

type Requirement struct {
	ProjectID string          `json:"projectId"`
	Items     []EquipmentItem `json:"items"`
}

type MatchResult struct {
	LabID   string          `json:"labId"`
	Status  LabStatus       `json:"status,omitempty"`
	Score   float64         `json:"score"`
	Missing []EquipmentItem `json:"missing"`
}

// FullMatch reports whether the lab can cover the whole requirement.
func (m MatchResult) FullMatch() bool {
	return len(m.Missing) == 0
}

type ReservationState string

const (
	ReservationPending   ReservationState = "PENDING"
	ReservationCommitted ReservationState = "COMMITTED"
	ReservationReleased  ReservationState = "RELEASED"
)

type Reservation struct {
	ID        string           `json:"reservationId"`
	LabID     string           `json:"labId"`
	ProjectID string           `json:"projectId"`
	Items     []EquipmentItem  `json:"items"`
	State     ReservationState `json:"state"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

type ProjectStatus string

const (
	ProjectActive    ProjectStatus = "ACTIVE"
	ProjectCompleted ProjectStatus = "COMPLETED"
	ProjectCanceled  ProjectStatus = "CANCELED"
)

// Terminal reports whether no transition may leave the status.
func (s ProjectStatus) Terminal() bool {
	return s == ProjectCompleted || s == ProjectCanceled
}

type Project struct {
	ID            string        `json:"projectId"`
	Name          string        `json:"name"`
	Description   string        `json:"description,omitempty"`
	LabID         string        `json:"labId"`
	Status        ProjectStatus `json:"status"`
	ReservationID *string       `json:"reservationId,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

func SortItems(items []EquipmentItem) {
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
}

// CloneItems returns a sorted copy so callers never share backing arrays.
func CloneItems(items []EquipmentItem) []EquipmentItem {
	out := make([]EquipmentItem, len(items))
	copy(out, items)
	SortItems(out)
	return out
}
