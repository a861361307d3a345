package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownLab              = errors.New("unknown lab")
	ErrUnknownReservation      = errors.New("unknown reservation")
	ErrUnknownProject          = errors.New("unknown project")
	ErrUnknownReservationState = errors.New("unknown reservation state")
	ErrReservationPending      = errors.New("reservation is still pending")
	ErrInvalidTransition       = errors.New("invalid project transition")
	ErrProjectHasReservation   = errors.New("project already holds a reservation")
	ErrLabAtCapacity           = errors.New("lab at capacity")
	ErrLabUnavailable          = errors.New("lab unavailable")
	ErrNoMatchingLab           = errors.New("no lab can cover the requirement")
)

// ValidationError rejects a malformed requirement before any store access.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// InsufficientStockError carries the exact per-item shortfalls of a failed reserve.
type InsufficientStockError struct {
	LabID      string
	Shortfalls []EquipmentItem
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Shortfalls))
	for _, s := range e.Shortfalls {
		parts = append(parts, fmt.Sprintf("%s:%d", s.Name, s.Quantity))
	}
	return fmt.Sprintf("insufficient stock in lab %s: short %s", e.LabID, strings.Join(parts, ", "))
}

// ConflictError is what the reservation manager returns when a commit cannot
// proceed now. It unwraps to the inventory error that caused it.
type ConflictError struct {
	LabID      string
	Shortfalls []EquipmentItem
	Err        error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("reservation conflict on lab %s: %v", e.LabID, e.Err)
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

// ValidateItems enforces quantity >= 1 and unique, non-empty names.
func ValidateItems(items []EquipmentItem) error {
	seen := make(map[string]struct{}, len(items))
	for i, item := range items {
		name := strings.TrimSpace(item.Name)
		if name == "" {
			return &ValidationError{Field: fmt.Sprintf("items[%d].name", i), Reason: "name required"}
		}
		if item.Quantity < 1 {
			return &ValidationError{Field: fmt.Sprintf("items[%d].quantity", i), Reason: fmt.Sprintf("quantity for %q must be at least 1", item.Name)}
		}
		if _, dup := seen[item.Name]; dup {
			return &ValidationError{Field: fmt.Sprintf("items[%d].name", i), Reason: fmt.Sprintf("duplicate item %q", item.Name)}
		}
		seen[item.Name] = struct{}{}
	}
	return nil
}

// ValidateLab checks a catalogue entry before it reaches a store.
func ValidateLab(lab Lab) error {
	if strings.TrimSpace(lab.ID) == "" {
		return &ValidationError{Field: "labId", Reason: "labId required"}
	}
	switch lab.Status {
	case "", LabStatusAvailable, LabStatusMaintenance:
	default:
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("unsupported status %q", lab.Status)}
	}
	if lab.Capacity < 0 {
		return &ValidationError{Field: "capacity", Reason: "capacity must not be negative"}
	}
	return ValidateItems(lab.Equipment)
}
