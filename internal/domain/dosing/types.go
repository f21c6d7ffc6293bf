// Package dosing resolves scheduled medication doses against recorded
// administrations and applies the upsert policy for new recordings.
package dosing

import (
	"fmt"
	"strings"
)

// Slot is a fixed time of day a medication may be scheduled for.
type Slot string

const (
	SlotMorning   Slot = "Morning"
	SlotAfternoon Slot = "Afternoon"
	SlotEvening   Slot = "Evening"
)

// Slots lists every slot in display order.
var Slots = []Slot{SlotMorning, SlotAfternoon, SlotEvening}

// Valid reports whether s is one of the fixed slots.
func (s Slot) Valid() bool {
	switch s {
	case SlotMorning, SlotAfternoon, SlotEvening:
		return true
	}
	return false
}

// Order returns the position of s within a day, or -1 for an unknown slot.
func (s Slot) Order() int {
	switch s {
	case SlotMorning:
		return 0
	case SlotAfternoon:
		return 1
	case SlotEvening:
		return 2
	}
	return -1
}

// ParseSlot accepts a slot name in any letter case.
func ParseSlot(v string) (Slot, error) {
	for _, s := range Slots {
		if strings.EqualFold(strings.TrimSpace(v), string(s)) {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: unknown slot %q", ErrInvalidInput, v)
}

// Status is the administration state of a single dose.
type Status string

const (
	StatusPending Status = "Pending"
	StatusGiven   Status = "Given"
	StatusSkipped Status = "Skipped"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusGiven, StatusSkipped:
		return true
	}
	return false
}

// ParseStatus accepts a status name in any letter case.
func ParseStatus(v string) (Status, error) {
	for _, s := range []Status{StatusPending, StatusGiven, StatusSkipped} {
		if strings.EqualFold(strings.TrimSpace(v), string(s)) {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, v)
}

// UpsertResult tells whether a recording created or replaced an event.
type UpsertResult string

const (
	Inserted UpsertResult = "inserted"
	Updated  UpsertResult = "updated"
)
