package models

import (
	"fmt"
)

// MalformedInputError is returned when a raw record cannot be normalized.
// The whole run for the location is aborted; no partial output is produced.
type MalformedInputError struct {
	Location string
	Record   int // index in the raw batch, -1 when not tied to one record
	Field    string
	Value    string
	Message  string
}

func (e *MalformedInputError) Error() string {
	if e.Record < 0 {
		return fmt.Sprintf("malformed input for %s: %s", e.Location, e.Message)
	}
	return fmt.Sprintf("malformed input for %s: record %d field %q (%q): %s",
		e.Location, e.Record, e.Field, e.Value, e.Message)
}

// IsTransient returns false; re-running on the same input fails the same way
func (e *MalformedInputError) IsTransient() bool {
	return false
}

// EmptyInputError is returned when the raw source yields zero records
type EmptyInputError struct {
	Location string
}

func (e *EmptyInputError) Error() string {
	return fmt.Sprintf("no raw records for %s", e.Location)
}

// IsTransient returns true: an empty page can be an upstream hiccup
func (e *EmptyInputError) IsTransient() bool {
	return true
}

// InsufficientHistoryError is returned by the strict repair policy when a
// broken day has no same-weekday candidate in any earlier year.
type InsufficientHistoryError struct {
	Location  string
	Year      int
	DayOfYear int
}

func (e *InsufficientHistoryError) Error() string {
	return fmt.Sprintf("cannot repair %s day %d/%d: no prior-year history",
		e.Location, e.Year, e.DayOfYear)
}

// IsTransient returns false
func (e *InsufficientHistoryError) IsTransient() bool {
	return false
}

// UnknownLocationError is returned when a location is not in the registry
type UnknownLocationError struct {
	Name string
}

func (e *UnknownLocationError) Error() string {
	return fmt.Sprintf("unknown location: %q", e.Name)
}

// IsTransient returns false
func (e *UnknownLocationError) IsTransient() bool {
	return false
}

// ValidationError represents an invalid value supplied by a caller
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// IsTransient returns false as validation errors are permanent
func (e *ValidationError) IsTransient() bool {
	return false
}
