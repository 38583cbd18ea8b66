package domain

import "errors"

var (
	// ErrNotFound is returned by stores when a referenced entity is absent.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a conditional write loses to a concurrent one.
	ErrConflict = errors.New("conflict")
)
