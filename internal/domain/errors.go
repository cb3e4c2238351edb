package domain

import "errors"

var (
	ErrNotFound = errors.New("not found")

	// ErrConflict is a lost compare-and-swap or a duplicate with different content.
	ErrConflict = errors.New("conflict")

	ErrInvalidTransition = errors.New("invalid status transition")

	ErrInvalidArgument = errors.New("invalid argument")

	// ErrBusy is returned by a builder whose isolation slot is occupied.
	ErrBusy = errors.New("builder busy")

	// ErrIntegrity wraps every checksum mismatch.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrCancelled is returned by stage execution that observed a cancellation.
	ErrCancelled = errors.New("build cancelled")
)
