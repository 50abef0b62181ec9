package models

import "errors"

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrNotFound           = errors.New("ride not found")
	ErrInvalidState       = errors.New("invalid ride state")
	ErrAlreadyExists      = errors.New("ride already exists")
	ErrDependencyTimeout  = errors.New("dependency timeout")
	ErrInvariantViolation = errors.New("internal invariant violation")
	ErrStaleSample        = errors.New("stale sample")
)
