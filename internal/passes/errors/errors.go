package errors

import "errors"

var (
	ErrNotFound = errors.New("reservation not found")

	ErrInvalidID = errors.New("invalid reservation ID format")

	ErrPassStateMissing = errors.New("pass state has not been initialized")

	ErrProfileNotFound = errors.New("user profile not found")
)
