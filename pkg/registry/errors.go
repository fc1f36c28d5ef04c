package registry

import "errors"

var (
	// ErrNotFound is returned when no row matched the lookup.
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when an insert hits a uniqueness
	// constraint (duplicate server_id, or a second running meeting for the
	// same meeting_id).
	ErrAlreadyExists = errors.New("entity already exists")
)
