package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Light operations
	SaveLight(l *Light) error
	GetLight(id string) (*Light, error)
	DeleteLight(id string) error
	ListLights() ([]*Light, error)

	// UpdateLight atomically reads, modifies, and saves a light in a single
	// transaction. Returns ErrNotFound if the light does not exist.
	UpdateLight(id string, fn func(l *Light) error) error

	// Controller state
	SaveControllerState(state *ControllerState) error
	GetControllerState() (*ControllerState, error)

	// Close the store
	Close() error
}
