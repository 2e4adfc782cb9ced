package saga

import (
	"context"
	"errors"
	"time"
)

// ErrSagaNotFound is returned when no saga exists for the given id.
var ErrSagaNotFound = errors.New("saga not found")

// ErrSagaExists is returned when creating a saga whose id is already taken.
var ErrSagaExists = errors.New("saga already exists")

// ErrSagaTerminal is returned for operations against a committed or
// rolled-back saga.
var ErrSagaTerminal = errors.New("saga already terminal")

// Repository defines persistence operations for saga state.
type Repository interface {
	// Create persists a new saga. It returns ErrSagaExists if the id is
	// already taken; uniqueness is enforced by the store.
	Create(ctx context.Context, s *Saga) error

	// Get loads a saga by id, returning ErrSagaNotFound if absent.
	Get(ctx context.Context, sagaID string) (*Saga, error)

	// Update persists the saga's current state, returning ErrSagaNotFound
	// if the saga was never created or already cleaned up.
	Update(ctx context.Context, s *Saga) error

	// DeleteTerminalBefore removes committed or rolled-back sagas whose
	// terminal timestamp is before the cutoff. In-progress sagas are never
	// deleted regardless of age. Returns the number of sagas removed.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
