package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/kkkkikiki/giftcard/internal/model"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNoInventory is returned when no available reward matches the program's filter.
	// It is a handled outcome, never a failure of ProcessReward.
	ErrNoInventory = errors.New("no gift cards available")

	// ErrUnknownProgram is returned when a program title is not in the catalog.
	ErrUnknownProgram = errors.New("unknown reward program")

	// ErrParticipantNotFound is returned when the participant record does not exist.
	ErrParticipantNotFound = errors.New("participant not found")

	// ErrTokenExhausted is returned when no unused claim token could be generated.
	ErrTokenExhausted = errors.New("could not generate an unused claim token")
)

// ConfigurationError lists every problem found in a catalog or program.
type ConfigurationError = model.ConfigurationError

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ResourceContentionError reports that the pool lock could not be acquired in time.
type ResourceContentionError struct {
	Resource string
	Waited   time.Duration
	Err      error
}

func (e *ResourceContentionError) Error() string {
	return fmt.Sprintf("could not acquire lock %s after %s: %v", e.Resource, e.Waited.Round(time.Millisecond), e.Err)
}

func (e *ResourceContentionError) Unwrap() error {
	return e.Err
}

// TransportError reports a failed email. Any reservation made before it is kept.
type TransportError struct {
	Kind string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("failed to send %s email: %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// PersistenceError reports a failed write to the reward library or participant store.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
