package rotation

import (
	"errors"
	"fmt"
)

var (
	// ErrNoActiveKey: the store is empty and an active key was required.
	ErrNoActiveKey = errors.New("rotation: no active key")

	// ErrNoQueuedKey: a forced promotion was requested with nothing queued.
	ErrNoQueuedKey = errors.New("rotation: no queued key")
)

// StoreError wraps a persistence failure surfaced after retries.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("rotation: %s: store: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

// KeyGenerationError wraps a failure of the key material generator. It is
// never retried.
type KeyGenerationError struct {
	Err error
}

func (e *KeyGenerationError) Error() string { return "rotation: key generation: " + e.Err.Error() }
func (e *KeyGenerationError) Unwrap() error { return e.Err }

// isDomainError reports errors that pass through the retry loop unwrapped.
func isDomainError(err error) bool {
	var kg *KeyGenerationError
	return errors.Is(err, ErrNoActiveKey) || errors.Is(err, ErrNoQueuedKey) || errors.As(err, &kg)
}
