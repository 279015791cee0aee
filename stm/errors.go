package stm

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict reports a write rejected by a version mismatch.
	ErrConflict = errors.New("stm: version conflict")
	// ErrCoordinatorUnreachable reports a request that got no reply before its timeout,
	// or a connection that closed while the request was pending.
	ErrCoordinatorUnreachable = errors.New("stm: coordinator unreachable")
	// ErrRetriesExhausted reports an Update that hit its RetryPolicy limit.
	ErrRetriesExhausted = errors.New("stm: update retries exhausted")
	// ErrUnknownResolver reports a write naming a resolver that is not registered.
	ErrUnknownResolver = errors.New("stm: unknown conflict resolver")
	// ErrUnknownCleaner reports a clean naming a cleaner that is not registered.
	ErrUnknownCleaner = errors.New("stm: unknown cleaner")
	// ErrClosed reports use of a closed client or connection.
	ErrClosed = errors.New("stm: closed")
)

// ConflictError carries the stored item that caused a write to be rejected.
type ConflictError struct {
	Region  string
	Key     string
	Current Item
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("stm: version conflict on %s/%s (stored version %d)", e.Region, e.Key, e.Current.Version)
}

// Is reports ErrConflict equivalence so callers can use errors.Is.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// remoteError rebuilds an error sent across the transport.
func remoteError(msg *Message) error {
	switch msg.Error {
	case "":
		return nil
	case errCodeUnknownResolver:
		return fmt.Errorf("%w: %s", ErrUnknownResolver, msg.Resolver)
	case errCodeUnknownCleaner:
		return ErrUnknownCleaner
	default:
		return errors.New(msg.Error)
	}
}

const (
	errCodeUnknownResolver = "unknown_resolver"
	errCodeUnknownCleaner  = "unknown_cleaner"
)
