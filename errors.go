package shapesync

import (
	"errors"
	"fmt"
)

var (
	// ErrKeyExists is returned when an optimistic insert targets a key that
	// is already present in the collection.
	ErrKeyExists = errors.New("shapesync: key already exists")
	// ErrKeyUnknown is returned when an update/delete targets a key the
	// collection has never seen.
	ErrKeyUnknown = errors.New("shapesync: unknown key")
	// ErrInvalidState signals a pending-mutation protocol violation, e.g. a
	// double AttachTxid or a Fail after Confirm. It indicates a correlation
	// bug in the caller, not a recoverable condition.
	ErrInvalidState = errors.New("shapesync: invalid mutation state transition")
	// ErrNotFound is returned by the gateway when the server reports that no
	// row matched an update/delete.
	ErrNotFound = errors.New("shapesync: row not found")
	// ErrNetwork wraps transport failures where no txid was obtained.
	ErrNetwork = errors.New("shapesync: network failure")
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("shapesync: session closed")
)

// ValidationError carries the server's field-level rejection of a write
// payload. It is surfaced to the caller as-is; the optimistic overlay is
// rolled back and the write is not retried.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("shapesync: payload rejected by server schema (%d field errors)", len(e.Fields))
}
