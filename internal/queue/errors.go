package queue

import (
	"errors"
	"fmt"
)

// ErrUnknownLease is returned by Renew and Ack when the token is not live:
// it expired, never existed, or the message was already acknowledged.
var ErrUnknownLease = errors.New("unknown or expired lease")

// StorageError wraps a failed adapter round trip. Storage failures propagate
// to the caller unmodified and are never retried internally.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("queue storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}
