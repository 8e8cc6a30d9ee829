package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrNotReady is returned by sends on a link that is not Ready.
	ErrNotReady = errors.New("transport: link not ready")
	// ErrGivenUp is returned by sends on a link that exhausted its retries.
	ErrGivenUp = errors.New("transport: link gave up reconnecting")
	// ErrIllegalTransition wraps triggers the state table does not accept.
	ErrIllegalTransition = errors.New("transport: illegal transition")
)

// Error is an OS-level connect or write failure on one link.
type Error struct {
	Link Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport: %s %s: %v", e.Link, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
