package client

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is wrapped by a ConnectionError for operations that
	// require an established connection.
	ErrNotConnected = errors.New("not connected")
	// ErrBadReply is wrapped by an OpError when the server answered with a
	// well-formed reply of the wrong shape or value.
	ErrBadReply = errors.New("unexpected reply")
)

// ConnectionError reports a socket that could not be opened, or an
// operation attempted on a client known not to be connected.
type ConnectionError struct {
	Err  error
	Tag  string
	Addr string
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s (%s) failed: %v", e.Tag, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// OpError reports a failed exchange: a server error reply, an unexpected
// reply, or no reply before the timeout.
type OpError struct {
	Err error
	Tag string
	Op  string
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s on %s: %v", e.Op, e.Tag, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }
