package codec

import (
	"fmt"
	"time"
)

// ValueError reports an application value whose type cannot be stored.
type ValueError struct {
	Err  error
	Type string
}

func (e *ValueError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cannot store value of type %s: %v", e.Type, e.Err)
	}
	return fmt.Sprintf("cannot store value of type %s", e.Type)
}

func (e *ValueError) Unwrap() error { return e.Err }

// DecodeError reports a wrapped item whose payload could not be deserialized.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("unserialize failed: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ItemExpiredError reports a wrapped item whose TTL has elapsed.
type ItemExpiredError struct {
	StoredAt time.Time
	Key      string
	TTL      time.Duration
}

func (e *ItemExpiredError) Error() string {
	return fmt.Sprintf("item %q expired: stored at %s with ttl %s", e.Key, e.StoredAt.UTC().Format(time.RFC3339), e.TTL)
}
