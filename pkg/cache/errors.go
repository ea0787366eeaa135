package cache

import "fmt"

// CacheError reports that the cache could not obtain a connection: the pool
// has no servers, or none of them is reachable.
type CacheError struct {
	Err error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("cache unavailable: %v", e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }
