package cache

import "errors"

var (
	// ErrConnectionFailed indicates the cache backend is unreachable.
	ErrConnectionFailed = errors.New("cache connection failed")

	// ErrOperationTimeout indicates a cache call exceeded its deadline.
	ErrOperationTimeout = errors.New("cache operation timeout")
)
