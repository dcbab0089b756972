package memory

import "errors"

var (
	// ErrBackendUnavailable wraps every failure of the underlying storage or
	// embedding service.
	ErrBackendUnavailable = errors.New("memory backend unavailable")
	// ErrInvalidPartition is returned for an empty partition name.
	ErrInvalidPartition = errors.New("memory partition is required")
)
