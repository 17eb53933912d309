package storage

// ============================================================================
// Storage Error Definitions
// Purpose: sentinel errors returned by the router and the atomic helpers
// ============================================================================

import "errors"

var (
	// ErrPathEscape indicates a relative path that would leave the resolved root
	ErrPathEscape = errors.New("storage: path escapes root")

	// ErrUnknownDomain indicates a domain other than "logs" or "data"
	ErrUnknownDomain = errors.New("storage: unknown domain")

	// ErrSyncFailed indicates fsync failed before the data became durable
	ErrSyncFailed = errors.New("storage: sync to disk failed")
)
