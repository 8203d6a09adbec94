// Package kverrors defines the error kinds shared across the cache engine.
package kverrors

import "errors"

// Sentinel error kinds. Call sites wrap these with fmt.Errorf("%w: ...", ...)
// to add operation-specific context, the same way the rest of this codebase
// wraps errors.
var (
	// ErrCapacity means the cache, host tier, or disk tier is full and no
	// eviction candidate exists.
	ErrCapacity = errors.New("kvcached: capacity exhausted, no eviction candidate")

	// ErrTransfer means an async load/save to the external transfer engine
	// failed or timed out.
	ErrTransfer = errors.New("kvcached: transfer engine operation failed")

	// ErrCache means the validity index disagrees with block state, or a
	// block is in the wrong state for the requested operation.
	ErrCache = errors.New("kvcached: cache consistency violation")

	// ErrStorage means the persisted append-only stream is corrupt or
	// unreadable.
	ErrStorage = errors.New("kvcached: persisted stream corrupt")

	// ErrCodec means an invalid precision, a dimension mismatch, or an
	// unconfigured learned-quantization mode.
	ErrCodec = errors.New("kvcached: codec configuration error")

	// ErrNotFound marks a lookup miss that a caller may treat as benign
	// idempotent success (segment unmount of an absent id, duplicate
	// remount).
	ErrNotFound = errors.New("kvcached: not found")
)
