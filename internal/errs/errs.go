// Package errs defines the sentinel errors shared by the journal store and
// its subsystems.
package errs

import "errors"

var (
	ErrInvalidKey     = errors.New("key must be 16 bytes")
	ErrNilValue       = errors.New("value must not be nil")
	ErrKeyNotFound    = errors.New("key not found")
	ErrStoreClosed    = errors.New("store is closed")
	ErrStoreDead      = errors.New("store is dead after a fatal write error")
	ErrBucketFull     = errors.New("hash index bucket full: file sized too small")
	ErrMaxFileCount   = errors.New("max segment file count exceeded")
	ErrCorruptSlot    = errors.New("unknown hash index slot state")
	ErrCorruptOp      = errors.New("unknown operation byte in log")
	ErrChecksum       = errors.New("checksum mismatch")
	ErrSegmentNotOpen = errors.New("segment not open")
	ErrInconsistent   = errors.New("startup inconsistency: segment fails invariant checks")
)
