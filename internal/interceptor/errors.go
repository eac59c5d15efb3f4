package interceptor

import "errors"

var (
	// VFD table errors
	ErrTableFull   = errors.New("interceptor: virtual file descriptor table is full")
	ErrBadVFD      = errors.New("interceptor: unknown or already-closed virtual file descriptor")
	ErrSeekBeforeStart = errors.New("interceptor: seek would move offset before start of file")

	// Transport errors
	ErrNoServerConfigured = errors.New("interceptor: REMOTELINK_FILE_SERVER not set")
	ErrRequestTimeout     = errors.New("interceptor: remote request timed out")
	ErrConnLost           = errors.New("interceptor: connection to file server lost")
	ErrVersionMismatch    = errors.New("interceptor: file server protocol version incompatible")

	// Shared-object cache errors
	ErrCacheWriteFailed = errors.New("interceptor: shared-object cache write failed")
)
