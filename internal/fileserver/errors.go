package fileserver

import "errors"

var (
	// Root resolution errors
	ErrRootNotDirectory = errors.New("fileserver: served root is not a directory")
	ErrPathEscapesRoot  = errors.New("fileserver: path escapes served root")

	// Handle table errors
	ErrHandleTableFull  = errors.New("fileserver: connection handle table is full")
	ErrUnknownHandle    = errors.New("fileserver: unknown or already-closed handle")

	// Connection errors
	ErrConnectionLimitReached = errors.New("fileserver: global connection limit reached")
	ErrVersionMismatch        = errors.New("fileserver: client protocol version incompatible")
)
