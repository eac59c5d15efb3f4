// Package protocol implements the remotelink file-access wire protocol: a
// length-prefixed binary framing over a stream transport, one operation code
// per message, and a status byte standing in for POSIX errno on the wire.
//
// The header shape (type byte + length) and the "0 means no handle, wrap
// past it" allocation rule are carried over from the original Rust
// implementation's message framing and file server (messages.rs,
// file_server.rs); the operation set and semantics come from the file-access
// protocol design.
package protocol

// Op identifies a file-access operation. One byte on the wire.
type Op byte

const (
	OpOpen Op = iota + 1
	OpRead
	OpClose
	OpStat
	OpAccess
	OpReadDir
	OpFetch
)

func (o Op) String() string {
	switch o {
	case OpOpen:
		return "OPEN"
	case OpRead:
		return "READ"
	case OpClose:
		return "CLOSE"
	case OpStat:
		return "STAT"
	case OpAccess:
		return "ACCESS"
	case OpReadDir:
		return "READDIR"
	case OpFetch:
		return "FETCH"
	default:
		return "UNKNOWN"
	}
}

func (o Op) Valid() bool {
	return o >= OpOpen && o <= OpFetch
}

// Status travels in every response header in place of a full errno; the
// Interceptor maps it back to the nearest POSIX errno (see errno.go).
type Status byte

const (
	StatusOK Status = iota
	StatusNotFound
	StatusPermission
	StatusIO
	StatusTooManyOpen
	StatusInvalid
	StatusReadOnly
	StatusIsDirectory
)

// DefaultPort is the file server's default listen port, distinct from the
// (out-of-scope) executable-transport port the surrounding runner uses.
const DefaultPort = 8889

// MaxReadSize is the largest byte range a single READ will return; longer
// requests are silently truncated by the server, never rejected.
const MaxReadSize = 4 * 1024 * 1024

// ProtocolMajorVersion/ProtocolMinorVersion are exchanged once per
// connection, before the first operation, so an incompatible future wire
// change fails with a clear error instead of framing garbage.
const (
	ProtocolMajorVersion byte = 0
	ProtocolMinorVersion byte = 1
)

// NoHandle is never a valid server-side or client-side handle value.
const NoHandle uint64 = 0

// FileType discriminates READDIR entries and STAT results without pulling
// in a full os.FileMode.
type FileType byte

const (
	FileTypeUnknown FileType = iota
	FileTypeRegular
	FileTypeDirectory
	FileTypeSymlink
	FileTypeOther
)
