package protocol

import "golang.org/x/sys/unix"

// StatusToErrno maps a wire Status back to the POSIX errno the Interceptor
// hands the target program. The mapping is intentionally coarse: the wire
// format carries a small closed set of statuses, not a full errno space, so
// several distinct local errno values fold onto the same Status and back
// out to one representative errno on the client side.
func StatusToErrno(s Status) unix.Errno {
	switch s {
	case StatusOK:
		return 0
	case StatusNotFound:
		return unix.ENOENT
	case StatusPermission:
		return unix.EACCES
	case StatusIO:
		return unix.EIO
	case StatusTooManyOpen:
		return unix.EMFILE
	case StatusInvalid:
		return unix.EBADF
	case StatusReadOnly:
		return unix.EROFS
	case StatusIsDirectory:
		return unix.EISDIR
	default:
		return unix.EIO
	}
}

// ErrnoToStatus is the server-side inverse, used when a local syscall against
// the served root fails and the error needs to travel back over the wire.
func ErrnoToStatus(err error) Status {
	errno, ok := err.(unix.Errno)
	if !ok {
		return StatusIO
	}

	switch errno {
	case unix.ENOENT:
		return StatusNotFound
	case unix.EACCES, unix.EPERM:
		return StatusPermission
	case unix.EMFILE, unix.ENFILE:
		return StatusTooManyOpen
	case unix.EBADF:
		return StatusInvalid
	case unix.EROFS:
		return StatusReadOnly
	case unix.EISDIR:
		return StatusIsDirectory
	default:
		return StatusIO
	}
}
