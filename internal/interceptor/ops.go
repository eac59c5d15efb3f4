package interceptor

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"

	"github.com/emoon/remotelink/internal/protocol"
	"github.com/emoon/remotelink/internal/rllog"
)

// This file holds the Go-level decision logic behind every intercepted
// libc entry point. The cgo boundary (cmd/remotelink-preload) does the
// actual "look up the real symbol and maybe call it" work and hands this
// layer either a completed local attempt or nothing to attempt at all
// (the RemotePrefix case); everything after that — the fallback decision,
// VFD bookkeeping, and protocol round trip — lives here where it can be
// exercised without cgo.

// IsENOENT reports whether err is exactly "no such file or directory",
// the only local failure that triggers a remote retry (spec.md §4.1).
func IsENOENT(err error) bool {
	if err == nil {
		return false
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno == unix.ENOENT
	}
	return os.IsNotExist(err)
}

func toErrno(err error) unix.Errno {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return unix.EIO
}

// remoteErrno maps a transport-level failure from client.roundTrip to an
// errno: a request that timed out is ETIMEDOUT, anything else (write
// failure, connection reset, EOF) is a plain EIO.
func remoteErrno(err error) unix.Errno {
	if errors.Is(err, ErrRequestTimeout) {
		return unix.ETIMEDOUT
	}
	return unix.EIO
}

// logNoServer records that an operation fell through to the remote path
// with no file server configured (REMOTELINK_FILE_SERVER unset), the one
// case ErrNoServerConfigured names.
func (s *State) logNoServer(op string, path string) {
	s.Logger().Debug(rllog.LogEvent{
		Message:  "remote fallback attempted with no server configured",
		Metadata: map[string]any{"op": op, "path": path, "reason": ErrNoServerConfigured.Error()},
	})
}

// StatResult carries a stat/fstat result across the FFI boundary without
// requiring the cgo layer to poke at a Go struct's field offsets.
type StatResult struct {
	Size     int64
	ModTime  int64
	Mode     uint32
	FileType protocol.FileType
}

// OpenForRead resolves an open-for-read call. tryLocal performs the actual
// libc open and reports its outcome; it is never called when path carries
// RemotePrefix. On success, fd is either a real fd (isVFD=false, whatever
// tryLocal returned) or a freshly allocated VFD (isVFD=true).
func (s *State) OpenForRead(path string, tryLocal func() (fd int, err error)) (fd int, isVFD bool, errno unix.Errno) {
	if !HasRemotePrefix(path) {
		localFD, err := tryLocal()
		switch LocalFirst(err, IsENOENT) {
		case ResultLocal:
			return localFD, false, 0
		case ResultError:
			return -1, false, toErrno(err)
		}
	}

	if !s.Enabled() {
		s.logNoServer("open", path)
		return -1, false, unix.ENOENT
	}

	remotePath := path
	if HasRemotePrefix(path) {
		remotePath = StripRemotePrefix(path)
	}

	handle, size, _, status, err := s.Conn().Open(remotePath)
	if err != nil {
		return -1, false, remoteErrno(err)
	}
	if status != protocol.StatusOK {
		return -1, false, protocol.StatusToErrno(status)
	}

	vfd, allocErr := s.vfds.Alloc(remotePath, size)
	if allocErr != nil {
		s.Conn().CloseHandle(handle)
		return -1, false, unix.EMFILE
	}
	s.remember(vfd, handle)

	return vfd, true, 0
}

// remoteHandles maps a VFD to the server-side handle backing it, since the
// VFD table itself is transport-agnostic (it's also used for size/offset
// bookkeeping the caller needs even without a connection).
//
// Kept as a small separate map, guarded by State's own mutex through
// remember/handleFor/forgetHandle below, rather than folding into vfdEntry:
// only remote-backed VFDs ever need a server handle, and every VFD is
// remote-backed by construction in this implementation (there is no local
// VFD), so this is a 1:1 shadow table kept for clarity at the call sites.
func (s *State) remember(vfd int, handle uint64) {
	s.mu.Lock()
	if s.remoteHandlesMap == nil {
		s.remoteHandlesMap = make(map[int]uint64)
	}
	s.remoteHandlesMap[vfd] = handle
	s.mu.Unlock()
}

func (s *State) handleFor(vfd int) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.remoteHandlesMap[vfd]
	return h, ok
}

func (s *State) forgetHandle(vfd int) {
	s.mu.Lock()
	delete(s.remoteHandlesMap, vfd)
	s.mu.Unlock()
}

// Read services a read on a VFD. Real fds never reach this function; the
// cgo layer calls the real read() directly for those.
func (s *State) Read(vfd int, buf []byte) (n int, errno unix.Errno) {
	snap, err := s.vfds.Snapshot(vfd)
	if err != nil {
		return 0, unix.EBADF
	}
	if snap.torndown() {
		return 0, unix.EIO
	}

	handle, ok := s.handleFor(vfd)
	if !ok {
		return 0, unix.EBADF
	}

	data, status, err := s.Conn().Read(handle, snap.offset, uint32(len(buf)))
	if err != nil {
		s.vfds.Invalidate(vfd)
		return 0, remoteErrno(err)
	}
	if status != protocol.StatusOK {
		return 0, protocol.StatusToErrno(status)
	}

	copy(buf, data)
	s.vfds.AdvanceOffset(vfd, int64(len(data)))
	return len(data), 0
}

// Lseek updates a VFD's cached offset. SEEK_SET, SEEK_CUR and SEEK_END are
// accepted; any of them whose target would land before the start of the
// file is rejected with EINVAL, as POSIX does. Seeks landing past EOF
// are accepted rather than rejected: spec.md's own wording says to reject
// them "per POSIX", but original_source/remotelink_preload/src/lib.rs
// permits them (a later read there just comes back empty), and that
// original behavior wins per the original-as-ground-truth rule.
func (s *State) Lseek(vfd int, offset int64, whence int) (newOffset int64, errno unix.Errno) {
	snap, err := s.vfds.Snapshot(vfd)
	if err != nil {
		return -1, unix.EBADF
	}

	var target int64
	switch whence {
	case unix.SEEK_SET:
		target = offset
	case unix.SEEK_CUR:
		target = snap.offset + offset
	case unix.SEEK_END:
		target = snap.size + offset
	default:
		return -1, unix.EINVAL
	}

	if target < 0 {
		s.Logger().Debug(rllog.LogEvent{
			Message:  "seek rejected",
			Metadata: map[string]any{"vfd": vfd, "reason": ErrSeekBeforeStart.Error()},
		})
		return -1, unix.EINVAL
	}

	if err := s.vfds.SetOffset(vfd, target); err != nil {
		return -1, unix.EBADF
	}
	return target, 0
}

// Close releases a VFD, issuing the matching remote close. Per spec.md §4.1
// the table entry is freed unconditionally on close, even if the remote
// close itself fails — the caller has released the descriptor either way.
func (s *State) Close(vfd int) unix.Errno {
	handle, hadHandle := s.handleFor(vfd)

	if err := s.vfds.Free(vfd); err != nil {
		return unix.EBADF
	}
	s.forgetHandle(vfd)

	if hadHandle {
		s.Conn().CloseHandle(handle)
	}
	return 0
}

// Fstat answers fstat from the VFD's snapshot per spec.md §4.1, never
// re-contacting the server: the size recorded at open time is what a
// caller sees for the lifetime of the descriptor.
func (s *State) Fstat(vfd int) (StatResult, unix.Errno) {
	snap, err := s.vfds.Snapshot(vfd)
	if err != nil {
		return StatResult{}, unix.EBADF
	}
	return StatResult{Size: snap.size, FileType: protocol.FileTypeRegular}, 0
}

// Stat resolves a path-based stat call with local-first fallback.
func (s *State) Stat(path string, tryLocal func() (StatResult, error)) (StatResult, unix.Errno) {
	if !HasRemotePrefix(path) {
		result, err := tryLocal()
		switch LocalFirst(err, IsENOENT) {
		case ResultLocal:
			return result, 0
		case ResultError:
			return StatResult{}, toErrno(err)
		}
	}

	if !s.Enabled() {
		s.logNoServer("stat", path)
		return StatResult{}, unix.ENOENT
	}

	remotePath := path
	if HasRemotePrefix(path) {
		remotePath = StripRemotePrefix(path)
	}

	size, mtime, mode, ft, status, err := s.Conn().Stat(remotePath)
	if err != nil {
		return StatResult{}, remoteErrno(err)
	}
	if status != protocol.StatusOK {
		return StatResult{}, protocol.StatusToErrno(status)
	}
	return StatResult{Size: size, ModTime: mtime, Mode: mode, FileType: ft}, 0
}

// Access resolves access/faccessat with local-first fallback. The remote
// only reports existence and read permission, matching spec.md §4.1.
func (s *State) Access(path string, mode int, tryLocal func() error) unix.Errno {
	if !HasRemotePrefix(path) {
		err := tryLocal()
		switch LocalFirst(err, IsENOENT) {
		case ResultLocal:
			return 0
		case ResultError:
			return toErrno(err)
		}
	}

	if !s.Enabled() {
		s.logNoServer("access", path)
		return unix.ENOENT
	}

	remotePath := path
	if HasRemotePrefix(path) {
		remotePath = StripRemotePrefix(path)
	}

	const readBit = 0x4
	var wireMode byte
	if mode&unix.R_OK != 0 || mode == unix.F_OK {
		wireMode = readBit
	}

	status, err := s.Conn().Access(remotePath, wireMode)
	if err != nil {
		return remoteErrno(err)
	}
	return protocol.StatusToErrno(status)
}

// dirVFDBase separates virtual directory handles from virtual file
// descriptors so IsVFD/IsDirVFD never collide even though both live above
// the kernel's real fd range.
const dirVFDBase = vfdBase + MaxOpenFiles

// dirCursor holds the eagerly-fetched entry list for a remote-backed
// opendir, since the server returns the whole listing in one READDIR
// response (spec.md §4.3) rather than paging through it.
type dirCursor struct {
	entries []DirEntry
	pos     int
}

// OpenDir resolves opendir with local-first fallback. On a remote hit, the
// full entry list is fetched immediately and handed back as an opaque
// handle for subsequent ReadDirEntry/CloseDir calls.
func (s *State) OpenDir(path string, tryLocal func() (fd int, err error)) (fd int, isVFD bool, errno unix.Errno) {
	if !HasRemotePrefix(path) {
		localFD, err := tryLocal()
		switch LocalFirst(err, IsENOENT) {
		case ResultLocal:
			return localFD, false, 0
		case ResultError:
			return -1, false, toErrno(err)
		}
	}

	if !s.Enabled() {
		s.logNoServer("readdir", path)
		return -1, false, unix.ENOENT
	}

	remotePath := path
	if HasRemotePrefix(path) {
		remotePath = StripRemotePrefix(path)
	}

	entries, status, err := s.Conn().ReadDir(remotePath)
	if err != nil {
		return -1, false, remoteErrno(err)
	}
	if status != protocol.StatusOK {
		return -1, false, protocol.StatusToErrno(status)
	}

	s.mu.Lock()
	if s.dirCursors == nil {
		s.dirCursors = make(map[int]*dirCursor)
	}
	handle := dirVFDBase + len(s.dirCursors)
	for {
		if _, taken := s.dirCursors[handle]; !taken {
			break
		}
		handle++
	}
	s.dirCursors[handle] = &dirCursor{entries: entries}
	s.mu.Unlock()

	return handle, true, 0
}

// IsDirVFD reports whether fd is a virtual directory handle.
func (s *State) IsDirVFD(fd int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dirCursors[fd]
	return ok
}

// ReadDirEntry returns the next entry for a virtual directory handle, or
// ok=false at end of listing.
func (s *State) ReadDirEntry(fd int) (entry DirEntry, ok bool, errno unix.Errno) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.dirCursors[fd]
	if !exists {
		return DirEntry{}, false, unix.EBADF
	}
	if cur.pos >= len(cur.entries) {
		return DirEntry{}, false, 0
	}
	e := cur.entries[cur.pos]
	cur.pos++
	return e, true, 0
}

// CloseDir releases a virtual directory handle.
func (s *State) CloseDir(fd int) unix.Errno {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dirCursors[fd]; !ok {
		return unix.EBADF
	}
	delete(s.dirCursors, fd)
	return 0
}

// DLOpen materialises a remote shared object into the cache (if needed)
// and returns the local cache path for the real loader to mmap, per
// spec.md §4.1's shared-object path.
func (s *State) DLOpen(path string) (cachePath string, errno unix.Errno) {
	if !s.Enabled() {
		s.logNoServer("dlopen", path)
		return "", unix.ENOENT
	}
	if s.Cache() == nil {
		return "", unix.ENOENT
	}

	remotePath := path
	if HasRemotePrefix(path) {
		remotePath = StripRemotePrefix(path)
	}

	size, mtime, _, _, status, err := s.Conn().Stat(remotePath)
	if err != nil {
		return "", remoteErrno(err)
	}
	if status != protocol.StatusOK {
		return "", protocol.StatusToErrno(status)
	}

	cache := s.Cache()
	if cache.Fresh(remotePath, size, mtime) {
		return cache.Path(remotePath), 0
	}

	data, fetchSize, fetchMtime, status, err := s.Conn().Fetch(remotePath)
	if err != nil {
		return "", remoteErrno(err)
	}
	if status != protocol.StatusOK {
		return "", protocol.StatusToErrno(status)
	}

	cachePath, storeErr := cache.Store(remotePath, data, fetchSize, fetchMtime)
	if storeErr != nil {
		return "", unix.EIO
	}
	return cachePath, 0
}
