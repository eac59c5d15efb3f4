package main

/*
#cgo LDFLAGS: -ldl
#include <dlfcn.h>
#include <dirent.h>
#include <errno.h>
#include <fcntl.h>
#include <sys/stat.h>
#include <stdlib.h>
#include <string.h>
#include <unistd.h>

// cgo compiles each Go file's preamble as its own translation unit, so this
// has to be redefined here rather than shared with main.go's preamble.
static void remotelink_set_errno(int e) {
	errno = e;
}

typedef int (*open_fn)(const char *, int, ...);
typedef int (*openat_fn)(int, const char *, int, ...);
typedef int (*close_fn)(int);
typedef ssize_t (*read_fn)(int, void *, size_t);
typedef off_t (*lseek_fn)(int, off_t, int);
typedef int (*stat_fn)(const char *, struct stat *);
typedef int (*fstat_fn)(int, struct stat *);
typedef int (*access_fn)(const char *, int);
typedef int (*faccessat_fn)(int, const char *, int, int);
typedef DIR *(*opendir_fn)(const char *);
typedef struct dirent *(*readdir_fn)(DIR *);
typedef int (*closedir_fn)(DIR *);
typedef void *(*dlopen_fn)(const char *, int);

static open_fn real_open;
static openat_fn real_openat;
static close_fn real_close;
static read_fn real_read;
static lseek_fn real_lseek;
static stat_fn real_stat;
static fstat_fn real_fstat;
static access_fn real_access;
static faccessat_fn real_faccessat;
static opendir_fn real_opendir;
static readdir_fn real_readdir;
static closedir_fn real_closedir;
static dlopen_fn real_dlopen;

static void remotelink_resolve_real_fns(void) {
	real_open = (open_fn)dlsym(RTLD_NEXT, "open");
	real_openat = (openat_fn)dlsym(RTLD_NEXT, "openat");
	real_close = (close_fn)dlsym(RTLD_NEXT, "close");
	real_read = (read_fn)dlsym(RTLD_NEXT, "read");
	real_lseek = (lseek_fn)dlsym(RTLD_NEXT, "lseek");
	real_stat = (stat_fn)dlsym(RTLD_NEXT, "stat");
	real_fstat = (fstat_fn)dlsym(RTLD_NEXT, "fstat");
	real_access = (access_fn)dlsym(RTLD_NEXT, "access");
	real_faccessat = (faccessat_fn)dlsym(RTLD_NEXT, "faccessat");
	real_opendir = (opendir_fn)dlsym(RTLD_NEXT, "opendir");
	real_readdir = (readdir_fn)dlsym(RTLD_NEXT, "readdir");
	real_closedir = (closedir_fn)dlsym(RTLD_NEXT, "closedir");
	real_dlopen = (dlopen_fn)dlsym(RTLD_NEXT, "dlopen");
}

static int call_real_open(const char *path, int flags, int mode) {
	return real_open(path, flags, mode);
}
static int call_real_close(int fd) {
	return real_close(fd);
}
static ssize_t call_real_read(int fd, void *buf, size_t count) {
	return real_read(fd, buf, count);
}
static off_t call_real_lseek(int fd, off_t offset, int whence) {
	return real_lseek(fd, offset, whence);
}
static int call_real_stat(const char *path, struct stat *buf) {
	return real_stat(path, buf);
}
static int call_real_fstat(int fd, struct stat *buf) {
	return real_fstat(fd, buf);
}
static int call_real_access(const char *path, int mode) {
	return real_access(path, mode);
}
static void *call_real_dlopen(const char *path, int flags) {
	return real_dlopen(path, flags);
}
static int call_real_openat(int dirfd, const char *path, int flags, int mode) {
	return real_openat(dirfd, path, flags, mode);
}
static int call_real_faccessat(int dirfd, const char *path, int mode, int flags) {
	return real_faccessat(dirfd, path, mode, flags);
}

// remotelink_dir_t disguises a virtual directory handle as a DIR* so
// opendir/readdir/closedir can share one return type with the real libc
// functions. magic distinguishes it from a genuine DIR* the real opendir
// returned.
#define REMOTELINK_DIR_MAGIC 0x524c4e4b554cUL

typedef struct {
	unsigned long magic;
	int handle;
	struct dirent entry;
} remotelink_dir_t;

static void *remotelink_dir_make(int handle) {
	remotelink_dir_t *d = (remotelink_dir_t *)calloc(1, sizeof(remotelink_dir_t));
	d->magic = REMOTELINK_DIR_MAGIC;
	d->handle = handle;
	return d;
}

static int remotelink_dir_is_virtual(void *d) {
	return d != NULL && ((remotelink_dir_t *)d)->magic == REMOTELINK_DIR_MAGIC;
}

static int remotelink_dir_handle_of(void *d) {
	return ((remotelink_dir_t *)d)->handle;
}

static struct dirent *remotelink_dir_fill_entry(void *d, const char *name, unsigned char dtype) {
	remotelink_dir_t *rd = (remotelink_dir_t *)d;
	memset(&rd->entry, 0, sizeof(rd->entry));
	strncpy(rd->entry.d_name, name, sizeof(rd->entry.d_name) - 1);
	rd->entry.d_type = dtype;
	return &rd->entry;
}
*/
import "C"

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/emoon/remotelink/internal/interceptor"
	"github.com/emoon/remotelink/internal/protocol"
)

// asErrno adapts the error cgo's two-return call form produces — a
// syscall.Errno capturing C's errno as it stood right after the call —
// into the unix.Errno type the rest of the Interceptor deals in.
func asErrno(err error) unix.Errno {
	if errno, ok := err.(syscall.Errno); ok {
		return unix.Errno(errno)
	}
	return unix.EIO
}

//export goRemotelinkInit
func goRemotelinkInit() {
	C.remotelink_resolve_real_fns()
	interceptor.Global()
}

//export goRemotelinkShutdown
func goRemotelinkShutdown() {
	interceptor.Global().Shutdown()
}

func fileTypeToDType(ft protocol.FileType) C.uchar {
	switch ft {
	case protocol.FileTypeRegular:
		return C.DT_REG
	case protocol.FileTypeDirectory:
		return C.DT_DIR
	case protocol.FileTypeSymlink:
		return C.DT_LNK
	default:
		return C.DT_UNKNOWN
	}
}

//export open
func open(path *C.char, flags C.int, mode C.int) C.int {
	goPath := C.GoString(path)
	state := interceptor.Global()

	fd, _, errno := state.OpenForRead(goPath, func() (int, error) {
		r, callErr := C.call_real_open(path, flags, mode)
		if r < 0 {
			return -1, asErrno(callErr)
		}
		return int(r), nil
	})
	if errno != 0 {
		C.remotelink_set_errno(C.int(errno))
		return -1
	}
	return C.int(fd)
}

//export openat
func openat(dirfd C.int, path *C.char, flags C.int, mode C.int) C.int {
	// openat against a relative dirfd other than AT_FDCWD has no remote
	// analogue (the served root has no notion of an arbitrary open
	// directory as a base); only the AT_FDCWD case is intercepted, the
	// rest pass straight through to the real openat.
	if dirfd != C.AT_FDCWD {
		r, callErr := C.call_real_openat(dirfd, path, flags, mode)
		if r < 0 {
			C.remotelink_set_errno(C.int(asErrno(callErr)))
		}
		return r
	}
	return open(path, flags, mode)
}

//export close
func close(fd C.int) C.int {
	state := interceptor.Global()
	if !state.VFDs().IsVFD(int(fd)) {
		return C.call_real_close(fd)
	}
	if errno := state.Close(int(fd)); errno != 0 {
		C.remotelink_set_errno(C.int(errno))
		return -1
	}
	return 0
}

//export read
func read(fd C.int, buf unsafe.Pointer, count C.size_t) C.ssize_t {
	state := interceptor.Global()
	if !state.VFDs().IsVFD(int(fd)) {
		return C.call_real_read(fd, buf, count)
	}

	goBuf := unsafe.Slice((*byte)(buf), int(count))
	n, errno := state.Read(int(fd), goBuf)
	if errno != 0 {
		C.remotelink_set_errno(C.int(errno))
		return -1
	}
	return C.ssize_t(n)
}

//export lseek
func lseek(fd C.int, offset C.off_t, whence C.int) C.off_t {
	state := interceptor.Global()
	if !state.VFDs().IsVFD(int(fd)) {
		return C.call_real_lseek(fd, offset, whence)
	}

	newOffset, errno := state.Lseek(int(fd), int64(offset), int(whence))
	if errno != 0 {
		C.remotelink_set_errno(C.int(errno))
		return -1
	}
	return C.off_t(newOffset)
}

//export stat
func stat(path *C.char, statbuf *C.struct_stat) C.int {
	goPath := C.GoString(path)
	state := interceptor.Global()

	// A local hit has the real syscall fill the caller's statbuf directly,
	// rather than round-tripping through StatResult and losing every field
	// StatResult doesn't carry (st_ino, st_nlink, st_atim, st_ctim, ...).
	localHit := false
	result, errno := state.Stat(goPath, func() (interceptor.StatResult, error) {
		r, callErr := C.call_real_stat(path, statbuf)
		if r < 0 {
			return interceptor.StatResult{}, asErrno(callErr)
		}
		localHit = true
		return interceptor.StatResult{}, nil
	})
	if errno != 0 {
		C.remotelink_set_errno(C.int(errno))
		return -1
	}
	if localHit {
		return 0
	}

	fillStatBuf(statbuf, result)
	return 0
}

//export fstat
func fstat(fd C.int, statbuf *C.struct_stat) C.int {
	state := interceptor.Global()
	if !state.VFDs().IsVFD(int(fd)) {
		return C.call_real_fstat(fd, statbuf)
	}

	result, errno := state.Fstat(int(fd))
	if errno != 0 {
		C.remotelink_set_errno(C.int(errno))
		return -1
	}
	fillStatBuf(statbuf, result)
	return 0
}

// fillStatBuf builds a statbuf from a remote StatResult. It only ever
// runs for the remote branch — a local hit has the real syscall fill the
// caller's statbuf directly (see stat()) — so st_ino, st_nlink and the
// atim/ctim timestamps are left zeroed; nothing on the remote side has
// those to report.
func fillStatBuf(statbuf *C.struct_stat, result interceptor.StatResult) {
	C.memset(unsafe.Pointer(statbuf), 0, C.sizeof_struct_stat)
	statbuf.st_size = C.off_t(result.Size)
	statbuf.st_mtim.tv_sec = C.long(result.ModTime)
	perm := C.mode_t(result.Mode)
	if perm == 0 {
		perm = 0444
	}
	statbuf.st_mode = perm | fileTypeToIFMT(result.FileType)
}

// fileTypeToIFMT maps the wire's FileType to the S_IFMT bits stat(2)
// callers switch on (S_ISDIR, S_ISREG, ...); anything not recognised is
// reported as a regular file, matching the pre-canonicalisation default.
func fileTypeToIFMT(ft protocol.FileType) C.mode_t {
	switch ft {
	case protocol.FileTypeDirectory:
		return C.S_IFDIR
	case protocol.FileTypeSymlink:
		return C.S_IFLNK
	default:
		return C.S_IFREG
	}
}

//export access
func access(path *C.char, mode C.int) C.int {
	goPath := C.GoString(path)
	state := interceptor.Global()

	errno := state.Access(goPath, int(mode), func() error {
		r, callErr := C.call_real_access(path, mode)
		if r < 0 {
			return asErrno(callErr)
		}
		return nil
	})
	if errno != 0 {
		C.remotelink_set_errno(C.int(errno))
		return -1
	}
	return 0
}

//export faccessat
func faccessat(dirfd C.int, path *C.char, mode C.int, flags C.int) C.int {
	if dirfd != C.AT_FDCWD {
		r, callErr := C.call_real_faccessat(dirfd, path, mode, flags)
		if r < 0 {
			C.remotelink_set_errno(C.int(asErrno(callErr)))
		}
		return r
	}
	return access(path, mode)
}

//export opendir
func opendir(path *C.char) unsafe.Pointer {
	goPath := C.GoString(path)
	state := interceptor.Global()

	var localDir *C.DIR
	fd, isVirtual, errno := state.OpenDir(goPath, func() (int, error) {
		// The real opendir returns a DIR*, not an int; the interceptor's
		// OpenDir signature is descriptor-shaped for parity with
		// OpenForRead, so the DIR* of a local hit is kept here and
		// returned by the caller below.
		d, callErr := C.real_opendir(path)
		if d == nil {
			return -1, asErrno(callErr)
		}
		localDir = d
		return 0, nil
	})
	if errno != 0 {
		C.remotelink_set_errno(C.int(errno))
		return nil
	}
	if !isVirtual {
		return unsafe.Pointer(localDir)
	}
	return C.remotelink_dir_make(C.int(fd))
}

//export readdir
func readdir(dirp unsafe.Pointer) *C.struct_dirent {
	if C.remotelink_dir_is_virtual(dirp) == 0 {
		return C.real_readdir((*C.DIR)(dirp))
	}

	state := interceptor.Global()
	handle := int(C.remotelink_dir_handle_of(dirp))

	entry, ok, errno := state.ReadDirEntry(handle)
	if errno != 0 {
		C.remotelink_set_errno(C.int(errno))
		return nil
	}
	if !ok {
		return nil
	}

	cName := C.CString(entry.Name)
	defer C.free(unsafe.Pointer(cName))
	return C.remotelink_dir_fill_entry(dirp, cName, fileTypeToDType(entry.Type))
}

//export closedir
func closedir(dirp unsafe.Pointer) C.int {
	if C.remotelink_dir_is_virtual(dirp) == 0 {
		return C.real_closedir((*C.DIR)(dirp))
	}

	state := interceptor.Global()
	handle := int(C.remotelink_dir_handle_of(dirp))
	errno := state.CloseDir(handle)
	C.free(dirp)
	if errno != 0 {
		C.remotelink_set_errno(C.int(errno))
		return -1
	}
	return 0
}

//export dlopen
func dlopen(path *C.char, flags C.int) unsafe.Pointer {
	if path == nil {
		return unsafe.Pointer(C.call_real_dlopen(path, flags))
	}

	goPath := C.GoString(path)
	if !interceptor.HasRemotePrefix(goPath) {
		if h := C.call_real_dlopen(path, flags); h != nil {
			return unsafe.Pointer(h)
		}
	}

	state := interceptor.Global()
	cachePath, errno := state.DLOpen(goPath)
	if errno != 0 {
		return nil
	}

	cCachePath := C.CString(cachePath)
	defer C.free(unsafe.Pointer(cCachePath))
	return unsafe.Pointer(C.call_real_dlopen(cCachePath, flags))
}

// A glibc target built with _FILE_OFFSET_BITS=64 calls the LFS-suffixed
// aliases below instead of the base names above; on a 64-bit Linux target
// off_t and struct stat are already the wide ones, so each alias is a
// thin passthrough to its base wrapper rather than a separate
// implementation.
//
//export open64
func open64(path *C.char, flags C.int, mode C.int) C.int {
	return open(path, flags, mode)
}

//export openat64
func openat64(dirfd C.int, path *C.char, flags C.int, mode C.int) C.int {
	return openat(dirfd, path, flags, mode)
}

//export lseek64
func lseek64(fd C.int, offset C.off_t, whence C.int) C.off_t {
	return lseek(fd, offset, whence)
}

//export stat64
func stat64(path *C.char, statbuf *C.struct_stat) C.int {
	return stat(path, statbuf)
}

//export fstat64
func fstat64(fd C.int, statbuf *C.struct_stat) C.int {
	return fstat(fd, statbuf)
}
