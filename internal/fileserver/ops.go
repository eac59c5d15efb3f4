package fileserver

import (
	"errors"
	"io"
	"os"
	"sort"

	"golang.org/x/sys/unix"

	"github.com/emoon/remotelink/internal/protocol"
)

// dispatch runs one request against root/handles and returns the response
// payload plus status to write back. Every failure (missing file, bad
// handle, malformed payload, etc) becomes a Status; dispatch has no way to
// tear down the connection itself. Unknown op codes never get this far:
// ReadRequest rejects them and serveConn closes the connection.
func dispatch(root *Root, handles *handleTable, op protocol.Op, payload []byte) (protocol.Status, []byte) {
	switch op {
	case protocol.OpOpen:
		return handleOpen(root, handles, payload)
	case protocol.OpRead:
		return handleRead(handles, payload)
	case protocol.OpClose:
		return handleClose(handles, payload)
	case protocol.OpStat:
		return handleStat(root, payload)
	case protocol.OpAccess:
		return handleAccess(root, payload)
	case protocol.OpReadDir:
		return handleReadDir(root, payload)
	case protocol.OpFetch:
		return handleFetch(root, payload)
	default:
		return protocol.StatusInvalid, nil
	}
}

// resolveOrDenied resolves a client path against root, translating a
// traversal attempt into the wire's permission-denied status rather than a
// distinguishable "not found" — S6 requires the escape attempt to look
// exactly like any other denied access, not leak root layout.
func resolveOrDenied(root *Root, clientPath string) (string, protocol.Status, bool) {
	local, err := root.Resolve(clientPath)
	if err != nil {
		return "", protocol.StatusPermission, false
	}
	return local, protocol.StatusOK, true
}

func fileTypeOf(mode os.FileMode) protocol.FileType {
	switch {
	case mode.IsRegular():
		return protocol.FileTypeRegular
	case mode.IsDir():
		return protocol.FileTypeDirectory
	case mode&os.ModeSymlink != 0:
		return protocol.FileTypeSymlink
	default:
		return protocol.FileTypeOther
	}
}

func statusFromErr(err error) protocol.Status {
	if errno, ok := underlyingErrno(err); ok {
		return protocol.ErrnoToStatus(errno)
	}
	if os.IsNotExist(err) {
		return protocol.StatusNotFound
	}
	if os.IsPermission(err) {
		return protocol.StatusPermission
	}
	return protocol.StatusIO
}

func underlyingErrno(err error) (unix.Errno, bool) {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno, true
	}
	return 0, false
}

func handleOpen(root *Root, handles *handleTable, payload []byte) (protocol.Status, []byte) {
	dec := protocol.NewDecoder(payload)
	path := dec.String()
	_ = dec.Uint32() // flags: read-only subset, currently unused
	if dec.Err() != nil {
		return protocol.StatusInvalid, nil
	}

	local, status, ok := resolveOrDenied(root, path)
	if !ok {
		return status, nil
	}

	info, err := os.Stat(local)
	if err != nil {
		return statusFromErr(err), nil
	}
	if info.IsDir() {
		return protocol.StatusIsDirectory, nil
	}

	f, err := os.Open(local)
	if err != nil {
		return statusFromErr(err), nil
	}

	handle, err := handles.Alloc(f, local)
	if err != nil {
		f.Close()
		return protocol.StatusTooManyOpen, nil
	}

	resp := protocol.NewEncoder().
		PutUint64(handle).
		PutInt64(info.Size()).
		PutInt64(info.ModTime().Unix()).
		Bytes()
	return protocol.StatusOK, resp
}

func handleRead(handles *handleTable, payload []byte) (protocol.Status, []byte) {
	dec := protocol.NewDecoder(payload)
	handle := dec.Uint64()
	offset := dec.Int64()
	length := dec.Uint32()
	if dec.Err() != nil {
		return protocol.StatusInvalid, nil
	}

	if length > protocol.MaxReadSize {
		length = protocol.MaxReadSize
	}

	entry, err := handles.Get(handle)
	if err != nil {
		return protocol.StatusInvalid, nil
	}

	buf := make([]byte, length)
	n, err := entry.file.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return statusFromErr(err), nil
	}

	return protocol.StatusOK, buf[:n]
}

func handleClose(handles *handleTable, payload []byte) (protocol.Status, []byte) {
	dec := protocol.NewDecoder(payload)
	handle := dec.Uint64()
	if dec.Err() != nil {
		return protocol.StatusInvalid, nil
	}

	if err := handles.Release(handle); err != nil {
		return protocol.StatusInvalid, nil
	}
	return protocol.StatusOK, nil
}

func handleStat(root *Root, payload []byte) (protocol.Status, []byte) {
	dec := protocol.NewDecoder(payload)
	path := dec.String()
	if dec.Err() != nil {
		return protocol.StatusInvalid, nil
	}

	local, status, ok := resolveOrDenied(root, path)
	if !ok {
		return status, nil
	}

	info, err := os.Stat(local)
	if err != nil {
		return statusFromErr(err), nil
	}

	resp := protocol.NewEncoder().
		PutInt64(info.Size()).
		PutInt64(info.ModTime().Unix()).
		PutUint32(uint32(info.Mode().Perm())).
		PutByte(byte(fileTypeOf(info.Mode()))).
		Bytes()
	return protocol.StatusOK, resp
}

func handleAccess(root *Root, payload []byte) (protocol.Status, []byte) {
	dec := protocol.NewDecoder(payload)
	path := dec.String()
	mode := dec.Byte()
	if dec.Err() != nil {
		return protocol.StatusInvalid, nil
	}

	local, status, ok := resolveOrDenied(root, path)
	if !ok {
		return status, nil
	}

	// The remote reports existence and read permission only, per the
	// interceptor policy — write/exec bits never make sense against a
	// read-only served root.
	const readBit = 0x4
	if mode&readBit != 0 {
		if err := unix.Access(local, unix.R_OK); err != nil {
			return statusFromErr(err), nil
		}
		return protocol.StatusOK, nil
	}

	if _, err := os.Stat(local); err != nil {
		return statusFromErr(err), nil
	}
	return protocol.StatusOK, nil
}

func handleReadDir(root *Root, payload []byte) (protocol.Status, []byte) {
	dec := protocol.NewDecoder(payload)
	path := dec.String()
	if dec.Err() != nil {
		return protocol.StatusInvalid, nil
	}

	local, status, ok := resolveOrDenied(root, path)
	if !ok {
		return status, nil
	}

	entries, err := os.ReadDir(local)
	if err != nil {
		return statusFromErr(err), nil
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	enc := protocol.NewEncoder().PutUint32(uint32(len(entries)))
	for _, e := range entries {
		info, err := e.Info()
		var ft protocol.FileType
		if err != nil {
			ft = protocol.FileTypeUnknown
		} else {
			ft = fileTypeOf(info.Mode())
		}
		enc.PutString(e.Name()).PutByte(byte(ft))
	}

	return protocol.StatusOK, enc.Bytes()
}

// handleFetch answers one positional slice of path, the same way handleRead
// answers one positional slice of a handle. FETCH is path-based rather than
// handle-based (the shared-object cache has no open handle to hang an
// offset off of), but it is otherwise clamped to MaxReadSize per response
// exactly like READ — a whole shared object routinely exceeds a single
// wire frame, so the caller (interceptor.client.Fetch) loops this in
// MaxReadSize-sized steps rather than requesting the file in one frame.
func handleFetch(root *Root, payload []byte) (protocol.Status, []byte) {
	dec := protocol.NewDecoder(payload)
	path := dec.String()
	offset := dec.Int64()
	length := dec.Uint32()
	if dec.Err() != nil {
		return protocol.StatusInvalid, nil
	}

	if length > protocol.MaxReadSize {
		length = protocol.MaxReadSize
	}

	local, status, ok := resolveOrDenied(root, path)
	if !ok {
		return status, nil
	}

	info, err := os.Stat(local)
	if err != nil {
		return statusFromErr(err), nil
	}
	if info.IsDir() {
		return protocol.StatusIsDirectory, nil
	}

	f, err := os.Open(local)
	if err != nil {
		return statusFromErr(err), nil
	}
	defer f.Close()

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return statusFromErr(err), nil
	}

	resp := protocol.NewEncoder().
		PutInt64(info.Size()).
		PutInt64(info.ModTime().Unix()).
		PutBytes(buf[:n]).
		Bytes()
	return protocol.StatusOK, resp
}
