package fileserver

import (
	"os"
	"sync"

	"github.com/emoon/remotelink/internal/protocol"
)

// openHandle is one entry in a connection's handle table: an open local
// file plus the path it was opened from, kept for logging.
type openHandle struct {
	file *os.File
	path string
}

// handleTable is a per-connection table of open server-side file handles.
// Handle values start at 1 (0 is protocol.NoHandle) and wrap around once
// the counter overflows, skipping 0 and any value still in use — the same
// allocation rule the original file server used.
type handleTable struct {
	mu       sync.Mutex
	handles  map[uint64]*openHandle
	next     uint64
	capacity int
}

func newHandleTable(capacity int) *handleTable {
	return &handleTable{
		handles:  make(map[uint64]*openHandle),
		next:     1,
		capacity: capacity,
	}
}

// Alloc reserves a fresh handle for file/path, or ErrHandleTableFull if the
// connection is already at capacity.
func (t *handleTable) Alloc(file *os.File, path string) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.handles) >= t.capacity {
		return protocol.NoHandle, ErrHandleTableFull
	}

	for {
		h := t.next
		t.next++
		if t.next == protocol.NoHandle {
			t.next = 1
		}
		if h == protocol.NoHandle {
			continue
		}
		if _, taken := t.handles[h]; taken {
			continue
		}
		t.handles[h] = &openHandle{file: file, path: path}
		return h, nil
	}
}

// Get returns the entry for h, or ErrUnknownHandle.
func (t *handleTable) Get(h uint64) (*openHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.handles[h]
	if !ok {
		return nil, ErrUnknownHandle
	}
	return entry, nil
}

// Release closes and removes h. Closing an already-closed or unknown handle
// is ErrUnknownHandle, distinguishing it from a successful close.
func (t *handleTable) Release(h uint64) error {
	t.mu.Lock()
	entry, ok := t.handles[h]
	if !ok {
		t.mu.Unlock()
		return ErrUnknownHandle
	}
	delete(t.handles, h)
	t.mu.Unlock()

	return entry.file.Close()
}

// CloseAll releases every outstanding handle, best-effort. Called when a
// connection tears down so a client that never sent CLOSE doesn't leak fds
// on the server past the connection's lifetime.
func (t *handleTable) CloseAll() {
	t.mu.Lock()
	handles := t.handles
	t.handles = make(map[uint64]*openHandle)
	t.mu.Unlock()

	for _, entry := range handles {
		entry.file.Close()
	}
}

// Len reports the number of currently open handles, for tests and metrics.
func (t *handleTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handles)
}
