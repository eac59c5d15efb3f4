package interceptor

import (
	"sync"

	"golang.org/x/exp/slices"
)

// vfdBase is chosen high enough that no real kernel descriptor on a target
// process is ever expected to reach it, so the "is this mine?" test in
// IsVFD never has to consult the kernel.
const vfdBase = 1 << 20

// MaxOpenFiles bounds the per-process virtual file descriptor table. A
// compile-time constant per spec.md §9's open question 2: raise it by
// editing this line, not by threading a config value through the FFI
// boundary.
const MaxOpenFiles = 256

// vfdEntry is one row of the VFD table: everything needed to answer read,
// lseek, close and fstat without another round trip for anything but the
// bytes themselves.
type vfdEntry struct {
	path   string
	offset int64
	size   int64
	inUse  bool
}

// vfdTable is the process-wide table of virtual file descriptors. It is the
// Go-side counterpart of the teacher's SandstoreFD map plus TableMu, sized
// and free-list-managed the way spec.md §4.1's VFD allocation calls for:
// lowest-free index from a fixed-capacity table.
type vfdTable struct {
	mu      sync.Mutex
	entries [MaxOpenFiles]vfdEntry
	free    []int // indices with inUse == false, sorted ascending by each Alloc
}

func newVFDTable() *vfdTable {
	free := make([]int, MaxOpenFiles)
	for i := range free {
		free[i] = i
	}
	return &vfdTable{free: free}
}

// Alloc reserves the lowest-free slot for path/size and returns its VFD
// value, or ErrTableFull.
func (t *vfdTable) Alloc(path string, size int64) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.free) == 0 {
		return -1, ErrTableFull
	}

	slices.Sort(t.free)
	idx := t.free[0]
	t.free = t.free[1:]

	t.entries[idx] = vfdEntry{path: path, offset: 0, size: size, inUse: true}
	return vfdBase + idx, nil
}

// IsVFD reports whether fd falls in the virtual range and is currently
// allocated. This centralises the descriptor-polymorphism test spec.md §9
// calls for: one predicate, consulted by every intercepted entry point
// before it decides which way to branch.
func (t *vfdTable) IsVFD(fd int) bool {
	idx := fd - vfdBase
	if idx < 0 || idx >= MaxOpenFiles {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[idx].inUse
}

func (t *vfdTable) get(fd int) (*vfdEntry, bool) {
	idx := fd - vfdBase
	if idx < 0 || idx >= MaxOpenFiles {
		return nil, false
	}
	if !t.entries[idx].inUse {
		return nil, false
	}
	return &t.entries[idx], true
}

// Snapshot returns a copy of the entry for fd, or ErrBadVFD.
func (t *vfdTable) Snapshot(fd int) (vfdEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.get(fd)
	if !ok {
		return vfdEntry{}, ErrBadVFD
	}
	return *e, nil
}

// SetOffset updates fd's cached seek offset.
func (t *vfdTable) SetOffset(fd int, offset int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.get(fd)
	if !ok {
		return ErrBadVFD
	}
	e.offset = offset
	return nil
}

// AdvanceOffset moves fd's cached offset forward by n bytes (after a read)
// and returns the new offset.
func (t *vfdTable) AdvanceOffset(fd int, n int64) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.get(fd)
	if !ok {
		return 0, ErrBadVFD
	}
	e.offset += n
	return e.offset, nil
}

// Free releases fd back to the free list. Freeing an already-free or
// out-of-range fd is ErrBadVFD, which the caller maps to EBADF — this is
// what makes a double-close distinguishable from a close on a VFD that was
// merely never allocated.
func (t *vfdTable) Free(fd int) error {
	idx := fd - vfdBase
	t.mu.Lock()
	defer t.mu.Unlock()

	if idx < 0 || idx >= MaxOpenFiles || !t.entries[idx].inUse {
		return ErrBadVFD
	}

	t.entries[idx] = vfdEntry{}
	t.free = append(t.free, idx)
	return nil
}

// Invalidate marks fd's entry as torn-down without freeing the slot, used
// when the connection carrying it dies: spec.md §5 requires the VFD to
// remain allocated (so close is still valid) while further I/O fails with
// EIO. A torn-down entry is distinguished from a live one by size == -1.
func (t *vfdTable) Invalidate(fd int) {
	idx := fd - vfdBase
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx < 0 || idx >= MaxOpenFiles || !t.entries[idx].inUse {
		return
	}
	t.entries[idx].size = -1
}

func (e vfdEntry) torndown() bool { return e.size < 0 }
