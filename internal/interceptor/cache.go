package interceptor

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// soCache materialises remote shared objects into real, mmapable files
// under a per-process directory. dlopen requires a real OS descriptor, not
// a VFD, so this is the one place the Interceptor writes to local disk.
type soCache struct {
	mu    sync.Mutex
	dir   string
	stamp map[string]cacheStamp // logical path -> last known (size, mtime)
}

type cacheStamp struct {
	size  int64
	mtime int64
}

// newSOCache names the cache directory by process id so concurrent target
// processes never collide; the directory itself is created lazily by the
// first Store, per spec.md §3.
func newSOCache() (*soCache, error) {
	dir := filepath.Join(os.TempDir(), fmt.Sprintf("remotelink-%d", os.Getpid()))
	return &soCache{dir: dir, stamp: make(map[string]cacheStamp)}, nil
}

// cacheFileName is deterministic in the logical path, so repeated dlopen
// calls for the same remote object reuse the same cache file.
func (c *soCache) cacheFileName(logicalPath string) string {
	safe := filepath.Base(logicalPath)
	return filepath.Join(c.dir, fmt.Sprintf("%08x-%s", hashPath(logicalPath), safe))
}

func hashPath(path string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(path); i++ {
		h ^= uint32(path[i])
		h *= 16777619
	}
	return h
}

// Fresh reports whether the cache already holds logicalPath at exactly
// (size, mtime), per spec.md §3's freshness invariant.
func (c *soCache) Fresh(logicalPath string, size, mtime int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	got, ok := c.stamp[logicalPath]
	return ok && got.size == size && got.mtime == mtime
}

// Store writes data to the cache atomically (temp file in the same
// directory, then rename) and records its freshness stamp. The uuid
// suffix on the temp name means two concurrent refreshes of the same
// logical path never collide on the same temp file.
func (c *soCache) Store(logicalPath string, data []byte, size, mtime int64) (string, error) {
	final := c.cacheFileName(logicalPath)
	tmp := fmt.Sprintf("%s.tmp.%s", final, uuid.NewString())

	if err := os.MkdirAll(c.dir, 0700); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCacheWriteFailed, err)
	}
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCacheWriteFailed, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("%w: %v", ErrCacheWriteFailed, err)
	}

	c.mu.Lock()
	c.stamp[logicalPath] = cacheStamp{size: size, mtime: mtime}
	c.mu.Unlock()

	return final, nil
}

// Path returns the on-disk cache file for logicalPath without checking
// freshness; callers must have already established the entry is current.
func (c *soCache) Path(logicalPath string) string {
	return c.cacheFileName(logicalPath)
}

// Close removes the cache directory, best effort, per spec.md §3 and §5.
func (c *soCache) Close() {
	os.RemoveAll(c.dir)
}
