package fileserver

import (
	"os"
	"path/filepath"
	"strings"
)

// Root resolves client-supplied paths against a single served directory,
// refusing anything that would land outside it.
type Root struct {
	base string // absolute, cleaned, no trailing separator
}

// NewRoot validates that path exists and is a directory, then returns a
// Root anchored there. The root itself is canonicalised (symlinks
// resolved) so every later prefix check in Resolve compares canonical
// forms against a canonical base, per §4.2's canonicalisation contract.
func NewRoot(path string) (*Root, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	abs = filepath.Clean(abs)

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, ErrRootNotDirectory
	}

	return &Root{base: resolved}, nil
}

// Resolve turns a client-relative path (as sent over the wire, always
// slash-separated and rooted at "/") into an absolute local path, or
// ErrPathEscapesRoot if the request tries to climb out via "..", an
// absolute override, or a symlink anywhere along the path that would
// resolve outside the root.
//
// This is the server-side half of the traversal defense: the client sends
// paths relative to the root it was told about, but the server never
// trusts that and re-derives the local path itself. A lexical Clean()+
// prefix check alone only catches literal ".." components — it does not
// catch a symlink sitting inside the root whose target lies outside it
// (<root>/link -> /etc), since Clean never inspects the filesystem. So
// after the lexical check, the path is walked component by component,
// resolving any symlink found along the way and re-checking the root
// prefix against its resolved target, exactly as far as the path exists;
// a missing final component stops resolution there and is reported as a
// plain not-found by the caller's own stat/open, not as an escape.
func (r *Root) Resolve(clientPath string) (string, error) {
	clientPath = strings.TrimPrefix(clientPath, "/")
	joined := filepath.Join(r.base, filepath.FromSlash(clientPath))
	joined = filepath.Clean(joined)

	if !r.withinBase(joined) {
		return "", ErrPathEscapesRoot
	}

	return r.resolveSymlinksWithinBase(joined)
}

// withinBase reports whether p is the root itself or lies lexically under
// it. Both p and r.base are expected to already be Clean'd, absolute paths.
func (r *Root) withinBase(p string) bool {
	return p == r.base || strings.HasPrefix(p, r.base+string(filepath.Separator))
}

// resolveSymlinksWithinBase canonicalises joined one path component at a
// time relative to r.base, refusing to step outside the root through a
// symlink at any point along the way. It stops at the first component that
// doesn't exist yet and appends the remainder unresolved, since a symlink
// can't live inside a path segment that was never created.
func (r *Root) resolveSymlinksWithinBase(joined string) (string, error) {
	if joined == r.base {
		return r.base, nil
	}

	rel, err := filepath.Rel(r.base, joined)
	if err != nil {
		return "", ErrPathEscapesRoot
	}

	current := r.base
	parts := strings.Split(rel, string(filepath.Separator))
	for i, part := range parts {
		next := filepath.Join(current, part)

		info, err := os.Lstat(next)
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.Join(append([]string{current}, parts[i:]...)...), nil
			}
			return "", err
		}

		if info.Mode()&os.ModeSymlink != 0 {
			target, err := filepath.EvalSymlinks(next)
			if err != nil {
				return "", err
			}
			next = target
		}

		if !r.withinBase(next) {
			return "", ErrPathEscapesRoot
		}
		current = next
	}

	return current, nil
}

// Base returns the resolved absolute root directory.
func (r *Root) Base() string { return r.base }
