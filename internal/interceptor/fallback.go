package interceptor

import "strings"

// RemotePrefix forces a path to bypass local lookup entirely, per spec.md
// §6. A path beginning with it is always answered by the file server; the
// prefix itself is stripped before the path travels over the wire.
const RemotePrefix = "/host/"

// Outcome is the result of the local-first fallback decision, expressed as
// its own small type per spec.md §9's "avoid scattering the errno check"
// guidance rather than as a raw error returned from a do-everything
// function.
type Outcome int

const (
	// ResultLocal means the local attempt already produced the answer;
	// the remote must not be consulted.
	ResultLocal Outcome = iota
	// ResultGoRemote means the local attempt missed with exactly ENOENT
	// (or the path carries RemotePrefix) and the server should be tried.
	ResultGoRemote
	// ResultError means the local attempt failed with something other
	// than ENOENT; that error is final and the remote is never consulted.
	ResultError
)

// HasRemotePrefix reports whether path forces always-remote routing.
func HasRemotePrefix(path string) bool {
	return strings.HasPrefix(path, RemotePrefix)
}

// StripRemotePrefix removes RemotePrefix from path, returning the logical
// path to send to the server. Callers should only call this once
// HasRemotePrefix(path) is true.
func StripRemotePrefix(path string) string {
	return strings.TrimPrefix(path, RemotePrefix)
}

// LocalFirst decides how to route a single operation given the outcome of
// attempting it locally first. It is only ever called for paths without
// RemotePrefix — a prefixed path skips the local attempt entirely (spec.md
// §4.1) and goes straight to ResultGoRemote at the call site, never through
// here. localErr is nil on local success. isENOENT reports whether localErr
// is exactly "no such file or directory" — the only local failure that
// triggers a remote retry per spec.md §4.1's fallback policy step 2.
//
// This is the one call site every intercepted operation goes through for
// the non-prefixed case; it never itself does I/O.
func LocalFirst(localErr error, isENOENT func(error) bool) Outcome {
	if localErr == nil {
		return ResultLocal
	}
	if isENOENT(localErr) {
		return ResultGoRemote
	}
	return ResultError
}
