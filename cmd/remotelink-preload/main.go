// Command remotelink-preload is the Interceptor: a c-shared library the
// dynamic loader binds ahead of libc in a target process (via the
// operating system's preload environment variable, e.g. LD_PRELOAD). It
// exposes libc-compatible entry points under their libc names; each one
// either delegates to the real function (looked up once via dlsym) or
// answers from the remote file server, per the local-first fallback
// policy implemented in internal/interceptor.
//
// This is the one place in remotelink where systems-language FFI is
// unavoidable — there is no portable alternative to the loader's preload
// mechanism (spec.md §9).
package main

/*
#cgo LDFLAGS: -ldl

extern void goRemotelinkInit(void);
extern void goRemotelinkShutdown(void);

__attribute__((constructor))
static void remotelink_ctor(void) {
	goRemotelinkInit();
}

__attribute__((destructor))
static void remotelink_dtor(void) {
	goRemotelinkShutdown();
}
*/
import "C"

// main is required for a c-shared build but is never executed; the
// dynamic loader only ever calls the constructor/destructor and the
// exported symbols below.
func main() {}
