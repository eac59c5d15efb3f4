package interceptor

import (
	"os"
	"sync"

	"github.com/emoon/remotelink/internal/rllog"
)

// EnvFileServer names the environment variable the runner sets to point
// the Interceptor at the file server (spec.md §6). Its absence disables
// remote fallback entirely — the Interceptor becomes a no-op shim that
// always takes the local path.
const EnvFileServer = "REMOTELINK_FILE_SERVER"

// EnvDebugLog names the environment variable that turns on the debug log
// channel described in spec.md §7's propagation rule. Its value, if set,
// is the log file path.
const EnvDebugLog = "REMOTELINK_DEBUG_LOG"

// EnvDebugLogLevel optionally filters the debug log channel.
const EnvDebugLogLevel = "REMOTELINK_DEBUG_LOG_LEVEL"

// State is the single process-wide container for everything the
// Interceptor needs: the VFD table, the (lazy) connection to the file
// server, the shared-object cache, and the log sink. spec.md §9 calls for
// modelling this as one lazily-initialised container protected by a mutex,
// with an exit hook for teardown — that's exactly this type.
type State struct {
	mu sync.Mutex

	serverAddr string
	enabled    bool

	vfds   *vfdTable
	conn   *client
	cache  *soCache
	logger rllog.LogService

	// remoteHandlesMap shadows vfds with the server-side handle backing
	// each VFD (every VFD in this implementation is remote-backed).
	remoteHandlesMap map[int]uint64

	// dirCursors holds the eagerly-fetched entry lists for open virtual
	// directory handles, keyed by handle value (see ops.go's OpenDir).
	dirCursors map[int]*dirCursor
}

var (
	globalState     *State
	globalStateOnce sync.Once
)

// Global returns the process-wide State, initialising it from the
// environment on first call. Initialisation happens once per process no
// matter how many threads race to call this first.
func Global() *State {
	globalStateOnce.Do(func() {
		globalState = newStateFromEnv()
	})
	return globalState
}

func newStateFromEnv() *State {
	s := &State{
		vfds:   newVFDTable(),
		logger: rllog.NullLogService{},
	}

	if addr := os.Getenv(EnvFileServer); addr != "" {
		s.serverAddr = addr
		s.enabled = true
		s.conn = newClient(addr)
	}

	if cache, err := newSOCache(); err == nil {
		s.cache = cache
	}

	if path := os.Getenv(EnvDebugLog); path != "" {
		if fl, err := rllog.NewFileLogService(path, "interceptor", os.Getenv(EnvDebugLogLevel)); err == nil {
			s.logger = fl
		}
	}

	return s
}

// Enabled reports whether a file server was configured. When false, every
// intercepted operation behaves exactly like the un-intercepted libc call.
func (s *State) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

func (s *State) VFDs() *vfdTable { return s.vfds }
func (s *State) Conn() *client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}
func (s *State) Cache() *soCache        { return s.cache }
func (s *State) Logger() rllog.LogService { return s.logger }

// Shutdown runs the process-exit hook spec.md §5 requires: close the
// connection and remove the shared-object cache directory, best effort.
func (s *State) Shutdown() {
	s.mu.Lock()
	conn := s.conn
	cache := s.cache
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if cache != nil {
		cache.Close()
	}
	if closer, ok := s.logger.(*rllog.FileLogService); ok {
		closer.Close()
	}
}
