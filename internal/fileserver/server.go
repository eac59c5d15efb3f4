package fileserver

import (
	"net"
	"sync/atomic"

	"github.com/emoon/remotelink/internal/protocol"
	"github.com/emoon/remotelink/internal/rllog"
)

// Server accepts connections and serves protocol requests against a single
// served root. Each connection is handled by its own goroutine and owns its
// own handle table; connections never share mutable state with each other.
type Server struct {
	root       *Root
	log        rllog.LogService
	maxConns   int
	maxHandles int

	activeConns int64
}

// NewServer builds a Server rooted at cfg.ServedRoot. logSvc may be
// rllog.NullLogService{} to discard events.
func NewServer(cfg *Config, logSvc rllog.LogService) (*Server, error) {
	root, err := NewRoot(cfg.ServedRoot)
	if err != nil {
		return nil, err
	}

	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = DefaultConfig().MaxConnections
	}
	maxHandles := cfg.MaxHandlesPerConnection
	if maxHandles <= 0 {
		maxHandles = DefaultConfig().MaxHandlesPerConnection
	}

	return &Server{
		root:       root,
		log:        logSvc,
		maxConns:   maxConns,
		maxHandles: maxHandles,
	}, nil
}

// Serve runs the accept loop against ln until it returns an error (e.g. the
// listener was closed by the caller).
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}

		if atomic.AddInt64(&s.activeConns, 1) > int64(s.maxConns) {
			atomic.AddInt64(&s.activeConns, -1)
			s.log.Warn(rllog.LogEvent{
				Message:  "connection rejected: at capacity",
				Metadata: map[string]any{"remote": conn.RemoteAddr().String(), "reason": ErrConnectionLimitReached.Error()},
			})
			conn.Close()
			continue
		}

		go s.serveConn(conn)
	}
}

// serveConn handles one connection to completion: requests are read and
// answered strictly one at a time, matching the protocol's at-most-one-
// inflight-per-connection guarantee.
func (s *Server) serveConn(conn net.Conn) {
	defer atomic.AddInt64(&s.activeConns, -1)
	defer conn.Close()

	handles := newHandleTable(s.maxHandles)
	defer handles.CloseAll()

	remote := conn.RemoteAddr().String()
	s.log.Debug(rllog.LogEvent{Message: "connection accepted", Metadata: map[string]any{"remote": remote}})

	clientMajor, _, err := protocol.ReadVersionHandshake(conn)
	if err != nil {
		s.log.Debug(rllog.LogEvent{Message: "handshake read failed", Metadata: map[string]any{"remote": remote, "reason": err.Error()}})
		return
	}
	if clientMajor != protocol.ProtocolMajorVersion {
		s.log.Warn(rllog.LogEvent{Message: "protocol version mismatch, closing", Metadata: map[string]any{"remote": remote, "client_major": clientMajor}})
		return
	}
	if err := protocol.WriteVersionHandshake(conn); err != nil {
		return
	}

	for {
		hdr, payload, err := protocol.ReadRequest(conn)
		if err != nil {
			s.log.Debug(rllog.LogEvent{Message: "connection closed", Metadata: map[string]any{"remote": remote, "reason": err.Error()}})
			return
		}

		status, respPayload := dispatch(s.root, handles, hdr.Op, payload)

		respHdr := protocol.ResponseHeader{Status: status, RequestID: hdr.RequestID}
		if err := protocol.WriteResponse(conn, respHdr, respPayload); err != nil {
			s.log.Debug(rllog.LogEvent{Message: "write failed, closing connection", Metadata: map[string]any{"remote": remote, "reason": err.Error()}})
			return
		}
	}
}

// ActiveConnections reports the current accepted-connection count, for
// tests and metrics.
func (s *Server) ActiveConnections() int64 {
	return atomic.LoadInt64(&s.activeConns)
}
