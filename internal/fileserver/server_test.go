package fileserver

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/emoon/remotelink/internal/protocol"
	"github.com/emoon/remotelink/internal/rllog"
)

func startTestServer(t *testing.T, root string) (net.Conn, func()) {
	t.Helper()

	srv, err := NewServer(&Config{
		ServedRoot:              root,
		MaxConnections:          4,
		MaxHandlesPerConnection: 8,
	}, rllog.NullLogService{})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go srv.Serve(ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		ln.Close()
		t.Fatalf("Dial: %v", err)
	}
	handshake(t, conn)

	return conn, func() {
		conn.Close()
		ln.Close()
	}
}

// handshake performs the one-time version preamble every connection must
// complete before the server accepts framed requests.
func handshake(t *testing.T, conn net.Conn) {
	t.Helper()
	if err := protocol.WriteVersionHandshake(conn); err != nil {
		t.Fatalf("WriteVersionHandshake: %v", err)
	}
	major, _, err := protocol.ReadVersionHandshake(conn)
	if err != nil {
		t.Fatalf("ReadVersionHandshake: %v", err)
	}
	if major != protocol.ProtocolMajorVersion {
		t.Fatalf("server major version = %d, want %d", major, protocol.ProtocolMajorVersion)
	}
}

func roundTrip(t *testing.T, conn net.Conn, id uint32, op protocol.Op, payload []byte) (protocol.Status, []byte) {
	t.Helper()
	if err := protocol.WriteRequest(conn, protocol.RequestHeader{Op: op, RequestID: id}, payload); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}
	hdr, resp, err := protocol.ReadResponse(conn)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if hdr.RequestID != id {
		t.Fatalf("request id mismatch: got %d want %d", hdr.RequestID, id)
	}
	return hdr.Status, resp
}

func TestServerOpenReadClose(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "test.txt"), []byte("abcdefgh"), 0644); err != nil {
		t.Fatal(err)
	}

	conn, cleanup := startTestServer(t, dir)
	defer cleanup()

	openPayload := protocol.NewEncoder().PutString("test.txt").PutUint32(0).Bytes()
	status, resp := roundTrip(t, conn, 1, protocol.OpOpen, openPayload)
	if status != protocol.StatusOK {
		t.Fatalf("OPEN status = %v", status)
	}

	dec := protocol.NewDecoder(resp)
	handle := dec.Uint64()
	size := dec.Int64()
	if size != 8 {
		t.Fatalf("size = %d, want 8", size)
	}

	readPayload := protocol.NewEncoder().PutUint64(handle).PutInt64(0).PutUint32(8).Bytes()
	status, resp = roundTrip(t, conn, 2, protocol.OpRead, readPayload)
	if status != protocol.StatusOK {
		t.Fatalf("READ status = %v", status)
	}
	if string(resp) != "abcdefgh" {
		t.Fatalf("READ data = %q", resp)
	}

	closePayload := protocol.NewEncoder().PutUint64(handle).Bytes()
	status, _ = roundTrip(t, conn, 3, protocol.OpClose, closePayload)
	if status != protocol.StatusOK {
		t.Fatalf("CLOSE status = %v", status)
	}

	// closing again must fail, matching idempotent-close (property 7)
	status, _ = roundTrip(t, conn, 4, protocol.OpClose, closePayload)
	if status != protocol.StatusInvalid {
		t.Fatalf("double CLOSE status = %v, want StatusInvalid", status)
	}
}

func TestServerReadIsPositional(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "test.txt"), []byte("0123456789"), 0644); err != nil {
		t.Fatal(err)
	}

	conn, cleanup := startTestServer(t, dir)
	defer cleanup()

	openPayload := protocol.NewEncoder().PutString("test.txt").PutUint32(0).Bytes()
	_, resp := roundTrip(t, conn, 1, protocol.OpOpen, openPayload)
	handle := protocol.NewDecoder(resp).Uint64()

	// reads at distinct offsets on the same handle must not interfere,
	// matching pread semantics (property 5)
	_, resp = roundTrip(t, conn, 2, protocol.OpRead, protocol.NewEncoder().PutUint64(handle).PutInt64(5).PutUint32(3).Bytes())
	if string(resp) != "567" {
		t.Fatalf("offset 5 read = %q", resp)
	}
	_, resp = roundTrip(t, conn, 3, protocol.OpRead, protocol.NewEncoder().PutUint64(handle).PutInt64(0).PutUint32(3).Bytes())
	if string(resp) != "012" {
		t.Fatalf("offset 0 read = %q", resp)
	}
}

func TestServerReadShortAtEOF(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "test.txt"), []byte("abc"), 0644); err != nil {
		t.Fatal(err)
	}

	conn, cleanup := startTestServer(t, dir)
	defer cleanup()

	_, resp := roundTrip(t, conn, 1, protocol.OpOpen, protocol.NewEncoder().PutString("test.txt").PutUint32(0).Bytes())
	handle := protocol.NewDecoder(resp).Uint64()

	status, resp := roundTrip(t, conn, 2, protocol.OpRead, protocol.NewEncoder().PutUint64(handle).PutInt64(1).PutUint32(100).Bytes())
	if status != protocol.StatusOK {
		t.Fatalf("status = %v", status)
	}
	if string(resp) != "bc" {
		t.Fatalf("short read = %q, want \"bc\"", resp)
	}
}

func TestServerStatAndAccess(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "test.txt"), []byte("REMOTE"), 0644); err != nil {
		t.Fatal(err)
	}

	conn, cleanup := startTestServer(t, dir)
	defer cleanup()

	status, resp := roundTrip(t, conn, 1, protocol.OpStat, protocol.NewEncoder().PutString("test.txt").Bytes())
	if status != protocol.StatusOK {
		t.Fatalf("STAT status = %v", status)
	}
	size := protocol.NewDecoder(resp).Int64()
	if size != 6 {
		t.Fatalf("STAT size = %d", size)
	}

	status, _ = roundTrip(t, conn, 2, protocol.OpAccess, protocol.NewEncoder().PutString("test.txt").PutByte(0x4).Bytes())
	if status != protocol.StatusOK {
		t.Fatalf("ACCESS status = %v", status)
	}
}

func TestServerNeitherSide(t *testing.T) {
	dir := t.TempDir()
	conn, cleanup := startTestServer(t, dir)
	defer cleanup()

	status, _ := roundTrip(t, conn, 1, protocol.OpStat, protocol.NewEncoder().PutString("neither.txt").Bytes())
	if status != protocol.StatusNotFound {
		t.Fatalf("status = %v, want StatusNotFound", status)
	}
}

func TestServerTraversalDefence(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "srv")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}

	conn, cleanup := startTestServer(t, sub)
	defer cleanup()

	status, _ := roundTrip(t, conn, 1, protocol.OpStat, protocol.NewEncoder().PutString("../etc/passwd").Bytes())
	if status != protocol.StatusPermission {
		t.Fatalf("status = %v, want StatusPermission", status)
	}
}

func TestServerReadDirElidesDotEntries(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b"), 0644); err != nil {
		t.Fatal(err)
	}

	conn, cleanup := startTestServer(t, dir)
	defer cleanup()

	status, resp := roundTrip(t, conn, 1, protocol.OpReadDir, protocol.NewEncoder().PutString("").Bytes())
	if status != protocol.StatusOK {
		t.Fatalf("READDIR status = %v", status)
	}

	dec := protocol.NewDecoder(resp)
	count := dec.Uint32()
	if count != 2 {
		t.Fatalf("entry count = %d, want 2", count)
	}
	names := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		names = append(names, dec.String())
		_ = dec.Byte()
	}
	if names[0] != "a.txt" || names[1] != "b.txt" {
		t.Fatalf("names = %v", names)
	}
}

func TestServerFetchIsChunked(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "lib.so"), []byte("0123456789"), 0644); err != nil {
		t.Fatal(err)
	}

	conn, cleanup := startTestServer(t, dir)
	defer cleanup()

	// two positional FETCH calls at distinct offsets must not interfere,
	// and must agree on size/mtime, mirroring READ's positional semantics.
	fetchPayload := func(offset int64, length uint32) []byte {
		return protocol.NewEncoder().PutString("lib.so").PutInt64(offset).PutUint32(length).Bytes()
	}

	status, resp := roundTrip(t, conn, 1, protocol.OpFetch, fetchPayload(0, 4))
	if status != protocol.StatusOK {
		t.Fatalf("FETCH status = %v", status)
	}
	dec := protocol.NewDecoder(resp)
	size := dec.Int64()
	_ = dec.Int64() // mtime
	data := dec.Rest()
	if size != 10 {
		t.Fatalf("FETCH size = %d, want 10", size)
	}
	if string(data) != "0123" {
		t.Fatalf("FETCH chunk 1 = %q, want %q", data, "0123")
	}

	status, resp = roundTrip(t, conn, 2, protocol.OpFetch, fetchPayload(4, 6))
	if status != protocol.StatusOK {
		t.Fatalf("FETCH status = %v", status)
	}
	dec = protocol.NewDecoder(resp)
	size = dec.Int64()
	_ = dec.Int64()
	data = dec.Rest()
	if size != 10 {
		t.Fatalf("FETCH size = %d, want 10", size)
	}
	if string(data) != "456789" {
		t.Fatalf("FETCH chunk 2 = %q, want %q", data, "456789")
	}
}

func TestServerHandleTableFull(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "test.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	srv, err := NewServer(&Config{ServedRoot: dir, MaxConnections: 1, MaxHandlesPerConnection: 1}, rllog.NullLogService{})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go srv.Serve(ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	handshake(t, conn)

	openPayload := protocol.NewEncoder().PutString("test.txt").PutUint32(0).Bytes()
	status, _ := roundTrip(t, conn, 1, protocol.OpOpen, openPayload)
	if status != protocol.StatusOK {
		t.Fatalf("first OPEN status = %v", status)
	}

	status, _ = roundTrip(t, conn, 2, protocol.OpOpen, openPayload)
	if status != protocol.StatusTooManyOpen {
		t.Fatalf("second OPEN status = %v, want StatusTooManyOpen", status)
	}
}

func TestServerRejectsVersionMismatch(t *testing.T) {
	dir := t.TempDir()
	srv, err := NewServer(&Config{ServedRoot: dir, MaxConnections: 4, MaxHandlesPerConnection: 4}, rllog.NullLogService{})
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go srv.Serve(ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte{protocol.ProtocolMajorVersion + 1, 0}); err != nil {
		t.Fatalf("write handshake: %v", err)
	}

	// the server closes the connection without replying; the next read
	// must observe EOF rather than a response frame.
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("expected connection to be closed after version mismatch")
	}
}

func TestServerConnectionCapEnforced(t *testing.T) {
	dir := t.TempDir()
	srv, err := NewServer(&Config{ServedRoot: dir, MaxConnections: 1, MaxHandlesPerConnection: 4}, rllog.NullLogService{})
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go srv.Serve(ln)

	first, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	handshake(t, first)

	// give the accept loop a moment to register the first connection
	// before dialing the one that should be rejected.
	status, _ := roundTrip(t, first, 1, protocol.OpStat, protocol.NewEncoder().PutString("").Bytes())
	if status != protocol.StatusOK {
		t.Fatalf("first connection STAT status = %v", status)
	}

	// with the first connection still open, a second one is over the cap
	// and the server closes it without ever answering the handshake.
	second, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	second.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	_, err = second.Read(buf)
	if err == nil {
		t.Fatal("expected connection over MaxConnections to be closed")
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		t.Fatal("connection over MaxConnections was left open")
	}
}
