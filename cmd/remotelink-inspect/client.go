package main

import (
	"fmt"
	"net"
	"time"

	"github.com/emoon/remotelink/internal/protocol"
)

// inspectClient is a minimal, single-shot protocol client: dial, one
// request, one response, close. Unlike the Interceptor's persistent
// client it has no reason to stay connected between MCP tool calls.
type inspectClient struct {
	conn net.Conn
}

func newInspectClient(addr string) *inspectClient {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return &inspectClient{}
	}
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if err := protocol.WriteVersionHandshake(conn); err != nil {
		conn.Close()
		return &inspectClient{}
	}
	if _, _, err := protocol.ReadVersionHandshake(conn); err != nil {
		conn.Close()
		return &inspectClient{}
	}
	conn.SetDeadline(time.Time{})
	return &inspectClient{conn: conn}
}

func (c *inspectClient) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

func (c *inspectClient) stat(path string) (status protocol.Status, size int64, mtime int64, fileType protocol.FileType, err error) {
	payload := protocol.NewEncoder().PutString(path).Bytes()
	if c.conn == nil {
		return 0, 0, 0, 0, fmt.Errorf("not connected")
	}
	c.conn.SetDeadline(time.Now().Add(5 * time.Second))

	if err := protocol.WriteRequest(c.conn, protocol.RequestHeader{Op: protocol.OpStat, RequestID: 1}, payload); err != nil {
		return 0, 0, 0, 0, err
	}
	hdr, resp, err := protocol.ReadResponse(c.conn)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	if hdr.Status != protocol.StatusOK {
		return hdr.Status, 0, 0, 0, nil
	}

	dec := protocol.NewDecoder(resp)
	size = dec.Int64()
	mtime = dec.Int64()
	_ = dec.Uint32() // mode, unused by this tool
	fileType = protocol.FileType(dec.Byte())
	return hdr.Status, size, mtime, fileType, dec.Err()
}

func (c *inspectClient) readDir(path string) (status protocol.Status, names []string, err error) {
	payload := protocol.NewEncoder().PutString(path).Bytes()
	if c.conn == nil {
		return 0, nil, fmt.Errorf("not connected")
	}
	c.conn.SetDeadline(time.Now().Add(5 * time.Second))

	if err := protocol.WriteRequest(c.conn, protocol.RequestHeader{Op: protocol.OpReadDir, RequestID: 1}, payload); err != nil {
		return 0, nil, err
	}
	hdr, resp, err := protocol.ReadResponse(c.conn)
	if err != nil {
		return 0, nil, err
	}
	if hdr.Status != protocol.StatusOK {
		return hdr.Status, nil, nil
	}

	dec := protocol.NewDecoder(resp)
	count := dec.Uint32()
	names = make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		names = append(names, dec.String())
		_ = dec.Byte()
	}
	return hdr.Status, names, dec.Err()
}
