package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrMalformedFrame is returned when a peer's framing cannot be parsed at
// all (as opposed to a well-formed frame carrying an error status). Per the
// protocol's security contract, the server closes the connection on this;
// the client surfaces it as EIO.
var ErrMalformedFrame = errors.New("protocol: malformed frame")

// ErrUnknownOp is returned when a request's op byte is outside the known
// set. The server closes the connection in response.
var ErrUnknownOp = errors.New("protocol: unknown operation code")

const headerLen = 5 // 1 byte tag (op or status) + 4 byte request id

// maxFrameLen bounds a single frame so a corrupt or hostile length prefix
// can't force an unbounded allocation. Generous relative to MaxReadSize to
// leave room for framing overhead.
const maxFrameLen = MaxReadSize + 4096

// WriteVersionHandshake writes the two-byte major/minor version preamble
// exchanged once per connection, before the first framed request (see
// original_source's messages.rs fistbump exchange). It is deliberately not
// length-prefixed like the framed messages below — there's nothing to frame
// yet, since the peer doesn't know if it can even parse frames from us.
func WriteVersionHandshake(w io.Writer) error {
	_, err := w.Write([]byte{ProtocolMajorVersion, ProtocolMinorVersion})
	return err
}

// ReadVersionHandshake reads a peer's two-byte version preamble.
func ReadVersionHandshake(r io.Reader) (major, minor byte, err error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, 0, err
	}
	return b[0], b[1], nil
}

// RequestHeader is the fixed part of every request frame.
type RequestHeader struct {
	Op        Op
	RequestID uint32
}

// ResponseHeader is the fixed part of every response frame.
type ResponseHeader struct {
	Status    Status
	RequestID uint32
}

// WriteRequest writes one framed request: 4-byte length, op byte, 4-byte
// request id, then payload.
func WriteRequest(w io.Writer, hdr RequestHeader, payload []byte) error {
	return writeFrame(w, byte(hdr.Op), hdr.RequestID, payload)
}

// WriteResponse writes one framed response.
func WriteResponse(w io.Writer, hdr ResponseHeader, payload []byte) error {
	return writeFrame(w, byte(hdr.Status), hdr.RequestID, payload)
}

func writeFrame(w io.Writer, tag byte, requestID uint32, payload []byte) error {
	total := headerLen + len(payload)
	if total > maxFrameLen {
		return fmt.Errorf("protocol: frame too large (%d bytes)", total)
	}

	buf := make([]byte, 4+total)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	buf[4] = tag
	binary.LittleEndian.PutUint32(buf[5:9], requestID)
	copy(buf[9:], payload)

	_, err := w.Write(buf)
	return err
}

// ReadRequest reads one framed request from r.
func ReadRequest(r io.Reader) (RequestHeader, []byte, error) {
	tag, id, payload, err := readFrame(r)
	if err != nil {
		return RequestHeader{}, nil, err
	}
	op := Op(tag)
	if !op.Valid() {
		return RequestHeader{}, nil, ErrUnknownOp
	}
	return RequestHeader{Op: op, RequestID: id}, payload, nil
}

// ReadResponse reads one framed response from r.
func ReadResponse(r io.Reader) (ResponseHeader, []byte, error) {
	tag, id, payload, err := readFrame(r)
	if err != nil {
		return ResponseHeader{}, nil, err
	}
	return ResponseHeader{Status: Status(tag), RequestID: id}, payload, nil
}

func readFrame(r io.Reader) (tag byte, requestID uint32, payload []byte, err error) {
	var lenBuf [4]byte
	if _, err = io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, 0, nil, err
	}
	total := binary.LittleEndian.Uint32(lenBuf[:])
	if total < headerLen || int(total) > maxFrameLen {
		return 0, 0, nil, ErrMalformedFrame
	}

	body := make([]byte, total)
	if _, err = io.ReadFull(r, body); err != nil {
		return 0, 0, nil, err
	}

	tag = body[0]
	requestID = binary.LittleEndian.Uint32(body[1:5])
	payload = body[5:]
	return tag, requestID, payload, nil
}

// Encoder builds a payload, matching the "one encoder pair, in-memory types
// derive from the wire format" design guidance. Writes go to an in-memory
// buffer and cannot fail, so unlike Decoder it carries no error.
type Encoder struct {
	buf bytes.Buffer
}

func NewEncoder() *Encoder { return &Encoder{} }

func (e *Encoder) Bytes() []byte { return e.buf.Bytes() }

func (e *Encoder) PutByte(b byte) *Encoder {
	e.buf.WriteByte(b)
	return e
}

func (e *Encoder) PutUint32(v uint32) *Encoder {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	e.buf.Write(b[:])
	return e
}

func (e *Encoder) PutUint64(v uint64) *Encoder {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.buf.Write(b[:])
	return e
}

func (e *Encoder) PutInt64(v int64) *Encoder {
	return e.PutUint64(uint64(v))
}

// PutString writes a uint16 length prefix followed by the UTF-8 bytes.
func (e *Encoder) PutString(s string) *Encoder {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], uint16(len(s)))
	e.buf.Write(b[:])
	e.buf.WriteString(s)
	return e
}

func (e *Encoder) PutBytes(data []byte) *Encoder {
	e.buf.Write(data)
	return e
}

// Decoder reads sequential fields out of a payload, recording the first
// error and refusing further reads once one occurs.
type Decoder struct {
	data []byte
	off  int
	err  error
}

func NewDecoder(payload []byte) *Decoder {
	return &Decoder{data: payload}
}

func (d *Decoder) Err() error { return d.err }

func (d *Decoder) need(n int) []byte {
	if d.err != nil {
		return nil
	}
	if d.off+n > len(d.data) {
		d.err = ErrMalformedFrame
		return nil
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b
}

func (d *Decoder) Byte() byte {
	b := d.need(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *Decoder) Uint32() uint32 {
	b := d.need(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *Decoder) Uint64() uint64 {
	b := d.need(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *Decoder) Int64() int64 {
	return int64(d.Uint64())
}

func (d *Decoder) String() string {
	n := d.need(2)
	if n == nil {
		return ""
	}
	l := int(binary.LittleEndian.Uint16(n))
	b := d.need(l)
	if b == nil {
		return ""
	}
	return string(b)
}

// Rest returns whatever payload remains, e.g. a READ response's data bytes.
func (d *Decoder) Rest() []byte {
	if d.err != nil {
		return nil
	}
	b := d.data[d.off:]
	d.off = len(d.data)
	return b
}
