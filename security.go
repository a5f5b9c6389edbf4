package ldapclient

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// maxSASLBufferSize is the receive buffer size announced during
// security layer negotiation and the largest frame accepted afterward.
const maxSASLBufferSize = 65535

// saslConn frames traffic through a negotiated SASL security layer:
// each message is wrapped by the security context and prefixed with a
// 4-byte big-endian length.
type saslConn struct {
	net.Conn
	ctx SecurityContext
	buf bytes.Buffer
}

func newSASLConn(conn net.Conn, ctx SecurityContext) *saslConn {
	return &saslConn{Conn: conn, ctx: ctx}
}

func (s *saslConn) Read(b []byte) (int, error) {
	for s.buf.Len() == 0 {
		var header [4]byte
		if _, err := io.ReadFull(s.Conn, header[:]); err != nil {
			return 0, err
		}
		length := binary.BigEndian.Uint32(header[:])
		if length == 0 || length > maxSASLBufferSize {
			return 0, fmt.Errorf("ldapclient: invalid SASL frame length %d", length)
		}
		frame := make([]byte, length)
		if _, err := io.ReadFull(s.Conn, frame); err != nil {
			return 0, err
		}
		plain, err := s.ctx.Unwrap(frame)
		if err != nil {
			return 0, fmt.Errorf("ldapclient: unwrap SASL frame: %w", err)
		}
		s.buf.Write(plain)
	}
	return s.buf.Read(b)
}

func (s *saslConn) Write(b []byte) (int, error) {
	wrapped, err := s.ctx.Wrap(b)
	if err != nil {
		return 0, fmt.Errorf("ldapclient: wrap SASL frame: %w", err)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(wrapped)))
	if _, err := s.Conn.Write(header[:]); err != nil {
		return 0, err
	}
	if _, err := s.Conn.Write(wrapped); err != nil {
		return 0, err
	}
	return len(b), nil
}
