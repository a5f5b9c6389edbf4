// Package ldapclient implements a synchronous LDAP v3 client: one
// connection, one authentication mode, one operation in flight at a
// time.
package ldapclient

import (
	"bufio"
	"crypto/tls"
	"errors"
	"io"
	"math"
	"net"
	"time"

	ber "github.com/go-asn1-ber/asn1-ber"
)

type connState int

const (
	stateUnbound connState = iota
	stateBinding
	stateBound
	stateClosed
)

// Conn is an LDAP client connection. It is not safe for concurrent use.
type Conn struct {
	conn net.Conn
	br   *bufio.Reader

	state         connState
	nextMessageID int64
	searching     bool

	// sec is non-nil once a SASL security layer has been installed.
	sec SecurityContext

	bindDiagnostics string
}

// NewConn wraps an established transport, plain or TLS.
func NewConn(conn net.Conn) *Conn {
	return &Conn{
		conn:          conn,
		br:            bufio.NewReader(conn),
		nextMessageID: 1,
	}
}

// Dial opens a plain TCP connection to an LDAP server.
func Dial(network, addr string) (*Conn, error) {
	conn, err := net.Dial(network, addr)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err, Timeout: isTimeout(err)}
	}
	return NewConn(conn), nil
}

// DialTLS opens a TLS connection to an LDAP server.
func DialTLS(network, addr string, config *tls.Config) (*Conn, error) {
	conn, err := tls.Dial(network, addr, config)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err, Timeout: isTimeout(err)}
	}
	return NewConn(conn), nil
}

// SetDeadline sets the read and write deadline on the transport.
// Operations failing on an expired deadline return a TransportError
// with Timeout set.
func (c *Conn) SetDeadline(t time.Time) error {
	if c.state == stateClosed {
		return ErrConnectionClosed
	}
	return c.conn.SetDeadline(t)
}

type tlsConnectionStater interface {
	ConnectionState() tls.ConnectionState
}

// TransportSecure reports whether the underlying transport is TLS.
func (c *Conn) TransportSecure() bool {
	_, ok := c.conn.(tlsConnectionStater)
	return ok
}

// BindDiagnostics returns the diagnostics message the server attached
// to the successful bind response, usually empty.
func (c *Conn) BindDiagnostics() string {
	return c.bindDiagnostics
}

// StartTLS upgrades a plain connection with the StartTLS extended
// operation. It must be issued before Bind.
func (c *Conn) StartTLS(config *tls.Config) error {
	switch {
	case c.state == stateClosed:
		return ErrConnectionClosed
	case c.state != stateUnbound:
		return ErrAlreadyBound
	case c.TransportSecure():
		return errors.New("ldapclient: transport is already TLS")
	}

	msg, err := c.roundTrip(startTLSRequestOp())
	if err != nil {
		return err
	}
	if msg.operation() != ApplicationExtendedResponse {
		return c.fail(&ProtocolError{Reason: "unexpected response to StartTLS request"})
	}
	res, err := parseResult(msg.op)
	if err != nil {
		return c.fail(err)
	}
	if res.ResultCode != LDAPResultSuccess {
		return c.fail(&ProtocolError{Reason: "server refused StartTLS: " + res.DiagnosticMessage})
	}

	tlsConn := tls.Client(c.conn, config)
	if err := tlsConn.Handshake(); err != nil {
		c.shutdown()
		return &TransportError{Op: "tls handshake", Err: err, Timeout: isTimeout(err)}
	}
	c.conn = tlsConn
	c.br = bufio.NewReader(tlsConn)
	Logger.Printf("connection upgraded to TLS")
	return nil
}

// Bind authenticates the connection. The mode is chosen once; a second
// Bind fails with ErrAlreadyBound. Any bind failure closes the
// connection.
func (c *Conn) Bind(auth Auth) error {
	switch c.state {
	case stateClosed:
		return ErrConnectionClosed
	case stateBound, stateBinding:
		return ErrAlreadyBound
	}

	c.state = stateBinding
	if err := auth.bind(c); err != nil {
		c.shutdown()
		return err
	}
	c.state = stateBound
	return nil
}

// Close sends a best-effort unbind notification and releases the
// transport. It is idempotent and never reports write failures.
func (c *Conn) Close() error {
	if c.state == stateClosed {
		return nil
	}
	if id, err := c.allocateMessageID(); err == nil {
		packet := requestEnvelope(id, unbindRequestOp())
		_, _ = c.conn.Write(packet.Bytes())
	}
	c.state = stateClosed
	_ = c.conn.Close()
	return nil
}

// allocateMessageID hands out strictly increasing identifiers, failing
// once the RFC 4511 maxInt ceiling is reached.
func (c *Conn) allocateMessageID() (int64, error) {
	if c.nextMessageID > math.MaxInt32 {
		return 0, ErrMessageIDExhausted
	}
	id := c.nextMessageID
	c.nextMessageID++
	return id, nil
}

// sendRequest allocates an ID and writes one request message.
func (c *Conn) sendRequest(op *ber.Packet) (int64, error) {
	id, err := c.allocateMessageID()
	if err != nil {
		c.shutdown()
		return 0, err
	}
	if err := c.writePacket(requestEnvelope(id, op)); err != nil {
		return 0, err
	}
	return id, nil
}

// roundTrip sends one request and reads the single response matching
// its message ID.
func (c *Conn) roundTrip(op *ber.Packet) (*responseMessage, error) {
	id, err := c.sendRequest(op)
	if err != nil {
		return nil, err
	}
	return c.receive(id)
}

// receive reads one message and verifies it answers the given request.
// A mismatched ID is a protocol violation and closes the connection.
func (c *Conn) receive(id int64) (*responseMessage, error) {
	msg, err := c.readMessage()
	if err != nil {
		return nil, err
	}
	if msg.id != id {
		c.shutdown()
		return nil, &ProtocolError{
			Reason: "response message ID does not match the request",
		}
	}
	return msg, nil
}

func (c *Conn) writePacket(packet *ber.Packet) error {
	if _, err := c.conn.Write(packet.Bytes()); err != nil {
		c.shutdown()
		return &TransportError{Op: "write", Err: err, Timeout: isTimeout(err)}
	}
	return nil
}

func (c *Conn) readMessage() (*responseMessage, error) {
	packet, err := ber.ReadPacket(c.br)
	if err != nil {
		c.shutdown()
		var ne net.Error
		if errors.As(err, &ne) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
			return nil, &TransportError{Op: "read", Err: err, Timeout: isTimeout(err)}
		}
		return nil, &ProtocolError{Reason: "malformed BER message", Err: err}
	}
	msg, err := parseResponseMessage(packet)
	if err != nil {
		c.shutdown()
		return nil, err
	}
	return msg, nil
}

// fail closes the connection and passes the error through. Used for
// protocol violations detected above the read layer.
func (c *Conn) fail(err error) error {
	c.shutdown()
	return err
}

// shutdown tears the transport down without the unbind courtesy.
func (c *Conn) shutdown() {
	if c.state == stateClosed {
		return
	}
	c.state = stateClosed
	_ = c.conn.Close()
}

// installSecurityLayer routes all further traffic through the
// negotiated SASL wrap/unwrap. Installed at most once, never removed.
func (c *Conn) installSecurityLayer(ctx SecurityContext) {
	c.sec = ctx
	c.conn = newSASLConn(c.conn, ctx)
	c.br = bufio.NewReader(c.conn)
	Logger.Printf("SASL security layer installed")
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
