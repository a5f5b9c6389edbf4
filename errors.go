package ldapclient

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSessionBusy is returned when an operation is attempted while
	// another operation is still draining its responses.
	ErrSessionBusy = errors.New("ldapclient: an operation is already in progress")

	// ErrConnectionClosed is returned by operations on a closed connection.
	ErrConnectionClosed = errors.New("ldapclient: connection is closed")

	// ErrMessageIDExhausted is returned when the message identifier space
	// is used up. The connection must be reopened.
	ErrMessageIDExhausted = errors.New("ldapclient: message identifiers exhausted")

	// ErrTransportNotSecure is returned by an EXTERNAL bind attempted on
	// a connection whose transport is not TLS.
	ErrTransportNotSecure = errors.New("ldapclient: transport is not TLS secured")

	// ErrNegotiationRounds is returned when a SASL exchange exceeds the
	// round limit without completing.
	ErrNegotiationRounds = errors.New("ldapclient: SASL negotiation round limit exceeded")

	// ErrAlreadyBound is returned by Bind on a connection that already
	// holds an authentication state.
	ErrAlreadyBound = errors.New("ldapclient: connection is already bound")

	// ErrNotBound is returned by Search before a successful Bind.
	ErrNotBound = errors.New("ldapclient: connection is not bound")

	// ErrMissingAttribute marks a MappingError caused by a required
	// attribute absent from the entry.
	ErrMissingAttribute = errors.New("required attribute missing")
)

// TransportError reports an I/O failure on the underlying connection.
// The connection is unusable afterwards.
type TransportError struct {
	Op      string
	Err     error
	Timeout bool
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ldapclient: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed or unexpected message from the
// server. The connection is unusable afterwards.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ldapclient: protocol error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("ldapclient: protocol error: %s", e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// BindError reports a failed authentication attempt. When the server
// rejected the bind, ResultCode and DiagnosticMessage carry the server's
// answer; a referral result includes the referral URIs. Err is set when
// the failure happened on the client side.
type BindError struct {
	ResultCode        int
	MatchedDN         string
	DiagnosticMessage string
	Referrals         []string
	Err               error
}

func (e *BindError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ldapclient: bind failed: %v", e.Err)
	}
	msg := fmt.Sprintf("ldapclient: bind rejected: %s (code %d)", ResultCodeName(e.ResultCode), e.ResultCode)
	if e.DiagnosticMessage != "" {
		msg += ": " + e.DiagnosticMessage
	}
	if len(e.Referrals) > 0 {
		msg += " [referrals: " + strings.Join(e.Referrals, ", ") + "]"
	}
	return msg
}

func (e *BindError) Unwrap() error { return e.Err }

// MappingError reports a failure to map one entry attribute onto a
// struct field. It invalidates only the record it belongs to.
type MappingError struct {
	Attribute string
	Err       error
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("ldapclient: attribute %q: %v", e.Attribute, e.Err)
}

func (e *MappingError) Unwrap() error { return e.Err }
