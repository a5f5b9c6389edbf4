package ldapclient

import (
	"errors"
	"fmt"

	ber "github.com/go-asn1-ber/asn1-ber"
)

// maxSASLRounds caps the number of SASL bind round trips before the
// exchange is abandoned with ErrNegotiationRounds.
const maxSASLRounds = 10

// Auth selects the authentication mode passed to Conn.Bind. The set of
// modes is closed: Anonymous, Simple, Kerberos and External.
type Auth interface {
	bind(c *Conn) error
}

// SecurityContext drives a SASL mechanism on behalf of the connection.
// InitSecContext performs one negotiation step with the token received
// from the server (nil on the first call) and reports whether the
// context is established. Wrap and Unwrap protect payloads once it is.
type SecurityContext interface {
	InitSecContext(target string, input []byte) (token []byte, established bool, err error)
	Wrap(payload []byte) ([]byte, error)
	Unwrap(payload []byte) ([]byte, error)
	DeleteSecContext() error
}

// SecurityLayer is the RFC 4752 security layer bitmask.
type SecurityLayer uint8

const (
	SecurityLayerNone            SecurityLayer = 0x01
	SecurityLayerIntegrity       SecurityLayer = 0x02
	SecurityLayerConfidentiality SecurityLayer = 0x04
)

// Anonymous performs an anonymous simple bind (empty name, empty
// password).
type Anonymous struct{}

func (Anonymous) bind(c *Conn) error {
	return doSimpleBind(c, "", "")
}

// Simple performs a simple bind with a DN and password. An empty
// password is the RFC 4513 "unauthenticated" bind, which most servers
// treat as anonymous; it is rejected client-side unless
// AllowEmptyPassword is set.
type Simple struct {
	DN                 string
	Password           string
	AllowEmptyPassword bool
}

func (a Simple) bind(c *Conn) error {
	if a.DN == "" {
		return &BindError{Err: errors.New("empty DN on a simple bind, use Anonymous")}
	}
	if a.Password == "" && !a.AllowEmptyPassword {
		return &BindError{Err: errors.New("empty password on a simple bind")}
	}
	return doSimpleBind(c, a.DN, a.Password)
}

func doSimpleBind(c *Conn, dn, password string) error {
	res, creds, err := c.bindRoundTrip(simpleBindRequest(dn, password))
	if err != nil {
		return err
	}
	if creds != nil {
		return c.fail(&ProtocolError{Reason: "server sent SASL credentials on a simple bind"})
	}
	if res.ResultCode != LDAPResultSuccess {
		return bindRejected(res)
	}
	c.bindDiagnostics = res.DiagnosticMessage
	return nil
}

// Kerberos performs a SASL GSSAPI bind using the given security
// context. After authentication the RFC 4752 security layer offer is
// answered with the strongest layer permitted by Layers; the zero value
// allows any layer and prefers no layer on a TLS transport,
// confidentiality otherwise.
type Kerberos struct {
	// ServicePrincipal is the target SPN, e.g. "ldap/dc1.example.com".
	ServicePrincipal string
	Context          SecurityContext
	Layers           SecurityLayer
}

func (a Kerberos) bind(c *Conn) error {
	if a.Context == nil {
		return &BindError{Err: errors.New("kerberos bind needs a security context")}
	}

	token, established, err := a.Context.InitSecContext(a.ServicePrincipal, nil)
	if err != nil {
		return &BindError{Err: fmt.Errorf("initialize security context: %w", err)}
	}

	var layer SecurityLayer
	negotiated := false
	for round := 1; ; round++ {
		if round > maxSASLRounds {
			return &BindError{Err: ErrNegotiationRounds}
		}

		res, creds, err := c.bindRoundTrip(saslBindRequest(MechanismGSSAPI, token))
		if err != nil {
			return err
		}

		switch res.ResultCode {
		case LDAPResultSaslBindInProgress:
			if !established {
				token, established, err = a.Context.InitSecContext(a.ServicePrincipal, creds)
				if err != nil {
					return &BindError{Err: fmt.Errorf("security context step: %w", err)}
				}
				continue
			}
			if negotiated {
				return &BindError{Err: errors.New("server restarted security layer negotiation")}
			}
			layer, token, err = negotiateSecurityLayer(a.Context, creds, a.Layers, c.TransportSecure())
			if err != nil {
				return &BindError{Err: err}
			}
			negotiated = true

		case LDAPResultSuccess:
			c.bindDiagnostics = res.DiagnosticMessage
			if negotiated && layer != SecurityLayerNone {
				c.installSecurityLayer(a.Context)
			}
			return nil

		default:
			return bindRejected(res)
		}
	}
}

// negotiateSecurityLayer answers the server's wrapped 4-byte offer
// (layer bitmask, maximum buffer size) with a wrapped 4-byte choice.
func negotiateSecurityLayer(ctx SecurityContext, creds []byte, allowed SecurityLayer, transportSecure bool) (SecurityLayer, []byte, error) {
	offer, err := ctx.Unwrap(creds)
	if err != nil {
		return 0, nil, fmt.Errorf("unwrap security layer offer: %w", err)
	}
	if len(offer) != 4 {
		return 0, nil, errors.New("security layer offer is not 4 bytes")
	}

	mask := SecurityLayer(offer[0])
	if allowed != 0 {
		mask &= allowed
	}
	maxBuf := uint32(offer[1])<<16 | uint32(offer[2])<<8 | uint32(offer[3])

	var choice SecurityLayer
	switch {
	case transportSecure && mask&SecurityLayerNone != 0:
		choice = SecurityLayerNone
	case mask&SecurityLayerConfidentiality != 0:
		choice = SecurityLayerConfidentiality
	case mask&SecurityLayerIntegrity != 0:
		choice = SecurityLayerIntegrity
	case mask&SecurityLayerNone != 0:
		choice = SecurityLayerNone
	default:
		return 0, nil, errors.New("no acceptable security layer offered")
	}

	size := uint32(maxSASLBufferSize)
	if choice == SecurityLayerNone {
		size = 0
	} else if maxBuf < size {
		size = maxBuf
	}

	response := []byte{byte(choice), byte(size >> 16), byte(size >> 8), byte(size)}
	wrapped, err := ctx.Wrap(response)
	if err != nil {
		return 0, nil, fmt.Errorf("wrap security layer choice: %w", err)
	}
	return choice, wrapped, nil
}

// External performs a SASL EXTERNAL bind, relying on the credentials
// the TLS layer already presented. On a plain transport it fails with
// ErrTransportNotSecure before writing anything to the wire.
type External struct {
	// AuthzID is the optional authorization identity.
	AuthzID string
}

func (a External) bind(c *Conn) error {
	if !c.TransportSecure() {
		return &BindError{Err: ErrTransportNotSecure}
	}
	var creds []byte
	if a.AuthzID != "" {
		creds = []byte(a.AuthzID)
	}
	res, _, err := c.bindRoundTrip(saslBindRequest(MechanismExternal, creds))
	if err != nil {
		return err
	}
	if res.ResultCode != LDAPResultSuccess {
		return bindRejected(res)
	}
	c.bindDiagnostics = res.DiagnosticMessage
	return nil
}

// bindRoundTrip sends one bind request and parses the bind response.
func (c *Conn) bindRoundTrip(op *ber.Packet) (*Result, []byte, error) {
	msg, err := c.roundTrip(op)
	if err != nil {
		return nil, nil, err
	}
	if msg.operation() != ApplicationBindResponse {
		return nil, nil, c.fail(&ProtocolError{Reason: "unexpected response to bind request"})
	}
	res, creds, err := parseBindResult(msg.op)
	if err != nil {
		return nil, nil, c.fail(err)
	}
	return res, creds, nil
}

func bindRejected(res *Result) error {
	return &BindError{
		ResultCode:        res.ResultCode,
		MatchedDN:         res.MatchedDN,
		DiagnosticMessage: res.DiagnosticMessage,
		Referrals:         res.Referrals,
	}
}
