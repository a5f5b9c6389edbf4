package ldapclient

import (
	"bufio"
	"net"
	"os"
	"testing"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	Logger = DiscardingLogger
	os.Exit(m.Run())
}

// startFakeServer listens on a random loopback port and runs handler on
// the first accepted connection. Handlers answer with canned packets;
// assertions stay on the client side of the tests.
func startFakeServer(t *testing.T, handler func(sc *serverConn)) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handler(&serverConn{conn: conn, br: bufio.NewReader(conn)})
	}()

	return ln.Addr().String()
}

func dialFakeServer(t *testing.T, addr string) *Conn {
	t.Helper()
	c, err := Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type serverConn struct {
	conn net.Conn
	br   *bufio.Reader
}

// readRequest reads one LDAPMessage and returns its ID and operation.
func (s *serverConn) readRequest() (int64, *ber.Packet, bool) {
	packet, err := ber.ReadPacket(s.br)
	if err != nil || len(packet.Children) < 2 {
		return 0, nil, false
	}
	id, ok := berInt(packet.Children[0])
	if !ok {
		return 0, nil, false
	}
	return id, packet.Children[1], true
}

func (s *serverConn) write(packet *ber.Packet) {
	_, _ = s.conn.Write(packet.Bytes())
}

// --- response builders ---

func responseEnvelope(id int64, op *ber.Packet) *ber.Packet {
	packet := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "LDAP Response")
	packet.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, id, "MessageID"))
	packet.AppendChild(op)
	return packet
}

func resultOp(tag int, code int, matchedDN, diag string) *ber.Packet {
	op := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ber.Tag(tag), nil, "Result")
	op.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, int64(code), "ResultCode"))
	op.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, matchedDN, "MatchedDN"))
	op.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, diag, "DiagnosticMessage"))
	return op
}

func bindResponsePacket(id int64, code int, diag string, saslCreds []byte) *ber.Packet {
	op := resultOp(ApplicationBindResponse, code, "", diag)
	if saslCreds != nil {
		op.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 7, string(saslCreds), "ServerSaslCreds"))
	}
	return responseEnvelope(id, op)
}

func bindReferralPacket(id int64, uris ...string) *ber.Packet {
	op := resultOp(ApplicationBindResponse, LDAPResultReferral, "", "")
	referral := ber.Encode(ber.ClassContext, ber.TypeConstructed, 3, nil, "Referral")
	for _, uri := range uris {
		referral.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, uri, "URI"))
	}
	op.AppendChild(referral)
	return responseEnvelope(id, op)
}

type testAttr struct {
	name   string
	values []string
}

func searchEntryPacket(id int64, dn string, attrs ...testAttr) *ber.Packet {
	op := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ApplicationSearchResultEntry, nil, "SearchResultEntry")
	op.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, dn, "LDAPDN"))
	attributes := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Attributes")
	for _, attr := range attrs {
		a := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Attribute")
		a.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, attr.name, "Type"))
		values := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSet, nil, "Values")
		for _, v := range attr.values {
			values.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, v, "Value"))
		}
		a.AppendChild(values)
		attributes.AppendChild(a)
	}
	op.AppendChild(attributes)
	return responseEnvelope(id, op)
}

func searchDonePacket(id int64, code int, diag string) *ber.Packet {
	return responseEnvelope(id, resultOp(ApplicationSearchResultDone, code, "", diag))
}

func searchReferencePacket(id int64, uris ...string) *ber.Packet {
	op := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ApplicationSearchResultReference, nil, "SearchResultReference")
	for _, uri := range uris {
		op.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, uri, "URI"))
	}
	return responseEnvelope(id, op)
}

// saslCredsFromBind extracts the SASL credentials of a bind request
// operation, nil when the optional element is absent.
func saslCredsFromBind(op *ber.Packet) []byte {
	if len(op.Children) != 3 {
		return nil
	}
	auth := op.Children[2]
	if len(auth.Children) < 2 {
		return nil
	}
	return auth.Children[1].Data.Bytes()
}

// handleSimpleBindSuccess answers the first request with a successful
// bind response.
func handleSimpleBindSuccess(sc *serverConn) bool {
	id, op, ok := sc.readRequest()
	if !ok || int(op.Tag) != ApplicationBindRequest {
		return false
	}
	sc.write(bindResponsePacket(id, LDAPResultSuccess, "", nil))
	return true
}
