package ldapclient

import (
	"fmt"

	ber "github.com/go-asn1-ber/asn1-ber"
)

// requestEnvelope wraps a protocol operation into an LDAPMessage.
func requestEnvelope(messageID int64, op *ber.Packet) *ber.Packet {
	packet := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "LDAP Request")
	packet.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, messageID, "MessageID"))
	packet.AppendChild(op)
	return packet
}

func simpleBindRequest(name, password string) *ber.Packet {
	bindRequest := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ApplicationBindRequest, nil, "Bind Request")
	bindRequest.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, 3, "Version"))
	bindRequest.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, name, "Name"))
	bindRequest.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 0, password, "Password"))
	return bindRequest
}

// saslBindRequest builds a SASL bind. A nil credentials slice omits the
// optional credentials element entirely.
func saslBindRequest(mechanism string, credentials []byte) *ber.Packet {
	bindRequest := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ApplicationBindRequest, nil, "Bind Request")
	bindRequest.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, 3, "Version"))
	bindRequest.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, "", "Name"))
	auth := ber.Encode(ber.ClassContext, ber.TypeConstructed, 3, nil, "SASL Credentials")
	auth.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, mechanism, "Mechanism"))
	if credentials != nil {
		auth.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, string(credentials), "Credentials"))
	}
	bindRequest.AppendChild(auth)
	return bindRequest
}

func searchRequestOp(req *SearchRequest) *ber.Packet {
	searchRequest := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ApplicationSearchRequest, nil, "Search Request")
	searchRequest.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, req.BaseDN, "BaseObject"))
	searchRequest.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, int64(req.Scope), "Scope"))
	searchRequest.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, int64(req.DerefAliases), "DerefAliases"))
	searchRequest.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, int64(req.SizeLimit), "SizeLimit"))
	searchRequest.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, int64(req.TimeLimit), "TimeLimit"))
	searchRequest.AppendChild(ber.NewBoolean(ber.ClassUniversal, ber.TypePrimitive, ber.TagBoolean, req.TypesOnly, "TypesOnly"))
	searchRequest.AppendChild(req.Filter)
	attributes := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Attributes")
	for _, attr := range req.Attributes {
		attributes.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, attr, "Attribute"))
	}
	searchRequest.AppendChild(attributes)
	return searchRequest
}

func unbindRequestOp() *ber.Packet {
	return ber.Encode(ber.ClassApplication, ber.TypePrimitive, ApplicationUnbindRequest, nil, "Unbind Request")
}

func startTLSRequestOp() *ber.Packet {
	extendedRequest := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ApplicationExtendedRequest, nil, "Extended Request")
	extendedRequest.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 0, NoticeOfStartTLS, "RequestName"))
	return extendedRequest
}

// responseMessage is one decoded LDAPMessage read from the server.
type responseMessage struct {
	id int64
	op *ber.Packet
}

func (m *responseMessage) operation() int {
	return int(m.op.Tag)
}

func parseResponseMessage(packet *ber.Packet) (*responseMessage, error) {
	if packet == nil || packet.ClassType != ber.ClassUniversal || packet.Tag != ber.TagSequence || len(packet.Children) < 2 {
		return nil, &ProtocolError{Reason: "malformed LDAP message envelope"}
	}
	id, ok := berInt(packet.Children[0])
	if !ok {
		return nil, &ProtocolError{Reason: "malformed message ID"}
	}
	op := packet.Children[1]
	if op.ClassType != ber.ClassApplication {
		return nil, &ProtocolError{Reason: "protocol operation is not application class"}
	}
	return &responseMessage{id: id, op: op}, nil
}

// Result is the LDAPResult triplet carried by terminal responses,
// together with any referral URIs the server included.
type Result struct {
	ResultCode        int
	MatchedDN         string
	DiagnosticMessage string
	Referrals         []string
}

func parseResult(op *ber.Packet) (*Result, error) {
	if len(op.Children) < 3 {
		return nil, &ProtocolError{Reason: "truncated LDAP result"}
	}
	code, ok := berInt(op.Children[0])
	if !ok {
		return nil, &ProtocolError{Reason: "malformed result code"}
	}
	res := &Result{
		ResultCode:        int(code),
		MatchedDN:         berString(op.Children[1]),
		DiagnosticMessage: berString(op.Children[2]),
	}
	for _, child := range op.Children[3:] {
		if child.ClassType == ber.ClassContext && child.Tag == 3 {
			for _, uri := range child.Children {
				res.Referrals = append(res.Referrals, berString(uri))
			}
		}
	}
	return res, nil
}

// parseBindResult additionally extracts the optional serverSaslCreds
// element (context tag 7).
func parseBindResult(op *ber.Packet) (*Result, []byte, error) {
	res, err := parseResult(op)
	if err != nil {
		return nil, nil, err
	}
	var creds []byte
	for _, child := range op.Children[3:] {
		if child.ClassType == ber.ClassContext && child.Tag == 7 {
			creds = child.Data.Bytes()
		}
	}
	return res, creds, nil
}

func parseSearchEntry(op *ber.Packet) (*RawEntry, error) {
	if len(op.Children) != 2 {
		return nil, &ProtocolError{Reason: "malformed search result entry"}
	}
	entry := &RawEntry{DN: berString(op.Children[0])}
	for _, attr := range op.Children[1].Children {
		if len(attr.Children) != 2 {
			return nil, &ProtocolError{Reason: fmt.Sprintf("malformed attribute in entry %q", entry.DN)}
		}
		a := Attribute{Name: berString(attr.Children[0])}
		for _, val := range attr.Children[1].Children {
			a.Values = append(a.Values, val.Data.Bytes())
		}
		entry.Attributes = append(entry.Attributes, a)
	}
	return entry, nil
}

func parseSearchReference(op *ber.Packet) []string {
	uris := make([]string, 0, len(op.Children))
	for _, child := range op.Children {
		uris = append(uris, berString(child))
	}
	return uris
}

func berInt(packet *ber.Packet) (int64, bool) {
	switch v := packet.Value.(type) {
	case int64:
		return v, true
	case uint64:
		return int64(v), true
	case int:
		return int64(v), true
	}
	return 0, false
}

func berString(packet *ber.Packet) string {
	if s, ok := packet.Value.(string); ok {
		return s
	}
	return string(packet.Data.Bytes())
}
