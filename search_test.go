package ldapclient

import (
	"testing"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bindAndServeSearch(t *testing.T, serve func(sc *serverConn, id int64)) *Conn {
	t.Helper()
	addr := startFakeServer(t, func(sc *serverConn) {
		handleSimpleBindSuccess(sc)
		id, op, ok := sc.readRequest()
		if !ok || int(op.Tag) != ApplicationSearchRequest {
			return
		}
		serve(sc, id)
	})
	c := dialFakeServer(t, addr)
	require.NoError(t, c.Bind(Simple{DN: "cn=admin", Password: "secret"}))
	return c
}

func TestSearchOrderedEntries(t *testing.T) {
	c := bindAndServeSearch(t, func(sc *serverConn, id int64) {
		sc.write(searchEntryPacket(id, "uid=a,dc=example,dc=com", testAttr{"uid", []string{"a"}}))
		sc.write(searchEntryPacket(id, "uid=b,dc=example,dc=com", testAttr{"uid", []string{"b"}}))
		sc.write(searchEntryPacket(id, "uid=c,dc=example,dc=com", testAttr{"uid", []string{"c"}}))
		sc.write(searchDonePacket(id, LDAPResultSuccess, ""))
	})

	res, err := c.Search(subtreeSearchRequest(t))
	require.NoError(t, err)

	entries, err := res.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "a", entries[0].Value("uid"))
	assert.Equal(t, "b", entries[1].Value("uid"))
	assert.Equal(t, "c", entries[2].Value("uid"))

	require.NotNil(t, res.Result())
	assert.Equal(t, LDAPResultSuccess, res.Result().ResultCode)

	// the stream is one-shot
	entry, err := res.Next()
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestSearchBeforeBind(t *testing.T) {
	addr := startFakeServer(t, func(sc *serverConn) {})
	c := dialFakeServer(t, addr)

	_, err := c.Search(subtreeSearchRequest(t))
	assert.ErrorIs(t, err, ErrNotBound)
}

func TestSearchReferralsCollected(t *testing.T) {
	c := bindAndServeSearch(t, func(sc *serverConn, id int64) {
		sc.write(searchEntryPacket(id, "uid=a,dc=example,dc=com", testAttr{"uid", []string{"a"}}))
		sc.write(searchReferencePacket(id, "ldap://other.example.com/dc=example,dc=com"))
		sc.write(searchEntryPacket(id, "uid=b,dc=example,dc=com", testAttr{"uid", []string{"b"}}))
		sc.write(searchDonePacket(id, LDAPResultSuccess, ""))
	})

	res, err := c.Search(subtreeSearchRequest(t))
	require.NoError(t, err)

	entries, err := res.Entries()
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	require.NotNil(t, res.Result())
	assert.Equal(t, []string{"ldap://other.example.com/dc=example,dc=com"}, res.Result().Referrals)
}

func TestSearchSizeLimitTerminalStatus(t *testing.T) {
	c := bindAndServeSearch(t, func(sc *serverConn, id int64) {
		sc.write(searchEntryPacket(id, "uid=a,dc=example,dc=com"))
		sc.write(searchEntryPacket(id, "uid=b,dc=example,dc=com"))
		sc.write(searchDonePacket(id, LDAPResultSizeLimitExceeded, "size limit exceeded"))
	})

	res, err := c.Search(subtreeSearchRequest(t))
	require.NoError(t, err)

	// all entries received before the limit are delivered, and the
	// status is not an error
	entries, err := res.Entries()
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	require.NotNil(t, res.Result())
	assert.Equal(t, LDAPResultSizeLimitExceeded, res.Result().ResultCode)
	assert.Equal(t, "size limit exceeded", res.Result().DiagnosticMessage)
}

type person struct {
	DN   string  `ldap:",dn"`
	UID  string  `ldap:"uid,required"`
	Mail *string `ldap:"mail"`
}

func TestSearchTypedRecordRoundTrip(t *testing.T) {
	request := make(chan *SearchRequest, 1)
	addr := startFakeServer(t, func(sc *serverConn) {
		handleSimpleBindSuccess(sc)
		id, op, ok := sc.readRequest()
		if !ok {
			return
		}
		request <- &SearchRequest{
			BaseDN: berString(op.Children[0]),
			Scope:  int(mustBerInt(op.Children[1])),
		}
		sc.write(searchEntryPacket(id, "uid=alice,dc=example,dc=com",
			testAttr{"uid", []string{"alice"}},
			testAttr{"mail", []string{"alice@example.com"}},
		))
		sc.write(searchDonePacket(id, LDAPResultSuccess, ""))
	})

	c := dialFakeServer(t, addr)
	require.NoError(t, c.Bind(Simple{DN: "cn=admin", Password: "secret"}))

	req, err := NewSearchRequest("dc=example,dc=com", SearchRequestHomeSubtree, "(uid=alice)", "uid", "mail")
	require.NoError(t, err)
	res, err := c.Search(req)
	require.NoError(t, err)

	records, err := CollectRecords[person](res)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.NoError(t, records[0].Err)
	assert.Equal(t, "uid=alice,dc=example,dc=com", records[0].Value.DN)
	assert.Equal(t, "alice", records[0].Value.UID)
	require.NotNil(t, records[0].Value.Mail)
	assert.Equal(t, "alice@example.com", *records[0].Value.Mail)

	sent := <-request
	assert.Equal(t, "dc=example,dc=com", sent.BaseDN)
	assert.Equal(t, SearchRequestHomeSubtree, sent.Scope)
}

func TestSearchRecordFailureStaysLocal(t *testing.T) {
	c := bindAndServeSearch(t, func(sc *serverConn, id int64) {
		sc.write(searchEntryPacket(id, "uid=a,dc=example,dc=com", testAttr{"uid", []string{"a"}}))
		sc.write(searchEntryPacket(id, "cn=broken,dc=example,dc=com", testAttr{"cn", []string{"broken"}}))
		sc.write(searchEntryPacket(id, "uid=c,dc=example,dc=com", testAttr{"uid", []string{"c"}}))
		sc.write(searchDonePacket(id, LDAPResultSuccess, ""))
	})

	res, err := c.Search(subtreeSearchRequest(t))
	require.NoError(t, err)

	records, err := CollectRecords[person](res)
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.NoError(t, records[0].Err)
	assert.Equal(t, "a", records[0].Value.UID)

	// the middle record lacks the required uid, its siblings are intact
	require.Error(t, records[1].Err)
	var merr *MappingError
	require.ErrorAs(t, records[1].Err, &merr)
	assert.Equal(t, "uid", merr.Attribute)
	assert.ErrorIs(t, records[1].Err, ErrMissingAttribute)

	assert.NoError(t, records[2].Err)
	assert.Equal(t, "c", records[2].Value.UID)
}

func TestCompileFilterInvalid(t *testing.T) {
	_, err := NewSearchRequest("dc=example,dc=com", SearchRequestHomeSubtree, "(uid=alice")
	require.Error(t, err)
}

func mustBerInt(p *ber.Packet) int64 {
	n, _ := berInt(p)
	return n
}
