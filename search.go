package ldapclient

import (
	"errors"
	"fmt"
	"strings"

	ber "github.com/go-asn1-ber/asn1-ber"
	goldap "github.com/go-ldap/ldap/v3"
)

// SearchRequest describes one search operation. Filter holds the
// compiled filter packet; build it with CompileFilter or
// NewSearchRequest.
type SearchRequest struct {
	BaseDN       string
	Scope        int
	DerefAliases int
	SizeLimit    int
	TimeLimit    int
	TypesOnly    bool
	Filter       *ber.Packet
	Attributes   []string
}

// NewSearchRequest compiles the filter expression and assembles a
// request with the given base, scope and attribute selection.
func NewSearchRequest(baseDN string, scope int, filter string, attributes ...string) (*SearchRequest, error) {
	compiled, err := CompileFilter(filter)
	if err != nil {
		return nil, err
	}
	return &SearchRequest{
		BaseDN:       baseDN,
		Scope:        scope,
		DerefAliases: NeverDerefAliases,
		Filter:       compiled,
		Attributes:   attributes,
	}, nil
}

// CompileFilter turns a string filter expression into the packet form
// carried inside a search request.
func CompileFilter(filter string) (*ber.Packet, error) {
	packet, err := goldap.CompileFilter(filter)
	if err != nil {
		return nil, fmt.Errorf("ldapclient: compile filter %q: %w", filter, err)
	}
	return packet, nil
}

// EscapeFilter escapes a value for embedding in a filter expression.
func EscapeFilter(value string) string {
	return goldap.EscapeFilter(value)
}

// Search sends one search request and returns the response stream. The
// connection stays busy until the stream is drained; starting another
// operation before that fails with ErrSessionBusy.
func (c *Conn) Search(req *SearchRequest) (*SearchResults, error) {
	switch {
	case c.state == stateClosed:
		return nil, ErrConnectionClosed
	case c.state != stateBound:
		return nil, ErrNotBound
	case c.searching:
		return nil, ErrSessionBusy
	}
	if req.Filter == nil {
		return nil, errors.New("ldapclient: search request has no filter")
	}

	id, err := c.sendRequest(searchRequestOp(req))
	if err != nil {
		return nil, err
	}
	c.searching = true
	return &SearchResults{c: c, id: id}, nil
}

// SearchResults streams the entries of one search. The stream is
// one-shot: entries arrive in server order, each is surfaced exactly
// once, and the stream cannot be restarted.
type SearchResults struct {
	c         *Conn
	id        int64
	done      bool
	referrals []string
	result    *Result
}

// Next returns the next entry, or (nil, nil) once the terminal done
// message has been consumed. Transport faults and protocol violations
// end the stream with an error and close the connection.
func (r *SearchResults) Next() (*RawEntry, error) {
	if r.done {
		return nil, nil
	}
	for {
		msg, err := r.c.receive(r.id)
		if err != nil {
			r.finish()
			return nil, err
		}
		switch msg.operation() {
		case ApplicationSearchResultEntry:
			entry, err := parseSearchEntry(msg.op)
			if err != nil {
				r.finish()
				return nil, r.c.fail(err)
			}
			return entry, nil

		case ApplicationSearchResultReference:
			r.referrals = append(r.referrals, parseSearchReference(msg.op)...)

		case ApplicationSearchResultDone:
			res, err := parseResult(msg.op)
			if err != nil {
				r.finish()
				return nil, r.c.fail(err)
			}
			res.Referrals = append(r.referrals, res.Referrals...)
			r.result = res
			r.finish()
			return nil, nil

		default:
			r.finish()
			return nil, r.c.fail(&ProtocolError{Reason: "unexpected operation in search response stream"})
		}
	}
}

// Result returns the terminal status of the search: the done message's
// result code, diagnostics and collected referrals. It is nil until the
// stream has been drained. A non-success code such as
// sizeLimitExceeded is a status, not an error; all entries received
// before it were delivered through Next.
func (r *SearchResults) Result() *Result {
	return r.result
}

// Entries drains the remaining stream into a slice.
func (r *SearchResults) Entries() ([]*RawEntry, error) {
	var entries []*RawEntry
	for {
		entry, err := r.Next()
		if err != nil {
			return entries, err
		}
		if entry == nil {
			return entries, nil
		}
		entries = append(entries, entry)
	}
}

func (r *SearchResults) finish() {
	r.done = true
	r.c.searching = false
}

// RawEntry is one search result entry: its DN and the attribute list
// in server order.
type RawEntry struct {
	DN         string
	Attributes []Attribute
}

// Attribute is one attribute of an entry with its values in server
// order.
type Attribute struct {
	Name   string
	Values [][]byte
}

// Values returns the values of the named attribute. Attribute names
// compare case-insensitively.
func (e *RawEntry) Values(name string) [][]byte {
	for _, attr := range e.Attributes {
		if strings.EqualFold(attr.Name, name) {
			return attr.Values
		}
	}
	return nil
}

// Value returns the first value of the named attribute as a string, or
// "" when absent.
func (e *RawEntry) Value(name string) string {
	values := e.Values(name)
	if len(values) == 0 {
		return ""
	}
	return string(values[0])
}

// Record is the outcome of mapping one entry onto a typed struct. Err
// is set when the entry could not be mapped; sibling records are
// unaffected.
type Record[T any] struct {
	DN    string
	Value T
	Err   error
}

// CollectRecords drains the stream, mapping each entry onto T via
// UnmarshalEntry. Mapping failures stay local to their record; the
// returned error reports stream-level faults only.
func CollectRecords[T any](r *SearchResults) ([]Record[T], error) {
	var records []Record[T]
	for {
		entry, err := r.Next()
		if err != nil {
			return records, err
		}
		if entry == nil {
			return records, nil
		}
		rec := Record[T]{DN: entry.DN}
		if err := UnmarshalEntry(entry, &rec.Value); err != nil {
			rec.Err = err
		}
		records = append(records, rec)
	}
}
