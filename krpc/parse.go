package krpc

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/opd-ai/swarmdht/bencode"
)

// ErrMalformedMessage indicates valid bencode that is not a well-formed
// KRPC message.
var ErrMalformedMessage = errors.New("malformed krpc message")

func malformedf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedMessage, fmt.Sprintf(format, args...))
}

// ParseMessage decodes a datagram and classifies it. Bencode failures are
// returned unchanged so callers can tell them apart from protocol errors.
func ParseMessage(data []byte) (*Message, error) {
	v, err := bencode.Decode(data)
	if err != nil {
		return nil, err
	}
	d, ok := v.(*bencode.Dict)
	if !ok {
		return nil, malformedf("top level is a %s", v.Kind())
	}
	return FromDict(d)
}

// FromDict classifies a decoded dictionary by its "y" and "q" keys.
func FromDict(d *bencode.Dict) (*Message, error) {
	txID, ok := d.Bytes("t")
	if !ok {
		return nil, malformedf(`missing or non-string "t"`)
	}
	y, ok := d.Bytes("y")
	if !ok {
		return nil, malformedf(`missing or non-string "y"`)
	}

	m := &Message{TxID: txID, Data: d}
	switch string(y) {
	case "q":
		m.Type = TypeQuery
		q, ok := d.Bytes("q")
		if !ok {
			return nil, malformedf(`query without "q"`)
		}
		qt, known := ParseQueryType(string(q))
		if !known {
			return nil, malformedf("unknown query %q", q)
		}
		m.Query = qt
		if _, ok := d.Dict("a"); !ok {
			return nil, malformedf(`query without "a" dictionary`)
		}
	case "r":
		m.Type = TypeResponse
		if _, ok := d.Dict("r"); !ok {
			return nil, malformedf(`response without "r" dictionary`)
		}
	case "e":
		m.Type = TypeError
		if _, ok := d.List("e"); !ok {
			return nil, malformedf(`error without "e" list`)
		}
	default:
		return nil, malformedf("unknown message type %q", y)
	}
	return m, nil
}

// QueryArgs holds the typed arguments of a query.
type QueryArgs struct {
	ID          ID
	Target      ID // find_node
	InfoHash    ID // get_peers, announce_peer
	Port        uint16
	ImpliedPort bool
	Token       []byte
}

// Args extracts and validates the arguments required by the query type.
func (m *Message) Args() (*QueryArgs, error) {
	if m.Type != TypeQuery {
		return nil, malformedf("%s has no arguments", m.Type)
	}
	a, _ := m.Data.Dict("a")

	args := &QueryArgs{}
	var err error
	if args.ID, err = idField(a, "id"); err != nil {
		return nil, err
	}

	switch m.Query {
	case QueryFindNode:
		if args.Target, err = idField(a, "target"); err != nil {
			return nil, err
		}
	case QueryGetPeers:
		if args.InfoHash, err = idField(a, "info_hash"); err != nil {
			return nil, err
		}
	case QueryAnnouncePeer:
		if args.InfoHash, err = idField(a, "info_hash"); err != nil {
			return nil, err
		}
		port, ok := a.Int("port")
		if !ok {
			return nil, malformedf(`announce_peer without integer "port"`)
		}
		if port < 0 || port > 65535 {
			return nil, malformedf("port %d out of range", port)
		}
		args.Port = uint16(port)
		if args.Token, ok = a.Bytes("token"); !ok {
			return nil, malformedf(`announce_peer without "token"`)
		}
		if implied, ok := a.Int("implied_port"); ok && implied != 0 {
			args.ImpliedPort = true
		}
	}
	return args, nil
}

// Response holds the typed fields of a response.
type Response struct {
	ID     ID
	Nodes  []NodeInfo
	Token  []byte
	Values []netip.AddrPort
}

// Response extracts the fields of a response. Nodes are read from the key
// matching mode; a corrupt compact buffer makes the message malformed.
func (m *Message) Response(mode AddressMode) (*Response, error) {
	if m.Type != TypeResponse {
		return nil, malformedf("%s is not a response", m.Type)
	}
	r, _ := m.Data.Dict("r")

	resp := &Response{}
	var err error
	if resp.ID, err = idField(r, "id"); err != nil {
		return nil, err
	}

	if v, ok := r.Get(mode.NodesKey()); ok {
		s, ok := v.(bencode.String)
		if !ok {
			return nil, malformedf("%q is a %s", mode.NodesKey(), v.Kind())
		}
		if resp.Nodes, err = mode.ParseCompactNodes(s); err != nil {
			return nil, malformedf("%v", err)
		}
	}

	if v, ok := r.Get("token"); ok {
		s, ok := v.(bencode.String)
		if !ok {
			return nil, malformedf(`"token" is a %s`, v.Kind())
		}
		resp.Token = s
	}

	if v, ok := r.Get("values"); ok {
		l, ok := v.(bencode.List)
		if !ok {
			return nil, malformedf(`"values" is a %s`, v.Kind())
		}
		if resp.Values, err = mode.ParseCompactPeers(l); err != nil {
			return nil, malformedf("%v", err)
		}
	}
	return resp, nil
}

// Validate checks the fields a response to qt must carry.
func (r *Response) Validate(qt QueryType) error {
	if qt == QueryGetPeers && r.Token == nil {
		return malformedf(`get_peers response without "token"`)
	}
	return nil
}

// Error is a KRPC error message received from a remote node.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("krpc error %d: %s", e.Code, e.Message)
}

// Err extracts the remote error carried by an error message.
func (m *Message) Err() (*Error, error) {
	if m.Type != TypeError {
		return nil, malformedf("%s is not an error", m.Type)
	}
	l, _ := m.Data.List("e")
	if len(l) < 2 {
		return nil, malformedf(`"e" has %d elements`, len(l))
	}
	code, ok := l[0].(bencode.Int)
	if !ok {
		return nil, malformedf("error code is a %s", l[0].Kind())
	}
	msg, ok := l[1].(bencode.String)
	if !ok {
		return nil, malformedf("error message is a %s", l[1].Kind())
	}
	return &Error{Code: int(code), Message: string(msg)}, nil
}

func idField(d *bencode.Dict, key string) (ID, error) {
	b, ok := d.Bytes(key)
	if !ok {
		return ID{}, malformedf("missing or non-string %q", key)
	}
	id, err := IDFromBytes(b)
	if err != nil {
		return ID{}, malformedf("%q: %v", key, err)
	}
	return id, nil
}
