// Package krpc builds and parses the KRPC messages exchanged by DHT nodes:
// ping, find_node, get_peers and announce_peer queries, their responses,
// and protocol errors. It also holds the compact node and peer encodings
// and the identifier arithmetic shared by the rest of the module.
package krpc

import (
	"net/netip"

	"github.com/opd-ai/swarmdht/bencode"
)

// MessageType is the value of the "y" key.
type MessageType uint8

const (
	TypeQuery MessageType = iota + 1
	TypeResponse
	TypeError
)

func (t MessageType) String() string {
	switch t {
	case TypeQuery:
		return "query"
	case TypeResponse:
		return "response"
	case TypeError:
		return "error"
	default:
		return "unknown"
	}
}

func (t MessageType) wire() string {
	switch t {
	case TypeQuery:
		return "q"
	case TypeResponse:
		return "r"
	default:
		return "e"
	}
}

// QueryType is the value of the "q" key.
type QueryType uint8

const (
	QueryNone QueryType = iota
	QueryPing
	QueryFindNode
	QueryGetPeers
	QueryAnnouncePeer
)

var queryNames = map[QueryType]string{
	QueryPing:         "ping",
	QueryFindNode:     "find_node",
	QueryGetPeers:     "get_peers",
	QueryAnnouncePeer: "announce_peer",
}

func (q QueryType) String() string {
	if name, ok := queryNames[q]; ok {
		return name
	}
	return "none"
}

// ParseQueryType maps a wire query name to its QueryType.
func ParseQueryType(name string) (QueryType, bool) {
	for q, n := range queryNames {
		if n == name {
			return q, true
		}
	}
	return QueryNone, false
}

// Standard KRPC error codes.
const (
	ErrorGeneric       = 201
	ErrorServer        = 202
	ErrorProtocol      = 203
	ErrorMethodUnknown = 204
)

// Message is one KRPC message. Messages are built once and not modified.
type Message struct {
	Type  MessageType
	Query QueryType // set for queries only
	TxID  []byte
	Data  *bencode.Dict
}

// Encode returns the canonical bencoding of the message.
func (m *Message) Encode() []byte {
	return bencode.Encode(m.Data)
}

func newMessage(t MessageType, q QueryType, txID []byte) (*Message, *bencode.Dict) {
	d := bencode.NewDict()
	d.Set("t", bencode.String(txID))
	d.Set("y", bencode.Str(t.wire()))
	if t == TypeQuery {
		d.Set("q", bencode.Str(q.String()))
	}
	return &Message{Type: t, Query: q, TxID: txID, Data: d}, d
}

func newQuery(q QueryType, txID []byte, args *bencode.Dict) *Message {
	m, d := newMessage(TypeQuery, q, txID)
	d.Set("a", args)
	return m
}

func newResponse(txID []byte, r *bencode.Dict) *Message {
	m, d := newMessage(TypeResponse, QueryNone, txID)
	d.Set("r", r)
	return m
}

func idArgs(localID ID) *bencode.Dict {
	return bencode.NewDict().Set("id", bencode.String(localID[:]))
}

// wantN6 asks IPv6 capable responders for nodes6.
func wantN6(m *Message, mode AddressMode) *Message {
	if mode == IPv6 {
		m.Data.Set("want", bencode.List{bencode.Str("n6")})
	}
	return m
}

// NewPingQuery builds a ping query.
func NewPingQuery(txID []byte, localID ID) *Message {
	return newQuery(QueryPing, txID, idArgs(localID))
}

// NewFindNodeQuery builds a find_node query for target.
func NewFindNodeQuery(txID []byte, localID, target ID, mode AddressMode) *Message {
	args := idArgs(localID).Set("target", bencode.String(target[:]))
	return wantN6(newQuery(QueryFindNode, txID, args), mode)
}

// NewGetPeersQuery builds a get_peers query for infoHash.
func NewGetPeersQuery(txID []byte, localID, infoHash ID, mode AddressMode) *Message {
	args := idArgs(localID).Set("info_hash", bencode.String(infoHash[:]))
	return wantN6(newQuery(QueryGetPeers, txID, args), mode)
}

// NewAnnouncePeerQuery builds an announce_peer query. When impliedPort is
// set the receiver uses the datagram's source port instead of port.
func NewAnnouncePeerQuery(txID []byte, localID, infoHash ID, impliedPort bool, port uint16, token []byte) *Message {
	args := idArgs(localID)
	if impliedPort {
		args.Set("implied_port", bencode.Int(1))
	}
	args.Set("info_hash", bencode.String(infoHash[:]))
	args.Set("port", bencode.Int(port))
	args.Set("token", bencode.String(token))
	return newQuery(QueryAnnouncePeer, txID, args)
}

// NewPingResponse builds the reply to a ping.
func NewPingResponse(txID []byte, localID ID) *Message {
	return newResponse(txID, idArgs(localID))
}

// NewFindNodeResponse builds the reply to find_node carrying nodes in
// compact form.
func NewFindNodeResponse(txID []byte, localID ID, nodes []NodeInfo, mode AddressMode) *Message {
	r := idArgs(localID).Set(mode.NodesKey(), bencode.String(mode.CompactNodes(nodes)))
	return newResponse(txID, r)
}

// NewGetPeersResponse builds the reply to get_peers. The token is derived
// from infoHash; values is omitted when peers is empty.
func NewGetPeersResponse(txID []byte, localID, infoHash ID, peers []netip.AddrPort, nodes []NodeInfo, mode AddressMode) *Message {
	r := idArgs(localID)
	r.Set("token", bencode.String(TokenFor(infoHash)))
	if values := mode.CompactPeers(peers); values != nil {
		r.Set("values", values)
	}
	r.Set(mode.NodesKey(), bencode.String(mode.CompactNodes(nodes)))
	return newResponse(txID, r)
}

// NewAnnouncePeerResponse builds the reply to announce_peer.
func NewAnnouncePeerResponse(txID []byte, localID ID, nodes []NodeInfo, mode AddressMode) *Message {
	r := idArgs(localID)
	if len(nodes) > 0 {
		r.Set(mode.NodesKey(), bencode.String(mode.CompactNodes(nodes)))
	}
	return newResponse(txID, r)
}

// NewError builds an error message.
func NewError(txID []byte, code int, msg string) *Message {
	m, d := newMessage(TypeError, QueryNone, txID)
	d.Set("e", bencode.List{bencode.Int(code), bencode.Str(msg)})
	return m
}
