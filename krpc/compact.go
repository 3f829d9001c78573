package krpc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/opd-ai/swarmdht/bencode"
)

// Compact record sizes.
const (
	CompactPeerLenIPv4 = 4 + 2
	CompactPeerLenIPv6 = 16 + 2
	CompactNodeLenIPv4 = IDLength + CompactPeerLenIPv4
	CompactNodeLenIPv6 = IDLength + CompactPeerLenIPv6
)

var (
	// ErrCorruptCompact indicates a compact buffer whose length does not
	// match the record size.
	ErrCorruptCompact = errors.New("corrupt compact encoding")

	// ErrAddressFamily indicates an address that cannot be represented in
	// the configured addressing mode.
	ErrAddressFamily = errors.New("address not representable in addressing mode")
)

// AddressMode selects the single address family an engine runs in.
type AddressMode uint8

const (
	IPv4 AddressMode = iota
	IPv6
)

func (m AddressMode) String() string {
	if m == IPv6 {
		return "ipv6"
	}
	return "ipv4"
}

// Network returns the net package network name for the mode.
func (m AddressMode) Network() string {
	if m == IPv6 {
		return "udp6"
	}
	return "udp4"
}

// NodeLen is the compact node record size for the mode.
func (m AddressMode) NodeLen() int {
	if m == IPv6 {
		return CompactNodeLenIPv6
	}
	return CompactNodeLenIPv4
}

// PeerLen is the compact peer record size for the mode.
func (m AddressMode) PeerLen() int {
	if m == IPv6 {
		return CompactPeerLenIPv6
	}
	return CompactPeerLenIPv4
}

// NodesKey is the response key carrying compact nodes for the mode.
func (m AddressMode) NodesKey() string {
	if m == IPv6 {
		return "nodes6"
	}
	return "nodes"
}

// Normalize converts addr into the mode's family. IPv4 mode unmaps
// ::ffff:a.b.c.d; IPv6 mode maps IPv4 addresses into ::ffff:0:0/96.
func (m AddressMode) Normalize(addr netip.Addr) (netip.Addr, error) {
	if !addr.IsValid() {
		return addr, fmt.Errorf("%w: invalid address", ErrAddressFamily)
	}
	addr = addr.WithZone("")
	if m == IPv6 {
		return netip.AddrFrom16(addr.As16()), nil
	}
	addr = addr.Unmap()
	if !addr.Is4() {
		return addr, fmt.Errorf("%w: %s in %s mode", ErrAddressFamily, addr, m)
	}
	return addr, nil
}

// NormalizeAddrPort applies Normalize to the address part of ap.
func (m AddressMode) NormalizeAddrPort(ap netip.AddrPort) (netip.AddrPort, error) {
	addr, err := m.Normalize(ap.Addr())
	if err != nil {
		return ap, err
	}
	return netip.AddrPortFrom(addr, ap.Port()), nil
}

// NodeInfo is the identity and endpoint of a DHT node as carried on the
// wire.
type NodeInfo struct {
	ID   ID
	Addr netip.AddrPort
}

func (n NodeInfo) String() string {
	return fmt.Sprintf("%s@%s", n.ID.String()[:8], n.Addr)
}

// AppendCompactPeer appends the compact form of ap to dst.
func (m AddressMode) AppendCompactPeer(dst []byte, ap netip.AddrPort) ([]byte, error) {
	addr, err := m.Normalize(ap.Addr())
	if err != nil {
		return dst, err
	}
	if m == IPv6 {
		a := addr.As16()
		dst = append(dst, a[:]...)
	} else {
		a := addr.As4()
		dst = append(dst, a[:]...)
	}
	return binary.BigEndian.AppendUint16(dst, ap.Port()), nil
}

// CompactPeer returns the compact form of ap.
func (m AddressMode) CompactPeer(ap netip.AddrPort) ([]byte, error) {
	return m.AppendCompactPeer(make([]byte, 0, m.PeerLen()), ap)
}

// CompactNode returns the compact form of n.
func (m AddressMode) CompactNode(n NodeInfo) ([]byte, error) {
	out := make([]byte, 0, m.NodeLen())
	out = append(out, n.ID[:]...)
	return m.AppendCompactPeer(out, n.Addr)
}

// CompactNodes concatenates the compact records of nodes. Nodes whose
// address does not fit the mode are skipped.
func (m AddressMode) CompactNodes(nodes []NodeInfo) []byte {
	out := make([]byte, 0, len(nodes)*m.NodeLen())
	for _, n := range nodes {
		rec, err := m.CompactNode(n)
		if err != nil {
			continue
		}
		out = append(out, rec...)
	}
	return out
}

// ParseCompactNodes splits data into node records of the mode's stride.
func (m AddressMode) ParseCompactNodes(data []byte) ([]NodeInfo, error) {
	stride := m.NodeLen()
	if len(data)%stride != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrCorruptCompact, len(data), stride)
	}
	nodes := make([]NodeInfo, 0, len(data)/stride)
	for off := 0; off < len(data); off += stride {
		rec := data[off : off+stride]
		var n NodeInfo
		copy(n.ID[:], rec[:IDLength])
		ap, err := m.parsePeer(rec[IDLength:])
		if err != nil {
			return nil, err
		}
		n.Addr = ap
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// ParseCompactPeer decodes a single 6 or 18 byte peer record and
// normalizes it into the mode.
func (m AddressMode) ParseCompactPeer(rec []byte) (netip.AddrPort, error) {
	return m.parsePeer(rec)
}

func (m AddressMode) parsePeer(rec []byte) (netip.AddrPort, error) {
	var addr netip.Addr
	switch len(rec) {
	case CompactPeerLenIPv4:
		addr = netip.AddrFrom4([4]byte(rec[:4]))
	case CompactPeerLenIPv6:
		addr = netip.AddrFrom16([16]byte(rec[:16]))
	default:
		return netip.AddrPort{}, fmt.Errorf("%w: peer record of %d bytes", ErrCorruptCompact, len(rec))
	}
	port := binary.BigEndian.Uint16(rec[len(rec)-2:])
	if m == IPv6 {
		addr = netip.AddrFrom16(addr.As16())
	} else {
		addr = addr.Unmap()
	}
	return netip.AddrPortFrom(addr, port), nil
}

// CompactPeers encodes peers as a list of compact byte strings, the shape
// of the get_peers "values" key. It returns nil for an empty input.
func (m AddressMode) CompactPeers(peers []netip.AddrPort) bencode.List {
	if len(peers) == 0 {
		return nil
	}
	values := make(bencode.List, 0, len(peers))
	for _, p := range peers {
		rec, err := m.CompactPeer(p)
		if err != nil {
			continue
		}
		values = append(values, bencode.String(rec))
	}
	return values
}

// ParseCompactPeers decodes a "values" list. Any entry that is not a 6 or
// 18 byte string makes the whole list corrupt.
func (m AddressMode) ParseCompactPeers(values bencode.List) ([]netip.AddrPort, error) {
	peers := make([]netip.AddrPort, 0, len(values))
	for i, v := range values {
		s, ok := v.(bencode.String)
		if !ok {
			return nil, fmt.Errorf("%w: values[%d] is a %s", ErrCorruptCompact, i, v.Kind())
		}
		ap, err := m.parsePeer(s)
		if err != nil {
			return nil, err
		}
		peers = append(peers, ap)
	}
	return peers, nil
}
