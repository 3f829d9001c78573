package dht

import (
	"net/netip"

	"github.com/opd-ai/swarmdht/krpc"
)

// State is the engine lifecycle state.
type State uint8

const (
	StateIdle State = iota
	StateJoining
	StateActive
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// EventType identifies an Event.
type EventType uint8

const (
	// EventPeersFound carries peers newly seen for InfoHash.
	EventPeersFound EventType = iota
	// EventNodesDiscovered carries nodes that entered the routing table.
	EventNodesDiscovered
	// EventStateChanged carries the new State.
	EventStateChanged
	// EventNetworkError carries a socket error.
	EventNetworkError
)

func (t EventType) String() string {
	switch t {
	case EventPeersFound:
		return "peers_found"
	case EventNodesDiscovered:
		return "nodes_discovered"
	case EventStateChanged:
		return "state_changed"
	case EventNetworkError:
		return "network_error"
	default:
		return "unknown"
	}
}

// Event is published on the engine's events channel.
type Event struct {
	Type     EventType
	InfoHash krpc.ID
	Peers    []netip.AddrPort
	Nodes    []krpc.NodeInfo
	State    State
	Err      error
}

// PeersFoundFunc receives peers discovered for a swarm.
type PeersFoundFunc func(infoHash krpc.ID, peers []netip.AddrPort)

// LookupResult is the outcome of FindPeersFor.
type LookupResult struct {
	InfoHash krpc.ID
	Peers    []netip.AddrPort
	// Closest nodes that answered, nearest first.
	Nodes []krpc.NodeInfo
	Err   error
}
