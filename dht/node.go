package dht

import (
	"net/netip"
	"time"

	"github.com/opd-ai/swarmdht/krpc"
)

// NodeStatus represents the liveness of a node.
type NodeStatus uint8

const (
	// StatusGood nodes answered recently or queried us recently.
	StatusGood NodeStatus = iota
	// StatusQuestionable nodes have been silent for the inactivity window
	// or missed one query.
	StatusQuestionable
	// StatusBad nodes stopped answering queries and are replaced first.
	StatusBad
)

func (s NodeStatus) String() string {
	switch s {
	case StatusGood:
		return "good"
	case StatusQuestionable:
		return "questionable"
	case StatusBad:
		return "bad"
	default:
		return "unknown"
	}
}

// Node is a routing table entry.
type Node struct {
	ID       krpc.ID
	Addr     netip.AddrPort
	LastSeen time.Time
	Status   NodeStatus
	Failures int
}

// NewNode creates a good node last seen at now.
func NewNode(info krpc.NodeInfo, now time.Time) *Node {
	return &Node{
		ID:       info.ID,
		Addr:     info.Addr,
		LastSeen: now,
		Status:   StatusGood,
	}
}

// Info returns the wire identity of the node.
func (n *Node) Info() krpc.NodeInfo {
	return krpc.NodeInfo{ID: n.ID, Addr: n.Addr}
}

// Distance returns the XOR distance from the node to target.
func (n *Node) Distance(target krpc.ID) krpc.ID {
	return n.ID.Xor(target)
}

// IsActive checks if the node has been seen within the timeout period.
func (n *Node) IsActive(now time.Time, timeout time.Duration) bool {
	return now.Sub(n.LastSeen) < timeout
}

// touch records traffic from the node.
func (n *Node) touch(addr netip.AddrPort, now time.Time) {
	n.Addr = addr
	n.LastSeen = now
	n.Status = StatusGood
	n.Failures = 0
}

// fail records a missed reply. A good node becomes questionable; a
// questionable node becomes bad.
func (n *Node) fail() {
	n.Failures++
	switch n.Status {
	case StatusGood:
		n.Status = StatusQuestionable
	case StatusQuestionable:
		n.Status = StatusBad
	}
}
