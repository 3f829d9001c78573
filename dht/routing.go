package dht

import (
	"container/heap"
	"sync"
	"time"

	"github.com/opd-ai/swarmdht/krpc"
)

// DefaultBucketSize is the Kademlia k parameter.
const DefaultBucketSize = 8

const maxBuckets = krpc.IDLength * 8

// InsertResult reports what Insert did with a node.
type InsertResult uint8

const (
	InsertAdded InsertResult = iota
	InsertUpdated
	InsertReplaced
	InsertRejected
	// InsertKnown is returned by Learn for a node already in the table.
	InsertKnown
)

func (r InsertResult) String() string {
	switch r {
	case InsertAdded:
		return "added"
	case InsertUpdated:
		return "updated"
	case InsertReplaced:
		return "replaced"
	case InsertKnown:
		return "known"
	default:
		return "rejected"
	}
}

// kBucket holds up to k nodes ordered from least to most recently seen.
type kBucket struct {
	nodes       []*Node
	lastChanged int64 // unix nanoseconds
}

func (b *kBucket) find(id krpc.ID) int {
	for i, n := range b.nodes {
		if n.ID == id {
			return i
		}
	}
	return -1
}

func (b *kBucket) remove(i int) *Node {
	n := b.nodes[i]
	b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
	return n
}

// RoutingTable keeps known nodes in buckets by XOR distance to the local
// id. Bucket i holds nodes sharing exactly i leading bits with the local id,
// except the last bucket which holds every node at depth >= its index. Only
// the last bucket may split.
type RoutingTable struct {
	localID krpc.ID
	k       int
	buckets []*kBucket
	clock   TimeProvider
	mu      sync.RWMutex
}

// NewRoutingTable creates a routing table with a single bucket.
func NewRoutingTable(localID krpc.ID, bucketSize int, clock TimeProvider) *RoutingTable {
	if bucketSize <= 0 {
		bucketSize = DefaultBucketSize
	}
	clock = timeProviderOrDefault(clock)
	return &RoutingTable{
		localID: localID,
		k:       bucketSize,
		buckets: []*kBucket{{lastChanged: clock.Now().UnixNano()}},
		clock:   clock,
	}
}

// LocalID returns the identifier the table is organised around.
func (rt *RoutingTable) LocalID() krpc.ID {
	return rt.localID
}

func (rt *RoutingTable) bucketIndex(id krpc.ID) int {
	cpl := rt.localID.CommonPrefixLen(id)
	if last := len(rt.buckets) - 1; cpl >= last {
		return last
	}
	return cpl
}

// Insert records direct contact with info: the node is added, or refreshed
// and marked good when already present. A good node claimed from another
// endpoint is left untouched and the insert rejected. A full bucket splits when it
// covers the local id, otherwise its least recently seen bad node is
// replaced; failing both the insert is rejected and the bucket is left
// unchanged.
func (rt *RoutingTable) Insert(info krpc.NodeInfo) InsertResult {
	return rt.insert(info, true)
}

// Learn adds a node another node told us about. Unlike Insert it never
// refreshes an entry already present, since hearsay says nothing about
// the node's liveness.
func (rt *RoutingTable) Learn(info krpc.NodeInfo) InsertResult {
	return rt.insert(info, false)
}

func (rt *RoutingTable) insert(info krpc.NodeInfo, contacted bool) InsertResult {
	if info.ID == rt.localID {
		return InsertRejected
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := rt.clock.Now()
	for {
		idx := rt.bucketIndex(info.ID)
		b := rt.buckets[idx]

		if i := b.find(info.ID); i >= 0 {
			if !contacted {
				return InsertKnown
			}
			// A good node keeps its endpoint; only a node that stopped
			// answering may move.
			if cur := b.nodes[i]; cur.Addr != info.Addr && cur.Status == StatusGood {
				return InsertRejected
			}
			n := b.remove(i)
			n.touch(info.Addr, now)
			b.nodes = append(b.nodes, n)
			b.lastChanged = now.UnixNano()
			return InsertUpdated
		}

		if len(b.nodes) < rt.k {
			b.nodes = append(b.nodes, NewNode(info, now))
			b.lastChanged = now.UnixNano()
			return InsertAdded
		}

		if idx == len(rt.buckets)-1 && len(rt.buckets) < maxBuckets {
			rt.split()
			continue
		}

		victim := -1
		for i, n := range b.nodes {
			if n.Status != StatusBad {
				continue
			}
			if victim < 0 || n.LastSeen.Before(b.nodes[victim].LastSeen) {
				victim = i
			}
		}
		if victim < 0 {
			return InsertRejected
		}
		b.remove(victim)
		b.nodes = append(b.nodes, NewNode(info, now))
		b.lastChanged = now.UnixNano()
		return InsertReplaced
	}
}

// split divides the last bucket: nodes at exactly its depth stay, deeper
// nodes move to a new last bucket.
func (rt *RoutingTable) split() {
	depth := len(rt.buckets) - 1
	old := rt.buckets[depth]
	deeper := &kBucket{lastChanged: old.lastChanged}

	kept := old.nodes[:0]
	for _, n := range old.nodes {
		if rt.localID.CommonPrefixLen(n.ID) > depth {
			deeper.nodes = append(deeper.nodes, n)
		} else {
			kept = append(kept, n)
		}
	}
	old.nodes = kept
	rt.buckets = append(rt.buckets, deeper)
}

// MarkFailed records a missed reply from id and returns its new status.
func (rt *RoutingTable) MarkFailed(id krpc.ID) (NodeStatus, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	b := rt.buckets[rt.bucketIndex(id)]
	i := b.find(id)
	if i < 0 {
		return StatusBad, false
	}
	b.nodes[i].fail()
	return b.nodes[i].Status, true
}

// Remove deletes id from the table.
func (rt *RoutingTable) Remove(id krpc.ID) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	b := rt.buckets[rt.bucketIndex(id)]
	i := b.find(id)
	if i < 0 {
		return false
	}
	b.remove(i)
	return true
}

// Get returns a copy of the entry for id.
func (rt *RoutingTable) Get(id krpc.ID) (Node, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	b := rt.buckets[rt.bucketIndex(id)]
	if i := b.find(id); i >= 0 {
		return *b.nodes[i], true
	}
	return Node{}, false
}

// Len returns the number of nodes in the table.
func (rt *RoutingTable) Len() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	total := 0
	for _, b := range rt.buckets {
		total += len(b.nodes)
	}
	return total
}

// NumBuckets returns the current number of buckets.
func (rt *RoutingTable) NumBuckets() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.buckets)
}

// Nodes returns copies of every entry.
func (rt *RoutingTable) Nodes() []Node {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var all []Node
	for _, b := range rt.buckets {
		for _, n := range b.nodes {
			all = append(all, *n)
		}
	}
	return all
}

// nodeHeap is a max-heap on distance to target, used to keep the closest
// count nodes while walking every bucket.
type nodeHeap struct {
	nodes     []*Node
	distances []krpc.ID
	target    krpc.ID
}

func (h *nodeHeap) Len() int { return len(h.nodes) }

func (h *nodeHeap) Less(i, j int) bool {
	return h.distances[i].Cmp(h.distances[j]) > 0
}

func (h *nodeHeap) Swap(i, j int) {
	h.nodes[i], h.nodes[j] = h.nodes[j], h.nodes[i]
	h.distances[i], h.distances[j] = h.distances[j], h.distances[i]
}

func (h *nodeHeap) Push(x interface{}) {
	n := x.(*Node)
	h.nodes = append(h.nodes, n)
	h.distances = append(h.distances, n.Distance(h.target))
}

func (h *nodeHeap) Pop() interface{} {
	last := len(h.nodes) - 1
	n := h.nodes[last]
	h.nodes = h.nodes[:last]
	h.distances = h.distances[:last]
	return n
}

// ClosestTo returns up to count non-bad nodes nearest to target, nearest
// first.
func (rt *RoutingTable) ClosestTo(target krpc.ID, count int) []krpc.NodeInfo {
	if count <= 0 {
		return []krpc.NodeInfo{}
	}

	rt.mu.RLock()
	defer rt.mu.RUnlock()

	h := &nodeHeap{
		nodes:     make([]*Node, 0, count),
		distances: make([]krpc.ID, 0, count),
		target:    target,
	}
	for _, b := range rt.buckets {
		for _, n := range b.nodes {
			if n.Status == StatusBad {
				continue
			}
			if h.Len() < count {
				heap.Push(h, n)
				continue
			}
			if n.Distance(target).Cmp(h.distances[0]) < 0 {
				heap.Pop(h)
				heap.Push(h, n)
			}
		}
	}

	result := make([]krpc.NodeInfo, h.Len())
	for i := len(result) - 1; i >= 0; i-- {
		result[i] = heap.Pop(h).(*Node).Info()
	}
	return result
}

// GenerateNeighborID returns an id made of the first half of target and
// the second half of the local id. This network answers find_node with it
// as the responder id; it is not a BEP 5 requirement.
func (rt *RoutingTable) GenerateNeighborID(target krpc.ID) krpc.ID {
	var id krpc.ID
	copy(id[:10], target[:10])
	copy(id[10:], rt.localID[10:])
	return id
}

// DemoteInactive marks good nodes silent for at least window as
// questionable and returns every questionable node, which the caller
// should ping.
func (rt *RoutingTable) DemoteInactive(window time.Duration) []krpc.NodeInfo {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := rt.clock.Now()
	var stale []krpc.NodeInfo
	for _, b := range rt.buckets {
		for _, n := range b.nodes {
			if n.Status == StatusGood && !n.IsActive(now, window) {
				n.Status = StatusQuestionable
			}
			if n.Status == StatusQuestionable {
				stale = append(stale, n.Info())
			}
		}
	}
	return stale
}

// MarkRefreshed records that the bucket covering target was just
// refreshed by a lookup, whether or not its contents changed.
func (rt *RoutingTable) MarkRefreshed(target krpc.ID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.buckets[rt.bucketIndex(target)].lastChanged = rt.clock.Now().UnixNano()
}

// StaleBuckets returns one random target inside every bucket that has not
// changed for at least age.
func (rt *RoutingTable) StaleBuckets(age time.Duration) []krpc.ID {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	cutoff := rt.clock.Now().Add(-age).UnixNano()
	var targets []krpc.ID
	for i, b := range rt.buckets {
		if b.lastChanged <= cutoff {
			targets = append(targets, krpc.RandomIDWithPrefix(rt.localID, i))
		}
	}
	return targets
}
