package dht

import (
	"net/netip"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/opd-ai/swarmdht/krpc"
)

const (
	// DefaultPeerTTL is how long an announced peer is remembered.
	DefaultPeerTTL = 30 * time.Minute
	// DefaultMaxSwarms bounds the number of info-hashes with stored peers.
	DefaultMaxSwarms = 1024
	// DefaultMaxPeersPerSwarm bounds the peers kept per info-hash.
	DefaultMaxPeersPerSwarm = 256
)

// PeerStore remembers peers announced to us, keyed by info-hash. Entries
// expire after the TTL and the least recently announced entries are
// dropped when a bound is reached. Swarms expire through the outer cache;
// peers inside a live swarm are filtered by their announce time.
type PeerStore struct {
	mu       sync.Mutex
	swarms   *expirable.LRU[krpc.ID, *lru.Cache[netip.AddrPort, time.Time]]
	ttl      time.Duration
	maxPeers int
	clock    TimeProvider
}

// NewPeerStore creates a store. Non-positive arguments select the defaults.
func NewPeerStore(ttl time.Duration, maxSwarms, maxPeersPerSwarm int, clock TimeProvider) *PeerStore {
	if ttl <= 0 {
		ttl = DefaultPeerTTL
	}
	if maxSwarms <= 0 {
		maxSwarms = DefaultMaxSwarms
	}
	if maxPeersPerSwarm <= 0 {
		maxPeersPerSwarm = DefaultMaxPeersPerSwarm
	}
	return &PeerStore{
		swarms:   expirable.NewLRU[krpc.ID, *lru.Cache[netip.AddrPort, time.Time]](maxSwarms, nil, ttl),
		ttl:      ttl,
		maxPeers: maxPeersPerSwarm,
		clock:    timeProviderOrDefault(clock),
	}
}

// Add records peer under infoHash and refreshes its expiry.
func (s *PeerStore) Add(infoHash krpc.ID, peer netip.AddrPort) {
	s.mu.Lock()
	defer s.mu.Unlock()

	peers, ok := s.swarms.Get(infoHash)
	if !ok {
		var err error
		if peers, err = lru.New[netip.AddrPort, time.Time](s.maxPeers); err != nil {
			return
		}
	}
	// Remove first so the peer moves to the newest position.
	peers.Remove(peer)
	peers.Add(peer, s.clock.Now())
	// Re-adding the swarm refreshes its own expiry.
	s.swarms.Add(infoHash, peers)
	peerStoreSwarms.Set(float64(s.swarms.Len()))
}

// Peers returns up to max live peers for infoHash, most recently announced
// first. A non-positive max returns them all.
func (s *PeerStore) Peers(infoHash krpc.ID, max int) []netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()

	peers, ok := s.swarms.Peek(infoHash)
	if !ok {
		return nil
	}
	now := s.clock.Now()
	keys := peers.Keys()
	out := make([]netip.AddrPort, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		if max > 0 && len(out) == max {
			break
		}
		seen, ok := peers.Peek(keys[i])
		if !ok || now.Sub(seen) >= s.ttl {
			continue
		}
		out = append(out, keys[i])
	}
	return out
}

// Swarms returns the number of info-hashes with stored peers.
func (s *PeerStore) Swarms() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.swarms.Len()
}

// Purge forgets every stored peer.
func (s *PeerStore) Purge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.swarms.Purge()
	peerStoreSwarms.Set(0)
}
