package dht

import (
	"context"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/opd-ai/swarmdht/krpc"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// stallRounds is how many rounds without a closer node end a lookup.
const stallRounds = 2

type candidateState uint8

const (
	candidateNew candidateState = iota
	candidateAnswered
	candidateFailed
)

type candidate struct {
	info  krpc.NodeInfo
	dist  krpc.ID
	state candidateState
	token []byte
}

// lookupResult holds what an iterative lookup learned.
type lookupResult struct {
	// answered nodes nearest first, at most k
	nodes  []*candidate
	peers  []netip.AddrPort
	rounds int
}

// lookup is one iterative Kademlia search. The shortlist holds every node
// seen so far, sorted by distance to target.
type lookup struct {
	e       *Engine
	s       *session
	target  krpc.ID
	qt      krpc.QueryType
	onPeers func([]netip.AddrPort)

	mu        sync.Mutex
	shortlist []*candidate
	seen      map[krpc.ID]struct{}
	peers     map[netip.AddrPort]struct{}
	peerList  []netip.AddrPort
}

func (l *lookup) add(info krpc.NodeInfo) {
	if info.ID == l.e.localID {
		return
	}
	if _, ok := l.seen[info.ID]; ok {
		return
	}
	l.seen[info.ID] = struct{}{}
	l.shortlist = append(l.shortlist, &candidate{info: info, dist: info.ID.Xor(l.target)})
}

func (l *lookup) sortLocked() {
	sort.Slice(l.shortlist, func(i, j int) bool {
		return l.shortlist[i].dist.Cmp(l.shortlist[j].dist) < 0
	})
}

// closestLocked returns the k nearest candidates that have not failed.
func (l *lookup) closestLocked(k int) []*candidate {
	out := make([]*candidate, 0, k)
	for _, c := range l.shortlist {
		if c.state == candidateFailed {
			continue
		}
		out = append(out, c)
		if len(out) == k {
			break
		}
	}
	return out
}

// nextRound picks up to alpha unqueried nodes among the k closest. done is
// true when the k closest have all answered or nothing is left to ask.
func (l *lookup) nextRound(k, alpha int) (batch []*candidate, best krpc.ID, done bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sortLocked()
	closest := l.closestLocked(k)
	if len(closest) == 0 {
		return nil, best, true
	}
	best = closest[0].dist
	for _, c := range closest {
		if c.state == candidateNew {
			batch = append(batch, c)
			if len(batch) == alpha {
				break
			}
		}
	}
	return batch, best, len(batch) == 0
}

func (l *lookup) bestDistance(k int) (krpc.ID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sortLocked()
	closest := l.closestLocked(k)
	if len(closest) == 0 {
		return krpc.ID{}, false
	}
	return closest[0].dist, true
}

func (l *lookup) build(txID []byte) *krpc.Message {
	if l.qt == krpc.QueryGetPeers {
		return krpc.NewGetPeersQuery(txID, l.e.localID, l.target, l.e.mode)
	}
	return krpc.NewFindNodeQuery(txID, l.e.localID, l.target, l.e.mode)
}

// visit queries c and merges its answer.
func (l *lookup) visit(ctx context.Context, c *candidate) {
	resp, err := l.e.query(ctx, l.s, l.qt, c.info, l.build)

	l.mu.Lock()
	if err != nil {
		c.state = candidateFailed
		l.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "visit",
			"node":     c.info.String(),
			"error":    err.Error(),
		}).Debug("Lookup query failed")
		return
	}
	c.state = candidateAnswered
	c.token = resp.Token
	for _, n := range resp.Nodes {
		l.add(n)
	}
	var fresh []netip.AddrPort
	for _, p := range resp.Values {
		if _, ok := l.peers[p]; ok {
			continue
		}
		l.peers[p] = struct{}{}
		l.peerList = append(l.peerList, p)
		fresh = append(fresh, p)
	}
	l.mu.Unlock()

	for _, n := range resp.Nodes {
		l.e.learn(n)
	}
	if len(fresh) > 0 && l.onPeers != nil {
		l.onPeers(fresh)
	}
}

// run iterates until the lookup converges or ctx is done.
func (l *lookup) run(ctx context.Context) (*lookupResult, error) {
	k, alpha := l.e.cfg.K, l.e.cfg.Alpha
	stalled := 0
	rounds := 0

	for stalled < stallRounds {
		batch, before, done := l.nextRound(k, alpha)
		if done {
			break
		}
		rounds++

		var g errgroup.Group
		g.SetLimit(alpha)
		for _, c := range batch {
			g.Go(func() error {
				l.visit(ctx, c)
				return nil
			})
		}
		_ = g.Wait()

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		after, ok := l.bestDistance(k)
		if ok && after.Cmp(before) < 0 {
			stalled = 0
		} else {
			stalled++
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.sortLocked()
	res := &lookupResult{peers: l.peerList, rounds: rounds}
	for _, c := range l.shortlist {
		if c.state == candidateAnswered {
			res.nodes = append(res.nodes, c)
			if len(res.nodes) == k {
				break
			}
		}
	}
	return res, nil
}

// runLookup performs an iterative find_node or get_peers search for
// target, seeded from the routing table.
func (e *Engine) runLookup(ctx context.Context, s *session, target krpc.ID, qt krpc.QueryType, onPeers func([]netip.AddrPort)) (*lookupResult, error) {
	l := &lookup{
		e:       e,
		s:       s,
		target:  target,
		qt:      qt,
		onPeers: onPeers,
		seen:    make(map[krpc.ID]struct{}),
		peers:   make(map[netip.AddrPort]struct{}),
	}
	for _, n := range e.table.ClosestTo(target, e.cfg.K) {
		l.add(n)
	}

	start := time.Now()
	res, err := l.run(ctx)
	lookupSeconds.WithLabelValues(qt.String()).Observe(time.Since(start).Seconds())

	if err != nil {
		lookupsTotal.WithLabelValues(qt.String(), resultCancelled).Inc()
		return nil, err
	}
	lookupsTotal.WithLabelValues(qt.String(), resultSuccess).Inc()

	logrus.WithFields(logrus.Fields{
		"function": "runLookup",
		"query":    qt.String(),
		"target":   target.String(),
		"rounds":   res.rounds,
		"answered": len(res.nodes),
		"peers":    len(res.peers),
	}).Debug("Lookup finished")

	return res, nil
}

func nodeInfos(cs []*candidate) []krpc.NodeInfo {
	out := make([]krpc.NodeInfo, len(cs))
	for i, c := range cs {
		out[i] = c.info
	}
	return out
}

// activeSession returns the live session when the engine is active.
func (e *Engine) activeSession(op string) (*session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateActive || e.sess == nil {
		return nil, &StateError{Op: op, State: e.state}
	}
	return e.sess, nil
}

// searchSwarm runs a get_peers lookup for infoHash, surfacing peers as
// they arrive. Peers announced directly to us are surfaced first.
func (e *Engine) searchSwarm(ctx context.Context, s *session, infoHash krpc.ID) LookupResult {
	e.trackSwarm(infoHash)

	local := e.peers.Peers(infoHash, 0)
	e.peersFound(infoHash, local)

	res, err := e.runLookup(ctx, s, infoHash, krpc.QueryGetPeers, func(peers []netip.AddrPort) {
		e.peersFound(infoHash, peers)
	})
	if err != nil {
		return LookupResult{InfoHash: infoHash, Peers: local, Err: err}
	}

	peers := append([]netip.AddrPort(nil), local...)
	for _, p := range res.peers {
		dup := false
		for _, q := range local {
			if p == q {
				dup = true
				break
			}
		}
		if !dup {
			peers = append(peers, p)
		}
	}
	return LookupResult{InfoHash: infoHash, Peers: peers, Nodes: nodeInfos(res.nodes)}
}

// FindPeersFor searches the network for peers of the swarm identified by
// infoHash. Peers are delivered through OnPeersFound and the events
// channel while the search runs; the returned channel yields the final
// result. The swarm is searched again periodically until disconnect.
func (e *Engine) FindPeersFor(ctx context.Context, infoHash krpc.ID) <-chan LookupResult {
	result := make(chan LookupResult, 1)

	s, err := e.activeSession("find peers")
	if err != nil {
		result <- LookupResult{InfoHash: infoHash, Err: err}
		return result
	}

	go func() {
		lctx, cancel := mergeContext(ctx, s.ctx)
		defer cancel()
		result <- e.searchSwarm(lctx, s, infoHash)
	}()
	return result
}
