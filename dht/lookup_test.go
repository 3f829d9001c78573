package dht

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/opd-ai/swarmdht/krpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hopNode returns next only when asked about target and no nodes for any
// other target. Queries about target go unanswered when mute is set.
type hopNode struct {
	id     krpc.ID
	target krpc.ID
	next   []krpc.NodeInfo
	mute   bool
}

func (h *hopNode) respond(q *krpc.Message) *krpc.Message {
	args, err := q.Args()
	if err != nil {
		return nil
	}
	switch q.Query {
	case krpc.QueryPing:
		return krpc.NewPingResponse(q.TxID, h.id)
	case krpc.QueryFindNode:
		if args.Target != h.target {
			return krpc.NewFindNodeResponse(q.TxID, h.id, nil, krpc.IPv4)
		}
		if h.mute {
			return nil
		}
		return krpc.NewFindNodeResponse(q.TxID, h.id, h.next, krpc.IPv4)
	case krpc.QueryGetPeers:
		if args.InfoHash != h.target {
			return krpc.NewGetPeersResponse(q.TxID, h.id, args.InfoHash, nil, nil, krpc.IPv4)
		}
		if h.mute {
			return nil
		}
		return krpc.NewGetPeersResponse(q.TxID, h.id, args.InfoHash, nil, h.next, krpc.IPv4)
	}
	return nil
}

func hopInfo(b byte, host byte) krpc.NodeInfo {
	return krpc.NodeInfo{ID: testID(b), Addr: netip.AddrPortFrom(netip.AddrFrom4([4]byte{198, 51, 100, host}), 6881)}
}

// hopEngine joins through bootAddr, then registers the remaining hops.
func hopEngine(t *testing.T, boot *hopNode, hops map[netip.AddrPort]*hopNode) (*Engine, *MockTransport) {
	t.Helper()
	e, mt := newTestEngine(t, testConfig(bootAddr.String()))
	mt.Respond(bootAddr, boot.respond)
	for addr, h := range hops {
		mt.Respond(addr, h.respond)
	}
	require.NoError(t, waitErr(t, e.JoinNetwork(context.Background())))
	require.Equal(t, 1, e.RoutingTable().Len(), "only the bootstrap node is known before the lookup")
	mt.ResetSentPackets()
	return e, mt
}

func queriesTo(t *testing.T, mt *MockTransport, addr netip.AddrPort, qt krpc.QueryType) int {
	t.Helper()
	n := 0
	for _, m := range mt.GetSentPackets(t, addr) {
		if m.Query == qt {
			n++
		}
	}
	return n
}

func ids(infos []krpc.NodeInfo) []krpc.ID {
	out := make([]krpc.ID, len(infos))
	for i, n := range infos {
		out[i] = n.ID
	}
	return out
}

func TestLookupFollowsCloserNodes(t *testing.T) {
	// The target is the zero id, so a node's distance is its own id.
	target := krpc.ID{}
	n1, n2, n3 := hopInfo(0x08, 11), hopInfo(0x04, 12), hopInfo(0x02, 13)
	boot := &hopNode{id: bootID, target: target, next: []krpc.NodeInfo{n1}}
	hops := map[netip.AddrPort]*hopNode{
		n1.Addr: {id: n1.ID, target: target, next: []krpc.NodeInfo{n2}},
		n2.Addr: {id: n2.ID, target: target, next: []krpc.NodeInfo{n3}},
		n3.Addr: {id: n3.ID, target: target},
	}

	t.Run("find_node", func(t *testing.T) {
		e, mt := hopEngine(t, boot, hops)
		res, err := e.runLookup(context.Background(), e.current(), target, krpc.QueryFindNode, nil)
		require.NoError(t, err)

		assert.Equal(t, 4, res.rounds, "one hop per round, then a round without progress")
		assert.Equal(t, []krpc.ID{n3.ID, n2.ID, n1.ID, bootID}, ids(nodeInfos(res.nodes)))
		for _, addr := range []netip.AddrPort{bootAddr, n1.Addr, n2.Addr, n3.Addr} {
			assert.Equal(t, 1, queriesTo(t, mt, addr, krpc.QueryFindNode), "%s queried once", addr)
		}
	})

	t.Run("get_peers", func(t *testing.T) {
		e, mt := hopEngine(t, boot, hops)
		res := waitLookup(t, e.FindPeersFor(context.Background(), target))
		require.NoError(t, res.Err)

		assert.Equal(t, []krpc.ID{n3.ID, n2.ID, n1.ID, bootID}, ids(res.Nodes))
		assert.Equal(t, 1, queriesTo(t, mt, n3.Addr, krpc.QueryGetPeers))
		assert.Equal(t, 4, e.RoutingTable().Len(), "every hop is learned")
	})
}

func TestLookupStopsWithoutProgress(t *testing.T) {
	target := krpc.ID{}
	// All farther from the target than the bootstrap node.
	far := []krpc.NodeInfo{
		hopInfo(0x20, 21), hopInfo(0x30, 22), hopInfo(0x40, 23), hopInfo(0x50, 24), hopInfo(0x60, 25),
	}
	boot := &hopNode{id: bootID, target: target, next: far}
	hops := make(map[netip.AddrPort]*hopNode)
	for _, n := range far {
		hops[n.Addr] = &hopNode{id: n.ID, target: target}
	}

	e, mt := hopEngine(t, boot, hops)
	res, err := e.runLookup(context.Background(), e.current(), target, krpc.QueryFindNode, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, res.rounds, "two rounds without a closer node end the lookup")
	for i, n := range far {
		want := 0
		if i < DefaultAlpha {
			want = 1
		}
		assert.Equal(t, want, queriesTo(t, mt, n.Addr, krpc.QueryFindNode), "node %d", i)
	}
	assert.Equal(t, []krpc.ID{bootID, far[0].ID, far[1].ID, far[2].ID}, ids(nodeInfos(res.nodes)))
}

func TestLookupWithoutCandidates(t *testing.T) {
	target := krpc.ID{}
	e, mt := hopEngine(t, &hopNode{id: bootID, target: target, mute: true}, nil)

	res, err := e.runLookup(context.Background(), e.current(), target, krpc.QueryFindNode, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.rounds)
	assert.Empty(t, res.nodes)
	assert.Equal(t, 1, queriesTo(t, mt, bootAddr, krpc.QueryFindNode), "failed nodes are not asked again")
}

func TestLookupRoutesAroundSilentNode(t *testing.T) {
	target := krpc.ID{}
	silent := hopInfo(0x08, 11)
	m1, n2 := hopInfo(0x0c, 12), hopInfo(0x04, 13)
	boot := &hopNode{id: bootID, target: target, next: []krpc.NodeInfo{silent, m1}}
	hops := map[netip.AddrPort]*hopNode{
		m1.Addr: {id: m1.ID, target: target, next: []krpc.NodeInfo{n2}},
		n2.Addr: {id: n2.ID, target: target},
	}

	e, mt := hopEngine(t, boot, hops)
	res := waitLookup(t, e.FindPeersFor(context.Background(), target))
	require.NoError(t, res.Err)

	assert.Equal(t, []krpc.ID{n2.ID, m1.ID, bootID}, ids(res.Nodes), "the silent node is left out")
	assert.Equal(t, 1, queriesTo(t, mt, silent.Addr, krpc.QueryGetPeers))
	assert.Equal(t, 1, queriesTo(t, mt, n2.Addr, krpc.QueryGetPeers))
	assert.Eventually(t, func() bool {
		return nodeStatus(e, silent.ID) == StatusQuestionable
	}, time.Second, 5*time.Millisecond)
}

// engineResponder answers queries the way a remote Engine would.
func engineResponder(remote *Engine) func(*krpc.Message) *krpc.Message {
	return func(q *krpc.Message) *krpc.Message {
		args, err := q.Args()
		if err != nil {
			return nil
		}
		switch q.Query {
		case krpc.QueryPing:
			return krpc.NewPingResponse(q.TxID, remote.LocalID())
		case krpc.QueryFindNode:
			return remote.answerFindNode(q.TxID, args)
		case krpc.QueryGetPeers:
			return remote.answerGetPeers(q.TxID, args)
		}
		return nil
	}
}

func nodesAt(rt *RoutingTable, addr netip.AddrPort) []Node {
	var out []Node
	for _, n := range rt.Nodes() {
		if n.Addr == addr {
			out = append(out, n)
		}
	}
	return out
}

func TestJoinThroughAnotherEngine(t *testing.T) {
	remoteCfg := testConfig()
	remoteCfg.NodeID = bootID
	remote, err := NewEngine(remoteCfg)
	require.NoError(t, err)
	remote.RoutingTable().Insert(hopInfo(0x20, 2))

	e, mt := newTestEngine(t, testConfig(bootAddr.String()))
	mt.Respond(bootAddr, engineResponder(remote))
	require.NoError(t, waitErr(t, e.JoinNetwork(context.Background())))

	rt := e.RoutingTable()
	n, ok := rt.Get(bootID)
	require.True(t, ok, "the remote engine is known by its own id")
	assert.Equal(t, bootAddr, n.Addr)
	assert.Len(t, nodesAt(rt, bootAddr), 1)
	_, ok = rt.Get(remote.RoutingTable().GenerateNeighborID(e.LocalID()))
	assert.False(t, ok, "the id signing a find_node reply is not a node")

	_, err = e.runLookup(context.Background(), e.current(), testID(0x77), krpc.QueryFindNode, nil)
	require.NoError(t, err)
	assert.Len(t, nodesAt(rt, bootAddr), 1, "later lookups add no entries for the same endpoint")
	n, _ = rt.Get(bootID)
	assert.Equal(t, StatusGood, n.Status)
}
