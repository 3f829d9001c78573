package dht

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/swarmdht/krpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	bootAddr = netip.MustParseAddrPort("198.51.100.1:6881")
	bootID   = testID(0x10)
)

// fakeNode answers queries the way a remote DHT node would.
type fakeNode struct {
	id     krpc.ID
	nodes  []krpc.NodeInfo
	peers  map[krpc.ID][]netip.AddrPort
	silent map[krpc.QueryType]bool
}

func (f *fakeNode) respond(q *krpc.Message) *krpc.Message {
	if f.silent[q.Query] {
		return nil
	}
	args, err := q.Args()
	if err != nil {
		return nil
	}
	switch q.Query {
	case krpc.QueryPing:
		return krpc.NewPingResponse(q.TxID, f.id)
	case krpc.QueryFindNode:
		return krpc.NewFindNodeResponse(q.TxID, f.id, f.nodes, krpc.IPv4)
	case krpc.QueryGetPeers:
		return krpc.NewGetPeersResponse(q.TxID, f.id, args.InfoHash, f.peers[args.InfoHash], f.nodes, krpc.IPv4)
	case krpc.QueryAnnouncePeer:
		if !krpc.ValidToken(args.InfoHash, args.Token) {
			return krpc.NewError(q.TxID, krpc.ErrorProtocol, "bad token")
		}
		return krpc.NewAnnouncePeerResponse(q.TxID, f.id, nil, krpc.IPv4)
	}
	return nil
}

// joinedEngine returns an active engine whose only bootstrap node is boot.
func joinedEngine(t *testing.T, cfg *Config, boot *fakeNode) (*Engine, *MockTransport) {
	t.Helper()
	e, mt := newTestEngine(t, cfg)
	mt.Respond(bootAddr, boot.respond)
	require.NoError(t, waitErr(t, e.JoinNetwork(context.Background())))
	require.Equal(t, StateActive, e.State())
	return e, mt
}

func waitEvent(t *testing.T, e *Engine, typ EventType) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-e.Events():
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", typ)
			return Event{}
		}
	}
}

func waitLookup(t *testing.T, ch <-chan LookupResult) LookupResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for lookup")
		return LookupResult{}
	}
}

func lastReply(t *testing.T, mt *MockTransport, to netip.AddrPort) *krpc.Message {
	t.Helper()
	sent := mt.GetSentPackets(t, to)
	require.NotEmpty(t, sent, "no reply sent to %s", to)
	return sent[len(sent)-1]
}

func TestJoinNetworkFindNode(t *testing.T) {
	n2 := krpc.NodeInfo{ID: testID(0x20), Addr: netip.MustParseAddrPort("198.51.100.2:6881")}
	n3 := krpc.NodeInfo{ID: testID(0x30), Addr: netip.MustParseAddrPort("198.51.100.3:6881")}
	e, mt := joinedEngine(t, testConfig(bootAddr.String()), &fakeNode{id: bootID, nodes: []krpc.NodeInfo{n2, n3}})

	rt := e.RoutingTable()
	assert.Equal(t, 3, rt.Len(), "bootstrap node plus the two nodes it returned")
	for _, want := range []krpc.NodeInfo{{ID: bootID, Addr: bootAddr}, n2, n3} {
		n, ok := rt.Get(want.ID)
		require.True(t, ok, "node %s", want)
		assert.Equal(t, want.Addr, n.Addr)
	}

	sent := mt.GetSentPackets(t, bootAddr)
	require.NotEmpty(t, sent)
	assert.Equal(t, krpc.QueryFindNode, sent[0].Query)
	args, err := sent[0].Args()
	require.NoError(t, err)
	assert.Equal(t, e.LocalID(), args.Target)
	assert.Equal(t, e.LocalID(), args.ID)
}

func TestJoinNetworkMarksSilentNodes(t *testing.T) {
	silent := krpc.NodeInfo{ID: testID(0x20), Addr: netip.MustParseAddrPort("198.51.100.2:6881")}
	e, _ := joinedEngine(t, testConfig(bootAddr.String()), &fakeNode{id: bootID, nodes: []krpc.NodeInfo{silent}})

	assert.Eventually(t, func() bool {
		n, ok := e.RoutingTable().Get(silent.ID)
		return ok && n.Status == StatusQuestionable
	}, time.Second, 5*time.Millisecond, "a timed out node is kept but no longer good")
}

func TestFindPeersForSurfacesPeers(t *testing.T) {
	peer := netip.MustParseAddrPort("192.0.2.5:51413")
	infoHash := krpc.SwarmInfoHash("GEDKEEPER NETWORK")
	boot := &fakeNode{id: bootID, peers: map[krpc.ID][]netip.AddrPort{infoHash: {peer}}}
	e, _ := joinedEngine(t, testConfig(bootAddr.String()), boot)

	var (
		mu  sync.Mutex
		got []netip.AddrPort
	)
	e.OnPeersFound(func(ih krpc.ID, peers []netip.AddrPort) {
		assert.Equal(t, infoHash, ih)
		mu.Lock()
		got = append(got, peers...)
		mu.Unlock()
	})

	res := waitLookup(t, e.FindPeersFor(context.Background(), infoHash))
	require.NoError(t, res.Err)
	assert.Equal(t, []netip.AddrPort{peer}, res.Peers)
	require.Len(t, res.Nodes, 1)
	assert.Equal(t, bootID, res.Nodes[0].ID)

	mu.Lock()
	assert.Equal(t, []netip.AddrPort{peer}, got)
	mu.Unlock()

	ev := waitEvent(t, e, EventPeersFound)
	assert.Equal(t, infoHash, ev.InfoHash)
	assert.Equal(t, []netip.AddrPort{peer}, ev.Peers)

	// A second search finds the same peer but does not surface it again.
	res = waitLookup(t, e.FindPeersFor(context.Background(), infoHash))
	require.NoError(t, res.Err)
	mu.Lock()
	assert.Len(t, got, 1)
	mu.Unlock()
}

func TestUnknownTransactionIsDiscarded(t *testing.T) {
	e, mt := joinedEngine(t, testConfig(bootAddr.String()), &fakeNode{id: bootID})
	rt := e.RoutingTable()
	before := rt.Nodes()

	stranger := netip.MustParseAddrPort("203.0.113.1:6881")
	reply := krpc.NewFindNodeResponse([]byte{0xbe, 0xef}, testID(0x40),
		[]krpc.NodeInfo{{ID: testID(0x50), Addr: netip.MustParseAddrPort("203.0.113.2:6881")}}, krpc.IPv4)
	mt.SimulateReceive(reply.Encode(), stranger)

	assert.Equal(t, before, rt.Nodes())
	_, ok := rt.Get(testID(0x40))
	assert.False(t, ok)
	_, ok = rt.Get(testID(0x50))
	assert.False(t, ok)
	assert.Empty(t, mt.GetSentPackets(t, stranger), "no reply to a stray response")
	assert.Equal(t, StateActive, e.State())
}

func TestJoinNetworkBootstrapFailure(t *testing.T) {
	e, mt := newTestEngine(t, testConfig(bootAddr.String()))
	mt.Respond(bootAddr, (&fakeNode{id: bootID, silent: map[krpc.QueryType]bool{krpc.QueryFindNode: true}}).respond)

	err := waitErr(t, e.JoinNetwork(context.Background()))
	assert.True(t, errors.Is(err, ErrBootstrapFailed), "got %v", err)
	assert.True(t, errors.Is(err, ErrQueryTimeout), "got %v", err)

	var berr *BootstrapError
	require.True(t, errors.As(err, &berr))
	assert.Equal(t, bootAddr.String(), berr.Node)
	assert.Equal(t, StateIdle, e.State())
}

func TestJoinNetworkWithoutBootstrapNodes(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	err := waitErr(t, e.JoinNetwork(context.Background()))
	assert.True(t, errors.Is(err, ErrBootstrapFailed))
	assert.Equal(t, StateIdle, e.State())
}

func TestJoinNetworkTwice(t *testing.T) {
	e, _ := joinedEngine(t, testConfig(bootAddr.String()), &fakeNode{id: bootID})

	err := waitErr(t, e.JoinNetwork(context.Background()))
	assert.True(t, errors.Is(err, ErrInvalidState))
	var serr *StateError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, StateActive, serr.State)
}

func TestFindPeersForRequiresActiveEngine(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(bootAddr.String()))
	res := waitLookup(t, e.FindPeersFor(context.Background(), testID(0x42)))
	assert.True(t, errors.Is(res.Err, ErrInvalidState))

	err := waitErr(t, e.Announce(context.Background(), testID(0x42), 6882))
	assert.True(t, errors.Is(err, ErrInvalidState))
}

func TestStateEvents(t *testing.T) {
	e, mt := newTestEngine(t, testConfig(bootAddr.String()))
	mt.Respond(bootAddr, (&fakeNode{id: bootID}).respond)
	require.NoError(t, waitErr(t, e.JoinNetwork(context.Background())))
	e.Disconnect()

	var states []State
	for len(states) < 4 {
		ev := waitEvent(t, e, EventStateChanged)
		states = append(states, ev.State)
	}
	assert.Equal(t, []State{StateJoining, StateActive, StateDisconnecting, StateIdle}, states)
}

func TestDisconnectCancelsLookups(t *testing.T) {
	cfg := testConfig(bootAddr.String())
	cfg.QueryTimeout = 10 * time.Second
	cfg.MaxTransactionAge = 20 * time.Second
	boot := &fakeNode{id: bootID, silent: map[krpc.QueryType]bool{krpc.QueryGetPeers: true}}
	e, mt := joinedEngine(t, cfg, boot)

	lookup := e.FindPeersFor(context.Background(), testID(0x42))
	assert.Eventually(t, func() bool {
		for _, m := range mt.GetSentPackets(t, bootAddr) {
			if m.Query == krpc.QueryGetPeers {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	e.Disconnect()
	res := waitLookup(t, lookup)
	assert.Error(t, res.Err)
	assert.Equal(t, StateIdle, e.State())
	assert.Nil(t, e.LocalAddr())

	n, ok := e.RoutingTable().Get(bootID)
	require.True(t, ok)
	assert.Equal(t, StatusGood, n.Status, "cancelled queries do not count as failures")

	mt.ResetSentPackets()
	res = waitLookup(t, e.FindPeersFor(context.Background(), testID(0x42)))
	assert.True(t, errors.Is(res.Err, ErrInvalidState))
	assert.Empty(t, mt.GetSentPackets(t, netip.AddrPort{}), "nothing is sent after disconnect")

	// The engine can join again.
	boot.silent = nil
	require.NoError(t, waitErr(t, e.JoinNetwork(context.Background())))
	assert.Equal(t, StateActive, e.State())
}

func TestAnnounce(t *testing.T) {
	infoHash := testID(0x42)
	e, mt := joinedEngine(t, testConfig(bootAddr.String()), &fakeNode{id: bootID})

	require.NoError(t, waitErr(t, e.Announce(context.Background(), infoHash, 6882)))

	var announce *krpc.Message
	for _, m := range mt.GetSentPackets(t, bootAddr) {
		if m.Query == krpc.QueryAnnouncePeer {
			announce = m
		}
	}
	require.NotNil(t, announce)
	args, err := announce.Args()
	require.NoError(t, err)
	assert.Equal(t, infoHash, args.InfoHash)
	assert.Equal(t, uint16(6882), args.Port)
	assert.False(t, args.ImpliedPort)
	assert.Equal(t, krpc.TokenFor(infoHash), args.Token)
}

func TestAnnounceWithoutTokens(t *testing.T) {
	boot := &fakeNode{id: bootID, silent: map[krpc.QueryType]bool{krpc.QueryGetPeers: true}}
	e, _ := joinedEngine(t, testConfig(bootAddr.String()), boot)

	err := waitErr(t, e.Announce(context.Background(), testID(0x42), 6882))
	assert.True(t, errors.Is(err, ErrNoAnnounceTarget))
}

func TestIncomingQueries(t *testing.T) {
	e, mt := joinedEngine(t, testConfig(bootAddr.String()), &fakeNode{id: bootID})
	remote := netip.MustParseAddrPort("203.0.113.5:7000")
	remoteID := testID(0x60)
	infoHash := testID(0x42)

	t.Run("ping", func(t *testing.T) {
		mt.SimulateReceive(krpc.NewPingQuery([]byte{1, 2}, remoteID).Encode(), remote)
		reply := lastReply(t, mt, remote)
		assert.Equal(t, krpc.TypeResponse, reply.Type)
		assert.Equal(t, []byte{1, 2}, reply.TxID)
		resp, err := reply.Response(krpc.IPv4)
		require.NoError(t, err)
		assert.Equal(t, e.LocalID(), resp.ID)

		n, ok := e.RoutingTable().Get(remoteID)
		require.True(t, ok, "querying nodes enter the routing table")
		assert.Equal(t, remote, n.Addr)
	})

	t.Run("find_node", func(t *testing.T) {
		target := testID(0x77)
		mt.SimulateReceive(krpc.NewFindNodeQuery([]byte{1, 3}, remoteID, target, krpc.IPv4).Encode(), remote)
		resp, err := lastReply(t, mt, remote).Response(krpc.IPv4)
		require.NoError(t, err)
		assert.Equal(t, e.RoutingTable().GenerateNeighborID(target), resp.ID)
		assert.NotEmpty(t, resp.Nodes)
	})

	t.Run("get_peers without peers", func(t *testing.T) {
		mt.SimulateReceive(krpc.NewGetPeersQuery([]byte{1, 4}, remoteID, infoHash, krpc.IPv4).Encode(), remote)
		resp, err := lastReply(t, mt, remote).Response(krpc.IPv4)
		require.NoError(t, err)
		assert.Equal(t, krpc.TokenFor(infoHash), resp.Token)
		assert.Empty(t, resp.Values)
		assert.NotEmpty(t, resp.Nodes)
	})

	t.Run("announce_peer with bad token", func(t *testing.T) {
		q := krpc.NewAnnouncePeerQuery([]byte{1, 5}, remoteID, infoHash, false, 7777, []byte("xx"))
		mt.SimulateReceive(q.Encode(), remote)
		reply := lastReply(t, mt, remote)
		require.Equal(t, krpc.TypeError, reply.Type)
		kerr, err := reply.Err()
		require.NoError(t, err)
		assert.Equal(t, krpc.ErrorProtocol, kerr.Code)
		assert.Empty(t, e.PeerStore().Peers(infoHash, 0))
	})

	t.Run("announce_peer", func(t *testing.T) {
		q := krpc.NewAnnouncePeerQuery([]byte{1, 6}, remoteID, infoHash, false, 7777, krpc.TokenFor(infoHash))
		mt.SimulateReceive(q.Encode(), remote)
		assert.Equal(t, krpc.TypeResponse, lastReply(t, mt, remote).Type)

		q = krpc.NewAnnouncePeerQuery([]byte{1, 7}, remoteID, infoHash, true, 1, krpc.TokenFor(infoHash))
		mt.SimulateReceive(q.Encode(), remote)

		assert.Equal(t, []netip.AddrPort{
			remote,
			netip.MustParseAddrPort("203.0.113.5:7777"),
		}, e.PeerStore().Peers(infoHash, 0))
	})

	t.Run("get_peers with peers", func(t *testing.T) {
		mt.SimulateReceive(krpc.NewGetPeersQuery([]byte{1, 8}, remoteID, infoHash, krpc.IPv4).Encode(), remote)
		resp, err := lastReply(t, mt, remote).Response(krpc.IPv4)
		require.NoError(t, err)
		assert.ElementsMatch(t, []netip.AddrPort{
			remote,
			netip.MustParseAddrPort("203.0.113.5:7777"),
		}, resp.Values)
	})
}

func TestAnnouncedPeersOfTrackedSwarmAreSurfaced(t *testing.T) {
	infoHash := testID(0x42)
	e, mt := joinedEngine(t, testConfig(bootAddr.String()), &fakeNode{id: bootID})
	res := waitLookup(t, e.FindPeersFor(context.Background(), infoHash))
	require.NoError(t, res.Err)
	assert.Empty(t, res.Peers)

	found := make(chan []netip.AddrPort, 1)
	e.OnPeersFound(func(_ krpc.ID, peers []netip.AddrPort) { found <- peers })

	remote := netip.MustParseAddrPort("203.0.113.9:7000")
	q := krpc.NewAnnouncePeerQuery([]byte{2, 1}, testID(0x61), infoHash, true, 0, krpc.TokenFor(infoHash))
	mt.SimulateReceive(q.Encode(), remote)

	select {
	case peers := <-found:
		assert.Equal(t, []netip.AddrPort{remote}, peers)
	case <-time.After(time.Second):
		t.Fatal("announced peer was not surfaced")
	}
}

func TestMalformedDatagramsAreDropped(t *testing.T) {
	e, mt := joinedEngine(t, testConfig(bootAddr.String()), &fakeNode{id: bootID})
	remote := netip.MustParseAddrPort("203.0.113.5:7000")
	before := e.RoutingTable().Len()

	for _, data := range []string{
		"garbage",
		"i12",
		"d1:ade1:q4:ping1:t2:aa1:y1:qe",         // ping without id
		"d1:ad2:id3:abce1:q4:ping1:t2:aa1:y1:qe", // short id
		"d1:ad2:id20:aaaaaaaaaaaaaaaaaaaae1:q3:foo1:t2:aa1:y1:qe",
	} {
		mt.SimulateReceive([]byte(data), remote)
	}

	assert.Empty(t, mt.GetSentPackets(t, remote))
	assert.Equal(t, before, e.RoutingTable().Len())
	assert.Equal(t, StateActive, e.State())
}

func TestInboundRateLimit(t *testing.T) {
	cfg := testConfig(bootAddr.String())
	cfg.RateLimit = 0.001
	cfg.RateBurst = 2
	_, mt := joinedEngine(t, cfg, &fakeNode{id: bootID})
	remote := netip.MustParseAddrPort("203.0.113.5:7000")

	for i := 0; i < 5; i++ {
		mt.SimulateReceive(krpc.NewPingQuery([]byte{3, byte(i)}, testID(0x60)).Encode(), remote)
	}
	assert.Len(t, mt.GetSentPackets(t, remote), 2)
}

func TestNetworkErrorEvent(t *testing.T) {
	e, mt := joinedEngine(t, testConfig(bootAddr.String()), &fakeNode{id: bootID})
	boom := errors.New("connection refused")

	mt.mu.Lock()
	h := mt.errHandler
	mt.mu.Unlock()
	require.NotNil(t, h)
	h(boom)

	ev := waitEvent(t, e, EventNetworkError)
	assert.ErrorIs(t, ev.Err, boom)
	assert.Equal(t, StateActive, e.State())
}
