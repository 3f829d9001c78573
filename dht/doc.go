// Package dht implements a Kademlia node speaking the BitTorrent KRPC
// protocol, used to find the members of chat swarms.
//
// # Engine
//
// An Engine owns a routing table, a transaction manager per network
// session and a store of peers announced to it. JoinNetwork, FindPeersFor
// and Announce run on their own goroutines and report through channels so
// callers are never blocked:
//
//	engine, err := dht.NewEngine(cfg)
//	if err != nil {
//	    return err
//	}
//	engine.OnPeersFound(func(ih krpc.ID, peers []netip.AddrPort) {
//	    // connect to peers
//	})
//	if err := <-engine.JoinNetwork(ctx); err != nil {
//	    return err
//	}
//	res := <-engine.FindPeersFor(ctx, krpc.SwarmInfoHash("GEDKEEPER NETWORK"))
//
// The engine moves through StateIdle, StateJoining, StateActive and
// StateDisconnecting; every transition is published on Events.
//
// # Concurrency
//
// The transport receive loop dispatches datagrams inline. The routing
// table and the transaction table are each guarded by one mutex. Lookups
// keep at most Config.Alpha queries in flight. Query timeouts are timers.
// The receive loop and the maintainer run under a suture supervisor that
// Disconnect stops.
//
// # Protocol notes
//
// Two details are specific to the chat network and differ from BEP 5:
// the get_peers token is the first two bytes of the info-hash, and
// find_node replies carry a neighbour id built from the target and the
// local id (see RoutingTable.GenerateNeighborID).
package dht
