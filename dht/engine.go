package dht

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/opd-ai/swarmdht/krpc"
	"github.com/opd-ai/swarmdht/transport"
	"github.com/sirupsen/logrus"
	"github.com/thejerf/suture/v4"
)

// TransportFactory opens the transport for one network session.
type TransportFactory func(cfg *Config) (transport.Transport, error)

// Option configures an Engine.
type Option func(*Engine)

// WithTimeProvider sets the clock used for liveness and expiry.
func WithTimeProvider(tp TimeProvider) Option {
	return func(e *Engine) { e.clock = timeProviderOrDefault(tp) }
}

// WithTransportFactory replaces the UDP transport.
func WithTransportFactory(f TransportFactory) Option {
	return func(e *Engine) { e.newTransport = f }
}

func udpTransportFactory(cfg *Config) (transport.Transport, error) {
	return transport.NewUDPTransport(cfg.Mode.Network(), cfg.ListenAddr)
}

// session holds everything that lives between JoinNetwork and Disconnect.
type session struct {
	tr     transport.Transport
	txm    *TransactionManager
	ctx    context.Context
	cancel context.CancelFunc
}

type trackedSwarm struct {
	seen map[netip.AddrPort]struct{}
}

// Engine is a DHT node that joins the network, answers queries and finds
// peers for chat swarms.
type Engine struct {
	cfg          *Config
	localID      krpc.ID
	mode         krpc.AddressMode
	table        *RoutingTable
	peers        *PeerStore
	limiter      *queryLimiter
	clock        TimeProvider
	newTransport TransportFactory
	events       chan Event

	mu    sync.Mutex
	state State
	sess  *session

	cbMu      sync.RWMutex
	callbacks []PeersFoundFunc

	swarmMu sync.Mutex
	swarms  map[krpc.ID]*trackedSwarm
}

// NewEngine creates an idle engine. cfg may be nil for defaults.
func NewEngine(cfg *Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	e := &Engine{
		cfg:          cfg,
		localID:      cfg.NodeID,
		mode:         cfg.Mode,
		clock:        DefaultTimeProvider{},
		newTransport: udpTransportFactory,
		events:       make(chan Event, cfg.EventBuffer),
		swarms:       make(map[krpc.ID]*trackedSwarm),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.localID.IsZero() {
		e.localID = krpc.RandomID()
	}
	e.table = NewRoutingTable(e.localID, cfg.K, e.clock)
	e.peers = NewPeerStore(cfg.PeerTTL, cfg.MaxSwarms, cfg.MaxPeersPerSwarm, e.clock)
	e.limiter = newQueryLimiter(cfg.RateLimit, cfg.RateBurst)

	logrus.WithFields(logrus.Fields{
		"function": "NewEngine",
		"node_id":  e.localID.String(),
		"mode":     e.mode.String(),
	}).Info("DHT engine created")

	return e, nil
}

// LocalID returns the engine's node id.
func (e *Engine) LocalID() krpc.ID { return e.localID }

// RoutingTable returns the engine's routing table.
func (e *Engine) RoutingTable() *RoutingTable { return e.table }

// PeerStore returns the peers announced to this node.
func (e *Engine) PeerStore() *PeerStore { return e.peers }

// Events returns the channel events are published on. Events are dropped
// when nobody drains it.
func (e *Engine) Events() <-chan Event { return e.events }

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// LocalAddr returns the bound address, or nil while idle.
func (e *Engine) LocalAddr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return nil
	}
	return e.sess.tr.LocalAddr()
}

// OnPeersFound registers fn to be called with peers as they are
// discovered. fn runs on engine goroutines and must not block.
func (e *Engine) OnPeersFound(fn PeersFoundFunc) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.callbacks = append(e.callbacks, fn)
}

func (e *Engine) publish(ev Event) {
	select {
	case e.events <- ev:
	default:
		logrus.WithFields(logrus.Fields{
			"function": "publish",
			"event":    ev.Type.String(),
		}).Debug("Events channel full, dropping event")
	}
}

func (e *Engine) setStateLocked(s State) {
	if e.state == s {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "setState",
		"from":     e.state.String(),
		"to":       s.String(),
	}).Info("DHT state changed")

	e.state = s
	e.publish(Event{Type: EventStateChanged, State: s})
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setStateLocked(s)
}

// current returns the live session, or nil.
func (e *Engine) current() *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess
}

// JoinNetwork opens the socket, queries the bootstrap nodes and runs a
// lookup for the local id. It returns immediately; the channel yields nil
// once the engine is active, or the reason joining failed.
func (e *Engine) JoinNetwork(ctx context.Context) <-chan error {
	result := make(chan error, 1)

	s, err := e.startSession()
	if err != nil {
		result <- err
		return result
	}

	go func() {
		joinCtx, cancel := mergeContext(ctx, s.ctx)
		defer cancel()

		if err := e.join(joinCtx, s); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "JoinNetwork",
				"error":    err.Error(),
			}).Warn("Joining the DHT failed")

			if s.ctx.Err() != nil {
				err = fmt.Errorf("%w: %w", ErrEngineClosed, err)
			}
			e.endSession(s)
			result <- err
			return
		}

		e.mu.Lock()
		if e.sess != s {
			e.mu.Unlock()
			result <- ErrEngineClosed
			return
		}
		e.setStateLocked(StateActive)
		e.mu.Unlock()
		result <- nil
	}()

	return result
}

func (e *Engine) startSession() (*session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateIdle {
		return nil, &StateError{Op: "join", State: e.state}
	}

	tr, err := e.newTransport(e.cfg)
	if err != nil {
		return nil, fmt.Errorf("open transport: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{tr: tr, ctx: ctx, cancel: cancel}
	s.txm = NewTransactionManager(tr.Send, e.cfg.QueryTimeout, e.cfg.MaxTransactionAge, e.clock)
	s.txm.SetTimeoutHook(e.queryTimedOut)
	tr.SetHandler(func(data []byte, addr netip.AddrPort) { e.handlePacket(s, data, addr) })
	tr.SetErrorHandler(e.networkError)

	sup := suture.New("dht", suture.Spec{
		EventHook: func(ev suture.Event) {
			logrus.WithFields(logrus.Fields{
				"function": "supervisor",
				"event":    ev.Type(),
			}).Debug(ev.String())
		},
	})
	sup.Add(tr)
	sup.Add(&maintainer{e: e, s: s})
	sup.ServeBackground(ctx)

	e.sess = s
	e.setStateLocked(StateJoining)
	return s, nil
}

// endSession tears s down if it is still the live session.
func (e *Engine) endSession(s *session) bool {
	e.mu.Lock()
	if e.sess != s {
		e.mu.Unlock()
		return false
	}
	e.sess = nil
	e.setStateLocked(StateDisconnecting)
	e.mu.Unlock()

	s.cancel()
	s.txm.CancelAll()
	if err := s.tr.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "endSession",
			"error":    err.Error(),
		}).Warn("Closing transport failed")
	}

	e.setState(StateIdle)
	return true
}

// Disconnect stops every lookup, cancels pending queries without retrying
// them and releases the socket. The routing table is kept for the next
// JoinNetwork.
func (e *Engine) Disconnect() {
	s := e.current()
	if s == nil {
		return
	}
	e.endSession(s)
}

func (e *Engine) queryTimedOut(tx *Transaction) {
	if tx.Node.ID.IsZero() {
		return
	}
	if status, ok := e.table.MarkFailed(tx.Node.ID); ok {
		logrus.WithFields(logrus.Fields{
			"function": "queryTimedOut",
			"node":     tx.Node.String(),
			"status":   status.String(),
		}).Debug("Node missed a reply")
	}
}

func (e *Engine) networkError(err error) {
	e.publish(Event{Type: EventNetworkError, Err: err})
}

// query sends one query and waits for its reply. A valid response
// refreshes the responder in the routing table.
func (e *Engine) query(ctx context.Context, s *session, qt krpc.QueryType, node krpc.NodeInfo, build func(txID []byte) *krpc.Message) (*krpc.Response, error) {
	tx, err := s.txm.Send(qt, node, build)
	if err != nil {
		return nil, err
	}

	var reply Reply
	select {
	case reply = <-tx.Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if reply.Err != nil {
		return nil, reply.Err
	}

	msg := reply.Msg
	if msg.Type == krpc.TypeError {
		kerr, err := msg.Err()
		if err != nil {
			return nil, err
		}
		return nil, kerr
	}

	resp, err := msg.Response(e.mode)
	if err == nil {
		err = resp.Validate(qt)
	}
	if err != nil {
		repliesReceived.WithLabelValues(msg.Type.String(), resultMalformed).Inc()
		return nil, err
	}

	// find_node replies are signed with a neighbour id, not the responder's
	// own, so they only refresh a node whose id we already know.
	id := resp.ID
	if qt == krpc.QueryFindNode {
		if node.ID.IsZero() {
			return resp, nil
		}
		id = node.ID
	}
	e.insert(krpc.NodeInfo{ID: id, Addr: node.Addr})
	return resp, nil
}

// identify pings an endpoint whose id is unknown. The ping reply carries
// the responder's real id and query records it in the routing table.
func (e *Engine) identify(ctx context.Context, s *session, endpoint krpc.NodeInfo) error {
	_, err := e.query(ctx, s, krpc.QueryPing, endpoint, func(txID []byte) *krpc.Message {
		return krpc.NewPingQuery(txID, e.localID)
	})
	return err
}

// insert records a node we heard from directly and publishes it when new.
func (e *Engine) insert(info krpc.NodeInfo) InsertResult {
	return e.discovered(info, e.table.Insert(info))
}

// learn records a node returned in another node's reply.
func (e *Engine) learn(info krpc.NodeInfo) InsertResult {
	return e.discovered(info, e.table.Learn(info))
}

func (e *Engine) discovered(info krpc.NodeInfo, res InsertResult) InsertResult {
	if res == InsertAdded || res == InsertReplaced {
		e.publish(Event{Type: EventNodesDiscovered, Nodes: []krpc.NodeInfo{info}})
	}
	return res
}

func (e *Engine) trackSwarm(infoHash krpc.ID) {
	e.swarmMu.Lock()
	defer e.swarmMu.Unlock()
	if _, ok := e.swarms[infoHash]; !ok {
		e.swarms[infoHash] = &trackedSwarm{seen: make(map[netip.AddrPort]struct{})}
	}
}

func (e *Engine) trackedSwarms() []krpc.ID {
	e.swarmMu.Lock()
	defer e.swarmMu.Unlock()
	ids := make([]krpc.ID, 0, len(e.swarms))
	for id := range e.swarms {
		ids = append(ids, id)
	}
	return ids
}

// peersFound surfaces peers of a tracked swarm that were not surfaced
// before.
func (e *Engine) peersFound(infoHash krpc.ID, peers []netip.AddrPort) {
	e.swarmMu.Lock()
	sw, ok := e.swarms[infoHash]
	if !ok {
		e.swarmMu.Unlock()
		return
	}
	var fresh []netip.AddrPort
	for _, p := range peers {
		if _, dup := sw.seen[p]; dup {
			continue
		}
		sw.seen[p] = struct{}{}
		fresh = append(fresh, p)
	}
	e.swarmMu.Unlock()

	if len(fresh) == 0 {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":  "peersFound",
		"info_hash": infoHash.String(),
		"count":     len(fresh),
	}).Info("Found peers")

	peersDiscovered.Add(float64(len(fresh)))
	e.publish(Event{Type: EventPeersFound, InfoHash: infoHash, Peers: fresh})

	e.cbMu.RLock()
	callbacks := append([]PeersFoundFunc(nil), e.callbacks...)
	e.cbMu.RUnlock()
	for _, fn := range callbacks {
		fn(infoHash, fresh)
	}
}

// mergeContext returns a context cancelled when either parent is.
func mergeContext(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
