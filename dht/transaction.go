package dht

import (
	"net/netip"
	"sync"
	"time"

	"github.com/opd-ai/swarmdht/krpc"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultQueryTimeout is how long a query waits for its reply.
	DefaultQueryTimeout = 3 * time.Second
	// DefaultMaxTransactionAge bounds how long any transaction may stay
	// pending, even if its timer was lost.
	DefaultMaxTransactionAge = 30 * time.Second

	txIDSpace = 1 << 16
)

// SendFunc writes one datagram to addr.
type SendFunc func(data []byte, addr netip.AddrPort) error

// Reply is the outcome of a transaction. Exactly one of Msg and Err is set.
type Reply struct {
	Msg *krpc.Message
	Err error
}

// Transaction is a query waiting for its reply.
type Transaction struct {
	ID      [2]byte
	Query   krpc.QueryType
	Created time.Time
	// Node is the queried node. Its ID is zero for bootstrap endpoints.
	Node krpc.NodeInfo

	done  chan Reply
	timer *time.Timer
}

// Done yields the reply once.
func (tx *Transaction) Done() <-chan Reply {
	return tx.done
}

func (tx *Transaction) complete(r Reply) {
	select {
	case tx.done <- r:
	default:
	}
}

func txKey(id []byte) (uint16, bool) {
	if len(id) != 2 {
		return 0, false
	}
	return uint16(id[0]) | uint16(id[1])<<8, true
}

// TransactionManager allocates transaction ids and correlates replies with
// the queries that caused them.
type TransactionManager struct {
	mu        sync.Mutex
	next      [2]byte
	pending   map[uint16]*Transaction
	send      SendFunc
	timeout   time.Duration
	maxAge    time.Duration
	clock     TimeProvider
	onTimeout func(*Transaction)
	closed    bool
}

// NewTransactionManager creates a manager that writes queries with send.
// Zero durations select the defaults.
func NewTransactionManager(send SendFunc, timeout, maxAge time.Duration, clock TimeProvider) *TransactionManager {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxTransactionAge
	}
	return &TransactionManager{
		pending: make(map[uint16]*Transaction),
		send:    send,
		timeout: timeout,
		maxAge:  maxAge,
		clock:   timeProviderOrDefault(clock),
	}
}

// SetTimeoutHook registers fn to run after a transaction times out.
// It is not called for cancelled transactions.
func (m *TransactionManager) SetTimeoutHook(fn func(*Transaction)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTimeout = fn
}

// NextID returns the current id and advances the counter. The low byte
// counts first and carries into the high byte, cycling through all 65536
// values. Ids of pending transactions are skipped.
func (m *TransactionManager) NextID() [2]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, _ := m.nextIDLocked()
	return id
}

func (m *TransactionManager) nextIDLocked() ([2]byte, bool) {
	for i := 0; i < txIDSpace; i++ {
		id := m.next
		m.next[0]++
		if m.next[0] == 0 {
			m.next[1]++
		}
		if _, busy := m.pending[uint16(id[0])|uint16(id[1])<<8]; !busy {
			return id, true
		}
	}
	return m.next, false
}

// Send allocates an id, builds the query with it, writes it to node and
// arms the timeout. The reply arrives on the returned transaction.
func (m *TransactionManager) Send(qt krpc.QueryType, node krpc.NodeInfo, build func(txID []byte) *krpc.Message) (*Transaction, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrEngineClosed
	}
	id, ok := m.nextIDLocked()
	if !ok {
		m.mu.Unlock()
		return nil, ErrTransactionsExhausted
	}

	tx := &Transaction{
		ID:      id,
		Query:   qt,
		Created: m.clock.Now(),
		Node:    node,
		done:    make(chan Reply, 1),
	}
	key := uint16(id[0]) | uint16(id[1])<<8
	m.pending[key] = tx
	data := build(tx.ID[:]).Encode()
	tx.timer = time.AfterFunc(m.timeout, func() { m.expire(key, tx) })
	m.mu.Unlock()

	if err := m.send(data, node.Addr); err != nil {
		m.mu.Lock()
		if m.pending[key] == tx {
			delete(m.pending, key)
		}
		m.mu.Unlock()
		tx.timer.Stop()
		return nil, err
	}

	queriesSent.WithLabelValues(qt.String()).Inc()
	return tx, nil
}

// Resolve hands msg to the transaction it answers. It reports false, and
// leaves all state untouched, when no pending transaction has that id or
// the reply came from a different endpoint than the query went to.
func (m *TransactionManager) Resolve(txID []byte, from netip.AddrPort, msg *krpc.Message) bool {
	key, ok := txKey(txID)
	if !ok {
		return false
	}

	m.mu.Lock()
	tx, ok := m.pending[key]
	if !ok || tx.Node.Addr != from {
		m.mu.Unlock()
		return false
	}
	delete(m.pending, key)
	m.mu.Unlock()

	tx.timer.Stop()
	tx.complete(Reply{Msg: msg})
	return true
}

// Lookup returns the pending transaction for txID.
func (m *TransactionManager) Lookup(txID []byte) (*Transaction, bool) {
	key, ok := txKey(txID)
	if !ok {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.pending[key]
	return tx, ok
}

func (m *TransactionManager) expire(key uint16, tx *Transaction) {
	m.mu.Lock()
	if m.pending[key] != tx {
		m.mu.Unlock()
		return
	}
	delete(m.pending, key)
	hook := m.onTimeout
	m.mu.Unlock()

	m.timedOut(tx, hook)
}

func (m *TransactionManager) timedOut(tx *Transaction, hook func(*Transaction)) {
	logrus.WithFields(logrus.Fields{
		"function": "timedOut",
		"query":    tx.Query.String(),
		"node":     tx.Node.Addr.String(),
	}).Debug("Query timed out")

	queryTimeouts.WithLabelValues(tx.Query.String()).Inc()
	tx.complete(Reply{Err: ErrQueryTimeout})
	if hook != nil {
		hook(tx)
	}
}

// Sweep expires every transaction older than the maximum age and returns
// how many were removed.
func (m *TransactionManager) Sweep(now time.Time) int {
	m.mu.Lock()
	var stale []*Transaction
	for key, tx := range m.pending {
		if now.Sub(tx.Created) >= m.maxAge {
			delete(m.pending, key)
			stale = append(stale, tx)
		}
	}
	hook := m.onTimeout
	m.mu.Unlock()

	for _, tx := range stale {
		tx.timer.Stop()
		m.timedOut(tx, hook)
	}
	return len(stale)
}

// Pending returns the number of transactions awaiting a reply.
func (m *TransactionManager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// CancelAll completes every pending transaction with ErrCancelled and
// refuses further sends. The timeout hook is not invoked.
func (m *TransactionManager) CancelAll() {
	m.mu.Lock()
	m.closed = true
	pending := m.pending
	m.pending = make(map[uint16]*Transaction)
	m.mu.Unlock()

	for _, tx := range pending {
		tx.timer.Stop()
		tx.complete(Reply{Err: ErrCancelled})
	}
}
