package dht

import (
	"context"
	"time"

	"github.com/opd-ai/swarmdht/krpc"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// maintainer keeps a session's routing table healthy. It runs under the
// engine's supervisor.
type maintainer struct {
	e *Engine
	s *session

	lastSwarmSearch time.Time
}

// Serve runs a maintenance pass every MaintenanceInterval.
func (m *maintainer) Serve(ctx context.Context) error {
	ticker := time.NewTicker(m.e.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if m.e.State() == StateActive {
				m.run(ctx)
			}
		}
	}
}

func (m *maintainer) String() string {
	return "dht maintainer"
}

// run performs one pass: expire stale transactions, ping silent nodes,
// refresh idle buckets, re-search tracked swarms and update the gauges.
func (m *maintainer) run(ctx context.Context) {
	e := m.e
	now := e.clock.Now()

	if n := m.s.txm.Sweep(now); n > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "maintainer.run",
			"expired":  n,
		}).Debug("Swept stale transactions")
	}

	m.checkLiveness(ctx)

	if !m.hasLiveNodes() {
		m.rejoin(ctx)
		return
	}

	for _, target := range e.table.StaleBuckets(e.cfg.RefreshInterval) {
		if ctx.Err() != nil {
			return
		}
		if _, err := e.runLookup(ctx, m.s, target, krpc.QueryFindNode, nil); err != nil {
			return
		}
		e.table.MarkRefreshed(target)
	}

	if now.Sub(m.lastSwarmSearch) >= e.cfg.SwarmRefreshInterval {
		m.lastSwarmSearch = now
		for _, infoHash := range e.trackedSwarms() {
			if ctx.Err() != nil {
				return
			}
			e.searchSwarm(ctx, m.s, infoHash)
		}
	}

	m.updateGauges()
}

// checkLiveness pings every questionable node. A node that stays silent is
// marked bad by the timeout hook; one that answers is good again.
func (m *maintainer) checkLiveness(ctx context.Context) {
	e := m.e
	nodes := e.table.DemoteInactive(e.cfg.InactivityWindow)
	if len(nodes) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(e.cfg.Alpha)
	for _, n := range nodes {
		g.Go(func() error {
			_, _ = e.query(ctx, m.s, krpc.QueryPing, n, func(txID []byte) *krpc.Message {
				return krpc.NewPingQuery(txID, e.localID)
			})
			return nil
		})
	}
	_ = g.Wait()
}

func (m *maintainer) hasLiveNodes() bool {
	for _, n := range m.e.table.Nodes() {
		if n.Status != StatusBad {
			return true
		}
	}
	return false
}

// rejoin bootstraps again after every known node went bad. If that fails
// too the engine has lost the network and goes idle.
func (m *maintainer) rejoin(ctx context.Context) {
	e := m.e
	logrus.WithFields(logrus.Fields{
		"function": "maintainer.rejoin",
	}).Warn("All known nodes are bad, bootstrapping again")

	if err := e.bootstrap(ctx, m.s); err != nil {
		if ctx.Err() != nil {
			return
		}
		logrus.WithFields(logrus.Fields{
			"function": "maintainer.rejoin",
			"error":    err.Error(),
		}).Error("Lost connection to the DHT")
		e.publish(Event{Type: EventNetworkError, Err: err})
		// endSession cancels ctx, which this service is running under.
		go e.endSession(m.s)
	}
}

func (m *maintainer) updateGauges() {
	counts := map[NodeStatus]int{StatusGood: 0, StatusQuestionable: 0, StatusBad: 0}
	for _, n := range m.e.table.Nodes() {
		counts[n.Status]++
	}
	for status, n := range counts {
		routingTableNodes.WithLabelValues(status.String()).Set(float64(n))
	}
	routingTableBuckets.Set(float64(m.e.table.NumBuckets()))
	peerStoreSwarms.Set(float64(m.e.peers.Swarms()))
}
