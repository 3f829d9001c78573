package dht

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	queriesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swarmdht",
			Subsystem: "krpc",
			Name:      "queries_sent_total",
			Help:      "Number of queries sent.",
		}, []string{"query"})
	queryTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swarmdht",
			Subsystem: "krpc",
			Name:      "query_timeouts_total",
			Help:      "Number of queries that got no reply in time.",
		}, []string{"query"})
	queriesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swarmdht",
			Subsystem: "krpc",
			Name:      "queries_received_total",
			Help:      "Number of queries received.",
		}, []string{"query", "result"})
	repliesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swarmdht",
			Subsystem: "krpc",
			Name:      "replies_received_total",
			Help:      "Number of responses and errors received.",
		}, []string{"type", "result"})
	packetsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swarmdht",
			Subsystem: "krpc",
			Name:      "packets_dropped_total",
			Help:      "Number of inbound datagrams dropped.",
		}, []string{"reason"})

	routingTableNodes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "swarmdht",
			Subsystem: "routing",
			Name:      "nodes",
			Help:      "Number of routing table entries by status at last count.",
		}, []string{"status"})
	routingTableBuckets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "swarmdht",
			Subsystem: "routing",
			Name:      "buckets",
			Help:      "Number of routing table buckets at last count.",
		})

	lookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swarmdht",
			Subsystem: "lookup",
			Name:      "lookups_total",
			Help:      "Number of iterative lookups.",
		}, []string{"query", "result"})
	lookupSeconds = prometheus.NewSummaryVec(
		prometheus.SummaryOpts{
			Namespace:  "swarmdht",
			Subsystem:  "lookup",
			Name:       "lookup_seconds",
			Help:       "Duration of iterative lookups.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}, []string{"query"})
	peersDiscovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "swarmdht",
			Subsystem: "lookup",
			Name:      "peers_discovered_total",
			Help:      "Number of distinct peers surfaced to listeners.",
		})

	peerStoreSwarms = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "swarmdht",
			Subsystem: "peerstore",
			Name:      "swarms",
			Help:      "Number of info-hashes with stored peers at last count.",
		})
)

const (
	resultSuccess   = "success"
	resultError     = "error"
	resultLimited   = "rate_limited"
	resultBadToken  = "bad_token"
	resultMalformed = "malformed"
	resultUnknown   = "unknown_transaction"
	resultCancelled = "cancelled"
)

func init() {
	prometheus.MustRegister(
		queriesSent, queryTimeouts,
		queriesReceived, repliesReceived, packetsDropped,
		routingTableNodes, routingTableBuckets,
		lookupsTotal, lookupSeconds, peersDiscovered,
		peerStoreSwarms)
}
