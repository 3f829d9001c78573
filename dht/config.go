package dht

import (
	"fmt"
	"time"

	"github.com/opd-ai/swarmdht/krpc"
)

// DefaultAlpha is the number of queries in flight per lookup round.
const DefaultAlpha = 3

// Config holds the engine settings.
type Config struct {
	// Address to bind the UDP socket to, e.g. ":6882".
	ListenAddr string
	// Local node id. A random id is generated when zero.
	NodeID krpc.ID
	// Endpoints ("host:port") queried when joining.
	BootstrapNodes []string
	// Address family used on the wire.
	Mode krpc.AddressMode

	// Bucket capacity (k) and lookup parallelism (alpha).
	K     int
	Alpha int

	// How long a query waits for its reply
	QueryTimeout time.Duration
	// Upper bound on the life of any pending transaction
	MaxTransactionAge time.Duration

	// How often the maintainer wakes up
	MaintenanceInterval time.Duration
	// Buckets unchanged for this long get a refresh lookup
	RefreshInterval time.Duration
	// Good nodes silent for this long become questionable
	InactivityWindow time.Duration
	// How often tracked swarms are searched again
	SwarmRefreshInterval time.Duration

	PeerTTL          time.Duration
	MaxSwarms        int
	MaxPeersPerSwarm int

	// Inbound queries per second per source address, zero disables limiting.
	RateLimit float64
	RateBurst int

	// Rounds of bootstrap queries before giving up, and the wait between them.
	BootstrapAttempts int
	BootstrapBackoff  time.Duration

	// Capacity of the events channel. Events are dropped when it is full.
	EventBuffer int
}

// DefaultConfig returns sensible defaults for a node on the chat network.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:           ":6882",
		Mode:                 krpc.IPv4,
		K:                    DefaultBucketSize,
		Alpha:                DefaultAlpha,
		QueryTimeout:         DefaultQueryTimeout,
		MaxTransactionAge:    DefaultMaxTransactionAge,
		MaintenanceInterval:  1 * time.Minute,
		RefreshInterval:      15 * time.Minute,
		InactivityWindow:     15 * time.Minute,
		SwarmRefreshInterval: 5 * time.Minute,
		PeerTTL:              DefaultPeerTTL,
		MaxSwarms:            DefaultMaxSwarms,
		MaxPeersPerSwarm:     DefaultMaxPeersPerSwarm,
		RateLimit:            10,
		RateBurst:            20,
		BootstrapAttempts:    3,
		BootstrapBackoff:     2 * time.Second,
		EventBuffer:          64,
	}
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Mode != krpc.IPv4 && c.Mode != krpc.IPv6 {
		return fmt.Errorf("invalid address mode %d", c.Mode)
	}
	if c.K <= 0 {
		return fmt.Errorf("bucket size must be positive, got %d", c.K)
	}
	if c.Alpha <= 0 {
		return fmt.Errorf("alpha must be positive, got %d", c.Alpha)
	}
	if c.QueryTimeout <= 0 {
		return fmt.Errorf("query timeout must be positive, got %v", c.QueryTimeout)
	}
	if c.MaxTransactionAge < c.QueryTimeout {
		return fmt.Errorf("max transaction age %v is shorter than query timeout %v", c.MaxTransactionAge, c.QueryTimeout)
	}
	if c.MaintenanceInterval <= 0 {
		return fmt.Errorf("maintenance interval must be positive, got %v", c.MaintenanceInterval)
	}
	if c.BootstrapAttempts <= 0 {
		return fmt.Errorf("bootstrap attempts must be positive, got %d", c.BootstrapAttempts)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate limit must not be negative, got %v", c.RateLimit)
	}
	return nil
}
