package dht

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/swarmdht/krpc"
	"github.com/opd-ai/swarmdht/transport"
	"github.com/stretchr/testify/require"
	"github.com/thejerf/suture/v4"
)

// MockTimeProvider is a deterministic clock for testing.
type MockTimeProvider struct {
	mu          sync.Mutex
	currentTime time.Time
}

func newMockTimeProvider() *MockTimeProvider {
	return &MockTimeProvider{currentTime: time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)}
}

func (m *MockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTime
}

func (m *MockTimeProvider) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

// Advance moves the mock time forward by the given duration.
func (m *MockTimeProvider) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentTime = m.currentTime.Add(d)
}

type sentPacket struct {
	data []byte
	to   netip.AddrPort
}

// MockTransport implements transport.Transport for testing. Datagrams sent
// to an address with a registered responder are answered synchronously.
type MockTransport struct {
	localAddr  net.Addr
	handler    transport.Handler
	errHandler transport.ErrorHandler
	responders map[netip.AddrPort]func(*krpc.Message) *krpc.Message
	sent       []sentPacket
	closed     chan struct{}
	closeOnce  sync.Once
	mu         sync.Mutex
}

func newMockTransport() *MockTransport {
	return &MockTransport{
		localAddr:  &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6882},
		responders: make(map[netip.AddrPort]func(*krpc.Message) *krpc.Message),
		closed:     make(chan struct{}),
	}
}

func (m *MockTransport) Send(data []byte, addr netip.AddrPort) error {
	m.mu.Lock()
	m.sent = append(m.sent, sentPacket{data: append([]byte(nil), data...), to: addr})
	respond := m.responders[addr]
	m.mu.Unlock()

	if respond == nil {
		return nil
	}
	msg, err := krpc.ParseMessage(data)
	if err != nil || msg.Type != krpc.TypeQuery {
		return nil
	}
	if reply := respond(msg); reply != nil {
		m.SimulateReceive(reply.Encode(), addr)
	}
	return nil
}

func (m *MockTransport) Serve(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.closed:
		return suture.ErrDoNotRestart
	}
}

func (m *MockTransport) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

func (m *MockTransport) LocalAddr() net.Addr { return m.localAddr }

func (m *MockTransport) SetHandler(h transport.Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

func (m *MockTransport) SetErrorHandler(h transport.ErrorHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errHandler = h
}

// Respond registers fn to answer queries sent to addr.
func (m *MockTransport) Respond(addr netip.AddrPort, fn func(*krpc.Message) *krpc.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responders[addr] = fn
}

// SimulateReceive feeds a datagram to the engine as if it came from addr.
func (m *MockTransport) SimulateReceive(data []byte, from netip.AddrPort) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h != nil {
		h(data, from)
	}
}

// GetSentPackets returns the parsed datagrams sent to addr, or to anyone
// when addr is invalid.
func (m *MockTransport) GetSentPackets(t *testing.T, addr netip.AddrPort) []*krpc.Message {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*krpc.Message
	for _, p := range m.sent {
		if addr.IsValid() && p.to != addr {
			continue
		}
		msg, err := krpc.ParseMessage(p.data)
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func (m *MockTransport) ResetSentPackets() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}

// testID returns an id filled with b.
func testID(b byte) krpc.ID {
	var id krpc.ID
	for i := range id {
		id[i] = b
	}
	return id
}

// testConfig returns a config with short timeouts and no rate limit.
func testConfig(bootstrap ...string) *Config {
	cfg := DefaultConfig()
	cfg.NodeID = testID(0x01)
	cfg.BootstrapNodes = bootstrap
	cfg.QueryTimeout = 50 * time.Millisecond
	cfg.MaxTransactionAge = time.Second
	cfg.BootstrapAttempts = 1
	cfg.BootstrapBackoff = 10 * time.Millisecond
	cfg.MaintenanceInterval = time.Hour
	cfg.RateLimit = 0
	return cfg
}

// newTestEngine returns an idle engine wired to a mock transport.
func newTestEngine(t *testing.T, cfg *Config) (*Engine, *MockTransport) {
	t.Helper()
	mt := newMockTransport()
	e, err := NewEngine(cfg, WithTransportFactory(func(*Config) (transport.Transport, error) {
		return mt, nil
	}))
	require.NoError(t, err)
	t.Cleanup(e.Disconnect)
	return e, mt
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for result")
		return nil
	}
}
