package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/thejerf/suture/v4"
)

const (
	maxDatagramSize = 4096
	readTimeout     = 100 * time.Millisecond
)

// UDPTransport implements Transport over a UDP socket.
type UDPTransport struct {
	conn       net.PacketConn
	handler    Handler
	errHandler ErrorHandler
	mu         sync.RWMutex
	closed     bool
}

// NewUDPTransport binds a UDP socket. network is "udp4" or "udp6".
func NewUDPTransport(network, listenAddr string) (*UDPTransport, error) {
	conn, err := net.ListenPacket(network, listenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, listenAddr, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewUDPTransport",
		"local":    conn.LocalAddr().String(),
	}).Info("UDP transport listening")

	return &UDPTransport{conn: conn}, nil
}

// SetHandler registers the handler for inbound datagrams.
func (t *UDPTransport) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// SetErrorHandler registers the handler for socket errors.
func (t *UDPTransport) SetErrorHandler(h ErrorHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errHandler = h
}

// Send writes data to addr.
func (t *UDPTransport) Send(data []byte, addr netip.AddrPort) error {
	_, err := t.conn.WriteTo(data, net.UDPAddrFromAddrPort(addr))
	return err
}

// Close shuts down the socket. Serve returns once it notices.
func (t *UDPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.conn.Close()
}

// LocalAddr returns the local address the transport is listening on.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

func (t *UDPTransport) isClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

// Serve runs the receive loop. It returns suture.ErrDoNotRestart once the
// socket is closed so the supervisor leaves it down.
func (t *UDPTransport) Serve(ctx context.Context) error {
	buffer := make([]byte, maxDatagramSize)
	failing := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		data, addr, err := t.readPacketData(buffer)
		if err != nil {
			if t.isClosed() || errors.Is(err, net.ErrClosed) {
				return suture.ErrDoNotRestart
			}
			if isTimeout(err) {
				continue
			}
			if !failing {
				failing = true
				t.reportError(err)
			}
			continue
		}
		failing = false

		t.dispatch(data, addr)
	}
}

// readPacketData reads one datagram with a short deadline so cancellation
// is noticed promptly.
func (t *UDPTransport) readPacketData(buffer []byte) ([]byte, netip.AddrPort, error) {
	_ = t.conn.SetReadDeadline(time.Now().Add(readTimeout))

	n, addr, err := t.conn.ReadFrom(buffer)
	if err != nil {
		return nil, netip.AddrPort{}, err
	}
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return nil, netip.AddrPort{}, fmt.Errorf("unexpected address type %T", addr)
	}
	return buffer[:n], udpAddr.AddrPort(), nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (t *UDPTransport) reportError(err error) {
	logrus.WithFields(logrus.Fields{
		"function": "Serve",
		"local":    t.conn.LocalAddr().String(),
		"error":    err.Error(),
	}).Warn("UDP read failing")

	t.mu.RLock()
	h := t.errHandler
	t.mu.RUnlock()
	if h != nil {
		h(err)
	}
}

func (t *UDPTransport) dispatch(data []byte, addr netip.AddrPort) {
	t.mu.RLock()
	h := t.handler
	t.mu.RUnlock()

	if h != nil {
		h(data, addr)
	}
}

// String names the service in supervisor logs.
func (t *UDPTransport) String() string {
	return "udp@" + t.conn.LocalAddr().String()
}
