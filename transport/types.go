package transport

import (
	"context"
	"net"
	"net/netip"
)

// Handler processes one inbound datagram. data is only valid until the
// handler returns.
type Handler func(data []byte, addr netip.AddrPort)

// ErrorHandler is told about socket errors, once per streak of failures.
type ErrorHandler func(err error)

// Transport carries datagrams for the DHT engine. Serve runs the receive
// loop and is meant to be added to a suture supervisor.
type Transport interface {
	// Send writes data as one datagram to addr.
	Send(data []byte, addr netip.AddrPort) error

	// Serve reads datagrams and dispatches them inline to the handler
	// until ctx is cancelled or the transport is closed.
	Serve(ctx context.Context) error

	// Close releases the socket.
	Close() error

	// LocalAddr returns the local address the transport is listening on.
	LocalAddr() net.Addr

	// SetHandler registers the handler for inbound datagrams.
	SetHandler(h Handler)

	// SetErrorHandler registers the handler for socket errors.
	SetErrorHandler(h ErrorHandler)
}
