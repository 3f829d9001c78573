// Package transport carries KRPC datagrams for the DHT engine.
//
// # Architecture
//
// The Transport interface hides the socket behind Send and an inbound
// Handler. Addresses are netip.AddrPort values throughout so the engine can
// compare endpoints without allocation:
//
//	type Transport interface {
//	    Send(data []byte, addr netip.AddrPort) error
//	    Serve(ctx context.Context) error
//	    Close() error
//	    LocalAddr() net.Addr
//	    SetHandler(h Handler)
//	    SetErrorHandler(h ErrorHandler)
//	}
//
// # UDP Transport
//
//	tr, err := transport.NewUDPTransport("udp4", ":6882")
//	if err != nil {
//	    return err
//	}
//	tr.SetHandler(func(data []byte, from netip.AddrPort) {
//	    // parse and dispatch
//	})
//	sup := suture.NewSimple("dht")
//	sup.Add(tr)
//	sup.ServeBackground(ctx)
//
// Serve implements suture.Service. It dispatches each datagram inline on
// the receive goroutine, so handlers must not block. Once the transport is
// closed Serve returns suture.ErrDoNotRestart.
//
// # Errors
//
// Read errors other than deadline expiry are logged at Warn and passed to
// the ErrorHandler once per streak. The loop keeps reading afterwards.
package transport
