package transport

import "context"

// Transport is the opaque byte channel the sync protocol runs over. The
// protocol serializes one SyncMessage per frame and is agnostic to the link
// technology underneath (in-process bus, UDP, QUIC, a radio driver, ...).
//
// Implementations deliver frames best-effort: loss, duplication and
// reordering are all tolerated by the protocol layer.
type Transport interface {
	// LocalAddr returns the transport-level address other nodes can use to
	// reach this endpoint.
	LocalAddr() string

	// Send delivers one frame to the given transport address.
	Send(ctx context.Context, addr string, payload []byte) error

	// Broadcast delivers one frame to every reachable endpoint except the
	// sender itself.
	Broadcast(ctx context.Context, payload []byte) error

	// Receive blocks until the next inbound frame arrives, ctx is done, or
	// the transport is closed.
	Receive(ctx context.Context) (Frame, error)

	Close() error
}

// Frame is a single received datagram.
type Frame struct {
	// From is the transport-level source address, when the link knows it.
	From string
	// Payload is the raw frame body.
	Payload []byte
}
