// Package mem provides an in-process broadcast bus implementing the transport
// contract. Useful for tests and multi-node simulation in one process.
package mem

import (
	"context"
	"errors"
	"sync"

	"arxlink/pkg/transport"
)

// Bus connects endpoints joined under distinct addresses. Frames sent to an
// address are queued on that endpoint; broadcast fans out to everyone except
// the sender. Queues are bounded and drop on overflow, matching the lossy
// nature of a real radio link.
type Bus struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint
	queueLen  int
}

// NewBus creates an empty bus. queueLen <= 0 selects the default of 64 frames
// per endpoint.
func NewBus(queueLen int) *Bus {
	if queueLen <= 0 {
		queueLen = 64
	}
	return &Bus{endpoints: make(map[string]*Endpoint), queueLen: queueLen}
}

// Join registers a new endpoint under addr.
func (b *Bus) Join(addr string) (*Endpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.endpoints[addr]; ok {
		return nil, errors.New("mem: address already joined")
	}
	ep := &Endpoint{bus: b, addr: addr, rx: make(chan transport.Frame, b.queueLen), closed: make(chan struct{})}
	b.endpoints[addr] = ep
	return ep, nil
}

func (b *Bus) leave(addr string) {
	b.mu.Lock()
	delete(b.endpoints, addr)
	b.mu.Unlock()
}

func (b *Bus) deliver(from, to string, payload []byte) error {
	b.mu.Lock()
	ep, ok := b.endpoints[to]
	b.mu.Unlock()
	if !ok {
		return errors.New("mem: no such address")
	}
	ep.enqueue(transport.Frame{From: from, Payload: append([]byte(nil), payload...)})
	return nil
}

func (b *Bus) broadcast(from string, payload []byte) {
	b.mu.Lock()
	targets := make([]*Endpoint, 0, len(b.endpoints))
	for addr, ep := range b.endpoints {
		if addr != from {
			targets = append(targets, ep)
		}
	}
	b.mu.Unlock()
	for _, ep := range targets {
		ep.enqueue(transport.Frame{From: from, Payload: append([]byte(nil), payload...)})
	}
}

// Endpoint is one bus participant; it implements transport.Transport.
type Endpoint struct {
	bus       *Bus
	addr      string
	rx        chan transport.Frame
	closeOnce sync.Once
	closed    chan struct{}
}

func (e *Endpoint) LocalAddr() string { return e.addr }

func (e *Endpoint) Send(_ context.Context, addr string, payload []byte) error {
	return e.bus.deliver(e.addr, addr, payload)
}

func (e *Endpoint) Broadcast(_ context.Context, payload []byte) error {
	e.bus.broadcast(e.addr, payload)
	return nil
}

func (e *Endpoint) Receive(ctx context.Context) (transport.Frame, error) {
	select {
	case <-ctx.Done():
		return transport.Frame{}, ctx.Err()
	case <-e.closed:
		return transport.Frame{}, errors.New("mem: endpoint closed")
	case f := <-e.rx:
		return f, nil
	}
}

func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.bus.leave(e.addr)
	})
	return nil
}

// enqueue drops the frame when the queue is full.
func (e *Endpoint) enqueue(f transport.Frame) {
	select {
	case <-e.closed:
	case e.rx <- f:
	default:
	}
}
