package engine

import (
	"context"
	"time"

	"arxlink/pkg/protocol"
)

// sendWithResponse ships a request and suspends the caller until the
// matching SyncResponse arrives, the response timeout fires, or ctx is
// done. On timeout the pending entry is discarded and ErrNoResponse is
// returned instead of blocking indefinitely.
func (e *Engine) sendWithResponse(ctx context.Context, msg protocol.SyncMessage) (protocol.SyncMessage, error) {
	ch := e.registerPending(msg.ID)
	if err := e.send(ctx, msg); err != nil {
		e.dropPending(msg.ID)
		return protocol.SyncMessage{}, err
	}

	timer := time.NewTimer(e.cfg.ResponseTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		e.dropPending(msg.ID)
		return protocol.SyncMessage{}, ctx.Err()
	case <-timer.C:
		e.dropPending(msg.ID)
		return protocol.SyncMessage{}, ErrNoResponse
	case resp := <-ch:
		return resp, nil
	}
}

func (e *Engine) registerPending(id string) chan protocol.SyncMessage {
	ch := make(chan protocol.SyncMessage, 1)
	e.mu.Lock()
	e.pending[id] = ch
	e.mu.Unlock()
	return ch
}

// resolvePending completes the waiter keyed by the request id, if any.
// Late or duplicate responses are dropped silently.
func (e *Engine) resolvePending(requestID string, msg protocol.SyncMessage) {
	e.mu.Lock()
	ch, ok := e.pending[requestID]
	if ok {
		delete(e.pending, requestID)
	}
	e.mu.Unlock()
	if ok {
		ch <- msg
	}
}

func (e *Engine) dropPending(id string) {
	e.mu.Lock()
	delete(e.pending, id)
	e.mu.Unlock()
}
