package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"arxlink/pkg/mesh"
	"arxlink/pkg/protocol"
)

// receiveRetryDelay spaces out retries after a transport receive error so a
// persistently failing link does not busy-loop.
const receiveRetryDelay = 250 * time.Millisecond

// receiveLoop pulls frames off the transport, authenticates them, and
// dispatches by message type. Malformed or badly signed messages are dropped
// with a log line. Transport errors are logged and retried; only context
// cancellation ends the loop.
func (e *Engine) receiveLoop(ctx context.Context) {
	for {
		frame, err := e.tr.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.log.Warn("transport receive failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(receiveRetryDelay):
			}
			continue
		}

		var msg protocol.SyncMessage
		if err := e.codec.Unmarshal(frame.Payload, &msg); err != nil {
			e.log.Warn("dropping malformed message", zap.Error(err))
			continue
		}
		if msg.SourceID == e.cfg.NodeID {
			// own broadcast reflected by the link
			continue
		}
		if err := msg.Validate(); err != nil {
			e.log.Warn("dropping invalid message", zap.Error(err))
			continue
		}
		if !e.authenticate(&msg) {
			e.log.Warn("dropping message with bad signature",
				zap.String("id", msg.ID), zap.String("source", msg.SourceID))
			continue
		}

		e.bookkeep(&msg)
		e.dispatch(ctx, &msg, frame.From)
	}
}

// authenticate verifies the HMAC signature. Unsigned messages pass only in
// bootstrap mode (no session key yet).
func (e *Engine) authenticate(msg *protocol.SyncMessage) bool {
	if e.signer == nil {
		return true
	}
	if msg.Signature == "" {
		return false
	}
	return e.signer.Verify(msg.SigningBase(), msg.Signature)
}

// bookkeep refreshes the sender's last-seen time and tracks its sequence
// numbers. Sequences are liveness bookkeeping only; out-of-order delivery
// is tolerated because handlers are last-write-wins.
func (e *Engine) bookkeep(msg *protocol.SyncMessage) {
	now := time.Now().UTC()
	e.mu.Lock()
	defer e.mu.Unlock()
	if last, ok := e.peerSeq[msg.SourceID]; ok && msg.Sequence < last {
		e.log.Debug("out-of-order message",
			zap.String("source", msg.SourceID),
			zap.Uint64("seq", msg.Sequence), zap.Uint64("last", last))
	} else {
		e.peerSeq[msg.SourceID] = msg.Sequence
	}
	e.topo.UpdateNode(msg.SourceID, mesh.NodeUpdate{LastSeen: &now})
}

func (e *Engine) dispatch(ctx context.Context, msg *protocol.SyncMessage, from string) {
	switch msg.Type {
	case protocol.TypeDiscovery:
		e.handleDiscovery(ctx, msg, from)
	case protocol.TypeHeartbeat:
		e.handleHeartbeat(msg, from)
	case protocol.TypeSyncRequest:
		e.handleSyncRequest(ctx, msg, from)
	case protocol.TypeSyncResponse:
		e.handleSyncResponse(msg)
	case protocol.TypeRouteUpdate:
		e.handleRouteUpdate(msg)
	case protocol.TypeTopologyUpdate:
		e.handleTopologyUpdate(msg, from)
	case protocol.TypeDataForward:
		e.handleDataForward(ctx, msg)
	case protocol.TypeError:
		p := msg.Payload.Error
		e.log.Warn("peer reported error",
			zap.String("source", msg.SourceID),
			zap.String("code", p.Code), zap.String("message", p.Message))
	}
}

// handleDiscovery upserts the announcing peer and echoes our own
// announcement back when the message was a broadcast probe.
func (e *Engine) handleDiscovery(ctx context.Context, msg *protocol.SyncMessage, from string) {
	p := msg.Payload.Discovery
	addr := p.Address
	if addr == "" {
		addr = from
	}
	e.upsertPeer(mesh.NodeInfo{
		ID:             p.NodeID,
		Address:        addr,
		Capabilities:   p.Capabilities,
		BatteryLevel:   p.BatteryLevel,
		SignalStrength: p.SignalStrength,
		IsGateway:      p.IsGateway,
		LastSeen:       time.Now().UTC(),
	})
	e.cachePeer(p.NodeID, addr)

	if !msg.Broadcast() {
		return // this was already an echo
	}
	reply := protocol.NewMessage(protocol.TypeDiscovery, e.cfg.NodeID, p.NodeID, protocol.Payload{
		Discovery: e.selfAnnouncement(),
	})
	reply.TTL = e.cfg.MessageTTL
	if err := e.send(ctx, reply); err != nil {
		e.log.Debug("discovery echo failed", zap.String("peer", p.NodeID), zap.Error(err))
	}
}

// handleHeartbeat refreshes the peer's telemetry and hop count.
func (e *Engine) handleHeartbeat(msg *protocol.SyncMessage, from string) {
	p := msg.Payload.Heartbeat
	now := time.Now().UTC()
	e.mu.Lock()
	if _, ok := e.topo.Node(p.NodeID); !ok {
		e.topo.AddNode(mesh.NodeInfo{ID: p.NodeID, Address: from, LastSeen: now})
		e.recordArrivalLocked(p.NodeID)
	}
	hop := p.HopCount
	e.topo.UpdateNode(p.NodeID, mesh.NodeUpdate{
		BatteryLevel:   p.BatteryLevel,
		SignalStrength: p.SignalStrength,
		HopCount:       &hop,
		LastSeen:       &now,
	})
	e.mu.Unlock()
	e.cachePeer(p.NodeID, from)
}

// handleSyncRequest runs the connection-acceptance logic: adopt the
// requester as a child unless capacity is exhausted or we are not yet in a
// position to parent anyone.
func (e *Engine) handleSyncRequest(ctx context.Context, msg *protocol.SyncMessage, from string) {
	p := msg.Payload.SyncRequest
	if p.Action != protocol.ActionConnect {
		e.log.Warn("unknown sync request action", zap.String("action", p.Action))
		return
	}

	status, reason := protocol.StatusAccepted, ""
	e.mu.Lock()
	self, _ := e.topo.Node(e.cfg.NodeID)
	switch {
	case e.state != StateConnected && e.state != StateSyncing:
		status, reason = protocol.StatusRejected, "unavailable"
	case len(e.topo.Children(e.cfg.NodeID)) >= e.cfg.ChildCapacity:
		status, reason = protocol.StatusRejected, protocol.ReasonCapacity
	default:
		if _, ok := e.topo.Node(p.NodeID); !ok {
			e.topo.AddNode(mesh.NodeInfo{
				ID:           p.NodeID,
				Address:      from,
				Capabilities: p.Capabilities,
				LastSeen:     time.Now().UTC(),
			})
			e.recordArrivalLocked(p.NodeID)
		}
		pid := e.cfg.NodeID
		hop := self.HopCount + 1
		e.topo.UpdateNode(p.NodeID, mesh.NodeUpdate{ParentID: &pid, HopCount: &hop})
	}
	e.mu.Unlock()

	if status == protocol.StatusAccepted {
		e.log.Info("adopted child", zap.String("child", p.NodeID))
	} else {
		e.log.Info("rejected connection", zap.String("peer", p.NodeID), zap.String("reason", reason))
	}

	resp := protocol.NewMessage(protocol.TypeSyncResponse, e.cfg.NodeID, msg.SourceID, protocol.Payload{
		SyncResponse: &protocol.SyncResponsePayload{
			RequestID: msg.ID,
			Status:    status,
			Reason:    reason,
			HopCount:  self.HopCount,
		},
	})
	resp.TTL = e.cfg.MessageTTL
	if err := e.send(ctx, resp); err != nil {
		e.log.Warn("sync response send failed", zap.String("peer", msg.SourceID), zap.Error(err))
	}
}

func (e *Engine) handleSyncResponse(msg *protocol.SyncMessage) {
	e.resolvePending(msg.Payload.SyncResponse.RequestID, *msg)
}

// handleRouteUpdate merges the received entries into the route table under
// the sender's key space.
func (e *Engine) handleRouteUpdate(msg *protocol.SyncMessage) {
	p := msg.Payload.RouteUpdate
	e.mu.Lock()
	for _, r := range p.Routes {
		e.topo.UpsertRoute(msg.SourceID, mesh.RouteInfo{
			Destination: r.Destination,
			NextHop:     r.NextHop,
			HopCount:    r.HopCount,
			Cost:        r.Cost,
			LastUpdated: r.LastUpdated,
			Active:      r.Active,
		})
	}
	e.mu.Unlock()
	e.log.Debug("merged route update", zap.String("source", msg.SourceID), zap.Int("routes", len(p.Routes)))
}

// handleTopologyUpdate applies a peer's advertised tree position.
func (e *Engine) handleTopologyUpdate(msg *protocol.SyncMessage, from string) {
	p := msg.Payload.TopologyUpdate
	now := time.Now().UTC()
	e.mu.Lock()
	if _, ok := e.topo.Node(p.NodeID); !ok {
		e.topo.AddNode(mesh.NodeInfo{ID: p.NodeID, Address: from, LastSeen: now})
		e.recordArrivalLocked(p.NodeID)
	}
	pid := p.ParentID
	hop := p.HopCount
	gw := p.IsGateway
	e.topo.UpdateNode(p.NodeID, mesh.NodeUpdate{
		ParentID:  &pid,
		HopCount:  &hop,
		IsGateway: &gw,
		LastSeen:  &now,
	})
	e.mu.Unlock()
	e.log.Debug("applied topology update", zap.String("node", p.NodeID))
}

// handleDataForward delivers payloads addressed to this node and relays the
// rest toward their destination, consuming one TTL hop per relay.
func (e *Engine) handleDataForward(ctx context.Context, msg *protocol.SyncMessage) {
	p := msg.Payload.DataForward

	if p.Destination == e.cfg.NodeID {
		e.deliverData(p)
		return
	}

	if msg.TTL <= 1 {
		e.log.Warn("dropping data forward, ttl exhausted",
			zap.String("destination", p.Destination), zap.String("origin", p.OriginalSource))
		return
	}
	e.mu.Lock()
	path, ok := e.topo.FindRoute(e.cfg.NodeID, p.Destination)
	e.mu.Unlock()
	if !ok || len(path) < 2 {
		e.log.Warn("dropping data forward, no route",
			zap.String("destination", p.Destination), zap.String("origin", p.OriginalSource))
		return
	}

	next := protocol.NewMessage(protocol.TypeDataForward, e.cfg.NodeID, path[1], protocol.Payload{
		DataForward: p,
	})
	next.TTL = msg.TTL - 1
	if err := e.send(ctx, next); err != nil {
		e.log.Warn("data forward send failed", zap.String("next_hop", path[1]), zap.Error(err))
		return
	}
	e.log.Debug("forwarded data",
		zap.String("destination", p.Destination), zap.String("next_hop", path[1]))
}

func (e *Engine) deliverData(p *protocol.DataForwardPayload) {
	e.mu.Lock()
	h := e.dataHandlers[p.Data.Kind]
	e.mu.Unlock()
	if h == nil {
		e.log.Info("received data with no handler",
			zap.String("kind", p.Data.Kind), zap.String("origin", p.OriginalSource))
		return
	}
	h(p.OriginalSource, p.Data)
}

// upsertPeer inserts or refreshes a peer node and records discovery
// arrival order for parent ranking.
func (e *Engine) upsertPeer(n mesh.NodeInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.topo.Node(n.ID); ok {
		// keep tree position; refresh the announced fields
		last := n.LastSeen
		gw := n.IsGateway
		e.topo.UpdateNode(n.ID, mesh.NodeUpdate{
			Address:        &n.Address,
			LastSeen:       &last,
			BatteryLevel:   n.BatteryLevel,
			SignalStrength: n.SignalStrength,
			IsGateway:      &gw,
			Capabilities:   n.Capabilities,
		})
		return
	}
	e.topo.AddNode(n)
	e.recordArrivalLocked(n.ID)
}

func (e *Engine) recordArrivalLocked(id string) {
	if _, ok := e.arrivalSeen[id]; ok || id == e.cfg.NodeID {
		return
	}
	e.arrivalSeen[id] = struct{}{}
	e.arrival = append(e.arrival, id)
}

func (e *Engine) cachePeer(nodeID, addr string) {
	if e.cache == nil || nodeID == "" || addr == "" {
		return
	}
	if err := e.cache.Put(nodeID, addr, time.Now()); err != nil {
		e.log.Debug("peer cache write failed", zap.String("peer", nodeID), zap.Error(err))
	}
}
