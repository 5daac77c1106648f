package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"arxlink/pkg/mesh"
	"arxlink/pkg/protocol"
)

// heartbeatLoop broadcasts liveness and telemetry on a fixed cadence while
// the node is part of the tree.
func (e *Engine) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sendHeartbeat(ctx)
		}
	}
}

func (e *Engine) sendHeartbeat(ctx context.Context) {
	e.mu.Lock()
	state := e.state
	self, _ := e.topo.Node(e.cfg.NodeID)
	children := len(e.topo.Children(e.cfg.NodeID))
	e.mu.Unlock()
	if state != StateConnected && state != StateSyncing {
		return
	}

	msg := protocol.NewMessage(protocol.TypeHeartbeat, e.cfg.NodeID, "", protocol.Payload{
		Heartbeat: &protocol.HeartbeatPayload{
			NodeID:         e.cfg.NodeID,
			BatteryLevel:   self.BatteryLevel,
			SignalStrength: self.SignalStrength,
			HopCount:       self.HopCount,
			ChildCount:     children,
		},
	})
	msg.TTL = e.cfg.MessageTTL
	if err := e.send(ctx, msg); err != nil {
		e.log.Warn("heartbeat broadcast failed", zap.Error(err))
	}
}

// syncLoop periodically recomputes routes and advertises this node's tree
// position to the mesh.
func (e *Engine) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.performSync(ctx)
		}
	}
}

// performSync is one synchronization round: recalculate the route table,
// broadcast our topology position, and, when acting as gateway, publish the
// fresh routes.
func (e *Engine) performSync(ctx context.Context) {
	if e.State() != StateConnected {
		return
	}
	e.setState(StateSyncing)
	defer e.setState(StateConnected)

	e.mu.Lock()
	routes := e.topo.CalculateRoutes()
	self, _ := e.topo.Node(e.cfg.NodeID)
	children := e.topo.Children(e.cfg.NodeID)
	e.lastSync = time.Now().UTC()
	e.mu.Unlock()

	topoMsg := protocol.NewMessage(protocol.TypeTopologyUpdate, e.cfg.NodeID, "", protocol.Payload{
		TopologyUpdate: &protocol.TopologyUpdatePayload{
			NodeID:    e.cfg.NodeID,
			ParentID:  self.ParentID,
			HopCount:  self.HopCount,
			Children:  children,
			IsGateway: self.IsGateway,
		},
	})
	topoMsg.TTL = e.cfg.MessageTTL
	if err := e.send(ctx, topoMsg); err != nil {
		e.log.Warn("topology update broadcast failed", zap.Error(err))
	}

	if self.IsGateway && len(routes) > 0 {
		entries := make([]protocol.RouteEntry, 0, len(routes))
		for _, r := range routes {
			entries = append(entries, protocol.RouteEntry{
				Destination: r.Destination,
				NextHop:     r.NextHop,
				HopCount:    r.HopCount,
				Cost:        r.Cost,
				LastUpdated: r.LastUpdated,
				Active:      r.Active,
			})
		}
		routeMsg := protocol.NewMessage(protocol.TypeRouteUpdate, e.cfg.NodeID, "", protocol.Payload{
			RouteUpdate: &protocol.RouteUpdatePayload{Routes: entries},
		})
		routeMsg.TTL = e.cfg.MessageTTL
		if err := e.send(ctx, routeMsg); err != nil {
			e.log.Warn("route update broadcast failed", zap.Error(err))
		}
	}

	e.log.Debug("sync round complete", zap.Int("routes", len(routes)))
}

// cleanupLoop evicts peers that stopped heartbeating.
func (e *Engine) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.cleanupStale(ctx)
		}
	}
}

// cleanupStale removes every node not seen within the stale timeout, along
// with its subtree and routes. Losing our own parent sends the node back to
// discovery.
func (e *Engine) cleanupStale(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-e.cfg.StaleTimeout)

	e.mu.Lock()
	stale := e.topo.StaleNodes(cutoff, e.cfg.NodeID)
	self, _ := e.topo.Node(e.cfg.NodeID)
	lostParent := self.ParentID
	parentLost := false
	for _, id := range stale {
		if id == self.ParentID {
			parentLost = true
		}
	}
	if parentLost {
		// detach before the removal cascade reaches our own subtree
		empty := ""
		e.topo.UpdateNode(e.cfg.NodeID, mesh.NodeUpdate{ParentID: &empty})
	}
	for _, id := range stale {
		e.topo.RemoveNode(id)
	}
	if _, ok := e.topo.Node(e.cfg.NodeID); !ok {
		// a stale ancestor took us with it; restore the local node
		self.ParentID = ""
		self.Children = nil
		self.LastSeen = time.Now().UTC()
		e.topo.AddNode(self)
		parentLost = true
	}
	e.mu.Unlock()

	if len(stale) > 0 {
		e.log.Info("evicted stale nodes", zap.Strings("nodes", stale))
	}
	if parentLost {
		e.setState(StateDiscovering)
		e.log.Warn("parent lost, restarting discovery", zap.String("parent", lostParent))
		e.rediscover(ctx)
	}
}

// rediscover re-runs the discovery and connection phases after the parent
// vanished. At most one rediscovery runs at a time.
func (e *Engine) rediscover(ctx context.Context) {
	e.mu.Lock()
	if e.rediscovering {
		e.mu.Unlock()
		return
	}
	e.rediscovering = true
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			e.rediscovering = false
			e.mu.Unlock()
		}()
		e.discover(ctx)
		if ctx.Err() != nil {
			return
		}
		e.establishConnections(ctx)
	}()
}
