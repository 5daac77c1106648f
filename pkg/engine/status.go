package engine

import (
	"time"

	"arxlink/pkg/mesh"
)

// Status is a point-in-time snapshot of the engine for logging and
// inspection.
type Status struct {
	NodeID       string       `json:"node_id"`
	State        State        `json:"state"`
	KnownPeers   int          `json:"known_peers"`
	Routes       int          `json:"routes"`
	IsGateway    bool         `json:"is_gateway"`
	ParentID     string       `json:"parent_id,omitempty"`
	HopCount     int          `json:"hop_count"`
	ChildCount   int          `json:"child_count"`
	BatteryLevel *float64     `json:"battery_level,omitempty"`
	LastSync     time.Time    `json:"last_sync"`
	Topology     mesh.Summary `json:"topology"`
}

// Status snapshots the engine state under the lock.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	self, _ := e.topo.Node(e.cfg.NodeID)
	return Status{
		NodeID:       e.cfg.NodeID,
		State:        e.state,
		KnownPeers:   e.topo.NodeCount() - 1,
		Routes:       e.topo.RouteCount(),
		IsGateway:    self.IsGateway,
		ParentID:     self.ParentID,
		HopCount:     self.HopCount,
		ChildCount:   len(self.Children),
		BatteryLevel: self.BatteryLevel,
		LastSync:     e.lastSync,
		Topology:     e.topo.Summarize(),
	}
}
