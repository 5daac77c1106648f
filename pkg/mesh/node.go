// Package mesh holds the authoritative local view of the network: known
// nodes, the parent/child adjacency graph, computed routes, and the gateway
// set. It is pure data and algorithms; the sync engine owns the single
// mutation path.
package mesh

import "time"

// NodeInfo describes one mesh participant.
//
// HopCount is the number of parent edges up to the nearest gateway: a
// gateway sits at 0 and every child is its parent plus one. Children is
// derived from parent links by the Topology mutators; nothing else writes it.
type NodeInfo struct {
	ID             string
	Address        string
	ParentID       string
	Children       []string
	HopCount       int
	LastSeen       time.Time
	BatteryLevel   *float64
	SignalStrength *int
	IsGateway      bool
	Capabilities   []string
	Metadata       map[string]string
}

func (n *NodeInfo) clone() *NodeInfo {
	c := *n
	c.Children = append([]string(nil), n.Children...)
	c.Capabilities = append([]string(nil), n.Capabilities...)
	if n.Metadata != nil {
		c.Metadata = make(map[string]string, len(n.Metadata))
		for k, v := range n.Metadata {
			c.Metadata[k] = v
		}
	}
	if n.BatteryLevel != nil {
		b := *n.BatteryLevel
		c.BatteryLevel = &b
	}
	if n.SignalStrength != nil {
		s := *n.SignalStrength
		c.SignalStrength = &s
	}
	return &c
}

// RouteInfo is one computed path. Routes are derived data: fully recomputed
// by CalculateRoutes and purged once older than the route timeout.
type RouteInfo struct {
	Destination string
	NextHop     string
	HopCount    int
	Cost        float64
	LastUpdated time.Time
	Active      bool
}

// NodeUpdate is a partial field merge for UpdateNode. Nil fields are left
// untouched.
type NodeUpdate struct {
	Address        *string
	ParentID       *string
	HopCount       *int
	LastSeen       *time.Time
	BatteryLevel   *float64
	SignalStrength *int
	IsGateway      *bool
	Capabilities   []string
	Metadata       map[string]string
}
