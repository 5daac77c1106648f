package mesh

import (
	"sort"
	"time"
)

// Defaults mirror the protocol constants: routes expire after five minutes
// and paths longer than 15 hops are not materialized.
const (
	DefaultMaxHops      = 15
	DefaultRouteTimeout = 5 * time.Minute
)

// Options tunes a Topology.
type Options struct {
	MaxHops      int
	RouteTimeout time.Duration
}

// Topology owns the node set, the undirected adjacency mirroring parent and
// child links, the route table keyed by "<gateway>:<destination>", and the
// gateway id set. It is not safe for concurrent use: exactly one engine owns
// and mutates it.
type Topology struct {
	nodes        map[string]*NodeInfo
	adj          map[string]map[string]struct{}
	routes       map[string]RouteInfo
	gateways     map[string]struct{}
	maxHops      int
	routeTimeout time.Duration
}

// New builds an empty topology.
func New(opts Options) *Topology {
	if opts.MaxHops <= 0 {
		opts.MaxHops = DefaultMaxHops
	}
	if opts.RouteTimeout <= 0 {
		opts.RouteTimeout = DefaultRouteTimeout
	}
	return &Topology{
		nodes:        make(map[string]*NodeInfo),
		adj:          make(map[string]map[string]struct{}),
		routes:       make(map[string]RouteInfo),
		gateways:     make(map[string]struct{}),
		maxHops:      opts.MaxHops,
		routeTimeout: opts.RouteTimeout,
	}
}

// AddNode inserts or replaces a node, wires its vertex and parent edge, and
// updates gateway membership. Idempotent: re-adding an identical node leaves
// the topology unchanged.
func (t *Topology) AddNode(n NodeInfo) {
	existing, known := t.nodes[n.ID]
	if known && existing.ParentID != n.ParentID {
		t.unlinkParent(existing)
	}
	stored := n.clone()
	// Children is derived state; never trust the caller's copy.
	stored.Children = nil
	if known {
		stored.Children = existing.Children
	}
	t.nodes[n.ID] = stored
	t.ensureVertex(n.ID)
	if stored.ParentID != "" {
		t.linkParent(stored)
	}
	// Adopt children that arrived before their parent.
	for id, other := range t.nodes {
		if id != n.ID && other.ParentID == n.ID {
			t.linkParent(other)
		}
	}
	t.setGateway(n.ID, stored.IsGateway)
}

// RemoveNode deletes a node, its descendants, its vertex, and every route
// that names it as destination or next hop. Returns false for unknown ids.
func (t *Topology) RemoveNode(id string) bool {
	n, ok := t.nodes[id]
	if !ok {
		return false
	}
	// Descendants first so no child is left orphaned.
	for _, child := range append([]string(nil), n.Children...) {
		t.RemoveNode(child)
	}
	t.unlinkParent(n)
	for nb := range t.adj[id] {
		delete(t.adj[nb], id)
	}
	delete(t.adj, id)
	delete(t.nodes, id)
	delete(t.gateways, id)
	for key, r := range t.routes {
		if r.Destination == id || r.NextHop == id {
			delete(t.routes, key)
		}
	}
	return true
}

// UpdateNode merges the non-nil fields of upd onto an existing node and
// keeps edges and the gateway set in step. Returns false for unknown ids.
func (t *Topology) UpdateNode(id string, upd NodeUpdate) bool {
	n, ok := t.nodes[id]
	if !ok {
		return false
	}
	if upd.Address != nil {
		n.Address = *upd.Address
	}
	if upd.ParentID != nil && *upd.ParentID != n.ParentID {
		t.unlinkParent(n)
		n.ParentID = *upd.ParentID
		if n.ParentID != "" {
			t.linkParent(n)
		}
	}
	if upd.HopCount != nil {
		n.HopCount = *upd.HopCount
	}
	if upd.LastSeen != nil {
		n.LastSeen = *upd.LastSeen
	}
	if upd.BatteryLevel != nil {
		b := *upd.BatteryLevel
		n.BatteryLevel = &b
	}
	if upd.SignalStrength != nil {
		s := *upd.SignalStrength
		n.SignalStrength = &s
	}
	if upd.IsGateway != nil {
		n.IsGateway = *upd.IsGateway
		t.setGateway(id, n.IsGateway)
	}
	if upd.Capabilities != nil {
		n.Capabilities = append([]string(nil), upd.Capabilities...)
	}
	if upd.Metadata != nil {
		if n.Metadata == nil {
			n.Metadata = make(map[string]string, len(upd.Metadata))
		}
		for k, v := range upd.Metadata {
			n.Metadata[k] = v
		}
	}
	return true
}

// Node returns a copy of the node, if known.
func (t *Topology) Node(id string) (NodeInfo, bool) {
	n, ok := t.nodes[id]
	if !ok {
		return NodeInfo{}, false
	}
	return *n.clone(), true
}

// Nodes returns copies of all known nodes in id order.
func (t *Topology) Nodes() []NodeInfo {
	ids := make([]string, 0, len(t.nodes))
	for id := range t.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]NodeInfo, 0, len(ids))
	for _, id := range ids {
		out = append(out, *t.nodes[id].clone())
	}
	return out
}

// Children returns the derived child list of a node.
func (t *Topology) Children(id string) []string {
	n, ok := t.nodes[id]
	if !ok {
		return nil
	}
	return append([]string(nil), n.Children...)
}

// Neighbors returns the adjacency of a vertex in ascending id order.
func (t *Topology) Neighbors(id string) []string {
	out := make([]string, 0, len(t.adj[id]))
	for nb := range t.adj[id] {
		out = append(out, nb)
	}
	sort.Strings(out)
	return out
}

// NodeCount reports the number of known nodes.
func (t *Topology) NodeCount() int { return len(t.nodes) }

// Gateways returns the gateway ids in ascending order.
func (t *Topology) Gateways() []string {
	out := make([]string, 0, len(t.gateways))
	for id := range t.gateways {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// FindRoute returns the shortest vertex path between two known nodes, or
// false when either id is unknown or the graph is disconnected between them.
// Among equal-hop paths the traversal prefers lower node ids, so the result
// is stable across recomputation.
func (t *Topology) FindRoute(source, destination string) ([]string, bool) {
	if _, ok := t.nodes[source]; !ok {
		return nil, false
	}
	if _, ok := t.nodes[destination]; !ok {
		return nil, false
	}
	paths := t.bfs(source)
	p, ok := paths[destination]
	return p, ok
}

// CalculateRoutes recomputes the route table: for every gateway, a
// single-source shortest path tree over the adjacency, one RouteInfo per
// reachable destination with cost equal to hop count. Hop counts of all
// reachable nodes are re-derived from gateway distance, stale routes are
// purged, and the newly computed routes are returned.
func (t *Topology) CalculateRoutes() []RouteInfo {
	now := time.Now().UTC()
	var fresh []RouteInfo
	for _, gw := range t.Gateways() {
		for dest, path := range t.bfs(gw) {
			if dest == gw {
				continue
			}
			hops := len(path) - 1
			if hops > t.maxHops {
				continue
			}
			r := RouteInfo{
				Destination: dest,
				NextHop:     path[1],
				HopCount:    hops,
				Cost:        float64(hops),
				LastUpdated: now,
				Active:      true,
			}
			t.routes[gw+":"+dest] = r
			fresh = append(fresh, r)
		}
	}
	t.normalizeHopCounts()
	t.purgeExpiredRoutes(now)
	sort.Slice(fresh, func(i, j int) bool {
		if fresh[i].Destination != fresh[j].Destination {
			return fresh[i].Destination < fresh[j].Destination
		}
		return fresh[i].NextHop < fresh[j].NextHop
	})
	return fresh
}

// UpsertRoute merges one received route under the origin's key space.
func (t *Topology) UpsertRoute(origin string, r RouteInfo) {
	t.routes[origin+":"+r.Destination] = r
}

// Routes returns a snapshot of the route table.
func (t *Topology) Routes() []RouteInfo {
	keys := make([]string, 0, len(t.routes))
	for k := range t.routes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]RouteInfo, 0, len(keys))
	for _, k := range keys {
		out = append(out, t.routes[k])
	}
	return out
}

// RouteCount reports the number of table entries.
func (t *Topology) RouteCount() int { return len(t.routes) }

// StaleNodes returns ids (excluding the given self id) not seen since the
// cutoff. Nodes with a zero LastSeen are never reported.
func (t *Topology) StaleNodes(cutoff time.Time, selfID string) []string {
	var out []string
	for id, n := range t.nodes {
		if id == selfID || n.LastSeen.IsZero() {
			continue
		}
		if n.LastSeen.Before(cutoff) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// ---- internals ----

func (t *Topology) ensureVertex(id string) {
	if t.adj[id] == nil {
		t.adj[id] = make(map[string]struct{})
	}
}

func (t *Topology) addEdge(a, b string) {
	t.ensureVertex(a)
	t.ensureVertex(b)
	t.adj[a][b] = struct{}{}
	t.adj[b][a] = struct{}{}
}

func (t *Topology) removeEdge(a, b string) {
	if t.adj[a] != nil {
		delete(t.adj[a], b)
	}
	if t.adj[b] != nil {
		delete(t.adj[b], a)
	}
}

// linkParent wires the parent edge and the parent's derived child list.
func (t *Topology) linkParent(n *NodeInfo) {
	t.addEdge(n.ParentID, n.ID)
	p, ok := t.nodes[n.ParentID]
	if !ok {
		return
	}
	for _, c := range p.Children {
		if c == n.ID {
			return
		}
	}
	p.Children = append(p.Children, n.ID)
	sort.Strings(p.Children)
}

func (t *Topology) unlinkParent(n *NodeInfo) {
	if n.ParentID == "" {
		return
	}
	t.removeEdge(n.ParentID, n.ID)
	if p, ok := t.nodes[n.ParentID]; ok {
		kept := p.Children[:0]
		for _, c := range p.Children {
			if c != n.ID {
				kept = append(kept, c)
			}
		}
		p.Children = kept
	}
}

func (t *Topology) setGateway(id string, isGateway bool) {
	if isGateway {
		t.gateways[id] = struct{}{}
	} else {
		delete(t.gateways, id)
	}
}

// bfs returns the shortest path from src to every reachable vertex.
// Neighbors are visited in ascending id order, which makes the lowest-id
// path win among equal-hop alternatives.
func (t *Topology) bfs(src string) map[string][]string {
	paths := map[string][]string{src: {src}}
	queue := []string{src}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, nb := range t.Neighbors(cur) {
			if _, seen := paths[nb]; seen {
				continue
			}
			p := make([]string, 0, len(paths[cur])+1)
			p = append(p, paths[cur]...)
			p = append(p, nb)
			paths[nb] = p
			queue = append(queue, nb)
		}
	}
	return paths
}

// normalizeHopCounts re-derives hop counts from gateway distance so the
// parent-plus-one invariant holds after every recomputation. Unreachable
// nodes keep their advertised counts.
func (t *Topology) normalizeHopCounts() {
	assigned := make(map[string]int)
	for gw := range t.gateways {
		for dest, path := range t.bfs(gw) {
			hops := len(path) - 1
			if cur, ok := assigned[dest]; !ok || hops < cur {
				assigned[dest] = hops
			}
		}
	}
	for id, hops := range assigned {
		if n, ok := t.nodes[id]; ok {
			n.HopCount = hops
		}
	}
}

func (t *Topology) purgeExpiredRoutes(now time.Time) {
	for key, r := range t.routes {
		if now.Sub(r.LastUpdated) > t.routeTimeout {
			delete(t.routes, key)
		}
	}
}
