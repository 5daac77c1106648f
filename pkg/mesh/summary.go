package mesh

// Summary aggregates topology counters for status reporting.
type Summary struct {
	NodeCount    int      `json:"node_count"`
	GatewayCount int      `json:"gateway_count"`
	RouteCount   int      `json:"route_count"`
	AverageHops  float64  `json:"average_hops"`
	Connectivity float64  `json:"connectivity"`
	Gateways     []string `json:"gateways"`
	Isolated     []string `json:"isolated_nodes"`
}

// Summarize computes the aggregate view: counts, mean hop count across
// active routes, the fraction of nodes inside the largest connected
// component, and degree-zero nodes.
func (t *Topology) Summarize() Summary {
	s := Summary{
		NodeCount:    len(t.nodes),
		GatewayCount: len(t.gateways),
		RouteCount:   len(t.routes),
		Gateways:     t.Gateways(),
		Connectivity: t.connectivity(),
	}
	var hops, active int
	for _, r := range t.routes {
		if r.Active {
			hops += r.HopCount
			active++
		}
	}
	if active > 0 {
		s.AverageHops = float64(hops) / float64(active)
	}
	for _, n := range t.Nodes() {
		if len(t.adj[n.ID]) == 0 {
			s.Isolated = append(s.Isolated, n.ID)
		}
	}
	return s
}

// connectivity is the share of nodes in the largest connected component.
// Fewer than two nodes counts as fully connected.
func (t *Topology) connectivity() float64 {
	if len(t.nodes) < 2 {
		return 1.0
	}
	seen := make(map[string]bool, len(t.nodes))
	largest := 0
	for id := range t.nodes {
		if seen[id] {
			continue
		}
		size := 0
		queue := []string{id}
		seen[id] = true
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			size++
			for nb := range t.adj[cur] {
				if _, known := t.nodes[nb]; known && !seen[nb] {
					seen[nb] = true
					queue = append(queue, nb)
				}
			}
		}
		if size > largest {
			largest = size
		}
	}
	return float64(largest) / float64(len(t.nodes))
}
