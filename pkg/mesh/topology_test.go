package mesh

import (
	"testing"
	"time"
)

func gatewayNode(id string) NodeInfo {
	return NodeInfo{ID: id, Address: id, IsGateway: true, HopCount: 0, LastSeen: time.Now().UTC()}
}

func childNode(id, parent string, hops int) NodeInfo {
	return NodeInfo{ID: id, Address: id, ParentID: parent, HopCount: hops, LastSeen: time.Now().UTC()}
}

func TestAddNodeIdempotent(t *testing.T) {
	topo := New(Options{})
	topo.AddNode(gatewayNode("g"))
	topo.AddNode(childNode("a", "g", 1))
	before := topo.Summarize()

	topo.AddNode(childNode("a", "g", 1))
	after := topo.Summarize()

	if before.NodeCount != after.NodeCount || before.GatewayCount != after.GatewayCount {
		t.Fatalf("re-adding identical node changed counts: before=%+v after=%+v", before, after)
	}
	if got := topo.Children("g"); len(got) != 1 || got[0] != "a" {
		t.Fatalf("unexpected children of g: %v", got)
	}
}

func TestAddNodeAdoptsEarlyChildren(t *testing.T) {
	topo := New(Options{})
	// child announced before its parent exists
	topo.AddNode(childNode("a", "g", 1))
	topo.AddNode(gatewayNode("g"))

	if got := topo.Children("g"); len(got) != 1 || got[0] != "a" {
		t.Fatalf("parent did not adopt pre-existing child: %v", got)
	}
	if nbs := topo.Neighbors("g"); len(nbs) != 1 || nbs[0] != "a" {
		t.Fatalf("missing adjacency after adoption: %v", nbs)
	}
}

func TestRemoveNodeCascades(t *testing.T) {
	topo := New(Options{})
	topo.AddNode(gatewayNode("g"))
	topo.AddNode(childNode("a", "g", 1))
	topo.AddNode(childNode("b", "a", 2))
	topo.CalculateRoutes()

	if topo.RouteCount() == 0 {
		t.Fatalf("expected routes before removal")
	}
	if !topo.RemoveNode("a") {
		t.Fatalf("RemoveNode(a) = false, want true")
	}

	if _, ok := topo.Node("b"); ok {
		t.Fatalf("descendant b survived removal of a")
	}
	for _, r := range topo.Routes() {
		if r.Destination == "a" || r.NextHop == "a" || r.Destination == "b" || r.NextHop == "b" {
			t.Fatalf("stale route survived removal: %+v", r)
		}
	}
	if _, ok := topo.FindRoute("g", "b"); ok {
		t.Fatalf("FindRoute found a path to a removed node")
	}
	if topo.RemoveNode("a") {
		t.Fatalf("second RemoveNode(a) = true, want false")
	}
}

func TestUpdateNodeReparents(t *testing.T) {
	topo := New(Options{})
	topo.AddNode(gatewayNode("g"))
	topo.AddNode(gatewayNode("h"))
	topo.AddNode(childNode("a", "g", 1))

	pid := "h"
	if !topo.UpdateNode("a", NodeUpdate{ParentID: &pid}) {
		t.Fatalf("UpdateNode returned false for known node")
	}
	if got := topo.Children("g"); len(got) != 0 {
		t.Fatalf("old parent kept child after reparent: %v", got)
	}
	if got := topo.Children("h"); len(got) != 1 || got[0] != "a" {
		t.Fatalf("new parent missing child: %v", got)
	}
	if topo.UpdateNode("nope", NodeUpdate{ParentID: &pid}) {
		t.Fatalf("UpdateNode returned true for unknown node")
	}
}

func TestFindRouteLowestIDTieBreak(t *testing.T) {
	topo := New(Options{})
	// diamond: g-a-d and g-b-d, both two hops
	topo.AddNode(gatewayNode("g"))
	topo.AddNode(childNode("a", "g", 1))
	topo.AddNode(childNode("b", "g", 1))
	topo.AddNode(childNode("d", "a", 2))
	topo.addEdge("b", "d") // mesh link outside the tree

	path, ok := topo.FindRoute("g", "d")
	if !ok {
		t.Fatalf("no route g->d")
	}
	want := []string{"g", "a", "d"}
	if len(path) != len(want) {
		t.Fatalf("path = %v, want %v", path, want)
	}
	for i := range want {
		if path[i] != want[i] {
			t.Fatalf("path = %v, want %v", path, want)
		}
	}
}

func TestCalculateRoutesNormalizesHops(t *testing.T) {
	topo := New(Options{})
	topo.AddNode(gatewayNode("g"))
	topo.AddNode(childNode("a", "g", 7)) // advertised hop count is wrong
	topo.AddNode(childNode("b", "a", 9))

	routes := topo.CalculateRoutes()
	if len(routes) != 2 {
		t.Fatalf("routes = %d, want 2", len(routes))
	}
	byDest := map[string]RouteInfo{}
	for _, r := range routes {
		byDest[r.Destination] = r
	}
	if byDest["a"].HopCount != 1 || byDest["a"].NextHop != "a" {
		t.Fatalf("route to a: %+v", byDest["a"])
	}
	if byDest["b"].HopCount != 2 || byDest["b"].NextHop != "a" {
		t.Fatalf("route to b: %+v", byDest["b"])
	}

	// hop counts re-derived from gateway distance
	a, _ := topo.Node("a")
	b, _ := topo.Node("b")
	if a.HopCount != 1 || b.HopCount != 2 {
		t.Fatalf("hop counts not normalized: a=%d b=%d", a.HopCount, b.HopCount)
	}
}

func TestCalculateRoutesSkipsBeyondMaxHops(t *testing.T) {
	topo := New(Options{MaxHops: 1})
	topo.AddNode(gatewayNode("g"))
	topo.AddNode(childNode("a", "g", 1))
	topo.AddNode(childNode("b", "a", 2))

	routes := topo.CalculateRoutes()
	for _, r := range routes {
		if r.Destination == "b" {
			t.Fatalf("route beyond max hops materialized: %+v", r)
		}
	}
}

func TestCalculateRoutesPurgesExpired(t *testing.T) {
	topo := New(Options{RouteTimeout: time.Minute})
	topo.AddNode(gatewayNode("g"))
	topo.AddNode(childNode("a", "g", 1))

	// a learned route whose origin stopped refreshing it
	topo.UpsertRoute("remote", RouteInfo{
		Destination: "far",
		NextHop:     "a",
		HopCount:    3,
		LastUpdated: time.Now().UTC().Add(-2 * time.Minute),
		Active:      true,
	})
	if topo.RouteCount() != 1 {
		t.Fatalf("route count before recompute = %d", topo.RouteCount())
	}

	topo.CalculateRoutes()

	for _, r := range topo.Routes() {
		if r.Destination == "far" {
			t.Fatalf("expired route survived recomputation: %+v", r)
		}
	}
	// freshly computed routes are kept
	if topo.RouteCount() != 1 {
		t.Fatalf("route count after recompute = %d, want 1 (g->a)", topo.RouteCount())
	}
}

func TestStaleNodes(t *testing.T) {
	topo := New(Options{})
	old := time.Now().UTC().Add(-time.Hour)
	topo.AddNode(NodeInfo{ID: "self", LastSeen: old})
	topo.AddNode(NodeInfo{ID: "stale", LastSeen: old})
	topo.AddNode(NodeInfo{ID: "fresh", LastSeen: time.Now().UTC()})
	topo.AddNode(NodeInfo{ID: "unseen"}) // zero LastSeen

	got := topo.StaleNodes(time.Now().UTC().Add(-time.Minute), "self")
	if len(got) != 1 || got[0] != "stale" {
		t.Fatalf("StaleNodes = %v, want [stale]", got)
	}
}

func TestSummaryConnectivity(t *testing.T) {
	topo := New(Options{})
	topo.AddNode(gatewayNode("g"))
	topo.AddNode(childNode("a", "g", 1))
	topo.AddNode(childNode("b", "g", 1))
	topo.AddNode(NodeInfo{ID: "island", LastSeen: time.Now().UTC()})

	s := topo.Summarize()
	if s.NodeCount != 4 || s.GatewayCount != 1 {
		t.Fatalf("summary counts: %+v", s)
	}
	if s.Connectivity != 0.75 {
		t.Fatalf("connectivity = %v, want 0.75", s.Connectivity)
	}
	if len(s.Isolated) != 1 || s.Isolated[0] != "island" {
		t.Fatalf("isolated = %v, want [island]", s.Isolated)
	}
}
