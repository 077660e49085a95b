package engine

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/flowsend/engine/internal/app/domain/workflow"
)

// implicitExitID names the synthetic exit appended behind nodes that have
// no outgoing edge.
const implicitExitID = "__implicit_exit__"

// execGraph is the executable form of a workflow definition: O(1) node
// lookup and priority-ordered outgoing edges.
type execGraph struct {
	nodes    map[string]workflow.Node
	outgoing map[string][]workflow.Edge
	trigger  *workflow.Node
}

// normalizeGraph builds the executable graph from a stored definition.
// Dangling edges are dropped and a missing terminal step is patched with an
// implicit exit. Returns nil when the workflow carries no graph, which
// selects the legacy linear step interpreter.
func normalizeGraph(wf workflow.Workflow) *execGraph {
	if !wf.HasGraph() {
		return nil
	}

	g := &execGraph{
		nodes:    make(map[string]workflow.Node, len(wf.Nodes)+1),
		outgoing: make(map[string][]workflow.Edge, len(wf.Nodes)),
	}
	for _, n := range wf.Nodes {
		if n.ID == "" {
			continue
		}
		g.nodes[n.ID] = n
		if n.Kind == workflow.KindTrigger && g.trigger == nil {
			t := n
			g.trigger = &t
		}
	}
	g.nodes[implicitExitID] = workflow.Node{ID: implicitExitID, Kind: workflow.KindExit}

	for _, e := range wf.Edges {
		if _, ok := g.nodes[e.Source]; !ok {
			continue
		}
		if _, ok := g.nodes[e.Target]; !ok {
			continue
		}
		g.outgoing[e.Source] = append(g.outgoing[e.Source], e)
	}
	for id, edges := range g.outgoing {
		sort.SliceStable(edges, func(i, j int) bool {
			return handlePriority(edges[i].Handle) < handlePriority(edges[j].Handle)
		})
		g.outgoing[id] = edges
	}

	for id, n := range g.nodes {
		if n.Kind == workflow.KindExit {
			continue
		}
		if len(g.outgoing[id]) == 0 {
			g.outgoing[id] = []workflow.Edge{{Source: id, Target: implicitExitID}}
		}
	}
	return g
}

// handlePriority orders branch handles: if, then else_if_N ascending, then
// else and the default handle last.
func handlePriority(handle string) int {
	switch {
	case handle == "if":
		return 0
	case strings.HasPrefix(handle, "else_if_"):
		if n, err := strconv.Atoi(strings.TrimPrefix(handle, "else_if_")); err == nil && n > 0 {
			return n
		}
		return 1 << 20
	default:
		return 1 << 30
	}
}

func (g *execGraph) node(id string) (workflow.Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// entry is the resolved trigger node.
func (g *execGraph) entry() (workflow.Node, bool) {
	if g.trigger == nil {
		return workflow.Node{}, false
	}
	return *g.trigger, true
}

// next resolves the successor along the given branch handle. An exact
// handle match wins. A named handle with no matching edge routes to the
// implicit exit: sending an unmatched branch down the highest-priority
// edge would let a false condition travel the true path. Handle-less
// transitions take the highest-priority edge.
func (g *execGraph) next(fromID, handle string) (workflow.Node, bool) {
	edges := g.outgoing[fromID]
	if len(edges) == 0 {
		return workflow.Node{}, false
	}
	if handle != "" {
		for _, e := range edges {
			if e.Handle == handle {
				return g.node(e.Target)
			}
		}
		return g.node(implicitExitID)
	}
	return g.node(edges[0].Target)
}

// legacyNode adapts one entry of the legacy ordered step list to a node.
// The historical "stop" kind maps to exit.
func legacyNode(idx int, st workflow.Step) workflow.Node {
	kind := st.Kind
	if kind == "stop" {
		kind = workflow.KindExit
	}
	return workflow.Node{ID: fmt.Sprintf("step-%d", idx), Kind: kind, Config: st.Config}
}
