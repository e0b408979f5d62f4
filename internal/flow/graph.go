package flow

import (
	"fmt"
	"sort"

	"github.com/nanodb/core/internal/catalog"
	"github.com/nanodb/core/internal/txn"
)

// Operator is the shared contract of spec.md §4.4.3 step 2: every node
// in a flow's DAG consumes one FlowChange and produces one FlowChange.
// cmd is the command transaction the scheduler is driving this step
// under, so an operator's state reads/writes and the sink's row writes
// all land in the same storage commit (§4.4.3 step 3).
type Operator interface {
	NodeID() catalog.FlowNodeID
	Apply(cmd *txn.Command, in FlowChange) (FlowChange, error)
}

// Graph is a compiled flow's DAG: operators at each FlowNodeID, edges
// recorded as an adjacency list, and a precomputed topological order
// for the scheduler's per-commit walk (spec.md §4.4.1, §4.4.3 step 2).
type Graph struct {
	Flow  catalog.FlowID
	nodes map[catalog.FlowNodeID]Operator
	out   map[catalog.FlowNodeID][]catalog.FlowNodeID
	order []catalog.FlowNodeID
}

// BuildGraph assembles a Graph from its operator set and edge list,
// returning an error if the edges do not form a DAG (every flow is
// compiled once at view-creation time, so a cycle here is a compiler
// bug, not a runtime condition to recover from).
func BuildGraph(flowID catalog.FlowID, nodes map[catalog.FlowNodeID]Operator, edges []catalog.FlowEdgeDef) (*Graph, error) {
	g := &Graph{
		Flow:  flowID,
		nodes: nodes,
		out:   make(map[catalog.FlowNodeID][]catalog.FlowNodeID, len(nodes)),
	}
	indegree := make(map[catalog.FlowNodeID]int, len(nodes))
	for id := range nodes {
		indegree[id] = 0
	}
	for _, e := range edges {
		if _, ok := nodes[e.From]; !ok {
			return nil, fmt.Errorf("flow: edge references unknown node %d", e.From)
		}
		if _, ok := nodes[e.To]; !ok {
			return nil, fmt.Errorf("flow: edge references unknown node %d", e.To)
		}
		g.out[e.From] = append(g.out[e.From], e.To)
		indegree[e.To]++
	}

	order, err := topoSort(nodes, g.out, indegree)
	if err != nil {
		return nil, err
	}
	g.order = order
	return g, nil
}

// topoSort is Kahn's algorithm: deterministic order among ties comes
// from always picking the lowest-id ready node, so replay (§4.4.6's
// crash recovery) walks nodes in the same order every time.
func topoSort(nodes map[catalog.FlowNodeID]Operator, out map[catalog.FlowNodeID][]catalog.FlowNodeID, indegree map[catalog.FlowNodeID]int) ([]catalog.FlowNodeID, error) {
	ready := make([]catalog.FlowNodeID, 0, len(indegree))
	for id, d := range indegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })

	order := make([]catalog.FlowNodeID, 0, len(nodes))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, next := range out[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	if len(order) != len(nodes) {
		return nil, fmt.Errorf("flow: graph has a cycle among its flow nodes")
	}
	return order, nil
}

// NodesFrom returns the successor node ids of id, in edge-declaration order.
func (g *Graph) NodesFrom(id catalog.FlowNodeID) []catalog.FlowNodeID {
	return g.out[id]
}

// Operator returns the compiled operator for id.
func (g *Graph) Operator(id catalog.FlowNodeID) (Operator, bool) {
	op, ok := g.nodes[id]
	return op, ok
}

// Order returns the flow's topological node order.
func (g *Graph) Order() []catalog.FlowNodeID {
	return g.order
}

// Roots returns the nodes with no predecessor — the Source nodes an
// external FlowChange is fed into.
func (g *Graph) Roots() []catalog.FlowNodeID {
	hasIncoming := make(map[catalog.FlowNodeID]bool, len(g.nodes))
	for _, targets := range g.out {
		for _, t := range targets {
			hasIncoming[t] = true
		}
	}
	var roots []catalog.FlowNodeID
	for _, id := range g.order {
		if !hasIncoming[id] {
			roots = append(roots, id)
		}
	}
	return roots
}
