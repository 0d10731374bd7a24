package engine

import (
	"slices"

	"github.com/okonma/weft/pkg/schema"
)

// Graph is the in-memory DAG representation of a flow: node index, incoming
// and outgoing adjacency, and the topological layers the coordinator walks.
type Graph struct {
	Flow   *schema.FlowDefinition
	Nodes  map[string]*schema.NodeDefinition
	In     map[string][]schema.EdgeDefinition // node ID → edges terminating at it
	Out    map[string][]schema.EdgeDefinition // node ID → edges leaving it
	Layers []Layer
}

// Layer groups the nodes whose dependencies are all satisfied at a given
// topological depth. Members of one layer may execute concurrently; layers
// execute strictly in order.
type Layer struct {
	Depth   int      `json:"depth"`
	NodeIDs []string `json:"nodes"`
}

// BuildGraph validates a flow definition and partitions its nodes into
// parallel-eligible layers using in-degree frontier BFS. A cycle is a hard
// structural error: no partial layering is ever returned.
func BuildGraph(def *schema.FlowDefinition) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "flow definition is nil")
	}
	if len(def.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "flow has no nodes")
	}

	g := &Graph{
		Flow:  def,
		Nodes: make(map[string]*schema.NodeDefinition, len(def.Nodes)),
		In:    make(map[string][]schema.EdgeDefinition, len(def.Nodes)),
		Out:   make(map[string][]schema.EdgeDefinition, len(def.Nodes)),
	}

	// First pass: register nodes, reject duplicates.
	for i := range def.Nodes {
		node := &def.Nodes[i]
		if node.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node at index %d has empty ID", i)
		}
		if _, exists := g.Nodes[node.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node ID: %s", node.ID)
		}
		g.Nodes[node.ID] = node
	}

	// Second pass: validate edge endpoints and build adjacency.
	inDegree := make(map[string]int, len(g.Nodes))
	for id := range g.Nodes {
		inDegree[id] = 0
	}
	for i, edge := range def.Edges {
		if _, ok := g.Nodes[edge.From]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"edge at index %d references unknown source node: %s", i, edge.From)
		}
		if _, ok := g.Nodes[edge.To]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"edge at index %d references unknown target node: %s", i, edge.To)
		}
		if edge.From == edge.To {
			return nil, schema.NewErrorf(schema.ErrCodeCycleDetected,
				"node %s depends on itself", edge.From)
		}
		g.Out[edge.From] = append(g.Out[edge.From], edge)
		g.In[edge.To] = append(g.In[edge.To], edge)
		inDegree[edge.To]++
	}

	// Frontier BFS: pop the whole zero-in-degree frontier into one layer,
	// decrement neighbors, repeat. Intra-layer order is sorted so layer
	// membership is deterministic even though members run concurrently.
	frontier := make([]string, 0)
	for id, deg := range inDegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}

	placed := 0
	depth := 0
	for len(frontier) > 0 {
		slices.Sort(frontier)
		g.Layers = append(g.Layers, Layer{Depth: depth, NodeIDs: frontier})
		placed += len(frontier)

		next := make([]string, 0)
		for _, id := range frontier {
			for _, edge := range g.Out[id] {
				inDegree[edge.To]--
				if inDegree[edge.To] == 0 {
					next = append(next, edge.To)
				}
			}
		}
		frontier = next
		depth++
	}

	if placed != len(g.Nodes) {
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "flow contains a cycle")
	}

	return g, nil
}

// Depth returns the layer depth of a node, or -1 if unknown.
func (g *Graph) Depth(nodeID string) int {
	for _, layer := range g.Layers {
		if slices.Contains(layer.NodeIDs, nodeID) {
			return layer.Depth
		}
	}
	return -1
}
