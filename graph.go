// Package streamplan provides the data model and planner for the stream
// execution and allocation plan of a dataflow inference graph.
package streamplan

import (
	"sort"

	"github.com/pkg/errors"
)

// A Value represents a named tensor-typed edge in the graph. A Value with an
// empty name is a missing optional argument.
type Value struct {
	Name  string
	Type  ValueType
	Shape *Shape
}

// Exists returns false for missing optional arguments.
func (v *Value) Exists() bool {
	return v != nil && v.Name != ""
}

// A Node is one operator in the graph. Inputs, ImplicitInputs and Outputs are
// ordered argument lists; missing optional arguments are represented by
// values with empty names. Subgraphs maps an attribute name to the nested
// graph body of a control-flow operator.
type Node struct {
	Index    int
	Name     string
	OpType   string
	Provider string

	Inputs         []*Value
	ImplicitInputs []*Value
	Outputs        []*Value

	Subgraphs map[string]*Graph

	// TimeInSec is the recorded kernel latency, when the model file carries
	// one. Only the plan replay uses it.
	TimeInSec float64
}

// ContainsSubgraph returns true for control-flow nodes.
func (n *Node) ContainsSubgraph() bool {
	return len(n.Subgraphs) > 0
}

// A Graph is a frozen directed acyclic graph of operator nodes. The planner
// treats it as immutable; derived edge maps are built lazily on first use.
type Graph struct {
	Name         string
	Nodes        []*Node
	Inputs       []*Value
	Outputs      []*Value
	Initializers map[string]*Value

	// Parent is the node of the outer graph owning this graph, or nil at top
	// level.
	Parent *Node

	producers  map[string]*Node
	consumers  map[string][]*Node
	outputsSet map[string]bool
	topoOrder  []int
}

// Node returns the node with the given index, or nil.
func (g *Graph) Node(index int) *Node {
	if index < 0 || index >= len(g.Nodes) {
		return nil
	}
	return g.Nodes[index]
}

// MaxNodeIndex returns the largest node index in the graph.
func (g *Graph) MaxNodeIndex() int {
	max := -1
	for _, n := range g.Nodes {
		if n != nil && n.Index > max {
			max = n.Index
		}
	}
	return max
}

// NumNodes returns the number of nodes.
func (g *Graph) NumNodes() int {
	count := 0
	for _, n := range g.Nodes {
		if n != nil {
			count++
		}
	}
	return count
}

// IsOutput returns true when the value is a graph output.
func (g *Graph) IsOutput(v *Value) bool {
	if !v.Exists() {
		return false
	}
	g.ensureEdges()
	return g.outputsSet[v.Name]
}

// InputsIncludingInitializers returns graph inputs followed by initializers
// in name order.
func (g *Graph) InputsIncludingInitializers() []*Value {
	all := make([]*Value, 0, len(g.Inputs)+len(g.Initializers))
	all = append(all, g.Inputs...)
	names := make([]string, 0, len(g.Initializers))
	for name := range g.Initializers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		all = append(all, g.Initializers[name])
	}
	return all
}

// ProducerOf returns the node producing the named value, or nil when the
// value is a graph input, an initializer, or comes from an outer scope.
func (g *Graph) ProducerOf(name string) *Node {
	g.ensureEdges()
	return g.producers[name]
}

// ConsumersOf returns the nodes consuming the named value, explicitly or
// implicitly, in index order.
func (g *Graph) ConsumersOf(name string) []*Node {
	g.ensureEdges()
	return g.consumers[name]
}

// InputNodes returns the distinct producers of the node's explicit and
// implicit inputs, in index order.
func (g *Graph) InputNodes(n *Node) []*Node {
	g.ensureEdges()

	seen := make(map[int]bool)
	var result []*Node
	args := make([]*Value, 0, len(n.Inputs)+len(n.ImplicitInputs))
	args = append(args, n.Inputs...)
	args = append(args, n.ImplicitInputs...)
	for _, arg := range args {
		if !arg.Exists() {
			continue
		}
		producer := g.producers[arg.Name]
		if producer == nil || producer == n || seen[producer.Index] {
			continue
		}
		seen[producer.Index] = true
		result = append(result, producer)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Index < result[j].Index })
	return result
}

// OutputNodes returns the distinct consumers of the node's outputs, in index
// order.
func (g *Graph) OutputNodes(n *Node) []*Node {
	g.ensureEdges()

	seen := make(map[int]bool)
	var result []*Node
	for _, out := range n.Outputs {
		if !out.Exists() {
			continue
		}
		for _, consumer := range g.consumers[out.Name] {
			if consumer == n || seen[consumer.Index] {
				continue
			}
			seen[consumer.Index] = true
			result = append(result, consumer)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Index < result[j].Index })
	return result
}

// An ExecutionOrder selects the node iteration order used for planning.
type ExecutionOrder int

// ExecutionOrder constants
const (
	OrderDefault ExecutionOrder = iota
	OrderPriorityBased
)

// NodesInTopologicalOrder returns node indices in the requested order.
// Priority-based ordering is resolved by the graph transformer upstream, so
// both orders reduce to the default topological sort here.
func (g *Graph) NodesInTopologicalOrder(order ExecutionOrder) []int {
	return g.TopologicalOrder()
}

// TopologicalOrder returns node indices in dependency order. Ready nodes are
// taken lowest index first, so the order is deterministic.
func (g *Graph) TopologicalOrder() []int {
	if g.topoOrder != nil {
		return g.topoOrder
	}
	g.ensureEdges()

	inDegree := make(map[int]int)
	for _, n := range g.Nodes {
		if n == nil {
			continue
		}
		inDegree[n.Index] = len(g.InputNodes(n))
	}

	var ready []int
	for _, n := range g.Nodes {
		if n != nil && inDegree[n.Index] == 0 {
			ready = append(ready, n.Index)
		}
	}
	sort.Ints(ready)

	order := make([]int, 0, len(inDegree))
	for len(ready) > 0 {
		index := ready[0]
		ready = ready[1:]
		order = append(order, index)
		for _, successor := range g.OutputNodes(g.Node(index)) {
			inDegree[successor.Index]--
			if inDegree[successor.Index] == 0 {
				ready = append(ready, successor.Index)
				sort.Ints(ready)
			}
		}
	}

	g.topoOrder = order
	return order
}

func (g *Graph) ensureEdges() {
	if g.producers != nil {
		return
	}

	g.producers = make(map[string]*Node)
	g.consumers = make(map[string][]*Node)
	g.outputsSet = make(map[string]bool)

	for _, out := range g.Outputs {
		if out.Exists() {
			g.outputsSet[out.Name] = true
		}
	}

	for _, n := range g.Nodes {
		if n == nil {
			continue
		}
		for _, out := range n.Outputs {
			if out.Exists() {
				g.producers[out.Name] = n
			}
		}
	}
	for _, n := range g.Nodes {
		if n == nil {
			continue
		}
		args := make([]*Value, 0, len(n.Inputs)+len(n.ImplicitInputs))
		args = append(args, n.Inputs...)
		args = append(args, n.ImplicitInputs...)
		seen := make(map[string]bool)
		for _, arg := range args {
			if !arg.Exists() || seen[arg.Name] {
				continue
			}
			seen[arg.Name] = true
			g.consumers[arg.Name] = append(g.consumers[arg.Name], n)
		}
	}
}

// A ValueIndexMap assigns dense integer indices to value names.
type ValueIndexMap struct {
	nameToIndex map[string]int
	indexToName []string
}

// NewValueIndexMap creates an empty map.
func NewValueIndexMap() *ValueIndexMap {
	return &ValueIndexMap{nameToIndex: make(map[string]int)}
}

// Add registers the name if needed and returns its index.
func (m *ValueIndexMap) Add(name string) int {
	if index, ok := m.nameToIndex[name]; ok {
		return index
	}
	index := len(m.indexToName)
	m.nameToIndex[name] = index
	m.indexToName = append(m.indexToName, name)
	return index
}

// Index returns the index of a registered name.
func (m *ValueIndexMap) Index(name string) (int, error) {
	index, ok := m.nameToIndex[name]
	if !ok {
		return -1, errors.Errorf("value %q is not registered", name)
	}
	return index, nil
}

// Name returns the name registered at the given index.
func (m *ValueIndexMap) Name(index int) (string, error) {
	if index < 0 || index >= len(m.indexToName) {
		return "", errors.Errorf("value index %d out of range", index)
	}
	return m.indexToName[index], nil
}

// MaxIndex returns the largest assigned index, or -1 when empty.
func (m *ValueIndexMap) MaxIndex() int {
	return len(m.indexToName) - 1
}

// Size returns the number of registered names.
func (m *ValueIndexMap) Size() int {
	return len(m.indexToName)
}

// Entries returns the registered names in index order.
func (m *ValueIndexMap) Entries() []string {
	return m.indexToName
}

// BuildValueIndexMap assigns indices to every value of the graph plus the
// outer-scope args: graph inputs first, then initializers in name order, then
// outer-scope args, then node arguments in topological order.
func BuildValueIndexMap(g *Graph, outerScopeArgs []*Value) *ValueIndexMap {
	m := NewValueIndexMap()
	for _, in := range g.Inputs {
		if in.Exists() {
			m.Add(in.Name)
		}
	}
	names := make([]string, 0, len(g.Initializers))
	for name := range g.Initializers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		m.Add(name)
	}
	for _, arg := range outerScopeArgs {
		if arg.Exists() {
			m.Add(arg.Name)
		}
	}
	for _, index := range g.TopologicalOrder() {
		n := g.Node(index)
		for _, arg := range n.Inputs {
			if arg.Exists() {
				m.Add(arg.Name)
			}
		}
		for _, arg := range n.ImplicitInputs {
			if arg.Exists() {
				m.Add(arg.Name)
			}
		}
		for _, arg := range n.Outputs {
			if arg.Exists() {
				m.Add(arg.Name)
			}
		}
	}
	return m
}
