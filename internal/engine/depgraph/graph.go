// Package depgraph orders tasks by their dependencies.
//
// Edges point from a task to the task it depends on. Node order is the order
// of insertion and breaks every tie.
package depgraph

type Graph struct {
	nodes []string
	index map[string]int
	deps  [][]int
}

func New() *Graph {
	return &Graph{index: map[string]int{}}
}

// AddNode registers id. Adding an existing id is a no-op.
func (g *Graph) AddNode(id string) {
	if _, ok := g.index[id]; ok {
		return
	}
	g.index[id] = len(g.nodes)
	g.nodes = append(g.nodes, id)
	g.deps = append(g.deps, nil)
}

// AddEdge records that from depends on to. Missing nodes are added.
func (g *Graph) AddEdge(from, to string) {
	g.AddNode(from)
	g.AddNode(to)
	f, t := g.index[from], g.index[to]
	for _, d := range g.deps[f] {
		if d == t {
			return
		}
	}
	g.deps[f] = append(g.deps[f], t)
}

func (g *Graph) Len() int { return len(g.nodes) }

const (
	white = iota
	grey
	black
)

type frame struct {
	node int
	next int
}

// FindCycle returns the first cycle found as a path that starts and ends on
// the same node, or nil when the graph is acyclic.
func (g *Graph) FindCycle() []string {
	color := make([]int, len(g.nodes))
	for root := range g.nodes {
		if color[root] != white {
			continue
		}
		stack := []frame{{node: root}}
		color[root] = grey
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.next == len(g.deps[top.node]) {
				color[top.node] = black
				stack = stack[:len(stack)-1]
				continue
			}
			dep := g.deps[top.node][top.next]
			top.next++
			switch color[dep] {
			case white:
				color[dep] = grey
				stack = append(stack, frame{node: dep})
			case grey:
				return g.cyclePath(stack, dep)
			}
		}
	}
	return nil
}

func (g *Graph) cyclePath(stack []frame, start int) []string {
	var path []string
	on := false
	for _, f := range stack {
		if f.node == start {
			on = true
		}
		if on {
			path = append(path, g.nodes[f.node])
		}
	}
	return append(path, g.nodes[start])
}

// Order returns every node with dependencies before their dependents
// (Kahn's algorithm). Among ready nodes the earliest inserted goes first.
// Nodes left over because of a cycle are appended in insertion order.
func (g *Graph) Order() []string {
	n := len(g.nodes)
	pending := make([]int, n)
	dependents := make([][]int, n)
	for from, deps := range g.deps {
		for _, to := range deps {
			if to == from {
				continue
			}
			pending[from]++
			dependents[to] = append(dependents[to], from)
		}
	}
	ready := make([]bool, n)
	for i := range pending {
		ready[i] = pending[i] == 0
	}
	done := make([]bool, n)
	out := make([]string, 0, n)
	for {
		next := -1
		for i := 0; i < n; i++ {
			if ready[i] && !done[i] {
				next = i
				break
			}
		}
		if next < 0 {
			break
		}
		done[next] = true
		out = append(out, g.nodes[next])
		for _, d := range dependents[next] {
			pending[d]--
			if pending[d] == 0 {
				ready[d] = true
			}
		}
	}
	for i := range g.nodes {
		if !done[i] {
			out = append(out, g.nodes[i])
		}
	}
	return out
}
