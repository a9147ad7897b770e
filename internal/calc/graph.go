package calc

import (
	"sort"
)

// graph is the dependency graph between formula metrics. An edge a -> b means
// the formula of a needs the value of b. Operands without a formula are
// leaves and are not part of the graph.
type graph struct {
	nodes []string
	edges map[string][]string
}

func newGraph(deps map[string][]string) *graph {
	g := &graph{edges: make(map[string][]string, len(deps))}
	for id := range deps {
		g.nodes = append(g.nodes, id)
	}
	sort.Strings(g.nodes)
	for _, id := range g.nodes {
		var out []string
		for _, d := range deps[id] {
			if _, ok := deps[d]; ok {
				out = append(out, d)
			}
		}
		sort.Strings(out)
		g.edges[id] = out
	}
	return g
}

// cycles returns every strongly connected component that forms a cycle
// (more than one member, or a single self-referencing member), each sorted,
// using Tarjan's algorithm. Traversal order is fixed so the output is stable.
func (g *graph) cycles() [][]string {
	var (
		index   = 0
		indices = make(map[string]int)
		low     = make(map[string]int)
		onStack = make(map[string]bool)
		stack   []string
		out     [][]string
	)

	var strong func(v string)
	strong = func(v string) {
		indices[v] = index
		low[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range g.edges[v] {
			if _, seen := indices[w]; !seen {
				strong(w)
				low[v] = min(low[v], low[w])
			} else if onStack[w] {
				low[v] = min(low[v], indices[w])
			}
		}

		if low[v] != indices[v] {
			return
		}
		var scc []string
		for {
			w := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[w] = false
			scc = append(scc, w)
			if w == v {
				break
			}
		}
		if len(scc) > 1 || g.selfLoop(v) {
			sort.Strings(scc)
			out = append(out, scc)
		}
	}

	for _, v := range g.nodes {
		if _, seen := indices[v]; !seen {
			strong(v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

func (g *graph) selfLoop(v string) bool {
	for _, w := range g.edges[v] {
		if w == v {
			return true
		}
	}
	return false
}

// order returns the nodes outside skip in dependency order (Kahn's
// algorithm). Among nodes that are ready at the same time the smallest id
// goes first. Edges into skipped nodes are ignored.
func (g *graph) order(skip map[string]bool) []string {
	indegree := make(map[string]int)
	dependents := make(map[string][]string)
	for _, v := range g.nodes {
		if skip[v] {
			continue
		}
		indegree[v] += 0
		for _, w := range g.edges[v] {
			if skip[w] {
				continue
			}
			indegree[v]++
			dependents[w] = append(dependents[w], v)
		}
	}

	var ready []string
	for v, d := range indegree {
		if d == 0 {
			ready = append(ready, v)
		}
	}
	sort.Strings(ready)

	out := make([]string, 0, len(indegree))
	for len(ready) > 0 {
		v := ready[0]
		ready = ready[1:]
		out = append(out, v)
		for _, d := range dependents[v] {
			indegree[d]--
			if indegree[d] == 0 {
				ready = insertSorted(ready, d)
			}
		}
	}
	return out
}

func insertSorted(s []string, v string) []string {
	i := sort.SearchStrings(s, v)
	s = append(s, "")
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}
