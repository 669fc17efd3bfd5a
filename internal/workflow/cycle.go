package workflow

// findCycle returns one cycle as a list of process ids, first id repeated at
// the end. Only called when topoOrder came up short.
//
// The algorithm:
//  1. Tarjan's algorithm finds the strongly connected components
//  2. The component holding the lowest source index is picked
//  3. A breadth-first search inside it finds the shortest way back to that
//     process
//
// Nodes and successors are visited in source order, so the same rules always
// report the same cycle.
func (w *Workflow) findCycle() []string {
	sccs := w.tarjanSCC()

	var best []int
	bestMin := len(w.processes)
	for _, scc := range sccs {
		if len(scc) < 2 {
			continue
		}
		m := scc[0]
		for _, n := range scc {
			m = min(m, n)
		}
		if m < bestMin {
			best, bestMin = scc, m
		}
	}
	if best == nil {
		return nil
	}

	path := w.reconstructCyclePath(bestMin, best)
	ids := make([]string, len(path))
	for i, n := range path {
		ids[i] = w.processes[n].ID
	}
	return ids
}

// tarjanSCC finds strongly connected components.
func (w *Workflow) tarjanSCC() [][]int {
	var (
		index   = 0
		stack   []int
		indices = make(map[int]int)
		lowlink = make(map[int]int)
		onStack = make(map[int]bool)
		sccs    [][]int
	)

	var strongConnect func(int)
	strongConnect = func(v int) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, u := range w.outgoing[v] {
			if _, visited := indices[u]; !visited {
				strongConnect(u)
				lowlink[v] = min(lowlink[v], lowlink[u])
			} else if onStack[u] {
				lowlink[v] = min(lowlink[v], indices[u])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []int
			for {
				u := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[u] = false
				scc = append(scc, u)
				if u == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	for v := range w.processes {
		if _, visited := indices[v]; !visited {
			strongConnect(v)
		}
	}
	return sccs
}

// reconstructCyclePath returns start, then the shortest walk inside scc that
// leads back to start.
func (w *Workflow) reconstructCyclePath(start int, scc []int) []int {
	member := make(map[int]bool, len(scc))
	for _, n := range scc {
		member[n] = true
	}

	parent := map[int]int{start: -1}
	queue := []int{start}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, next := range w.outgoing[n] {
			if !member[next] {
				continue
			}
			if next == start {
				// Walk parents back to start and close the loop.
				var rev []int
				for cur := n; cur != -1; cur = parent[cur] {
					rev = append(rev, cur)
				}
				path := make([]int, 0, len(rev)+1)
				for i := len(rev) - 1; i >= 0; i-- {
					path = append(path, rev[i])
				}
				return append(path, start)
			}
			if _, seen := parent[next]; !seen {
				parent[next] = n
				queue = append(queue, next)
			}
		}
	}
	return []int{start, start}
}
