// Package workflow holds the dependency graph of a project: processes, the
// resources they read and write, and the edges between them.
//
// A Workflow is validated on construction and immutable afterwards apart from
// execution metadata recorded on its processes. It is safe for concurrent
// read access.
//
// Edges run from producer to consumer: process Q -> process P when an input
// address of P is an output address of Q.
package workflow

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/roach88/stale/internal/resource"
)

// Edge is a dependency edge between two processes.
type Edge struct {
	From string // producer id
	To   string // consumer id
}

// Workflow is a validated, acyclic set of processes.
type Workflow struct {
	processes []*Process // source order
	index     map[string]int

	resources []resource.Resource // first-seen order
	byAddress map[string]resource.Resource
	producer  map[string]int // address -> process index

	outgoing [][]int // by process index, sorted
	incoming [][]int // by process index, sorted

	order []int
}

// New builds and validates a workflow.
//
// Resources are deduplicated by address: every process ends up holding the
// same instance for a given address. Validation rejects:
//   - processes without an id or processor (INVALID_PROCESS)
//   - two processes with the same id (DUPLICATE_PROCESS)
//   - two processes declaring the same output (AMBIGUOUS_OUTPUT)
//   - any cycle, including a process reading its own output (CIRCULAR_DEPENDENCY)
func New(processes []*Process) (*Workflow, error) {
	w := &Workflow{
		processes: append([]*Process(nil), processes...),
		index:     make(map[string]int, len(processes)),
		byAddress: make(map[string]resource.Resource),
		producer:  make(map[string]int),
	}

	for i, p := range w.processes {
		if p == nil || p.ID == "" {
			return nil, Errorf(ErrCodeInvalidProcess, "process #%d has no id", i+1)
		}
		if p.Processor == nil {
			e := Errorf(ErrCodeInvalidProcess, "process %s has no processor", p.ID)
			e.ProcessID = p.ID
			return nil, e
		}
		if _, dup := w.index[p.ID]; dup {
			e := Errorf(ErrCodeDuplicateProcess, "process id %s is declared twice", p.ID)
			e.ProcessID = p.ID
			return nil, e
		}
		w.index[p.ID] = i

		w.intern(p.Inputs)
		w.intern(p.Outputs)

		for _, r := range p.Outputs {
			addr := r.Address()
			if j, taken := w.producer[addr]; taken && j != i {
				return nil, &Error{
					Code: ErrCodeAmbiguousOutput,
					Message: fmt.Sprintf("%s is produced by both %s and %s",
						addr, w.processes[j].ID, p.ID),
					ProcessID: p.ID,
					Address:   addr,
				}
			}
			w.producer[addr] = i
		}
	}

	w.outgoing = make([][]int, len(w.processes))
	w.incoming = make([][]int, len(w.processes))
	for i, p := range w.processes {
		seen := make(map[int]bool)
		for _, r := range p.Inputs {
			j, ok := w.producer[r.Address()]
			if !ok || seen[j] {
				continue
			}
			if j == i {
				return nil, cycleError([]string{p.ID, p.ID})
			}
			seen[j] = true
			w.outgoing[j] = append(w.outgoing[j], i)
			w.incoming[i] = append(w.incoming[i], j)
		}
	}
	for i := range w.outgoing {
		sort.Ints(w.outgoing[i])
		sort.Ints(w.incoming[i])
	}

	w.order = w.topoOrder()
	if len(w.order) != len(w.processes) {
		return nil, cycleError(w.findCycle())
	}
	return w, nil
}

// intern replaces each resource with the first instance seen for its address.
func (w *Workflow) intern(rs []resource.Resource) {
	for k, r := range rs {
		if canon, ok := w.byAddress[r.Address()]; ok {
			rs[k] = canon
			continue
		}
		w.byAddress[r.Address()] = r
		w.resources = append(w.resources, r)
	}
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topoOrder runs Kahn's algorithm with a min-heap on source index, so ties are
// broken by rule order. The result is short when the graph has a cycle.
func (w *Workflow) topoOrder() []int {
	indeg := make([]int, len(w.processes))
	for i := range w.incoming {
		indeg[i] = len(w.incoming[i])
	}

	ready := &intMinHeap{}
	for i, d := range indeg {
		if d == 0 {
			heap.Push(ready, i)
		}
	}

	out := make([]int, 0, len(indeg))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		out = append(out, n)
		for _, m := range w.outgoing[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	return out
}

func (w *Workflow) list(idx []int) []*Process {
	out := make([]*Process, len(idx))
	for k, i := range idx {
		out[k] = w.processes[i]
	}
	return out
}

// Processes returns every process in source order.
func (w *Workflow) Processes() []*Process {
	return append([]*Process(nil), w.processes...)
}

// Process returns a process by id.
func (w *Workflow) Process(id string) (*Process, bool) {
	i, ok := w.index[id]
	if !ok {
		return nil, false
	}
	return w.processes[i], true
}

// Resources returns every resource in the order first referenced.
func (w *Workflow) Resources() []resource.Resource {
	return append([]resource.Resource(nil), w.resources...)
}

// Resource returns the resource for an address.
func (w *Workflow) Resource(address string) (resource.Resource, bool) {
	r, ok := w.byAddress[address]
	return r, ok
}

// TopologicalOrder returns every process after all its producers. Ties are
// broken by the lowest source index among ready processes.
func (w *Workflow) TopologicalOrder() []*Process {
	return w.list(w.order)
}

// Producer returns the process that declares address as output.
func (w *Workflow) Producer(address string) (*Process, bool) {
	i, ok := w.producer[address]
	if !ok {
		return nil, false
	}
	return w.processes[i], true
}

// HasOutput reports whether some process declares address as output.
func (w *Workflow) HasOutput(address string) bool {
	_, ok := w.producer[address]
	return ok
}

// Dependencies returns the processes p reads from, in source order.
func (w *Workflow) Dependencies(p *Process) []*Process {
	i, ok := w.index[p.ID]
	if !ok {
		return nil
	}
	return w.list(w.incoming[i])
}

// Dependents returns the processes that read an output of p, in source order.
func (w *Workflow) Dependents(p *Process) []*Process {
	i, ok := w.index[p.ID]
	if !ok {
		return nil
	}
	return w.list(w.outgoing[i])
}

// Edges returns every dependency edge, ordered by producer then consumer
// source index.
func (w *Workflow) Edges() []Edge {
	var out []Edge
	for i, succ := range w.outgoing {
		for _, j := range succ {
			out = append(out, Edge{From: w.processes[i].ID, To: w.processes[j].ID})
		}
	}
	return out
}

// PrimaryInputs returns the resources read by some process and produced by
// none, in first-seen order.
func (w *Workflow) PrimaryInputs() []resource.Resource {
	read := make(map[string]bool)
	for _, p := range w.processes {
		for _, r := range p.Inputs {
			read[r.Address()] = true
		}
	}
	var out []resource.Resource
	for _, r := range w.resources {
		if read[r.Address()] && !w.HasOutput(r.Address()) {
			out = append(out, r)
		}
	}
	return out
}

// ClosureFor returns the minimal set of processes that must run to produce
// address, in topological order. It is empty when nothing produces address.
func (w *Workflow) ClosureFor(address string) []*Process {
	start, ok := w.producer[address]
	if !ok {
		return nil
	}
	return w.list(w.reach(start, w.incoming))
}

// Downstream returns every process that reads address directly or through
// intermediate outputs, in topological order.
func (w *Workflow) Downstream(address string) []*Process {
	seen := make(map[int]bool)
	var stack []int
	for i, p := range w.processes {
		for _, r := range p.Inputs {
			if r.Address() == address {
				stack = append(stack, i)
				break
			}
		}
	}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, w.outgoing[n]...)
	}
	return w.list(w.inOrder(seen))
}

// reach returns start and every node reachable from it along adj, in
// topological order.
func (w *Workflow) reach(start int, adj [][]int) []int {
	seen := map[int]bool{}
	stack := []int{start}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, adj[n]...)
	}
	return w.inOrder(seen)
}

func (w *Workflow) inOrder(set map[int]bool) []int {
	out := make([]int, 0, len(set))
	for _, i := range w.order {
		if set[i] {
			out = append(out, i)
		}
	}
	return out
}

// PreCheck runs every process's static check in source order and returns all
// failures joined.
func (w *Workflow) PreCheck() error {
	var errs []error
	for _, p := range w.processes {
		if err := p.PreCheck(); err != nil {
			errs = append(errs, fmt.Errorf("process %s (%s): %w", p.ID, p.Source, err))
		}
	}
	return errors.Join(errs...)
}

// CheckPrimaryInputs fails with UNSATISFIABLE_DEPENDENCY if a resource that no
// process produces is read by some process but does not exist.
func (w *Workflow) CheckPrimaryInputs(ctx context.Context) error {
	var errs []error
	for _, r := range w.PrimaryInputs() {
		ok, err := r.Exists(ctx)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		var readers []string
		for _, p := range w.processes {
			for _, in := range p.Inputs {
				if in.Address() == r.Address() {
					readers = append(readers, p.ID)
					break
				}
			}
		}
		errs = append(errs, &Error{
			Code:      ErrCodeUnsatisfiable,
			Message:   fmt.Sprintf("%s does not exist and no process produces it (read by %v)", r.Address(), readers),
			ProcessID: readers[0],
			Address:   r.Address(),
		})
	}
	return errors.Join(errs...)
}
