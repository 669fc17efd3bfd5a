package testutil

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/roach88/stale/internal/resource"
	"github.com/roach88/stale/internal/workflow"
)

// Processor is a scriptable processor over a MemStore. By default a run
// writes, for every output, the process code followed by the content of every
// input, and returns 0.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Processor struct {
	name  string
	store *MemStore

	mu         sync.Mutex
	calls      []string
	codes      map[string]int
	errs       map[string]error
	rejects    map[string]error
	hook       func(p *workflow.Process)
	running    int
	maxRunning int
}

// NewProcessor creates a processor named name writing into store.
func NewProcessor(name string, store *MemStore) *Processor {
	return &Processor{
		name:    name,
		store:   store,
		codes:   make(map[string]int),
		errs:    make(map[string]error),
		rejects: make(map[string]error),
	}
}

// FailWith makes process id exit with code. A zero code restores the
// default behaviour.
func (p *Processor) FailWith(id string, code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if code == 0 {
		delete(p.codes, id)
		return
	}
	p.codes[id] = code
}

// ErrorWith makes process id return err from Run.
func (p *Processor) ErrorWith(id string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs[id] = err
}

// RejectWith makes the static check of process id return err.
func (p *Processor) RejectWith(id string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejects[id] = err
}

// OnRun installs a function called at the start of every run, outside the
// processor's lock.
func (p *Processor) OnRun(hook func(proc *workflow.Process)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hook = hook
}

// Calls returns the ids of processes run so far, in start order.
func (p *Processor) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// Reset forgets recorded calls.
func (p *Processor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
	p.maxRunning = 0
}

// MaxConcurrent returns the largest number of simultaneous runs observed.
func (p *Processor) MaxConcurrent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxRunning
}

func (p *Processor) Name() string { return p.name }

func (p *Processor) StaticCheck(proc *workflow.Process) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rejects[proc.ID]
}

func (p *Processor) Run(ctx context.Context, proc *workflow.Process, scratchDir, stdoutPath, stderrPath string) (int, error) {
	p.mu.Lock()
	p.calls = append(p.calls, proc.ID)
	p.running++
	p.maxRunning = max(p.maxRunning, p.running)
	hook := p.hook
	code, failing := p.codes[proc.ID]
	err := p.errs[proc.ID]
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running--
		p.mu.Unlock()
	}()

	if hook != nil {
		hook(proc)
	}
	if stdoutPath != "" {
		_ = os.WriteFile(stdoutPath, []byte("ran "+proc.ID+"\n"), 0o644)
	}
	if err != nil {
		return 1, err
	}
	if failing {
		return code, nil
	}

	var b strings.Builder
	b.WriteString(proc.Code)
	for _, in := range proc.Inputs {
		v, _ := p.store.Get(in.Address())
		b.WriteString("|")
		b.WriteString(v)
	}
	for _, out := range proc.Outputs {
		p.store.Set(out.Address(), b.String())
	}
	return 0, nil
}

// NewProcess builds a process over mem:// resources in store.
func NewProcess(store *MemStore, proc workflow.Processor, id, code string, inputs, outputs []string) *workflow.Process {
	toResources := func(addrs []string) []resource.Resource {
		out := make([]resource.Resource, len(addrs))
		for i, a := range addrs {
			out[i] = store.Resource(a)
		}
		return out
	}
	return &workflow.Process{
		ID:        id,
		Processor: proc,
		Inputs:    toResources(inputs),
		Outputs:   toResources(outputs),
		Code:      code,
	}
}
