// Package invalidate reconciles the persisted run-state with the current
// workflow: it removes what the rules no longer produce, or what the user
// names explicitly, so that the next run rebuilds it.
package invalidate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/stale/internal/resource"
	"github.com/roach88/stale/internal/store"
	"github.com/roach88/stale/internal/workflow"
)

// ErrNothingProduced means no run ever recorded anything.
var ErrNothingProduced = errors.New("stale has not run yet: nothing has been produced, nothing to invalidate")

// RulesError means the rules could not be compiled. Nothing is touched.
type RulesError struct {
	Err error
}

func (e *RulesError) Error() string {
	return fmt.Sprintf("invalidation has failed because the rule file has errors: %v", e.Err)
}

func (e *RulesError) Unwrap() error { return e.Err }

// TargetError reports an explicit target whose address is malformed or uses
// an unsupported scheme. Other targets are still processed.
type TargetError struct {
	Address string
	Err     error
}

func (e *TargetError) Error() string {
	return fmt.Sprintf("cannot invalidate '%s': %v", e.Address, e.Err)
}

func (e *TargetError) Unwrap() error { return e.Err }

// Prepare checks the preconditions of an invalidation in order: a run must
// have been recorded at statePath, then the rules must compile. A missing
// state file is never created. The store is returned open only when both
// hold.
func Prepare(ctx context.Context, statePath string, compile func() (*workflow.Workflow, error), opts ...store.Option) (*workflow.Workflow, *store.Store, error) {
	if !store.Exists(statePath) {
		return nil, nil, ErrNothingProduced
	}
	st, err := store.Open(statePath, opts...)
	if err != nil {
		return nil, nil, err
	}
	ran, err := st.HasRun(ctx)
	if err == nil && !ran {
		err = ErrNothingProduced
	}
	if err != nil {
		st.Close()
		return nil, nil, err
	}

	wf, err := compile()
	if err != nil {
		st.Close()
		return nil, nil, &RulesError{Err: err}
	}
	return wf, st, nil
}

// Options configures an Invalidator.
type Options struct {
	// Registry resolves explicit targets and recorded addresses that the
	// current workflow no longer declares.
	Registry *resource.Registry

	// Out receives one informational line per resource. Defaults to
	// io.Discard.
	Out io.Writer

	Logger *slog.Logger
}

// Invalidator applies invalidations to one store against one workflow.
type Invalidator struct {
	wf     *workflow.Workflow
	store  *store.Store
	reg    *resource.Registry
	out    io.Writer
	logger *slog.Logger
}

// New creates an invalidator.
func New(wf *workflow.Workflow, st *store.Store, opts Options) *Invalidator {
	if opts.Registry == nil {
		opts.Registry = resource.DefaultRegistry(resource.Options{})
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Invalidator{wf: wf, store: st, reg: opts.Registry, out: opts.Out, logger: opts.Logger}
}

// Result lists what an invalidation did, in the order it was reported.
type Result struct {
	// Invalidated holds every address whose record was dropped.
	Invalidated []string

	// Ignored holds explicit targets that were never produced.
	Ignored []string

	// TargetErrors holds one *TargetError per rejected target.
	TargetErrors []error
}

// Err joins the target errors.
func (r *Result) Err() error {
	return errors.Join(r.TargetErrors...)
}

// Run invalidates targets, or every recorded address the workflow no longer
// produces when targets is empty. A non-nil error means the run-state or a
// backend failed; rejected targets are reported in the Result.
func (inv *Invalidator) Run(ctx context.Context, targets []string) (*Result, error) {
	if len(targets) == 0 {
		return inv.obsolete(ctx)
	}
	return inv.targets(ctx, targets)
}

// obsolete handles the no-target form.
func (inv *Invalidator) obsolete(ctx context.Context) (*Result, error) {
	resources, err := inv.store.ReadResources(ctx)
	if err != nil {
		return nil, err
	}
	snap, err := inv.store.Load(ctx)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	for _, rec := range resources {
		if inv.wf.HasOutput(rec.Address) {
			continue
		}
		if err := inv.remove(ctx, rec.Address); err != nil {
			// What was removed so far must not stay recorded.
			if _, ferr := inv.store.Forget(ctx, res.Invalidated); ferr != nil {
				return res, errors.Join(err, ferr)
			}
			return res, err
		}
		line := fmt.Sprintf("* %s : no longer created", rec.Address)
		if inv.ruleMoved(snap, rec.Producer) {
			line += " (its rule now declares other outputs)"
		}
		fmt.Fprintln(inv.out, line)
		res.Invalidated = append(res.Invalidated, rec.Address)
	}
	if _, err := inv.store.Forget(ctx, res.Invalidated); err != nil {
		return res, err
	}

	var gone []string
	for id := range snap.Processes {
		if _, ok := inv.wf.Process(id); !ok {
			gone = append(gone, id)
		}
	}
	if err := inv.store.ForgetProcesses(ctx, gone); err != nil {
		return res, err
	}
	if len(gone) > 0 {
		inv.logger.Debug("dropped records of removed rules", "processes", len(gone))
	}
	return res, nil
}

// ruleMoved reports whether the process that produced an address read the
// same inputs as some current process.
func (inv *Invalidator) ruleMoved(snap *store.Snapshot, producer string) bool {
	prev, ok := snap.Process(producer)
	if !ok {
		return false
	}
	for _, p := range inv.wf.Processes() {
		if workflow.SameInputs(prev.Inputs, p.InputAddresses()) {
			return true
		}
	}
	return false
}

// targets handles the explicit form.
func (inv *Invalidator) targets(ctx context.Context, targets []string) (*Result, error) {
	snap, err := inv.store.Load(ctx)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	done := make(map[string]bool)
	for _, target := range targets {
		r, err := inv.reg.Parse(target)
		if err != nil {
			res.TargetErrors = append(res.TargetErrors, &TargetError{Address: target, Err: err})
			continue
		}
		addr := r.Address()
		if _, ok := snap.Resource(addr); !ok {
			fmt.Fprintf(inv.out, "Ignoring %s : this resource has not been produced yet\n", addr)
			res.Ignored = append(res.Ignored, addr)
			continue
		}
		if done[addr] {
			continue
		}

		if err := removeResource(ctx, r); err != nil {
			if _, ferr := inv.store.Forget(ctx, res.Invalidated); ferr != nil {
				return res, errors.Join(err, ferr)
			}
			return res, err
		}
		fmt.Fprintf(inv.out, "* %s : invalidated\n", addr)
		done[addr] = true
		res.Invalidated = append(res.Invalidated, addr)

		for _, p := range inv.wf.Downstream(addr) {
			for _, out := range p.OutputAddresses() {
				if done[out] {
					continue
				}
				if _, ok := snap.Resource(out); !ok {
					continue
				}
				fmt.Fprintf(inv.out, "* %s : depends on %s\n", out, addr)
				done[out] = true
				res.Invalidated = append(res.Invalidated, out)
			}
		}
	}

	if _, err := inv.store.Forget(ctx, res.Invalidated); err != nil {
		return res, err
	}
	return res, nil
}

// remove deletes the referent of a recorded address. The current workflow's
// instance is preferred; an address it no longer mentions is parsed again.
func (inv *Invalidator) remove(ctx context.Context, address string) error {
	r, ok := inv.wf.Resource(address)
	if !ok {
		var err error
		if r, err = inv.reg.Parse(address); err != nil {
			inv.logger.Warn("cannot remove resource, forgetting it only", "address", address, "error", err)
			return nil
		}
	}
	return removeResource(ctx, r)
}

func removeResource(ctx context.Context, r resource.Resource) error {
	err := r.Remove(ctx)
	switch {
	case err == nil, errors.Is(err, resource.ErrNotFound):
		return nil
	case errors.Is(err, resource.ErrUnavailable):
		return err
	default:
		return fmt.Errorf("remove %s: %w", r.Address(), err)
	}
}
