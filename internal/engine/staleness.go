package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/roach88/stale/internal/resource"
	"github.com/roach88/stale/internal/store"
	"github.com/roach88/stale/internal/workflow"
)

// Staleness reasons.
const (
	reasonUpstreamRan   = "an upstream process ran"
	reasonNoOutputs     = "process has no outputs"
	reasonNeverRan      = "process never ran"
	reasonPreviousFail  = "previous execution failed"
	reasonCodeChanged   = "code changed"
	reasonOutputMissing = "output %s is missing"
	reasonNeverProduced = "output %s was never produced"
	reasonOtherProducer = "output %s was produced by %s"
	reasonOutputChanged = "output %s changed"
	reasonInputChanged  = "input %s changed"
)

// staleness lists why p must run, reading the previous run from snap. It
// also returns the current signature of every input, which is recorded if
// p runs. An input that does not exist has the empty signature.
func (s *Scheduler) staleness(ctx context.Context, snap *store.Snapshot, p *workflow.Process, upstreamRan bool) ([]string, map[string]string, error) {
	var reasons []string
	if upstreamRan {
		reasons = append(reasons, reasonUpstreamRan)
	}
	if len(p.Outputs) == 0 {
		reasons = append(reasons, reasonNoOutputs)
	}

	prev, ran := snap.Process(p.ID)
	switch {
	case !ran:
		reasons = append(reasons, reasonNeverRan)
	case !prev.Success:
		reasons = append(reasons, reasonPreviousFail)
	case prev.CodeHash != p.CodeHash():
		reasons = append(reasons, reasonCodeChanged)
		s.logCodeDiff(p, prev.Code)
	}

	for _, out := range p.Outputs {
		r, err := outputReason(ctx, snap, p, out)
		if err != nil {
			return nil, nil, err
		}
		if r != "" {
			reasons = append(reasons, r)
		}
	}

	inputs := make(map[string]string, len(p.Inputs))
	for _, in := range p.Inputs {
		sig, err := in.Signature(ctx)
		if err != nil && !errors.Is(err, resource.ErrNotFound) {
			return nil, nil, fmt.Errorf("input %s: %w", in.Address(), err)
		}
		inputs[in.Address()] = sig
		if ran && prev.Success && prev.InputSignatures[in.Address()] != sig {
			reasons = append(reasons, fmt.Sprintf(reasonInputChanged, in.Address()))
		}
	}
	return reasons, inputs, nil
}

func outputReason(ctx context.Context, snap *store.Snapshot, p *workflow.Process, out resource.Resource) (string, error) {
	addr := out.Address()
	exists, err := out.Exists(ctx)
	if err != nil {
		return "", fmt.Errorf("output %s: %w", addr, err)
	}
	if !exists {
		return fmt.Sprintf(reasonOutputMissing, addr), nil
	}

	rec, ok := snap.Resource(addr)
	if !ok {
		return fmt.Sprintf(reasonNeverProduced, addr), nil
	}
	if rec.Producer != p.ID {
		return fmt.Sprintf(reasonOtherProducer, addr, rec.Producer), nil
	}

	sig, err := out.Signature(ctx)
	if errors.Is(err, resource.ErrNotFound) {
		return fmt.Sprintf(reasonOutputMissing, addr), nil
	}
	if err != nil {
		return "", fmt.Errorf("output %s: %w", addr, err)
	}
	if sig != rec.Signature {
		return fmt.Sprintf(reasonOutputChanged, addr), nil
	}
	return "", nil
}

func (s *Scheduler) logCodeDiff(p *workflow.Process, previous string) {
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(previous),
		B:        difflib.SplitLines(p.Code),
		FromFile: p.ID + " (previous)",
		ToFile:   p.ID + " (current)",
		Context:  1,
	})
	if err != nil {
		return
	}
	s.logger.Debug("process code changed", "process", p.ID, "diff", diff)
}

// outputSignatures computes the records committed after p succeeded.
// Outputs of an unknown scheme cannot be signed and are not recorded.
func outputSignatures(ctx context.Context, p *workflow.Process) ([]store.ResourceRecord, error) {
	records := make([]store.ResourceRecord, 0, len(p.Outputs))
	for _, out := range p.Outputs {
		if resource.IsUnknown(out) {
			continue
		}
		sig, err := out.Signature(ctx)
		if errors.Is(err, resource.ErrNotFound) {
			return nil, workflow.Errorf(workflow.ErrCodeProcessFailed,
				"process %s did not create output %s", p.ID, out.Address())
		}
		if err != nil {
			return nil, fmt.Errorf("output %s: %w", out.Address(), err)
		}
		records = append(records, store.ResourceRecord{Address: out.Address(), Signature: sig})
	}
	return records, nil
}
