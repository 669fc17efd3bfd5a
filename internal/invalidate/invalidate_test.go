package invalidate_test

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/stale/internal/invalidate"
	"github.com/roach88/stale/internal/resource"
	"github.com/roach88/stale/internal/store"
	"github.com/roach88/stale/internal/testutil"
	"github.com/roach88/stale/internal/workflow"
)

type env struct {
	mem  *testutil.MemStore
	proc *testutil.Processor
	st   *store.Store
	path string
	out  bytes.Buffer
}

func newEnv(t *testing.T) *env {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".stale", store.FileName)
	st, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mem := testutil.NewMemStore()
	return &env{mem: mem, proc: testutil.NewProcessor("test", mem), st: st, path: path}
}

// produced records that process id produced outputs from inputs, and
// creates the outputs.
func (e *env) produced(t *testing.T, id string, inputs []string, outputs ...string) {
	t.Helper()
	var recs []store.ResourceRecord
	for _, o := range outputs {
		e.mem.Set(o, id)
		recs = append(recs, store.ResourceRecord{Address: o, Signature: "sig:" + o})
	}
	require.NoError(t, e.st.CommitProcess(context.Background(), store.ProcessRecord{
		ID:      id,
		Inputs:  inputs,
		Outputs: outputs,
	}, recs))
}

func (e *env) workflow(t *testing.T, procs ...*workflow.Process) *workflow.Workflow {
	t.Helper()
	wf, err := workflow.New(procs)
	require.NoError(t, err)
	return wf
}

func (e *env) process(id string, inputs, outputs []string) *workflow.Process {
	return testutil.NewProcess(e.mem, e.proc, id, "", inputs, outputs)
}

func (e *env) invalidator(wf *workflow.Workflow) *invalidate.Invalidator {
	return invalidate.New(wf, e.st, invalidate.Options{
		Registry: e.mem.Registry(""),
		Out:      &e.out,
	})
}

func recorded(t *testing.T, st *store.Store) []string {
	t.Helper()
	rs, err := st.ReadResources(context.Background())
	require.NoError(t, err)
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Address
	}
	return out
}

func TestRun_NoTargetsRemovesWhatIsNoLongerCreated(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.mem.Set("mem://A", "a")
	e.produced(t, "p1", []string{"mem://A"}, "mem://B")
	e.produced(t, "p2", []string{"mem://B"}, "mem://C")

	// The rule producing C was dropped.
	wf := e.workflow(t, e.process("p1", []string{"mem://A"}, []string{"mem://B"}))

	res, err := e.invalidator(wf).Run(ctx, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"mem://C"}, res.Invalidated)
	assert.Equal(t, "* mem://C : no longer created\n", e.out.String())
	assert.Equal(t, []string{"mem://C"}, e.mem.Removed())
	assert.Equal(t, []string{"mem://B"}, recorded(t, e.st))

	snap, err := e.st.Load(ctx)
	require.NoError(t, err)
	_, ok := snap.Process("p2")
	assert.False(t, ok, "records of removed rules are dropped")
	_, ok = snap.Process("p1")
	assert.True(t, ok)
}

func TestRun_NoTargetsLeavesProducedAddressesUntouched(t *testing.T) {
	e := newEnv(t)
	e.mem.Set("mem://A", "a")
	e.produced(t, "p1", []string{"mem://A"}, "mem://B")

	wf := e.workflow(t, e.process("p1", []string{"mem://A"}, []string{"mem://B"}))
	res, err := e.invalidator(wf).Run(context.Background(), nil)
	require.NoError(t, err)

	assert.Empty(t, res.Invalidated)
	assert.Empty(t, e.out.String())
	assert.Empty(t, e.mem.Removed())

	rs, err := e.st.ReadResources(context.Background())
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.Equal(t, "sig:mem://B", rs[0].Signature)
}

func TestRun_NoTargetsNotesRuleWithOtherOutputs(t *testing.T) {
	e := newEnv(t)
	e.mem.Set("mem://A", "a")
	e.produced(t, "p1", []string{"mem://A"}, "mem://B")

	// Same inputs, renamed output.
	wf := e.workflow(t, e.process("p1", []string{"mem://A"}, []string{"mem://B2"}))
	_, err := e.invalidator(wf).Run(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, "* mem://B : no longer created (its rule now declares other outputs)\n", e.out.String())
}

func TestRun_NoTargetsReferentAlreadyGone(t *testing.T) {
	e := newEnv(t)
	e.mem.Set("mem://A", "a")
	e.produced(t, "p1", []string{"mem://A"}, "mem://B")
	e.mem.Delete("mem://B")

	res, err := e.invalidator(e.workflow(t)).Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"mem://B"}, res.Invalidated)
	assert.Empty(t, recorded(t, e.st))
}

func TestRun_NoTargetsUnavailableBackendStops(t *testing.T) {
	e := newEnv(t)
	e.mem.Set("mem://A", "a")
	e.produced(t, "p1", []string{"mem://A"}, "mem://B")
	e.mem.Fail("mem://B", resource.Unavailable("mem://B", errors.New("refused")))

	_, err := e.invalidator(e.workflow(t)).Run(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, resource.ErrUnavailable)
	assert.Equal(t, []string{"mem://B"}, recorded(t, e.st), "nothing is forgotten")
}

func TestRun_NoTargetsRemoveErrorForgetsWhatWasRemoved(t *testing.T) {
	e := newEnv(t)
	e.mem.Set("mem://A", "a")
	e.produced(t, "p1", []string{"mem://A"}, "mem://B")
	e.produced(t, "p2", []string{"mem://B"}, "mem://C")
	e.mem.Fail("mem://C", errors.New("permission denied"))

	res, err := e.invalidator(e.workflow(t)).Run(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")

	assert.Equal(t, []string{"mem://B"}, res.Invalidated)
	assert.Equal(t, []string{"mem://B"}, e.mem.Removed())
	assert.Equal(t, "* mem://B : no longer created\n", e.out.String())
	assert.Equal(t, []string{"mem://C"}, recorded(t, e.st))
}

func TestRun_TargetRemoveErrorForgetsEarlierTargets(t *testing.T) {
	e := newEnv(t)
	e.mem.Set("mem://A", "a")
	e.produced(t, "p1", []string{"mem://A"}, "mem://B")
	e.produced(t, "p2", []string{"mem://A"}, "mem://C")
	e.mem.Fail("mem://C", resource.Unavailable("mem://C", errors.New("refused")))

	wf := e.workflow(t,
		e.process("p1", []string{"mem://A"}, []string{"mem://B"}),
		e.process("p2", []string{"mem://A"}, []string{"mem://C"}),
	)
	res, err := e.invalidator(wf).Run(context.Background(), []string{"mem://B", "mem://C"})
	assert.ErrorIs(t, err, resource.ErrUnavailable)

	assert.Equal(t, []string{"mem://B"}, res.Invalidated)
	assert.Equal(t, "* mem://B : invalidated\n", e.out.String())
	assert.Equal(t, []string{"mem://C"}, recorded(t, e.st))
}

func TestRun_TargetAndDownstream(t *testing.T) {
	e := newEnv(t)
	e.mem.Set("mem://A", "a")
	e.produced(t, "p1", []string{"mem://A"}, "mem://B")
	e.produced(t, "p2", []string{"mem://B"}, "mem://C")
	e.produced(t, "p3", []string{"mem://C"}, "mem://D")
	e.produced(t, "p4", []string{"mem://A"}, "mem://E")

	wf := e.workflow(t,
		e.process("p1", []string{"mem://A"}, []string{"mem://B"}),
		e.process("p2", []string{"mem://B"}, []string{"mem://C"}),
		e.process("p3", []string{"mem://C"}, []string{"mem://D"}),
		e.process("p4", []string{"mem://A"}, []string{"mem://E"}),
	)

	res, err := e.invalidator(wf).Run(context.Background(), []string{"mem://B"})
	require.NoError(t, err)
	require.NoError(t, res.Err())

	assert.Equal(t, []string{"mem://B", "mem://C", "mem://D"}, res.Invalidated)
	assert.Equal(t,
		"* mem://B : invalidated\n"+
			"* mem://C : depends on mem://B\n"+
			"* mem://D : depends on mem://B\n",
		e.out.String())
	assert.Equal(t, []string{"mem://B"}, e.mem.Removed(), "only the target's referent is removed")
	assert.Equal(t, []string{"mem://E"}, recorded(t, e.st))
}

func TestRun_TargetNotProducedYetIsIgnored(t *testing.T) {
	e := newEnv(t)
	e.mem.Set("mem://A", "a")
	e.produced(t, "p1", []string{"mem://A"}, "mem://B")

	wf := e.workflow(t,
		e.process("p1", []string{"mem://A"}, []string{"mem://B"}),
		e.process("p2", []string{"mem://B"}, []string{"mem://C"}),
	)
	res, err := e.invalidator(wf).Run(context.Background(), []string{"mem://C"})
	require.NoError(t, err)

	assert.Equal(t, []string{"mem://C"}, res.Ignored)
	assert.Empty(t, res.Invalidated)
	assert.Equal(t, "Ignoring mem://C : this resource has not been produced yet\n", e.out.String())
	assert.Equal(t, []string{"mem://B"}, recorded(t, e.st))
}

func TestRun_BadTargetsAreReportedAndOthersProceed(t *testing.T) {
	e := newEnv(t)
	e.mem.Set("mem://A", "a")
	e.produced(t, "p1", []string{"mem://A"}, "mem://B")
	wf := e.workflow(t, e.process("p1", []string{"mem://A"}, []string{"mem://B"}))

	res, err := e.invalidator(wf).Run(context.Background(), []string{"error://B", "no-scheme", "mem://B"})
	require.NoError(t, err)

	require.Len(t, res.TargetErrors, 2)
	var te *invalidate.TargetError
	require.ErrorAs(t, res.TargetErrors[0], &te)
	assert.Equal(t, "error://B", te.Address)
	assert.True(t, resource.IsUnsupportedScheme(te))
	assert.Contains(t, te.Error(), "'error://B'")
	assert.True(t, resource.IsMalformedAddress(res.TargetErrors[1]))

	assert.Equal(t, []string{"mem://B"}, res.Invalidated)
	assert.Error(t, res.Err())
}

func TestRun_DuplicateTargetInvalidatedOnce(t *testing.T) {
	e := newEnv(t)
	e.mem.Set("mem://A", "a")
	e.produced(t, "p1", []string{"mem://A"}, "mem://B")
	wf := e.workflow(t, e.process("p1", []string{"mem://A"}, []string{"mem://B"}))

	res, err := e.invalidator(wf).Run(context.Background(), []string{"mem://B", " mem://B "})
	require.NoError(t, err)
	assert.Equal(t, []string{"mem://B"}, res.Invalidated)
	assert.Equal(t, []string{"mem://B"}, e.mem.Removed())
}

func TestPrepare(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, ".stale", store.FileName)
	compiled := false
	compile := func() (*workflow.Workflow, error) {
		compiled = true
		return workflow.New(nil)
	}

	_, _, err := invalidate.Prepare(ctx, path, compile)
	assert.ErrorIs(t, err, invalidate.ErrNothingProduced)
	assert.False(t, compiled, "rules are not compiled when nothing ran")
	assert.False(t, store.Exists(path), "nothing is created")

	// A state file left by a run that stopped at its static checks holds no
	// run yet.
	st, err := store.Open(path)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	_, _, err = invalidate.Prepare(ctx, path, compile)
	assert.ErrorIs(t, err, invalidate.ErrNothingProduced)
	assert.False(t, compiled)

	st, err = store.Open(path)
	require.NoError(t, err)
	require.NoError(t, st.BeginRun(ctx, "run-1"))
	require.NoError(t, st.Close())

	broken := errors.New("line 3: unexpected token")
	_, _, err = invalidate.Prepare(ctx, path, func() (*workflow.Workflow, error) { return nil, broken })
	var rulesErr *invalidate.RulesError
	require.ErrorAs(t, err, &rulesErr)
	assert.ErrorIs(t, err, broken)
	assert.Contains(t, err.Error(), "rule file has errors")

	wf, st, err := invalidate.Prepare(ctx, path, compile)
	require.NoError(t, err)
	defer st.Close()
	assert.True(t, compiled)
	assert.Empty(t, wf.Processes())
}
