package workflow_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/stale/internal/testutil"
	"github.com/roach88/stale/internal/workflow"
)

func ids(ps []*workflow.Process) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.ID
	}
	return out
}

func TestNew_TopologicalOrderRespectsDependencies(t *testing.T) {
	store := testutil.NewMemStore()
	proc := testutil.NewProcessor("test", store)

	// Declared out of dependency order on purpose.
	w, err := workflow.New([]*workflow.Process{
		testutil.NewProcess(store, proc, "c", "", []string{"mem://B"}, []string{"mem://C"}),
		testutil.NewProcess(store, proc, "b", "", []string{"mem://A"}, []string{"mem://B"}),
		testutil.NewProcess(store, proc, "x", "", []string{"mem://A"}, []string{"mem://X"}),
	})
	require.NoError(t, err)

	// c (index 0) is ready once b ran and is picked before x (index 2).
	assert.Equal(t, []string{"b", "c", "x"}, ids(w.TopologicalOrder()))
	assert.Equal(t, []string{"c", "b", "x"}, ids(w.Processes()), "Processes keeps source order")
}

func TestNew_TiesBrokenBySourceOrder(t *testing.T) {
	store := testutil.NewMemStore()
	proc := testutil.NewProcessor("test", store)

	w, err := workflow.New([]*workflow.Process{
		testutil.NewProcess(store, proc, "p3", "", nil, []string{"mem://3"}),
		testutil.NewProcess(store, proc, "p1", "", nil, []string{"mem://1"}),
		testutil.NewProcess(store, proc, "p2", "", nil, []string{"mem://2"}),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"p3", "p1", "p2"}, ids(w.TopologicalOrder()))
}

func TestNew_RandomDAGsVisitProducersFirst(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	store := testutil.NewMemStore()
	proc := testutil.NewProcessor("test", store)

	for round := 0; round < 50; round++ {
		n := 2 + rng.Intn(12)
		var ps []*workflow.Process
		for i := 0; i < n; i++ {
			var inputs []string
			for j := 0; j < i; j++ {
				if rng.Intn(3) == 0 {
					inputs = append(inputs, fmt.Sprintf("mem://out%d", j))
				}
			}
			ps = append(ps, testutil.NewProcess(store, proc, fmt.Sprintf("p%d", i), "", inputs, []string{fmt.Sprintf("mem://out%d", i)}))
		}
		rng.Shuffle(len(ps), func(i, j int) { ps[i], ps[j] = ps[j], ps[i] })

		w, err := workflow.New(ps)
		require.NoError(t, err)

		order := w.TopologicalOrder()
		require.Len(t, order, n)
		pos := make(map[string]int)
		for i, p := range order {
			_, dup := pos[p.ID]
			require.False(t, dup, "visited twice: %s", p.ID)
			pos[p.ID] = i
		}
		for _, p := range order {
			for _, dep := range w.Dependencies(p) {
				assert.Less(t, pos[dep.ID], pos[p.ID], "%s must come after %s", p.ID, dep.ID)
			}
		}
	}
}

func TestNew_AmbiguousOutput(t *testing.T) {
	store := testutil.NewMemStore()
	proc := testutil.NewProcessor("test", store)

	_, err := workflow.New([]*workflow.Process{
		testutil.NewProcess(store, proc, "one", "", nil, []string{"mem://B"}),
		testutil.NewProcess(store, proc, "two", "", nil, []string{"mem://B"}),
	})
	require.Error(t, err)
	assert.True(t, workflow.IsAmbiguousOutput(err))
	assert.Contains(t, err.Error(), "mem://B")
	assert.Contains(t, err.Error(), "one")
	assert.Contains(t, err.Error(), "two")
}

func TestNew_CircularDependencyNamesCycle(t *testing.T) {
	store := testutil.NewMemStore()
	proc := testutil.NewProcessor("test", store)

	_, err := workflow.New([]*workflow.Process{
		testutil.NewProcess(store, proc, "root", "", nil, []string{"mem://R"}),
		testutil.NewProcess(store, proc, "p1", "", []string{"mem://R", "mem://C"}, []string{"mem://A"}),
		testutil.NewProcess(store, proc, "p2", "", []string{"mem://A"}, []string{"mem://B"}),
		testutil.NewProcess(store, proc, "p3", "", []string{"mem://B"}, []string{"mem://C"}),
	})
	require.Error(t, err)
	require.True(t, workflow.IsCircularDependency(err))

	var we *workflow.Error
	require.True(t, errors.As(err, &we))
	assert.Equal(t, []string{"p1", "p2", "p3", "p1"}, we.Cycle)
	assert.Contains(t, err.Error(), "p1 -> p2 -> p3 -> p1")
}

func TestNew_SelfLoopIsCircular(t *testing.T) {
	store := testutil.NewMemStore()
	proc := testutil.NewProcessor("test", store)

	_, err := workflow.New([]*workflow.Process{
		testutil.NewProcess(store, proc, "self", "", []string{"mem://A"}, []string{"mem://A"}),
	})
	require.Error(t, err)

	var we *workflow.Error
	require.True(t, errors.As(err, &we))
	assert.Equal(t, workflow.ErrCodeCircularDependency, we.Code)
	assert.Equal(t, []string{"self", "self"}, we.Cycle)
}

func TestNew_DuplicateAndInvalidProcesses(t *testing.T) {
	store := testutil.NewMemStore()
	proc := testutil.NewProcessor("test", store)

	_, err := workflow.New([]*workflow.Process{
		testutil.NewProcess(store, proc, "same", "", nil, []string{"mem://A"}),
		testutil.NewProcess(store, proc, "same", "", nil, []string{"mem://B"}),
	})
	assert.True(t, workflow.HasCode(err, workflow.ErrCodeDuplicateProcess))

	_, err = workflow.New([]*workflow.Process{{ID: "orphan"}})
	assert.True(t, workflow.HasCode(err, workflow.ErrCodeInvalidProcess))
}

func TestNew_DeduplicatesResourcesByAddress(t *testing.T) {
	store := testutil.NewMemStore()
	proc := testutil.NewProcessor("test", store)

	b := testutil.NewProcess(store, proc, "b", "", []string{"mem://A"}, []string{"mem://B"})
	c := testutil.NewProcess(store, proc, "c", "", []string{"mem://A", "mem://B"}, []string{"mem://C"})
	w, err := workflow.New([]*workflow.Process{b, c})
	require.NoError(t, err)

	assert.Len(t, w.Resources(), 3)
	assert.Same(t, b.Inputs[0], c.Inputs[0])
	assert.Same(t, b.Outputs[0], c.Inputs[1])
}

func TestWorkflow_Traversal(t *testing.T) {
	store := testutil.NewMemStore()
	proc := testutil.NewProcessor("test", store)

	//   A -> b -> B -> c -> C -> d -> D
	//   A -> x -> X
	w, err := workflow.New([]*workflow.Process{
		testutil.NewProcess(store, proc, "b", "", []string{"mem://A"}, []string{"mem://B"}),
		testutil.NewProcess(store, proc, "c", "", []string{"mem://B"}, []string{"mem://C"}),
		testutil.NewProcess(store, proc, "d", "", []string{"mem://C"}, []string{"mem://D"}),
		testutil.NewProcess(store, proc, "x", "", []string{"mem://A"}, []string{"mem://X"}),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"b", "c"}, ids(w.ClosureFor("mem://C")))
	assert.Empty(t, w.ClosureFor("mem://A"))

	assert.Equal(t, []string{"c", "d"}, ids(w.Downstream("mem://B")))
	assert.Equal(t, []string{"b", "c", "d", "x"}, ids(w.Downstream("mem://A")))
	assert.Empty(t, w.Downstream("mem://D"))

	producer, ok := w.Producer("mem://C")
	require.True(t, ok)
	assert.Equal(t, "c", producer.ID)
	assert.False(t, w.HasOutput("mem://A"))

	assert.Equal(t, []workflow.Edge{{From: "b", To: "c"}, {From: "c", To: "d"}}, w.Edges())

	c, _ := w.Process("c")
	assert.Equal(t, []string{"b"}, ids(w.Dependencies(c)))
	assert.Equal(t, []string{"d"}, ids(w.Dependents(c)))

	require.Len(t, w.PrimaryInputs(), 1)
	assert.Equal(t, "mem://A", w.PrimaryInputs()[0].Address())
}

func TestWorkflow_PreCheckReportsEveryFailure(t *testing.T) {
	store := testutil.NewMemStore()
	proc := testutil.NewProcessor("test", store)
	proc.RejectWith("b", workflow.Errorf(workflow.ErrCodeUnsupportedResource, "nope"))
	proc.RejectWith("c", workflow.Errorf(workflow.ErrCodeAmbiguousConnection, "two databases"))

	w, err := workflow.New([]*workflow.Process{
		testutil.NewProcess(store, proc, "b", "", nil, []string{"mem://B"}),
		testutil.NewProcess(store, proc, "c", "", []string{"mem://B"}, []string{"mem://C"}),
	})
	require.NoError(t, err)

	err = w.PreCheck()
	require.Error(t, err)
	assert.True(t, workflow.IsUnsupportedResource(err))
	assert.True(t, workflow.IsAmbiguousConnection(err))
	assert.Contains(t, err.Error(), "process b")
	assert.Contains(t, err.Error(), "process c")
}

func TestWorkflow_CheckPrimaryInputs(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMemStore()
	proc := testutil.NewProcessor("test", store)

	w, err := workflow.New([]*workflow.Process{
		testutil.NewProcess(store, proc, "b", "", []string{"mem://A"}, []string{"mem://B"}),
		testutil.NewProcess(store, proc, "c", "", []string{"mem://B"}, []string{"mem://C"}),
	})
	require.NoError(t, err)

	err = w.CheckPrimaryInputs(ctx)
	require.Error(t, err)
	assert.True(t, workflow.IsUnsatisfiable(err))
	assert.Contains(t, err.Error(), "mem://A")

	store.Set("mem://A", "a")
	assert.NoError(t, w.CheckPrimaryInputs(ctx), "mem://B has a producer and need not exist")
}

func TestProcess_HasSameInputs(t *testing.T) {
	store := testutil.NewMemStore()
	proc := testutil.NewProcessor("test", store)

	p1 := testutil.NewProcess(store, proc, "p1", "", []string{"mem://A", "mem://B"}, []string{"mem://X"})
	p2 := testutil.NewProcess(store, proc, "p2", "", []string{"mem://B", "mem://A", "mem://A"}, []string{"mem://Y"})
	p3 := testutil.NewProcess(store, proc, "p3", "", []string{"mem://A"}, []string{"mem://X"})

	assert.True(t, p1.HasSameInputs(p2))
	assert.False(t, p1.HasSameInputs(p3))
	assert.True(t, workflow.SameInputs(nil, []string{}))
}

func TestProcess_RunAndRetrieveExecution(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMemStore()
	proc := testutil.NewProcessor("test", store)
	proc.FailWith("bad", 3)

	good := testutil.NewProcess(store, proc, "good", "code", nil, []string{"mem://G"})
	bad := testutil.NewProcess(store, proc, "bad", "code", nil, []string{"mem://B"})

	e := good.Run(ctx, "", "", "")
	assert.True(t, e.Success)
	assert.Equal(t, 0, e.ReturnCode)
	assert.False(t, e.End.Before(e.Start))

	_, ran := good.Execution()
	assert.False(t, ran, "Run does not mutate the process")
	good.RetrieveExecution(e)
	got, ran := good.Execution()
	require.True(t, ran)
	assert.Equal(t, "good", got.ProcessID)

	e = bad.Run(ctx, "", "", "")
	assert.False(t, e.Success)
	assert.Equal(t, 3, e.ReturnCode)

	proc.ErrorWith("good", errors.New("boom"))
	e = good.Run(ctx, "", "", "")
	assert.False(t, e.Success)
	assert.Equal(t, 1, e.ReturnCode)
}

func TestProcessID(t *testing.T) {
	assert.Equal(t, "shell_12", workflow.ProcessID("shell", 12))
}

func TestHasCode_FindsEveryCodeInJoinedErrors(t *testing.T) {
	err := errors.Join(
		workflow.Errorf(workflow.ErrCodeUnsupportedResource, "first"),
		fmt.Errorf("process c: %w", workflow.Errorf(workflow.ErrCodeAmbiguousConnection, "second")),
	)

	assert.True(t, workflow.IsUnsupportedResource(err))
	assert.True(t, workflow.IsAmbiguousConnection(err))
	assert.False(t, workflow.IsCircularDependency(err))
	assert.False(t, workflow.HasCode(errors.New("plain"), workflow.ErrCodeProcessFailed))
}
