package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoRules = `rules: [
	{
		inputs: ["file://A"]
		outputs: ["file://B"]
		code: "echo A produces B > B"
	},
	{
		inputs: ["file://B"]
		outputs: ["file://C"]
		code: "echo B produces C > C"
	},
]
`

const oneRule = `rules: [
	{
		inputs: ["file://A"]
		outputs: ["file://B"]
		code: "echo A produces B > B"
	},
]
`

type result struct {
	stdout string
	stderr string
	err    error
}

func (r result) code() int { return GetExitCode(r.err) }

func execute(t *testing.T, dir string, args ...string) result {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--dir", dir}, args...))
	err := cmd.Execute()
	return result{stdout: out.String(), stderr: errOut.String(), err: err}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func readFile(t *testing.T, dir, name string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	return string(b)
}

func newProject(t *testing.T, rules string) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "A", "a\n")
	writeFile(t, dir, "stalefile.cue", rules)
	return dir
}

func TestRun_IncrementalScenario(t *testing.T) {
	dir := newProject(t, twoRules)

	r := execute(t, dir, "run")
	require.NoError(t, r.err, r.stdout)
	assert.Contains(t, r.stdout, "2 succeeded, 0 skipped, 0 failed, 0 blocked")
	assert.Contains(t, r.stdout, "shell_2")
	assert.Contains(t, r.stdout, "shell_7")
	assert.Equal(t, "A produces B\n", readFile(t, dir, "B"))
	assert.Equal(t, "B produces C\n", readFile(t, dir, "C"))
	assert.FileExists(t, filepath.Join(dir, ".stale", "state.db"))
	assert.FileExists(t, filepath.Join(dir, ".stale", "logs", "shell_2_stdout"))

	r = execute(t, dir, "run")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "0 succeeded, 2 skipped")
	assert.Contains(t, r.stdout, "Nothing to do")

	writeFile(t, dir, "A", "changed\n")
	r = execute(t, dir, "run")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "2 succeeded, 0 skipped")

	// Removing a produced file by hand reruns its producer only.
	require.NoError(t, os.Remove(filepath.Join(dir, "C")))
	r = execute(t, dir, "run")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "1 succeeded, 1 skipped")
	assert.FileExists(t, filepath.Join(dir, "C"))
}

func TestRun_FailureBlocksDependents(t *testing.T) {
	dir := newProject(t, `rules: [
	{
		inputs: ["file://A"]
		outputs: ["file://B"]
		code: "exit 3"
	},
	{
		inputs: ["file://B"]
		outputs: ["file://C"]
		code: "cp B C"
	},
	{
		inputs: ["file://A"]
		outputs: ["file://D"]
		code: "cp A D"
	},
]
`)

	r := execute(t, dir, "run")
	assert.Equal(t, ExitFailure, r.code())
	assert.Contains(t, r.stdout, "1 succeeded, 0 skipped, 1 failed, 1 blocked")
	assert.Contains(t, r.stdout, "Process shell_2 failed")
	assert.Contains(t, r.stdout, "blocked by shell_2")
	assert.FileExists(t, filepath.Join(dir, "D"))
	assert.NoFileExists(t, filepath.Join(dir, "C"))

	// The failed process is retried, the succeeded one is not.
	r = execute(t, dir, "run")
	assert.Equal(t, ExitFailure, r.code())
	assert.Contains(t, r.stdout, "0 succeeded, 1 skipped, 1 failed, 1 blocked")
}

func TestRun_StaticErrors(t *testing.T) {
	t.Run("no rule file", func(t *testing.T) {
		r := execute(t, t.TempDir(), "run")
		assert.Equal(t, ExitCommandError, r.code())
		assert.Contains(t, r.stdout, "No stalefile")
	})

	t.Run("invalid rules", func(t *testing.T) {
		dir := newProject(t, "rules: [{\n\tcode: \n")
		r := execute(t, dir, "run")
		assert.Equal(t, ExitCommandError, r.code())
		assert.Contains(t, r.stdout, "Error [E002]")
	})

	t.Run("missing primary input", func(t *testing.T) {
		dir := newProject(t, twoRules)
		require.NoError(t, os.Remove(filepath.Join(dir, "A")))
		r := execute(t, dir, "run")
		assert.Equal(t, ExitCommandError, r.code())
		assert.Contains(t, r.stdout, "Error [E007]")
		assert.Contains(t, r.stdout, "file://A")
		assert.NoDirExists(t, filepath.Join(dir, ".stale", "logs"), "nothing ran")
		assert.NoFileExists(t, filepath.Join(dir, ".stale", "state.db"))
	})

	t.Run("cycle", func(t *testing.T) {
		dir := newProject(t, `rules: [
	{inputs: ["file://C"], outputs: ["file://B"], code: "x"},
	{inputs: ["file://B"], outputs: ["file://C"], code: "y"},
]
`)
		r := execute(t, dir, "run")
		assert.Equal(t, ExitCommandError, r.code())
		assert.Contains(t, r.stdout, "CIRCULAR_DEPENDENCY")
	})
}

func TestRun_Targets(t *testing.T) {
	dir := newProject(t, twoRules)

	r := execute(t, dir, "run", "file://C2")
	assert.Equal(t, ExitCommandError, r.code())
	assert.Contains(t, r.stdout, "Error [E006]")
	assert.Contains(t, r.stdout, "file://C2")
	assert.NoFileExists(t, filepath.Join(dir, ".stale", "state.db"))

	r = execute(t, dir, "run", "error://B")
	assert.Equal(t, ExitCommandError, r.code())
	assert.Contains(t, r.stdout, "'error://B'")

	r = execute(t, dir, "run", "file://B")
	require.NoError(t, r.err)
	assert.Equal(t, "A produces B\n", readFile(t, dir, "B"))
	assert.NoFileExists(t, filepath.Join(dir, "C"))

	r = execute(t, dir, "run")
	require.NoError(t, r.err)
	assert.Equal(t, "B produces C\n", readFile(t, dir, "C"))
}

func TestRun_ReportAndMetricsFiles(t *testing.T) {
	dir := newProject(t, twoRules)
	out := t.TempDir()
	dot := filepath.Join(out, "run.dot")
	prom := filepath.Join(out, "stale.prom")

	r := execute(t, dir, "run", "--workers", "2", "--report", dot, "--metrics-file", prom)
	require.NoError(t, r.err)

	graph := readFile(t, out, "run.dot")
	assert.True(t, strings.HasPrefix(graph, "digraph workflow {"))
	assert.Contains(t, graph, "fillcolor=palegreen")

	metrics := readFile(t, out, "stale.prom")
	assert.Contains(t, metrics, `stale_engine_runs_total{status="succeeded"} 1`)
	assert.Contains(t, metrics, `stale_engine_processes_total{state="succeeded"} 2`)
}

func TestRun_JSONOutput(t *testing.T) {
	dir := newProject(t, twoRules)

	r := execute(t, dir, "--format", "json", "run")
	require.NoError(t, r.err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &resp), r.stdout)
	assert.Equal(t, "ok", resp.Status)
	data := resp.Data.(map[string]interface{})
	assert.NotEmpty(t, data["run_id"])
	assert.Equal(t, false, data["failed"])
	assert.Len(t, data["processes"], 2)
	assert.Contains(t, r.stderr, "shell_2", "banners go to stderr with JSON output")
}

func TestRun_ConfigFile(t *testing.T) {
	dir := newProject(t, oneRule)
	writeFile(t, dir, "stale.yaml", "state_dir: build/state\nlog_level: debug\n")

	r := execute(t, dir, "run")
	require.NoError(t, r.err)
	assert.FileExists(t, filepath.Join(dir, "build", "state", "state.db"))
	assert.Contains(t, r.stderr, "level=DEBUG")

	writeFile(t, dir, "stale.yaml", "workers: 0\n")
	r = execute(t, dir, "run")
	assert.Equal(t, ExitCommandError, r.code())
	assert.Contains(t, r.stdout, "Error [E003]")
}

func TestRun_HCLRules(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "A", "a\n")
	writeFile(t, dir, "stalefile.hcl", `rule {
  inputs  = ["file://A"]
  outputs = ["file://B"]
  code    = "cp A B"
}
`)
	r := execute(t, dir, "run")
	require.NoError(t, r.err, r.stdout)
	assert.Equal(t, "a\n", readFile(t, dir, "B"))
	assert.Contains(t, r.stdout, "shell_1")
}

func TestInvalidate_Scenario(t *testing.T) {
	dir := newProject(t, twoRules)
	require.NoError(t, execute(t, dir, "run").err)

	// Nothing is obsolete yet.
	r := execute(t, dir, "invalidate")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "Nothing to invalidate")

	// The rule producing C is dropped.
	writeFile(t, dir, "stalefile.cue", oneRule)
	r = execute(t, dir, "invalidate")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "* file://C : no longer created")
	assert.NoFileExists(t, filepath.Join(dir, "C"))
	assert.FileExists(t, filepath.Join(dir, "B"))

	r = execute(t, dir, "invalidate", "error://B")
	assert.Equal(t, ExitCommandError, r.code())
	assert.Contains(t, r.stdout, "'error://B'")

	r = execute(t, dir, "invalidate", "file://Z")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "Ignoring file://Z : this resource has not been produced yet")

	r = execute(t, dir, "invalidate", "file://B")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "* file://B : invalidated")
	assert.NoFileExists(t, filepath.Join(dir, "B"))

	r = execute(t, dir, "run")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "1 succeeded")
	assert.FileExists(t, filepath.Join(dir, "B"))
}

func TestInvalidate_DependentsAreForgotten(t *testing.T) {
	dir := newProject(t, twoRules)
	require.NoError(t, execute(t, dir, "run").err)

	r := execute(t, dir, "invalidate", "file://B")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "* file://B : invalidated")
	assert.Contains(t, r.stdout, "* file://C : depends on file://B")

	r = execute(t, dir, "run")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "2 succeeded, 0 skipped")
}

func TestInvalidate_Errors(t *testing.T) {
	t.Run("no rule file", func(t *testing.T) {
		r := execute(t, t.TempDir(), "invalidate", "file://B")
		assert.Equal(t, ExitCommandError, r.code())
		assert.Contains(t, r.stdout, "No stalefile")
	})

	t.Run("nothing ran", func(t *testing.T) {
		dir := newProject(t, oneRule)
		r := execute(t, dir, "invalidate")
		assert.Equal(t, ExitCommandError, r.code())
		assert.Contains(t, r.stdout, "has not run yet")
		assert.NoDirExists(t, filepath.Join(dir, ".stale"))
	})

	t.Run("previous run stopped at its static checks", func(t *testing.T) {
		dir := newProject(t, twoRules)
		require.NoError(t, os.Remove(filepath.Join(dir, "A")))
		require.Equal(t, ExitCommandError, execute(t, dir, "run").code())

		r := execute(t, dir, "invalidate")
		assert.Equal(t, ExitCommandError, r.code())
		assert.Contains(t, r.stdout, "Error [E005]")
		assert.Contains(t, r.stdout, "has not run yet")
	})

	t.Run("rules have errors", func(t *testing.T) {
		dir := newProject(t, oneRule)
		require.NoError(t, execute(t, dir, "run").err)
		writeFile(t, dir, "stalefile.cue", "rules: [{\n\tinputs: [\"file://A\"],\n")

		r := execute(t, dir, "invalidate", "file://B")
		assert.Equal(t, ExitCommandError, r.code())
		assert.Contains(t, r.stdout, "invalidation has failed because the rule file has errors")
		assert.FileExists(t, filepath.Join(dir, "B"), "nothing is touched")
	})

	t.Run("json", func(t *testing.T) {
		dir := newProject(t, oneRule)
		require.NoError(t, execute(t, dir, "run").err)

		r := execute(t, dir, "--format", "json", "invalidate", "error://B", "file://B")
		assert.Equal(t, ExitCommandError, r.code())

		var resp CLIResponse
		require.NoError(t, json.Unmarshal([]byte(r.stdout), &resp), r.stdout)
		assert.Equal(t, "error", resp.Status)
		assert.Equal(t, CodeBadTarget, resp.Error.Code)
		details := resp.Error.Details.(map[string]interface{})
		assert.Equal(t, []interface{}{"file://B"}, details["invalidated"])
		assert.Contains(t, r.stderr, "* file://B : invalidated")
	})
}

func TestCheck(t *testing.T) {
	dir := newProject(t, twoRules)

	r := execute(t, dir, "check")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "2 processes, 3 resources, 1 primary inputs")
	assert.NoDirExists(t, filepath.Join(dir, ".stale"), "check never runs anything")

	require.NoError(t, os.Remove(filepath.Join(dir, "A")))
	r = execute(t, dir, "check")
	assert.Equal(t, ExitCommandError, r.code())
	assert.Contains(t, r.stdout, "UNSATISFIABLE_DEPENDENCY")
}

func TestCheck_SQLiteStaticCheck(t *testing.T) {
	dir := newProject(t, `rules: [{
	processor: "sqlite"
	inputs: ["file://A"]
	outputs: ["sqlite://db.sqlite/t"]
	code: "CREATE TABLE t (x)"
}]
`)
	r := execute(t, dir, "check")
	assert.Equal(t, ExitCommandError, r.code())
	assert.Contains(t, r.stdout, "Error [E007]")
}

func TestGraph(t *testing.T) {
	dir := newProject(t, twoRules)

	r := execute(t, dir, "graph")
	require.NoError(t, r.err)
	assert.True(t, strings.HasPrefix(r.stdout, "digraph workflow {\n"))
	assert.Contains(t, r.stdout, `"file://A" -> "shell_2";`)
	assert.Contains(t, r.stdout, `"shell_7" -> "file://C";`)

	out := filepath.Join(t.TempDir(), "wf.dot")
	r = execute(t, dir, "--rules", "stalefile.cue", "graph", "-o", out)
	require.NoError(t, r.err)
	assert.Equal(t, "", r.stdout)
	assert.FileExists(t, out)

	r = execute(t, dir, "--rules", "missing.cue", "graph")
	assert.Equal(t, ExitCommandError, r.code())
	assert.Contains(t, r.stdout, "No stalefile")
}
