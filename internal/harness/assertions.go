package harness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/roach88/stale/internal/store"
)

// checkExpect compares a step's trace event with its expectation.
func checkExpect(n int, exp *Expect, event TraceEvent, result *Result) {
	var want string
	if exp != nil {
		want = exp.Error
	}
	switch {
	case want == "" && event.Error != "":
		result.AddErrorf("step %d: unexpected error: %s", n, event.Error)
	case want != "" && event.Error == "":
		result.AddErrorf("step %d: expected error containing %q, got none", n, want)
	case want != "" && !strings.Contains(event.Error, want):
		result.AddErrorf("step %d: expected error containing %q, got %q", n, want, event.Error)
	}
	if exp == nil {
		return
	}

	for _, c := range []struct {
		state string
		want  []string
	}{
		{"ran", exp.Ran},
		{"skipped", exp.Skipped},
		{"failed", exp.Failed},
		{"blocked", exp.Blocked},
	} {
		if c.want == nil {
			continue
		}
		got := processesIn(event.States, c.state)
		want := append([]string{}, c.want...)
		sort.Strings(want)
		if !slices.Equal(got, want) {
			result.AddErrorf("step %d: %s processes: expected %v, got %v", n, c.state, want, got)
		}
	}

	if exp.Output != nil && !containsInOrder(event.Output, exp.Output) {
		result.AddErrorf("step %d: output: expected lines %q in order, got %q", n, exp.Output, event.Output)
	}
}

// processesIn returns the sorted ids of processes that ended in state.
func processesIn(states map[string]string, state string) []string {
	ids := []string{}
	for id, s := range states {
		if s == state {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// containsInOrder reports whether want is a subsequence of got.
func containsInOrder(got, want []string) bool {
	i := 0
	for _, line := range got {
		if i < len(want) && line == want[i] {
			i++
		}
	}
	return i == len(want)
}

// evaluateAssertion checks one final assertion.
func (h *Harness) evaluateAssertion(ctx context.Context, a Assertion) error {
	switch a.Type {
	case AssertFileExists:
		if _, err := os.Stat(filepath.Join(h.dir, a.Path)); err != nil {
			return fmt.Errorf("%s does not exist", a.Path)
		}
	case AssertFileAbsent:
		if _, err := os.Stat(filepath.Join(h.dir, a.Path)); !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s exists", a.Path)
		}
	case AssertFileContent:
		b, err := os.ReadFile(filepath.Join(h.dir, a.Path))
		if err != nil {
			return err
		}
		if string(b) != a.Content {
			return fmt.Errorf("%s: expected content %q, got %q", a.Path, a.Content, string(b))
		}
	case AssertRecorded, AssertNotRecorded:
		recorded, err := h.recorded(ctx, a.Address)
		if err != nil {
			return err
		}
		if a.Type == AssertRecorded && !recorded {
			return fmt.Errorf("%s is not recorded", a.Address)
		}
		if a.Type == AssertNotRecorded && recorded {
			return fmt.Errorf("%s is recorded", a.Address)
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

func (h *Harness) recorded(ctx context.Context, address string) (bool, error) {
	if !store.Exists(h.statePath()) {
		return false, nil
	}
	st, err := store.Open(h.statePath())
	if err != nil {
		return false, err
	}
	defer st.Close()
	snap, err := st.Load(ctx)
	if err != nil {
		return false, err
	}
	_, ok := snap.Resource(address)
	return ok, nil
}
