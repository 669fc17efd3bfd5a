package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Scenario defines a conformance test scenario.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Files is the initial content of the project directory, by relative
	// path. It must contain a rule file.
	Files map[string]string `yaml:"files"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final project files and run-state.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step actions.
const (
	ActionRun        = "run"
	ActionInvalidate = "invalidate"
	ActionWrite      = "write"
	ActionRemove     = "remove"
)

// Step is one action of a scenario.
type Step struct {
	Action string `yaml:"action"`

	// Targets restrict a run to what they need, or are the addresses passed
	// to invalidate.
	Targets []string `yaml:"targets,omitempty"`

	// Files are written by write.
	Files map[string]string `yaml:"files,omitempty"`

	// Paths are deleted by remove.
	Paths []string `yaml:"paths,omitempty"`

	// Workers bounds a run's concurrency. Zero means 1.
	Workers int `yaml:"workers,omitempty"`

	// Expect validates the outcome of a run or invalidate step.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect specifies the expected outcome of a step. Process lists are
// compared as sets; absent lists are not checked.
type Expect struct {
	Ran     []string `yaml:"ran,omitempty"`
	Skipped []string `yaml:"skipped,omitempty"`
	Failed  []string `yaml:"failed,omitempty"`
	Blocked []string `yaml:"blocked,omitempty"`

	// Output lists lines an invalidation must print, in order.
	Output []string `yaml:"output,omitempty"`

	// Error is a substring of the step's error. Empty means the step must
	// not fail.
	Error string `yaml:"error,omitempty"`
}

// Assertion validates the final state of a scenario.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Path is a project file (file_exists, file_absent, file_content).
	Path string `yaml:"path,omitempty"`

	// Content is the expected file content (file_content).
	Content string `yaml:"content,omitempty"`

	// Address is a resource address (recorded, not_recorded).
	Address string `yaml:"address,omitempty"`
}

// Assertion type constants.
const (
	AssertFileExists  = "file_exists"
	AssertFileAbsent  = "file_absent"
	AssertFileContent = "file_content"
	AssertRecorded    = "recorded"
	AssertNotRecorded = "not_recorded"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates a scenario.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Files) == 0 {
		return fmt.Errorf("files is required and must hold a rule file")
	}
	for path := range s.Files {
		if err := checkRelative(path); err != nil {
			return fmt.Errorf("files: %w", err)
		}
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, s *Step) error {
	switch s.Action {
	case ActionRun:
		if s.Workers < 0 {
			return fmt.Errorf("steps[%d]: workers must be non-negative", index)
		}
	case ActionInvalidate:
	case ActionWrite:
		if len(s.Files) == 0 {
			return fmt.Errorf("steps[%d]: files is required for write", index)
		}
		for path := range s.Files {
			if err := checkRelative(path); err != nil {
				return fmt.Errorf("steps[%d]: %w", index, err)
			}
		}
	case ActionRemove:
		if len(s.Paths) == 0 {
			return fmt.Errorf("steps[%d]: paths is required for remove", index)
		}
		for _, path := range s.Paths {
			if err := checkRelative(path); err != nil {
				return fmt.Errorf("steps[%d]: %w", index, err)
			}
		}
	case "":
		return fmt.Errorf("steps[%d]: action is required", index)
	default:
		return fmt.Errorf("steps[%d]: unknown action %q", index, s.Action)
	}

	if s.Expect != nil && (s.Action == ActionWrite || s.Action == ActionRemove) {
		return fmt.Errorf("steps[%d]: expect is only valid for run and invalidate", index)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case AssertFileExists, AssertFileAbsent, AssertFileContent:
		if a.Path == "" {
			return fmt.Errorf("assertions[%d]: path is required for %s", index, a.Type)
		}
		return checkRelative(a.Path)
	case AssertRecorded, AssertNotRecorded:
		if a.Address == "" {
			return fmt.Errorf("assertions[%d]: address is required for %s", index, a.Type)
		}
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

// checkRelative rejects paths that leave the project directory.
func checkRelative(path string) error {
	if filepath.IsAbs(path) || !filepath.IsLocal(path) {
		return fmt.Errorf("path %q must be relative to the project directory", path)
	}
	return nil
}
