// Package compiler turns rule files into a workflow.
//
// Two formats are accepted. stalefile.cue holds a top-level list:
//
//	rules: [{
//		processor: "shell" // optional
//		inputs: ["file://A"]
//		outputs: ["file://B"]
//		code: "echo A produces B > B"
//	}]
//
// stalefile.hcl holds one block per rule:
//
//	rule {
//	  inputs  = ["file://A"]
//	  outputs = ["file://B"]
//	  code    = "echo A produces B > B"
//	}
//
// A process is named after its processor and the line its rule starts on.
package compiler

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/roach88/stale/internal/workflow"
)

// Default rule file names, in lookup order.
const (
	CUEFile = "stalefile.cue"
	HCLFile = "stalefile.hcl"
)

// ErrNoRuleFile means the project directory holds no rule file.
var ErrNoRuleFile = errors.New("no stalefile found")

// Rule is one parsed rule, before its addresses and processor are resolved.
type Rule struct {
	Processor string
	Inputs    []string
	Outputs   []string
	Code      string
	Pos       workflow.Position
}

// Error is a rule-file error with its position.
type Error struct {
	File    string
	Line    int
	Column  int
	Field   string
	Message string

	// Err is the underlying error, if any.
	Err error
}

func (e *Error) Error() string {
	switch {
	case e.Line > 0 && e.Column > 0:
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.File, e.Line, e.Column, e.Field, e.Message)
	case e.Line > 0:
		return fmt.Sprintf("%s:%d: %s: %s", e.File, e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// IsCompileError reports whether err contains a rule-file error.
func IsCompileError(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

// Find returns the rule file of dir.
func Find(dir string) (string, error) {
	for _, name := range []string{CUEFile, HCLFile} {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w in %s", ErrNoRuleFile, dir)
}

// ParseFile reads the rules of path, choosing the format by extension.
func ParseFile(path string) ([]Rule, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule file: %w", err)
	}
	name := filepath.Base(path)
	switch filepath.Ext(path) {
	case ".cue":
		return ParseCUE(name, src)
	case ".hcl":
		return ParseHCL(name, src)
	default:
		return nil, &Error{File: name, Field: "file", Message: fmt.Sprintf("unsupported rule file format %q", filepath.Ext(path))}
	}
}
