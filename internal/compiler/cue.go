package compiler

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

var ruleFields = map[string]bool{
	"processor": true,
	"inputs":    true,
	"outputs":   true,
	"code":      true,
}

// ParseCUE parses the rules list of a CUE rule file. A file without a rules
// field holds no rules.
func ParseCUE(filename string, src []byte) ([]Rule, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(filename, err)
	}

	rulesVal := v.LookupPath(cue.ParsePath("rules"))
	if !rulesVal.Exists() {
		return nil, nil
	}
	iter, err := rulesVal.List()
	if err != nil {
		return nil, cueError(filename, rulesVal.Pos(), "rules", "rules must be a list")
	}

	var rules []Rule
	for iter.Next() {
		rule, err := parseCUERule(filename, iter.Value())
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func parseCUERule(filename string, v cue.Value) (Rule, error) {
	pos := v.Pos()
	rule := Rule{}
	rule.Pos.File = filename
	rule.Pos.Line = pos.Line()

	fields, err := v.Fields()
	if err != nil {
		return Rule{}, cueError(filename, pos, "rule", "a rule must be a struct")
	}
	for fields.Next() {
		if label := fields.Selector().String(); !ruleFields[label] {
			return Rule{}, cueError(filename, fields.Value().Pos(), label, "unknown rule field")
		}
	}

	if rule.Processor, err = cueString(filename, v, "processor", false); err != nil {
		return Rule{}, err
	}
	if rule.Code, err = cueString(filename, v, "code", true); err != nil {
		return Rule{}, err
	}
	if rule.Inputs, err = cueStrings(filename, v, "inputs"); err != nil {
		return Rule{}, err
	}
	if rule.Outputs, err = cueStrings(filename, v, "outputs"); err != nil {
		return Rule{}, err
	}
	return rule, nil
}

func cueString(filename string, v cue.Value, field string, required bool) (string, error) {
	f := v.LookupPath(cue.ParsePath(field))
	if !f.Exists() {
		if required {
			return "", cueError(filename, v.Pos(), field, field+" is required")
		}
		return "", nil
	}
	s, err := f.String()
	if err != nil {
		return "", cueError(filename, f.Pos(), field, field+" must be a string")
	}
	return s, nil
}

func cueStrings(filename string, v cue.Value, field string) ([]string, error) {
	f := v.LookupPath(cue.ParsePath(field))
	if !f.Exists() {
		return nil, nil
	}
	iter, err := f.List()
	if err != nil {
		return nil, cueError(filename, f.Pos(), field, field+" must be a list of addresses")
	}
	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, cueError(filename, iter.Value().Pos(), field, "addresses must be strings")
		}
		out = append(out, s)
	}
	return out, nil
}

func cueError(filename string, pos token.Pos, field, msg string) *Error {
	e := &Error{File: filename, Field: field, Message: msg}
	if pos.IsValid() {
		e.Line, e.Column = pos.Line(), pos.Column()
	}
	return e
}

// formatCUEError keeps the first CUE error with position info.
func formatCUEError(filename string, err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return fmt.Errorf("%s: %w", filename, err)
	}
	first := errs[0]
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		return cueError(filename, positions[0], "cue", first.Error())
	}
	return &Error{File: filename, Field: "cue", Message: first.Error()}
}
