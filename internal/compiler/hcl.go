package compiler

import (
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
)

// hclRuleFile is the top-level structure of an HCL rule file.
type hclRuleFile struct {
	Rules []*hclRule `hcl:"rule,block"`
}

type hclRule struct {
	Processor string    `hcl:"processor,optional"`
	Inputs    []string  `hcl:"inputs,optional"`
	Outputs   []string  `hcl:"outputs,optional"`
	Code      string    `hcl:"code"`
	DefRange  hcl.Range `hcl:",def_range"`
}

// ParseHCL parses the rule blocks of an HCL rule file.
func ParseHCL(filename string, src []byte) ([]Rule, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, diagError(filename, diags)
	}

	var parsed hclRuleFile
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return nil, diagError(filename, diags)
	}

	rules := make([]Rule, 0, len(parsed.Rules))
	for _, r := range parsed.Rules {
		rule := Rule{
			Processor: r.Processor,
			Inputs:    r.Inputs,
			Outputs:   r.Outputs,
			Code:      r.Code,
		}
		rule.Pos.File = filename
		rule.Pos.Line = r.DefRange.Start.Line
		rules = append(rules, rule)
	}
	return rules, nil
}

// diagError converts the first error diagnostic.
func diagError(filename string, diags hcl.Diagnostics) error {
	for _, d := range diags {
		if d.Severity != hcl.DiagError {
			continue
		}
		e := &Error{File: filename, Field: "hcl", Message: d.Summary}
		if d.Detail != "" {
			e.Message += ": " + d.Detail
		}
		if d.Subject != nil {
			e.Line, e.Column = d.Subject.Start.Line, d.Subject.Start.Column
		}
		return e
	}
	return diags
}
