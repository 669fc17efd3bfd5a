package compiler

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/stale/internal/digest"
	"github.com/roach88/stale/internal/processor"
	"github.com/roach88/stale/internal/resource"
	"github.com/roach88/stale/internal/workflow"
)

// AddressParser resolves addresses into resources.
type AddressParser interface {
	Parse(address string) (resource.Resource, error)
}

// ProcessorSet looks processors up by name.
type ProcessorSet interface {
	Get(name string) (workflow.Processor, bool)
}

// Compiler resolves rules into processes.
type Compiler struct {
	resources  AddressParser
	processors ProcessorSet
	logger     *slog.Logger
}

// New creates a compiler. A nil logger means slog.Default().
func New(resources AddressParser, processors ProcessorSet, logger *slog.Logger) *Compiler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compiler{resources: resources, processors: processors, logger: logger}
}

// CompileFile parses path and compiles its rules.
func (c *Compiler) CompileFile(path string) (*workflow.Workflow, error) {
	rules, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	return c.Compile(rules)
}

// Compile builds and validates the workflow of rules. Every rule error is
// reported, joined; graph errors come from workflow.New.
//
// An address with an unknown scheme is not an error here: it becomes a
// resource.Unknown and a warning is logged.
func (c *Compiler) Compile(rules []Rule) (*workflow.Workflow, error) {
	var (
		procs []*workflow.Process
		errs  []error
	)
	for _, r := range rules {
		p, err := c.compileRule(r)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		procs = append(procs, p)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return workflow.New(procs)
}

func (c *Compiler) compileRule(r Rule) (*workflow.Process, error) {
	name := r.Processor
	if name == "" {
		name = processor.DefaultProcessor
	}
	proc, ok := c.processors.Get(name)
	if !ok {
		return nil, &Error{File: r.Pos.File, Line: r.Pos.Line, Field: "processor", Message: fmt.Sprintf("unknown processor %q", name)}
	}

	p := &workflow.Process{
		ID:        workflow.ProcessID(name, r.Pos.Line),
		Processor: proc,
		Code:      r.Code,
		Source:    r.Pos,
	}
	var err error
	if p.Inputs, err = c.resolve(r, "inputs", r.Inputs); err != nil {
		return nil, err
	}
	if p.Outputs, err = c.resolve(r, "outputs", r.Outputs); err != nil {
		return nil, err
	}
	return p, nil
}

func (c *Compiler) resolve(r Rule, field string, addresses []string) ([]resource.Resource, error) {
	out := make([]resource.Resource, 0, len(addresses))
	for _, a := range addresses {
		res, err := c.resources.Parse(a)
		switch {
		case err == nil:
		case resource.IsUnsupportedScheme(err):
			res = resource.NewUnknown(digest.NormalizeAddress(a))
			c.logger.Warn("unknown resource type, it will never exist",
				"address", res.Address(), "rule", r.Pos.String())
		default:
			return nil, &Error{File: r.Pos.File, Line: r.Pos.Line, Field: field, Message: err.Error(), Err: err}
		}
		out = append(out, res)
	}
	return out, nil
}
