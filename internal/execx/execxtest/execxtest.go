// Package execxtest provides a scriptable Runner for component tests.
package execxtest

import (
	"context"
	"strings"

	"github.com/stackprove/stackprove/internal/execx"
)

// Call records one invocation issued through the fake.
type Call struct {
	Tool  string
	Args  []string
	Stdin string
}

// Line renders the call the way it would appear in a shell, handy for
// asserting on issued commands.
func (c Call) Line() string {
	return strings.Join(append([]string{c.Tool}, c.Args...), " ")
}

// FakeRunner records every call and answers it via Handler. A nil Handler
// makes every command succeed with empty output.
type FakeRunner struct {
	Calls   []Call
	Handler func(c Call) (execx.Result, error)
}

var _ execx.Runner = (*FakeRunner)(nil)

func (f *FakeRunner) Run(_ context.Context, tool string, args ...string) (execx.Result, error) {
	return f.record(Call{Tool: tool, Args: args})
}

func (f *FakeRunner) RunInput(_ context.Context, stdin string, tool string, args ...string) (execx.Result, error) {
	return f.record(Call{Tool: tool, Args: args, Stdin: stdin})
}

func (f *FakeRunner) record(c Call) (execx.Result, error) {
	f.Calls = append(f.Calls, c)
	if f.Handler == nil {
		return execx.Result{Tool: c.Tool, Args: c.Args}, nil
	}
	res, err := f.Handler(c)
	if res.Tool == "" {
		res.Tool = c.Tool
		res.Args = c.Args
	}
	return res, err
}

// Lines returns the rendered command lines in issue order.
func (f *FakeRunner) Lines() []string {
	out := make([]string, 0, len(f.Calls))
	for _, c := range f.Calls {
		out = append(out, c.Line())
	}
	return out
}
