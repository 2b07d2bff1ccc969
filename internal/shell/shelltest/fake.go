// Package shelltest provides a scripted shell.Runner for tests.
package shelltest

import (
	"context"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/epicollect5/e5deploy/internal/shell"
)

// Response is the canned result of a matched command
type Response struct {
	Output   string
	ExitCode int
	Err      error
}

// Call records one command the code under test ran
type Call struct {
	Command string
	Stdin   string
	Env     []string
	Dir     string
	Timeout time.Duration
}

type rule struct {
	match    func(string) bool
	response Response
}

// Fake is a shell.Runner that answers from rules instead of running anything.
// The most recently added matching rule wins; unmatched commands succeed with
// empty output.
type Fake struct {
	mu    sync.Mutex
	rules []rule
	calls []Call
}

// NewFake returns an empty Fake
func NewFake() *Fake {
	return &Fake{}
}

// On answers commands containing substr with output
func (f *Fake) On(substr, output string) *Fake {
	return f.add(func(c string) bool { return strings.Contains(c, substr) }, Response{Output: output})
}

// Fail makes commands containing substr exit with code
func (f *Fake) Fail(substr string, code int) *Fake {
	return f.add(func(c string) bool { return strings.Contains(c, substr) }, Response{ExitCode: code, Output: "failed"})
}

// OnRegexp answers commands matching pattern with resp
func (f *Fake) OnRegexp(pattern string, resp Response) *Fake {
	re := regexp.MustCompile(pattern)
	return f.add(re.MatchString, resp)
}

func (f *Fake) add(match func(string) bool, resp Response) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, rule{match: match, response: resp})
	return f
}

// Run implements shell.Runner
func (f *Fake) Run(ctx context.Context, command string, opts ...shell.Option) (string, error) {
	resp := f.record(command, shell.Apply(opts...))
	if resp.Err != nil {
		return "", resp.Err
	}
	if resp.ExitCode != 0 {
		return "", &shell.CommandError{
			Command:  command,
			ExitCode: resp.ExitCode,
			Stderr:   resp.Output,
		}
	}
	return strings.TrimSpace(resp.Output), nil
}

// Test implements shell.Runner
func (f *Fake) Test(ctx context.Context, command string, opts ...shell.Option) (bool, error) {
	resp := f.record(command, shell.Apply(opts...))
	if resp.Err != nil {
		return false, resp.Err
	}
	return resp.ExitCode == 0, nil
}

func (f *Fake) record(command string, o shell.Options) Response {
	call := Call{
		Command: command,
		Env:     o.Env,
		Dir:     o.Dir,
		Timeout: o.Timeout,
	}
	if o.Stdin != nil {
		data, _ := io.ReadAll(o.Stdin)
		call.Stdin = string(data)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)

	for i := len(f.rules) - 1; i >= 0; i-- {
		if f.rules[i].match(command) {
			return f.rules[i].response
		}
	}
	return Response{}
}

// Calls returns every recorded call in order
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Commands returns the command strings in order
func (f *Fake) Commands() []string {
	calls := f.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Command
	}
	return out
}

// Ran reports whether any command contained substr
func (f *Fake) Ran(substr string) bool {
	return f.Count(substr) > 0
}

// Count returns how many commands contained substr
func (f *Fake) Count(substr string) int {
	n := 0
	for _, c := range f.Commands() {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return n
}

// Find returns the first call whose command contains substr
func (f *Fake) Find(substr string) (Call, bool) {
	for _, c := range f.Calls() {
		if strings.Contains(c.Command, substr) {
			return c, true
		}
	}
	return Call{}, false
}
