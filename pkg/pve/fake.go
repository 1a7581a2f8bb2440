package pve

import (
	"context"
	"strings"
	"sync"
)

// Call is one command received by a FakeExecutor
type Call struct {
	Node    string
	Command string
}

type fakeRule struct {
	prefix string
	out    string
	err    error
}

// FakeExecutor is a scripted Executor for tests. Commands matching no rule
// succeed with empty output.
type FakeExecutor struct {
	mu    sync.Mutex
	rules []fakeRule
	calls []Call
}

func NewFakeExecutor() *FakeExecutor {
	return &FakeExecutor{}
}

// On scripts the result of commands starting with prefix. Later rules win.
func (f *FakeExecutor) On(prefix, out string, err error) *FakeExecutor {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, fakeRule{prefix: prefix, out: out, err: err})
	return f
}

func (f *FakeExecutor) Exec(ctx context.Context, node, command string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Node: node, Command: command})
	for i := len(f.rules) - 1; i >= 0; i-- {
		if strings.HasPrefix(command, f.rules[i].prefix) {
			return f.rules[i].out, f.rules[i].err
		}
	}
	return "", nil
}

// Calls returns a copy of the received commands in order
func (f *FakeExecutor) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Commands returns just the command lines received
func (f *FakeExecutor) Commands() []string {
	var cmds []string
	for _, c := range f.Calls() {
		cmds = append(cmds, c.Command)
	}
	return cmds
}
