package pve

import (
	"context"
	"fmt"
)

// Executor runs a privileged command on a named hypervisor node and returns
// its stdout. Timeouts are the executor's responsibility.
type Executor interface {
	Exec(ctx context.Context, node, command string) (string, error)
}

// CommandError is a hypervisor command failure, annotated with the node and
// the command class (snapshot, rollback, vzdump, ...).
type CommandError struct {
	Node  string
	Class string
	Err   error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("pve %s on %s: %v", e.Class, e.Node, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Run renders cmd, executes it on node and wraps any failure in a CommandError
func Run(ctx context.Context, exec Executor, node string, cmd Command) (string, error) {
	out, err := exec.Exec(ctx, node, cmd.String())
	if err != nil {
		return out, &CommandError{Node: node, Class: cmd.Class, Err: err}
	}
	return out, nil
}
