package rewind

// Workflow is a named workflow definition with typed input and output. The
// function must be deterministic: all I/O goes through Call, all sleeping
// through CreateTimer and all time reads through ctx.CurrentTime, so a
// replay over committed history reproduces the exact same decisions.
type Workflow[In, Out any] struct {
	name string
	fn   func(ctx *Context, input In) (Out, error)
}

// NewWorkflow creates a workflow definition. The name is the wire identity
// of the workflow; renaming it orphans running instances.
func NewWorkflow[In, Out any](name string, fn func(ctx *Context, input In) (Out, error)) Workflow[In, Out] {
	return Workflow[In, Out]{name: name, fn: fn}
}

// Name returns the workflow's registered name.
func (w Workflow[In, Out]) Name() string { return w.name }
