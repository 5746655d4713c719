package rewind

import (
	"fmt"
	"sync"
)

type workflowRunner interface {
	workflowName() string
	run(c *Context) (outputJSON []byte, err error)
}

type activityRunner interface {
	activityName() string
	retryPolicy() RetryPolicy
	run(ctx *ActivityContext, inputJSON []byte) (outputJSON []byte, err error)
}

type registeredWorkflow[In, Out any] struct {
	wf Workflow[In, Out]
}

func (r registeredWorkflow[In, Out]) workflowName() string { return r.wf.name }

func (r registeredWorkflow[In, Out]) run(c *Context) ([]byte, error) {
	var in In
	if len(c.input) > 0 {
		if err := c.codec.Unmarshal(c.input, &in); err != nil {
			return nil, NewTerminalError(fmt.Errorf("unmarshal workflow input: %w", err))
		}
	}
	out, err := r.wf.fn(c, in)
	if err != nil {
		return nil, err
	}
	return c.codec.Marshal(out)
}

type registeredActivity[In, Out any] struct {
	act   Activity[In, Out]
	codec Codec
}

func (r registeredActivity[In, Out]) activityName() string     { return r.act.name }
func (r registeredActivity[In, Out]) retryPolicy() RetryPolicy { return r.act.retry }

func (r registeredActivity[In, Out]) run(ctx *ActivityContext, inputJSON []byte) ([]byte, error) {
	var in In
	if len(inputJSON) > 0 {
		if err := r.codec.Unmarshal(inputJSON, &in); err != nil {
			return nil, NewTerminalError(fmt.Errorf("unmarshal activity input: %w", err))
		}
	}
	out, err := r.act.fn(ctx, in)
	if err != nil {
		return nil, err
	}
	return r.codec.Marshal(out)
}

// Registry maps workflow and activity names to registered handlers.
//
// Registration is type-safe; execution is dynamic, by name from the task
// queue. Workers only run what their registry holds, so every worker in a
// deployment should register the same set.
type Registry struct {
	mu         sync.RWMutex
	codec      Codec
	workflows  map[string]workflowRunner
	activities map[string]activityRunner
}

// NewRegistry creates an empty registry. The codec encodes activity inputs
// and outputs and must match the codec of the workers and clients using the
// registry; nil means JSONCodec.
func NewRegistry(codec Codec) *Registry {
	if codec == nil {
		codec = JSONCodec{}
	}
	return &Registry{
		codec:      codec,
		workflows:  map[string]workflowRunner{},
		activities: map[string]activityRunner{},
	}
}

// RegisterWorkflow registers a workflow definition, panicking on a duplicate
// or empty name.
//
// Go does not support type parameters on methods, so this is a package-level
// generic.
func RegisterWorkflow[In, Out any](r *Registry, wf Workflow[In, Out]) {
	if err := registerWorkflow(r, wf); err != nil {
		panic(err)
	}
}

func registerWorkflow[In, Out any](r *Registry, wf Workflow[In, Out]) error {
	if r == nil {
		return fmt.Errorf("registry is nil")
	}
	if wf.name == "" {
		return fmt.Errorf("workflow name is empty")
	}
	if wf.fn == nil {
		return fmt.Errorf("workflow %s has no function", wf.name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workflows[wf.name]; ok {
		return fmt.Errorf("workflow already registered: %s", wf.name)
	}
	r.workflows[wf.name] = registeredWorkflow[In, Out]{wf: wf}
	return nil
}

// RegisterActivity registers an activity definition, panicking on a
// duplicate or empty name.
//
// Go does not support type parameters on methods, so this is a package-level
// generic.
func RegisterActivity[In, Out any](r *Registry, act Activity[In, Out]) {
	if err := registerActivity(r, act); err != nil {
		panic(err)
	}
}

func registerActivity[In, Out any](r *Registry, act Activity[In, Out]) error {
	if r == nil {
		return fmt.Errorf("registry is nil")
	}
	if act.name == "" {
		return fmt.Errorf("activity name is empty")
	}
	if act.fn == nil {
		return fmt.Errorf("activity %s has no function", act.name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.activities[act.name]; ok {
		return fmt.Errorf("activity already registered: %s", act.name)
	}
	r.activities[act.name] = registeredActivity[In, Out]{act: act, codec: r.codec}
	return nil
}

func (r *Registry) workflow(name string) (workflowRunner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.workflows[name]
	return wf, ok
}

func (r *Registry) activity(name string) (activityRunner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	act, ok := r.activities[name]
	return act, ok
}
