// Package pipeline runs a chain of tasks one at a time, feeding each task
// the previous task's output, and reports a status to observers.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mesh-intelligence/horus/internal/logging"
	"github.com/mesh-intelligence/horus/pkg/types"
)

// Status is the pipeline state.
type Status int

// Pipeline states. A pipeline starts Idle and ends each run Completed or
// Failed.
const (
	Idle Status = iota
	Running
	Completed
	Failed
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Task is one step. Execute receives the previous task's output, or nil for
// the first task.
type Task interface {
	Name() string
	Execute(ctx context.Context, prev any) (any, error)
}

// Dependent is implemented by tasks that name their predecessor.
type Dependent interface {
	DependsOn() string
}

type funcTask struct {
	name  string
	after string
	fn    func(ctx context.Context, prev any) (any, error)
}

func (t funcTask) Name() string      { return t.name }
func (t funcTask) DependsOn() string { return t.after }
func (t funcTask) Execute(ctx context.Context, prev any) (any, error) {
	return t.fn(ctx, prev)
}

// Func wraps fn as a task that runs after the task named after, or first
// when after is empty.
func Func(name, after string, fn func(ctx context.Context, prev any) (any, error)) Task {
	return funcTask{name: name, after: after, fn: fn}
}

// Order arranges tasks into a chain. Tasks that declare a predecessor
// through Dependent are linked to it; when none does, the given order is
// kept. A chain must have one root and no branches.
func Order(tasks []Task) ([]Task, error) {
	declared := false
	byName := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		if _, dup := byName[t.Name()]; dup {
			return nil, fmt.Errorf("duplicate task %q", t.Name())
		}
		byName[t.Name()] = t
		if d, ok := t.(Dependent); ok && d.DependsOn() != "" {
			declared = true
		}
	}
	if !declared {
		return tasks, nil
	}

	next := make(map[string]Task)
	var root Task
	for _, t := range tasks {
		after := ""
		if d, ok := t.(Dependent); ok {
			after = d.DependsOn()
		}
		if after == "" {
			if root != nil {
				return nil, fmt.Errorf("tasks %q and %q both have no predecessor", root.Name(), t.Name())
			}
			root = t
			continue
		}
		if _, ok := byName[after]; !ok {
			return nil, fmt.Errorf("task %q depends on unknown task %q", t.Name(), after)
		}
		if other, ok := next[after]; ok {
			return nil, fmt.Errorf("tasks %q and %q both follow %q", other.Name(), t.Name(), after)
		}
		next[after] = t
	}
	if root == nil {
		return nil, fmt.Errorf("task chain has no root")
	}
	ordered := []Task{root}
	for cur := root; ; {
		t, ok := next[cur.Name()]
		if !ok {
			break
		}
		ordered = append(ordered, t)
		cur = t
	}
	if len(ordered) != len(tasks) {
		return nil, fmt.Errorf("task chain reaches %d of %d tasks", len(ordered), len(tasks))
	}
	return ordered, nil
}

// Pipeline executes its tasks in order. Only one run may be in progress.
type Pipeline struct {
	tasks []Task
	log   logrus.FieldLogger

	mu      sync.Mutex
	status  Status
	err     error
	failed  string
	nextSub int
	subs    map[int]func(Status)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// New returns an idle pipeline over tasks arranged by Order.
func New(tasks []Task, opts ...Option) (*Pipeline, error) {
	ordered, err := Order(tasks)
	if err != nil {
		return nil, err
	}
	p := &Pipeline{tasks: ordered, log: logging.Discard(), subs: make(map[int]func(Status))}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Names returns task names in execution order.
func (p *Pipeline) Names() []string {
	names := make([]string, len(p.tasks))
	for i, t := range p.tasks {
		names[i] = t.Name()
	}
	return names
}

// Status returns the current state.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Err returns the error of the last failed run and the task that failed.
func (p *Pipeline) Err() (task string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failed, p.err
}

// OnStatus registers fn for status transitions. Observers run
// synchronously on the goroutine executing the pipeline.
func (p *Pipeline) OnStatus(fn func(Status)) (unsubscribe func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, id)
			p.mu.Unlock()
		})
	}
}

// Run executes every task in order and returns the last output. The first
// failing task ends the run as Failed; there is no retry. Returns
// ErrPipelineRunning when a run is already in progress.
func (p *Pipeline) Run(ctx context.Context) (any, error) {
	p.mu.Lock()
	if p.status == Running {
		p.mu.Unlock()
		return nil, types.ErrPipelineRunning
	}
	p.status, p.err, p.failed = Running, nil, ""
	p.mu.Unlock()
	p.notify(Running)

	var out any
	for _, t := range p.tasks {
		log := p.log.WithField("task", t.Name())
		start := time.Now()
		res, err := t.Execute(ctx, out)
		if err != nil {
			log.WithError(err).Warn("task failed")
			err = fmt.Errorf("task %s: %w", t.Name(), err)
			p.finish(Failed, t.Name(), err)
			return nil, err
		}
		log.WithField("duration", time.Since(start)).Debug("task completed")
		out = res
	}
	p.finish(Completed, "", nil)
	return out, nil
}

// Start runs the pipeline on a new goroutine. The channel receives the
// run's error (nil on success) and is then closed.
func (p *Pipeline) Start(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() {
		_, err := p.Run(ctx)
		done <- err
		close(done)
	}()
	return done
}

func (p *Pipeline) finish(s Status, task string, err error) {
	p.mu.Lock()
	p.status, p.failed, p.err = s, task, err
	p.mu.Unlock()
	p.notify(s)
}

func (p *Pipeline) notify(s Status) {
	p.mu.Lock()
	ids := make([]int, 0, len(p.subs))
	for id := range p.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Status), len(ids))
	for i, id := range ids {
		fns[i] = p.subs[id]
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}
