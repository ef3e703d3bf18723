package runner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

type State int

const (
	Invalid State = iota
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "invalid"
	}
}

// Runner runs long-lived goroutines of a component, such as sender loops and
// workers, and stops all of them at once.
type Runner struct {
	name   string
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	state State

	numTasks atomic.Int64
}

func New(name string, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		name:   name,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		state:  Running,
	}
}

// Run executes f in a new goroutine. The context passed to f is canceled
// when the runner stops or the returned cancel function is called.
func (r *Runner) Run(f func(context.Context)) (context.CancelFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.state != Running {
		return nil, fmt.Errorf("runner-%s: %s", r.name, r.state.String())
	}

	ctx, cancel := context.WithCancel(r.ctx)
	r.wg.Add(1)
	r.numTasks.Add(1)
	go func() {
		defer func() {
			cancel()
			r.numTasks.Add(-1)
			r.wg.Done()
		}()
		f(ctx)
	}()
	return cancel, nil
}

// Stop cancels all tasks and waits for them to return. Calling Stop more
// than once is safe.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.state != Running {
		r.mu.Unlock()
		return
	}
	r.state = Stopping
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()

	r.mu.Lock()
	r.state = Stopped
	r.mu.Unlock()
	r.logger.Debug("stopped", zap.String("runner", r.name))
}

func (r *Runner) State() State {
	if r == nil {
		return Invalid
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Runner) NumTasks() int64 {
	if r == nil {
		return 0
	}
	return r.numTasks.Load()
}

func (r *Runner) String() string {
	if r == nil {
		return "invalid runner"
	}
	return fmt.Sprintf("runner %v: tasks=%v", r.name, r.NumTasks())
}
