// Package tasks tracks detached background goroutines so shutdown can join
// them with a bounded timeout.
package tasks

import (
	"sync"
	"time"

	"agentbridge/internal/logger"
)

type task struct {
	name string
	done chan struct{}
}

// Registry spawns named background tasks and joins them on request. Completed
// tasks are pruned opportunistically on each spawn.
type Registry struct {
	mu    sync.Mutex
	tasks []*task
	log   *logger.Logger
}

func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{log: log}
}

// Go runs fn on its own goroutine. The caller never blocks; a panic inside fn
// is contained and logged.
func (r *Registry) Go(name string, fn func()) {
	t := &task{name: name, done: make(chan struct{})}

	go func() {
		defer close(t.done)
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error("background task panicked", "task", name, "panic", rec)
			}
		}()
		r.log.Debug("starting background task", "task", name)
		fn()
		r.log.Debug("completed background task", "task", name)
	}()

	r.mu.Lock()
	r.prune()
	r.tasks = append(r.tasks, t)
	r.mu.Unlock()
}

// Active returns the number of tasks that have not finished yet.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune()
	return len(r.tasks)
}

// Wait joins all outstanding tasks, giving each at most the remaining share of
// timeout. Tasks that outlive the deadline are logged as warnings and left
// running; there is no forced-termination primitive.
func (r *Registry) Wait(timeout time.Duration) {
	r.mu.Lock()
	pending := r.tasks
	r.tasks = nil
	r.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	deadline := time.Now().Add(timeout)
	for _, t := range pending {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			r.log.Warn("background task did not complete within the shutdown timeout", "task", t.name)
			continue
		}
		select {
		case <-t.done:
		case <-time.After(remaining):
			r.log.Warn("background task did not complete within the shutdown timeout", "task", t.name)
		}
	}
}

// prune drops finished tasks. Caller holds r.mu.
func (r *Registry) prune() {
	alive := r.tasks[:0]
	for _, t := range r.tasks {
		select {
		case <-t.done:
		default:
			alive = append(alive, t)
		}
	}
	r.tasks = alive
}
