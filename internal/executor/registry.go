package executor

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// task is one live job execution tracked by the registry.
type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry maps opaque worker handles to live tasks so a cancel request
// can reach the right goroutine. Handles are random tokens, never reused
// and never derived from runtime identifiers, so a stale handle from a
// previous process can only miss.
type Registry struct {
	mu    sync.Mutex
	tasks map[string]*task
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*task)}
}

// register allocates a fresh handle for a task and records it.
func (r *Registry) register(cancel context.CancelFunc, done chan struct{}) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate worker handle: %w", err)
	}
	handle := hex.EncodeToString(buf)

	r.mu.Lock()
	r.tasks[handle] = &task{cancel: cancel, done: done}
	r.mu.Unlock()
	return handle, nil
}

// remove drops a finished task from the registry.
func (r *Registry) remove(handle string) {
	r.mu.Lock()
	delete(r.tasks, handle)
	r.mu.Unlock()
}

// Len reports the number of live tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Cancel signals the task behind handle to stop and waits up to grace for
// it to finish. It returns false when no such task is live, which callers
// treat as already finished. A task that outlives the grace period is
// abandoned; its context stays cancelled so it cannot publish new work.
func (r *Registry) Cancel(handle string, grace time.Duration) bool {
	r.mu.Lock()
	t, ok := r.tasks[handle]
	r.mu.Unlock()
	if !ok {
		return false
	}

	t.cancel()
	if grace > 0 {
		select {
		case <-t.done:
		case <-time.After(grace):
		}
	}
	return true
}
