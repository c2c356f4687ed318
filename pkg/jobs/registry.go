package jobs

import (
	"context"
	"fmt"
	"sync"

	"github.com/ericvolp12/feedgen/pkg/queue"
)

// HandlerFunc processes one claimed job.
type HandlerFunc func(ctx context.Context, job *queue.Job) error

type Registry struct {
	mu       sync.RWMutex
	handlers map[queue.JobType]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[queue.JobType]HandlerFunc{}}
}

func (r *Registry) Register(t queue.JobType, h HandlerFunc) error {
	if h == nil {
		return fmt.Errorf("nil handler for job type %s", t)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[t]; exists {
		return fmt.Errorf("handler already registered for job type %s", t)
	}
	r.handlers[t] = h
	return nil
}

func (r *Registry) Get(t queue.JobType) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	return h, ok
}

// MissingHandlerError is returned for jobs whose type has no registered handler.
type MissingHandlerError struct{ JobType queue.JobType }

func (e *MissingHandlerError) Error() string {
	return "no handler registered for job type " + string(e.JobType)
}
