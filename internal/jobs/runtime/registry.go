package runtime

import (
	"fmt"
	"sync"
)

// Handler executes one service's unit of work for a claimed job.
type Handler interface {
	Service() string
	Run(ctx *Context) error
}

type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("nil handler")
	}
	s := h.Service()
	if s == "" {
		return fmt.Errorf("handler Service() is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[s]; exists {
		return fmt.Errorf("handler already registered for service=%s", s)
	}
	r.handlers[s] = h
	return nil
}

func (r *Registry) Get(service string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[service]
	return h, ok
}
