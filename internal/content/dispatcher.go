package content

import (
	"context"
	"errors"
	"log"
	"sync"
)

// TransitionHandler reacts to a status transition. Handlers run synchronously.
type TransitionHandler func(ctx context.Context, t Transition)

// ErrSealed is returned when a handler is registered after the first dispatch.
var ErrSealed = errors.New("dispatcher is sealed")

// Dispatcher fans transitions out to the handlers registered at bootstrap.
// Registration closes on the first Dispatch.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []namedHandler
	sealed   bool
	logger   *log.Logger
}

type namedHandler struct {
	name string
	fn   TransitionHandler
}

func NewDispatcher(logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{logger: logger}
}

func (d *Dispatcher) Register(name string, fn TransitionHandler) error {
	if fn == nil {
		return errors.New("handler is required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sealed {
		return ErrSealed
	}
	for _, existing := range d.handlers {
		if existing.name == name {
			return errors.New("handler " + name + " already registered")
		}
	}
	d.handlers = append(d.handlers, namedHandler{name: name, fn: fn})
	return nil
}

// Dispatch runs every handler inside one execution scope. A panicking handler
// is logged and does not stop the others.
func (d *Dispatcher) Dispatch(ctx context.Context, t Transition) {
	d.mu.Lock()
	d.sealed = true
	handlers := append([]namedHandler(nil), d.handlers...)
	d.mu.Unlock()

	ctx = WithExecution(ctx)
	for _, h := range handlers {
		d.run(ctx, h, t)
	}
}

func (d *Dispatcher) run(ctx context.Context, h namedHandler, t Transition) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Printf("transition handler %s panicked for item %d: %v", h.name, t.Item.ID, r)
		}
	}()
	h.fn(ctx, t)
}
