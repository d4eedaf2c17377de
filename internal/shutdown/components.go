package shutdown

import (
	"context"
	"io"
)

// FuncComponent wraps a shutdown function as a component.
type FuncComponent struct {
	name string
	fn   func(ctx context.Context) error
}

// NewFuncComponent creates a component that calls fn on shutdown.
func NewFuncComponent(name string, fn func(ctx context.Context) error) *FuncComponent {
	return &FuncComponent{name: name, fn: fn}
}

// Name returns the component name.
func (c *FuncComponent) Name() string {
	return c.name
}

// Shutdown calls the wrapped function.
func (c *FuncComponent) Shutdown(ctx context.Context) error {
	return c.fn(ctx)
}

// Stopper is implemented by long-running services such as the engine and
// the peer transport server.
type Stopper interface {
	Stop(ctx context.Context) error
}

// NewStopperComponent adapts a Stopper.
func NewStopperComponent(name string, s Stopper) *FuncComponent {
	return NewFuncComponent(name, s.Stop)
}

// CloserComponent wraps an io.Closer such as a store or a client pool.
type CloserComponent struct {
	name   string
	closer io.Closer
}

// NewCloserComponent creates a new closer shutdown component.
func NewCloserComponent(name string, closer io.Closer) *CloserComponent {
	return &CloserComponent{name: name, closer: closer}
}

// Name returns the component name.
func (c *CloserComponent) Name() string {
	return c.name
}

// Shutdown closes the underlying resource. Close cannot be interrupted, so
// a slow close is abandoned at the deadline.
func (c *CloserComponent) Shutdown(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- c.closer.Close() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
