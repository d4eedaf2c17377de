// Package shutdown coordinates graceful shutdown of the node's components.
// It waits for SIGTERM/SIGINT, then stops registered components one at a
// time in reverse registration order under a single deadline.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// DefaultTimeout is the default graceful shutdown timeout.
const DefaultTimeout = 30 * time.Second

// ErrTimeout is returned by Shutdown when the deadline expires before every
// component has stopped.
var ErrTimeout = errors.New("shutdown timeout exceeded")

// Component is something that can be stopped gracefully.
type Component interface {
	// Name returns the component name for logging.
	Name() string
	// Shutdown stops the component. It should return by the ctx deadline.
	Shutdown(ctx context.Context) error
}

// Coordinator manages graceful shutdown of multiple components.
type Coordinator struct {
	components []Component
	timeout    time.Duration
	logger     *slog.Logger
	mu         sync.Mutex

	signalCh chan os.Signal

	shutdownOnce sync.Once
	shutdownDone chan struct{}
	err          error
	exitCode     int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout sets the shutdown timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSignalChannel sets the channel signals are read from instead of the
// process signals.
func WithSignalChannel(ch chan os.Signal) Option {
	return func(c *Coordinator) {
		c.signalCh = ch
	}
}

// NewCoordinator creates a new shutdown coordinator.
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		timeout:      DefaultTimeout,
		logger:       slog.Default(),
		shutdownDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "shutdown")
	return c
}

// Register adds a component. Components are stopped in reverse order of
// registration, so register dependencies before their dependents.
func (c *Coordinator) Register(component Component) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components = append(c.components, component)
	c.logger.Debug("registered shutdown component", "name", component.Name())
}

// WaitForSignal blocks until SIGTERM/SIGINT arrives or ctx is done, then
// shuts down.
func (c *Coordinator) WaitForSignal(ctx context.Context) error {
	sigCh := c.signalCh
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}

	select {
	case sig := <-sigCh:
		c.logger.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
		c.logger.Info("shutdown requested", "reason", context.Cause(ctx))
	}
	return c.Shutdown()
}

// Shutdown stops every registered component once. Later calls wait for the
// first to finish and return its result. Component errors are joined; if
// the deadline passes the remaining components are abandoned and ErrTimeout
// is returned.
func (c *Coordinator) Shutdown() error {
	c.shutdownOnce.Do(func() {
		defer close(c.shutdownDone)
		c.logger.Info("initiating graceful shutdown", "timeout", c.timeout)

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		c.mu.Lock()
		components := make([]Component, len(c.components))
		copy(components, c.components)
		c.mu.Unlock()

		done := make(chan error, 1)
		go func() {
			var errs []error
			for i := len(components) - 1; i >= 0; i-- {
				if ctx.Err() != nil {
					break
				}
				comp := components[i]
				start := time.Now()
				if err := comp.Shutdown(ctx); err != nil {
					c.logger.Error("component shutdown error", "name", comp.Name(), "error", err)
					errs = append(errs, fmt.Errorf("%s: %w", comp.Name(), err))
					continue
				}
				c.logger.Info("component shutdown complete", "name", comp.Name(), "duration", time.Since(start))
			}
			done <- errors.Join(errs...)
		}()

		var err error
		select {
		case err = <-done:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			c.logger.Warn("shutdown timeout exceeded, forcing termination")
			c.err = ErrTimeout
			c.exitCode = 1
			return
		}
		c.err = err
		if err == nil {
			c.logger.Info("all components shut down")
		}
	})
	<-c.shutdownDone
	return c.err
}

// Wait blocks until shutdown is complete.
func (c *Coordinator) Wait() {
	<-c.shutdownDone
}

// ExitCode returns 0 after a shutdown that finished in time, 1 when the
// deadline forced termination.
func (c *Coordinator) ExitCode() int {
	c.Wait()
	return c.exitCode
}
