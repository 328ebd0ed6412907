// Package scheduler runs the gateway background loops (health probes, system sampling,
// bucket sweeping) under one supervisor that cancels and joins them on shutdown.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/poglesbyg/tracseq-gateway/internal/logger"
)

// Group supervises a set of background tasks sharing one cancellation scope.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger logger.Logger
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
	tasks   []string
}

// NewGroup creates a group whose tasks stop when parent is done or Stop is called.
func NewGroup(parent context.Context, log logger.Logger) *Group {
	ctx, cancel := context.WithCancel(parent)
	return &Group{
		ctx:    ctx,
		cancel: cancel,
		logger: log,
	}
}

// Go starts fn in its own goroutine. A panic is logged and ends the task without
// taking the process down.
func (g *Group) Go(name string, fn func(ctx context.Context)) {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		g.logger.Warn("task not started, scheduler stopped", logger.String("task", name))
		return
	}
	g.tasks = append(g.tasks, name)
	g.wg.Add(1)
	g.mu.Unlock()

	go func() {
		defer g.wg.Done()
		defer g.recover(name)
		fn(g.ctx)
	}()
}

// Every runs fn immediately, then on every tick of interval, until the group stops.
// A panic inside one run is logged and the loop keeps ticking.
func (g *Group) Every(name string, interval time.Duration, fn func(ctx context.Context)) {
	if interval <= 0 {
		g.logger.Error("invalid task interval",
			logger.String("task", name),
			logger.Duration("interval", interval))
		return
	}

	g.Go(name, func(ctx context.Context) {
		g.runOnce(ctx, name, fn)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.runOnce(ctx, name, fn)
			case <-ctx.Done():
				return
			}
		}
	})
}

func (g *Group) runOnce(ctx context.Context, name string, fn func(ctx context.Context)) {
	defer g.recover(name)
	if ctx.Err() != nil {
		return
	}
	fn(ctx)
}

func (g *Group) recover(name string) {
	if r := recover(); r != nil {
		g.logger.Error("background task panicked",
			logger.String("task", name),
			logger.String("panic", fmt.Sprint(r)),
			logger.String("stack", string(debug.Stack())))
	}
}

// Tasks returns the names of the tasks started so far.
func (g *Group) Tasks() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.tasks))
	copy(out, g.tasks)
	return out
}

// Stop cancels every task and waits until they return or ctx expires.
// Calling Stop more than once is safe.
func (g *Group) Stop(ctx context.Context) error {
	g.mu.Lock()
	g.stopped = true
	g.mu.Unlock()
	g.cancel()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("background tasks did not stop in time: %w", ctx.Err())
	}
}
