// Package shutdown holds the callbacks that must run before the process exits.
//
// Pools register their Close here when they are constructed, so resources are
// released even when the owning application never closes them explicitly. The
// process entry point owns the registry: it decides when Run is invoked (on a
// signal, or on a normal return from main), and tests build their own Registry
// to trigger shutdown deterministically.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/ajitpratap0/tidepool/pkg/logger"
)

type hook struct {
	id   uint64
	name string
	fn   func()
}

// Registry is an ordered list of shutdown callbacks. It is safe for
// concurrent use.
type Registry struct {
	mu     sync.Mutex
	hooks  []hook
	nextID uint64
	ran    bool
	done   chan struct{}
	logger *zap.Logger
}

var (
	defaultRegistry *Registry
	defaultOnce     sync.Once
)

// Default returns the process-wide registry.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = New(logger.Named("shutdown"))
	})
	return defaultRegistry
}

// New creates an empty registry. A nil logger disables logging.
func New(l *zap.Logger) *Registry {
	if l == nil {
		l = zap.NewNop()
	}
	return &Registry{
		done:   make(chan struct{}),
		logger: l,
	}
}

// Register adds fn to the registry and returns a function that removes it
// again. Callbacks registered after Run has started are invoked immediately.
func (r *Registry) Register(name string, fn func()) (unregister func()) {
	r.mu.Lock()
	if r.ran {
		r.mu.Unlock()
		r.invoke(hook{name: name, fn: fn})
		return func() {}
	}
	r.nextID++
	id := r.nextID
	r.hooks = append(r.hooks, hook{id: id, name: name, fn: fn})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, h := range r.hooks {
			if h.id == id {
				r.hooks = append(r.hooks[:i], r.hooks[i+1:]...)
				return
			}
		}
	}
}

// Len returns the number of pending callbacks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hooks)
}

// Run invokes every registered callback exactly once, most recently
// registered first. Later calls are no-ops.
func (r *Registry) Run() {
	r.mu.Lock()
	if r.ran {
		r.mu.Unlock()
		return
	}
	r.ran = true
	hooks := r.hooks
	r.hooks = nil
	r.mu.Unlock()

	r.logger.Info("running shutdown hooks", zap.Int("count", len(hooks)))
	for i := len(hooks) - 1; i >= 0; i-- {
		r.invoke(hooks[i])
	}
	close(r.done)
}

// Done is closed once Run has finished.
func (r *Registry) Done() <-chan struct{} {
	return r.done
}

// NotifyOnSignal runs the registry when one of sigs arrives (SIGINT and
// SIGTERM when none are given). It returns immediately. Cancelling ctx or
// calling stop detaches the signal handler without running the hooks.
func (r *Registry) NotifyOnSignal(ctx context.Context, sigs ...os.Signal) (stop func()) {
	if len(sigs) == 0 {
		sigs = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)

	go func() {
		defer signal.Stop(ch)
		select {
		case sig := <-ch:
			r.logger.Info("received signal", zap.String("signal", sig.String()))
			r.Run()
		case <-ctx.Done():
		}
	}()
	return cancel
}

func (r *Registry) invoke(h hook) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("shutdown hook panicked",
				zap.String("hook", h.name),
				zap.Any("panic", rec))
		}
	}()
	h.fn()
}
