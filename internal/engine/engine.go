// Package engine is the execution core: a bounded pool of sandboxed worker
// slots, a pending-task queue, a dispatch scheduler, a TTL cache for loaded
// module bytes, and a timeout watchdog. The Engine type is the single entry
// point the registry/HTTP layer calls.
package engine

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/michaelbrown/stratus/internal/modcache"
	"github.com/michaelbrown/stratus/internal/sandbox"
)

// Options configures an Engine at construction time. Zero fields take the
// defaults noted on each.
type Options struct {
	PoolSize   int               // worker slots; default 2
	CacheTTL   time.Duration     // module byte cache TTL; default 1s
	Timeout    time.Duration     // per-execution watchdog; default 5s
	QueueLimit int               // pending-task cap; 0 means unbounded
	Order      DispatchOrder     // dispatch order; default OrderLIFO
	Loader     modcache.Supplier // byte loader; default os.ReadFile
	NewRuntime RuntimeFactory    // slot runtime factory; defaults to a wazero runtime
	Sandbox    sandbox.Config    // sandbox settings for the default factory
}

func (o *Options) applyDefaults() {
	if o.PoolSize <= 0 {
		o.PoolSize = 2
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.Order == "" {
		o.Order = OrderLIFO
	}
	if o.Loader == nil {
		o.Loader = func(_ context.Context, key string) ([]byte, error) {
			return os.ReadFile(key)
		}
	}
	if o.NewRuntime == nil {
		cfg := o.Sandbox
		def := sandbox.DefaultConfig()
		if cfg.Entry == "" {
			cfg.Entry = def.Entry
		}
		if cfg.MemoryPages <= 0 {
			cfg.MemoryPages = def.MemoryPages
		}
		o.NewRuntime = func(ctx context.Context) (sandbox.Runtime, error) {
			return sandbox.NewWasmRuntime(ctx, cfg)
		}
	}
}

// Engine composes cache lookup, queuing, dispatch, and result delivery into
// one asynchronous call.
type Engine struct {
	cache  *modcache.Cache
	sched  *scheduler
	loader modcache.Supplier
}

func New(opts Options) *Engine {
	opts.applyDefaults()
	cache := modcache.New(opts.CacheTTL)
	return &Engine{
		cache:  cache,
		sched:  newScheduler(opts, cache),
		loader: opts.Loader,
	}
}

// Execute loads the module bytes for location (warming the cache), then
// queues an invocation with the given positional numeric parameters. The
// returned channel delivers exactly one Outcome. onComplete, if non-nil,
// fires exactly once with the elapsed wall-clock time, success or failure.
//
// A load failure short-circuits: the outcome carries Fault(LoadFailure)
// and no worker slot is ever occupied. The returned error is reserved for
// admission problems: ErrQueueFull when a queue limit is set and reached,
// ErrClosed after shutdown.
func (e *Engine) Execute(ctx context.Context, location string, params []float64, onComplete CompletionFunc) (<-chan Outcome, error) {
	start := time.Now()

	if _, err := e.cache.Get(ctx, location, e.loader); err != nil {
		elapsed := time.Since(start)
		if onComplete != nil {
			onComplete(elapsed)
		}
		done := make(chan Outcome, 1)
		done <- Outcome{
			Fault:   &Fault{Kind: FaultLoadFailure, Detail: err.Error(), Err: err},
			Elapsed: elapsed,
		}
		return done, nil
	}

	t := newTask(location, params, onComplete)
	if err := e.sched.submit(ctx, t); err != nil {
		return nil, err
	}
	return t.done, nil
}

// ExecuteSync is Execute, awaited. It respects ctx for the wait only; a
// timed-out wait does not cancel the underlying task, which still resolves
// and still drives the completion callback.
func (e *Engine) ExecuteSync(ctx context.Context, location string, params []float64, onComplete CompletionFunc) (Outcome, error) {
	done, err := e.Execute(ctx, location, params, onComplete)
	if err != nil {
		return Outcome{}, err
	}
	select {
	case out := <-done:
		return out, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Invalidate drops a location from the byte cache, forcing the next
// invocation to reload it. Used when a registration is replaced or removed.
func (e *Engine) Invalidate(location string) {
	e.cache.Invalidate(location)
}

// Snapshot reports current pool occupancy and queue depth.
func (e *Engine) Snapshot() Snapshot {
	return e.sched.snapshot()
}

// Close rejects new work, fails queued tasks, force-terminates in-flight
// executions, and releases the cache and every slot runtime.
func (e *Engine) Close() {
	e.sched.close()
	e.cache.Close()
}

// IsRejection reports whether err is an admission error rather than an
// execution fault.
func IsRejection(err error) bool {
	return errors.Is(err, ErrQueueFull) || errors.Is(err, ErrClosed)
}
