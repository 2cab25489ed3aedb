package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/michaelbrown/stratus/internal/modcache"
	"github.com/michaelbrown/stratus/internal/sandbox"
)

// DispatchOrder selects which queued task a freed slot serves next.
type DispatchOrder string

const (
	// OrderLIFO serves the most recently submitted task first. This is
	// the platform's historical behavior under contention and remains
	// the default.
	OrderLIFO DispatchOrder = "lifo"

	// OrderFIFO serves tasks in submission order.
	OrderFIFO DispatchOrder = "fifo"
)

var (
	// ErrQueueFull is returned by submit when a queue limit is set and
	// the pending queue is at capacity.
	ErrQueueFull = errors.New("engine: task queue full")

	// ErrClosed is returned by submit after the engine shut down.
	ErrClosed = errors.New("engine: closed")
)

// RuntimeFactory builds the sandbox runtime backing one worker slot.
type RuntimeFactory func(ctx context.Context) (sandbox.Runtime, error)

// slot is one unit of pool capacity. Owned exclusively by the scheduler
// goroutine; the runtime handle is created lazily and cleared whenever an
// execution is forcibly destroyed or crashes.
type slot struct {
	index   int
	busy    bool
	runtime sandbox.Runtime
}

// completion is the message a worker goroutine sends back after its
// execution ends, however it ends.
type completion struct {
	slot      int
	task      *Task
	outcome   Outcome
	runtime   sandbox.Runtime // handle to retain on the slot, nil if none
	destroyed bool            // the runtime must not be reused
}

type submitReq struct {
	task  *Task
	reply chan error
}

// Snapshot is a point-in-time view of scheduler occupancy.
type Snapshot struct {
	PoolSize int `json:"pool_size"`
	Busy     int `json:"busy"`
	Queued   int `json:"queued"`
}

// scheduler is the single point of coordination for the queue and the slot
// table. Only its run goroutine mutates either; submissions, completions,
// and snapshot requests arrive over channels.
type scheduler struct {
	cache      *modcache.Cache
	loader     modcache.Supplier
	newRuntime RuntimeFactory

	timeout    time.Duration
	queueLimit int
	order      DispatchOrder

	pending []*Task
	slots   []*slot
	busy    int

	submitCh   chan submitReq
	doneCh     chan completion
	snapshotCh chan chan Snapshot

	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}
}

func newScheduler(opts Options, cache *modcache.Cache) *scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &scheduler{
		cache:      cache,
		loader:     opts.Loader,
		newRuntime: opts.NewRuntime,
		timeout:    opts.Timeout,
		queueLimit: opts.QueueLimit,
		order:      opts.Order,
		slots:      make([]*slot, opts.PoolSize),
		submitCh:   make(chan submitReq),
		doneCh:     make(chan completion),
		snapshotCh: make(chan chan Snapshot),
		ctx:        ctx,
		cancel:     cancel,
		stopped:    make(chan struct{}),
	}
	for i := range s.slots {
		s.slots[i] = &slot{index: i}
	}
	go s.run()
	return s
}

// submit hands a task to the coordinator and reports whether it was
// admitted to the queue.
func (s *scheduler) submit(ctx context.Context, t *Task) error {
	req := submitReq{task: t, reply: make(chan error, 1)}
	select {
	case s.submitCh <- req:
		return <-req.reply
	case <-s.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *scheduler) snapshot() Snapshot {
	req := make(chan Snapshot, 1)
	select {
	case s.snapshotCh <- req:
		return <-req
	case <-s.stopped:
		return Snapshot{PoolSize: len(s.slots)}
	}
}

// close stops admissions, fails queued tasks, force-terminates in-flight
// executions via context cancellation, and waits for the coordinator to
// wind down.
func (s *scheduler) close() {
	s.cancel()
	<-s.stopped
}

// run is the dispatch loop. Run-to-completion handling of each message is
// what upholds the queue and slot invariants: no task dispatched twice, no
// slot double-assigned.
func (s *scheduler) run() {
	draining := s.ctx.Done()
	closing := false
	for {
		if closing {
			if s.busy == 0 {
				s.teardown()
				return
			}
			// Only completions remain interesting.
			c := <-s.doneCh
			s.finish(c)
			continue
		}

		select {
		case req := <-s.submitCh:
			if s.queueLimit > 0 && len(s.pending) >= s.queueLimit {
				req.reply <- ErrQueueFull
				continue
			}
			s.pending = append(s.pending, req.task)
			req.reply <- nil
			s.dispatch()

		case c := <-s.doneCh:
			s.finish(c)
			s.dispatch()

		case req := <-s.snapshotCh:
			req <- Snapshot{PoolSize: len(s.slots), Busy: s.busy, Queued: len(s.pending)}

		case <-draining:
			closing = true
			s.failPending()
		}
	}
}

// dispatch pairs queued tasks with idle slots until one of them runs out.
func (s *scheduler) dispatch() {
	for len(s.pending) > 0 {
		sl := s.idleSlot()
		if sl == nil {
			return
		}
		t := s.pop()
		sl.busy = true
		s.busy++

		rt := sl.runtime
		sl.runtime = nil // in flight; returned (or not) with the completion
		go s.execute(sl.index, rt, t)
	}
}

func (s *scheduler) idleSlot() *slot {
	for _, sl := range s.slots {
		if !sl.busy {
			return sl
		}
	}
	return nil
}

func (s *scheduler) pop() *Task {
	var t *Task
	if s.order == OrderFIFO {
		t = s.pending[0]
		s.pending = s.pending[1:]
	} else {
		t = s.pending[len(s.pending)-1]
		s.pending = s.pending[:len(s.pending)-1]
	}
	return t
}

// finish returns a slot to the pool and fulfills the task's completion
// slot. This is the only place an outcome is delivered, so each task is
// fulfilled exactly once.
func (s *scheduler) finish(c completion) {
	sl := s.slots[c.slot]
	sl.busy = false
	s.busy--

	if c.destroyed {
		if c.runtime != nil {
			rt := c.runtime
			go rt.Close(context.Background())
		}
		sl.runtime = nil
	} else {
		sl.runtime = c.runtime
	}

	c.task.done <- c.outcome
}

// failPending resolves every queued-but-undispatched task at shutdown.
func (s *scheduler) failPending() {
	for _, t := range s.pending {
		if t.onComplete != nil {
			t.onComplete(0)
		}
		t.done <- Outcome{Fault: &Fault{Kind: FaultCanceled, Detail: "engine closed"}}
	}
	s.pending = nil
}

func (s *scheduler) teardown() {
	for _, sl := range s.slots {
		if sl.runtime != nil {
			sl.runtime.Close(context.Background())
			sl.runtime = nil
		}
	}
	close(s.stopped)
}

// execute runs one task on one slot. It always sends exactly one
// completion, even if the sandbox panics.
func (s *scheduler) execute(slotIdx int, rt sandbox.Runtime, t *Task) {
	start := time.Now()
	c := completion{slot: slotIdx, task: t, runtime: rt}

	defer func() {
		if r := recover(); r != nil {
			c.outcome = Outcome{
				Fault:   &Fault{Kind: FaultWorkerCrash, Detail: fmt.Sprintf("panic: %v", r)},
				Elapsed: time.Since(start),
			}
			c.destroyed = true
		}
		if t.onComplete != nil {
			t.onComplete(c.outcome.Elapsed)
		}
		s.doneCh <- c
	}()

	bytes, err := s.cache.Get(s.ctx, t.Location, s.loader)
	if err != nil {
		c.outcome = Outcome{
			Fault:   &Fault{Kind: FaultLoadFailure, Detail: err.Error(), Err: err},
			Elapsed: time.Since(start),
		}
		return
	}

	if c.runtime == nil {
		c.runtime, err = s.newRuntime(s.ctx)
		if err != nil {
			c.outcome = Outcome{
				Fault:   &Fault{Kind: FaultInstantiation, Detail: err.Error(), Err: err},
				Elapsed: time.Since(start),
			}
			return
		}
	}

	// The watchdog: a deadline armed at dispatch. If it fires, the
	// sandbox runtime is forcibly closed mid-execution and must not
	// host another task.
	runCtx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	value, err := c.runtime.Invoke(runCtx, bytes, t.Params)
	elapsed := time.Since(start)

	if err == nil {
		c.outcome = Outcome{Value: value, Elapsed: elapsed}
		return
	}

	c.outcome = Outcome{Fault: s.classify(runCtx, err), Elapsed: elapsed}
	if c.outcome.Fault.Kind == FaultExecutionTimeout ||
		c.outcome.Fault.Kind == FaultWorkerCrash ||
		c.outcome.Fault.Kind == FaultCanceled {
		c.destroyed = true
	}
}

// classify maps a sandbox error onto the fault taxonomy.
func (s *scheduler) classify(runCtx context.Context, err error) *Fault {
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return &Fault{
			Kind:   FaultExecutionTimeout,
			Detail: fmt.Sprintf("exceeded %s", s.timeout),
			Err:    err,
		}
	}
	if errors.Is(runCtx.Err(), context.Canceled) {
		return &Fault{Kind: FaultCanceled, Detail: "engine closed", Err: err}
	}

	var crash *sandbox.CrashError
	if errors.As(err, &crash) {
		return &Fault{
			Kind:   FaultWorkerCrash,
			Detail: fmt.Sprintf("exit code %d", crash.ExitCode),
			Err:    err,
		}
	}

	var inst *sandbox.InstantiationError
	if errors.As(err, &inst) {
		return &Fault{Kind: FaultInstantiation, Detail: inst.Err.Error(), Err: err}
	}

	return &Fault{Kind: FaultExecutionTrap, Detail: err.Error(), Err: err}
}
