package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/michaelbrown/stratus/internal/modcache"
	"github.com/michaelbrown/stratus/internal/sandbox"
	"github.com/michaelbrown/stratus/internal/sandbox/sandboxtest"
)

// --- test doubles ---

type fakeRuntime struct {
	invoke  func(ctx context.Context, module []byte, params []float64) (float64, error)
	onClose func()
}

func (f *fakeRuntime) Invoke(ctx context.Context, module []byte, params []float64) (float64, error) {
	return f.invoke(ctx, module, params)
}

func (f *fakeRuntime) Close(context.Context) error {
	if f.onClose != nil {
		f.onClose()
	}
	return nil
}

func fakeFactory(created *atomic.Int64, invoke func(ctx context.Context, module []byte, params []float64) (float64, error)) RuntimeFactory {
	return func(context.Context) (sandbox.Runtime, error) {
		if created != nil {
			created.Add(1)
		}
		return &fakeRuntime{invoke: invoke}, nil
	}
}

// echoLoader serves the location string itself as module bytes, so fake
// runtimes can tell tasks apart.
func echoLoader(_ context.Context, key string) ([]byte, error) {
	return []byte(key), nil
}

func mapLoader(mods map[string][]byte) modcache.Supplier {
	return func(_ context.Context, key string) ([]byte, error) {
		b, ok := mods[key]
		if !ok {
			return nil, fmt.Errorf("no module at %s", key)
		}
		return b, nil
	}
}

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	eng := New(opts)
	t.Cleanup(eng.Close)
	return eng
}

func awaitOutcome(t *testing.T, done <-chan Outcome) Outcome {
	t.Helper()
	select {
	case out := <-done:
		return out
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for outcome")
		return Outcome{}
	}
}

func wantFault(t *testing.T, out Outcome, kind FaultKind) {
	t.Helper()
	if out.OK() {
		t.Fatalf("expected %s fault, got value %v", kind, out.Value)
	}
	if out.Fault.Kind != kind {
		t.Fatalf("fault = %s (%s), want %s", out.Fault.Kind, out.Fault.Detail, kind)
	}
}

// --- scheduler behavior, fake runtimes ---

func TestExecuteDeliversValue(t *testing.T) {
	eng := newTestEngine(t, Options{
		Loader: echoLoader,
		NewRuntime: fakeFactory(nil, func(_ context.Context, _ []byte, params []float64) (float64, error) {
			return params[0] * 2, nil
		}),
	})

	var completions atomic.Int64
	done, err := eng.Execute(context.Background(), "double.wasm", []float64{21}, func(time.Duration) {
		completions.Add(1)
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	out := awaitOutcome(t, done)
	if !out.OK() {
		t.Fatalf("unexpected fault: %v", out.Fault)
	}
	if out.Value != 42 {
		t.Errorf("value = %v, want 42", out.Value)
	}
	if got := completions.Load(); got != 1 {
		t.Errorf("completion callback fired %d times, want 1", got)
	}
}

func TestExecuteSync(t *testing.T) {
	eng := newTestEngine(t, Options{
		Loader: echoLoader,
		NewRuntime: fakeFactory(nil, func(context.Context, []byte, []float64) (float64, error) {
			return 7, nil
		}),
	})

	out, err := eng.ExecuteSync(context.Background(), "seven.wasm", nil, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Value != 7 {
		t.Errorf("value = %v, want 7", out.Value)
	}
}

func TestLoadFailureShortCircuits(t *testing.T) {
	var created atomic.Int64
	eng := newTestEngine(t, Options{
		Loader: func(context.Context, string) ([]byte, error) {
			return nil, errors.New("no such file")
		},
		NewRuntime: fakeFactory(&created, func(context.Context, []byte, []float64) (float64, error) {
			return 0, nil
		}),
	})

	var completions atomic.Int64
	done, err := eng.Execute(context.Background(), "missing.wasm", nil, func(time.Duration) {
		completions.Add(1)
	})
	if err != nil {
		t.Fatalf("load failures resolve through the outcome, not the error: %v", err)
	}

	wantFault(t, awaitOutcome(t, done), FaultLoadFailure)
	if got := completions.Load(); got != 1 {
		t.Errorf("completion callback fired %d times, want 1", got)
	}
	if got := created.Load(); got != 0 {
		t.Errorf("runtime factory called %d times, want 0 (no slot should be occupied)", got)
	}

	snap := eng.Snapshot()
	if snap.Busy != 0 || snap.Queued != 0 {
		t.Errorf("snapshot after load failure = %+v, want idle", snap)
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	const poolSize = 2
	const tasks = 6

	var mu sync.Mutex
	var current, peak int

	eng := newTestEngine(t, Options{
		PoolSize: poolSize,
		Loader:   echoLoader,
		NewRuntime: fakeFactory(nil, func(context.Context, []byte, []float64) (float64, error) {
			mu.Lock()
			current++
			if current > peak {
				peak = current
			}
			mu.Unlock()

			time.Sleep(20 * time.Millisecond)

			mu.Lock()
			current--
			mu.Unlock()
			return 0, nil
		}),
	})

	var chans []<-chan Outcome
	for i := 0; i < tasks; i++ {
		done, err := eng.Execute(context.Background(), fmt.Sprintf("t%d.wasm", i), nil, nil)
		if err != nil {
			t.Fatalf("execute %d: %v", i, err)
		}
		chans = append(chans, done)
	}
	for i, done := range chans {
		if out := awaitOutcome(t, done); !out.OK() {
			t.Errorf("task %d faulted: %v", i, out.Fault)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if peak > poolSize {
		t.Errorf("peak concurrency = %d, want <= %d", peak, poolSize)
	}
}

// dispatchOrderEngine runs a single-slot engine whose fake runtime records
// the order tasks begin executing. The gate holds every execution until the
// test has submitted its full batch.
func dispatchOrderEngine(t *testing.T, order DispatchOrder, gate chan struct{}, got *[]string, mu *sync.Mutex) *Engine {
	t.Helper()
	return newTestEngine(t, Options{
		PoolSize: 1,
		Order:    order,
		Loader:   echoLoader,
		NewRuntime: fakeFactory(nil, func(_ context.Context, module []byte, _ []float64) (float64, error) {
			mu.Lock()
			*got = append(*got, string(module))
			mu.Unlock()
			<-gate
			return 0, nil
		}),
	})
}

func TestDispatchOrderLIFO(t *testing.T) {
	var mu sync.Mutex
	var got []string
	gate := make(chan struct{})
	eng := dispatchOrderEngine(t, OrderLIFO, gate, &got, &mu)

	// t1 takes the only slot; t2 and t3 queue behind it.
	var chans []<-chan Outcome
	for _, name := range []string{"t1", "t2", "t3"} {
		done, err := eng.Execute(context.Background(), name, nil, nil)
		if err != nil {
			t.Fatalf("execute %s: %v", name, err)
		}
		chans = append(chans, done)
	}
	close(gate)
	for _, done := range chans {
		awaitOutcome(t, done)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"t1", "t3", "t2"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dispatch order = %v, want %v (most recent first)", got, want)
		}
	}
}

func TestDispatchOrderFIFO(t *testing.T) {
	var mu sync.Mutex
	var got []string
	gate := make(chan struct{})
	eng := dispatchOrderEngine(t, OrderFIFO, gate, &got, &mu)

	var chans []<-chan Outcome
	for _, name := range []string{"t1", "t2", "t3"} {
		done, err := eng.Execute(context.Background(), name, nil, nil)
		if err != nil {
			t.Fatalf("execute %s: %v", name, err)
		}
		chans = append(chans, done)
	}
	close(gate)
	for _, done := range chans {
		awaitOutcome(t, done)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"t1", "t2", "t3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dispatch order = %v, want %v (submission order)", got, want)
		}
	}
}

func TestQueueLimitRejects(t *testing.T) {
	gate := make(chan struct{})
	eng := newTestEngine(t, Options{
		PoolSize:   1,
		QueueLimit: 1,
		Loader:     echoLoader,
		NewRuntime: fakeFactory(nil, func(context.Context, []byte, []float64) (float64, error) {
			<-gate
			return 0, nil
		}),
	})

	// t1 occupies the slot, t2 fills the queue.
	d1, err := eng.Execute(context.Background(), "t1", nil, nil)
	if err != nil {
		t.Fatalf("execute t1: %v", err)
	}
	d2, err := eng.Execute(context.Background(), "t2", nil, nil)
	if err != nil {
		t.Fatalf("execute t2: %v", err)
	}

	if _, err := eng.Execute(context.Background(), "t3", nil, nil); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("execute t3: err = %v, want ErrQueueFull", err)
	}
	if !IsRejection(ErrQueueFull) {
		t.Error("ErrQueueFull should classify as a rejection")
	}

	close(gate)
	awaitOutcome(t, d1)
	awaitOutcome(t, d2)
}

func TestRuntimeReusedAcrossTasks(t *testing.T) {
	var created atomic.Int64
	eng := newTestEngine(t, Options{
		PoolSize: 1,
		Loader:   echoLoader,
		NewRuntime: fakeFactory(&created, func(context.Context, []byte, []float64) (float64, error) {
			return 0, nil
		}),
	})

	for i := 0; i < 3; i++ {
		out, err := eng.ExecuteSync(context.Background(), "t.wasm", nil, nil)
		if err != nil {
			t.Fatalf("execute %d: %v", i, err)
		}
		if !out.OK() {
			t.Fatalf("execute %d faulted: %v", i, out.Fault)
		}
	}

	if got := created.Load(); got != 1 {
		t.Errorf("runtime factory called %d times, want 1 (slot handle is reused)", got)
	}
}

func TestRuntimeRebuiltAfterCrash(t *testing.T) {
	var created atomic.Int64
	var calls atomic.Int64
	closed := make(chan struct{}, 1)

	eng := newTestEngine(t, Options{
		PoolSize: 1,
		Loader:   echoLoader,
		NewRuntime: func(context.Context) (sandbox.Runtime, error) {
			created.Add(1)
			return &fakeRuntime{
				invoke: func(context.Context, []byte, []float64) (float64, error) {
					if calls.Add(1) == 1 {
						return 0, &sandbox.CrashError{ExitCode: 3}
					}
					return 1, nil
				},
				onClose: func() { closed <- struct{}{} },
			}, nil
		},
	})

	out, err := eng.ExecuteSync(context.Background(), "t.wasm", nil, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	wantFault(t, out, FaultWorkerCrash)

	out, err = eng.ExecuteSync(context.Background(), "t.wasm", nil, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !out.OK() {
		t.Fatalf("retry after crash faulted: %v", out.Fault)
	}

	if got := created.Load(); got != 2 {
		t.Errorf("runtime factory called %d times, want 2 (crashed handle is not reused)", got)
	}
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Error("crashed runtime was never closed")
	}
}

func TestRuntimePanicIsWorkerCrash(t *testing.T) {
	eng := newTestEngine(t, Options{
		Loader: echoLoader,
		NewRuntime: fakeFactory(nil, func(context.Context, []byte, []float64) (float64, error) {
			panic("sandbox blew up")
		}),
	})

	out, err := eng.ExecuteSync(context.Background(), "t.wasm", nil, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	wantFault(t, out, FaultWorkerCrash)
}

func TestFactoryErrorIsInstantiationFault(t *testing.T) {
	eng := newTestEngine(t, Options{
		Loader: echoLoader,
		NewRuntime: func(context.Context) (sandbox.Runtime, error) {
			return nil, errors.New("runtime unavailable")
		},
	})

	out, err := eng.ExecuteSync(context.Background(), "t.wasm", nil, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	wantFault(t, out, FaultInstantiation)
}

func TestSnapshotReportsOccupancy(t *testing.T) {
	started := make(chan struct{}, 3)
	gate := make(chan struct{})
	eng := newTestEngine(t, Options{
		PoolSize: 2,
		Loader:   echoLoader,
		NewRuntime: fakeFactory(nil, func(context.Context, []byte, []float64) (float64, error) {
			started <- struct{}{}
			<-gate
			return 0, nil
		}),
	})

	var chans []<-chan Outcome
	for i := 0; i < 3; i++ {
		done, err := eng.Execute(context.Background(), fmt.Sprintf("t%d", i), nil, nil)
		if err != nil {
			t.Fatalf("execute %d: %v", i, err)
		}
		chans = append(chans, done)
	}
	<-started
	<-started

	snap := eng.Snapshot()
	if snap.PoolSize != 2 || snap.Busy != 2 || snap.Queued != 1 {
		t.Errorf("snapshot = %+v, want pool 2 busy 2 queued 1", snap)
	}

	close(gate)
	for _, done := range chans {
		awaitOutcome(t, done)
	}
}

func TestCloseFailsQueuedAndRejectsNew(t *testing.T) {
	started := make(chan struct{}, 1)
	eng := New(Options{
		PoolSize: 1,
		Loader:   echoLoader,
		NewRuntime: fakeFactory(nil, func(ctx context.Context, _ []byte, _ []float64) (float64, error) {
			started <- struct{}{}
			<-ctx.Done()
			return 0, ctx.Err()
		}),
	})

	var completions atomic.Int64
	onComplete := func(time.Duration) { completions.Add(1) }

	d1, err := eng.Execute(context.Background(), "t1", nil, onComplete)
	if err != nil {
		t.Fatalf("execute t1: %v", err)
	}
	<-started
	d2, err := eng.Execute(context.Background(), "t2", nil, onComplete)
	if err != nil {
		t.Fatalf("execute t2: %v", err)
	}

	eng.Close()

	wantFault(t, awaitOutcome(t, d1), FaultCanceled)
	wantFault(t, awaitOutcome(t, d2), FaultCanceled)
	if got := completions.Load(); got != 2 {
		t.Errorf("completion callback fired %d times, want 2", got)
	}

	if _, err := eng.Execute(context.Background(), "t3", nil, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("execute after close: err = %v, want ErrClosed", err)
	}
}

// --- end to end against the wasm sandbox ---

func newWasmEngine(t *testing.T, timeout time.Duration) *Engine {
	t.Helper()
	return newTestEngine(t, Options{
		PoolSize: 1,
		Timeout:  timeout,
		Loader: mapLoader(map[string][]byte{
			"add.wasm":  sandboxtest.AddF64(),
			"spin.wasm": sandboxtest.Spin(),
			"exit.wasm": sandboxtest.Exit(3),
			"trap.wasm": sandboxtest.Trap(),
		}),
		Sandbox: sandbox.Config{Entry: "run", MemoryPages: 1},
	})
}

func TestWasmEndToEnd(t *testing.T) {
	eng := newWasmEngine(t, 5*time.Second)

	var completions atomic.Int64
	out, err := eng.ExecuteSync(context.Background(), "add.wasm", []float64{5, 2}, func(time.Duration) {
		completions.Add(1)
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !out.OK() {
		t.Fatalf("unexpected fault: %v", out.Fault)
	}
	if out.Value != 7 {
		t.Errorf("add(5, 2) = %v, want 7", out.Value)
	}
	if got := completions.Load(); got != 1 {
		t.Errorf("completion callback fired %d times, want 1", got)
	}
}

func TestWasmWatchdogTimeout(t *testing.T) {
	eng := newWasmEngine(t, 100*time.Millisecond)

	out, err := eng.ExecuteSync(context.Background(), "spin.wasm", nil, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	wantFault(t, out, FaultExecutionTimeout)

	// The destroyed runtime must not poison the slot.
	out, err = eng.ExecuteSync(context.Background(), "add.wasm", []float64{1, 2}, nil)
	if err != nil {
		t.Fatalf("execute after timeout: %v", err)
	}
	if !out.OK() || out.Value != 3 {
		t.Errorf("add after timeout = %+v, want value 3", out)
	}
}

func TestWasmAbnormalExit(t *testing.T) {
	eng := newWasmEngine(t, 5*time.Second)

	out, err := eng.ExecuteSync(context.Background(), "exit.wasm", nil, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	wantFault(t, out, FaultWorkerCrash)

	out, err = eng.ExecuteSync(context.Background(), "add.wasm", []float64{2, 2}, nil)
	if err != nil {
		t.Fatalf("execute after crash: %v", err)
	}
	if !out.OK() || out.Value != 4 {
		t.Errorf("add after crash = %+v, want value 4", out)
	}
}

func TestWasmTrap(t *testing.T) {
	eng := newWasmEngine(t, 5*time.Second)

	out, err := eng.ExecuteSync(context.Background(), "trap.wasm", nil, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	wantFault(t, out, FaultExecutionTrap)
}

func TestInvalidateForcesReload(t *testing.T) {
	var loads atomic.Int64
	eng := newTestEngine(t, Options{
		Loader: func(_ context.Context, key string) ([]byte, error) {
			loads.Add(1)
			return []byte(key), nil
		},
		NewRuntime: fakeFactory(nil, func(context.Context, []byte, []float64) (float64, error) {
			return 0, nil
		}),
	})

	eng.ExecuteSync(context.Background(), "t.wasm", nil, nil)
	eng.ExecuteSync(context.Background(), "t.wasm", nil, nil)
	if got := loads.Load(); got != 1 {
		t.Fatalf("loader called %d times, want 1 before invalidation", got)
	}

	eng.Invalidate("t.wasm")
	eng.ExecuteSync(context.Background(), "t.wasm", nil, nil)
	if got := loads.Load(); got != 2 {
		t.Errorf("loader called %d times, want 2 after invalidation", got)
	}
}
