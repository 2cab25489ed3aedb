package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FaultKind classifies why an invocation did not produce a value.
type FaultKind string

const (
	// FaultLoadFailure means the module bytes could not be loaded. It is
	// the only fault that can occur before a task reaches the queue.
	FaultLoadFailure FaultKind = "load_failure"

	// FaultInstantiation means the bytes are not a valid module, a
	// required import is unsatisfied, or the entry export is missing.
	FaultInstantiation FaultKind = "instantiation_fault"

	// FaultExecutionTrap means the module faulted while running.
	FaultExecutionTrap FaultKind = "execution_trap"

	// FaultExecutionTimeout means the watchdog forcibly terminated the
	// execution after the configured timeout.
	FaultExecutionTimeout FaultKind = "execution_timeout"

	// FaultWorkerCrash means the execution exited abnormally without
	// delivering a result.
	FaultWorkerCrash FaultKind = "worker_crash"

	// FaultCanceled means the engine shut down before the task ran.
	FaultCanceled FaultKind = "canceled"
)

// Fault is the failure arm of an Outcome.
type Fault struct {
	Kind   FaultKind
	Detail string
	Err    error
}

func (f *Fault) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Kind, f.Detail)
	}
	if f.Err != nil {
		return fmt.Sprintf("%s: %v", f.Kind, f.Err)
	}
	return string(f.Kind)
}

func (f *Fault) Unwrap() error { return f.Err }

// Outcome is the tagged result of one task: a value or a fault, plus the
// wall-clock time the invocation consumed.
type Outcome struct {
	Value   float64
	Fault   *Fault
	Elapsed time.Duration
}

// OK reports whether the invocation produced a value.
func (o Outcome) OK() bool { return o.Fault == nil }

// CompletionFunc receives the elapsed wall-clock time of a finished task.
// It fires exactly once per Execute call, success or failure, and is the
// hook the registry layer uses for usage statistics.
type CompletionFunc func(elapsed time.Duration)

// Task is one pending invocation. Its done channel is its single-assignment
// completion slot: fulfilled exactly once, by the scheduler.
type Task struct {
	ID         uuid.UUID
	Location   string
	Params     []float64
	EnqueuedAt time.Time

	done       chan Outcome
	onComplete CompletionFunc
}

func newTask(location string, params []float64, onComplete CompletionFunc) *Task {
	return &Task{
		ID:         uuid.New(),
		Location:   location,
		Params:     params,
		EnqueuedAt: time.Now(),
		done:       make(chan Outcome, 1),
		onComplete: onComplete,
	}
}
