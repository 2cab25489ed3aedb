package sandbox

import (
	"context"
	"errors"
)

// Config describes the capability surface handed to every execution.
type Config struct {
	Entry       string // name of the exported entry function
	MemoryPages int    // linear memory ceiling, in 64KiB pages
}

// DefaultConfig returns the stock sandbox settings.
func DefaultConfig() Config {
	return Config{
		Entry:       "_start",
		MemoryPages: 1,
	}
}

// ErrNoEntry is returned when a module does not export the configured
// entry function.
var ErrNoEntry = errors.New("module does not export entry function")

// InstantiationError wraps failures that occur before the entry function
// runs: invalid bytes, unsatisfied imports, or a missing entry export.
type InstantiationError struct {
	Err error
}

func (e *InstantiationError) Error() string { return "instantiation: " + e.Err.Error() }
func (e *InstantiationError) Unwrap() error { return e.Err }

// CrashError reports a module that exited abnormally (e.g. proc_exit with a
// nonzero status) without delivering a result.
type CrashError struct {
	ExitCode uint32
}

func (e *CrashError) Error() string { return "module exited abnormally" }

// Runtime hosts isolated executions of raw module bytes. One Runtime backs
// one worker slot; implementations need not be safe for concurrent Invoke.
type Runtime interface {
	// Invoke instantiates the module and calls the entry export with the
	// given positional numeric parameters. Cancellation of ctx forcibly
	// terminates the execution; after that the Runtime must be discarded.
	Invoke(ctx context.Context, module []byte, params []float64) (float64, error)

	// Close releases all resources held by the runtime.
	Close(ctx context.Context) error
}
