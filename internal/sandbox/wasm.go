package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// WasmRuntime executes WebAssembly modules with wazero. Each instance owns
// one wazero runtime; a forced termination poisons it, so the caller is
// expected to Close and recreate the runtime afterwards.
type WasmRuntime struct {
	runtime wazero.Runtime
	cfg     Config
	seq     uint64
}

// NewWasmRuntime builds a runtime with the configured linear-memory ceiling
// and the capability imports every module receives: WASI preview1 and an
// "env" module exposing a monotonic clock, now_ms() -> i64.
func NewWasmRuntime(ctx context.Context, cfg Config) (*WasmRuntime, error) {
	rcfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(uint32(cfg.MemoryPages)).
		WithCloseOnContextDone(true)

	r := wazero.NewRuntimeWithConfig(ctx, rcfg)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("instantiating WASI: %w", err)
	}

	epoch := time.Now()
	_, err := r.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(func() int64 { return time.Since(epoch).Milliseconds() }).
		Export("now_ms").
		Instantiate(ctx)
	if err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("instantiating host clock: %w", err)
	}

	return &WasmRuntime{runtime: r, cfg: cfg}, nil
}

// Invoke compiles and instantiates module, then calls the configured entry
// export with params encoded per the export's declared value types. The
// first result is decoded to float64; a resultless entry yields 0.
func (w *WasmRuntime) Invoke(ctx context.Context, module []byte, params []float64) (float64, error) {
	compiled, err := w.runtime.CompileModule(ctx, module)
	if err != nil {
		return 0, &InstantiationError{Err: fmt.Errorf("compiling module: %w", err)}
	}
	defer compiled.Close(ctx)

	w.seq++
	mcfg := wazero.NewModuleConfig().
		WithName(fmt.Sprintf("task-%d", w.seq)).
		WithStartFunctions() // the entry export is called explicitly below

	mod, err := w.runtime.InstantiateModule(ctx, compiled, mcfg)
	if err != nil {
		if terr := w.translate(err, true); terr != nil {
			return 0, terr
		}
		return 0, nil // exited cleanly during instantiation
	}
	defer mod.Close(ctx)

	fn := mod.ExportedFunction(w.cfg.Entry)
	if fn == nil {
		return 0, &InstantiationError{Err: fmt.Errorf("%w: %q", ErrNoEntry, w.cfg.Entry)}
	}

	def := fn.Definition()
	stack, err := encodeParams(def.ParamTypes(), params)
	if err != nil {
		return 0, &InstantiationError{Err: err}
	}

	results, err := fn.Call(ctx, stack...)
	if err != nil {
		return 0, w.translate(err, false)
	}

	return decodeResult(def.ResultTypes(), results), nil
}

// Close tears down the wazero runtime and every module it hosts.
func (w *WasmRuntime) Close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}

// translate maps wazero errors onto the sandbox error taxonomy. A zero
// proc_exit is a normal (if resultless) completion; a nonzero one is a
// crash. instantiation marks errors raised before the entry call.
func (w *WasmRuntime) translate(err error, instantiation bool) error {
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		switch code {
		case 0:
			return nil
		case sys.ExitCodeDeadlineExceeded, sys.ExitCodeContextCanceled:
			// Forced termination; the caller decides what it means.
			return err
		default:
			return &CrashError{ExitCode: code}
		}
	}
	if instantiation {
		return &InstantiationError{Err: err}
	}
	return err
}

func encodeParams(types []api.ValueType, params []float64) ([]uint64, error) {
	if len(types) != len(params) {
		return nil, fmt.Errorf("entry takes %d parameters, got %d", len(types), len(params))
	}
	stack := make([]uint64, len(params))
	for i, p := range params {
		switch types[i] {
		case api.ValueTypeI32:
			stack[i] = api.EncodeI32(int32(p))
		case api.ValueTypeI64:
			stack[i] = api.EncodeI64(int64(p))
		case api.ValueTypeF32:
			stack[i] = api.EncodeF32(float32(p))
		case api.ValueTypeF64:
			stack[i] = api.EncodeF64(p)
		default:
			return nil, fmt.Errorf("unsupported parameter type %s", api.ValueTypeName(types[i]))
		}
	}
	return stack, nil
}

func decodeResult(types []api.ValueType, results []uint64) float64 {
	if len(results) == 0 || len(types) == 0 {
		return 0
	}
	switch types[0] {
	case api.ValueTypeI32:
		return float64(api.DecodeI32(results[0]))
	case api.ValueTypeI64:
		return float64(int64(results[0]))
	case api.ValueTypeF32:
		return float64(api.DecodeF32(results[0]))
	default:
		return api.DecodeF64(results[0])
	}
}
