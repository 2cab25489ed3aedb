// Package sandboxtest provides tiny hand-assembled WebAssembly binaries so
// tests need no wasm toolchain. Each builder returns a complete module with
// a single exported function.
package sandboxtest

// Value types
const (
	typeI32 = 0x7F
	typeI64 = 0x7E
	typeF64 = 0x7C
)

// Section IDs
const (
	secType     = 1
	secImport   = 2
	secFunction = 3
	secExport   = 7
	secCode     = 10
)

// AddF64 exports "run": (f64, f64) -> f64, returning the sum.
func AddF64() []byte {
	return buildModule(
		section(secType, 1, funcType([]byte{typeF64, typeF64}, []byte{typeF64})),
		section(secFunction, 1, []byte{0x00}),
		section(secExport, 1, funcExport("run", 0)),
		section(secCode, 1, funcBody(
			0x20, 0x00, // local.get 0
			0x20, 0x01, // local.get 1
			0xA0, // f64.add
		)),
	)
}

// Trap exports "run": () -> f64, which hits an unreachable immediately.
func Trap() []byte {
	return buildModule(
		section(secType, 1, funcType(nil, []byte{typeF64})),
		section(secFunction, 1, []byte{0x00}),
		section(secExport, 1, funcExport("run", 0)),
		section(secCode, 1, funcBody(
			0x00, // unreachable
		)),
	)
}

// Spin exports "run": () -> (), an infinite loop. Only a forced
// termination ends it.
func Spin() []byte {
	return buildModule(
		section(secType, 1, funcType(nil, nil)),
		section(secFunction, 1, []byte{0x00}),
		section(secExport, 1, funcExport("run", 0)),
		section(secCode, 1, funcBody(
			0x03, 0x40, // loop (void)
			0x0C, 0x00, // br 0
			0x0B, // end
		)),
	)
}

// Exit exports "run": () -> (), which calls WASI proc_exit with the given
// nonzero status instead of returning.
func Exit(code byte) []byte {
	return buildModule(
		section(secType, 2,
			funcType([]byte{typeI32}, nil),
			funcType(nil, nil),
		),
		section(secImport, 1, funcImport("wasi_snapshot_preview1", "proc_exit", 0)),
		section(secFunction, 1, []byte{0x01}),
		section(secExport, 1, funcExport("run", 1)),
		section(secCode, 1, funcBody(
			0x41, code, // i32.const code
			0x10, 0x00, // call 0 (proc_exit)
		)),
	)
}

// Clock exports "run": () -> f64, reading the host's monotonic clock
// through the env.now_ms capability import.
func Clock() []byte {
	return buildModule(
		section(secType, 2,
			funcType(nil, []byte{typeI64}),
			funcType(nil, []byte{typeF64}),
		),
		section(secImport, 1, funcImport("env", "now_ms", 0)),
		section(secFunction, 1, []byte{0x01}),
		section(secExport, 1, funcExport("run", 1)),
		section(secCode, 1, funcBody(
			0x10, 0x00, // call 0 (now_ms)
			0xB9, // f64.convert_i64_s
		)),
	)
}

// --- encoding helpers (all quantities stay below 128, so LEB128 is a
// single byte) ---

func buildModule(sections ...[]byte) []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}
	for _, s := range sections {
		out = append(out, s...)
	}
	return out
}

func section(id byte, count int, items ...[]byte) []byte {
	payload := []byte{byte(count)}
	for _, it := range items {
		payload = append(payload, it...)
	}
	out := []byte{id, byte(len(payload))}
	return append(out, payload...)
}

func funcType(params, results []byte) []byte {
	out := []byte{0x60, byte(len(params))}
	out = append(out, params...)
	out = append(out, byte(len(results)))
	return append(out, results...)
}

func funcExport(name string, index byte) []byte {
	out := []byte{byte(len(name))}
	out = append(out, name...)
	return append(out, 0x00, index) // kind 0 = function
}

func funcImport(module, field string, typeIndex byte) []byte {
	out := []byte{byte(len(module))}
	out = append(out, module...)
	out = append(out, byte(len(field)))
	out = append(out, field...)
	return append(out, 0x00, typeIndex) // kind 0 = function
}

func funcBody(code ...byte) []byte {
	body := []byte{0x00} // no locals
	body = append(body, code...)
	body = append(body, 0x0B) // end
	out := []byte{byte(len(body))}
	return append(out, body...)
}
