// Package wasmsandbox hosts content-addressed extension modules inside a
// wazero runtime, binding a narrow read-only host-function surface over
// the request's plaintext content buffer and enforcing fuel and memory
// caps per instantiation.
package wasmsandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/titleprotocol/core/pkg/errs"
)

// Limits bounds one instantiation's resource consumption.
type Limits struct {
	// MaxFuel is the maximum number of guest function calls this
	// instance may make before it traps with Wasm/fuel-exhausted. wazero
	// has no per-instruction counter in compiler mode, so fuel is
	// metered at function-call granularity via a listener.
	MaxFuel uint64
	// MaxMemoryPages caps the instance's linear memory (64 KiB pages) as
	// measured right after instantiation; growth during the call is bounded
	// only by sandboxMemoryLimitPages.
	MaxMemoryPages uint32
}

// DefaultLimits is a conservative per-instantiation budget.
var DefaultLimits = Limits{
	MaxFuel:        1_000_000,
	MaxMemoryPages: 256, // 16 MiB
}

// wasmPageSize is the Wasm linear-memory page size (64 KiB), fixed by the
// Wasm spec.
const wasmPageSize = 64 << 10

// sandboxMemoryLimitPages is the absolute ceiling wazero's store limiter
// enforces for every module this Sandbox ever instantiates, regardless of
// any single request's own (tighter) Limits.MaxMemoryPages: a guest's
// memory.grow traps the instant it would cross this page count. Sized well
// above any single request's expected cap so it never fires for a
// well-behaved extension; it exists to bound the worst case.
const sandboxMemoryLimitPages = 4096 // 256 MiB

// Sandbox owns a wazero runtime and a cache of compiled modules, keyed by
// content hash so repeated invocations of the same extension skip
// recompilation.
type Sandbox struct {
	runtime wazero.Runtime

	mu       sync.RWMutex
	compiled map[string]wazero.CompiledModule
}

// New creates a Sandbox with its own wazero runtime, configured with a
// process-wide store limiter on linear memory growth per §4.4.
func New(ctx context.Context) (*Sandbox, error) {
	rtCfg := wazero.NewRuntimeConfig().WithMemoryLimitPages(sandboxMemoryLimitPages)
	rt := wazero.NewRuntimeWithConfig(ctx, rtCfg)
	return &Sandbox{runtime: rt, compiled: make(map[string]wazero.CompiledModule)}, nil
}

// Close releases the underlying wazero runtime and every compiled module.
func (s *Sandbox) Close(ctx context.Context) error {
	return s.runtime.Close(ctx)
}

// WasmHash returns the content hash a module is pinned by in TrustConfig:
// "0x" + hex(sha256(bytes)), the same convention as content_hash.
func WasmHash(wasmBytes []byte) string {
	sum := sha256.Sum256(wasmBytes)
	return "0x" + hex.EncodeToString(sum[:])
}

// Compile compiles and caches wasmBytes, verifying its hash equals
// trustedHash. Instantiation is rejected with Forbidden unless the
// module's wasm_hash matches trusted_wasm_modules[extension_id].
func (s *Sandbox) Compile(ctx context.Context, extensionID string, wasmBytes []byte, trustedHash string) error {
	actualHash := WasmHash(wasmBytes)
	if actualHash != trustedHash {
		return errs.New(errs.Forbidden, fmt.Sprintf("untrusted extension %q: hash mismatch", extensionID))
	}

	s.mu.RLock()
	_, cached := s.compiled[actualHash]
	s.mu.RUnlock()
	if cached {
		return nil
	}

	compiled, err := s.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return errs.Wrap(errs.Wasm, "compile extension module", err)
	}

	s.mu.Lock()
	s.compiled[actualHash] = compiled
	s.mu.Unlock()
	return nil
}

// Invoke instantiates the module pinned at wasmHash and calls its
// entry-point, wiring the host-function surface over content and
// extensionInput. Every instance is single-use: it is closed on return.
func (s *Sandbox) Invoke(ctx context.Context, wasmHash, entryPoint string, content, extensionInput []byte, limits Limits) ([]byte, error) {
	s.mu.RLock()
	compiled, ok := s.compiled[wasmHash]
	s.mu.RUnlock()
	if !ok {
		return nil, errs.New(errs.Wasm, "module not compiled: "+wasmHash)
	}

	host := &hostState{content: content, extensionInput: extensionInput}

	hostModule, err := buildHostModule(ctx, s.runtime, host)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "build host module", err)
	}
	defer func() { _ = hostModule.Close(ctx) }()

	fuelCtx, meter := withFuelMeter(ctx, limits.MaxFuel)

	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions()

	mod, err := s.runtime.InstantiateModule(fuelCtx, compiled, modCfg)
	if err != nil {
		if meter.exhausted {
			return nil, errs.New(errs.Wasm, "fuel exhausted during instantiation")
		}
		return nil, errs.Wrap(errs.Wasm, "instantiate extension module", err)
	}
	defer func() { _ = mod.Close(ctx) }()

	if limits.MaxMemoryPages > 0 {
		if mem := mod.Memory(); mem != nil && mem.Size() > limits.MaxMemoryPages*wasmPageSize {
			return nil, errs.New(errs.Wasm, "instance memory exceeds this request's memory page cap")
		}
	}

	entry := mod.ExportedFunction(entryPoint)
	if entry == nil {
		return nil, errs.New(errs.Wasm, "entry point not exported: "+entryPoint)
	}

	result, err := callGuarded(fuelCtx, mod, entry, host)
	if err != nil {
		if meter.exhausted {
			return nil, errs.New(errs.Wasm, "fuel exhausted")
		}
		return nil, errs.Wrap(errs.Wasm, "extension execution failed", err)
	}
	return result, nil
}

// callGuarded invokes entry and recovers a panic raised during the call
// into a regular error rather than letting it escape to the caller.
func callGuarded(ctx context.Context, mod api.Module, entry api.Function, host *hostState) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("guest trap: %v", r)
		}
	}()

	results, callErr := entry.Call(ctx)
	if callErr != nil {
		return nil, callErr
	}
	if len(results) != 2 {
		return nil, fmt.Errorf("entry point must return (ptr, len)")
	}
	ptr, size := uint32(results[0]), uint32(results[1])

	mem := mod.Memory()
	data, ok := mem.Read(ptr, size)
	if !ok {
		return nil, fmt.Errorf("entry point returned out-of-bounds result")
	}
	return append([]byte{}, data...), nil
}
