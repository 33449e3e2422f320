package engine

import (
	"context"
	"io"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	tcpip "github.com/wippyai/wasm-tcpip"
	"github.com/wippyai/wasm-tcpip/errors"
)

// Config holds configuration for engine creation
type Config struct {
	// MemoryLimitPages sets the maximum memory per instance in pages (64KB each).
	// 0 means default (65536 pages = 4GB).
	// 256 = 16MB, 1024 = 64MB, 4096 = 256MB
	MemoryLimitPages uint32

	// Stdout and Stderr receive the engine's WASI output. Nil discards it.
	Stdout io.Writer
	Stderr io.Writer
}

// WazeroEngine loads an lwIP reactor module into wazero runtimes.
// Each Load gets its own runtime so that every stack has a private "env"
// import namespace; compiled code is shared through a compilation cache.
type WazeroEngine struct {
	cfg   Config
	wasm  []byte
	cache wazero.CompilationCache
}

// NewWazeroEngine validates wasmBytes by compiling them once.
func NewWazeroEngine(ctx context.Context, wasmBytes []byte, cfg *Config) (*WazeroEngine, error) {
	e := &WazeroEngine{
		wasm:  wasmBytes,
		cache: wazero.NewCompilationCache(),
	}
	if cfg != nil {
		e.cfg = *cfg
	}

	r := wazero.NewRuntimeWithConfig(ctx, e.runtimeConfig())
	defer r.Close(ctx)

	compiled, err := r.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, errors.Load("compile engine module", err)
	}
	if missing := missingExports(compiled); len(missing) > 0 {
		return nil, errors.NewMissingExportsError(missing)
	}
	return e, nil
}

func (e *WazeroEngine) runtimeConfig() wazero.RuntimeConfig {
	cfg := wazero.NewRuntimeConfig().WithCompilationCache(e.cache)
	if e.cfg.MemoryLimitPages > 0 {
		cfg = cfg.WithMemoryLimitPages(e.cfg.MemoryLimitPages)
	}
	return cfg
}

// Load instantiates WASI, the callback namespace and the engine module.
func (e *WazeroEngine) Load(ctx context.Context, cb Callbacks) (Module, error) {
	r := wazero.NewRuntimeWithConfig(ctx, e.runtimeConfig())

	fail := func(err error) (Module, error) {
		_ = r.Close(ctx)
		return nil, err
	}

	if _, err := InstantiateWASI(ctx, r); err != nil {
		return fail(errors.Instantiation(err))
	}
	if _, err := InstantiateCallbacks(ctx, r, cb); err != nil {
		return fail(errors.Instantiation(err))
	}

	compiled, err := r.CompileModule(ctx, e.wasm)
	if err != nil {
		return fail(errors.Load("compile engine module", err))
	}

	modCfg := wazero.NewModuleConfig().
		WithName("tcpip").
		WithStartFunctions("_initialize").
		WithSysNanotime().
		WithSysWalltime().
		WithSysNanosleep()
	if e.cfg.Stdout != nil {
		modCfg = modCfg.WithStdout(e.cfg.Stdout)
	}
	if e.cfg.Stderr != nil {
		modCfg = modCfg.WithStderr(e.cfg.Stderr)
	}

	instance, err := r.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		return fail(errors.Instantiation(err))
	}

	mod := &WazeroModule{
		runtime:   r,
		instance:  instance,
		memory:    &WazeroMemory{mem: instance.Memory()},
		funcCache: make(map[string]api.Function),
	}
	Logger().Debug("engine module loaded",
		zap.Uint32("memory_bytes", mod.memory.Size()),
		zap.Int("exports", len(compiled.ExportedFunctions())))
	return mod, nil
}

// Close releases the compilation cache.
func (e *WazeroEngine) Close(ctx context.Context) error {
	return e.cache.Close(ctx)
}

func missingExports(compiled wazero.CompiledModule) []string {
	funcs := compiled.ExportedFunctions()
	mems := compiled.ExportedMemories()

	var missing []string
	for _, name := range RequiredExports {
		if name == ExportMemory {
			if _, ok := mems[name]; !ok {
				missing = append(missing, name)
			}
			continue
		}
		if _, ok := funcs[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// WazeroModule is an instantiated engine module.
type WazeroModule struct {
	runtime   wazero.Runtime
	instance  api.Module
	memory    *WazeroMemory
	funcCache map[string]api.Function
	mu        sync.Mutex
	inCall    bool
}

// Memory returns the module's linear memory.
func (m *WazeroModule) Memory() tcpip.Memory {
	return m.memory
}

// Call invokes the named export. Nested calls from inside a callback are
// rejected rather than allowed to corrupt the engine's state.
func (m *WazeroModule) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	m.mu.Lock()
	if m.inCall {
		m.mu.Unlock()
		return nil, errors.Reentrant(name)
	}
	fn, ok := m.funcCache[name]
	if !ok {
		fn = m.instance.ExportedFunction(name)
		if fn == nil {
			m.mu.Unlock()
			return nil, errors.NotFound(errors.PhaseCall, "export", name)
		}
		m.funcCache[name] = fn
	}
	m.inCall = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inCall = false
		m.mu.Unlock()
	}()

	results, err := fn.Call(ctx, params...)
	if err != nil {
		debugf("engine call %s failed: %v", name, err)
		return nil, errors.New(errors.PhaseCall, errors.KindProtocol).
			Op(name).
			Detail("engine trapped").
			Cause(err).
			Build()
	}
	return results, nil
}

// Close closes the module's runtime, including WASI and the callback namespace.
func (m *WazeroModule) Close(ctx context.Context) error {
	return m.runtime.Close(ctx)
}

// WazeroMemory wraps wazero memory to implement tcpip.Memory.
// Read returns a view into linear memory that is invalidated by the next
// engine call; callers copy what they keep.
type WazeroMemory struct {
	mem api.Memory
}

func (m *WazeroMemory) Read(offset uint32, length uint32) ([]byte, error) {
	data, ok := m.mem.Read(offset, length)
	if !ok {
		return nil, errors.OutOfBounds("read", offset, length)
	}
	return data, nil
}

func (m *WazeroMemory) Write(offset uint32, data []byte) error {
	if !m.mem.Write(offset, data) {
		return errors.OutOfBounds("write", offset, uint32(len(data)))
	}
	return nil
}

func (m *WazeroMemory) ReadU32(offset uint32) (uint32, error) {
	val, ok := m.mem.ReadUint32Le(offset)
	if !ok {
		return 0, errors.OutOfBounds("read", offset, 4)
	}
	return val, nil
}

func (m *WazeroMemory) WriteU32(offset uint32, value uint32) error {
	if !m.mem.WriteUint32Le(offset, value) {
		return errors.OutOfBounds("write", offset, 4)
	}
	return nil
}

func (m *WazeroMemory) Size() uint32 {
	return m.mem.Size()
}
