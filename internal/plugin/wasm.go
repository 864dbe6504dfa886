package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"protosink/internal/domain"
	"protosink/internal/value"
)

const (
	defaultMemoryMB = 256
	wasmPagesPerMB  = 16
	maxWasmPages    = 65536
)

// wasmEngine holds a compiled module. Each context is a separate instance
// with its own linear memory. WASI is available without any mounts or
// network access.
type wasmEngine struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	logger   *slog.Logger
}

func compileWasm(ctx context.Context, src []byte, opts Options, logger *slog.Logger) (*wasmEngine, error) {
	pages := uint32(min(opts.MemoryMB*wasmPagesPerMB, maxWasmPages))
	cfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(pages)
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}
	compiled, err := rt.CompileModule(ctx, src)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, domain.ErrValidation("compile module: %v", err)
	}
	if err := checkWasmExports(compiled); err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	return &wasmEngine{runtime: rt, compiled: compiled, logger: logger}, nil
}

func checkWasmExports(compiled wazero.CompiledModule) error {
	if _, ok := compiled.ExportedMemories()["memory"]; !ok {
		return domain.ErrValidation("module does not export memory")
	}
	funcs := compiled.ExportedFunctions()
	for _, name := range []string{"alloc", "transform"} {
		if _, ok := funcs[name]; !ok {
			return domain.ErrValidation("module does not export %s", name)
		}
	}
	return nil
}

func (e *wasmEngine) newContext(ctx context.Context) (execContext, error) {
	cfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_initialize").
		WithStdout(logWriter{logger: e.logger, level: slog.LevelInfo}).
		WithStderr(logWriter{logger: e.logger, level: slog.LevelWarn})
	mod, err := e.runtime.InstantiateModule(ctx, e.compiled, cfg)
	if err != nil {
		return nil, fmt.Errorf("instantiate module: %w", err)
	}
	return &wasmContext{
		mod:       mod,
		alloc:     mod.ExportedFunction("alloc"),
		dealloc:   mod.ExportedFunction("dealloc"),
		transform: mod.ExportedFunction("transform"),
	}, nil
}

func (e *wasmEngine) close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

type wasmContext struct {
	mod       api.Module
	alloc     api.Function
	dealloc   api.Function // optional
	transform api.Function
}

// call passes input as JSON: alloc(len) returns a buffer the host fills,
// transform(ptr, len) returns ptr<<32|len of the JSON result.
func (c *wasmContext) call(ctx context.Context, input value.Value) (value.Value, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return value.Value{}, err
	}

	res, err := c.alloc.Call(ctx, uint64(len(payload)))
	if err != nil {
		return value.Value{}, c.failure(ctx, "alloc", err)
	}
	inPtr := uint32(res[0])
	mem := c.mod.Memory()
	if !mem.Write(inPtr, payload) {
		return value.Value{}, &guestError{msg: fmt.Sprintf("alloc returned out-of-range buffer %d+%d", inPtr, len(payload)), broken: true}
	}

	res, err = c.transform.Call(ctx, uint64(inPtr), uint64(len(payload)))
	if err != nil {
		return value.Value{}, c.failure(ctx, "transform", err)
	}
	outPtr, outLen := uint32(res[0]>>32), uint32(res[0])
	raw, ok := mem.Read(outPtr, outLen)
	if !ok {
		return value.Value{}, &guestError{msg: fmt.Sprintf("transform returned out-of-range result %d+%d", outPtr, outLen), broken: true}
	}
	out := append([]byte(nil), raw...)

	if c.dealloc != nil {
		if _, err := c.dealloc.Call(ctx, uint64(inPtr), uint64(len(payload))); err != nil {
			return value.Value{}, c.failure(ctx, "dealloc", err)
		}
		if _, err := c.dealloc.Call(ctx, uint64(outPtr), uint64(outLen)); err != nil {
			return value.Value{}, c.failure(ctx, "dealloc", err)
		}
	}

	v, err := value.ParseJSON(out)
	if err != nil {
		return value.Value{}, &guestError{msg: fmt.Sprintf("transform returned invalid JSON: %v", err)}
	}
	return v, nil
}

// failure classifies an error from a guest call. Either way the instance is
// not reused: a done context closed it, and a trap may leave memory corrupt.
func (c *wasmContext) failure(ctx context.Context, fn string, err error) error {
	if ctx.Err() != nil {
		return errInterrupted
	}
	return &guestError{msg: fmt.Sprintf("%s trapped: %v", fn, err), broken: true}
}

func (c *wasmContext) close() {
	_ = c.mod.Close(context.Background())
}

// logWriter forwards guest stdout and stderr to the logger.
type logWriter struct {
	logger *slog.Logger
	level  slog.Level
}

func (w logWriter) Write(p []byte) (int, error) {
	w.logger.Log(context.Background(), w.level, "plugin output", "message", string(p))
	return len(p), nil
}
