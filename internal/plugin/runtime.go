package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"protosink/internal/domain"
	"protosink/internal/metrics"
	"protosink/internal/objstore"
	"protosink/internal/value"
)

const defaultTimeout = 5 * time.Second

// Options configures a Runtime.
type Options struct {
	// Workers is the number of execution contexts. Zero means one per CPU.
	Workers int
	// Timeout bounds each Transform call.
	Timeout time.Duration
	// MaxSteps bounds Starlark execution steps per call.
	MaxSteps uint64
	// MemoryMB caps WebAssembly linear memory.
	MemoryMB int
	// Fetcher reads the module source. Nil reads local files only.
	Fetcher objstore.Fetcher
	Logger  *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = runtime.NumCPU()
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if o.MaxSteps == 0 {
		o.MaxSteps = defaultMaxSteps
	}
	if o.MemoryMB <= 0 {
		o.MemoryMB = defaultMemoryMB
	}
	if o.Fetcher == nil {
		o.Fetcher = objstore.NewRouter(objstore.Credentials{})
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Runtime is a loaded transform module and its pool of execution contexts.
// It is safe for concurrent use; at most Concurrency calls run at once.
type Runtime struct {
	source string
	opts   Options
	logger *slog.Logger

	// mu is held for reading by calls and for writing by Reload and Close.
	mu       sync.RWMutex
	kind     Kind
	engine   engine
	pool     chan execContext
	fault    chan struct{}
	setFault func()
	terminal bool

	state    atomic.Int32
	inflight atomic.Int32
}

// Load reads the module at source, compiles it and prepares its execution
// contexts. A module without a transform entry point fails here.
func Load(ctx context.Context, source string, opts Options) (*Runtime, error) {
	opts = opts.withDefaults()
	r := &Runtime{
		source: source,
		opts:   opts,
		logger: opts.Logger.With("component", "plugin", "plugin", source),
	}
	if err := r.load(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Runtime) load(ctx context.Context) error {
	src, err := r.opts.Fetcher.Fetch(ctx, r.source)
	if err != nil {
		return fmt.Errorf("read plugin: %w", err)
	}
	kind, err := DetectKind(r.source, src)
	if err != nil {
		return err
	}

	var eng engine
	switch kind {
	case KindStarlark:
		eng, err = compileStarlark(r.source, src, r.opts, r.logger)
	case KindJavaScript:
		eng, err = compileJavaScript(r.source, src, r.opts, r.logger)
	case KindWasm:
		eng, err = compileWasm(ctx, src, r.opts, r.logger)
	}
	if err != nil {
		return fmt.Errorf("load %s plugin %s: %w", kind, r.source, err)
	}
	r.kind = kind
	r.engine = eng
	r.state.Store(int32(StateLoaded))

	pool := make(chan execContext, r.opts.Workers)
	for range r.opts.Workers {
		ec, err := eng.newContext(ctx)
		if err != nil {
			drain(pool)
			_ = eng.close(context.WithoutCancel(ctx))
			r.engine = nil
			r.state.Store(int32(StateUnloaded))
			return fmt.Errorf("load %s plugin %s: %w", kind, r.source, err)
		}
		pool <- ec
	}
	fault := make(chan struct{})
	r.pool = pool
	r.fault = fault
	r.setFault = sync.OnceFunc(func() { close(fault) })
	r.state.Store(int32(StateReady))
	r.logger.Info("plugin loaded", "kind", kind, "contexts", r.opts.Workers)
	return nil
}

// Kind returns the engine kind of the loaded module.
func (r *Runtime) Kind() Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.kind
}

// Source returns the path or URL the module was loaded from.
func (r *Runtime) Source() string { return r.source }

// Concurrency returns the number of execution contexts.
func (r *Runtime) Concurrency() int { return r.opts.Workers }

// State returns the lifecycle state. A ready runtime with calls in flight
// reports StateExecuting.
func (r *Runtime) State() State {
	s := State(r.state.Load())
	if s == StateReady && r.inflight.Load() > 0 {
		return StateExecuting
	}
	return s
}

// Transform runs the module's transform on input and coerces the output.
//
// Exceptions raised by the module come back as an unsuccessful result with
// a nil error. A call that exceeds the timeout returns
// *domain.TransformTimeoutError; its context is discarded and rebuilt. If
// the rebuild fails the runtime is faulted and every later call returns
// *domain.PluginFaultedError until Reload succeeds.
func (r *Runtime) Transform(ctx context.Context, input value.Value) (domain.TransformResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s := State(r.state.Load()); s != StateReady {
		return domain.TransformResult{}, &domain.PluginFaultedError{Plugin: r.source, Err: fmt.Errorf("plugin is %s", s)}
	}

	var ec execContext
	select {
	case ec = <-r.pool:
	case <-r.fault:
		return domain.TransformResult{}, &domain.PluginFaultedError{Plugin: r.source, Err: errors.New("no execution context left")}
	case <-ctx.Done():
		return domain.TransformResult{}, ctx.Err()
	}
	r.inflight.Add(1)
	defer r.inflight.Add(-1)

	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	out, err := ec.call(callCtx, input)
	timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()
	metrics.TransformDurationSeconds.Observe(time.Since(start).Seconds())

	var guest *guestError
	switch {
	case err == nil:
		r.pool <- ec
	case errors.Is(err, errInterrupted):
		r.replace(ctx, ec, "interrupted")
		if !timedOut && ctx.Err() != nil {
			return domain.TransformResult{}, ctx.Err()
		}
		metrics.TransformFailuresTotal.WithLabelValues("timeout").Inc()
		return domain.TransformResult{}, &domain.TransformTimeoutError{Plugin: r.source, Timeout: r.opts.Timeout.String()}
	case errors.As(err, &guest):
		if guest.broken {
			r.replace(ctx, ec, "trap")
		} else {
			r.pool <- ec
		}
		metrics.TransformFailuresTotal.WithLabelValues("exception").Inc()
		r.logger.Debug("plugin raised an error", "error", guest.msg)
		return domain.TransformResult{Success: false, Error: guest.msg}, nil
	default:
		r.pool <- ec
		metrics.TransformFailuresTotal.WithLabelValues("output").Inc()
		return domain.TransformResult{Success: false, Error: err.Error()}, nil
	}

	res := Coerce(out)
	if r.kind == KindJavaScript {
		untypedNumbersAsFloat(&res)
	}
	if !res.Success {
		metrics.TransformFailuresTotal.WithLabelValues("result").Inc()
	}
	return res, nil
}

// replace discards a broken execution context and builds a fresh one from
// the loaded module. Callers hold r.mu for reading.
func (r *Runtime) replace(ctx context.Context, broken execContext, reason string) {
	broken.close()
	ec, err := r.engine.newContext(context.WithoutCancel(ctx))
	if err != nil {
		r.state.Store(int32(StateFaulted))
		r.setFault()
		r.logger.Error("plugin faulted", "reason", reason, "error", err)
		return
	}
	r.pool <- ec
	metrics.PluginReloadsTotal.Inc()
	r.logger.Warn("plugin reloaded", "reason", reason)
}

// Reload tears down every execution context, re-reads the module from its
// source and rebuilds the pool. It waits for in-flight calls. A failed
// reload is terminal.
func (r *Runtime) Reload(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.terminal {
		return &domain.PluginFaultedError{Plugin: r.source, Err: errors.New("plugin can no longer be reloaded")}
	}
	r.teardown(ctx)
	if err := r.load(ctx); err != nil {
		r.terminal = true
		r.state.Store(int32(StateFaulted))
		r.logger.Error("plugin reload failed", "error", err)
		return &domain.PluginFaultedError{Plugin: r.source, Err: err}
	}
	metrics.PluginReloadsTotal.Inc()
	r.logger.Warn("plugin reloaded", "reason", "explicit")
	return nil
}

// Close releases every execution context and the engine.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminal = true
	return r.teardown(ctx)
}

func (r *Runtime) teardown(ctx context.Context) error {
	drain(r.pool)
	r.pool = nil
	var err error
	if r.engine != nil {
		err = r.engine.close(ctx)
		r.engine = nil
	}
	r.state.Store(int32(StateUnloaded))
	return err
}

func drain(pool chan execContext) {
	for {
		select {
		case ec := <-pool:
			ec.close()
		default:
			return
		}
	}
}
