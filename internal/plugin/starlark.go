package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	starjson "go.starlark.net/lib/json"
	starmath "go.starlark.net/lib/math"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"protosink/internal/domain"
	"protosink/internal/value"
)

const (
	defaultMaxSteps        = uint64(10_000_000)
	maxStarlarkModuleBytes = 4 << 20
)

var starlarkFileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// starlarkEngine holds a frozen module. Frozen values are safe to share, so
// every context reuses the same transform callable on its own thread.
type starlarkEngine struct {
	name      string
	transform starlark.Callable
	maxSteps  uint64
	logger    *slog.Logger
}

func compileStarlark(name string, src []byte, opts Options, logger *slog.Logger) (*starlarkEngine, error) {
	if len(src) > maxStarlarkModuleBytes {
		return nil, domain.ErrValidation("starlark module exceeds %d bytes", maxStarlarkModuleBytes)
	}
	e := &starlarkEngine{name: name, maxSteps: opts.MaxSteps, logger: logger}

	predeclared := starlark.StringDict{
		"json": starjson.Module,
		"math": starmath.Module,
	}
	thread := e.newThread("load")
	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	var globals starlark.StringDict
	err := runStarlark(ctx, thread, func() error {
		loaded, err := starlark.ExecFileOptions(starlarkFileOptions, thread, name, src, predeclared)
		if err != nil {
			return err
		}
		globals = loaded
		return nil
	})
	if errors.Is(err, errInterrupted) {
		return nil, domain.ErrValidation("starlark module did not finish loading within %s", opts.Timeout)
	}
	if err != nil {
		return nil, domain.ErrValidation("%v", err)
	}
	globals.Freeze()

	fn, ok := globals["transform"].(starlark.Callable)
	if !ok {
		return nil, domain.ErrValidation("module does not define a transform function")
	}
	e.transform = fn
	return e, nil
}

func (e *starlarkEngine) newThread(name string) *starlark.Thread {
	thread := &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			e.logger.Info("plugin output", "message", msg)
		},
		Load: func(_ *starlark.Thread, module string) (starlark.StringDict, error) {
			return nil, fmt.Errorf("load(%q): loading modules is not permitted", module)
		},
	}
	thread.SetMaxExecutionSteps(e.maxSteps)
	return thread
}

func (e *starlarkEngine) newContext(context.Context) (execContext, error) {
	return &starlarkContext{engine: e}, nil
}

func (e *starlarkEngine) close(context.Context) error { return nil }

type starlarkContext struct {
	engine *starlarkEngine
}

func (c *starlarkContext) call(ctx context.Context, input value.Value) (value.Value, error) {
	arg, err := toStarlark(input)
	if err != nil {
		return value.Value{}, err
	}
	thread := c.engine.newThread("transform")

	var result starlark.Value
	err = runStarlark(ctx, thread, func() error {
		out, err := starlark.Call(thread, c.engine.transform, starlark.Tuple{arg}, nil)
		if err != nil {
			return &guestError{msg: err.Error()}
		}
		result = out
		return nil
	})
	if err != nil {
		return value.Value{}, err
	}
	return fromStarlark(result, 0)
}

func (c *starlarkContext) close() {}

// runStarlark runs fn on its own goroutine and cancels the thread when ctx
// ends. The thread stops at its next step, so fn always returns.
func runStarlark(ctx context.Context, thread *starlark.Thread, fn func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		thread.Cancel("execution timed out")
		<-done
		return errInterrupted
	}
}

func toStarlark(v value.Value) (starlark.Value, error) {
	switch v.Kind() {
	case value.KindBool:
		b, _ := v.AsBool()
		return starlark.Bool(b), nil
	case value.KindInt:
		i, _ := v.AsInt()
		return starlark.MakeInt64(i), nil
	case value.KindFloat:
		f, _ := v.AsFloat()
		return starlark.Float(f), nil
	case value.KindString:
		s, _ := v.AsString()
		return starlark.String(s), nil
	case value.KindBytes:
		b, _ := v.AsBytes()
		return starlark.Bytes(b), nil
	case value.KindList:
		items, _ := v.AsList()
		elems := make([]starlark.Value, len(items))
		for i, item := range items {
			sv, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			elems[i] = sv
		}
		return starlark.NewList(elems), nil
	case value.KindMap:
		m, _ := v.AsMap()
		d := starlark.NewDict(m.Len())
		var err error
		m.Range(func(k string, item value.Value) bool {
			var sv starlark.Value
			if sv, err = toStarlark(item); err != nil {
				return false
			}
			err = d.SetKey(starlark.String(k), sv)
			return err == nil
		})
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return starlark.None, nil
	}
}

func fromStarlark(v starlark.Value, depth int) (value.Value, error) {
	if depth > maxValueDepth {
		return value.Value{}, fmt.Errorf("value nested deeper than %d levels", maxValueDepth)
	}
	switch x := v.(type) {
	case starlark.NoneType:
		return value.Null(), nil
	case starlark.Bool:
		return value.Bool(bool(x)), nil
	case starlark.Int:
		i, ok := x.Int64()
		if !ok {
			return value.Value{}, fmt.Errorf("integer %s does not fit in int64", x)
		}
		return value.Int(i), nil
	case starlark.Float:
		return value.Float(float64(x)), nil
	case starlark.String:
		return value.String(string(x)), nil
	case starlark.Bytes:
		return value.Bytes([]byte(x)), nil
	case *starlark.List:
		return starlarkSequence(x, depth)
	case starlark.Tuple:
		return starlarkSequence(x, depth)
	case *starlark.Dict:
		m := value.NewMap()
		for _, item := range x.Items() {
			k, ok := starlark.AsString(item[0])
			if !ok {
				return value.Value{}, fmt.Errorf("dict key %s is not a string", item[0])
			}
			val, err := fromStarlark(item[1], depth+1)
			if err != nil {
				return value.Value{}, err
			}
			m.Set(k, val)
		}
		return value.FromMap(m), nil
	default:
		return value.Value{}, fmt.Errorf("cannot return starlark value of type %s", v.Type())
	}
}

func starlarkSequence(seq starlark.Indexable, depth int) (value.Value, error) {
	items := make([]value.Value, seq.Len())
	for i := range items {
		item, err := fromStarlark(seq.Index(i), depth+1)
		if err != nil {
			return value.Value{}, err
		}
		items[i] = item
	}
	return value.List(items...), nil
}
