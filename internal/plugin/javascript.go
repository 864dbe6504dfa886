package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"strconv"
	"time"

	"github.com/dop251/goja"

	"protosink/internal/domain"
	"protosink/internal/value"
)

// jsEngine holds a compiled script. goja runtimes are not goroutine-safe, so
// each context gets its own runtime that runs the program once.
type jsEngine struct {
	name    string
	program *goja.Program
	timeout time.Duration
	logger  *slog.Logger
}

func compileJavaScript(name string, src []byte, opts Options, logger *slog.Logger) (*jsEngine, error) {
	program, err := goja.Compile(name, string(src), false)
	if err != nil {
		return nil, domain.ErrValidation("%v", err)
	}
	e := &jsEngine{name: name, program: program, timeout: opts.Timeout, logger: logger}

	// Instantiate once so a missing entry point fails at load time.
	first, err := e.newContext(context.Background())
	if err != nil {
		return nil, err
	}
	first.close()
	return e, nil
}

func (e *jsEngine) newContext(context.Context) (execContext, error) {
	vm := goja.New()
	e.installConsole(vm)

	module := vm.NewObject()
	exports := vm.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, err
	}
	if err := vm.Set("module", module); err != nil {
		return nil, err
	}
	if err := vm.Set("exports", exports); err != nil {
		return nil, err
	}

	timer := time.AfterFunc(e.timeout, func() {
		vm.Interrupt(errInterrupted)
	})
	_, err := vm.RunProgram(e.program)
	stopped := timer.Stop()
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, domain.ErrValidation("script did not finish loading within %s", e.timeout)
		}
		return nil, domain.ErrValidation("%v", err)
	}
	if !stopped {
		return nil, domain.ErrValidation("script did not finish loading within %s", e.timeout)
	}

	fn, ok := findTransform(vm, module)
	if !ok {
		return nil, domain.ErrValidation("script does not define a transform function (global or module.exports.transform)")
	}
	return &jsContext{vm: vm, transform: fn}, nil
}

func (e *jsEngine) close(context.Context) error { return nil }

// findTransform looks for a global transform, then module.exports.transform,
// then exports.transform.
func findTransform(vm *goja.Runtime, module *goja.Object) (goja.Callable, bool) {
	candidates := []goja.Value{vm.Get("transform")}
	if exported := module.Get("exports"); exported != nil {
		if obj, ok := exported.(*goja.Object); ok {
			candidates = append(candidates, obj.Get("transform"))
		}
	}
	if exports := vm.Get("exports"); exports != nil {
		if obj, ok := exports.(*goja.Object); ok {
			candidates = append(candidates, obj.Get("transform"))
		}
	}
	for _, c := range candidates {
		if c == nil {
			continue
		}
		if fn, ok := goja.AssertFunction(c); ok {
			return fn, true
		}
	}
	return nil, false
}

func (e *jsEngine) installConsole(vm *goja.Runtime) {
	console := vm.NewObject()
	logAt := func(level slog.Level) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			args := make([]any, 0, len(call.Arguments))
			for _, a := range call.Arguments {
				args = append(args, a.String())
			}
			e.logger.Log(context.Background(), level, "plugin output", "message", fmt.Sprint(args...))
			return goja.Undefined()
		}
	}
	_ = console.Set("log", logAt(slog.LevelInfo))
	_ = console.Set("info", logAt(slog.LevelInfo))
	_ = console.Set("debug", logAt(slog.LevelDebug))
	_ = console.Set("warn", logAt(slog.LevelWarn))
	_ = console.Set("error", logAt(slog.LevelError))
	_ = vm.Set("console", console)
}

type jsContext struct {
	vm        *goja.Runtime
	transform goja.Callable
}

func (c *jsContext) call(ctx context.Context, input value.Value) (value.Value, error) {
	arg, err := toJS(c.vm, input)
	if err != nil {
		return value.Value{}, err
	}

	stop := context.AfterFunc(ctx, func() {
		c.vm.Interrupt(errInterrupted)
	})
	out, err := c.transform(goja.Undefined(), arg)
	if !stop() {
		// The interrupt fired or is about to; the runtime is not reusable.
		return value.Value{}, errInterrupted
	}
	if err != nil {
		var exc *goja.Exception
		if errors.As(err, &exc) {
			return value.Value{}, &guestError{msg: exc.Value().String()}
		}
		return value.Value{}, &guestError{msg: err.Error()}
	}

	if p, ok := out.Export().(*goja.Promise); ok {
		switch p.State() {
		case goja.PromiseStateFulfilled:
			out = p.Result()
		case goja.PromiseStateRejected:
			return value.Value{}, &guestError{msg: p.Result().String()}
		default:
			return value.Value{}, &guestError{msg: "transform returned a promise that never settled"}
		}
	}
	return fromJS(c.vm, out, 0)
}

func (c *jsContext) close() {
	c.vm.ClearInterrupt()
}

func toJS(vm *goja.Runtime, v value.Value) (goja.Value, error) {
	switch v.Kind() {
	case value.KindNull:
		return goja.Null(), nil
	case value.KindBool:
		b, _ := v.AsBool()
		return vm.ToValue(b), nil
	case value.KindInt:
		i, _ := v.AsInt()
		return vm.ToValue(i), nil
	case value.KindFloat:
		f, _ := v.AsFloat()
		return vm.ToValue(f), nil
	case value.KindString:
		s, _ := v.AsString()
		return vm.ToValue(s), nil
	case value.KindBytes:
		b, _ := v.AsBytes()
		return vm.ToValue(vm.NewArrayBuffer(append([]byte(nil), b...))), nil
	case value.KindList:
		items, _ := v.AsList()
		elems := make([]any, len(items))
		for i, item := range items {
			jv, err := toJS(vm, item)
			if err != nil {
				return nil, err
			}
			elems[i] = jv
		}
		return vm.NewArray(elems...), nil
	case value.KindMap:
		m, _ := v.AsMap()
		obj := vm.NewObject()
		var err error
		m.Range(func(k string, item value.Value) bool {
			var jv goja.Value
			if jv, err = toJS(vm, item); err != nil {
				return false
			}
			err = obj.Set(k, jv)
			return err == nil
		})
		if err != nil {
			return nil, err
		}
		return obj, nil
	default:
		return goja.Undefined(), nil
	}
}

func fromJS(vm *goja.Runtime, v goja.Value, depth int) (value.Value, error) {
	if depth > maxValueDepth {
		return value.Value{}, fmt.Errorf("value nested deeper than %d levels", maxValueDepth)
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return value.Null(), nil
	}

	if obj, ok := v.(*goja.Object); ok {
		switch obj.ClassName() {
		case "Array":
			n := int(obj.Get("length").ToInteger())
			items := make([]value.Value, n)
			for i := range items {
				item, err := fromJS(vm, obj.Get(strconv.Itoa(i)), depth+1)
				if err != nil {
					return value.Value{}, err
				}
				items[i] = item
			}
			return value.List(items...), nil
		case "Function":
			return value.Value{}, errors.New("cannot return a function")
		case "Date":
			if t, ok := obj.Export().(time.Time); ok {
				return value.String(t.UTC().Format(time.RFC3339Nano)), nil
			}
		case "ArrayBuffer":
			if buf, ok := obj.Export().(goja.ArrayBuffer); ok {
				return value.Bytes(append([]byte(nil), buf.Bytes()...)), nil
			}
		case "Uint8Array":
			if b, ok := obj.Export().([]byte); ok {
				return value.Bytes(append([]byte(nil), b...)), nil
			}
		}

		m := value.NewMap()
		for _, k := range obj.Keys() {
			item, err := fromJS(vm, obj.Get(k), depth+1)
			if err != nil {
				return value.Value{}, err
			}
			m.Set(k, item)
		}
		return value.FromMap(m), nil
	}

	switch x := v.Export().(type) {
	case bool:
		return value.Bool(x), nil
	case int64:
		return value.Int(x), nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return value.Value{}, fmt.Errorf("cannot return non-finite number %v", x)
		}
		return value.Float(x), nil
	case string:
		return value.String(x), nil
	case *big.Int:
		if !x.IsInt64() {
			return value.Value{}, fmt.Errorf("BigInt %s does not fit in int64", x)
		}
		return value.Int(x.Int64()), nil
	default:
		return value.Value{}, fmt.Errorf("cannot return JavaScript value of type %T", x)
	}
}

// maxSafeInteger is the largest integer a JavaScript number holds exactly.
const maxSafeInteger = 1<<53 - 1

// untypedNumbersAsFloat turns integral numbers in columns without a declared
// type into Float, since JavaScript has one number type and goja returns 2.0
// as an integer. Integers beyond the safe range come from BigInt and stay Int.
func untypedNumbersAsFloat(res *domain.TransformResult) {
	if !res.Success {
		return
	}
	typed := map[string]bool{}
	if res.TableInfo != nil {
		for _, c := range res.TableInfo.Columns {
			if c.Type != "" {
				typed[c.Name] = true
			}
		}
	}
	for _, row := range res.Rows {
		for _, k := range row.Keys() {
			if typed[k] {
				continue
			}
			v, _ := row.Get(k)
			if i, ok := v.AsInt(); ok && i >= -maxSafeInteger && i <= maxSafeInteger {
				row.Set(k, value.Float(float64(i)))
			}
		}
	}
}
