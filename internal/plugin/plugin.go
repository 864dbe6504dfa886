// Package plugin loads user transform modules and runs them in sandboxed
// execution contexts. Starlark, JavaScript and WebAssembly modules are
// supported; all three exchange value trees with the host.
package plugin

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"

	"protosink/internal/domain"
	"protosink/internal/value"
)

// Kind identifies the engine a module runs on.
type Kind string

// Module kinds.
const (
	KindStarlark   Kind = "starlark"
	KindJavaScript Kind = "javascript"
	KindWasm       Kind = "wasm"
)

var wasmMagic = []byte{0x00, 'a', 's', 'm'}

// DetectKind picks the engine for a module from its content and file name.
func DetectKind(name string, src []byte) (Kind, error) {
	if bytes.HasPrefix(src, wasmMagic) {
		return KindWasm, nil
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".star", ".py":
		return KindStarlark, nil
	case ".js", ".mjs", ".cjs":
		return KindJavaScript, nil
	case ".wasm":
		return "", domain.ErrValidation("%s has a .wasm extension but is not a WebAssembly module", name)
	default:
		return "", domain.ErrValidation("cannot determine plugin kind of %q (want .star, .py, .js, .mjs, .cjs or .wasm)", name)
	}
}

// State is the lifecycle state of a Runtime.
type State int32

// Runtime states.
const (
	StateUnloaded State = iota
	StateLoaded
	StateReady
	StateExecuting
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoaded:
		return "loaded"
	case StateReady:
		return "ready"
	case StateExecuting:
		return "executing"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// engine is a compiled module that can spawn isolated execution contexts.
type engine interface {
	newContext(ctx context.Context) (execContext, error)
	close(ctx context.Context) error
}

// execContext runs transform calls one at a time.
type execContext interface {
	call(ctx context.Context, input value.Value) (value.Value, error)
	close()
}

// maxValueDepth bounds nesting when converting values out of a module.
const maxValueDepth = 64

// errInterrupted reports that a call stopped because its context ended.
// The execution context must not be reused.
var errInterrupted = errors.New("plugin call interrupted")

// guestError is an error raised inside the module. broken marks failures
// that leave the execution context unusable, such as a WebAssembly trap.
type guestError struct {
	msg    string
	broken bool
}

func (e *guestError) Error() string { return e.msg }
