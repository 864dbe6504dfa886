package plugin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"protosink/internal/value"
)

const (
	wasmInputPtr  = 1024
	wasmOutputPtr = 2048
)

// buildTransformModule assembles a module that exports memory, alloc and
// transform. alloc always returns wasmInputPtr; transform ignores its input
// and returns result, which sits in a data segment at wasmOutputPtr. With
// trap set, transform executes unreachable instead.
func buildTransformModule(result string, trap bool) []byte {
	const (
		i32 = 0x7f
		i64 = 0x7e
	)
	types := vec(
		[]byte{0x60, 1, i32, 1, i32},
		[]byte{0x60, 2, i32, i32, 1, i64},
	)
	funcs := vec([]byte{0}, []byte{1})
	memory := vec([]byte{0x00, 1})
	exports := vec(
		append(name("memory"), 0x02, 0),
		append(name("alloc"), 0x00, 0),
		append(name("transform"), 0x00, 1),
	)

	allocBody := append([]byte{0x00, 0x41}, sleb(wasmInputPtr)...)
	allocBody = append(allocBody, 0x0b)

	var transformBody []byte
	if trap {
		transformBody = []byte{0x00, 0x00, 0x0b}
	} else {
		packed := int64(wasmOutputPtr)<<32 | int64(len(result))
		transformBody = append([]byte{0x00, 0x42}, sleb(packed)...)
		transformBody = append(transformBody, 0x0b)
	}
	code := vec(sized(allocBody), sized(transformBody))

	segment := append([]byte{0x00, 0x41}, sleb(wasmOutputPtr)...)
	segment = append(segment, 0x0b)
	segment = append(segment, sized([]byte(result))...)
	data := vec(segment)

	mod := []byte("\x00asm\x01\x00\x00\x00")
	mod = append(mod, section(1, types)...)
	mod = append(mod, section(3, funcs)...)
	mod = append(mod, section(5, memory)...)
	mod = append(mod, section(7, exports)...)
	mod = append(mod, section(10, code)...)
	mod = append(mod, section(11, data)...)
	return mod
}

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func sized(b []byte) []byte { return append(uleb(uint64(len(b))), b...) }

func name(s string) []byte { return sized([]byte(s)) }

func vec(items ...[]byte) []byte {
	out := uleb(uint64(len(items)))
	for _, item := range items {
		out = append(out, item...)
	}
	return out
}

func section(id byte, content []byte) []byte {
	return append([]byte{id}, sized(content)...)
}

func TestWasm_Transform(t *testing.T) {
	result := `{"table_info":{"name":"wasm_rows","primary_key":"id"},"rows":[{"id":1,"score":2.5,"tags":["a"]}]}`
	path := writeModule(t, "transform.wasm", string(buildTransformModule(result, false)))
	rt := loadModule(t, path, Options{Workers: 2, MemoryMB: 16})
	assert.Equal(t, KindWasm, rt.Kind())

	for range 3 {
		res, err := rt.Transform(context.Background(), record(1, "x"))
		require.NoError(t, err)
		require.True(t, res.Deliverable(), res.Error)
		assert.Equal(t, "wasm_rows", res.TableInfo.Name)
		assert.Equal(t, "id", res.TableInfo.PrimaryKey)

		id, _ := res.Rows[0].Get("id")
		assert.True(t, id.Equal(value.Int(1)))
		score, _ := res.Rows[0].Get("score")
		assert.True(t, score.Equal(value.Float(2.5)))
		assert.Equal(t, []string{"id", "score", "tags"}, res.Rows[0].Keys())
	}
}

func TestWasm_TrapRebuildsContext(t *testing.T) {
	path := writeModule(t, "trap.wasm", string(buildTransformModule("", true)))
	rt := loadModule(t, path, Options{Workers: 1})

	for range 2 {
		res, err := rt.Transform(context.Background(), value.Null())
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "transform trapped")
		assert.Equal(t, StateReady, rt.State())
	}
}

func TestWasm_InvalidJSONResult(t *testing.T) {
	path := writeModule(t, "bad.wasm", string(buildTransformModule("{not json", false)))
	rt := loadModule(t, path, Options{Workers: 1})

	res, err := rt.Transform(context.Background(), value.Null())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "invalid JSON")
}

func TestWasm_MissingAlloc(t *testing.T) {
	types := vec([]byte{0x60, 0, 0})
	mod := []byte("\x00asm\x01\x00\x00\x00")
	mod = append(mod, section(1, types)...)
	mod = append(mod, section(5, vec([]byte{0x00, 1}))...)
	mod = append(mod, section(7, vec(append(name("memory"), 0x02, 0)))...)

	_, err := Load(context.Background(), writeModule(t, "noalloc.wasm", string(mod)), Options{Workers: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not export alloc")
}
