package codec

import (
	"math"
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

func newCodec(t *testing.T, opts ...Option) (*goja.Runtime, *Structured) {
	t.Helper()
	vm := goja.New()
	c, err := New(vm, opts...)
	require.NoError(t, err)
	return vm, c
}

// roundTrip writes the result of src and reads it back into the global "out".
func roundTrip(t *testing.T, vm *goja.Runtime, c *Structured, src string) goja.Value {
	t.Helper()
	in, err := vm.RunString(src)
	require.NoError(t, err)
	data, err := c.Write(in)
	require.NoError(t, err)
	out, err := c.Read(data)
	require.NoError(t, err)
	require.NoError(t, vm.Set("out", out))
	require.NoError(t, vm.Set("input", in))
	return out
}

func evalBool(t *testing.T, vm *goja.Runtime, src string) bool {
	t.Helper()
	v, err := vm.RunString(src)
	require.NoError(t, err)
	return v.ToBoolean()
}

func TestStructured_Primitives(t *testing.T) {
	vm, c := newCodec(t)

	assert.True(t, goja.IsUndefined(roundTrip(t, vm, c, `undefined`)))
	assert.True(t, goja.IsNull(roundTrip(t, vm, c, `null`)))
	assert.Equal(t, true, roundTrip(t, vm, c, `true`).Export())
	assert.Equal(t, "héllo", roundTrip(t, vm, c, `"héllo"`).Export())
	assert.Equal(t, int64(42), roundTrip(t, vm, c, `42`).Export())
	assert.Equal(t, 1.5, roundTrip(t, vm, c, `1.5`).Export())
	assert.True(t, math.IsNaN(roundTrip(t, vm, c, `NaN`).ToFloat()))
	assert.True(t, math.IsInf(roundTrip(t, vm, c, `-Infinity`).ToFloat(), -1))

	roundTrip(t, vm, c, `-0`)
	assert.True(t, evalBool(t, vm, `Object.is(out, -0)`))

	roundTrip(t, vm, c, `12345678901234567890123n`)
	assert.True(t, evalBool(t, vm, `out === 12345678901234567890123n`))
}

func TestStructured_ObjectsAndArrays(t *testing.T) {
	vm, c := newCodec(t)

	roundTrip(t, vm, c, `({n: 1, s: "x", nested: {list: [1, "two", null, undefined]}, z: 0})`)
	assert.True(t, evalBool(t, vm, `JSON.stringify(out) === JSON.stringify(input)`))
	assert.True(t, evalBool(t, vm, `out !== input && out.nested !== input.nested`))
	assert.True(t, evalBool(t, vm, `Object.keys(out).join() === "n,s,nested,z"`))
	assert.True(t, evalBool(t, vm, `"3" in out.nested.list && out.nested.list[3] === undefined`))

	roundTrip(t, vm, c, `[1, , 3]`)
	assert.True(t, evalBool(t, vm, `Array.isArray(out) && out.length === 3 && out[1] === undefined`))
}

func TestStructured_SparseArrays(t *testing.T) {
	vm, c := newCodec(t)

	start := time.Now()
	in, err := vm.RunString(`var a = []; a.length = 4294967295; a[7] = "x"; a`)
	require.NoError(t, err)
	data, err := c.Write(in)
	require.NoError(t, err)
	assert.Less(t, len(data), 256, "payload must not grow with length")
	out, err := c.Read(data)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	require.NoError(t, vm.Set("out", out))
	assert.True(t, evalBool(t, vm, `Array.isArray(out) && out.length === 4294967295`))
	assert.True(t, evalBool(t, vm, `out[7] === "x" && !(0 in out) && !(8 in out)`))

	roundTrip(t, vm, c, `var b = [1, , 3, , ]; b.tag = "t"; b`)
	assert.True(t, evalBool(t, vm, `out.length === 4 && !(1 in out) && !(3 in out) && out[2] === 3 && out.tag === "t"`))

	for name, node := range map[string]*structpb.Value{
		"negative length":   tagged(tagArray, map[string]*structpb.Value{"n": structpb.NewNumberValue(-1)}),
		"fractional length": tagged(tagArray, map[string]*structpb.Value{"n": structpb.NewNumberValue(1.5)}),
		"length too large":  tagged(tagArray, map[string]*structpb.Value{"n": structpb.NewNumberValue(1 << 32)}),
		"keys without values": tagged(tagArray, map[string]*structpb.Value{
			"n": structpb.NewNumberValue(1),
			"k": list([]*structpb.Value{structpb.NewStringValue("0")}),
		}),
	} {
		data, err := proto.Marshal(node)
		require.NoError(t, err)
		_, err = c.Read(data)
		assert.ErrorIs(t, err, ErrMalformed, name)
	}
}

func TestStructured_BuiltinObjects(t *testing.T) {
	vm, c := newCodec(t)

	roundTrip(t, vm, c, `new Date(1700000000000)`)
	assert.True(t, evalBool(t, vm, `out instanceof Date && out.getTime() === 1700000000000`))

	roundTrip(t, vm, c, `/a+b/gi`)
	assert.True(t, evalBool(t, vm, `out instanceof RegExp && out.source === "a+b" && out.flags === "gi"`))

	roundTrip(t, vm, c, `new Map([["k", 1], [2, {v: true}]])`)
	assert.True(t, evalBool(t, vm, `out instanceof Map && out.size === 2 && out.get("k") === 1 && out.get(2).v === true`))

	roundTrip(t, vm, c, `new Set([1, "a", 1])`)
	assert.True(t, evalBool(t, vm, `out instanceof Set && out.size === 2 && out.has("a")`))

	roundTrip(t, vm, c, `new TypeError("bad")`)
	assert.True(t, evalBool(t, vm, `out instanceof TypeError && out.message === "bad"`))

	roundTrip(t, vm, c, `(() => { const e = new Error("x"); e.name = "CustomError"; return e })()`)
	assert.True(t, evalBool(t, vm, `out instanceof Error && out.name === "CustomError" && out.message === "x"`))

	roundTrip(t, vm, c, `[new Boolean(false), new Number(3), new String("s")]`)
	assert.True(t, evalBool(t, vm, `out[0] === false && out[1] === 3 && out[2] === "s"`))
}

func TestStructured_SharedReferencesAndCycles(t *testing.T) {
	vm, c := newCodec(t)

	roundTrip(t, vm, c, `(() => { const s = {v: 1}; return {a: s, b: s} })()`)
	assert.True(t, evalBool(t, vm, `out.a === out.b && out.a !== input.a`))

	roundTrip(t, vm, c, `(() => { const o = {name: "root"}; o.self = o; o.list = [o]; return o })()`)
	assert.True(t, evalBool(t, vm, `out.self === out && out.list[0] === out && out.name === "root"`))

	roundTrip(t, vm, c, `(() => { const m = new Map(); m.set("me", m); return m })()`)
	assert.True(t, evalBool(t, vm, `out.get("me") === out`))
}

func TestStructured_DataCloneErrors(t *testing.T) {
	vm, c := newCodec(t)
	for _, src := range []string{
		`(function () {})`,
		`({f: () => 1})`,
		`Symbol("s")`,
		`[Symbol.iterator]`,
		`Promise.resolve(1)`,
		`new WeakMap()`,
		`new WeakSet()`,
	} {
		v, err := vm.RunString(src)
		require.NoError(t, err, src)
		_, err = c.Write(v)
		assert.ErrorIs(t, err, ErrDataClone, src)
	}
}

func TestStructured_MaxDepth(t *testing.T) {
	vm, c := newCodec(t, WithMaxDepth(4))

	shallow, err := vm.RunString(`({a: {b: {c: 1}}})`)
	require.NoError(t, err)
	_, err = c.Write(shallow)
	require.NoError(t, err)

	deep, err := vm.RunString(`({a: {b: {c: {d: {e: {}}}}}})`)
	require.NoError(t, err)
	_, err = c.Write(deep)
	assert.ErrorIs(t, err, ErrDataClone)
}

func TestStructured_GetterExceptionsPropagate(t *testing.T) {
	vm, c := newCodec(t)
	v, err := vm.RunString(`({get boom() { throw new Error("from getter") }})`)
	require.NoError(t, err)
	_, err = c.Write(v)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDataClone)
	assert.Contains(t, err.Error(), "from getter")
}

func TestStructured_ReadMalformed(t *testing.T) {
	_, c := newCodec(t)

	_, err := c.Read([]byte{0xff, 0xff, 0xff})
	assert.ErrorIs(t, err, ErrMalformed)

	data, err := proto.Marshal(tagged("nope", nil))
	require.NoError(t, err)
	_, err = c.Read(data)
	assert.ErrorIs(t, err, ErrMalformed)

	data, err = proto.Marshal(list([]*structpb.Value{tagged(tagRef, map[string]*structpb.Value{"i": structpb.NewNumberValue(0)})}))
	require.NoError(t, err)
	_, err = c.Read(data)
	assert.ErrorIs(t, err, ErrMalformed, "bare lists are not a node kind")
}

func TestStructured_PortableBetweenRuntimes(t *testing.T) {
	vmA, a := newCodec(t)
	vmB, b := newCodec(t)

	v, err := vmA.RunString(`({when: new Date(5), tags: new Set(["x"])})`)
	require.NoError(t, err)
	data, err := a.Write(v)
	require.NoError(t, err)

	out, err := b.Read(data)
	require.NoError(t, err)
	require.NoError(t, vmB.Set("out", out))
	assert.True(t, evalBool(t, vmB, `out.when.getTime() === 5 && out.tags.has("x")`))
}

func TestStructured_Deterministic(t *testing.T) {
	vm, c := newCodec(t)
	v, err := vm.RunString(`({b: 2, a: [1, {c: new Date(0)}]})`)
	require.NoError(t, err)
	first, err := c.Write(v)
	require.NoError(t, err)
	second, err := c.Write(v)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
