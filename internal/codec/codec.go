// Package codec implements structured serialization of script values for
// storage: a goja value graph is written to a self-contained byte payload
// and read back as an equivalent, independent graph.
//
// The payload is a google.protobuf.Value tree. Primitives map onto the
// protobuf kinds directly; everything else is a struct node tagged by its
// "t" field. Objects are numbered in the order they are first visited, so
// shared references and cycles are written as "ref" nodes pointing back to
// that number.
package codec

import (
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/dop251/goja"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// DefaultMaxDepth bounds the nesting of a written value graph.
const DefaultMaxDepth = 256

// maxArrayLength is the largest length an array can have.
const maxArrayLength = 1<<32 - 1

var (
	// ErrDataClone is returned by Write for values that cannot be cloned.
	ErrDataClone = errors.New("codec: value could not be cloned")

	// ErrMalformed is returned by Read for payloads it cannot decode.
	ErrMalformed = errors.New("codec: malformed payload")
)

// Codec converts script values to and from storage payloads.
type Codec interface {
	Write(v goja.Value) ([]byte, error)
	Read(data []byte) (goja.Value, error)
}

// node tags
const (
	tagUndefined = "undefined"
	tagBigInt    = "bigint"
	tagObject    = "object"
	tagArray     = "array"
	tagDate      = "date"
	tagRegExp    = "regexp"
	tagMap       = "map"
	tagSet       = "set"
	tagError     = "error"
	tagRef       = "ref"
)

// standard error constructors, recreated by name on read
var errorConstructors = map[string]bool{
	"Error":          true,
	"EvalError":      true,
	"RangeError":     true,
	"ReferenceError": true,
	"SyntaxError":    true,
	"TypeError":      true,
	"URIError":       true,
}

// Structured is the default Codec. It is bound to one runtime and, like the
// runtime, must only be used from the goroutine that owns it.
type Structured struct {
	vm       *goja.Runtime
	maxDepth int

	mapForEach   goja.Callable
	setForEach   goja.Callable
	mapSet       goja.Callable
	setAdd       goja.Callable
	dateGetTime  goja.Callable
	boolValueOf  goja.Callable
	numValueOf   goja.Callable
	strValueOf   goja.Callable
	dateCtor     goja.Value
	regexpCtor   goja.Value
	mapCtor      goja.Value
	setCtor      goja.Value
	errorCtorMap map[string]goja.Value
}

// Option configures a Structured codec.
type Option func(*Structured)

// WithMaxDepth sets the maximum nesting depth accepted by Write.
func WithMaxDepth(n int) Option {
	return func(c *Structured) {
		if n > 0 {
			c.maxDepth = n
		}
	}
}

// New binds a codec to vm. It must be called on the goroutine that owns vm.
func New(vm *goja.Runtime, opts ...Option) (*Structured, error) {
	c := &Structured{
		vm:           vm,
		maxDepth:     DefaultMaxDepth,
		errorCtorMap: make(map[string]goja.Value, len(errorConstructors)),
	}
	for _, opt := range opts {
		opt(c)
	}

	var err error
	if c.mapForEach, err = c.method("Map", "forEach"); err != nil {
		return nil, err
	}
	if c.setForEach, err = c.method("Set", "forEach"); err != nil {
		return nil, err
	}
	if c.mapSet, err = c.method("Map", "set"); err != nil {
		return nil, err
	}
	if c.setAdd, err = c.method("Set", "add"); err != nil {
		return nil, err
	}
	if c.dateGetTime, err = c.method("Date", "getTime"); err != nil {
		return nil, err
	}
	if c.boolValueOf, err = c.method("Boolean", "valueOf"); err != nil {
		return nil, err
	}
	if c.numValueOf, err = c.method("Number", "valueOf"); err != nil {
		return nil, err
	}
	if c.strValueOf, err = c.method("String", "valueOf"); err != nil {
		return nil, err
	}
	c.dateCtor = vm.Get("Date")
	c.regexpCtor = vm.Get("RegExp")
	c.mapCtor = vm.Get("Map")
	c.setCtor = vm.Get("Set")
	for name := range errorConstructors {
		c.errorCtorMap[name] = vm.Get(name)
	}
	return c, nil
}

// method looks up a builtin prototype method, so that values overriding the
// method on themselves cannot influence serialization.
func (c *Structured) method(ctor, name string) (goja.Callable, error) {
	v := c.vm.Get(ctor)
	if v == nil || goja.IsUndefined(v) {
		return nil, fmt.Errorf("codec: missing builtin %s", ctor)
	}
	proto := v.ToObject(c.vm).Get("prototype")
	if proto == nil {
		return nil, fmt.Errorf("codec: missing %s.prototype", ctor)
	}
	fn, ok := goja.AssertFunction(proto.ToObject(c.vm).Get(name))
	if !ok {
		return nil, fmt.Errorf("codec: missing %s.prototype.%s", ctor, name)
	}
	return fn, nil
}

// Write serializes v. Unsupported values fail with an error wrapping
// ErrDataClone; exceptions thrown by getters are returned as-is.
func (c *Structured) Write(v goja.Value) (data []byte, err error) {
	w := &writer{c: c, seen: make(map[*goja.Object]int)}
	var root *structpb.Value
	if ex := c.vm.Try(func() { root, err = w.encode(v, 0) }); ex != nil {
		return nil, ex
	}
	if err != nil {
		return nil, err
	}
	data, err = proto.MarshalOptions{Deterministic: true}.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal: %w", err)
	}
	return data, nil
}

// Read deserializes a payload produced by Write into a fresh value graph.
func (c *Structured) Read(data []byte) (v goja.Value, err error) {
	var root structpb.Value
	if err := proto.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	r := &reader{c: c}
	if ex := c.vm.Try(func() { v, err = r.decode(&root, 0) }); ex != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, ex)
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

type writer struct {
	c    *Structured
	seen map[*goja.Object]int
}

func cloneError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDataClone, fmt.Sprintf(format, args...))
}

func tagged(tag string, fields map[string]*structpb.Value) *structpb.Value {
	if fields == nil {
		fields = make(map[string]*structpb.Value, 1)
	}
	fields["t"] = structpb.NewStringValue(tag)
	return structpb.NewStructValue(&structpb.Struct{Fields: fields})
}

func list(values []*structpb.Value) *structpb.Value {
	return structpb.NewListValue(&structpb.ListValue{Values: values})
}

func (w *writer) encode(v goja.Value, depth int) (*structpb.Value, error) {
	if depth > w.c.maxDepth {
		return nil, cloneError("value nested deeper than %d", w.c.maxDepth)
	}
	if v == nil || goja.IsUndefined(v) {
		return tagged(tagUndefined, nil), nil
	}
	if goja.IsNull(v) {
		return structpb.NewNullValue(), nil
	}
	switch x := v.(type) {
	case *goja.Symbol:
		return nil, cloneError("symbol %s", x.String())
	case *goja.Object:
		return w.encodeObject(x, depth)
	}
	switch x := v.Export().(type) {
	case bool:
		return structpb.NewBoolValue(x), nil
	case int64:
		return structpb.NewNumberValue(float64(x)), nil
	case float64:
		return structpb.NewNumberValue(x), nil
	case string:
		return structpb.NewStringValue(x), nil
	case *big.Int:
		return tagged(tagBigInt, map[string]*structpb.Value{"v": structpb.NewStringValue(x.String())}), nil
	default:
		return nil, cloneError("unsupported primitive %T", x)
	}
}

func (w *writer) encodeObject(obj *goja.Object, depth int) (*structpb.Value, error) {
	if idx, ok := w.seen[obj]; ok {
		return tagged(tagRef, map[string]*structpb.Value{"i": structpb.NewNumberValue(float64(idx))}), nil
	}
	vm := w.c.vm
	class := obj.ClassName()

	// wrapper objects are written as their primitive
	switch class {
	case "Boolean":
		return w.callPrimitive(w.c.boolValueOf, obj, depth)
	case "Number":
		return w.callPrimitive(w.c.numValueOf, obj, depth)
	case "String":
		return w.callPrimitive(w.c.strValueOf, obj, depth)
	}

	switch class {
	case "Object", "Array", "Date", "RegExp", "Map", "Set", "Error":
	default:
		return nil, cloneError("%s object", class)
	}
	w.seen[obj] = len(w.seen)

	switch class {
	case "Date":
		ms, err := w.c.dateGetTime(obj)
		if err != nil {
			return nil, err
		}
		return tagged(tagDate, map[string]*structpb.Value{"v": structpb.NewNumberValue(ms.ToFloat())}), nil

	case "RegExp":
		return tagged(tagRegExp, map[string]*structpb.Value{
			"source": structpb.NewStringValue(obj.Get("source").String()),
			"flags":  structpb.NewStringValue(obj.Get("flags").String()),
		}), nil

	case "Error":
		name := "Error"
		if n := obj.Get("name"); n != nil && !goja.IsUndefined(n) {
			name = n.String()
		}
		message := ""
		if m := obj.Get("message"); m != nil && !goja.IsUndefined(m) {
			message = m.String()
		}
		return tagged(tagError, map[string]*structpb.Value{
			"name":    structpb.NewStringValue(name),
			"message": structpb.NewStringValue(message),
		}), nil

	case "Array":
		// only present elements are written; holes come back from length
		keys := obj.Keys()
		names := make([]*structpb.Value, 0, len(keys))
		values := make([]*structpb.Value, 0, len(keys))
		for _, key := range keys {
			ev, err := w.encode(obj.Get(key), depth+1)
			if err != nil {
				return nil, err
			}
			names = append(names, structpb.NewStringValue(key))
			values = append(values, ev)
		}
		return tagged(tagArray, map[string]*structpb.Value{
			"n": structpb.NewNumberValue(float64(obj.Get("length").ToInteger())),
			"k": list(names),
			"v": list(values),
		}), nil

	case "Map":
		var keys, values []*structpb.Value
		var failure error
		cb := vm.ToValue(func(call goja.FunctionCall) goja.Value {
			if failure != nil {
				return goja.Undefined()
			}
			k, err := w.encode(call.Argument(1), depth+1)
			if err != nil {
				failure = err
				return goja.Undefined()
			}
			v, err := w.encode(call.Argument(0), depth+1)
			if err != nil {
				failure = err
				return goja.Undefined()
			}
			keys = append(keys, k)
			values = append(values, v)
			return goja.Undefined()
		})
		if _, err := w.c.mapForEach(obj, cb); err != nil {
			return nil, err
		}
		if failure != nil {
			return nil, failure
		}
		return tagged(tagMap, map[string]*structpb.Value{"k": list(keys), "v": list(values)}), nil

	case "Set":
		var values []*structpb.Value
		var failure error
		cb := vm.ToValue(func(call goja.FunctionCall) goja.Value {
			if failure != nil {
				return goja.Undefined()
			}
			v, err := w.encode(call.Argument(0), depth+1)
			if err != nil {
				failure = err
				return goja.Undefined()
			}
			values = append(values, v)
			return goja.Undefined()
		})
		if _, err := w.c.setForEach(obj, cb); err != nil {
			return nil, err
		}
		if failure != nil {
			return nil, failure
		}
		return tagged(tagSet, map[string]*structpb.Value{"v": list(values)}), nil
	}

	// plain object: own enumerable string keys, in order
	keys := obj.Keys()
	names := make([]*structpb.Value, 0, len(keys))
	values := make([]*structpb.Value, 0, len(keys))
	for _, key := range keys {
		ev, err := w.encode(obj.Get(key), depth+1)
		if err != nil {
			return nil, err
		}
		names = append(names, structpb.NewStringValue(key))
		values = append(values, ev)
	}
	return tagged(tagObject, map[string]*structpb.Value{"k": list(names), "v": list(values)}), nil
}

func (w *writer) callPrimitive(fn goja.Callable, obj *goja.Object, depth int) (*structpb.Value, error) {
	p, err := fn(obj)
	if err != nil {
		return nil, err
	}
	return w.encode(p, depth)
}

type reader struct {
	c       *Structured
	objects []*goja.Object
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

func (r *reader) decode(node *structpb.Value, depth int) (goja.Value, error) {
	if node == nil {
		return nil, malformed("missing node")
	}
	// nesting is bounded on write; this guards against crafted payloads
	if depth > r.c.maxDepth {
		return nil, malformed("payload nested deeper than %d", r.c.maxDepth)
	}
	vm := r.c.vm
	switch k := node.GetKind().(type) {
	case *structpb.Value_NullValue:
		return goja.Null(), nil
	case *structpb.Value_BoolValue:
		return vm.ToValue(k.BoolValue), nil
	case *structpb.Value_NumberValue:
		return vm.ToValue(k.NumberValue), nil
	case *structpb.Value_StringValue:
		return vm.ToValue(k.StringValue), nil
	case *structpb.Value_StructValue:
		return r.decodeTagged(k.StructValue.GetFields(), depth)
	default:
		return nil, malformed("unexpected node kind %T", k)
	}
}

func (r *reader) decodeTagged(fields map[string]*structpb.Value, depth int) (goja.Value, error) {
	vm := r.c.vm
	tag := fields["t"].GetStringValue()
	switch tag {
	case tagUndefined:
		return goja.Undefined(), nil

	case tagBigInt:
		n, ok := new(big.Int).SetString(fields["v"].GetStringValue(), 10)
		if !ok {
			return nil, malformed("invalid bigint %q", fields["v"].GetStringValue())
		}
		return vm.ToValue(n), nil

	case tagRef:
		f := fields["i"].GetNumberValue()
		i := int(f)
		if float64(i) != f || i < 0 || i >= len(r.objects) {
			return nil, malformed("dangling reference %v", f)
		}
		return r.objects[i], nil

	case tagDate:
		ms := fields["v"].GetNumberValue()
		if fields["v"] == nil {
			ms = math.NaN()
		}
		obj, err := vm.New(r.c.dateCtor, vm.ToValue(ms))
		if err != nil {
			return nil, err
		}
		r.objects = append(r.objects, obj)
		return obj, nil

	case tagRegExp:
		obj, err := vm.New(r.c.regexpCtor,
			vm.ToValue(fields["source"].GetStringValue()),
			vm.ToValue(fields["flags"].GetStringValue()))
		if err != nil {
			return nil, malformed("regexp: %v", err)
		}
		r.objects = append(r.objects, obj)
		return obj, nil

	case tagError:
		name := fields["name"].GetStringValue()
		ctor, standard := r.c.errorCtorMap[name]
		if !standard {
			ctor = r.c.errorCtorMap["Error"]
		}
		obj, err := vm.New(ctor, vm.ToValue(fields["message"].GetStringValue()))
		if err != nil {
			return nil, err
		}
		if !standard {
			if err := obj.Set("name", name); err != nil {
				return nil, err
			}
		}
		r.objects = append(r.objects, obj)
		return obj, nil

	case tagArray:
		n := fields["n"].GetNumberValue()
		if n < 0 || n > maxArrayLength || n != math.Trunc(n) {
			return nil, malformed("invalid array length %v", n)
		}
		keys := fields["k"].GetListValue().GetValues()
		values := fields["v"].GetListValue().GetValues()
		if len(keys) != len(values) {
			return nil, malformed("array has %d keys and %d values", len(keys), len(values))
		}
		obj := vm.NewArray()
		r.objects = append(r.objects, obj)
		for i, key := range keys {
			v, err := r.decode(values[i], depth+1)
			if err != nil {
				return nil, err
			}
			if err := obj.Set(key.GetStringValue(), v); err != nil {
				return nil, err
			}
		}
		if err := obj.Set("length", n); err != nil {
			return nil, err
		}
		return obj, nil

	case tagObject:
		obj := vm.NewObject()
		r.objects = append(r.objects, obj)
		keys := fields["k"].GetListValue().GetValues()
		values := fields["v"].GetListValue().GetValues()
		if len(keys) != len(values) {
			return nil, malformed("object has %d keys and %d values", len(keys), len(values))
		}
		for i, key := range keys {
			v, err := r.decode(values[i], depth+1)
			if err != nil {
				return nil, err
			}
			if err := obj.Set(key.GetStringValue(), v); err != nil {
				return nil, err
			}
		}
		return obj, nil

	case tagMap:
		obj, err := vm.New(r.c.mapCtor)
		if err != nil {
			return nil, err
		}
		r.objects = append(r.objects, obj)
		keys := fields["k"].GetListValue().GetValues()
		values := fields["v"].GetListValue().GetValues()
		if len(keys) != len(values) {
			return nil, malformed("map has %d keys and %d values", len(keys), len(values))
		}
		for i := range keys {
			k, err := r.decode(keys[i], depth+1)
			if err != nil {
				return nil, err
			}
			v, err := r.decode(values[i], depth+1)
			if err != nil {
				return nil, err
			}
			if _, err := r.c.mapSet(obj, k, v); err != nil {
				return nil, err
			}
		}
		return obj, nil

	case tagSet:
		obj, err := vm.New(r.c.setCtor)
		if err != nil {
			return nil, err
		}
		r.objects = append(r.objects, obj)
		for _, ev := range fields["v"].GetListValue().GetValues() {
			v, err := r.decode(ev, depth+1)
			if err != nil {
				return nil, err
			}
			if _, err := r.c.setAdd(obj, v); err != nil {
				return nil, err
			}
		}
		return obj, nil

	default:
		return nil, malformed("unknown node tag %q", tag)
	}
}

var _ Codec = (*Structured)(nil)
