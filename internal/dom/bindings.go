package dom

import (
	"errors"
	"math"

	"github.com/dop251/goja"

	"github.com/joeycumines/navhist/internal/history"
)

// Install exposes the window to script: the global object gains window,
// history and location, plus addEventListener, removeEventListener,
// onpopstate and onhashchange.
func (w *Window) Install() error {
	vm := w.vm
	global := vm.GlobalObject()

	if err := global.Set("window", global); err != nil {
		return err
	}
	if err := global.Set("addEventListener", func(call goja.FunctionCall) goja.Value {
		w.events.AddEventListener(call.Argument(0).String(), call.Argument(1))
		return goja.Undefined()
	}); err != nil {
		return err
	}
	if err := global.Set("removeEventListener", func(call goja.FunctionCall) goja.Value {
		w.events.RemoveEventListener(call.Argument(0).String(), call.Argument(1))
		return goja.Undefined()
	}); err != nil {
		return err
	}
	for _, typ := range []string{"popstate", "hashchange"} {
		if err := w.defineHandler(global, typ); err != nil {
			return err
		}
	}

	historyObj, err := w.historyObject()
	if err != nil {
		return err
	}
	if err := global.Set("history", historyObj); err != nil {
		return err
	}

	locationObj, err := w.locationObject()
	if err != nil {
		return err
	}
	return global.Set("location", locationObj)
}

func (w *Window) defineHandler(obj *goja.Object, typ string) error {
	vm := w.vm
	getter := vm.ToValue(func(goja.FunctionCall) goja.Value {
		return w.events.Handler(typ)
	})
	setter := vm.ToValue(func(call goja.FunctionCall) goja.Value {
		w.events.SetHandler(typ, call.Argument(0))
		return goja.Undefined()
	})
	return obj.DefineAccessorProperty("on"+typ, getter, setter, goja.FLAG_TRUE, goja.FLAG_TRUE)
}

func (w *Window) historyObject() (*goja.Object, error) {
	vm := w.vm
	h := w.history
	obj := vm.NewObject()

	getters := map[string]func() goja.Value{
		"state": func() goja.Value {
			v, err := h.State()
			if err != nil {
				w.throw(err)
			}
			return v
		},
		"length": func() goja.Value {
			n, err := h.Length()
			if err != nil {
				w.throw(err)
			}
			return vm.ToValue(n)
		},
	}
	for _, name := range []string{"state", "length"} {
		get := getters[name]
		if err := obj.DefineAccessorProperty(name, vm.ToValue(func(goja.FunctionCall) goja.Value {
			return get()
		}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
			return nil, err
		}
	}

	methods := map[string]func(goja.FunctionCall) goja.Value{
		"go": func(call goja.FunctionCall) goja.Value {
			w.check(h.Go(toLong(call.Argument(0))))
			return goja.Undefined()
		},
		"back": func(goja.FunctionCall) goja.Value {
			w.check(h.Back())
			return goja.Undefined()
		},
		"forward": func(goja.FunctionCall) goja.Value {
			w.check(h.Forward())
			return goja.Undefined()
		},
		"pushState": func(call goja.FunctionCall) goja.Value {
			w.check(h.PushState(call.Argument(0), call.Argument(1).String(), optionalString(call.Argument(2))))
			return goja.Undefined()
		},
		"replaceState": func(call goja.FunctionCall) goja.Value {
			w.check(h.ReplaceState(call.Argument(0), call.Argument(1).String(), optionalString(call.Argument(2))))
			return goja.Undefined()
		},
	}
	for name, fn := range methods {
		if err := obj.Set(name, fn); err != nil {
			return nil, err
		}
	}
	return obj, nil
}

func (w *Window) locationObject() (*goja.Object, error) {
	vm := w.vm
	doc := w.document
	obj := vm.NewObject()

	parts := map[string]func() string{
		"href":     func() string { return doc.URL().String() },
		"protocol": func() string { return doc.URL().Scheme + ":" },
		"host":     func() string { return doc.URL().Host },
		"hostname": func() string { return doc.URL().Hostname() },
		"port":     func() string { return doc.URL().Port() },
		"pathname": func() string { return doc.URL().EscapedPath() },
		"search": func() string {
			if q := doc.URL().RawQuery; q != "" {
				return "?" + q
			}
			return ""
		},
		"hash": func() string {
			if f := doc.URL().EscapedFragment(); f != "" {
				return "#" + f
			}
			return ""
		},
		"origin": func() string {
			u := doc.URL()
			if u.Host == "" {
				return "null"
			}
			return u.Scheme + "://" + u.Host
		},
	}
	for name, get := range parts {
		if err := obj.DefineAccessorProperty(name, vm.ToValue(func(goja.FunctionCall) goja.Value {
			return vm.ToValue(get())
		}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
			return nil, err
		}
	}
	if err := obj.Set("reload", func(goja.FunctionCall) goja.Value {
		doc.Reload()
		return goja.Undefined()
	}); err != nil {
		return nil, err
	}
	if err := obj.Set("toString", func(goja.FunctionCall) goja.Value {
		return vm.ToValue(doc.URL().String())
	}); err != nil {
		return nil, err
	}
	return obj, nil
}

// optionalString maps an absent, undefined or null argument to nil.
// toLong converts v as a WebIDL long: truncated, then wrapped modulo 2^32
// into the signed 32-bit range.
func toLong(v goja.Value) int {
	f := v.ToFloat()
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	f = math.Mod(math.Trunc(f), 1<<32)
	return int(int32(uint32(int64(f))))
}

func optionalString(v goja.Value) *string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	s := v.String()
	return &s
}

func (w *Window) check(err error) {
	if err != nil {
		w.throw(err)
	}
}

// throw raises err in script. Named errors become Error objects carrying
// the name; exceptions are rethrown unchanged.
func (w *Window) throw(err error) {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		panic(ex)
	}
	var herr *history.Error
	if errors.As(err, &herr) {
		panic(w.namedError(herr.Name, herr.Message))
	}
	panic(w.vm.NewGoError(err))
}

func (w *Window) namedError(name, message string) goja.Value {
	obj, err := w.vm.New(w.vm.Get("Error"), w.vm.ToValue(message))
	if err != nil {
		return w.vm.ToValue(message)
	}
	_ = obj.Set("name", name)
	return obj
}
