package scripting

import (
	"context"
	"log/slog"

	"github.com/dop251/goja"
)

// installLog exposes the engine logger to scripts as the log global:
// log.debug/info/warn/error(msg, attrs), log.getLogs(n), log.search(q) and
// log.clear().
func (e *Engine) installLog(vm *goja.Runtime) error {
	obj := vm.NewObject()
	levels := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for name, level := range levels {
		if err := obj.Set(name, func(call goja.FunctionCall) goja.Value {
			e.logger.Log(context.Background(), level, call.Argument(0).String(), scriptAttrs(call.Argument(1))...)
			return goja.Undefined()
		}); err != nil {
			return err
		}
	}
	if err := obj.Set("getLogs", func(call goja.FunctionCall) goja.Value {
		return entriesValue(vm, e.logger.RecentLogs(int(call.Argument(0).ToInteger())))
	}); err != nil {
		return err
	}
	if err := obj.Set("search", func(call goja.FunctionCall) goja.Value {
		return entriesValue(vm, e.logger.SearchLogs(call.Argument(0).String()))
	}); err != nil {
		return err
	}
	if err := obj.Set("clear", func(goja.FunctionCall) goja.Value {
		e.logger.ClearLogs()
		return goja.Undefined()
	}); err != nil {
		return err
	}
	return vm.Set("log", obj)
}

func scriptAttrs(v goja.Value) []any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	m, ok := v.Export().(map[string]any)
	if !ok {
		return nil
	}
	args := make([]any, 0, 2*len(m))
	for k, val := range m {
		args = append(args, k, val)
	}
	return args
}

func entriesValue(vm *goja.Runtime, entries []LogEntry) goja.Value {
	out := make([]any, len(entries))
	for i, e := range entries {
		attrs := make(map[string]any, len(e.Attrs))
		for k, v := range e.Attrs {
			attrs[k] = v
		}
		out[i] = map[string]any{
			"time":    e.Time.UnixMilli(),
			"level":   e.Level.String(),
			"message": e.Message,
			"attrs":   attrs,
		}
	}
	return vm.ToValue(out)
}
