package photon

import (
	"context"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/portel-dev/photonctl/internal/photon/sourceparser"
)

// LoadTimeout is the maximum time Registry.Load allows a module to evaluate
// and instantiate before it is interrupted, per spec.md §4.1/§5.
const LoadTimeout = 10 * time.Second

// YieldFunc is invoked by user code during an invocation to emit a
// progress/status/log event. AskFunc is invoked to suspend on an
// elicitation round-trip and resolve with the client's answer.
type (
	YieldFunc func(method string, params map[string]any)
	AskFunc   func(ctx context.Context, prompt map[string]any) (map[string]any, error)
)

// Handle is a live, loaded photon: the runtime counterpart to a ready
// Descriptor. One Handle per goja.Runtime, so photons are isolated from each
// other the same way r3e's gojaScriptEngine isolates script executions.
type Handle struct {
	vm       *goja.Runtime
	instance goja.Value
	methods  map[string]goja.Callable
}

// Loader evaluates photon source in-process using goja (a pure-Go ECMAScript
// runtime), grounded on r3e-network-service_layer's gojaScriptEngine: each
// photon gets its own goja.Runtime, the default export is instantiated with
// the resolved configuration values as positional constructor arguments, and
// the load timeout is enforced via
// vm.Interrupt from a timer goroutine rather than a context-aware VM API
// (goja has none).
type Loader struct{}

// NewLoader constructs the goja-backed Loader.
func NewLoader() *Loader { return &Loader{} }

// Load evaluates src, instantiates its default export with config (each
// declared constructor parameter receives config[name] at its position,
// undefined when absent), and walks the instance's prototype chain for
// function-valued properties to build the method table. It enforces
// LoadTimeout by interrupting the runtime.
func (l *Loader) Load(src string, config map[string]any) (*Handle, error) {
	vm := goja.New()
	registerGlobals(vm)

	timer := time.AfterFunc(LoadTimeout, func() {
		vm.Interrupt(fmt.Errorf("load timed out after %s", LoadTimeout))
	})
	defer timer.Stop()

	wrapped := wrapAsDefaultExport(src)
	exported, err := vm.RunString(wrapped)
	if err != nil {
		return nil, fmt.Errorf("evaluate module: %w", err)
	}

	ctor, ok := goja.AssertConstructor(exported)
	if !ok {
		return nil, fmt.Errorf("default export is not a constructor")
	}

	declared, err := sourceparser.NewHeuristic().Parse([]byte(src))
	if err != nil {
		return nil, fmt.Errorf("parse constructor params: %w", err)
	}
	args := make([]goja.Value, len(declared.Params))
	for i, p := range declared.Params {
		args[i] = goja.Undefined()
		if v, ok := config[p.Name]; ok {
			args[i] = vm.ToValue(v)
		}
	}
	instance, err := ctor(nil, args...)
	if err != nil {
		return nil, fmt.Errorf("instantiate: %w", err)
	}

	methods, err := reflectMethods(vm, instance)
	if err != nil {
		return nil, err
	}

	return &Handle{vm: vm, instance: instance, methods: methods}, nil
}

// wrapAsDefaultExport evaluates the photon source as a CommonJS-ish module
// body (populating a local "module.exports") and returns the resulting
// export expression so the Loader can treat any photon file uniformly,
// whether it ends with "export default class ..." or "module.exports = ...".
func wrapAsDefaultExport(src string) string {
	return fmt.Sprintf(`(function(){
var module = { exports: {} };
var exports = module.exports;
%s
return module.exports;
})()`, src)
}

// Invoke calls method on handle's instance, looking it up in the method
// table built at load. A prototype method shadowed by a non-function own
// property of the same name is not in that table and is reported as not
// found. yield/ask are bound as globals for the duration of the call
// so user code can call them synchronously (goja has no native async/await
// event loop integration; yields happen inline).
func (h *Handle) Invoke(ctx context.Context, method string, args map[string]any, yield YieldFunc, ask AskFunc) (any, error) {
	fn, ok := h.methods[method]
	if !ok {
		return nil, fmt.Errorf("method %q not found", method)
	}

	bindCallbacks(h.vm, yield, ask)
	defer unbindCallbacks(h.vm)

	result, err := fn(h.instance, h.vm.ToValue(args))
	if err != nil {
		return nil, err
	}
	return result.Export(), nil
}

// Shutdown invokes an optional "shutdown" hook on the instance, tolerating
// its absence.
func (h *Handle) Shutdown() {
	if fn, ok := h.methods["shutdown"]; ok {
		_, _ = fn(h.instance)
	}
}

// methodNameWalker lists every function-valued property reachable from an
// instance, walking the prototype chain up to (but excluding) Object.prototype.
// obj.Keys() alone only sees own properties; ES6 class methods live on the
// class prototype, not the instance, so a plain own-key scan would find
// nothing callable on a conventionally authored class-based photon.
const methodNameWalker = `(function(instance) {
	var names = [];
	var seen = {};
	var proto = instance;
	while (proto && proto !== Object.prototype) {
		var own = Object.getOwnPropertyNames(proto);
		for (var i = 0; i < own.length; i++) {
			var key = own[i];
			if (key === "constructor" || seen[key]) continue;
			seen[key] = true;
			if (typeof proto[key] === "function") {
				names.push(key);
			}
		}
		proto = Object.getPrototypeOf(proto);
	}
	return names;
})`

func reflectMethods(vm *goja.Runtime, instance goja.Value) (map[string]goja.Callable, error) {
	walker, err := vm.RunString(methodNameWalker)
	if err != nil {
		return nil, fmt.Errorf("compile method walker: %w", err)
	}
	walkFn, ok := goja.AssertFunction(walker)
	if !ok {
		return nil, fmt.Errorf("internal: method walker is not callable")
	}
	namesVal, err := walkFn(goja.Undefined(), instance)
	if err != nil {
		return nil, fmt.Errorf("walk methods: %w", err)
	}
	var names []string
	if err := vm.ExportTo(namesVal, &names); err != nil {
		return nil, fmt.Errorf("export method names: %w", err)
	}

	obj := instance.ToObject(vm)
	methods := make(map[string]goja.Callable)
	for _, name := range names {
		if fn, ok := goja.AssertFunction(obj.Get(name)); ok {
			methods[name] = fn
		}
	}
	return methods, nil
}

func registerGlobals(vm *goja.Runtime) {
	console := vm.NewObject()
	_ = console.Set("log", func(call goja.FunctionCall) goja.Value { return goja.Undefined() })
	_ = vm.Set("console", console)
}

func bindCallbacks(vm *goja.Runtime, yield YieldFunc, ask AskFunc) {
	if yield != nil {
		_ = vm.Set("yield", func(method string, params map[string]any) {
			yield(method, params)
		})
	}
	if ask != nil {
		_ = vm.Set("ask", func(prompt map[string]any) (map[string]any, error) {
			return ask(context.Background(), prompt)
		})
	}
}

func unbindCallbacks(vm *goja.Runtime) {
	_ = vm.Set("yield", goja.Undefined())
	_ = vm.Set("ask", goja.Undefined())
}
