package compiler

import (
	"encoding/json"
	"fmt"

	"github.com/dop251/goja"

	"github.com/disruptek/kernelcore/internal/kernelerrors"
)

// Instance is one running goja VM bound to a compiled Module, owned by
// exactly one supervisor worker goroutine (spec.md §9's actor-per-service
// design note — never shared across goroutines).
type Instance struct {
	module  Module
	vm      *goja.Runtime
	handler goja.Callable
	changer goja.Callable // optional, nil if code_change is not defined
	logs    []string
}

// Start loads module into a fresh VM, calls start_link(initArg), and binds
// the returned object's handle (and optional code_change) methods. The
// returned state is whatever start_link returned, exported to a Go value.
func Start(module Module, initArg interface{}) (*Instance, interface{}, error) {
	inst := &Instance{module: module, vm: goja.New()}

	console := inst.vm.NewObject()
	_ = console.Set("log", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, a := range call.Arguments {
			parts[i] = a.String()
		}
		inst.logs = append(inst.logs, fmt.Sprint(parts))
		return goja.Undefined()
	})
	_ = inst.vm.Set("console", console)

	if _, err := inst.vm.RunString(module.Source); err != nil {
		return nil, nil, kernelerrors.CompileFailed(err)
	}

	startLink, ok := goja.AssertFunction(inst.vm.Get(EntryPoint))
	if !ok {
		return nil, nil, kernelerrors.CompileFailed(fmt.Errorf("%s is not a function", EntryPoint))
	}

	result, err := startLink(goja.Undefined(), inst.vm.ToValue(initArg))
	if err != nil {
		return nil, nil, kernelerrors.Wrap(kernelerrors.CodeCompileFailure, "start_link failed", err)
	}

	resultObj := result.ToObject(inst.vm)
	handleVal := resultObj.Get("handle")
	handler, ok := goja.AssertFunction(handleVal)
	if !ok {
		return nil, nil, kernelerrors.CompileFailed(fmt.Errorf("start_link result does not expose a handle function"))
	}
	inst.handler = handler

	if changeVal := resultObj.Get("code_change"); changeVal != nil && !goja.IsUndefined(changeVal) {
		if changer, ok := goja.AssertFunction(changeVal); ok {
			inst.changer = changer
		}
	}

	return inst, exportValue(result), nil
}

// HandleMessage invokes the module's handle(state, message) and returns the
// new state, exported by exportValue: an object result is returned as the
// exported map, and any other result is round-tripped through JSON into a
// plain Go value.
func (i *Instance) HandleMessage(state, message interface{}) (interface{}, error) {
	result, err := i.handler(goja.Undefined(), i.vm.ToValue(state), i.vm.ToValue(message))
	if err != nil {
		return nil, kernelerrors.Wrap(kernelerrors.CodeValidation, "handle failed", err)
	}
	return exportValue(result), nil
}

// SupportsCodeChange reports whether the module defined a code_change hook.
func (i *Instance) SupportsCodeChange() bool {
	return i.changer != nil
}

// CodeChange invokes the module's code_change(oldState) hook, used by the
// hot-swap watchdog to migrate state into a newly swapped-in module version.
func (i *Instance) CodeChange(oldState interface{}) (interface{}, error) {
	if i.changer == nil {
		return oldState, nil
	}
	result, err := i.changer(goja.Undefined(), i.vm.ToValue(oldState))
	if err != nil {
		return nil, kernelerrors.Wrap(kernelerrors.CodeCompileFailure, "code_change failed", err)
	}
	return exportValue(result), nil
}

// Logs returns and clears console.log output accumulated since the last
// call, used for per-invocation diagnostics.
func (i *Instance) Logs() []string {
	out := i.logs
	i.logs = nil
	return out
}

func exportValue(v goja.Value) interface{} {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	exported := v.Export()
	if _, ok := exported.(map[string]interface{}); ok {
		return exported
	}
	// Round-trip through JSON for complex/typed values so downstream state
	// storage always sees plain Go maps/slices/scalars.
	body, err := json.Marshal(exported)
	if err != nil {
		return exported
	}
	var plain interface{}
	if err := json.Unmarshal(body, &plain); err != nil {
		return exported
	}
	return plain
}
