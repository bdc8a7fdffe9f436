// Package runner implements module.Runner. GojaRunner executes a module's
// body as JavaScript through the goja VM, the same embedding the teacher
// codebase uses for its workflow script nodes.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/rakunlabs/at/internal/model"
	"github.com/rakunlabs/at/internal/module"
)

var _ module.Runner = (*GojaRunner)(nil)

// ModuleSource resolves a module's Path into the JavaScript source to run.
// Concrete RORI deployments usually back this with a directory of .js
// files on disk, keyed by module name.
type ModuleSource interface {
	Load(ctx context.Context, path string) (string, error)
}

// GojaRunner is the default module.Runner: it loads a module's body from a
// ModuleSource and evaluates it in a fresh goja VM per call.
//
// The script sees:
//
//	body        — the interaction body (string)
//	datatype    — the interaction datatype (string)
//	author      — the sending device's hash (string)
//	metadata    — the interaction's Metadatas map
//	reply(text) — queues a line to send back to the author
//	proceed(bool) — overrides whether the activation loop continues past
//	                this module's priority band (default true)
//
// The script's return value, if it returned a string, is treated as an
// implicit reply() call for scripts that don't need the richer API.
type GojaRunner struct {
	Source  ModuleSource
	Timeout time.Duration
}

// NewGojaRunner builds a GojaRunner with a default 5s per-module timeout.
func NewGojaRunner(source ModuleSource) *GojaRunner {
	return &GojaRunner{Source: source, Timeout: 5 * time.Second}
}

type gojaState struct {
	replies []string
	proceed bool
}

// Run satisfies module.Runner.
func (g *GojaRunner) Run(ctx context.Context, mod model.Module, in model.Interaction) (string, bool, error) {
	src, err := g.Source.Load(ctx, mod.Path)
	if err != nil {
		return "", true, fmt.Errorf("load module %q: %w", mod.Name, err)
	}

	timeout := g.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	state := &gojaState{proceed: true}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	if err := setupModuleVM(vm, mod, in, state); err != nil {
		return "", true, fmt.Errorf("setup vm for %q: %w", mod.Name, err)
	}

	done := make(chan error, 1)
	var value goja.Value
	go func() {
		defer close(done)
		v, err := vm.RunString(src)
		value = v
		done <- err
	}()

	select {
	case <-runCtx.Done():
		vm.Interrupt("module timed out")
		return "", true, fmt.Errorf("module %q: %w", mod.Name, runCtx.Err())
	case err := <-done:
		if err != nil {
			return "", true, fmt.Errorf("module %q: %w", mod.Name, err)
		}
	}

	if value != nil && !goja.IsUndefined(value) && !goja.IsNull(value) {
		if s, ok := value.Export().(string); ok && s != "" {
			state.replies = append(state.replies, s)
		}
	}

	reply := ""
	for i, r := range state.replies {
		if i > 0 {
			reply += "\n"
		}
		reply += r
	}

	return reply, state.proceed, nil
}

func setupModuleVM(vm *goja.Runtime, mod model.Module, in model.Interaction, state *gojaState) error {
	if err := vm.Set("body", in.Body); err != nil {
		return err
	}
	if err := vm.Set("datatype", in.Datatype); err != nil {
		return err
	}
	if err := vm.Set("author", in.DeviceAuthor.Hash); err != nil {
		return err
	}
	if err := vm.Set("metadata", in.Metadatas); err != nil {
		return err
	}
	if err := vm.Set("moduleName", mod.Name); err != nil {
		return err
	}

	if err := vm.Set("reply", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return goja.Undefined()
		}
		state.replies = append(state.replies, call.Arguments[0].String())
		return goja.Undefined()
	}); err != nil {
		return err
	}

	if err := vm.Set("proceed", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return goja.Undefined()
		}
		state.proceed = call.Arguments[0].ToBoolean()
		return goja.Undefined()
	}); err != nil {
		return err
	}

	if err := vm.Set("jsonParse", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return goja.Null()
		}
		var parsed any
		if err := json.Unmarshal([]byte(call.Arguments[0].String()), &parsed); err != nil {
			panic(vm.NewTypeError("jsonParse: " + err.Error()))
		}
		return vm.ToValue(parsed)
	}); err != nil {
		return err
	}

	return vm.Set("jsonStringify", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return vm.ToValue("")
		}
		data, err := json.Marshal(call.Arguments[0].Export())
		if err != nil {
			return vm.ToValue("")
		}
		return vm.ToValue(string(data))
	})
}
