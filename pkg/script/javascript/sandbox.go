package javascript

import (
	"fmt"

	"github.com/dop251/goja"
)

// dangerousGlobals are host escape hatches a script must never see.
var dangerousGlobals = []string{
	"require",
	"module",
	"exports",
	"process",
	"global",
	"__dirname",
	"__filename",
	"Buffer",
	"setImmediate",
	"clearImmediate",
}

// builtinGlobals survive the reset between pooled executions.
var builtinGlobals = []string{
	"Object", "Array", "Function", "String", "Number", "Boolean",
	"Date", "RegExp", "Error", "TypeError", "RangeError", "SyntaxError",
	"Math", "JSON", "parseInt", "parseFloat", "isNaN", "isFinite",
	"decodeURI", "decodeURIComponent", "encodeURI", "encodeURIComponent",
	"undefined", "NaN", "Infinity", "ArrayBuffer", "Uint8Array", "Symbol",
	"Map", "Set", "Promise", "Reflect", "Proxy", "eval",
}

// applySandbox strips host globals and freezes built-in prototypes.
func applySandbox(vm *goja.Runtime, strict bool) error {
	for _, name := range dangerousGlobals {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}

	if strict {
		err := vm.Set("eval", func(goja.FunctionCall) goja.Value {
			panic(vm.NewTypeError("eval is not allowed"))
		})
		if err != nil {
			return fmt.Errorf("failed to restrict eval: %w", err)
		}
	}

	_, err := vm.RunString(`
		(function() {
			var names = ['Object', 'Array', 'Function', 'String', 'Number', 'Boolean', 'Date', 'RegExp', 'Error', 'Math'];
			for (var i = 0; i < names.length; i++) {
				var obj = this[names[i]];
				if (obj) {
					Object.freeze(obj);
					if (obj.prototype) {
						Object.freeze(obj.prototype);
					}
				}
			}
		})()
	`)
	if err != nil {
		return fmt.Errorf("failed to freeze built-ins: %w", err)
	}
	return nil
}

const resetScript = `
	(function(keep) {
		var globals = Object.getOwnPropertyNames(this);
		for (var i = 0; i < globals.length; i++) {
			if (keep.indexOf(globals[i]) === -1) {
				try {
					delete this[globals[i]];
				} catch (e) {}
			}
		}
	})
`

// resetGlobals deletes every global a previous script defined.
func resetGlobals(vm *goja.Runtime) error {
	fnVal, err := vm.RunString(resetScript)
	if err != nil {
		return err
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return fmt.Errorf("reset script is not a function")
	}
	keep := append(append([]string(nil), builtinGlobals...), dangerousGlobals...)
	_, err = fn(vm.GlobalObject(), vm.ToValue(keep))
	return err
}
