package sandbox

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/isdmx/wotbot/types"
)

// Globals removed from every JavaScript runtime before the script runs.
var javascriptStripped = []string{"eval", "Function"}

// runJavaScript evaluates req.Source in a fresh goja runtime. console
// output is captured and the value of the last expression is returned.
func runJavaScript(req workerRequest) workerResponse {
	vm := goja.New()
	vm.SetMaxCallStackSize(1024)

	stdout := newBoundedBuffer(req.MaxOutputBytes)
	stderr := newBoundedBuffer(req.MaxOutputBytes)

	console := vm.NewObject()
	_ = console.Set("log", printer(stdout))
	_ = console.Set("info", printer(stdout))
	_ = console.Set("debug", printer(stdout))
	_ = console.Set("warn", printer(stderr))
	_ = console.Set("error", printer(stderr))
	_ = vm.Set("console", console)

	global := vm.GlobalObject()
	for _, name := range javascriptStripped {
		_ = global.Delete(name)
	}

	if req.TimeoutMS > 0 {
		timer := time.AfterFunc(time.Duration(req.TimeoutMS)*time.Millisecond, func() {
			vm.Interrupt(KindTimeout)
		})
		defer timer.Stop()
	}

	value, err := vm.RunString(req.Source)

	resp := workerResponse{Status: statusOK}
	if err != nil {
		resp = javascriptFailure(err)
	} else {
		resp.Result = types.Truncate(renderJavaScript(value), req.MaxOutputBytes)
	}
	resp.Stdout = stdout.Text()
	resp.Stderr = stderr.Text()
	return resp
}

func javascriptFailure(err error) workerResponse {
	var (
		interrupted *goja.InterruptedError
		exception   *goja.Exception
		syntax      *goja.CompilerSyntaxError
	)
	switch {
	case errors.As(err, &interrupted):
		return failure(KindTimeout, "execution interrupted")
	case errors.As(err, &syntax):
		return failure("SyntaxError", syntax.Error())
	case errors.As(err, &exception):
		kind := "Error"
		if obj, ok := exception.Value().(*goja.Object); ok {
			if name := obj.Get("name"); name != nil && !goja.IsUndefined(name) {
				kind = name.String()
			}
		}
		return failure(kind, exception.Error())
	default:
		return failure("Error", err.Error())
	}
}

func renderJavaScript(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	switch exported := v.Export().(type) {
	case string:
		return exported
	case map[string]any, []any:
		if data, err := json.Marshal(exported); err == nil {
			return string(data)
		}
	}
	return v.String()
}

func printer(w *boundedBuffer) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = renderJavaScript(arg)
			if goja.IsUndefined(arg) {
				parts[i] = "undefined"
			} else if goja.IsNull(arg) {
				parts[i] = "null"
			}
		}
		_, _ = w.Write([]byte(strings.Join(parts, " ") + "\n"))
		return goja.Undefined()
	}
}
