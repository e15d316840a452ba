package tools

import (
	"context"
	"strings"

	"github.com/isdmx/wotbot/sandbox"
	"github.com/isdmx/wotbot/types"
)

// RunCodeName is the name of the sandbox tool.
const RunCodeName = "run_code"

// RunCode returns the descriptor of the tool that executes a script in the
// sandbox. languages is advertised to the model but not enforced here; the
// executor denies anything it cannot run.
func RunCode(executor sandbox.SandboxExecutor, languages []string) Descriptor {
	languageHelp := "Script language"
	if len(languages) > 0 {
		languageHelp += " (one of: " + strings.Join(languages, ", ") + ")"
	}
	return Descriptor{
		Name: RunCodeName,
		Description: "Execute a short script in an isolated sandbox and return its output. " +
			"Use print/console.log for output; the value of the last expression is returned as 'value'. " +
			"No filesystem or network access; only allow-listed modules can be imported.",
		Params: []Param{
			{Name: "language", Type: TypeString, Required: true, Description: languageHelp},
			{Name: "code", Type: TypeString, Required: true, Description: "Source code to execute"},
		},
		Handler: HandlerFunc(func(ctx context.Context, args Args) (any, error) {
			res := executor.Execute(ctx, sandbox.ExecuteRequest{
				Language: args.String("language"),
				Code:     args.String("code"),
			})
			if res.Outcome != types.OutcomeSuccess {
				msg := res.Reason
				if res.Outcome == types.OutcomeExecutionError && res.Stderr != "" {
					msg += "\nstderr: " + res.Stderr
				}
				return nil, &Error{Outcome: res.Outcome, Kind: res.Kind, Message: msg}
			}

			payload := map[string]any{
				"stdout":      res.Stdout,
				"stderr":      res.Stderr,
				"duration_ms": res.Duration.Milliseconds(),
			}
			if res.Value != "" {
				payload["value"] = res.Value
			}
			return payload, nil
		}),
	}
}
