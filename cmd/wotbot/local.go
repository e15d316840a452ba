package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/isdmx/wotbot/orchestrator"
	"github.com/isdmx/wotbot/sandbox"
	"github.com/isdmx/wotbot/types"
)

type messenger interface {
	Do(ctx context.Context, sessionID, text string) (orchestrator.Reply, error)
}

func newChatCmd(opts *rootOptions) *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the assistant from the terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}

			var d *orchestrator.Dispatcher
			app := fx.New(coreOptions(cfg), fx.Populate(&d))
			if err := app.Err(); err != nil {
				return err
			}
			if err := app.Start(cmd.Context()); err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), fx.DefaultTimeout)
				defer cancel()
				_ = app.Stop(ctx)
			}()

			return runChat(cmd.Context(), d, sessionID, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "cli", "Session identifier")
	return cmd
}

// runChat reads one message per line until EOF or /quit.
func runChat(ctx context.Context, m messenger, sessionID string, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	prompt := func() { fmt.Fprint(out, "> ") }

	prompt()
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			prompt()
			continue
		case "/quit", "/exit":
			return nil
		}

		reply, err := m.Do(ctx, sessionID, line)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		} else {
			for _, chunk := range reply.Chunks {
				fmt.Fprintln(out, chunk)
			}
		}
		prompt()
	}
	return scanner.Err()
}

func newExecCmd(opts *rootOptions) *cobra.Command {
	var language string

	cmd := &cobra.Command{
		Use:   "exec [file]",
		Short: "Run one snippet in the sandbox (reads stdin without a file)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := readSource(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			cfg, err := opts.load()
			if err != nil {
				return err
			}

			var executor *sandbox.IsolatedExecutor
			app := fx.New(coreOptions(cfg), fx.Populate(&executor))
			if err := app.Err(); err != nil {
				return err
			}

			res := executor.Execute(cmd.Context(), sandbox.ExecuteRequest{Language: language, Code: code})
			return printResult(cmd.OutOrStdout(), cmd.ErrOrStderr(), res)
		},
	}
	cmd.Flags().StringVarP(&language, "language", "l", sandbox.LanguagePython, "Script language (python or javascript)")
	return cmd
}

func readSource(stdin io.Reader, args []string) (string, error) {
	var (
		data []byte
		err  error
	)
	if len(args) == 0 || args[0] == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return "", fmt.Errorf("failed to read source: %w", err)
	}
	return string(data), nil
}

func printResult(out, errOut io.Writer, res sandbox.ExecuteResult) error {
	fmt.Fprint(out, res.Stdout)
	fmt.Fprint(errOut, res.Stderr)
	if res.Value != "" {
		fmt.Fprintf(out, "=> %s\n", res.Value)
	}
	if res.Outcome != types.OutcomeSuccess {
		return fmt.Errorf("%s (%s): %s", res.Outcome, res.Kind, res.Reason)
	}
	return nil
}

func newConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			data, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
