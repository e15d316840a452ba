package main

import (
	"github.com/spf13/cobra"

	"github.com/isdmx/wotbot/config"
)

type rootOptions struct {
	configPath string
}

func (o *rootOptions) load() (*config.Config, error) {
	return config.Load(o.configPath)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:          "wotbot",
		Short:        "Conversational assistant with sandboxed code execution",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to the configuration file (default ./config.yaml or ./config/config.yaml)")

	cmd.AddCommand(
		newServeCmd(opts),
		newChatCmd(opts),
		newExecCmd(opts),
		newConfigCmd(opts),
	)
	return cmd
}
