package validate

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/renflow/runner/cmd/renflow/internal"
)

func NewValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := internal.LoadConfig()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d adapters, %d queues, gateway %s\n",
				internal.ConfigPath, len(cfg.Adapters), len(cfg.Queues), gatewayState(cfg.Gateway.Enabled, cfg.Gateway.Addr()))
			return nil
		},
	}
}

func gatewayState(enabled bool, addr string) string {
	if !enabled {
		return "disabled"
	}
	return "on " + addr
}
