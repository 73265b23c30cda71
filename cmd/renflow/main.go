// Renflow - event runner connecting chat bots, schedules and job queues
// through one in-process event bus.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/renflow/runner/cmd/renflow/internal"
	"github.com/renflow/runner/cmd/renflow/internal/run"
	"github.com/renflow/runner/cmd/renflow/internal/validate"
	"github.com/renflow/runner/cmd/renflow/internal/version"
)

func NewRenflowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "renflow",
		Short:   fmt.Sprintf("renflow - event runner v%s", internal.GetVersion()),
		Example: "renflow run --config renflow.yaml",
	}

	cmd.PersistentFlags().StringVarP(&internal.ConfigPath, "config", "c", internal.DefaultConfigPath, "Path to the YAML config file")

	cmd.AddCommand(
		run.NewRunCommand(),
		validate.NewValidateCommand(),
		version.NewVersionCommand(),
	)
	return cmd
}

func main() {
	cmd := NewRenflowCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
