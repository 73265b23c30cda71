package run

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/renflow/runner/cmd/renflow/internal"
	"github.com/renflow/runner/pkg/app"
	"github.com/renflow/runner/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

func NewRunCommand() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:     "run",
		Aliases: []string{"r"},
		Short:   "Start the runner and block until interrupted",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCmd(cmd.Context(), debug)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

func runCmd(parent context.Context, debug bool) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if debug {
		cfg.Log.Level = "debug"
	}

	c, err := app.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Start(ctx); err != nil {
		_ = c.Stop(context.Background())
		return err
	}
	if c.Server != nil {
		fmt.Printf("✓ Gateway listening on http://%s\n", cfg.Gateway.Addr())
	}
	fmt.Println("Press Ctrl+C to stop")

	<-ctx.Done()
	logger.InfoC("app", "Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return c.Stop(shutdownCtx)
}
