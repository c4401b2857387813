package main

import (
	"context"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-warplock/v1/debounce"
)

func newDebounceCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "debounce ID -- COMMAND [ARGS...]",
		Short: "Run a command only if no other call with ID follows within the window",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, cleanup, err := a.cfg.openSetup(a.logger)
			if err != nil {
				return err
			}
			defer cleanup()

			id := args[0]
			d := debounce.New[[]string](s.Counter, id, execCommand,
				debounce.WithWait(a.v.GetDuration("wait")),
				debounce.WithLogger(a.logger),
			)
			fired, err := d.Call(cmd.Context(), args[1:])
			if !fired && err == nil {
				a.logger.Info("superseded by a later call", "id", id)
			}
			return err
		},
	}
	cmd.Flags().Duration("wait", time.Second, "debounce window")
	return cmd
}

func execCommand(ctx context.Context, argv []string) error {
	c := exec.CommandContext(ctx, argv[0], argv[1:]...)
	c.Stdin, c.Stdout, c.Stderr = os.Stdin, os.Stdout, os.Stderr
	return c.Run()
}
