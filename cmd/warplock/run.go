package main

import (
	"context"
	stdErrors "errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-warplock/v1/lock"
)

const releaseTimeout = 5 * time.Second

var errLockLost = stdErrors.New("lock lost while the command was running")

func newRunCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run KEY -- COMMAND [ARGS...]",
		Short: "Run a command while holding a lock",
		Long: `Acquire KEY, run COMMAND and release KEY when it exits. The lease is
extended in the background; if an extension is refused the command is
killed, since it no longer runs under the lock.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, args[0], args[1:])
		},
	}
	cmd.Flags().Duration("keepalive", 0, "interval between lease extensions (default a third of the lease)")
	cmd.Flags().String("metrics", "", "serve Prometheus metrics on this address while the command runs")
	return cmd
}

func (a *app) run(cmd *cobra.Command, key string, argv []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, cleanup, err := a.cfg.openSetup(a.logger)
	if err != nil {
		return err
	}
	defer cleanup()

	if addr := a.v.GetString("metrics"); addr != "" {
		go func() {
			if err := serve(ctx, addr, newMux(nil), a.logger); err != nil {
				a.logger.Error("metrics server", "err", err)
			}
		}()
	}

	l, err := s.Manager.Acquire(ctx, key)
	if err != nil {
		return err
	}
	if l.State() != lock.StatusAcquired {
		if storeErr := l.Err(); storeErr != nil {
			return fmt.Errorf("lock %q not acquired: %w", key, storeErr)
		}
		return fmt.Errorf("lock %q is held elsewhere", key)
	}
	a.logger.Info("lock acquired", "key", key, "token", l.Token(), "stores", len(l.Held()))
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		ok, err := l.Release(rctx)
		a.logger.Info("lock released", "key", key, "confirmed", ok, "err", err)
	}()

	childCtx, cancelChild := context.WithCancel(ctx)
	defer cancelChild()
	var lost atomic.Bool
	ka := lock.NewKeepAlive(l, a.v.GetDuration("keepalive"))
	go func() {
		if err := ka.Run(childCtx); err != nil {
			lost.Store(true)
			cancelChild()
		}
	}()

	child := exec.CommandContext(childCtx, argv[0], argv[1:]...)
	child.Stdin, child.Stdout, child.Stderr = os.Stdin, os.Stdout, os.Stderr
	err = child.Run()
	if lost.Load() {
		return errLockLost
	}
	return err
}
