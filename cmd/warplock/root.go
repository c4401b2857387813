package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// app carries the state shared by the subcommands of one invocation.
type app struct {
	v            *viper.Viper
	cfg          config
	logger       *slog.Logger
	flushTracing func(context.Context) error
}

func newRootCmd() (*cobra.Command, *app) {
	a := &app{v: viper.New()}
	root := &cobra.Command{
		Use:   "warplock",
		Short: "distributed locks on Redis",
		Long: `warplock runs commands under distributed locks held on one Redis
server, or on a majority of several independent ones.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.init,
	}
	setupFlags(root)
	root.AddCommand(
		newRunCmd(a),
		newStatusCmd(a),
		newDebounceCmd(a),
		newWatchCmd(a),
	)
	return root, a
}

func (a *app) init(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(a.v, cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	a.cfg, a.logger = cfg, logger
	if cfg.Trace {
		flush, err := installTracing()
		if err != nil {
			return err
		}
		a.flushTracing = flush
	}
	return nil
}

// close flushes pending spans.
func (a *app) close() {
	if a.flushTracing != nil {
		_ = a.flushTracing(context.Background())
	}
}
