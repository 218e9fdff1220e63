package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"whiteboard/internal/config"
	"whiteboard/internal/logger"
)

type app struct {
	configPath string
	logLevel   string

	cfg config.Config
	log *logger.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:          "whiteboard",
		Short:        "Collaborative whiteboard authority and participants",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "whiteboard.yaml", "config file (missing file uses defaults)")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override log.level")

	cmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(a.configPath)
		if err != nil {
			return err
		}
		if a.logLevel != "" {
			cfg.Log.Level = a.logLevel
		}
		a.cfg = cfg
		a.log = logger.New(cfg.Log.Level, cfg.Log.Format)
		return nil
	}
	cmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		if a.log != nil {
			a.log.Sync()
		}
	}

	cmd.AddCommand(newServeCmd(a), newJoinCmd(a), newMCPCmd(a))
	return cmd
}

// watchConfig applies log level changes from the config file and hands the
// reloaded config to extra, if any.
func (a *app) watchConfig(ctx context.Context, extra func(config.Config)) {
	log := a.log.For("config")
	err := config.Watch(ctx, a.configPath, log, func(cfg config.Config) {
		if cfg.Log.Level != a.cfg.Log.Level && a.logLevel == "" {
			a.log.SetLevel(cfg.Log.Level)
			log.Infof("log level set to %s", cfg.Log.Level)
		}
		a.cfg.Log = cfg.Log
		if extra != nil {
			extra(cfg)
		}
	})
	if err != nil {
		log.Warnf("config reload disabled: %v", err)
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
