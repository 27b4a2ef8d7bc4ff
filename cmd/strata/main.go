// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Command strata is the CLI front end over the store and daemon
// packages.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync"

	"github.com/spf13/cobra"
	"go4.org/xdgdir"
	"golang.org/x/sys/unix"
	"zombiezen.com/go/log"

	"strata.dev/pkg/internal/config"
)

var interruptSignals = []os.Signal{unix.SIGTERM, unix.SIGINT}

var initLogOnce sync.Once

func initLogging(showDebug bool) {
	initLogOnce.Do(func() {
		minLevel := log.Info
		if showDebug {
			minLevel = log.Debug
		}
		log.SetDefault(&log.LevelFilter{
			Min:    minLevel,
			Output: log.New(os.Stderr, "strata: ", log.StdFlags, nil),
		})
	})
}

func main() {
	rootCommand := &cobra.Command{
		Use:           "strata",
		Short:         "a content-addressed, purely functional build system",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cfg := config.Default()
	var configPath string
	rootCommand.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "`path` to config file")
	showDebug := rootCommand.PersistentFlags().Bool("debug", false, "show debugging output")
	rootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		initLogging(*showDebug)
		paths := func(yield func(string) bool) {
			if configPath != "" {
				yield(configPath)
			}
		}
		if err := cfg.MergeFiles(paths); err != nil {
			return err
		}
		if err := cfg.MergeEnvironment(); err != nil {
			return err
		}
		cfg.Debug = cfg.Debug || *showDebug
		return nil
	}

	rootCommand.AddCommand(
		newHashPathCommand(cfg),
		newHashFileCommand(cfg),
		newStorePathCommand(cfg),
		newDerivationShowCommand(cfg),
		newIsValidCommand(cfg),
		newPathInfoCommand(cfg),
		newAddTextCommand(cfg),
		newBuildCommand(cfg),
		newServeCommand(cfg),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), interruptSignals...)
	err := rootCommand.ExecuteContext(ctx)
	cancel()
	if err != nil {
		initLogging(*showDebug)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	dir := xdgdir.Config.Path()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "strata", "config.jsonc")
}
