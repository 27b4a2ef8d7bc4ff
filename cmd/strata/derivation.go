// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"strata.dev/pkg/internal/config"
	"strata.dev/pkg/internal/xmaps"
	"strata.dev/pkg/store"
)

func newDerivationShowCommand(cfg *config.Config) *cobra.Command {
	c := &cobra.Command{
		Use:                   "derivation-show DRVPATH",
		Short:                 "print a derivation's outputs and environment",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("derivation-show: %w", err)
		}
		drv, err := store.ParseDerivation(cfg.Directory, data)
		if err != nil {
			return fmt.Errorf("derivation-show %s: %w", args[0], err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "name: %s\n", drv.Name())
		fmt.Fprintf(out, "system: %s\n", drv.System)
		fmt.Fprintf(out, "builder: %s %v\n", drv.Builder, drv.Args)

		for name, o := range xmaps.Sorted(drv.Outputs) {
			if o.IsFixed() {
				fmt.Fprintf(out, "output %s: %s (%s:%s)\n", name, o.Path, o.HashAlgorithm, o.HashValue)
			} else {
				fmt.Fprintf(out, "output %s: %s\n", name, o.Path)
			}
		}

		for path, outs := range xmaps.Sorted(drv.InputDerivations) {
			names := make([]string, outs.Len())
			for i := range names {
				names[i] = outs.At(i)
			}
			fmt.Fprintf(out, "input derivation: %s %v\n", path, names)
		}

		for i := 0; i < drv.InputSources.Len(); i++ {
			fmt.Fprintf(out, "input source: %s\n", drv.InputSources.At(i))
		}

		for name, value := range xmaps.Sorted(drv.Env) {
			fmt.Fprintf(out, "env %s=%s\n", name, value)
		}
		return nil
	}
	return c
}
