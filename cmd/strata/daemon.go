// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"strata.dev/pkg/daemon"
	"strata.dev/pkg/internal/config"
	"strata.dev/pkg/store"
)

func newIsValidCommand(cfg *config.Config) *cobra.Command {
	c := &cobra.Command{
		Use:                   "is-valid PATH",
		Short:                 "ask the daemon whether a store path is valid",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		client, err := daemon.Dial(cmd.Context(), cfg.DaemonSock)
		if err != nil {
			return fmt.Errorf("is-valid: %w", err)
		}
		defer client.Close(cmd.Context())

		valid, err := client.IsValidPath(cmd.Context(), store.Path(args[0]))
		if err != nil {
			return fmt.Errorf("is-valid: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), valid)
		if !valid {
			return fmt.Errorf("is-valid: %s is not a valid path", args[0])
		}
		return nil
	}
	return c
}

func newPathInfoCommand(cfg *config.Config) *cobra.Command {
	c := &cobra.Command{
		Use:                   "path-info PATH",
		Short:                 "print what the daemon knows about a store path",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		client, err := daemon.Dial(cmd.Context(), cfg.DaemonSock)
		if err != nil {
			return fmt.Errorf("path-info: %w", err)
		}
		defer client.Close(cmd.Context())

		info, err := client.QueryPathInfo(cmd.Context(), store.Path(args[0]))
		if err != nil {
			return fmt.Errorf("path-info %s: %w", args[0], err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "deriver: %s\n", info.Deriver)
		fmt.Fprintf(out, "narHash: %s\n", info.NARHash)
		fmt.Fprintf(out, "narSize: %d\n", info.NARSize)
		for _, ref := range info.References {
			fmt.Fprintf(out, "reference: %s\n", ref)
		}
		for _, sig := range info.Signatures {
			fmt.Fprintf(out, "signature: %s\n", sig)
		}
		if info.ContentAddress != "" {
			fmt.Fprintf(out, "contentAddress: %s\n", info.ContentAddress)
		}
		return nil
	}
	return c
}

func newAddTextCommand(cfg *config.Config) *cobra.Command {
	var refs []string
	c := &cobra.Command{
		Use:                   "add-text NAME FILE",
		Short:                 "ask the daemon to add a file's contents to the store as text",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(2),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.Flags().StringSliceVar(&refs, "reference", nil, "store path this text refers to (repeatable)")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		content, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("add-text: %w", err)
		}
		refPaths := make([]store.Path, len(refs))
		for i, r := range refs {
			refPaths[i] = store.Path(r)
		}

		client, err := daemon.Dial(cmd.Context(), cfg.DaemonSock)
		if err != nil {
			return fmt.Errorf("add-text: %w", err)
		}
		defer client.Close(cmd.Context())

		path, err := client.AddTextToStore(cmd.Context(), args[0], content, refPaths)
		if err != nil {
			return fmt.Errorf("add-text: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	}
	return c
}

func newBuildCommand(cfg *config.Config) *cobra.Command {
	var output string
	c := &cobra.Command{
		Use:                   "build DRVPATH",
		Short:                 "ask the daemon to build a derivation's outputs",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.Flags().StringVar(&output, "output", store.DefaultOutputName, "output name to build")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		client, err := daemon.Dial(cmd.Context(), cfg.DaemonSock)
		if err != nil {
			return fmt.Errorf("build: %w", err)
		}
		defer client.Close(cmd.Context())

		spec := daemon.OutputSpec(store.Path(args[0]), output)
		if err := client.BuildPaths(cmd.Context(), []daemon.BuildSpec{spec}); err != nil {
			return fmt.Errorf("build %s: %w", args[0], err)
		}
		return nil
	}
	return c
}
