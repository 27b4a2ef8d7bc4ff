// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"strata.dev/pkg/internal/config"
	"strata.dev/pkg/internal/digest"
	"strata.dev/pkg/store"
)

func newHashPathCommand(cfg *config.Config) *cobra.Command {
	c := &cobra.Command{
		Use:                   "hash-path PATH",
		Short:                 "print the store path's archive hash",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		data, err := store.ArchiveFromDir(args[0])
		if err != nil {
			return fmt.Errorf("hash-path %s: %w", args[0], err)
		}
		sum := digest.SHA256(data)
		fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(sum[:]))
		return nil
	}
	return c
}

func newHashFileCommand(cfg *config.Config) *cobra.Command {
	c := &cobra.Command{
		Use:                   "hash-file FILE",
		Short:                 "print the flat sha256 hash of a file's contents",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("hash-file: %w", err)
		}
		sum := digest.SHA256(data)
		fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(sum[:]))
		return nil
	}
	return c
}
