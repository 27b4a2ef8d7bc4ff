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

func newStorePathCommand(cfg *config.Config) *cobra.Command {
	var typ, hashAlgo, contentFile, contentHashHex string
	var recursive bool
	c := &cobra.Command{
		Use:                   "store-path NAME",
		Short:                 "compute a store path without adding anything to the store",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.Flags().StringVar(&typ, "type", "source", `one of "source", "text", "fixed"`)
	c.Flags().StringVar(&hashAlgo, "hash-algo", "sha256", `declared hash algorithm, for --type=fixed`)
	c.Flags().StringVar(&contentFile, "content-file", "", "file to hash, for --type=source or --type=text")
	c.Flags().StringVar(&contentHashHex, "content-hash", "", "hex-encoded content hash, for --type=fixed")
	c.Flags().BoolVar(&recursive, "recursive", false, "the content hash covers an archive rather than flat bytes, for --type=fixed")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		name := args[0]
		switch typ {
		case "source":
			if contentFile == "" {
				return fmt.Errorf("store-path --type=source: --content-file is required")
			}
			data, err := store.ArchiveFromDir(contentFile)
			if err != nil {
				return fmt.Errorf("store-path: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), store.SourcePath(cfg.Directory, name, digest.SHA256(data), nil))
			return nil
		case "text":
			if contentFile == "" {
				return fmt.Errorf("store-path --type=text: --content-file is required")
			}
			data, err := os.ReadFile(contentFile)
			if err != nil {
				return fmt.Errorf("store-path: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), store.TextPath(cfg.Directory, name, data, nil))
			return nil
		case "fixed":
			if contentHashHex == "" {
				return fmt.Errorf("store-path --type=fixed: --content-hash is required")
			}
			contentHash, err := hex.DecodeString(contentHashHex)
			if err != nil {
				return fmt.Errorf("store-path: --content-hash: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), store.FixedOutputPath(cfg.Directory, name, hashAlgo, contentHash, recursive))
			return nil
		default:
			return fmt.Errorf("store-path: unknown --type %q", typ)
		}
	}
	return c
}
