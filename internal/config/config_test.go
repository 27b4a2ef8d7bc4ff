// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func TestMergeFilesPartialOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.jsonc")
	if err := writeFile(path, `{
		// trailing comments are fine, it's HuJSON
		"debug": true,
		"allowEnvironment": ["PATH", "HOME"],
	}`); err != nil {
		t.Fatal(err)
	}

	c := Default()
	originalSock := c.DaemonSock
	if err := c.MergeFiles(slices.Values([]string{path})); err != nil {
		t.Fatal(err)
	}
	if !c.Debug {
		t.Error("debug was not applied from config file")
	}
	if c.DaemonSock != originalSock {
		t.Error("daemonSocket was zeroed even though the file didn't mention it")
	}
	if len(c.AllowEnv) != 2 || c.AllowEnv[0] != "PATH" {
		t.Errorf("allowEnvironment = %v", c.AllowEnv)
	}
}

func TestMergeFilesMissingIsSkipped(t *testing.T) {
	c := Default()
	if err := c.MergeFiles(slices.Values([]string{filepath.Join(t.TempDir(), "missing.jsonc")})); err != nil {
		t.Fatal(err)
	}
}

func TestValidateRequiresAbsoluteDirectory(t *testing.T) {
	c := Default()
	c.Directory = "relative/path"
	if err := c.Validate(); err == nil {
		t.Error("Validate did not reject a relative store directory")
	}
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
