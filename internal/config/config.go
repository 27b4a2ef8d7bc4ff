// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Package config loads the CLI's configuration: defaults, overridden
// by HuJSON config files, overridden by environment variables, in that
// order.
package config

import (
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/tailscale/hujson"
	"go4.org/xdgdir"

	"strata.dev/pkg/store"
)

// Config is the merged set of settings every strata subcommand reads.
type Config struct {
	Debug      bool            `json:"debug"`
	Directory  store.Directory `json:"storeDirectory"`
	DaemonSock string          `json:"daemonSocket"`
	CacheDB    string          `json:"cacheDB"`
	AllowEnv   []string        `json:"allowEnvironment"`
}

// Default returns the configuration in effect before any file or
// environment override is applied.
func Default() *Config {
	return &Config{
		Directory:  store.DefaultDirectory,
		DaemonSock: filepath.Join(defaultVarDir(), "daemon.sock"),
	}
}

// MergeFiles reads each path in order, if present, applying HuJSON
// (commented JSON) overrides on top of c's current values. A missing
// file is skipped silently; any other read or parse error stops the
// merge.
func (c *Config) MergeFiles(paths iter.Seq[string]) error {
	for path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		jsonData, err := hujson.Standardize(raw)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if err := jsonv2.Unmarshal(jsonData, c, jsonv2.RejectUnknownMembers(false)); err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
	}
	return nil
}

// MergeEnvironment applies the conventional STRATA_* environment
// variable overrides, which always take precedence over config files.
func (c *Config) MergeEnvironment() error {
	if dir := os.Getenv("STRATA_STORE_DIR"); dir != "" {
		cleaned, err := store.CleanDirectory(dir)
		if err != nil {
			return fmt.Errorf("STRATA_STORE_DIR: %w", err)
		}
		c.Directory = cleaned
	}
	if sock := os.Getenv("STRATA_DAEMON_SOCKET"); sock != "" {
		c.DaemonSock = sock
	}
	if cd := userCacheDir(); cd != "" {
		c.CacheDB = filepath.Join(cd, "strata", "cache.db")
	}
	return nil
}

// Validate reports whether c is consistent enough to run a build: the
// store directory must be absolute, and both the daemon socket and
// cache database paths must be set.
func (c *Config) Validate() error {
	if !filepath.IsAbs(string(c.Directory)) {
		return fmt.Errorf("store directory %q is not absolute", c.Directory)
	}
	if c.DaemonSock == "" {
		return fmt.Errorf("daemon socket path not set")
	}
	if c.CacheDB == "" {
		return fmt.Errorf("cache database path not set")
	}
	return nil
}

// UnmarshalJSONFrom implements a tolerant, field-by-field decode so
// that a partial config file only overwrites the fields it mentions,
// never zeroing the rest of c.
func (c *Config) UnmarshalJSONFrom(in *jsontext.Decoder) error {
	tok, err := in.ReadToken()
	if err != nil {
		return err
	}
	if got := tok.Kind(); got != '{' {
		return fmt.Errorf("config must be an object, not %v", got)
	}
	for {
		keyToken, err := in.ReadToken()
		if err != nil {
			return err
		}
		switch kind := keyToken.Kind(); kind {
		case '}':
			return nil
		case '"':
		default:
			return fmt.Errorf("unexpected non-string key (%v) in config object", kind)
		}

		switch k := keyToken.String(); k {
		case "debug":
			if err := jsonv2.UnmarshalDecode(in, &c.Debug); err != nil {
				return fmt.Errorf("unmarshal config.debug: %w", err)
			}
		case "storeDirectory":
			if err := jsonv2.UnmarshalDecode(in, &c.Directory); err != nil {
				return fmt.Errorf("unmarshal config.storeDirectory: %w", err)
			}
		case "daemonSocket":
			if err := jsonv2.UnmarshalDecode(in, &c.DaemonSock); err != nil {
				return fmt.Errorf("unmarshal config.daemonSocket: %w", err)
			}
		case "cacheDB":
			if err := jsonv2.UnmarshalDecode(in, &c.CacheDB); err != nil {
				return fmt.Errorf("unmarshal config.cacheDB: %w", err)
			}
		case "allowEnvironment":
			if err := jsonv2.UnmarshalDecode(in, &c.AllowEnv); err != nil {
				return fmt.Errorf("unmarshal config.allowEnvironment: %w", err)
			}
		default:
			if reject, _ := jsonv2.GetOption(in.Options(), jsonv2.RejectUnknownMembers); reject {
				return fmt.Errorf("unmarshal config: unknown field %q", k)
			}
		}
	}
}

// defaultVarDir returns the conventional state directory for the
// daemon's runtime files.
func defaultVarDir() string {
	return filepath.Join(filepath.Dir(string(store.DefaultDirectory)), "var", "strata")
}

func userCacheDir() string {
	return xdgdir.Cache.Path()
}
