// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Package fetch builds the fixed-output derivations used to pull
// content from the network into the store. It mirrors the reference
// implementation's builtin:fetchurl: no sandbox or coreutils are
// needed because the daemon performs the download itself.
package fetch

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"zombiezen.com/go/uritemplate"

	"strata.dev/pkg/internal/base32"
	"strata.dev/pkg/store"
)

// impureEnvVars lists the environment variables the daemon passes
// through to a fetcher's sandbox unchanged, since a network fetch is
// inherently impure and gains nothing from scrubbing them.
const impureEnvVars = "http_proxy https_proxy ftp_proxy all_proxy no_proxy"

// HashForm selects which textual encoding [Args.OutputHash] is supplied
// in. Each produces a different serialized derivation for the same
// underlying bytes, so all three are exposed to remain bit-compatible
// with fetch helpers written against any of them.
type HashForm int

const (
	// Hex is a plain lowercase hexadecimal digest.
	Hex HashForm = iota
	// SRI is a self-describing "sha256-<base64>" string, as used by
	// Subresource Integrity.
	SRI
	// Base32 is the store's own non-standard base32 alphabet.
	Base32
)

// Args describes a single fixed-output fetch.
type Args struct {
	Name string
	URL  string
	// Mirrors are additional uritemplate sources consulted in order if
	// URL is unreachable; each is expanded with the single variable
	// "url" bound to URL.
	Mirrors []string

	OutputHash     string
	OutputHashForm HashForm

	// Recursive hashes the output as an archive (a directory fetch)
	// rather than as a flat file.
	Recursive bool
	// Executable marks the fetched file as executable.
	Executable bool
	// Unpack marks the fetched archive for automatic extraction.
	Unpack bool
}

// URL builds a fixed-output derivation equivalent to the reference
// implementation's builtin:fetchurl, using dir as the destination
// store's directory.
func URL(dir store.Directory, args Args) (*store.Package, error) {
	contentHash, err := decodeHash(args.OutputHash, args.OutputHashForm)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", args.Name, err)
	}

	urls := args.URL
	for _, mirror := range args.Mirrors {
		expanded, err := uritemplate.Expand(mirror, map[string]any{"url": args.URL})
		if err != nil {
			return nil, fmt.Errorf("fetch %s: expand mirror %q: %w", args.Name, mirror, err)
		}
		urls += " " + expanded
	}

	mode := "flat"
	if args.Recursive {
		mode = "recursive"
	}

	env := map[string]string{
		"impureEnvVars":    impureEnvVars,
		"preferLocalBuild": "1",
		"url":              args.URL,
		"urls":             urls,
		"unpack":           boolEnv(args.Unpack),
		"executable":       boolEnv(args.Executable),
		"outputHashMode":   mode,
	}
	switch args.OutputHashForm {
	case SRI:
		env["outputHash"] = "sha256-" + base64.StdEncoding.EncodeToString(contentHash)
		env["outputHashAlgo"] = ""
	case Base32:
		env["outputHash"] = base32.Encode(contentHash)
		env["outputHashAlgo"] = "sha256"
	default:
		env["outputHash"] = hex.EncodeToString(contentHash)
		env["outputHashAlgo"] = "sha256"
	}

	return store.Construct(dir, store.ConstructArgs{
		Name:           args.Name,
		Builder:        "builtin:fetchurl",
		System:         "builtin",
		Env:            env,
		OutputHash:     hex.EncodeToString(contentHash),
		OutputHashAlgo: "sha256",
		OutputHashMode: mode,
	})
}

func boolEnv(b bool) string {
	if b {
		return "1"
	}
	return ""
}

func decodeHash(s string, form HashForm) ([]byte, error) {
	switch form {
	case Hex:
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("decode hex hash: %w", err)
		}
		if len(b) != sha256.Size {
			return nil, fmt.Errorf("decode hex hash: want %d bytes, got %d", sha256.Size, len(b))
		}
		return b, nil
	case SRI:
		prefix := "sha256-"
		if len(s) < len(prefix) || s[:len(prefix)] != prefix {
			return nil, fmt.Errorf("decode sri hash: missing %q prefix", prefix)
		}
		b, err := base64.StdEncoding.DecodeString(s[len(prefix):])
		if err != nil {
			return nil, fmt.Errorf("decode sri hash: %w", err)
		}
		if len(b) != sha256.Size {
			return nil, fmt.Errorf("decode sri hash: want %d bytes, got %d", sha256.Size, len(b))
		}
		return b, nil
	case Base32:
		b, err := base32.Decode(s)
		if err != nil {
			return nil, fmt.Errorf("decode base32 hash: %w", err)
		}
		if len(b) != sha256.Size {
			return nil, fmt.Errorf("decode base32 hash: want %d bytes, got %d", sha256.Size, len(b))
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown hash form %d", form)
	}
}
