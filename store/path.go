// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Package store computes store paths and derivations for a
// content-addressed, purely-functional build system: given typed
// descriptions of packages, it produces canonical derivation text, the
// store path of that text, and the store paths of each output, without
// performing any build.
package store

import (
	"fmt"
	"path"
	"strings"

	"strata.dev/pkg/internal/base32"
)

// Directory is the absolute path of a store, e.g. "/nix/store".
type Directory string

// DefaultDirectory is the store directory used when none is configured.
const DefaultDirectory Directory = "/nix/store"

// CleanDirectory cleans an absolute path as a [Directory].
// It returns an error if dir is not absolute.
func CleanDirectory(dir string) (Directory, error) {
	if !path.IsAbs(dir) {
		return "", fmt.Errorf("store directory %q is not absolute", dir)
	}
	return Directory(path.Clean(dir)), nil
}

// Join joins elem to the store directory.
func (dir Directory) Join(elem ...string) string {
	return path.Join(append([]string{string(dir)}, elem...)...)
}

// Object returns the store path for the given object name within dir.
func (dir Directory) Object(name string) (Path, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, '/') {
		return "", fmt.Errorf("store object name %q is invalid", name)
	}
	return ParsePath(dir.Join(name))
}

// Path is the absolute path of a store object:
// "<store-dir>/<digest32>-<name>".
type Path string

const (
	digestLength    = 32
	maxObjectLength = digestLength + 1 + 211
)

// ParsePath parses an absolute path as an immediate child of a store
// directory, validating the digest and name-character rules from the
// store path grammar.
func ParsePath(p string) (Path, error) {
	if !path.IsAbs(p) {
		return "", fmt.Errorf("parse store path %s: not absolute", p)
	}
	cleaned := path.Clean(p)
	_, base := path.Split(cleaned)
	if len(base) < digestLength+len("-")+1 {
		return "", fmt.Errorf("parse store path %s: %q is too short", p, base)
	}
	if len(base) > maxObjectLength {
		return "", fmt.Errorf("parse store path %s: %q is too long", p, base)
	}
	for i := 0; i < len(base); i++ {
		if !isNameChar(base[i]) {
			return "", fmt.Errorf("parse store path %s: %q contains illegal character %q", p, base, base[i])
		}
	}
	if err := base32.Validate(base[:digestLength]); err != nil {
		return "", fmt.Errorf("parse store path %s: %v", p, err)
	}
	if base[digestLength] != '-' {
		return "", fmt.Errorf("parse store path %s: digest not separated by dash", p)
	}
	return Path(cleaned), nil
}

// Dir returns the store directory that p belongs to.
func (p Path) Dir() Directory {
	return Directory(path.Dir(string(p)))
}

// Base returns the last path element: "<digest32>-<name>".
func (p Path) Base() string {
	if p == "" {
		return ""
	}
	return path.Base(string(p))
}

// Digest returns the base32 digest part of the path's name.
func (p Path) Digest() string {
	base := p.Base()
	if len(base) < digestLength {
		return ""
	}
	return base[:digestLength]
}

// Name returns the part of the base name after the digest.
func (p Path) Name() string {
	base := p.Base()
	if len(base) <= digestLength+1 {
		return ""
	}
	return base[digestLength+1:]
}

// IsDerivation reports whether p names a serialized derivation.
func (p Path) IsDerivation() bool {
	return strings.HasSuffix(p.Base(), DerivationExt)
}

func isNameChar(c byte) bool {
	return 'a' <= c && c <= 'z' ||
		'A' <= c && c <= 'Z' ||
		'0' <= c && c <= '9' ||
		c == '+' || c == '-' || c == '.' || c == '_' || c == '='
}
