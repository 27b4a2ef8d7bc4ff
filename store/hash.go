// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package store

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"strata.dev/pkg/internal/base32"
	"strata.dev/pkg/internal/digest"
)

// fingerprintHashSize is the size, in bytes, that a fingerprint's inner
// hash is XOR-folded down to before being base32-encoded. 160 bits.
const fingerprintHashSize = 20

// MakePath computes the store path for a store object given its type tag,
// the raw bytes of its inner content hash, and its name.
//
// The path's digest is derived from a fingerprint string of the form
// "<type>:sha256:<hex(inner)>:<dir>:<name>", SHA-256 hashed, XOR-folded to
// 20 bytes, and base32-encoded.
func MakePath(dir Directory, typ string, inner []byte, name string) Path {
	fingerprint := fmt.Sprintf("%s:sha256:%s:%s:%s", typ, hex.EncodeToString(inner), dir, name)
	sum := digest.SHA256([]byte(fingerprint))
	compressed := digest.CompressFold(sum[:], fingerprintHashSize)
	encoded := base32.Encode(compressed)
	return Path(dir.Join(encoded + "-" + name))
}

// typeWithRefs builds a type tag with sorted references appended.
// When refs is empty, no trailing separator is added: "text", never
// "text:" — the two forms hash differently.
func typeWithRefs(base string, refs []Path) string {
	if len(refs) == 0 {
		return base
	}
	sorted := make([]string, len(refs))
	for i, r := range refs {
		sorted[i] = string(r)
	}
	sort.Strings(sorted)
	var sb strings.Builder
	sb.WriteString(base)
	for _, r := range sorted {
		sb.WriteByte(':')
		sb.WriteString(r)
	}
	return sb.String()
}

// TextPath computes the store path for text-addressed content, such as a
// file written directly into the store (e.g. a derivation's own text, or
// a package's builtins.toFile-style output).
// The inner hash is sha256(content).
func TextPath(dir Directory, name string, content []byte, refs []Path) Path {
	sum := digest.SHA256(content)
	return MakePath(dir, typeWithRefs("text", refs), sum[:], name)
}

// SourcePath computes the store path for an imported filesystem tree.
// narHash is the sha256 of the tree's archive serialization (see
// [WriteArchive]).
func SourcePath(dir Directory, name string, narHash [32]byte, refs []Path) Path {
	return MakePath(dir, typeWithRefs("source", refs), narHash[:], name)
}

// FixedOutputPath computes the store path of a fixed-output derivation's
// result, given the declared hash algorithm ("sha256", "sha1", ...), the
// content hash, and whether the content was hashed recursively (as an
// archive) rather than flat (as raw bytes).
//
// A recursive sha256 hash is equivalent to a source hash, so that
// combination is delegated directly to [SourcePath]; other combinations
// are wrapped in a "fixed:out:" descriptor before hashing.
func FixedOutputPath(dir Directory, name string, hashAlgo string, contentHash []byte, recursive bool) Path {
	if recursive && hashAlgo == "sha256" {
		var narHash [32]byte
		copy(narHash[:], contentHash)
		return SourcePath(dir, name, narHash, nil)
	}
	method := ""
	if recursive {
		method = "r:"
	}
	descriptor := fmt.Sprintf("fixed:out:%s%s:%s:", method, hashAlgo, hex.EncodeToString(contentHash))
	sum := digest.SHA256([]byte(descriptor))
	return MakePath(dir, "output:out", sum[:], name)
}

// OutputPath computes the store path of a derivation's output.
// modularHash is the result of [ModularHash] for the owning derivation.
// The display name is drvName for the "out" output, and
// "<drvName>-<outputName>" for any other output.
func OutputPath(dir Directory, modularHash [32]byte, outputName, drvName string) Path {
	name := drvName
	if outputName != DefaultOutputName {
		name = drvName + "-" + outputName
	}
	return MakePath(dir, "output:"+outputName, modularHash[:], name)
}

// Placeholder returns a deterministic marker string for an output whose
// real path is not yet known. It is used in environment values during
// argument construction, and substituted for the real path once the
// pipeline resolves it. It is NOT a store path.
func Placeholder(outputName string) string {
	sum := digest.SHA256([]byte("nix-output:" + outputName))
	return "/" + base32.Encode(sum[:])
}
