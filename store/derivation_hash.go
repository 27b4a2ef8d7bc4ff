// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"strata.dev/pkg/sortedset"
)

// ModularHash computes the hash used to derive a derivation's output
// store paths. It breaks the cycle that would otherwise exist between a
// derivation's outputs (recorded in its own env) and the hash of the
// derivation text that produces them.
//
// table supplies the already-computed modular hash of every derivation
// named in drv.InputDerivations; a missing entry is a programming
// error. maskOutputs should be true for the top-level call (the
// derivation's own output paths aren't known yet) and false when drv is
// itself an entry being computed for inclusion in another derivation's
// table, since at that point its output paths are fixed and must
// contribute to the hash.
func ModularHash(drv *Derivation, table map[Path][sha256.Size]byte, maskOutputs bool) ([sha256.Size]byte, error) {
	if out, ok := drv.Outputs[DefaultOutputName]; ok && len(drv.Outputs) == 1 && out.HashAlgorithm != "" {
		descriptor := fmt.Sprintf("fixed:out:%s:%s:", out.HashAlgorithm, out.HashValue)
		return sha256.Sum256([]byte(descriptor)), nil
	}

	masked := &Derivation{
		Dir:              drv.Dir,
		Outputs:          make(map[string]DerivationOutput, len(drv.Outputs)),
		InputDerivations: make(map[Path]*sortedset.Set[string], len(drv.InputDerivations)),
		InputSources:     drv.InputSources,
		System:           drv.System,
		Builder:          drv.Builder,
		Args:             drv.Args,
		Env:              drv.Env,
	}
	for name, out := range drv.Outputs {
		if maskOutputs {
			out.Path = ""
		}
		masked.Outputs[name] = out
	}
	for drvPath, outs := range drv.InputDerivations {
		hash, ok := table[drvPath]
		if !ok {
			return [sha256.Size]byte{}, fmt.Errorf("modular hash: missing input hash for %s", drvPath)
		}
		hashHex := Path(fmt.Sprintf("%x", hash[:]))
		masked.InputDerivations[hashHex] = outs
	}

	text, err := masked.MarshalText()
	if err != nil {
		return [sha256.Size]byte{}, fmt.Errorf("modular hash: %w", err)
	}
	return sha256.Sum256(text), nil
}

// HashTable is a memoized, concurrency-safe cache of modular hashes
// keyed by derivation store path, computed with mask_outputs=false (the
// form every dependency table entry requires). Independent subtrees of
// the dependency graph may be resolved in parallel; [HashTable.Resolve]
// guarantees that a given path is hashed exactly once even under
// concurrent callers racing to resolve the same dependency.
type HashTable struct {
	// Load fetches and parses the derivation at path. It is called at
	// most once per distinct path across the table's lifetime.
	Load func(ctx context.Context, path Path) (*Derivation, error)

	mu     sync.Mutex
	hashes map[Path][sha256.Size]byte
	group  singleflight.Group
}

// Resolve returns the modular hash of the derivation at path, computing
// it (and recursively, its own unresolved dependencies) if necessary.
func (t *HashTable) Resolve(ctx context.Context, path Path) ([sha256.Size]byte, error) {
	t.mu.Lock()
	if t.hashes == nil {
		t.hashes = make(map[Path][sha256.Size]byte)
	}
	if hash, ok := t.hashes[path]; ok {
		t.mu.Unlock()
		return hash, nil
	}
	t.mu.Unlock()

	v, err, _ := t.group.Do(string(path), func() (any, error) {
		t.mu.Lock()
		if hash, ok := t.hashes[path]; ok {
			t.mu.Unlock()
			return hash, nil
		}
		t.mu.Unlock()

		drv, err := t.Load(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", path, err)
		}

		deps := make([]Path, 0, len(drv.InputDerivations))
		for p := range drv.InputDerivations {
			deps = append(deps, p)
		}
		depTable, err := t.resolveAll(ctx, deps)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", path, err)
		}

		hash, err := ModularHash(drv, depTable, false)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", path, err)
		}

		t.mu.Lock()
		t.hashes[path] = hash
		t.mu.Unlock()
		return hash, nil
	})
	if err != nil {
		return [sha256.Size]byte{}, err
	}
	return v.([sha256.Size]byte), nil
}

// resolveAll resolves every path in paths, in parallel, and returns a
// table of their modular hashes suitable for passing to [ModularHash].
func (t *HashTable) resolveAll(ctx context.Context, paths []Path) (map[Path][sha256.Size]byte, error) {
	table := make(map[Path][sha256.Size]byte, len(paths))
	if len(paths) == 0 {
		return table, nil
	}
	var mu sync.Mutex
	grp, gctx := errgroup.WithContext(ctx)
	for _, p := range paths {
		p := p
		grp.Go(func() error {
			hash, err := t.Resolve(gctx, p)
			if err != nil {
				return err
			}
			mu.Lock()
			table[p] = hash
			mu.Unlock()
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}
	return table, nil
}
