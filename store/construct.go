// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"maps"
	"slices"
	"strings"

	"strata.dev/pkg/sortedset"
)

// Dependency references a previously constructed [Package] as an input
// to a new derivation, optionally overriding which of its outputs are
// consumed. A nil Outputs means "all outputs the dependency itself
// declares" — the common case when a dependency has a single output.
type Dependency struct {
	Package *Package
	Outputs []string
}

func (d Dependency) outputNames() []string {
	if d.Outputs != nil {
		return d.Outputs
	}
	names := make([]string, 0, len(d.Package.Derivation.Outputs))
	for name := range d.Package.Derivation.Outputs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ConstructArgs is the typed argument record accepted by [Construct].
// Field order mirrors the order in which the reference pipeline
// consults them; Deps order is preserved verbatim in the resulting
// derivation's dependency bookkeeping so that tests may compare
// argument records structurally.
type ConstructArgs struct {
	Name    string
	Builder string
	// System is recorded in the derivation and its "system" env var as
	// given; an empty System is not replaced by a default platform.
	System      string
	Args        []string
	Env         map[string]string
	OutputNames []string
	Deps        []Dependency
	InputSrcs   *sortedset.Set[Path]

	// Fixed-output fields. OutputHashAlgo non-empty marks this a
	// fixed-output derivation; OutputNames must then contain exactly
	// "out".
	OutputHash     string
	OutputHashAlgo string
	OutputHashMode string // "flat" or "recursive"
}

// Package is the result of running [Construct]: a derivation whose
// output paths have been resolved, together with the store path of its
// own serialized text.
type Package struct {
	Dir        Directory
	DrvPath    Path
	Derivation *Derivation
	deps       []Dependency
}

// Outputs returns the resolved store path of every output this package
// declares.
func (p *Package) Outputs() map[string]Path {
	out := make(map[string]Path, len(p.Derivation.Outputs))
	for name, o := range p.Derivation.Outputs {
		out[name] = o.Path
	}
	return out
}

// Override reruns the construction pipeline with a shallow-merged
// argument record: any non-zero field of patch other than Env replaces
// the corresponding field of the package's original arguments, a
// non-nil patch Env is merged key by key into the original
// environment, and every other field is carried over unchanged. It
// returns a fresh Package;
// the receiver is untouched.
func (p *Package) Override(patch ConstructArgs) (*Package, error) {
	merged := p.args()
	if patch.Name != "" {
		merged.Name = patch.Name
	}
	if patch.Builder != "" {
		merged.Builder = patch.Builder
	}
	if patch.System != "" {
		merged.System = patch.System
	}
	if patch.Args != nil {
		merged.Args = patch.Args
	}
	if patch.Env != nil {
		env := maps.Clone(merged.Env)
		if env == nil {
			env = make(map[string]string, len(patch.Env))
		}
		maps.Copy(env, patch.Env)
		merged.Env = env
	}
	if patch.OutputNames != nil {
		merged.OutputNames = patch.OutputNames
	}
	if patch.Deps != nil {
		merged.Deps = patch.Deps
	}
	if patch.InputSrcs != nil {
		merged.InputSrcs = patch.InputSrcs
	}
	if patch.OutputHash != "" {
		merged.OutputHash = patch.OutputHash
	}
	if patch.OutputHashAlgo != "" {
		merged.OutputHashAlgo = patch.OutputHashAlgo
	}
	if patch.OutputHashMode != "" {
		merged.OutputHashMode = patch.OutputHashMode
	}
	return Construct(p.Dir, merged)
}

func (p *Package) args() ConstructArgs {
	outputNames := make([]string, 0, len(p.Derivation.Outputs))
	for name := range p.Derivation.Outputs {
		outputNames = append(outputNames, name)
	}
	slices.Sort(outputNames)
	out := p.Derivation.Outputs[DefaultOutputName]
	algo, mode := out.HashAlgorithm, ""
	if rest, ok := strings.CutPrefix(algo, "r:"); ok {
		algo, mode = rest, "recursive"
	}
	return ConstructArgs{
		Name:           p.Derivation.Name(),
		Builder:        p.Derivation.Builder,
		System:         p.Derivation.System,
		Args:           p.Derivation.Args,
		Env:            maps.Clone(p.Derivation.Env),
		OutputNames:    outputNames,
		Deps:           p.deps,
		InputSrcs:      p.Derivation.InputSources,
		OutputHash:     out.HashValue,
		OutputHashAlgo: algo,
		OutputHashMode: mode,
	}
}

// Construct runs the full derivation pipeline: it builds a blank
// derivation from args, computes its modular hash against the hashes of
// its dependencies, resolves every output's store path, and serializes
// the result to compute the derivation's own store path.
func Construct(dir Directory, args ConstructArgs) (*Package, error) {
	if args.Name == "" {
		return nil, fmt.Errorf("construct package: name is required")
	}
	outputNames := args.OutputNames
	if outputNames == nil {
		outputNames = []string{DefaultOutputName}
	}
	fixedOutput := args.OutputHashAlgo != ""
	if fixedOutput && (len(outputNames) != 1 || outputNames[0] != DefaultOutputName) {
		return nil, fmt.Errorf("construct package %s: fixed-output derivations must declare exactly one output named %q", args.Name, DefaultOutputName)
	}

	drv := &Derivation{
		Dir:              dir,
		Outputs:          make(map[string]DerivationOutput, len(outputNames)),
		InputDerivations: make(map[Path]*sortedset.Set[string], len(args.Deps)),
		InputSources:     args.InputSrcs,
		System:           args.System,
		Builder:          args.Builder,
		Args:             args.Args,
		Env:              maps.Clone(args.Env),
	}
	if drv.Env == nil {
		drv.Env = make(map[string]string)
	}
	if drv.InputSources == nil {
		drv.InputSources = new(sortedset.Set[Path])
	}
	for _, name := range outputNames {
		drv.Outputs[name] = DerivationOutput{}
	}
	if fixedOutput {
		algo := args.OutputHashAlgo
		if args.OutputHashMode == "recursive" {
			algo = "r:" + algo
		}
		drv.Outputs[DefaultOutputName] = DerivationOutput{
			HashAlgorithm: algo,
			HashValue:     args.OutputHash,
		}
	}

	if _, ok := drv.Env["name"]; !ok {
		drv.Env["name"] = args.Name
	}
	if _, ok := drv.Env["builder"]; !ok {
		drv.Env["builder"] = args.Builder
	}
	if _, ok := drv.Env["system"]; !ok {
		drv.Env["system"] = args.System
	}
	// Output env vars are always computed, never caller-supplied: blank
	// them unconditionally rather than only when absent, so that
	// re-constructing from a Package's own args() (which carries the
	// previously resolved paths) hashes the same blank placeholder a
	// fresh construction would, keeping Override idempotent.
	for _, name := range outputNames {
		drv.Env[name] = ""
	}

	memo := make(map[Path][sha256.Size]byte)
	depTable := make(map[Path][sha256.Size]byte, len(args.Deps))
	for _, dep := range args.Deps {
		outs := new(sortedset.Set[string])
		outs.Add(dep.outputNames()...)
		drv.InputDerivations[dep.Package.DrvPath] = outs

		hash, err := dependencyHash(dep.Package, memo)
		if err != nil {
			return nil, fmt.Errorf("construct package %s: %w", args.Name, err)
		}
		depTable[dep.Package.DrvPath] = hash
	}

	modHash, err := ModularHash(drv, depTable, true)
	if err != nil {
		return nil, fmt.Errorf("construct package %s: %w", args.Name, err)
	}

	for name := range drv.Outputs {
		var path Path
		if fixedOutput && name == DefaultOutputName {
			recursive := args.OutputHashMode == "recursive"
			contentHash, err := hex.DecodeString(args.OutputHash)
			if err != nil {
				return nil, fmt.Errorf("construct package %s: output hash: %w", args.Name, err)
			}
			path = FixedOutputPath(dir, args.Name, args.OutputHashAlgo, contentHash, recursive)
		} else {
			path = OutputPath(dir, modHash, name, args.Name)
		}
		out := drv.Outputs[name]
		out.Path = path
		drv.Outputs[name] = out
		drv.Env[name] = string(path)
	}

	// Substitute any placeholder (see [Placeholder]) a package definition
	// embedded in an env value that isn't itself an output var — for
	// instance "configureFlags=--prefix=" + Placeholder("out") — with the
	// now-resolved real path, now that every output's path is known.
	for name, o := range drv.Outputs {
		placeholder := Placeholder(name)
		real := string(o.Path)
		for envName, val := range drv.Env {
			if envName == name {
				continue
			}
			if strings.Contains(val, placeholder) {
				drv.Env[envName] = strings.ReplaceAll(val, placeholder, real)
			}
		}
	}

	text, err := drv.MarshalText()
	if err != nil {
		return nil, fmt.Errorf("construct package %s: %w", args.Name, err)
	}

	refs := new(sortedset.Set[Path])
	for p := range drv.InputDerivations {
		refs.Add(p)
	}
	for i := 0; i < drv.InputSources.Len(); i++ {
		refs.Add(drv.InputSources.At(i))
	}
	refSlice := make([]Path, refs.Len())
	for i := range refSlice {
		refSlice[i] = refs.At(i)
	}
	drvPath := TextPath(dir, args.Name+DerivationExt, text, refSlice)

	return &Package{
		Dir:        dir,
		DrvPath:    drvPath,
		Derivation: drv,
		deps:       args.Deps,
	}, nil
}

// dependencyHash returns dep's modular hash computed with
// mask_outputs=false — the form required for a dependency-table entry —
// recursing through dep's own dependencies as needed and memoizing by
// drv path so that a diamond-shaped dependency graph hashes each
// package exactly once.
func dependencyHash(dep *Package, memo map[Path][sha256.Size]byte) ([sha256.Size]byte, error) {
	if hash, ok := memo[dep.DrvPath]; ok {
		return hash, nil
	}
	table := make(map[Path][sha256.Size]byte, len(dep.deps))
	for _, d := range dep.deps {
		hash, err := dependencyHash(d.Package, memo)
		if err != nil {
			return [sha256.Size]byte{}, err
		}
		table[d.Package.DrvPath] = hash
	}
	hash, err := ModularHash(dep.Derivation, table, false)
	if err != nil {
		return [sha256.Size]byte{}, err
	}
	memo[dep.DrvPath] = hash
	return hash, nil
}
