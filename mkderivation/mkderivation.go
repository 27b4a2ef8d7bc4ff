// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Package mkderivation is the conventional build wrapper packages reach
// for instead of calling [store.Construct] directly: it sources
// $stdenv/setup before running a package's own build logic, fills in
// the catalog of environment flags every generic build phase expects
// to exist (even if most are empty), and records pname/version naming.
package mkderivation

import (
	_ "embed"
	"fmt"

	"strata.dev/pkg/internal/digest"
	"strata.dev/pkg/internal/system"
	"strata.dev/pkg/sortedset"
	"strata.dev/pkg/store"
)

//go:embed source-stdenv.sh
var sourceStdenvSH []byte

//go:embed default-builder.sh
var defaultBuilderSH []byte

// defaultEnv lists the conventional flags and lists a generic build
// phase expects to find, defined as empty unless a package overrides
// them. Most packages need only a handful of these; the rest exist so
// that shared phase scripts can test them unconditionally.
var defaultEnv = map[string]string{
	"__structuredAttrs":           "",
	"buildInputs":                 "",
	"cmakeFlags":                  "",
	"configureFlags":              "",
	"depsBuildBuild":              "",
	"depsBuildBuildPropagated":    "",
	"depsBuildTarget":             "",
	"depsBuildTargetPropagated":   "",
	"depsHostHost":                "",
	"depsHostHostPropagated":      "",
	"depsTargetTarget":            "",
	"depsTargetTargetPropagated":  "",
	"doCheck":                     "",
	"doInstallCheck":              "",
	"mesonFlags":                  "",
	"nativeBuildInputs":           "",
	"patches":                     "",
	"propagatedBuildInputs":       "",
	"propagatedNativeBuildInputs": "",
}

// Args is the typed argument record for [Build]. Exactly one of Name or
// Pname must be set: Pname (with optional Version) composes a name of
// "pname-version" and additionally records both in the environment,
// matching the stdenv convention; Name sets the derivation name
// directly with no pname/version env vars.
type Args struct {
	Builder string
	System  string
	Stdenv  *store.Package

	Name    string
	Pname   string
	Version string

	Deps []store.Dependency
	// Srcs lists additional input source store paths beyond the two
	// vendored builder scripts every package needs.
	Srcs *sortedset.Set[store.Path]
	// Env overrides or extends the default flag catalog.
	Env map[string]string
}

// sourceStdenvPath and defaultBuilderPath are computed on each call
// against the store directory a caller asks for, since the
// embedded scripts' store paths depend on which store they're being
// added to.
func sourceStdenvPath(dir store.Directory) store.Path {
	return store.FixedOutputPath(dir, "source-stdenv.sh", "sha256", contentHash(sourceStdenvSH), false)
}

func defaultBuilderPath(dir store.Directory) store.Path {
	return store.FixedOutputPath(dir, "default-builder.sh", "sha256", contentHash(defaultBuilderSH), false)
}

// Build constructs a package using the stdenv convention: builder
// invokes source-stdenv.sh, which sources $stdenv/setup and then execs
// default-builder.sh, which in turn calls the generic build function
// the sourced setup script defines.
func Build(args Args) (*store.Package, error) {
	var name string
	switch {
	case args.Name != "" && args.Pname != "":
		return nil, fmt.Errorf("mkderivation %s: Name and Pname are mutually exclusive", args.Name)
	case args.Name != "":
		name = args.Name
	case args.Pname != "":
		name = args.Pname
		if args.Version != "" {
			name += "-" + args.Version
		}
	default:
		return nil, fmt.Errorf("mkderivation: either Name or Pname is required")
	}
	if args.Builder == "" {
		return nil, fmt.Errorf("mkderivation %s: Builder is required", name)
	}
	if args.Stdenv == nil {
		return nil, fmt.Errorf("mkderivation %s: Stdenv is required", name)
	}
	buildSystem := args.System
	if buildSystem == "" {
		buildSystem = system.Current().String()
	}

	dir := args.Stdenv.Dir
	srcs := new(sortedset.Set[store.Path])
	srcs.Add(sourceStdenvPath(dir), defaultBuilderPath(dir))
	if args.Srcs != nil {
		for i := 0; i < args.Srcs.Len(); i++ {
			srcs.Add(args.Srcs.At(i))
		}
	}

	env := make(map[string]string, len(defaultEnv)+len(args.Env)+3)
	for k, v := range defaultEnv {
		env[k] = v
	}
	env["outputs"] = "out"
	env["stdenv"] = string(args.Stdenv.Outputs()["out"])
	if args.Pname != "" {
		env["pname"] = args.Pname
		env["version"] = args.Version
	}
	for k, v := range args.Env {
		env[k] = v
	}

	deps := append([]store.Dependency{{Package: args.Stdenv}}, args.Deps...)

	return store.Construct(dir, store.ConstructArgs{
		Name:      name,
		Builder:   args.Builder,
		System:    buildSystem,
		Args:      []string{"-e", string(sourceStdenvPath(dir)), string(defaultBuilderPath(dir))},
		Env:       env,
		Deps:      deps,
		InputSrcs: srcs,
	})
}

func contentHash(b []byte) []byte {
	sum := digest.SHA256(b)
	return sum[:]
}
