// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package mkderivation

import (
	"testing"

	"strata.dev/pkg/store"
)

func testStdenv(t *testing.T) *store.Package {
	t.Helper()
	stdenv, err := store.Construct(store.DefaultDirectory, store.ConstructArgs{
		Name:    "stdenv",
		Builder: "/nix/store/094qif9n4cq4fdg459qzbhg1c6wywawwaaivx0k0x8xhbyx4vwic-bash/bin/bash",
		System:  "x86_64-linux",
	})
	if err != nil {
		t.Fatal(err)
	}
	return stdenv
}

func TestBuildRequiresNameOrPname(t *testing.T) {
	_, err := Build(Args{
		Builder: "/nix/store/xxx-bash/bin/bash",
		Stdenv:  testStdenv(t),
	})
	if err == nil {
		t.Error("Build with neither Name nor Pname did not return an error")
	}
}

func TestBuildPnameVersionNaming(t *testing.T) {
	pkg, err := Build(Args{
		Builder: "/nix/store/094qif9n4cq4fdg459qzbhg1c6wywawwaaivx0k0x8xhbyx4vwic-bash/bin/bash",
		System:  "x86_64-linux",
		Stdenv:  testStdenv(t),
		Pname:   "hello",
		Version: "2.12.2",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := pkg.Derivation.Name(), "hello-2.12.2"; got != want {
		t.Errorf("Derivation.Name() = %q; want %q", got, want)
	}
	if pkg.Derivation.Env["pname"] != "hello" || pkg.Derivation.Env["version"] != "2.12.2" {
		t.Error("pname/version not recorded in env")
	}
}

func TestBuildDefaultEnvCatalog(t *testing.T) {
	pkg, err := Build(Args{
		Builder: "/nix/store/094qif9n4cq4fdg459qzbhg1c6wywawwaaivx0k0x8xhbyx4vwic-bash/bin/bash",
		System:  "x86_64-linux",
		Stdenv:  testStdenv(t),
		Name:    "leaf",
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, flag := range []string{"buildInputs", "doCheck", "mesonFlags", "nativeBuildInputs"} {
		if v, ok := pkg.Derivation.Env[flag]; !ok || v != "" {
			t.Errorf("env[%q] = %q, %v; want \"\", true", flag, v, ok)
		}
	}
}

func TestBuildReferencesVendoredScripts(t *testing.T) {
	pkg, err := Build(Args{
		Builder: "/nix/store/094qif9n4cq4fdg459qzbhg1c6wywawwaaivx0k0x8xhbyx4vwic-bash/bin/bash",
		System:  "x86_64-linux",
		Stdenv:  testStdenv(t),
		Name:    "leaf",
	})
	if err != nil {
		t.Fatal(err)
	}
	if pkg.Derivation.InputSources.Len() < 2 {
		t.Errorf("InputSources.Len() = %d; want at least the two vendored scripts", pkg.Derivation.InputSources.Len())
	}
	if len(pkg.Derivation.Args) != 3 {
		t.Errorf("Args = %v; want [-e source-stdenv default-builder]", pkg.Derivation.Args)
	}
}
