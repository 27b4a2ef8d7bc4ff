// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package store

import "testing"

func TestConstructDeterministic(t *testing.T) {
	args := ConstructArgs{
		Name:    "hello-2.10",
		Builder: "/nix/store/094qif9n4cq4fdg459qzbhg1c6wywawwaaivx0k0x8xhbyx4vwic-bash/bin/bash",
		System:  "x86_64-linux",
		Args:    []string{"-e", "builder.sh"},
		Env:     map[string]string{"src": "builder.sh"},
	}
	p1, err := Construct(DefaultDirectory, args)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := Construct(DefaultDirectory, args)
	if err != nil {
		t.Fatal(err)
	}
	if p1.DrvPath != p2.DrvPath {
		t.Errorf("Construct is not deterministic: %q != %q", p1.DrvPath, p2.DrvPath)
	}
	if p1.Outputs()["out"] != p2.Outputs()["out"] {
		t.Errorf("Construct output path is not deterministic: %q != %q", p1.Outputs()["out"], p2.Outputs()["out"])
	}
	if !p1.DrvPath.IsDerivation() {
		t.Error("DrvPath does not look like a derivation path")
	}
}

func TestConstructFixedOutputInsensitiveToBuilder(t *testing.T) {
	base := ConstructArgs{
		Name:           "source.tar.gz",
		System:         "x86_64-linux",
		OutputHash:     "0000000000000000000000000000000000000000000000000000000000000000",
		OutputHashAlgo: "sha256",
		OutputHashMode: "flat",
	}
	withBuilderA := base
	withBuilderA.Builder = "/nix/store/094qif9n4cq4fdg459qzbhg1c6wywawwaaivx0k0x8xhbyx4vwic-fetch-a"
	withBuilderB := base
	withBuilderB.Builder = "/nix/store/094qif9n4cq4fdg459qzbhg1c6wywawwaaivx0k0x8xhbyx4vwic-fetch-b"

	pa, err := Construct(DefaultDirectory, withBuilderA)
	if err != nil {
		t.Fatal(err)
	}
	pb, err := Construct(DefaultDirectory, withBuilderB)
	if err != nil {
		t.Fatal(err)
	}
	if pa.Outputs()["out"] != pb.Outputs()["out"] {
		t.Errorf("fixed-output path differs by builder: %q != %q", pa.Outputs()["out"], pb.Outputs()["out"])
	}
	if pa.DrvPath == pb.DrvPath {
		t.Error("derivations with different builders produced the same drv path")
	}
}

func TestConstructWithDependency(t *testing.T) {
	dep, err := Construct(DefaultDirectory, ConstructArgs{
		Name:    "dep",
		Builder: "/nix/store/094qif9n4cq4fdg459qzbhg1c6wywawwaaivx0k0x8xhbyx4vwic-bash/bin/bash",
		System:  "x86_64-linux",
	})
	if err != nil {
		t.Fatal(err)
	}

	pkg, err := Construct(DefaultDirectory, ConstructArgs{
		Name:    "app",
		Builder: "/nix/store/094qif9n4cq4fdg459qzbhg1c6wywawwaaivx0k0x8xhbyx4vwic-bash/bin/bash",
		System:  "x86_64-linux",
		Deps:    []Dependency{{Package: dep}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := pkg.Derivation.InputDerivations[dep.DrvPath]; !ok {
		t.Error("constructed derivation does not reference its dependency's drv path")
	}
}

func TestOverridePreservesUnchangedFields(t *testing.T) {
	pkg, err := Construct(DefaultDirectory, ConstructArgs{
		Name:    "hello",
		Builder: "/nix/store/094qif9n4cq4fdg459qzbhg1c6wywawwaaivx0k0x8xhbyx4vwic-bash/bin/bash",
		System:  "x86_64-linux",
		Args:    []string{"-e", "builder.sh"},
	})
	if err != nil {
		t.Fatal(err)
	}

	overridden, err := pkg.Override(ConstructArgs{Name: "hello-patched"})
	if err != nil {
		t.Fatal(err)
	}
	if overridden.Derivation.Builder != pkg.Derivation.Builder {
		t.Error("Override changed the builder even though it wasn't in the patch")
	}
	if overridden.DrvPath == pkg.DrvPath {
		t.Error("Override with a different name produced the same drv path")
	}
}
