// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package store

import (
	"testing"

	"strata.dev/pkg/sortedset"
)

func exampleDerivation() *Derivation {
	drv := &Derivation{
		Dir:              DefaultDirectory,
		Outputs:          map[string]DerivationOutput{"out": {Path: "/nix/store/094qif9n4cq4fdg459qzbhg1c6wywaww-hello-2.10"}},
		InputDerivations: map[Path]*sortedset.Set[string]{},
		InputSources:     new(sortedset.Set[Path]),
		System:           "x86_64-linux",
		Builder:          "/nix/store/094qif9n4cq4fdg459qzbhg1c6wywawwaaivx0k0x8xhbyx4vwic-bash/bin/bash",
		Args:             []string{"-e", "builder.sh"},
		Env:              map[string]string{"name": "hello-2.10", "out": "/nix/store/094qif9n4cq4fdg459qzbhg1c6wywaww-hello-2.10"},
	}
	drv.InputSources.Add("/nix/store/094qif9n4cq4fdg459qzbhg1c6wywawwaaivx0k0x8xhbyx4vwic-builder.sh")
	return drv
}

func TestDerivationRoundTrip(t *testing.T) {
	drv := exampleDerivation()
	text, err := drv.MarshalText()
	if err != nil {
		t.Fatal(err)
	}

	parsed, err := ParseDerivation(DefaultDirectory, text)
	if err != nil {
		t.Fatalf("ParseDerivation(%q): %v", text, err)
	}

	text2, err := parsed.MarshalText()
	if err != nil {
		t.Fatal(err)
	}
	if string(text) != string(text2) {
		t.Errorf("serialize(parse(s)) != s:\n got: %s\nwant: %s", text2, text)
	}
}

func TestDerivationName(t *testing.T) {
	drv := exampleDerivation()
	if got, want := drv.Name(), "hello-2.10"; got != want {
		t.Errorf("Name() = %q; want %q", got, want)
	}
}

func TestParseDerivationEscapes(t *testing.T) {
	text := []byte(`Derive([("out","","","")],[],[],"x86_64-linux","/bin/sh",[],[("msg","a\qb")])`)
	drv, err := ParseDerivation(DefaultDirectory, text)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := drv.Env["msg"], "aqb"; got != want {
		t.Errorf("env[msg] = %q; want %q (lenient escape pass-through)", got, want)
	}
}

func TestMarshalDerivationOutputsSorted(t *testing.T) {
	drv := &Derivation{
		Outputs: map[string]DerivationOutput{
			"out": {},
			"dev": {},
			"bin": {},
		},
		InputDerivations: map[Path]*sortedset.Set[string]{},
		InputSources:     new(sortedset.Set[Path]),
		Env:              map[string]string{},
	}
	text, err := drv.MarshalText()
	if err != nil {
		t.Fatal(err)
	}
	prefix := `Derive([("bin","","","")`
	if len(text) < len(prefix) || string(text[:len(prefix)]) != prefix {
		t.Errorf("outputs not sorted by name: %s", text)
	}
}
