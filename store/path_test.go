// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package store

import "testing"

func TestParsePath(t *testing.T) {
	tests := []struct {
		path    string
		wantErr bool
	}{
		{"/nix/store/094qif9n4cq4fdg459qzbhg1c6wywaww-hello-2.10", false},
		{"/nix/store/094qif9n4cq4fdg459qzbhg1c6wywawwaaivx0k0x8xhbyx4vwic-", true},
		{"relative/094qif9n4cq4fdg459qzbhg1c6wywawwaaivx0k0x8xhbyx4vwic-hello", true},
		{"/nix/store/short-hello", true},
		{"/nix/store/094qif9n4cq4fdg459qzbhg1c6wywawwaaivx0k0x8xhbyx4vwicXhello", true},
	}
	for _, test := range tests {
		_, err := ParsePath(test.path)
		if (err != nil) != test.wantErr {
			t.Errorf("ParsePath(%q) error = %v; wantErr = %v", test.path, err, test.wantErr)
		}
	}
}

func TestPathAccessors(t *testing.T) {
	p, err := ParsePath("/nix/store/094qif9n4cq4fdg459qzbhg1c6wywaww-hello-2.10")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := p.Dir(), DefaultDirectory; got != want {
		t.Errorf("Dir() = %q; want %q", got, want)
	}
	if got, want := p.Digest(), "094qif9n4cq4fdg459qzbhg1c6wywaww"; got != want {
		t.Errorf("Digest() = %q; want %q", got, want)
	}
	if got, want := p.Name(), "hello-2.10"; got != want {
		t.Errorf("Name() = %q; want %q", got, want)
	}
	if p.IsDerivation() {
		t.Error("IsDerivation() = true for non-.drv path")
	}
}

func TestIsDerivation(t *testing.T) {
	p, err := ParsePath("/nix/store/094qif9n4cq4fdg459qzbhg1c6wywaww-hello-2.10.drv")
	if err != nil {
		t.Fatal(err)
	}
	if !p.IsDerivation() {
		t.Error("IsDerivation() = false for .drv path")
	}
}

func TestDirectoryObject(t *testing.T) {
	if _, err := DefaultDirectory.Object("../escape"); err == nil {
		t.Error("Object with path separator did not return an error")
	}
	if _, err := DefaultDirectory.Object(""); err == nil {
		t.Error("Object with empty name did not return an error")
	}
}
