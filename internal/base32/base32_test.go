// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package base32

import (
	"bytes"
	"crypto/sha256"
	"testing"
)

// helloSHA256Base32 is the non-standard base32 encoding of
// sha256("hello"), as fixed by the reference implementation this format
// was distilled from.
const helloSHA256Base32 = "094qif9n4cq4fdg459qzbhg1c6wywawwaaivx0k0x8xhbyx4vwic"

func TestHelloConstant(t *testing.T) {
	sum := sha256.Sum256([]byte("hello"))
	got := Encode(sum[:])
	if got != helloSHA256Base32 {
		t.Errorf("Encode(sha256(\"hello\")) = %q; want %q", got, helloSHA256Base32)
	}
	decoded, err := Decode(got)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(decoded, sum[:]) {
		t.Errorf("Decode(Encode(x)) = %x; want %x", decoded, sum[:])
	}
}

func TestRoundTrip(t *testing.T) {
	inputs := [][]byte{
		{},
		{0},
		{1, 2, 3, 4, 5},
		bytes.Repeat([]byte{0xff}, 20),
		bytes.Repeat([]byte{0x5a}, 32),
	}
	for _, in := range inputs {
		enc := Encode(in)
		if want := EncodedLen(len(in)); len(enc) != want {
			t.Errorf("len(Encode(%x)) = %d; want %d", in, len(enc), want)
		}
		dec, err := Decode(enc)
		if err != nil {
			t.Fatalf("Decode(%q): %v", enc, err)
		}
		if !bytes.Equal(dec, in) {
			t.Errorf("Decode(Encode(%x)) = %x; want %x", in, dec, in)
		}
	}
}

func TestDecodeInvalidSymbol(t *testing.T) {
	if _, err := Decode("0000000000000000000000000000000u"); err == nil {
		t.Error("Decode with invalid symbol 'u' did not return an error")
	}
}

func FuzzRoundTrip(f *testing.F) {
	f.Add([]byte("hello"))
	f.Add([]byte{})
	f.Add([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})
	f.Fuzz(func(t *testing.T, b []byte) {
		enc := Encode(b)
		dec, err := Decode(enc)
		if err != nil {
			t.Fatalf("Decode(Encode(%x)): %v", b, err)
		}
		if !bytes.Equal(dec, b) {
			t.Errorf("Decode(Encode(%x)) = %x; want %x", b, dec, b)
		}
	})
}
