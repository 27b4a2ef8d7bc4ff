// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package digest

import (
	"bytes"
	"testing"
)

func TestCompressFold(t *testing.T) {
	tests := []struct {
		src  []byte
		size int
		want []byte
	}{
		{[]byte{0x01, 0x02, 0x03, 0x04}, 2, []byte{0x01 ^ 0x03, 0x02 ^ 0x04}},
		{[]byte{0xff}, 4, []byte{0xff, 0, 0, 0}},
		{nil, 3, []byte{0, 0, 0}},
	}
	for _, test := range tests {
		got := CompressFold(test.src, test.size)
		if !bytes.Equal(got, test.want) {
			t.Errorf("CompressFold(%x, %d) = %x; want %x", test.src, test.size, got, test.want)
		}
	}
}

func TestCompressFoldEveryByteContributes(t *testing.T) {
	full := SHA256([]byte("hello"))
	folded := CompressFold(full[:], 20)
	if len(folded) != 20 {
		t.Fatalf("len(folded) = %d; want 20", len(folded))
	}
	// Flipping any single input byte must change the folded output,
	// since every byte contributes to exactly one output position.
	for i := range full {
		mutated := full
		mutated[i] ^= 0xff
		mutatedFolded := CompressFold(mutated[:], 20)
		if bytes.Equal(mutatedFolded, folded) {
			t.Errorf("flipping byte %d of input did not change folded output", i)
		}
	}
}
