// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package daemon

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Wire protocol constants. All integers are little-endian 64-bit; all
// byte strings are length-prefixed and zero-padded to 8-byte alignment.
const (
	workerMagic1    = 0x6e697863 // "nixc"
	workerMagic2    = 0x6478696f // "dxio"
	protocolVersion = 1<<8 | 37

	protocolVersionWithDaemonVersion = 1<<8 | 33
	protocolVersionWithTrustedStatus = 1<<8 | 35
)

// Worker operation opcodes.
const (
	opIsValidPath     = 1
	opAddTextToStore  = 8
	opBuildPaths      = 9
	opQueryValidPaths = 31
	opQueryPathInfo   = 26
)

// Stderr frame message types the daemon interleaves with every
// response.
const (
	stderrNext          = 0x6f6c6d67
	stderrError         = 0x63787470
	stderrStartActivity = 0x53545254
	stderrStopActivity  = 0x53544f50
	stderrResult        = 0x52534c54
	stderrLast          = 0x616c7473
)

// buildMode mirrors the daemon's bmNormal=0 build mode; the core never
// needs the repair/check variants.
const buildModeNormal = 0

// wireReader reads the little-endian, 8-byte-aligned primitives the
// daemon protocol is built from.
type wireReader struct {
	r *bufio.Reader
}

func newWireReader(r io.Reader) wireReader {
	return wireReader{r: bufio.NewReader(r)}
}

func (w wireReader) uint64() (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(w.r, buf[:]); err != nil {
		return 0, fmt.Errorf("read uint64: %w", err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (w wireReader) bool() (bool, error) {
	n, err := w.uint64()
	if err != nil {
		return false, err
	}
	return n != 0, nil
}

func (w wireReader) bytes() ([]byte, error) {
	n, err := w.uint64()
	if err != nil {
		return nil, fmt.Errorf("read bytes: %w", err)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(w.r, buf); err != nil {
		return nil, fmt.Errorf("read bytes: %w", err)
	}
	if pad := paddingLen(n); pad > 0 {
		if _, err := io.CopyN(io.Discard, w.r, int64(pad)); err != nil {
			return nil, fmt.Errorf("read bytes: discard padding: %w", err)
		}
	}
	return buf, nil
}

func (w wireReader) string() (string, error) {
	b, err := w.bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (w wireReader) stringList() ([]string, error) {
	n, err := w.uint64()
	if err != nil {
		return nil, fmt.Errorf("read string list: %w", err)
	}
	list := make([]string, n)
	for i := range list {
		list[i], err = w.string()
		if err != nil {
			return nil, fmt.Errorf("read string list: element %d: %w", i, err)
		}
	}
	return list, nil
}

// wireWriter writes the same primitives, buffered, with an explicit
// Flush once a full request has been written.
type wireWriter struct {
	w *bufio.Writer
}

func newWireWriter(w io.Writer) wireWriter {
	return wireWriter{w: bufio.NewWriter(w)}
}

func (w wireWriter) uint64(n uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], n)
	_, err := w.w.Write(buf[:])
	if err != nil {
		return fmt.Errorf("write uint64: %w", err)
	}
	return nil
}

func (w wireWriter) bool(b bool) error {
	var n uint64
	if b {
		n = 1
	}
	return w.uint64(n)
}

func (w wireWriter) bytes(b []byte) error {
	if err := w.uint64(uint64(len(b))); err != nil {
		return fmt.Errorf("write bytes: %w", err)
	}
	if _, err := w.w.Write(b); err != nil {
		return fmt.Errorf("write bytes: %w", err)
	}
	if pad := paddingLen(uint64(len(b))); pad > 0 {
		var zero [8]byte
		if _, err := w.w.Write(zero[:pad]); err != nil {
			return fmt.Errorf("write bytes: padding: %w", err)
		}
	}
	return nil
}

func (w wireWriter) string(s string) error {
	return w.bytes([]byte(s))
}

func (w wireWriter) stringList(list []string) error {
	if err := w.uint64(uint64(len(list))); err != nil {
		return fmt.Errorf("write string list: %w", err)
	}
	for i, s := range list {
		if err := w.string(s); err != nil {
			return fmt.Errorf("write string list: element %d: %w", i, err)
		}
	}
	return nil
}

func (w wireWriter) flush() error {
	return w.w.Flush()
}

// paddingLen returns the number of zero bytes needed after n bytes of
// payload to reach the next 8-byte boundary.
func paddingLen(n uint64) uint64 {
	return (8 - n%8) % 8
}
