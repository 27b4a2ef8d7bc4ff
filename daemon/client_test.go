// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package daemon

import (
	"errors"
	"net"
	"path/filepath"
	"testing"

	"strata.dev/pkg/internal/testcontext"
	"strata.dev/pkg/store"
)

// fakeServer accepts exactly one connection, performs the handshake,
// then hands off to handle for the rest of the exchange.
func fakeServer(t *testing.T, handle func(r wireReader, w wireWriter)) string {
	t.Helper()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "daemon.sock")
	l, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := newWireReader(conn)
		w := newWireWriter(conn)

		magic, err := r.uint64()
		if err != nil || magic != workerMagic1 {
			return
		}
		w.uint64(workerMagic2)
		w.uint64(protocolVersion)
		w.flush()

		if _, err := r.uint64(); err != nil { // client protocol version
			return
		}
		if _, err := r.uint64(); err != nil { // cpu affinity
			return
		}
		if _, err := r.bool(); err != nil { // reserve space
			return
		}
		// Daemon version string and trust level, which the client reads
		// for protocol versions 1.33 and 1.35 onward.
		w.string("strata-test")
		w.uint64(1)
		w.uint64(stderrLast) // handshake log drain
		w.flush()

		handle(r, w)
	}()

	return sockPath
}

func dialTest(t *testing.T, sockPath string) *Client {
	t.Helper()
	ctx, cancel := testcontext.New(t)
	defer cancel()
	c, err := Dial(ctx, sockPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := testcontext.New(t)
		defer cancel()
		c.Close(ctx)
	})
	return c
}

func TestIsValidPath(t *testing.T) {
	sockPath := fakeServer(t, func(r wireReader, w wireWriter) {
		op, err := r.uint64()
		if err != nil || op != opIsValidPath {
			return
		}
		if _, err := r.string(); err != nil {
			return
		}
		w.uint64(stderrLast)
		w.bool(true)
		w.flush()
	})

	c := dialTest(t, sockPath)
	ctx, cancel := testcontext.New(t)
	defer cancel()
	valid, err := c.IsValidPath(ctx, store.Path("/nix/store/abc-hello"))
	if err != nil {
		t.Fatal(err)
	}
	if !valid {
		t.Error("IsValidPath = false; want true")
	}
}

func TestQueryValidPathsEmpty(t *testing.T) {
	sockPath := fakeServer(t, func(r wireReader, w wireWriter) {
		op, err := r.uint64()
		if err != nil || op != opQueryValidPaths {
			return
		}
		if _, err := r.stringList(); err != nil {
			return
		}
		if _, err := r.bool(); err != nil {
			return
		}
		w.uint64(stderrLast)
		w.stringList(nil)
		w.flush()
	})

	c := dialTest(t, sockPath)
	ctx, cancel := testcontext.New(t)
	defer cancel()
	paths, err := c.QueryValidPaths(ctx, []store.Path{"/nix/store/abc-hello"}, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 0 {
		t.Errorf("QueryValidPaths = %v; want empty", paths)
	}
}

func TestBuildErrorFrame(t *testing.T) {
	sockPath := fakeServer(t, func(r wireReader, w wireWriter) {
		op, err := r.uint64()
		if err != nil || op != opIsValidPath {
			return
		}
		if _, err := r.string(); err != nil {
			return
		}
		w.uint64(stderrError)
		w.string("builder-failed")
		w.uint64(0) // level
		w.string("")
		w.string("build failed for reasons")
		w.uint64(0) // trace count
		w.flush()
	})

	c := dialTest(t, sockPath)
	ctx, cancel := testcontext.New(t)
	defer cancel()
	_, err := c.IsValidPath(ctx, store.Path("/nix/store/abc-hello"))
	var buildErr *BuildError
	if !errors.As(err, &buildErr) {
		t.Fatalf("IsValidPath error = %v; want a *BuildError", err)
	}
	if buildErr.Type != "builder-failed" {
		t.Errorf("BuildError.Type = %q; want %q", buildErr.Type, "builder-failed")
	}
}

func TestAddTextToStore(t *testing.T) {
	sockPath := fakeServer(t, func(r wireReader, w wireWriter) {
		op, err := r.uint64()
		if err != nil || op != opAddTextToStore {
			return
		}
		if _, err := r.string(); err != nil {
			return
		}
		if _, err := r.bytes(); err != nil {
			return
		}
		if _, err := r.stringList(); err != nil {
			return
		}
		w.uint64(stderrLast)
		w.string("/nix/store/xyz-greeting.txt")
		w.flush()
	})

	c := dialTest(t, sockPath)
	ctx, cancel := testcontext.New(t)
	defer cancel()
	path, err := c.AddTextToStore(ctx, "greeting.txt", []byte("hello"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if path != "/nix/store/xyz-greeting.txt" {
		t.Errorf("AddTextToStore path = %q", path)
	}
}
