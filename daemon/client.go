// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Package daemon implements a client for the build daemon's
// Unix-domain wire protocol: a synchronous handshake followed by a
// request/response exchange per operation, each interleaved with a
// stream of log frames the daemon sends while it works.
package daemon

import (
	"context"
	"fmt"
	"net"

	"github.com/google/uuid"
	"zombiezen.com/go/log"
	"zombiezen.com/go/xcontext"

	"strata.dev/pkg/store"
)

// DefaultSocketPath is the conventional location of the daemon's
// listening socket.
const DefaultSocketPath = "/nix/var/nix/daemon-socket/socket"

// BuildError reports a failure the daemon attached to a stderr error
// frame: a type tag and a human-readable message, as sent over the
// wire. It does not carry the frame's trace entries, which are
// diagnostic only.
type BuildError struct {
	Type    string
	Message string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// PathInfo is the daemon's metadata about a single valid store path.
type PathInfo struct {
	Deriver          store.Path
	NARHash          string
	References       []store.Path
	RegistrationTime int64
	NARSize          int64
	Signatures       []string
	ContentAddress   string
}

// Client is a single connection to the daemon. A Client is not safe
// for concurrent use: the protocol is strictly request/response on one
// socket, with no pipelining beyond the per-operation stderr drain.
type Client struct {
	id      string
	conn    net.Conn
	r       wireReader
	w       wireWriter
	version uint64
}

// Dial connects to the daemon listening on a Unix-domain socket at
// path and performs the protocol handshake.
func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	c := &Client{
		id:   uuid.NewString(),
		conn: conn,
		r:    newWireReader(conn),
		w:    newWireWriter(conn),
	}
	if err := c.handshake(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return c, nil
}

// Close ends the connection. ctx is detached from cancellation before
// it reaches the shutdown log line, so a caller closing in response to
// its own context being cancelled still gets a clean log entry instead
// of the close racing a second cancellation.
func (c *Client) Close(ctx context.Context) error {
	log.Debugf(xcontext.Detach(ctx), "daemon client %s: closing", c.id)
	return c.conn.Close()
}

func (c *Client) handshake(ctx context.Context) error {
	log.Debugf(ctx, "daemon client %s: handshake starting", c.id)
	if err := c.w.uint64(workerMagic1); err != nil {
		return err
	}
	if err := c.w.flush(); err != nil {
		return err
	}
	magic, err := c.r.uint64()
	if err != nil {
		return fmt.Errorf("read daemon magic: %w", err)
	}
	if magic != workerMagic2 {
		return fmt.Errorf("bad daemon magic %#x", magic)
	}

	c.version, err = c.r.uint64()
	if err != nil {
		return fmt.Errorf("read daemon protocol version: %w", err)
	}

	if err := c.w.uint64(protocolVersion); err != nil {
		return err
	}
	// CPU affinity override: none.
	if err := c.w.uint64(0); err != nil {
		return err
	}
	// Reserve-space flag: never requested.
	if err := c.w.bool(false); err != nil {
		return err
	}
	if err := c.w.flush(); err != nil {
		return err
	}

	if c.version >= protocolVersionWithDaemonVersion {
		if _, err := c.r.string(); err != nil {
			return fmt.Errorf("read daemon version string: %w", err)
		}
	}
	if c.version >= protocolVersionWithTrustedStatus {
		if _, err := c.r.uint64(); err != nil {
			return fmt.Errorf("read daemon trust level: %w", err)
		}
	}

	if err := c.drainStderr(ctx); err != nil {
		return fmt.Errorf("drain handshake log: %w", err)
	}
	log.Debugf(ctx, "daemon client %s: handshake complete, protocol %d.%d", c.id, c.version>>8, c.version&0xff)
	return nil
}

// drainStderr reads and discards log/activity frames until the
// terminating frame, returning a [*BuildError] if the daemon reports
// one.
func (c *Client) drainStderr(ctx context.Context) error {
	for {
		msgType, err := c.r.uint64()
		if err != nil {
			return fmt.Errorf("read stderr frame: %w", err)
		}
		switch msgType {
		case stderrLast:
			return nil
		case stderrError:
			errType, err := c.r.string()
			if err != nil {
				return err
			}
			if _, err := c.r.uint64(); err != nil { // level
				return err
			}
			if _, err := c.r.string(); err != nil { // name
				return err
			}
			msg, err := c.r.string()
			if err != nil {
				return err
			}
			n, err := c.r.uint64() // trace count
			if err != nil {
				return err
			}
			for i := uint64(0); i < n; i++ {
				if _, err := c.r.uint64(); err != nil { // trace position
					return err
				}
				if _, err := c.r.string(); err != nil { // trace message
					return err
				}
			}
			return &BuildError{Type: errType, Message: msg}
		case stderrNext:
			msg, err := c.r.string()
			if err != nil {
				return err
			}
			log.Debugf(ctx, "daemon: %s", msg)
		case stderrStartActivity:
			if err := c.drainFields(); err != nil {
				return err
			}
		case stderrStopActivity:
			if _, err := c.r.uint64(); err != nil { // activity id
				return err
			}
		case stderrResult:
			if _, err := c.r.uint64(); err != nil { // activity id
				return err
			}
			if _, err := c.r.uint64(); err != nil { // result type
				return err
			}
			if _, err := c.readFieldList(); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unexpected stderr frame type %#x", msgType)
		}
	}
}

// drainFields reads the fixed prefix of a start-activity frame
// (activity id, level, type, text) followed by its field list and
// parent id.
func (c *Client) drainFields() error {
	if _, err := c.r.uint64(); err != nil { // activity id
		return err
	}
	if _, err := c.r.uint64(); err != nil { // level
		return err
	}
	if _, err := c.r.uint64(); err != nil { // activity type
		return err
	}
	if _, err := c.r.string(); err != nil { // text
		return err
	}
	if _, err := c.readFieldList(); err != nil {
		return err
	}
	if _, err := c.r.uint64(); err != nil { // parent id
		return err
	}
	return nil
}

// readFieldList reads a tagged list of integer/string fields attached
// to an activity frame; the core has no use for the values, so they
// are discarded once read.
func (c *Client) readFieldList() ([]any, error) {
	n, err := c.r.uint64()
	if err != nil {
		return nil, err
	}
	fields := make([]any, n)
	for i := range fields {
		tag, err := c.r.uint64()
		if err != nil {
			return nil, err
		}
		switch tag {
		case 0:
			fields[i], err = c.r.uint64()
		case 1:
			fields[i], err = c.r.string()
		default:
			return nil, fmt.Errorf("unknown activity field type %d", tag)
		}
		if err != nil {
			return nil, err
		}
	}
	return fields, nil
}

// IsValidPath reports whether path is registered in the daemon's
// store.
func (c *Client) IsValidPath(ctx context.Context, path store.Path) (bool, error) {
	if err := c.w.uint64(opIsValidPath); err != nil {
		return false, err
	}
	if err := c.w.string(string(path)); err != nil {
		return false, err
	}
	if err := c.w.flush(); err != nil {
		return false, err
	}
	if err := c.drainStderr(ctx); err != nil {
		return false, fmt.Errorf("is valid path %s: %w", path, err)
	}
	valid, err := c.r.bool()
	if err != nil {
		return false, fmt.Errorf("is valid path %s: %w", path, err)
	}
	return valid, nil
}

// QueryValidPaths returns the subset of paths that are registered in
// the daemon's store. If substitute is true, the daemon may attempt to
// realize missing paths from a substituter before answering.
func (c *Client) QueryValidPaths(ctx context.Context, paths []store.Path, substitute bool) ([]store.Path, error) {
	if err := c.w.uint64(opQueryValidPaths); err != nil {
		return nil, err
	}
	if err := c.w.stringList(pathStrings(paths)); err != nil {
		return nil, err
	}
	if err := c.w.bool(substitute); err != nil {
		return nil, err
	}
	if err := c.w.flush(); err != nil {
		return nil, err
	}
	if err := c.drainStderr(ctx); err != nil {
		return nil, fmt.Errorf("query valid paths: %w", err)
	}
	list, err := c.r.stringList()
	if err != nil {
		return nil, fmt.Errorf("query valid paths: %w", err)
	}
	out := make([]store.Path, len(list))
	for i, s := range list {
		out[i] = store.Path(s)
	}
	return out, nil
}

// QueryPathInfo fetches the daemon's metadata for a registered path.
func (c *Client) QueryPathInfo(ctx context.Context, path store.Path) (*PathInfo, error) {
	if err := c.w.uint64(opQueryPathInfo); err != nil {
		return nil, err
	}
	if err := c.w.string(string(path)); err != nil {
		return nil, err
	}
	if err := c.w.flush(); err != nil {
		return nil, err
	}
	if err := c.drainStderr(ctx); err != nil {
		return nil, fmt.Errorf("query path info %s: %w", path, err)
	}

	valid, err := c.r.bool()
	if err != nil {
		return nil, fmt.Errorf("query path info %s: %w", path, err)
	}
	if !valid {
		return nil, fmt.Errorf("query path info %s: not a valid path", path)
	}

	deriver, err := c.r.string()
	if err != nil {
		return nil, fmt.Errorf("query path info %s: %w", path, err)
	}
	narHash, err := c.r.string()
	if err != nil {
		return nil, fmt.Errorf("query path info %s: %w", path, err)
	}
	refs, err := c.r.stringList()
	if err != nil {
		return nil, fmt.Errorf("query path info %s: %w", path, err)
	}
	regTime, err := c.r.uint64()
	if err != nil {
		return nil, fmt.Errorf("query path info %s: %w", path, err)
	}
	narSize, err := c.r.uint64()
	if err != nil {
		return nil, fmt.Errorf("query path info %s: %w", path, err)
	}
	if _, err := c.r.bool(); err != nil { // ultimate flag
		return nil, fmt.Errorf("query path info %s: %w", path, err)
	}
	sigs, err := c.r.stringList()
	if err != nil {
		return nil, fmt.Errorf("query path info %s: %w", path, err)
	}
	ca, err := c.r.string()
	if err != nil {
		return nil, fmt.Errorf("query path info %s: %w", path, err)
	}

	refPaths := make([]store.Path, len(refs))
	for i, r := range refs {
		refPaths[i] = store.Path(r)
	}
	return &PathInfo{
		Deriver:          store.Path(deriver),
		NARHash:          narHash,
		References:       refPaths,
		RegistrationTime: int64(regTime),
		NARSize:          int64(narSize),
		Signatures:       sigs,
		ContentAddress:   ca,
	}, nil
}

// AddTextToStore registers content under name as a text-addressed
// store object, referencing refs, and returns the resulting path. The
// daemon is expected to compute the same path [store.TextPath] would.
func (c *Client) AddTextToStore(ctx context.Context, name string, content []byte, refs []store.Path) (store.Path, error) {
	if err := c.w.uint64(opAddTextToStore); err != nil {
		return "", err
	}
	if err := c.w.string(name); err != nil {
		return "", err
	}
	if err := c.w.bytes(content); err != nil {
		return "", err
	}
	if err := c.w.stringList(pathStrings(refs)); err != nil {
		return "", err
	}
	if err := c.w.flush(); err != nil {
		return "", err
	}
	if err := c.drainStderr(ctx); err != nil {
		return "", fmt.Errorf("add text to store %s: %w", name, err)
	}
	path, err := c.r.string()
	if err != nil {
		return "", fmt.Errorf("add text to store %s: %w", name, err)
	}
	return store.Path(path), nil
}

// BuildSpec names a single build target: either a bare store path or a
// "<drv-path>!<output-name>" pair restricting which output to realize.
type BuildSpec string

// OutputSpec formats a build request for a single output of a
// derivation.
func OutputSpec(drvPath store.Path, outputName string) BuildSpec {
	return BuildSpec(string(drvPath) + "!" + outputName)
}

// BuildPaths asks the daemon to realize the given specs, blocking
// until the build completes or fails.
func (c *Client) BuildPaths(ctx context.Context, specs []BuildSpec) error {
	if err := c.w.uint64(opBuildPaths); err != nil {
		return err
	}
	strs := make([]string, len(specs))
	for i, s := range specs {
		strs[i] = string(s)
	}
	if err := c.w.stringList(strs); err != nil {
		return err
	}
	if err := c.w.uint64(buildModeNormal); err != nil {
		return err
	}
	if err := c.w.flush(); err != nil {
		return err
	}
	if err := c.drainStderr(ctx); err != nil {
		return fmt.Errorf("build paths: %w", err)
	}
	result, err := c.r.uint64()
	if err != nil {
		return fmt.Errorf("build paths: %w", err)
	}
	if result == 0 {
		return fmt.Errorf("build paths: daemon reported failure")
	}
	return nil
}

func pathStrings(paths []store.Path) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = string(p)
	}
	return out
}
