// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

//go:build !unix

package store

import "io/fs"

// hardLinkKey identifies a file uniquely enough for the hard-link
// diagnostic; on non-unix platforms the diagnostic is disabled, so this
// never needs to distinguish anything.
type hardLinkKey struct{}

func checkHardLink(f fs.File, name string, seen map[hardLinkKey]string) {}
