// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

//go:build unix

package store

import (
	"context"
	"io/fs"
	"os"

	"golang.org/x/sys/unix"
	"zombiezen.com/go/log"
)

// hardLinkKey identifies a file by device and inode number.
type hardLinkKey struct {
	dev uint64
	ino uint64
}

// checkHardLink records f's device/inode pair in seen and logs a debug
// note if it has already been seen under a different name during this
// archive run. f must be the just-opened file at name; checkHardLink is
// a no-op if f isn't backed by a real file descriptor (for instance,
// when fsys is an in-memory filesystem).
func checkHardLink(f fs.File, name string, seen map[hardLinkKey]string) {
	osFile, ok := f.(*os.File)
	if !ok {
		return
	}
	var st unix.Stat_t
	if err := unix.Fstat(int(osFile.Fd()), &st); err != nil {
		return
	}
	if st.Nlink <= 1 {
		return
	}
	key := hardLinkKey{dev: uint64(st.Dev), ino: st.Ino}
	if other, ok := seen[key]; ok {
		log.Debugf(context.Background(), "archive: %s and %s are hard-linked; serializing contents separately", other, name)
		return
	}
	seen[key] = name
}
